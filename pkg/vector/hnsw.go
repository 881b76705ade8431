package vector

import (
	"math"
	"math/rand"
	"sort"
)

// hnswM is the max neighbors kept per node per layer above 0; layer 0 keeps
// twice as many, the standard HNSW asymmetry (denser base layer).
const hnswM = 16
const hnswEfConstruction = 64

// hnswNode is one vector's position in a segment's graph. neighbors[l] is
// kept sorted ascending by VectorId — a flat, compact representation
// instead of a balanced tree, since per-layer degree is capped at a small
// constant (spec.md §4.8.3).
type hnswNode struct {
	id        uint64
	level     int
	neighbors [][]uint64
}

// segment is one sealed, immutable HNSW graph over a fixed set of vectors
// frozen out of the active buffer once it reaches the seal threshold
// (spec.md §4.8.3). Embeddings are never copied into the segment — every
// distance computation dereferences the shared heap by id.
type segment struct {
	id         uint64
	metric     Metric
	heap       *heap
	nodes      map[uint64]*hnswNode
	entryPoint uint64
	maxLevel   int
	levelMult  float64
	liveAtSeal int // count of ids frozen into this segment at seal time
}

// buildSegment constructs a segment deterministically from ids, inserted in
// ascending order, using a PRNG seeded from (collectionSeed, segmentID) so
// the same input set always produces the same graph (spec.md §4.8.3's
// "deterministic seed/level-assignment" requirement).
func buildSegment(id uint64, ids []uint64, h *heap, metric Metric, collectionSeed int64) *segment {
	s := &segment{
		id:         id,
		metric:     metric,
		heap:       h,
		nodes:      make(map[uint64]*hnswNode, len(ids)),
		levelMult:  1.0 / math.Log(float64(hnswM)),
		liveAtSeal: len(ids),
	}
	rng := rand.New(rand.NewSource(collectionSeed ^ int64(id)*2654435761))
	hasEntry := false
	for _, vid := range ids {
		s.insert(vid, rng)
		if !hasEntry {
			s.entryPoint = vid
			hasEntry = true
		}
	}
	return s
}

func (s *segment) randomLevel(rng *rand.Rand) int {
	level := int(math.Floor(-math.Log(rng.Float64()) * s.levelMult))
	if level > 32 {
		level = 32 // guard against the vanishing-probability tail
	}
	return level
}

func (s *segment) score(a, b uint64) float32 {
	ea, _ := s.heap.Get(a)
	eb, _ := s.heap.Get(b)
	return Score(s.metric, ea, eb)
}

func (s *segment) scoreEmbedding(query []float32, b uint64) float32 {
	eb, _ := s.heap.Get(b)
	return Score(s.metric, query, eb)
}

// insert adds vid to the graph using the standard HNSW construction
// algorithm (no heuristic neighbor pruning, just keep-M-closest): descend
// greedily from the entry point to the node's own top layer, then at every
// layer from there down to 0 gather the ef nearest existing candidates and
// connect to the M closest.
func (s *segment) insert(vid uint64, rng *rand.Rand) {
	level := s.randomLevel(rng)
	node := &hnswNode{id: vid, level: level, neighbors: make([][]uint64, level+1)}

	if len(s.nodes) == 0 {
		s.nodes[vid] = node
		s.entryPoint = vid
		s.maxLevel = level
		return
	}

	ep := s.entryPoint
	for l := s.maxLevel; l > level; l-- {
		ep = s.greedyClosest(ep, vid, l)
	}

	for l := min(level, s.maxLevel); l >= 0; l-- {
		candidates := s.searchLayer(vid, ep, hnswEfConstruction, l)
		m := hnswM
		if l == 0 {
			m = hnswM * 2
		}
		neighbors := topM(candidates, m)
		node.neighbors[l] = sortedIDs(neighbors)
		for _, n := range neighbors {
			s.connect(n, vid, l, m)
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}

	s.nodes[vid] = node
	if level > s.maxLevel {
		s.maxLevel = level
		s.entryPoint = vid
	}
}

// connect adds a bidirectional edge neighbor<->vid at layer l, trimming
// neighbor's own list back down to m entries (keeping the closest) if it
// would otherwise exceed the per-layer degree cap.
func (s *segment) connect(neighbor, vid uint64, l, m int) {
	n := s.nodes[neighbor]
	if n == nil || l >= len(n.neighbors) {
		return
	}
	cur := n.neighbors[l]
	for _, existing := range cur {
		if existing == vid {
			return
		}
	}
	cur = append(cur, vid)
	if len(cur) > m {
		scored := make([]scored, len(cur))
		for i, c := range cur {
			scored[i] = scored{id: c, score: s.score(neighbor, c)}
		}
		cur = sortedIDs(topM(scored, m))
	} else {
		sort.Slice(cur, func(i, j int) bool { return cur[i] < cur[j] })
	}
	n.neighbors[l] = cur
}

type scored struct {
	id    uint64
	score float32
}

func topM(candidates []scored, m int) []scored {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	return candidates
}

func sortedIDs(s []scored) []uint64 {
	out := make([]uint64, len(s))
	for i, c := range s {
		out[i] = c.id
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// greedyClosest walks from ep toward vid at layer l, one hop at a time,
// stopping once no neighbor scores closer than the current node — used
// above the insertion point's own level where only a single path matters.
func (s *segment) greedyClosest(ep, vid uint64, l int) uint64 {
	best := ep
	bestScore := s.score(ep, vid)
	for {
		improved := false
		node := s.nodes[best]
		if node == nil || l >= len(node.neighbors) {
			break
		}
		for _, n := range node.neighbors[l] {
			sc := s.score(n, vid)
			if sc > bestScore {
				best, bestScore = n, sc
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return best
}

// searchLayer runs a simple best-first beam search at layer l starting from
// ep, against the embedding of query vid, returning up to ef candidates
// sorted by descending score.
func (s *segment) searchLayer(vid, ep uint64, ef, l int) []scored {
	visited := map[uint64]bool{ep: true}
	candidates := []scored{{id: ep, score: s.score(ep, vid)}}
	result := []scored{candidates[0]}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
		cur := candidates[0]
		candidates = candidates[1:]

		worstResult := result[len(result)-1].score
		if len(result) >= ef && cur.score < worstResult {
			break
		}

		node := s.nodes[cur.id]
		if node == nil || l >= len(node.neighbors) {
			continue
		}
		for _, n := range node.neighbors[l] {
			if visited[n] {
				continue
			}
			visited[n] = true
			sc := s.score(n, vid)
			candidates = append(candidates, scored{id: n, score: sc})
			result = append(result, scored{id: n, score: sc})
			sort.Slice(result, func(i, j int) bool { return result[i].score > result[j].score })
			if len(result) > ef {
				result = result[:ef]
			}
		}
	}
	return result
}

// SearchByEmbedding runs the beam search against an arbitrary query vector
// (not necessarily one already in the graph), descending from the entry
// point's top layer down to 0, returning up to ef candidates.
func (s *segment) SearchByEmbedding(query []float32, ef int) []scored {
	if len(s.nodes) == 0 {
		return nil
	}
	ep := s.entryPoint
	for l := s.maxLevel; l > 0; l-- {
		ep = s.greedyClosestToEmbedding(ep, query, l)
	}
	return s.searchLayerByEmbedding(query, ep, ef, 0)
}

func (s *segment) greedyClosestToEmbedding(ep uint64, query []float32, l int) uint64 {
	best := ep
	bestScore := s.scoreEmbedding(query, ep)
	for {
		improved := false
		node := s.nodes[best]
		if node == nil || l >= len(node.neighbors) {
			break
		}
		for _, n := range node.neighbors[l] {
			sc := s.scoreEmbedding(query, n)
			if sc > bestScore {
				best, bestScore = n, sc
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func (s *segment) searchLayerByEmbedding(query []float32, ep uint64, ef, l int) []scored {
	visited := map[uint64]bool{ep: true}
	candidates := []scored{{id: ep, score: s.scoreEmbedding(query, ep)}}
	result := []scored{candidates[0]}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
		cur := candidates[0]
		candidates = candidates[1:]

		worstResult := result[len(result)-1].score
		if len(result) >= ef && cur.score < worstResult {
			break
		}

		node := s.nodes[cur.id]
		if node == nil || l >= len(node.neighbors) {
			continue
		}
		for _, n := range node.neighbors[l] {
			if visited[n] {
				continue
			}
			visited[n] = true
			sc := s.scoreEmbedding(query, n)
			candidates = append(candidates, scored{id: n, score: sc})
			result = append(result, scored{id: n, score: sc})
			sort.Slice(result, func(i, j int) bool { return result[i].score > result[j].score })
			if len(result) > ef {
				result = result[:ef]
			}
		}
	}
	return result
}
