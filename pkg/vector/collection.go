package vector

import (
	"os"
	"sort"
	"sync"

	"github.com/stratadb/strata-core/pkg/value"
)

// DefaultSealThreshold is the active buffer size at which it freezes into a
// new sealed segment (spec.md §4.8.3).
const DefaultSealThreshold = 256

// CollectionConfig is a collection's immutable configuration, fixed at
// creation time (spec.md §4.8's "immutable config" persisted alongside the
// collection).
type CollectionConfig struct {
	Name          string
	Dimension     int
	Metric        Metric
	SealThreshold int
	Seed          int64
}

// Match is one filter predicate a caller can apply to a metadata field
// during search, beyond the always-applied temporal window. Only equality
// is implemented; spec.md §4.8.4 calls range/prefix filters future work.
type Match struct {
	Field string
	Equal string
}

// SearchOptions configures Collection.Search.
type SearchOptions struct {
	K      int
	AsOf   int64 // 0 means "now" (no temporal restriction beyond current liveness)
	Filter []Match
}

// Hit is one search result: a vector key, its similarity score (higher is
// always better, spec.md §4.8.7 #2), and its current metadata.
type Hit struct {
	Key      string
	Score    float32
	Metadata value.Value
}

type entryMeta struct {
	vectorID uint64
	metadata value.Value
}

// Collection is one named vector collection: the shared embedding heap, the
// unsealed active buffer, and zero or more immutable sealed segments
// (spec.md §4.8). Exactly one Collection exists per (branch, name) pair,
// owned by the package Facade.
type Collection struct {
	mu       sync.RWMutex
	cfg      CollectionConfig
	heap     *heap
	buffer   *activeBuffer
	segments []*segment
	nextSeg  uint64

	byKey map[string]*entryMeta // vector key -> current entry
	byID  map[uint64]string     // vector id -> owning key, for delete-by-id paths
}

func newCollection(cfg CollectionConfig) *Collection {
	if cfg.SealThreshold <= 0 {
		cfg.SealThreshold = DefaultSealThreshold
	}
	return &Collection{
		cfg:    cfg,
		heap:   newHeap(cfg.Dimension),
		buffer: newActiveBuffer(),
		byKey:  make(map[string]*entryMeta),
		byID:   make(map[uint64]string),
	}
}

// PlanUpsertID reports, without mutating anything, the VectorId an Upsert of
// key would use right now: the existing id if key is still in the active
// buffer (an in-place replace), or the id the heap's next Insert would
// allocate otherwise. A caller that must durably log the exact id before
// mutating state (Facade.Upsert, ahead of its WAL append) calls this first.
func (c *Collection) PlanUpsertID(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if existing, ok := c.byKey[key]; ok && c.buffer.Contains(existing.vectorID) {
		return existing.vectorID
	}
	return c.heap.PeekNextID()
}

// Upsert inserts or replaces the vector at key, returning its VectorId and
// new version. If key already exists and its current VectorId is still in
// the active buffer (not yet sealed into a segment), the embedding is
// replaced in place, preserving the VectorId (spec.md §4.8.7 #5). If it has
// already been sealed, the old id is soft-deleted in its segment and a new
// id is allocated into the active buffer.
func (c *Collection) Upsert(key string, embedding []float32, metadata value.Value, ts int64) (uint64, uint64) {
	return c.ApplyUpsert(key, c.PlanUpsertID(key), embedding, metadata, ts)
}

// ApplyUpsert performs the upsert at an explicit, already-decided VectorId:
// if key currently resolves to that same id the embedding is replaced in
// place (version bump); otherwise any existing id for key is soft-deleted
// and id is established fresh via the heap. The same logic serves a live
// Upsert (id decided by PlanUpsertID just before the WAL append) and WAL
// replay (id decoded straight from the durable record), so the two can never
// disagree about which path was taken (spec.md §4.8.7 #5, #7).
func (c *Collection) ApplyUpsert(key string, id uint64, embedding []float32, metadata value.Value, ts int64) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byKey[key]; ok {
		if existing.vectorID == id {
			version := c.heap.Replace(id, embedding)
			existing.metadata = metadata
			return id, version
		}
		c.heap.MarkDeleted(existing.vectorID, ts)
		delete(c.byID, existing.vectorID)
	}

	c.heap.InsertWithID(id, embedding, ts)
	c.buffer.Insert(id)
	c.byKey[key] = &entryMeta{vectorID: id, metadata: metadata}
	c.byID[id] = key
	c.sealIfNeededLocked()
	return id, 1
}

// Freeze snapshots the collection's heap and every sealed segment to disk
// under heapPath and graphsDir, plus a segments.manifest recording the
// heap's Count (one past its highest VectorId) at this instant
// (spec.md §4.8.5). Safe to call
// on a running collection; it only reads state, never mutates it.
func (c *Collection) Freeze(heapPath, graphsDir string) error {
	c.mu.RLock()
	segments := make([]*segment, len(c.segments))
	copy(segments, c.segments)
	h := c.heap
	c.mu.RUnlock()

	if err := freezeHeap(h, heapPath); err != nil {
		return err
	}
	manifest := Manifest{HeapVectorCountAtFreeze: h.Count()}
	for _, seg := range segments {
		if err := writeSegmentFile(segmentPath(graphsDir, seg.id), seg); err != nil {
			return err
		}
		manifest.Segments = append(manifest.Segments, ManifestEntry{SegmentID: seg.id, LiveCount: uint64(seg.liveAtSeal)})
	}
	return writeManifest(manifestPath(graphsDir), manifest)
}

// ReloadFrozenSegments replaces the collection's freshly-replayed heap and
// segments with the ones frozen at heapPath/graphsDir, but only if the
// manifest's recorded heap count still matches the collection's current
// (post-replay) heap count — otherwise the frozen graphs are stale (new
// VectorIds were established after that freeze) and the caller's own
// from-scratch replay is left untouched (spec.md §4.8.5). The count changes
// only when a new VectorId is established, so a delete or an in-place
// replace made after the freeze does not make it stale. Returns whether a
// swap happened.
func (c *Collection) ReloadFrozenSegments(heapPath, graphsDir string) (bool, error) {
	manifest, err := readManifest(manifestPath(graphsDir))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	c.mu.RLock()
	currentCount := c.heap.Count()
	c.mu.RUnlock()
	if manifest.HeapVectorCountAtFreeze != currentCount {
		return false, nil // stale: keep the collection replay already rebuilt
	}

	if _, statErr := os.Stat(heapPath); os.IsNotExist(statErr) {
		return false, nil
	}
	h, err := loadHeap(heapPath, c.cfg.Dimension)
	if err != nil {
		return false, err
	}
	h.mmapFresh = true

	segments := make([]*segment, 0, len(manifest.Segments))
	for _, entry := range manifest.Segments {
		seg, err := readSegmentFile(segmentPath(graphsDir, entry.SegmentID), h)
		if err != nil {
			return false, err
		}
		segments = append(segments, seg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.heap = h
	c.segments = segments
	c.nextSeg = uint64(len(segments))
	return true, nil
}

func (c *Collection) sealIfNeededLocked() {
	for c.buffer.Len() >= c.cfg.SealThreshold {
		ids := c.buffer.Drain()
		seg := buildSegment(c.nextSeg, ids, c.heap, c.cfg.Metric, c.cfg.Seed)
		c.nextSeg++
		c.segments = append(c.segments, seg)
	}
}

// Delete soft-deletes the vector at key, leaving its embedding reachable
// for temporal reads until a compaction pass reclaims it (spec.md §4.8.7
// #3). Returns false if key does not currently exist.
func (c *Collection) Delete(key string, ts int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.byKey[key]
	if !ok {
		return false
	}
	c.heap.MarkDeleted(existing.vectorID, ts)
	c.buffer.Remove(existing.vectorID)
	delete(c.byKey, key)
	delete(c.byID, existing.vectorID)
	return true
}

// Get returns the current embedding and metadata for key.
func (c *Collection) Get(key string) ([]float32, value.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	existing, ok := c.byKey[key]
	if !ok {
		return nil, value.Value{}, false
	}
	emb, ok := c.heap.Get(existing.vectorID)
	if !ok {
		return nil, value.Value{}, false
	}
	return emb, existing.metadata, true
}

// Exists reports whether key currently has a live vector.
func (c *Collection) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byKey[key]
	return ok
}

// Count returns the number of currently live vectors in the collection.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

func (c *Collection) matchesFilter(metadata value.Value, filter []Match) bool {
	obj, ok := metadata.AsObject()
	if !ok {
		return len(filter) == 0
	}
	for _, m := range filter {
		v, ok := obj[m.Field]
		if !ok {
			return false
		}
		s, ok := v.AsString()
		if !ok || s != m.Equal {
			return false
		}
	}
	return true
}

// overFetchLadder is the adaptive over-fetch schedule: 3k, 6k, 12k,
// capped at the collection's live vector count, applied only when a
// metadata filter or an AsOf time is set (spec.md §4.8.4).
func overFetchLadder(k, collectionSize int) []int {
	rungs := []int{3 * k, 6 * k, 12 * k}
	out := make([]int, 0, len(rungs))
	for _, r := range rungs {
		if r > collectionSize {
			r = collectionSize
		}
		out = append(out, r)
		if r >= collectionSize {
			break
		}
	}
	return out
}

// Search returns up to opts.K hits ordered by (score desc, key asc) —
// spec.md §4.8.7 #6's deterministic tie-break, applied after the raw
// per-tier candidate scores are deduplicated by key. When opts.Filter is
// non-empty or opts.AsOf is set, the search widens its candidate pool along the adaptive
// over-fetch ladder until either enough matches survive the filter or the
// whole collection has been scanned (spec.md §4.8.4).
func (c *Collection) Search(query []float32, opts SearchOptions) []Hit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if opts.K <= 0 {
		return nil
	}
	collectionSize := len(c.byKey)
	if collectionSize == 0 {
		return nil
	}

	hasFilter := len(opts.Filter) > 0 || opts.AsOf != 0
	if !hasFilter {
		return c.searchOnce(query, opts.K, opts)
	}

	ladder := overFetchLadder(opts.K, collectionSize)
	var hits []Hit
	for _, fetch := range ladder {
		hits = c.searchOnce(query, fetch, opts)
		if len(hits) >= opts.K || fetch >= collectionSize {
			break
		}
	}
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits
}

func (c *Collection) searchOnce(query []float32, fetch int, opts SearchOptions) []Hit {
	type cand struct {
		id    uint64
		score float32
	}
	seen := make(map[uint64]bool)
	var candidates []cand

	for _, seg := range c.segments {
		for _, sc := range seg.SearchByEmbedding(query, fetch) {
			if !seen[sc.id] {
				seen[sc.id] = true
				candidates = append(candidates, cand{id: sc.id, score: sc.score})
			}
		}
	}
	for id := range c.buffer.ids {
		if seen[id] {
			continue
		}
		emb, ok := c.heap.Get(id)
		if !ok {
			continue
		}
		seen[id] = true
		candidates = append(candidates, cand{id: id, score: Score(c.cfg.Metric, query, emb)})
	}

	var hits []Hit
	for _, cd := range candidates {
		key, ok := c.byID[cd.id]
		if !ok {
			continue
		}
		if opts.AsOf != 0 {
			if !c.heap.VisibleAt(cd.id, opts.AsOf) {
				continue
			}
		} else if !c.heap.IsLive(cd.id) {
			continue
		}
		entry := c.byKey[key]
		if entry == nil || entry.vectorID != cd.id {
			continue // key has since been reassigned to a different id
		}
		if len(opts.Filter) > 0 && !c.matchesFilter(entry.metadata, opts.Filter) {
			continue
		}
		hits = append(hits, Hit{Key: key, Score: cd.score, Metadata: entry.metadata})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return hits
}
