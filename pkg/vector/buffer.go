package vector

import "sort"

// activeBuffer holds the VectorIds not yet folded into a sealed segment.
// Search against it is brute force (spec.md §4.8.2): there is no index to
// build until the buffer reaches the seal threshold, at which point its
// contents graduate into a new immutable HNSW segment.
type activeBuffer struct {
	ids map[uint64]struct{}
}

func newActiveBuffer() *activeBuffer {
	return &activeBuffer{ids: make(map[uint64]struct{})}
}

func (b *activeBuffer) Insert(id uint64) {
	b.ids[id] = struct{}{}
}

func (b *activeBuffer) Remove(id uint64) {
	delete(b.ids, id)
}

func (b *activeBuffer) Contains(id uint64) bool {
	_, ok := b.ids[id]
	return ok
}

func (b *activeBuffer) Len() int { return len(b.ids) }

// SortedIDs returns every id currently in the buffer in ascending order —
// sealing must insert into the new segment in ascending-VectorId order for
// deterministic level assignment (spec.md §4.8.3).
func (b *activeBuffer) SortedIDs() []uint64 {
	out := make([]uint64, 0, len(b.ids))
	for id := range b.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Drain returns the buffer's sorted ids and empties it, used when a seal
// fires.
func (b *activeBuffer) Drain() []uint64 {
	ids := b.SortedIDs()
	b.ids = make(map[uint64]struct{})
	return ids
}
