package vector

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// slot holds one embedding plus the bookkeeping every reader (active
// buffer, sealed segments, temporal queries) needs without duplicating the
// vector itself — spec.md §4.8.1 requires embeddings be referenced via the
// heap, never copied into a segment or the active buffer. deletedAt is kept
// at 0 ("not deleted") rather than freeing the slot immediately on delete,
// so a temporal read with an as_of between createdAt and deletedAt still
// finds the embedding (spec.md §4.8.7 #3).
type slot struct {
	embedding []float32
	createdAt int64
	deletedAt int64
	version   uint64
	occupied  bool
}

// heap is the per-collection global embedding store: a dense array of
// slots, a free-slot list for reuse after hard eviction, and a monotonic
// VectorId counter. Grounded on spec.md §4.8.1; the free-slot list uses a
// roaring bitmap (already part of the dependency set) instead of a plain
// slice so a heavily churned collection doesn't leak an ever-growing Go
// slice of free indices.
type heap struct {
	mu        sync.RWMutex
	dimension int
	slots     []slot
	free      *roaring.Bitmap
	nextID    uint64
	mmapFresh bool // true while this heap is an unmutated mmap-load (spec.md §4.8.5's is_mmap())
}

func newHeap(dimension int) *heap {
	return &heap{dimension: dimension, free: roaring.New()}
}

// IsMmap reports whether this heap is still exactly the snapshot loaded
// from a frozen mmap file — true immediately after loadHeap, false the
// instant any live mutation touches it (spec.md §4.8.5's is_mmap()).
func (h *heap) IsMmap() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mmapFresh
}

// PeekNextID reports the VectorId the next InsertWithID would use for a
// brand-new id, without mutating anything. Used to decide, ahead of a WAL
// append, exactly which id an upsert will use so the durable record and the
// in-memory mutation can never disagree (spec.md §6.2).
func (h *heap) PeekNextID() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if it := h.free.Iterator(); it.HasNext() {
		return uint64(it.Next())
	}
	return uint64(len(h.slots))
}

// InsertWithID establishes a vector at an exact VectorId — either a brand
// new id (version 1) during a live upsert whose id was already decided by
// PeekNextID, or the same first occupancy replayed from the WAL after a
// restart. A collection's VectorIds never shift across a restart (spec.md
// §4.8.7 #7).
func (h *heap) InsertWithID(id uint64, embedding []float32, createdAt int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uint64(len(h.slots)) <= id {
		h.slots = append(h.slots, slot{})
		h.free.Add(uint32(len(h.slots) - 1))
	}
	h.free.Remove(uint32(id))
	h.slots[id] = slot{embedding: embedding, createdAt: createdAt, version: 1, occupied: true}
	if id+1 > h.nextID {
		h.nextID = id + 1
	}
	h.mmapFresh = false
}

// Replace swaps the embedding stored at id in place and bumps its version,
// preserving id and createdAt — the in-place upsert path used while a
// vector's id is still only referenced from the active buffer (spec.md
// §4.8.7 #5).
func (h *heap) Replace(id uint64, embedding []float32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[id].embedding = embedding
	h.slots[id].version++
	h.mmapFresh = false
	return h.slots[id].version
}

// MarkDeleted records a soft-delete timestamp without freeing the slot.
func (h *heap) MarkDeleted(id uint64, deletedAt int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots[id].deletedAt = deletedAt
	h.mmapFresh = false
}

// Free fully releases id's slot for reuse — only ever called by explicit
// compaction, never by a logical delete, so temporal reads keep working
// until a compaction pass actually runs.
func (h *heap) Free(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mmapFresh = false
	h.slots[id] = slot{}
	h.free.Add(uint32(id))
}

func (h *heap) Get(id uint64) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id >= uint64(len(h.slots)) || !h.slots[id].occupied {
		return nil, false
	}
	return h.slots[id].embedding, true
}

// Meta returns a slot's createdAt/deletedAt/version without its embedding.
func (h *heap) Meta(id uint64) (createdAt, deletedAt int64, version uint64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id >= uint64(len(h.slots)) || !h.slots[id].occupied {
		return 0, 0, 0, false
	}
	s := h.slots[id]
	return s.createdAt, s.deletedAt, s.version, true
}

// VisibleAt reports whether id existed and had not yet been deleted at
// tsMicros (spec.md §4.8.7 #3's temporal predicate).
func (h *heap) VisibleAt(id uint64, tsMicros int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id >= uint64(len(h.slots)) || !h.slots[id].occupied {
		return false
	}
	s := h.slots[id]
	if s.createdAt > tsMicros {
		return false
	}
	return s.deletedAt == 0 || s.deletedAt > tsMicros
}

// IsLive reports whether id is currently (not soft-deleted) present.
func (h *heap) IsLive(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id >= uint64(len(h.slots)) || !h.slots[id].occupied {
		return false
	}
	return h.slots[id].deletedAt == 0
}

func (h *heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.slots) - int(h.free.GetCardinality())
}

// Dimension returns the collection's fixed embedding width.
func (h *heap) Dimension() int { return h.dimension }

// Count returns one past the highest VectorId ever established in this heap
// (soft-deleted ids included), the heap_vector_count_at_freeze figure the
// persistence manifest records and a reload compares against.
func (h *heap) Count() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nextID
}
