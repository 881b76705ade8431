/*
Package vector implements the vector subsystem (spec.md §4.8): per-collection
embedding storage with a global heap, an unsealed brute-force active buffer,
immutable sealed HNSW segments, adaptive-over-fetch filtered search, and WAL
participation through a narrow ReplayXxx hook so pkg/recovery never imports
this package.

Grounded on the same facade-over-a-handle shape as pkg/kv/pkg/eventlog, but
vector mutations do not flow through pkg/txn's Context/Coordinator.Commit:
they carry their own dedicated WAL tags (spec.md §6.2, 0x70-0x73) replayed
unconditionally rather than bracketed by BeginTxn/CommitTxn, so they commit
through the narrower Coordinator.CommitVectorOp instead, which still
serializes through the same process-wide commit mutex.
*/
package vector

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
	"github.com/stratadb/strata-core/pkg/wal"
)

// Facade is the vector primitive's public surface for one branch.
type Facade struct {
	store       *store.Store
	coordinator *txn.Coordinator
	branch      storekey.BranchID

	mu          sync.RWMutex
	collections map[string]*Collection
}

// New builds a vector Facade scoped to branch.
func New(st *store.Store, coordinator *txn.Coordinator, branch storekey.BranchID) *Facade {
	return &Facade{
		store:       st,
		coordinator: coordinator,
		branch:      branch,
		collections: make(map[string]*Collection),
	}
}

func metricByte(m Metric) byte { return byte(m) }

func metricFromByte(b byte) Metric { return Metric(b) }

// CreateCollection registers a new named collection with a fixed dimension,
// metric, and seal threshold (0 uses DefaultSealThreshold). Fails with
// KindConfigMismatch if the collection already exists.
func (f *Facade) CreateCollection(name string, dimension int, metric Metric, sealThreshold int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.collections[name]; exists {
		return errors.New(errors.KindConfigMismatch, "vector.create_collection", "collection already exists: "+name)
	}
	if dimension <= 0 {
		return errors.New(errors.KindInvalidInput, "vector.create_collection", "dimension must be positive")
	}
	if sealThreshold <= 0 {
		sealThreshold = DefaultSealThreshold
	}
	seed := deriveSeed(f.branch, name)
	return f.coordinator.CommitVectorOp(func() (wal.Record, func()) {
		record := wal.Record{
			Tag:     wal.TagVectorCollectionCreate,
			Payload: wal.VectorCollectionCreatePayload(f.branch, name, uint32(dimension), metricByte(metric), uint32(sealThreshold)),
		}
		return record, func() {
			f.collections[name] = newCollection(CollectionConfig{
				Name: name, Dimension: dimension, Metric: metric, SealThreshold: sealThreshold, Seed: seed,
			})
		}
	})
}

// deriveSeed folds the branch id and collection name into a fixed int64
// seed, so segment construction is deterministic per collection without a
// caller-supplied seed (spec.md §4.8.3).
func deriveSeed(branch storekey.BranchID, name string) int64 {
	var h int64 = 1469598103934665603 // FNV-64 offset basis minus its last digit (fits an int64), used as a simple deterministic mixer
	for _, b := range branch {
		h = (h ^ int64(b)) * 1099511628211
	}
	for _, c := range []byte(name) {
		h = (h ^ int64(c)) * 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}

// DeleteCollection removes a collection and everything in it.
func (f *Facade) DeleteCollection(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.collections[name]; !exists {
		return errors.New(errors.KindNotFound, "vector.delete_collection", "no such collection: "+name)
	}
	return f.coordinator.CommitVectorOp(func() (wal.Record, func()) {
		record := wal.Record{Tag: wal.TagVectorCollectionDelete, Payload: wal.VectorCollectionDeletePayload(f.branch, name)}
		return record, func() { delete(f.collections, name) }
	})
}

// ListCollections returns every collection name in this branch, sorted.
func (f *Facade) ListCollections() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.collections))
	for name := range f.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (f *Facade) collection(name string) (*Collection, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.collections[name]
	if !ok {
		return nil, errors.New(errors.KindNotFound, "vector", "no such collection: "+name)
	}
	return c, nil
}

// Upsert inserts or replaces the vector at (collection, key). metadata must
// be a KindObject value (or KindNull for "no metadata").
func (f *Facade) Upsert(collection, key string, embedding []float32, metadata value.Value) (uint64, uint64, error) {
	c, err := f.collection(collection)
	if err != nil {
		return 0, 0, err
	}
	if len(embedding) != c.cfg.Dimension {
		return 0, 0, errors.New(errors.KindDimensionMismatch, "vector.upsert", "embedding dimension does not match collection")
	}
	if !metadata.IsNull() && !metadata.IsObject() {
		return 0, 0, errors.New(errors.KindInvalidInput, "vector.upsert", "metadata must be an object")
	}

	ts := time.Now().UnixMicro()
	var id, version uint64
	var encErr error
	err = f.coordinator.CommitVectorOp(func() (wal.Record, func()) {
		// Decided here, inside the critical section CommitVectorOp holds for
		// the whole prepare-then-apply step, so the id this payload names is
		// guaranteed to be the exact id ApplyUpsert below will use — replay
		// can then trust the payload's VectorId completely (spec.md §4.8.7 #7).
		id = c.PlanUpsertID(key)
		payload, err := wal.VectorUpsertPayload(f.branch, collection, key, id, embedding, metadata, ts)
		if err != nil {
			encErr = err
			return wal.Record{}, func() {}
		}
		record := wal.Record{Tag: wal.TagVectorUpsert, Payload: payload}
		return record, func() {
			id, version = c.ApplyUpsert(key, id, embedding, metadata, ts)
		}
	})
	if encErr != nil {
		return 0, 0, errors.Wrap(errors.KindSerialization, "vector.upsert", "encoding payload", encErr)
	}
	return id, version, err
}

// Delete soft-deletes the vector at (collection, key).
func (f *Facade) Delete(collection, key string) (bool, error) {
	c, err := f.collection(collection)
	if err != nil {
		return false, err
	}
	ts := time.Now().UnixMicro()
	var deleted bool
	err = f.coordinator.CommitVectorOp(func() (wal.Record, func()) {
		record := wal.Record{Tag: wal.TagVectorDelete, Payload: wal.VectorDeletePayload(f.branch, collection, key, ts)}
		return record, func() { deleted = c.Delete(key, ts) }
	})
	return deleted, err
}

// Get returns the current embedding and metadata at (collection, key).
func (f *Facade) Get(collection, key string) ([]float32, value.Value, bool, error) {
	c, err := f.collection(collection)
	if err != nil {
		return nil, value.Value{}, false, err
	}
	emb, meta, ok := c.Get(key)
	return emb, meta, ok, nil
}

// Exists reports whether (collection, key) currently holds a live vector.
func (f *Facade) Exists(collection, key string) (bool, error) {
	c, err := f.collection(collection)
	if err != nil {
		return false, err
	}
	return c.Exists(key), nil
}

// Count returns the number of live vectors in collection.
func (f *Facade) Count(collection string) (int, error) {
	c, err := f.collection(collection)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// replayCollectionCreate applies an already-decoded create record directly
// to in-memory state, bypassing CommitVectorOp: replay runs after the WAL
// record is already durable, so there is nothing left to append.
func (f *Facade) replayCollectionCreate(rec wal.VectorCollectionCreate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[rec.Name] = newCollection(CollectionConfig{
		Name:          rec.Name,
		Dimension:     int(rec.Dimension),
		Metric:        metricFromByte(rec.Metric),
		SealThreshold: int(rec.SealThreshold),
		Seed:          deriveSeed(f.branch, rec.Name),
	})
}

func (f *Facade) replayCollectionDelete(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
}

func (f *Facade) replayUpsert(rec wal.VectorUpsert) error {
	c, err := f.collection(rec.Collection)
	if err != nil {
		return err
	}
	c.ApplyUpsert(rec.Key, rec.VectorID, rec.Embedding, rec.Metadata, rec.TSMicros)
	return nil
}

func (f *Facade) replayDelete(rec wal.VectorDelete) error {
	c, err := f.collection(rec.Collection)
	if err != nil {
		return err
	}
	c.Delete(rec.Key, rec.TSMicros)
	return nil
}

func (f *Facade) heapPath(heapDir, collection string) string {
	return filepath.Join(heapDir, f.branch.String(), collection+".heap")
}

func (f *Facade) graphsDir(graphsDir, collection string) string {
	return filepath.Join(graphsDir, f.branch.String(), collection)
}

// FreezeAll snapshots every collection in this branch to disk under heapDir
// and graphsDir (spec.md §4.8.5), skipping nothing: persistence is an
// optional optimization layered on top of the WAL, never a replacement for
// it, so a failure freezing one collection does not roll back the others.
func (f *Facade) FreezeAll(heapDir, graphsDir string) error {
	f.mu.RLock()
	names := make([]string, 0, len(f.collections))
	collections := make([]*Collection, 0, len(f.collections))
	for name, c := range f.collections {
		names = append(names, name)
		collections = append(collections, c)
	}
	f.mu.RUnlock()

	for i, name := range names {
		if err := collections[i].Freeze(f.heapPath(heapDir, name), f.graphsDir(graphsDir, name)); err != nil {
			return errors.Wrap(errors.KindIO, "vector.freeze", "freezing collection "+name, err)
		}
	}
	return nil
}

// ReloadFrozen attempts to swap each collection's freshly-replayed heap and
// segments for ones frozen under heapDir/graphsDir, where a still-valid
// (non-stale) manifest exists — called once after WAL replay has already
// fully rebuilt every collection, so a missing or stale freeze never loses
// data (spec.md §4.8.5).
func (f *Facade) ReloadFrozen(heapDir, graphsDir string) error {
	f.mu.RLock()
	names := make([]string, 0, len(f.collections))
	collections := make([]*Collection, 0, len(f.collections))
	for name, c := range f.collections {
		names = append(names, name)
		collections = append(collections, c)
	}
	f.mu.RUnlock()

	for i, name := range names {
		if _, err := collections[i].ReloadFrozenSegments(f.heapPath(heapDir, name), f.graphsDir(graphsDir, name)); err != nil {
			return errors.Wrap(errors.KindIO, "vector.reload", "reloading frozen segments for collection "+name, err)
		}
	}
	return nil
}

// Search runs a similarity search against collection (spec.md §4.8.4).
func (f *Facade) Search(collection string, query []float32, opts SearchOptions) ([]Hit, error) {
	c, err := f.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(query) != c.cfg.Dimension {
		return nil, errors.New(errors.KindDimensionMismatch, "vector.search", "query dimension does not match collection")
	}
	return c.Search(query, opts), nil
}
