package vector

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
	"github.com/stratadb/strata-core/pkg/wal"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	st := store.New()
	branch := storekey.NewBranchID()
	return New(st, txn.New(st, w), branch)
}

func TestCreateCollectionAndUpsertGet(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 3, MetricCosine, 0))

	id, version, err := f.Upsert("docs", "a", []float32{1, 0, 0}, value.Null)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
	assert.Equal(t, uint64(1), version)

	emb, meta, ok, err := f.Get("docs", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0, 0}, emb)
	assert.True(t, meta.IsNull())

	exists, err := f.Exists("docs", "a")
	require.NoError(t, err)
	assert.True(t, exists)

	count, err := f.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateCollectionAlreadyExists(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 3, MetricCosine, 0))
	err := f.CreateCollection("docs", 3, MetricCosine, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindConfigMismatch, errors.KindOf(err))
}

func TestUpsertDimensionMismatch(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 3, MetricCosine, 0))
	_, _, err := f.Upsert("docs", "a", []float32{1, 0}, value.Null)
	require.Error(t, err)
	assert.Equal(t, errors.KindDimensionMismatch, errors.KindOf(err))
}

func TestUpsertSameKeyReplacesInPlace(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 2, MetricCosine, 0))

	id1, v1, err := f.Upsert("docs", "a", []float32{1, 0}, value.Null)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	id2, v2, err := f.Upsert("docs", "a", []float32{0, 1}, value.Null)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "VectorId must be preserved across an unsealed in-place upsert")
	assert.Equal(t, uint64(2), v2)

	emb, _, ok, err := f.Get("docs", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, emb)

	count, err := f.Count("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeleteIsSoftAndHidesFutureReads(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 2, MetricCosine, 0))
	_, _, err := f.Upsert("docs", "a", []float32{1, 0}, value.Null)
	require.NoError(t, err)

	deleted, err := f.Delete("docs", "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, _, ok, err := f.Get("docs", "a")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := f.Exists("docs", "a")
	require.NoError(t, err)
	assert.False(t, exists)

	again, err := f.Delete("docs", "a")
	require.NoError(t, err)
	assert.False(t, again)
}

// TestSearchAcrossSegments is literal scenario S5: seal_threshold=3, cosine,
// one-hot basis vectors plus a near-duplicate, searched with k=2. The
// literal score figure (0.95) is actually the unnormalized dot product of
// the example's vectors, not true cosine similarity; real cosine similarity
// between [1,0,0] and [0.95,0.05,0] works out to ~0.99862 (see DESIGN.md).
func TestSearchAcrossSegments(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("s5", 3, MetricCosine, 3))

	_, _, err := f.Upsert("s5", "id1", []float32{1, 0, 0}, value.Null)
	require.NoError(t, err)
	_, _, err = f.Upsert("s5", "id2", []float32{0, 1, 0}, value.Null)
	require.NoError(t, err)
	_, _, err = f.Upsert("s5", "id3", []float32{0, 0, 1}, value.Null)
	require.NoError(t, err)
	// the buffer just sealed into one segment of 3; id4 lands fresh in the
	// new (empty) active buffer.
	_, _, err = f.Upsert("s5", "id4", []float32{0.95, 0.05, 0}, value.Null)
	require.NoError(t, err)

	hits, err := f.Search("s5", []float32{1, 0, 0}, SearchOptions{K: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "id1", hits[0].Key)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "id4", hits[1].Key)
	assert.InDelta(t, 0.99862, hits[1].Score, 1e-3)
}

// TestUpsertAcrossSealBoundary is testable property #9: sealing n vectors
// then upserting one of them with a new embedding must still surface it as
// the top hit for that new embedding, even though its VectorId is reassigned
// (the old id stays soft-deleted inside its segment).
func TestUpsertAcrossSealBoundary(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("seal", 2, MetricCosine, 3))

	_, _, err := f.Upsert("seal", "a", []float32{1, 0}, value.Null)
	require.NoError(t, err)
	_, _, err = f.Upsert("seal", "b", []float32{0, 1}, value.Null)
	require.NoError(t, err)
	idA, _, err := f.Upsert("seal", "c", []float32{0.707, 0.707}, value.Null)
	require.NoError(t, err)
	_ = idA

	// buffer just sealed (3 >= 3); now replace "a" with a brand-new direction.
	newIDA, version, err := f.Upsert("seal", "a", []float32{0.6, 0.8}, value.Null)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version, "a fresh id after crossing the seal boundary starts at version 1")

	hits, err := f.Search("seal", []float32{0.6, 0.8}, SearchOptions{K: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Key)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	count, err := f.Count("seal")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NotEqual(t, uint64(0), newIDA) // the old id (0) was soft-deleted, not reused in place
}

// TestSearchDeterministicAcrossEquivalentDatabases is testable property #8's
// cross-database determinism half: two independently built collections,
// same config and insertion order but different derived construction seeds
// (per-branch), must still agree on top-k for a small dataset. With a seal
// threshold of 10 and five vectors nothing is sealed, so both searches run
// brute force over the active buffer and no HNSW graph is built.
func TestSearchDeterministicAcrossEquivalentDatabases(t *testing.T) {
	build := func(t *testing.T) *Facade {
		f := newTestFacade(t)
		require.NoError(t, f.CreateCollection("docs", 2, MetricCosine, 10))
		vectors := [][2]float32{{1, 0}, {0, 1}, {0.9, 0.1}, {0.1, 0.9}, {-1, 0}}
		for i, v := range vectors {
			key := string(rune('a' + i))
			_, _, err := f.Upsert("docs", key, v[:], value.Null)
			require.NoError(t, err)
		}
		return f
	}

	f1 := build(t)
	f2 := build(t)

	hits1, err := f1.Search("docs", []float32{1, 0}, SearchOptions{K: 3})
	require.NoError(t, err)
	hits2, err := f2.Search("docs", []float32{1, 0}, SearchOptions{K: 3})
	require.NoError(t, err)

	require.Len(t, hits1, 3)
	require.Len(t, hits2, 3)
	for i := range hits1 {
		assert.Equal(t, hits1[i].Key, hits2[i].Key)
		assert.InDelta(t, hits1[i].Score, hits2[i].Score, 1e-6)
	}
}

func TestSearchWithMetadataFilterOverFetches(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 2, MetricCosine, 0))

	for i := 0; i < 8; i++ {
		cat := "a"
		if i%2 == 0 {
			cat = "b"
		}
		key := string(rune('a' + i))
		meta := value.Object(map[string]value.Value{"cat": value.String(cat)})
		angle := float64(i) * 0.05
		_, _, err := f.Upsert("docs", key, []float32{float32(math.Cos(angle)), float32(math.Sin(angle))}, meta)
		require.NoError(t, err)
	}

	hits, err := f.Search("docs", []float32{1, 0}, SearchOptions{
		K:      3,
		Filter: []Match{{Field: "cat", Equal: "a"}},
	})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	for _, h := range hits {
		obj, ok := h.Metadata.AsObject()
		require.True(t, ok)
		cat, ok := obj["cat"].AsString()
		require.True(t, ok)
		assert.Equal(t, "a", cat)
	}
}

func TestSearchTemporalAsOf(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 2, MetricCosine, 0))

	_, _, err := f.Upsert("docs", "a", []float32{1, 0}, value.Null)
	require.NoError(t, err)

	time.Sleep(time.Microsecond)
	mid := time.Now().UnixMicro()
	time.Sleep(time.Microsecond)

	deleted, err := f.Delete("docs", "a")
	require.NoError(t, err)
	require.True(t, deleted)

	hitsNow, err := f.Search("docs", []float32{1, 0}, SearchOptions{K: 1})
	require.NoError(t, err)
	assert.Len(t, hitsNow, 0)

	hitsAsOf, err := f.Search("docs", []float32{1, 0}, SearchOptions{K: 1, AsOf: mid})
	require.NoError(t, err)
	require.Len(t, hitsAsOf, 1)
	assert.Equal(t, "a", hitsAsOf[0].Key)
}

func TestDeleteCollectionRemovesEverything(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.CreateCollection("docs", 2, MetricCosine, 0))
	_, _, err := f.Upsert("docs", "a", []float32{1, 0}, value.Null)
	require.NoError(t, err)

	require.NoError(t, f.DeleteCollection("docs"))
	assert.Empty(t, f.ListCollections())

	_, _, _, err = f.Get("docs", "a")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
