package jsondoc

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestCreateAndGetWholeDoc(t *testing.T) {
	f := newTestFacade(t)
	doc := value.Object(map[string]value.Value{"name": value.String("agent-1")})
	require.NoError(t, f.Create("doc1", doc))

	got, ok := f.Get("doc1", nil)
	require.True(t, ok)
	obj, _ := got.AsObject()
	s, _ := obj["name"].AsString()
	assert.Equal(t, "agent-1", s)
}

func TestCreateFailsOnDuplicate(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Create("doc1", value.Object(map[string]value.Value{})))
	err := f.Create("doc1", value.Object(map[string]value.Value{}))
	require.Error(t, err)
}

func TestSessionSetMaterializesSubPath(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Create("doc1", value.Object(map[string]value.Value{})))

	s := f.Open("doc1")
	s.Apply(Set([]string{"meta", "owner"}, value.String("alice")))
	v, ok := s.Get([]string{"meta", "owner"})
	require.True(t, ok)
	owner, _ := v.AsString()
	assert.Equal(t, "alice", owner)
	require.NoError(t, s.Commit())

	got, ok := f.Get("doc1", []string{"meta", "owner"})
	require.True(t, ok)
	owner, _ = got.AsString()
	assert.Equal(t, "alice", owner)
}

func TestMostRecentPatchWinsPerPath(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Create("doc1", value.Object(map[string]value.Value{})))

	s := f.Open("doc1")
	s.Apply(Set([]string{"status"}, value.String("pending")))
	s.Apply(Set([]string{"status"}, value.String("done")))
	require.NoError(t, s.Commit())

	v, ok := f.Get("doc1", []string{"status"})
	require.True(t, ok)
	status, _ := v.AsString()
	assert.Equal(t, "done", status)
}

func TestDeleteAtAncestorHidesDescendants(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Create("doc1", value.Object(map[string]value.Value{
		"meta": value.Object(map[string]value.Value{
			"owner": value.String("alice"),
			"tag":   value.String("x"),
		}),
	})))

	s := f.Open("doc1")
	s.Apply(Delete([]string{"meta"}))
	require.NoError(t, s.Commit())

	_, ok := f.Get("doc1", []string{"meta", "owner"})
	assert.False(t, ok)
	_, ok = f.Get("doc1", []string{"meta"})
	assert.False(t, ok)
}

func TestCASReplacesWholeDocumentOnVersionMatch(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Create("doc1", value.Object(map[string]value.Value{"v": value.Int(1)})))
	ver, ok := f.GetVersion("doc1")
	require.True(t, ok)

	require.NoError(t, f.CAS("doc1", ver, value.Object(map[string]value.Value{"v": value.Int(2)})))
	got, ok := f.Get("doc1", []string{"v"})
	require.True(t, ok)
	n, _ := got.AsInt()
	assert.Equal(t, int64(2), n)
}

func TestHistoryRetainsPriorMaterializations(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Create("doc1", value.Object(map[string]value.Value{"v": value.Int(1)})))

	s := f.Open("doc1")
	s.Apply(Set([]string{"v"}, value.Int(2)))
	require.NoError(t, s.Commit())

	hist := f.History("doc1")
	require.Len(t, hist, 2)
}
