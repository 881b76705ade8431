package branch

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/eventlog"
	"github.com/stratadb/strata-core/pkg/kv"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
	"github.com/stratadb/strata-core/pkg/wal"
)

func newTestManager(t *testing.T, hooks ...CascadeHook) (*Manager, *store.Store, *txn.Coordinator) {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	st := store.New()
	coord := txn.New(st, w)
	return NewManager(st, coord, hooks...), st, coord
}

func TestCreateAndGet(t *testing.T) {
	m, _, _ := newTestManager(t)

	b, err := m.Create("run-1", nil, value.Null)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, b.Status)
	assert.Nil(t, b.ParentID)

	got, ok := m.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, b.Name, got.Name)
	assert.Equal(t, StatusActive, got.Status)

	assert.True(t, m.Exists(b.ID))
	assert.Equal(t, 1, m.Count())
}

func TestLifecycleTransitions(t *testing.T) {
	m, _, _ := newTestManager(t)
	b, err := m.Create("run", nil, value.Null)
	require.NoError(t, err)

	require.NoError(t, m.Pause(b.ID))
	got, _ := m.Get(b.ID)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, m.Resume(b.ID))
	got, _ = m.Get(b.ID)
	assert.Equal(t, StatusActive, got.Status)

	require.NoError(t, m.Complete(b.ID))
	got, _ = m.Get(b.ID)
	assert.Equal(t, StatusCompleted, got.Status)

	require.NoError(t, m.Archive(b.ID))
	got, _ = m.Get(b.ID)
	assert.Equal(t, StatusArchived, got.Status)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	b, err := m.Create("run", nil, value.Null)
	require.NoError(t, err)

	require.NoError(t, m.Complete(b.ID))
	err = m.Resume(b.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidState, errors.KindOf(err))

	err = m.Archive(b.ID)
	require.NoError(t, err)
	err = m.Pause(b.ID)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidState, errors.KindOf(err))
}

func TestQueryByStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	a, err := m.Create("a", nil, value.Null)
	require.NoError(t, err)
	b, err := m.Create("b", nil, value.Null)
	require.NoError(t, err)
	require.NoError(t, m.Pause(b.ID))

	active := m.QueryByStatus(StatusActive)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	paused := m.QueryByStatus(StatusPaused)
	require.Len(t, paused, 1)
	assert.Equal(t, b.ID, paused[0].ID)
}

func TestTagsAndQueryByTag(t *testing.T) {
	m, _, _ := newTestManager(t)
	b, err := m.Create("run", nil, value.Null)
	require.NoError(t, err)

	require.NoError(t, m.AddTags(b.ID, []string{"exp", "nightly"}))
	tags, err := m.GetTags(b.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"exp", "nightly"}, tags)

	found := m.QueryByTag("nightly")
	require.Len(t, found, 1)
	assert.Equal(t, b.ID, found[0].ID)

	require.NoError(t, m.RemoveTags(b.ID, []string{"nightly"}))
	tags, err = m.GetTags(b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"exp"}, tags)
	assert.Empty(t, m.QueryByTag("nightly"))
}

func TestCreateChildAndParentLookup(t *testing.T) {
	m, _, _ := newTestManager(t)
	parent, err := m.Create("parent", nil, value.Null)
	require.NoError(t, err)

	child, err := m.CreateChild(parent.ID, "child", value.Null)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)

	children := m.GetChildren(parent.ID)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	got, ok, err := m.GetParent(child.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, parent.ID, got.ID)

	_, ok, err = m.GetParent(parent.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateMetadataAndRetention(t *testing.T) {
	m, _, _ := newTestManager(t)
	b, err := m.Create("run", nil, value.Null)
	require.NoError(t, err)

	meta := value.Object(map[string]value.Value{"owner": value.String("agent-7")})
	require.NoError(t, m.UpdateMetadata(b.ID, meta))
	got, _ := m.Get(b.ID)
	obj, ok := got.Metadata.AsObject()
	require.True(t, ok)
	owner, ok := obj["owner"].AsString()
	require.True(t, ok)
	assert.Equal(t, "agent-7", owner)

	require.NoError(t, m.SetRetention(b.ID, 3600))
	seconds, err := m.GetRetention(b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), seconds)
}

func TestSearchMatchesNameAndTags(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Create("agent-coding-run", nil, value.Null)
	require.NoError(t, err)
	b2, err := m.Create("other", nil, value.Null)
	require.NoError(t, err)
	require.NoError(t, m.AddTags(b2.ID, []string{"coding"}))

	hits := m.Search("coding")
	assert.Len(t, hits, 2)
}

// TestDeleteCascadesAcrossTypeTags is testable property #11: after deleting
// a branch, no prefix scan under its namespace returns anything, across
// every primitive that wrote there.
func TestDeleteCascadesAcrossTypeTags(t *testing.T) {
	dropped := false
	m, st, coord := newTestManager(t, func(storekey.BranchID) { dropped = true })

	b, err := m.Create("run", nil, value.Null)
	require.NoError(t, err)
	require.NoError(t, m.AddTags(b.ID, []string{"x"}))

	kvFacade := kv.New(st, coord, b.ID)
	require.NoError(t, kvFacade.Put("key1", value.String("v1")))

	evFacade := eventlog.New(st, coord, b.ID)
	_, err = evFacade.Append("tool_call", value.Object(map[string]value.Value{"q": value.String("a")}))
	require.NoError(t, err)

	require.NoError(t, m.Delete(b.ID))

	assert.True(t, dropped)
	assert.False(t, m.Exists(b.ID))
	assert.Empty(t, m.QueryByTag("x"))

	ns := storekey.NamespaceForBranch(b.ID)
	for _, tag := range branchScopedTags {
		rows := st.ScanPrefix(storekey.New(ns, tag, nil).Bytes())
		assert.Empty(t, rows, "expected no entries left under tag %s", tag)
	}

	_, ok, _ := kvFacade.Get("key1")
	assert.False(t, ok)
}

// TestBranchIsolation is testable property #10.
func TestBranchIsolation(t *testing.T) {
	m, st, coord := newTestManager(t)
	a, err := m.Create("a", nil, value.Null)
	require.NoError(t, err)
	b, err := m.Create("b", nil, value.Null)
	require.NoError(t, err)

	kvA := kv.New(st, coord, a.ID)
	kvB := kv.New(st, coord, b.ID)
	require.NoError(t, kvA.Put("k", value.String("v1")))
	require.NoError(t, kvB.Put("k", value.String("v2")))

	va, ok, err := kvA.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := va.AsString()
	assert.Equal(t, "v1", s)

	vb, ok, err := kvB.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ = vb.AsString()
	assert.Equal(t, "v2", s)

	require.NoError(t, kvA.Delete("k"))
	_, ok, err = kvA.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)

	vb, ok, err = kvB.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	s, _ = vb.AsString()
	assert.Equal(t, "v2", s)
}

func TestDeleteUnknownBranch(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Delete(storekey.NewBranchID())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
