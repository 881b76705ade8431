package storekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeyRoundTrip(t *testing.T) {
	ns := NamespaceForBranch(NewBranchID())
	k := NewKV(ns, "hello")

	parsed, err := ParseKey(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k.NS.Branch, parsed.NS.Branch)
	assert.Equal(t, k.NS.Space, parsed.NS.Space)
	assert.Equal(t, k.Tag, parsed.Tag)
	assert.Equal(t, k.User, parsed.User)
}

func TestKeyOrderingIsNamespaceThenTagThenUser(t *testing.T) {
	ns := NamespaceForBranch(NewBranchID())
	a := NewKV(ns, "a")
	b := NewKV(ns, "b")
	assert.Less(t, Compare(a, b), 0)

	kv := NewKV(ns, "x")
	state := NewState(ns, "x")
	assert.NotEqual(t, kv.Bytes(), state.Bytes(), "same user bytes under different tags must not collide")
}

func TestBranchPrefixIsolatesNamespace(t *testing.T) {
	b1 := NewBranchID()
	b2 := NewBranchID()
	k1 := NewKV(NamespaceForBranch(b1), "x")
	k2 := NewKV(NamespaceForBranch(b2), "x")

	assert.True(t, HasPrefix(k1, BranchPrefix(b1, TagKV)))
	assert.False(t, HasPrefix(k2, BranchPrefix(b1, TagKV)))
}

func TestEventTypeIndexPrefixCoversOnlyMatchingType(t *testing.T) {
	ns := NamespaceForBranch(NewBranchID())
	k1 := NewEventTypeIndex(ns, "order.created", 1)
	k2 := NewEventTypeIndex(ns, "order.cancelled", 2)

	prefix := EventTypeIndexPrefix(ns, "order.created")
	assert.True(t, HasPrefix(k1, prefix))
	assert.False(t, HasPrefix(k2, prefix))
}
