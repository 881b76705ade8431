package statecell

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stratadberrors "github.com/stratadb/strata-core/pkg/errors"
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

// TestStateCellCAS is literal scenario S2.
func TestStateCellCAS(t *testing.T) {
	f := newTestFacade(t)

	require.NoError(t, f.Init("ctr", value.Int(0)))
	cell, ok := f.Read("ctr")
	require.True(t, ok)
	assert.Equal(t, uint64(1), cell.Counter)

	require.NoError(t, f.CAS("ctr", 1, value.Int(1)))
	cell, ok = f.Read("ctr")
	require.True(t, ok)
	assert.Equal(t, uint64(2), cell.Counter)
	n, _ := cell.Value.AsInt()
	assert.Equal(t, int64(1), n)

	err := f.CAS("ctr", 1, value.Int(9))
	require.Error(t, err)
	var mismatch *VersionMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, uint64(1), mismatch.Expected)
	assert.Equal(t, uint64(2), mismatch.Actual)

	cell, ok = f.Read("ctr")
	require.True(t, ok)
	n, _ = cell.Value.AsInt()
	assert.Equal(t, int64(1), n)
	assert.Equal(t, uint64(2), cell.Counter)
}

func TestInitFailsIfCellExists(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Init("ctr", value.Int(0)))
	err := f.Init("ctr", value.Int(1))
	require.Error(t, err)
	assert.Equal(t, stratadberrors.KindInvalidState, stratadberrors.KindOf(err))
}

// TestTransitionCounterMatchesMutationCount is testable property #4.
func TestTransitionCounterMatchesMutationCount(t *testing.T) {
	f := newTestFacade(t)
	require.NoError(t, f.Init("ctr", value.Int(0)))

	const mutations = 5
	for i := 0; i < mutations; i++ {
		err := f.Transition("ctr", func(cur value.Value) (value.Value, error) {
			n, _ := cur.AsInt()
			return value.Int(n + 1), nil
		})
		require.NoError(t, err)
	}

	cell, ok := f.Read("ctr")
	require.True(t, ok)
	assert.Equal(t, uint64(mutations+1), cell.Counter)
	n, _ := cell.Value.AsInt()
	assert.Equal(t, int64(mutations), n)
}

func TestTransitionOnMissingCellFails(t *testing.T) {
	f := newTestFacade(t)
	err := f.Transition("missing", func(cur value.Value) (value.Value, error) { return cur, nil })
	require.Error(t, err)
	assert.Equal(t, stratadberrors.KindNotFound, stratadberrors.KindOf(err))
}
