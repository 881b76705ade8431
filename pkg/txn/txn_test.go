package txn

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/value"
	"github.com/stratadb/strata-core/pkg/wal"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	w, err := wal.Open(wal.Options{Dir: t.TempDir(), Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	st := store.New()
	return New(st, w), st
}

func TestCommitMakesWritesVisible(t *testing.T) {
	c, st := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "a")

	txn := c.StartTransaction(branch)
	require.NoError(t, txn.Put(k, value.Int(1)))
	require.NoError(t, c.Commit(txn))

	assert.Equal(t, StateCommitted, txn.State())
	v, ok := st.Get(k)
	require.True(t, ok)
	n, _ := v.Value.AsInt()
	assert.Equal(t, int64(1), n)
}

func TestReadYourWrites(t *testing.T) {
	c, _ := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "a")

	txn := c.StartTransaction(branch)
	require.NoError(t, txn.Put(k, value.Int(7)))
	v, ok, err := txn.Get(k)
	require.NoError(t, err)
	require.True(t, ok)
	n, _ := v.AsInt()
	assert.Equal(t, int64(7), n)
	require.NoError(t, c.Commit(txn))
}

func TestDeleteAfterReadCommitsAsAbsent(t *testing.T) {
	c, st := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "a")

	seed := c.StartTransaction(branch)
	require.NoError(t, seed.Put(k, value.Int(1)))
	require.NoError(t, c.Commit(seed))

	txn := c.StartTransaction(branch)
	require.NoError(t, txn.Delete(k))
	_, ok, err := txn.Get(k)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, c.Commit(txn))

	_, ok = st.Get(k)
	assert.False(t, ok)
}

// TestConflictingWritesAbortOneTransaction covers a write-write OCC
// conflict: both transactions read the same key from the same snapshot,
// the second to commit must be rejected.
func TestConflictingWritesAbortOneTransaction(t *testing.T) {
	c, _ := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "contended")

	seed := c.StartTransaction(branch)
	require.NoError(t, seed.Put(k, value.Int(0)))
	require.NoError(t, c.Commit(seed))

	txnA := c.StartTransaction(branch)
	_, _, err := txnA.Get(k)
	require.NoError(t, err)
	txnB := c.StartTransaction(branch)
	_, _, err = txnB.Get(k)
	require.NoError(t, err)

	require.NoError(t, txnA.Put(k, value.Int(1)))
	require.NoError(t, c.Commit(txnA))

	require.NoError(t, txnB.Put(k, value.Int(2)))
	err = c.Commit(txnB)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, StateAborted, txnB.State())
}

// TestTransactionWithRetryRecoversFromConflict is literal scenario S4: a
// conflict on first attempt resolves itself on retry against a fresh
// snapshot.
func TestTransactionWithRetryRecoversFromConflict(t *testing.T) {
	c, st := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "counter")

	seed := c.StartTransaction(branch)
	require.NoError(t, seed.Put(k, value.Int(0)))
	require.NoError(t, c.Commit(seed))

	attempts := 0
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := TransactionWithRetry(c, branch, cfg, func(txn *Context) error {
		attempts++
		if attempts == 1 {
			// simulate a concurrent committer racing ahead of this attempt
			racer := c.StartTransaction(branch)
			_, _, rerr := racer.Get(k)
			require.NoError(t, rerr)
			require.NoError(t, racer.Put(k, value.Int(100)))
			require.NoError(t, c.Commit(racer))
		}
		v, _, gerr := txn.Get(k)
		if gerr != nil {
			return gerr
		}
		n, _ := v.AsInt()
		return txn.Put(k, value.Int(n+1))
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, attempts, 2)

	v, ok := st.Get(k)
	require.True(t, ok)
	n, _ := v.Value.AsInt()
	assert.Equal(t, int64(101), n)
}

func TestCASRejectsWhenKeyAlreadyExists(t *testing.T) {
	c, _ := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "once")

	seed := c.StartTransaction(branch)
	require.NoError(t, seed.Put(k, value.Int(1)))
	require.NoError(t, c.Commit(seed))

	txn := c.StartTransaction(branch)
	require.NoError(t, txn.CAS(k, 0, value.Int(2)))
	err := c.Commit(txn)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestCASSucceedsWhenVersionMatches(t *testing.T) {
	c, st := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "versioned")

	seed := c.StartTransaction(branch)
	require.NoError(t, seed.Put(k, value.Int(1)))
	require.NoError(t, c.Commit(seed))

	ver, ok := st.LatestVersion(k)
	require.True(t, ok)

	txn := c.StartTransaction(branch)
	require.NoError(t, txn.CAS(k, ver, value.Int(2)))
	require.NoError(t, c.Commit(txn))

	v, ok := st.Get(k)
	require.True(t, ok)
	n, _ := v.Value.AsInt()
	assert.Equal(t, int64(2), n)
}

// TestCommitVersionsStrictlyIncreasing is testable property #1: concurrent
// committers never observe the same or a decreasing commit version.
func TestCommitVersionsStrictlyIncreasing(t *testing.T) {
	c, st := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txn := c.StartTransaction(branch)
			k := storekey.NewKV(ns, string(rune('a'+i%26))+string(rune(i)))
			require.NoError(t, txn.Put(k, value.Int(int64(i))))
			require.NoError(t, c.Commit(txn))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(n), st.CurrentVersion())
	m := c.Metrics()
	assert.Equal(t, uint64(n), m.TotalCommitted)
	assert.Equal(t, uint64(0), m.TotalAborted)
}

func TestOperationsAfterCommitAreRejected(t *testing.T) {
	c, _ := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "a")

	txn := c.StartTransaction(branch)
	require.NoError(t, txn.Put(k, value.Int(1)))
	require.NoError(t, c.Commit(txn))

	err := txn.Put(k, value.Int(2))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidState, errors.KindOf(err))
}

func TestTransactionWithTimeoutAbortsExpiredTransaction(t *testing.T) {
	c, _ := newTestCoordinator(t)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "a")

	err := TransactionWithTimeout(c, branch, time.Nanosecond, func(txn *Context) error {
		time.Sleep(time.Millisecond)
		return txn.Put(k, value.Int(1))
	})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}
