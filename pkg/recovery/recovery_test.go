package recovery

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/value"
	"github.com/stratadb/strata-core/pkg/wal"
)

func writeCommittedTxn(t *testing.T, w *wal.WAL, txnID uint64, branch storekey.BranchID, key storekey.Key, v value.Value, version uint64) {
	t.Helper()
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagBeginTxn, Payload: wal.BeginTxnPayload(txnID, branch, int64(version))}))
	payload, err := wal.WritePayload(branch, key, v, version)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagWrite, Payload: payload}))
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagCommitTxn, Payload: wal.CommitTxnPayload(txnID, branch)}))
}

func TestReplayAppliesCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k1 := storekey.NewKV(ns, "a")
	k2 := storekey.NewKV(ns, "b")
	writeCommittedTxn(t, w, 1, branch, k1, value.Int(1), 1)
	writeCommittedTxn(t, w, 2, branch, k2, value.Int(2), 2)
	require.NoError(t, w.Close())

	w2, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w2.Close()

	st := store.New()
	stats, err := Replay(w2, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TxnsReplayed)
	assert.Equal(t, 2, stats.WritesApplied)
	assert.Equal(t, 0, stats.IncompleteTxns)
	assert.Equal(t, uint64(2), stats.FinalVersion)

	v, ok := st.Get(k1)
	require.True(t, ok)
	n, _ := v.Value.AsInt()
	assert.Equal(t, int64(1), n)
}

func TestReplayDiscardsIncompleteTransaction(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	k := storekey.NewKV(ns, "orphan")

	// BeginTxn + Write with no CommitTxn: simulates a crash mid-transaction.
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagBeginTxn, Payload: wal.BeginTxnPayload(1, branch, 1)}))
	payload, err := wal.WritePayload(branch, k, value.Int(99), 1)
	require.NoError(t, err)
	require.NoError(t, w.Append(wal.Record{Tag: wal.TagWrite, Payload: payload}))
	require.NoError(t, w.Close())

	w2, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w2.Close()

	st := store.New()
	stats, err := Replay(w2, st, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TxnsReplayed)
	assert.Equal(t, 1, stats.IncompleteTxns)

	_, ok := st.Get(k)
	assert.False(t, ok, "an incomplete transaction must leave no trace in the recovered store")
}

// TestRecoveryIsDeterministicAndIdempotent is testable property #6.
func TestRecoveryIsDeterministicAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	for i := uint64(1); i <= 5; i++ {
		writeCommittedTxn(t, w, i, branch, storekey.NewKV(ns, string(rune('a'+i))), value.Int(int64(i)), i)
	}
	require.NoError(t, w.Close())

	run := func() *store.Store {
		wr, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer wr.Close()
		st := store.New()
		_, err = Replay(wr, st, Options{})
		require.NoError(t, err)
		return st
	}

	st1 := run()
	st2 := run()
	assert.Equal(t, st1.CurrentVersion(), st2.CurrentVersion())
}

// TestCorruptedWALTailProducesCleanRecovery is literal scenario S6.
func TestCorruptedWALTailProducesCleanRecovery(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	branch := storekey.NewBranchID()
	ns := storekey.NamespaceForBranch(branch)
	for i := uint64(1); i <= 3; i++ {
		writeCommittedTxn(t, w, i, branch, storekey.NewEvent(ns, i), value.Int(int64(i)), i)
	}
	require.NoError(t, w.Close())

	segPath := dir + "/segment-00000000.wal"
	f, err := os.OpenFile(segPath, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := wal.Open(wal.Options{Dir: dir, Durability: wal.Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w2.Close()

	st := store.New()
	stats, err := Replay(w2, st, Options{})
	require.NoError(t, err, "a torn tail must never propagate as a recovery error")
	assert.Equal(t, 3, stats.TxnsReplayed)
}
