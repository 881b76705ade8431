package wal

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratadb/strata-core/pkg/storekey"
)

func openTestWAL(t *testing.T, durability Durability) (*WAL, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, Durability: durability, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return w, dir
}

func TestAppendAndReadBackRecords(t *testing.T) {
	w, _ := openTestWAL(t, Strict())
	defer w.Close()

	branch := storekey.NewBranchID()
	require.NoError(t, w.Append(Record{Tag: TagBeginTxn, Payload: BeginTxnPayload(1, branch, 1000)}))
	require.NoError(t, w.Append(Record{Tag: TagCommitTxn, Payload: CommitTxnPayload(1, branch)}))

	recs, err := w.ReadSegment(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, TagBeginTxn, recs[0].Tag)
	assert.Equal(t, TagCommitTxn, recs[1].Tag)

	begin, err := DecodeBeginTxn(recs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), begin.TxnID)
	assert.Equal(t, branch, begin.Branch)
}

func TestReopenAfterCleanCloseResumesAppendPosition(t *testing.T) {
	w, dir := openTestWAL(t, Strict())
	branch := storekey.NewBranchID()
	require.NoError(t, w.Append(Record{Tag: TagBeginTxn, Payload: BeginTxnPayload(1, branch, 1)}))
	require.NoError(t, w.Close())

	w2, err := Open(Options{Dir: dir, Durability: Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w2.Close()
	require.NoError(t, w2.Append(Record{Tag: TagCommitTxn, Payload: CommitTxnPayload(1, branch)}))

	recs, err := w2.ReadSegment(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

// TestCorruptedWALTailIsTruncatedNotFatal reproduces the tail-truncation
// scenario: 3 records appended and fsynced, then a crash leaves torn bytes
// appended after the last good one. Reopening the WAL must
// truncate the torn bytes and resume cleanly, never surfacing an error and
// never losing the 3 good records.
func TestCorruptedWALTailIsTruncatedNotFatal(t *testing.T) {
	w, dir := openTestWAL(t, Strict())
	branch := storekey.NewBranchID()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, w.Append(Record{Tag: TagBeginTxn, Payload: BeginTxnPayload(i, branch, int64(i))}))
	}
	require.NoError(t, w.Close())

	path := w.segmentPath(0)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 32)) // torn trailing bytes, not a full framed record
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(Options{Dir: dir, Durability: Strict(), Logger: zerolog.Nop()})
	require.NoError(t, err, "reopening with a torn tail must not error")
	defer w2.Close()

	recs, err := w2.ReadSegment(0)
	require.NoError(t, err)
	assert.Len(t, recs, 3, "torn tail record must be dropped, the 3 good ones kept")

	require.NoError(t, w2.Append(Record{Tag: TagCommitTxn, Payload: CommitTxnPayload(1, branch)}))
	recs2, err := w2.ReadSegment(0)
	require.NoError(t, err)
	assert.Len(t, recs2, 4, "append after reopen must land right after the truncated tail")
}

func TestMidSegmentCRCMismatchIsFatal(t *testing.T) {
	w, dir := openTestWAL(t, Strict())
	branch := storekey.NewBranchID()
	require.NoError(t, w.Append(Record{Tag: TagBeginTxn, Payload: BeginTxnPayload(1, branch, 1)}))
	require.NoError(t, w.Append(Record{Tag: TagCommitTxn, Payload: CommitTxnPayload(1, branch)}))
	require.NoError(t, w.Close())

	path := w.segmentPath(0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the first record's payload region (well within the
	// file, past the 32-byte header and the 4-byte length prefix), leaving
	// enough trailing bytes that this cannot be mistaken for a torn tail.
	corrupt := append([]byte(nil), data...)
	corrupt[segmentHeaderSize+6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, corrupt, 0o600))

	_, err = readSegmentRecords(dir, 0)
	require.Error(t, err, "a mid-segment CRC mismatch must be a fatal recovery error, not silently dropped")
}

func TestBatchedDurabilityFsyncsOnBatchSize(t *testing.T) {
	w, _ := openTestWAL(t, Batched(time.Hour, 2))
	defer w.Close()
	branch := storekey.NewBranchID()

	require.NoError(t, w.Append(Record{Tag: TagBeginTxn, Payload: BeginTxnPayload(1, branch, 1)}))
	w.mu.Lock()
	assert.Equal(t, 1, w.unsynced, "first append alone should not yet trigger the batch-size fsync")
	w.mu.Unlock()

	require.NoError(t, w.Append(Record{Tag: TagCommitTxn, Payload: CommitTxnPayload(1, branch)}))
	w.mu.Lock()
	assert.Equal(t, 0, w.unsynced, "second append should cross BatchSize=2 and fsync")
	w.mu.Unlock()
}

func TestSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(Options{Dir: dir, Durability: Strict(), MaxSegmentSize: segmentHeaderSize + 1, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w.Close()

	branch := storekey.NewBranchID()
	require.NoError(t, w.Append(Record{Tag: TagBeginTxn, Payload: BeginTxnPayload(1, branch, 1)}))
	require.NoError(t, w.Append(Record{Tag: TagCommitTxn, Payload: CommitTxnPayload(1, branch)}))

	ids := w.SegmentIDs()
	assert.GreaterOrEqual(t, len(ids), 2, "tiny MaxSegmentSize should force a rotation after the first record")
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cp, err := OpenCheckpoint(dir)
	require.NoError(t, err)
	defer cp.Close()

	_, found, err := cp.Get(0)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cp.Set(0, 128))
	off, found, err := cp.Get(0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(128), off)

	require.NoError(t, cp.Delete(0))
	_, found, err = cp.Get(0)
	require.NoError(t, err)
	assert.False(t, found)
}
