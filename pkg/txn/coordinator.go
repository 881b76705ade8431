/*
Package txn implements the transaction engine (spec.md §4.4-4.6): the
coordinator that issues transaction and commit-version identifiers, the
per-transaction Context holding its snapshot and local read/write/delete/CAS
sets, and the commit pipeline that validates, durably logs, and applies a
transaction as one atomic step.

Grounded on bobboyms/storage-engine's transaction_write.go sequencing
(BEGIN, buffered ops, COMMIT, single durability flush at the end), combined
with the coordinator/counter pattern cuemby-warren's pkg/manager uses for
Raft log indices — generalized here from a single monotonic log index to a
transaction id counter plus an independently-monotonic commit version
counter, since this engine allocates both.
*/
package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/metrics"
	"github.com/stratadb/strata-core/pkg/recovery"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/wal"
)

// Metrics is a point-in-time snapshot of coordinator counters.
type Metrics struct {
	TotalStarted   uint64
	TotalCommitted uint64
	TotalAborted   uint64
	Active         int64
	CommitRate     float64 // committed / (committed + aborted), 0 if neither happened yet
}

// Coordinator issues transaction ids and commit versions and owns the
// process-wide commit mutex (spec.md §4.6 step 1: "one per database").
type Coordinator struct {
	store *store.Store
	wal   *wal.WAL

	nextTxnID      atomic.Uint64
	commitVersion  atomic.Uint64
	totalStarted   atomic.Uint64
	totalCommitted atomic.Uint64
	totalAborted   atomic.Uint64
	active         atomic.Int64

	commitMu sync.Mutex
}

// New builds a Coordinator with its counters at zero. Use FromRecovery after
// a WAL replay instead, so commit versions continue past the replayed log.
func New(st *store.Store, w *wal.WAL) *Coordinator {
	return &Coordinator{store: st, wal: w}
}

// FromRecovery builds a Coordinator whose commit version counter is seeded
// with result.FinalVersion, so the first version it allocates is
// result.FinalVersion+1 and freshly allocated versions never collide with
// versions already durable in the WAL (spec.md §4.3 step 4).
func FromRecovery(st *store.Store, w *wal.WAL, result recovery.Stats) *Coordinator {
	c := New(st, w)
	c.commitVersion.Store(result.FinalVersion)
	return c
}

// StartTransaction assigns a fresh txn_id, captures a snapshot of the
// store, and returns a new Active Context.
func (c *Coordinator) StartTransaction(branch storekey.BranchID) *Context {
	txnID := c.nextTxnID.Add(1)
	c.totalStarted.Add(1)
	c.active.Add(1)
	snap := c.store.CreateSnapshot()
	return newContext(txnID, branch, snap)
}

// Store returns the coordinator's Unified Store, for facades (pkg/vector)
// that need direct read access outside a transaction, the same way
// pkg/eventlog's readMetaDirect bypasses Context for pure reads.
func (c *Coordinator) Store() *store.Store { return c.store }

// allocateCommitVersion returns the next commit version. Callers must hold
// commitMu; this is not exported because allocation outside the commit
// pipeline would break the monotonic total order testable property.
func (c *Coordinator) allocateCommitVersion() uint64 {
	return c.commitVersion.Add(1)
}

// Metrics returns a snapshot of the coordinator's lifecycle counters.
func (c *Coordinator) Metrics() Metrics {
	committed := c.totalCommitted.Load()
	aborted := c.totalAborted.Load()
	rate := 0.0
	if committed+aborted > 0 {
		rate = float64(committed) / float64(committed+aborted)
	}
	return Metrics{
		TotalStarted:   c.totalStarted.Load(),
		TotalCommitted: committed,
		TotalAborted:   aborted,
		Active:         c.active.Load(),
		CommitRate:     rate,
	}
}

// AbortWithoutCommit marks txn Aborted without ever entering the commit
// pipeline, for callers (TransactionWithTimeout) that decide a transaction
// must not proceed before Commit is even attempted.
func (c *Coordinator) AbortWithoutCommit(txn *Context, reason string) {
	txn.markAborted(reason)
	c.active.Add(-1)
	c.totalAborted.Add(1)
	metrics.AbortsTotal.WithLabelValues("timeout").Inc()
}

// CommitVectorOp durably appends a vector-subsystem WAL record and then
// applies it to the vector subsystem's own in-memory index, as one atomic
// step sharing the coordinator's single commit mutex — the same
// serialization point every ordinary transaction commits through. Vector
// records are replayed unconditionally on recovery (pkg/recovery never
// gates them on a BeginTxn/CommitTxn bracket), so unlike Commit this never
// wraps the record in one: apply runs only once the record is durable, and
// never runs at all if the append fails.
//
// prepare runs inside the critical section, not before it: some records
// (an upsert's allocated VectorId) depend on state that must not change
// between deciding the record's contents and applying it, so the caller
// builds the record from live state here rather than beforehand, and
// returns the mutation to run once that exact record is durable.
func (c *Coordinator) CommitVectorOp(prepare func() (wal.Record, func())) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	record, apply := prepare()
	if err := c.wal.Append(record); err != nil {
		return errors.Wrap(errors.KindIO, "txn.commit_vector_op", "appending vector record", err)
	}
	apply()
	return nil
}

// Commit runs the commit pipeline for txn (spec.md §4.6): acquire the
// commit mutex, validate the read_set and cas_set against fresh store
// state, allocate a commit version, append a WAL batch, apply it to the
// store, and mark the transaction Committed. Any failure before the WAL
// append leaves the store untouched; a WAL append failure aborts the
// transaction without mutating the store.
func (c *Coordinator) Commit(txn *Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	defer c.active.Add(-1)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	if err := txn.markValidating(); err != nil {
		return err
	}

	if err := c.validate(txn); err != nil {
		txn.markAborted(err.Error())
		c.totalAborted.Add(1)
		metrics.AbortsTotal.WithLabelValues("version_conflict").Inc()
		return err
	}

	commitVersion := c.allocateCommitVersion()

	writes := make([]store.Write, 0, len(txn.writeSet)+len(txn.casSet))
	for ks, key := range txn.writeSet {
		writes = append(writes, store.Write{Key: key, Value: txn.writeVals[ks]})
	}
	for _, cas := range txn.casSet {
		writes = append(writes, store.Write{Key: cas.key, Value: cas.newValue})
	}
	deletes := make([]storekey.Key, 0, len(txn.deleteSet))
	for _, key := range txn.deleteSet {
		deletes = append(deletes, key)
	}

	if err := c.appendWAL(txn, writes, deletes, commitVersion); err != nil {
		txn.markAborted(err.Error())
		c.totalAborted.Add(1)
		metrics.AbortsTotal.WithLabelValues("wal_io").Inc()
		return err
	}

	// apply_batch is infallible once durability is secured (spec.md §4.6):
	// the only error ApplyBatch can return is an invalid value, and values
	// are already validated by Context.Put/CAS before staging. A failure
	// here would mean the WAL already recorded a commit the store never
	// reflects — fatal, recovery will need to replay it.
	if err := c.store.ApplyBatch(writes, deletes, commitVersion); err != nil {
		panic(fmt.Sprintf("txn: apply_batch failed after WAL commit recorded (txn %d, version %d): %v", txn.txnID, commitVersion, err))
	}

	txn.markCommitted()
	c.totalCommitted.Add(1)
	metrics.CommitsTotal.Inc()
	return nil
}

func (c *Coordinator) validate(txn *Context) error {
	var conflicts []string

	for _, rr := range txn.readSet {
		if cur, ok := c.store.LatestVersion(rr.key); ok && cur > rr.version {
			conflicts = append(conflicts, rr.key.String())
		}
	}

	for _, cas := range txn.casSet {
		cur, exists := c.store.LatestVersion(cas.key)
		if cas.expectedVersion == 0 {
			if exists {
				conflicts = append(conflicts, cas.key.String())
			}
			continue
		}
		if !exists || cur != cas.expectedVersion {
			conflicts = append(conflicts, cas.key.String())
		}
	}

	if len(conflicts) > 0 {
		return errors.New(errors.KindVersionConflict, "txn.commit", fmt.Sprintf("conflicting keys: %v", conflicts))
	}
	return nil
}
