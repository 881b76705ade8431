package txn

import (
	"sync"
	"time"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/value"
)

// State is a transaction's lifecycle state (spec.md §4.5).
type State int

const (
	StateActive State = iota
	StateValidating
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateValidating:
		return "validating"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type casIntent struct {
	key             storekey.Key
	expectedVersion uint64
	newValue        value.Value
}

// readRecord is one entry in a transaction's read_set: the key it was read
// through (validation needs it back) and the version observed at read time.
type readRecord struct {
	key     storekey.Key
	version uint64
}

// Context is one transaction's working state: its snapshot, local write/
// delete/CAS/read sets, and lifecycle state. The KV, event, state cell and
// JSON document facades route their transactional writes through a Context
// so that changes made in one transaction commit or abort together
// (spec.md §4.7) — they all share this same write_set. Vector mutations do
// not go through a Context.
type Context struct {
	mu sync.Mutex

	txnID     uint64
	branch    storekey.BranchID
	startedAt time.Time
	snapshot  *store.SnapshotView

	writeSet  map[string]storekey.Key
	writeVals map[string]value.Value
	deleteSet map[string]storekey.Key
	casSet    []casIntent
	readSet   map[string]readRecord

	state      State
	abortedWhy string
}

func newContext(txnID uint64, branch storekey.BranchID, snap *store.SnapshotView) *Context {
	return &Context{
		txnID:     txnID,
		branch:    branch,
		startedAt: time.Now(),
		snapshot:  snap,
		writeSet:  make(map[string]storekey.Key),
		writeVals: make(map[string]value.Value),
		deleteSet: make(map[string]storekey.Key),
		readSet:   make(map[string]readRecord),
		state:     StateActive,
	}
}

// TxnID returns the transaction's identifier.
func (c *Context) TxnID() uint64 { return c.txnID }

// Branch returns the branch this transaction operates under.
func (c *Context) Branch() storekey.BranchID { return c.branch }

// State returns the transaction's current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns how long the transaction has been open.
func (c *Context) Elapsed() time.Duration { return time.Since(c.startedAt) }

// IsExpired reports whether the transaction has been open longer than limit.
func (c *Context) IsExpired(limit time.Duration) bool { return c.Elapsed() > limit }

func (c *Context) requireActive(op string) error {
	if c.state != StateActive {
		return errors.New(errors.KindInvalidState, op, "transaction is not Active: "+c.state.String())
	}
	return nil
}

// Get reads key, consulting the local write_set first (read-your-writes),
// then the delete_set (treated as absent), then the snapshot. A snapshot
// read records the observed version in the read_set for later OCC
// validation at commit time.
func (c *Context) Get(key storekey.Key) (value.Value, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive("txn.get"); err != nil {
		return value.Value{}, false, err
	}

	ks := key.String()
	if v, ok := c.writeVals[ks]; ok {
		return v, true, nil
	}
	if _, ok := c.deleteSet[ks]; ok {
		return value.Value{}, false, nil
	}

	versioned, ok := c.snapshot.Get(key)
	if !ok {
		return value.Value{}, false, nil
	}
	if _, recorded := c.readSet[ks]; !recorded {
		c.readSet[ks] = readRecord{key: key, version: versioned.Version.Num}
	}
	return versioned.Value, true, nil
}

// Put stages a write, visible to subsequent Get calls in this same
// transaction but not to any other transaction until commit.
func (c *Context) Put(key storekey.Key, v value.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive("txn.put"); err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return errors.Wrap(errors.KindInvalidInput, "txn.put", "invalid value", err)
	}
	ks := key.String()
	delete(c.deleteSet, ks)
	c.writeSet[ks] = key
	c.writeVals[ks] = v
	return nil
}

// Delete stages a tombstone, removing any prior staged write for the key.
func (c *Context) Delete(key storekey.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive("txn.delete"); err != nil {
		return err
	}
	ks := key.String()
	delete(c.writeSet, ks)
	delete(c.writeVals, ks)
	c.deleteSet[ks] = key
	return nil
}

// CAS stages a compare-and-swap intent, resolved against fresh store state
// during commit validation. expectedVersion == 0 means "key must not
// exist".
func (c *Context) CAS(key storekey.Key, expectedVersion uint64, newValue value.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive("txn.cas"); err != nil {
		return err
	}
	if err := newValue.Validate(); err != nil {
		return errors.Wrap(errors.KindInvalidInput, "txn.cas", "invalid value", err)
	}
	c.casSet = append(c.casSet, casIntent{key: key, expectedVersion: expectedVersion, newValue: newValue})
	return nil
}

func (c *Context) markValidating() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActive("txn.mark_validating"); err != nil {
		return err
	}
	c.state = StateValidating
	return nil
}

func (c *Context) markCommitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateCommitted
}

func (c *Context) markAborted(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAborted
	c.abortedWhy = reason
}

// AbortReason returns why the transaction was aborted, if it was.
func (c *Context) AbortReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortedWhy
}
