/*
Package statecell implements the StateCell primitive (spec.md §4.7): a
single named, versioned value per branch with `init`-once semantics, an
optimistic `cas` by counter, and a `transition` retry loop whose user
closure must be pure — it may run more than once per call.

Grounded on the teacher's FSM-apply style (read current state, compute next
state, write it back under the cluster's single consistency mechanism),
narrowed here from "replicated state machine" to "one optimistically
concurrent cell", using txn.Context.CAS for the compare step instead of a
Raft log append.
*/
package statecell

import (
	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
)

// Cell is a materialized state cell read: its value and mutation counter.
type Cell struct {
	Value   value.Value
	Counter uint64
}

// VersionMismatch is the cause wrapped inside the *errors.Error CAS returns
// on a counter mismatch, carrying both counters for the caller to inspect.
type VersionMismatch struct {
	Expected uint64
	Actual   uint64
}

func (e *VersionMismatch) Error() string {
	return "counter mismatch: expected " + itoa(e.Expected) + " actual " + itoa(e.Actual)
}

// Facade is the StateCell primitive bound to one branch.
type Facade struct {
	store       *store.Store
	coordinator *txn.Coordinator
	branch      storekey.BranchID
	ns          storekey.Namespace
}

func New(st *store.Store, coordinator *txn.Coordinator, branch storekey.BranchID) *Facade {
	return &Facade{store: st, coordinator: coordinator, branch: branch, ns: storekey.NamespaceForBranch(branch)}
}

func (f *Facade) key(name string) storekey.Key { return storekey.NewState(f.ns, name) }

// encodeCell builds the on-disk envelope: the user value plus its counter,
// stored together so a single snapshot read sees both atomically.
func encodeCell(v value.Value, counter uint64) value.Value {
	return value.Object(map[string]value.Value{
		"value":   v,
		"counter": value.Int(int64(counter)),
	})
}

func decodeCell(v value.Value) Cell {
	obj, _ := v.AsObject()
	counter, _ := obj["counter"].AsInt()
	return Cell{Value: obj["value"], Counter: uint64(counter)}
}

// Init creates name with the given initial value. Fails with InvalidState
// if the cell already exists. Init counts as the first mutation, so the
// counter after Init is 1 (spec.md testable property #4).
func (f *Facade) Init(name string, initial value.Value) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		_, exists, err := t.Get(f.key(name))
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.KindInvalidState, "statecell.init", "cell already exists")
		}
		return t.Put(f.key(name), encodeCell(initial, 1))
	})
}

// Read returns the cell's current value and mutation counter.
func (f *Facade) Read(name string) (Cell, bool) {
	v, ok := f.store.Get(f.key(name))
	if !ok {
		return Cell{}, false
	}
	return decodeCell(v.Value), true
}

// Exists reports whether name has been Init'd and not deleted.
func (f *Facade) Exists(name string) bool {
	_, ok := f.store.Get(f.key(name))
	return ok
}

// Delete removes the cell entirely.
func (f *Facade) Delete(name string) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		return t.Delete(f.key(name))
	})
}

// CAS writes newValue only if the cell's current counter equals
// expectedCounter, incrementing the counter on success. A mismatch is a
// deliberate, user-visible outcome, not something to paper over with
// automatic retry: CAS runs exactly once and returns *VersionMismatch
// (wrapped as a KindVersionConflict *errors.Error) on mismatch, letting the
// caller decide whether to re-read and retry.
func (f *Facade) CAS(name string, expectedCounter uint64, newValue value.Value) error {
	t := f.coordinator.StartTransaction(f.branch)
	v, ok, err := t.Get(f.key(name))
	if err != nil {
		f.coordinator.AbortWithoutCommit(t, err.Error())
		return err
	}
	if !ok {
		f.coordinator.AbortWithoutCommit(t, "cell does not exist")
		return errors.New(errors.KindNotFound, "statecell.cas", "cell does not exist")
	}
	cur := decodeCell(v)
	if cur.Counter != expectedCounter {
		f.coordinator.AbortWithoutCommit(t, "counter mismatch")
		return errors.Wrap(errors.KindVersionConflict, "statecell.cas", "counter mismatch",
			&VersionMismatch{Expected: expectedCounter, Actual: cur.Counter})
	}
	if err := t.Put(f.key(name), encodeCell(newValue, cur.Counter+1)); err != nil {
		f.coordinator.AbortWithoutCommit(t, err.Error())
		return err
	}
	return f.coordinator.Commit(t)
}

// Transition re-reads the cell, computes its next value via f (which MUST
// be pure and side-effect free: it may be invoked once per retry attempt,
// and any attempt whose commit loses an OCC race is silently discarded, not
// rolled back), and commits the result with the counter bumped by one.
func (f *Facade) Transition(name string, fn func(current value.Value) (value.Value, error)) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		v, ok, err := t.Get(f.key(name))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New(errors.KindNotFound, "statecell.transition", "cell does not exist")
		}
		cur := decodeCell(v)
		next, err := fn(cur.Value)
		if err != nil {
			return err
		}
		return t.Put(f.key(name), encodeCell(next, cur.Counter+1))
	})
}

// List returns the names of every state cell in the branch.
func (f *Facade) List() []string {
	rows := f.store.ScanPrefix(storekey.New(f.ns, storekey.TagState, nil).Bytes())
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key.User)
	}
	return out
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
