/*
Package jsondoc implements the JSON document primitive (spec.md §4.7): a
tree of values per document, mutated through path-addressed patches and
materialized into a single stored value on commit.

A Session buffers (path, patch) operations client-side in apply order.
Reads through the session consult that buffer first — most-recent patch on
a path wins, a delete at an ancestor path hides every descendant beneath it
(deleting the whole subtree), and a set at an ancestor materializes
whatever sub-path is read beneath it — falling back to the last committed
document only for paths the buffer never touched. Commit re-reads the
document inside a transaction (so OCC still applies) and writes back one
materialized value, which is why reopening a document later always sees the
latest committed tree rather than a patch log.

Grounded on the teacher's read-modify-write command-application shape,
adapted from "one flat value per entity" to "a tree value addressed by
path", using recursive map[string]Value rewriting since pkg/value's Object
kind is exactly that.
*/
package jsondoc

import (
	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
)

type opKind int

const (
	opSet opKind = iota
	opDelete
)

// PatchOp is one path-addressed mutation, applied in the order it appears
// in a Session's op list.
type PatchOp struct {
	Path []string
	kind opKind
	val  value.Value
}

// Set builds a patch that materializes value v at path, creating any
// missing intermediate objects along the way.
func Set(path []string, v value.Value) PatchOp { return PatchOp{Path: path, kind: opSet, val: v} }

// Delete builds a patch that removes whatever is at path, including every
// descendant beneath it.
func Delete(path []string) PatchOp { return PatchOp{Path: path, kind: opDelete} }

// Facade is the JSON document primitive bound to one branch.
type Facade struct {
	store       *store.Store
	coordinator *txn.Coordinator
	branch      storekey.BranchID
	ns          storekey.Namespace
}

func New(st *store.Store, coordinator *txn.Coordinator, branch storekey.BranchID) *Facade {
	return &Facade{store: st, coordinator: coordinator, branch: branch, ns: storekey.NamespaceForBranch(branch)}
}

func (f *Facade) key(docID string) storekey.Key { return storekey.NewJSON(f.ns, docID) }

// Create writes a brand-new document. Fails with InvalidState if docID
// already exists (spec.md §4.7: "duplicate JSON create").
func (f *Facade) Create(docID string, initial value.Value) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		_, exists, err := t.Get(f.key(docID))
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.KindInvalidState, "jsondoc.create", "document already exists")
		}
		return t.Put(f.key(docID), initial)
	})
}

// Get returns the materialized document, or the value at path within it if
// path is non-empty.
func (f *Facade) Get(docID string, path []string) (value.Value, bool) {
	doc, ok := f.store.Get(f.key(docID))
	if !ok {
		return value.Value{}, false
	}
	return getPath(doc.Value, path)
}

// Exists reports whether docID has been created.
func (f *Facade) Exists(docID string) bool {
	_, ok := f.store.Get(f.key(docID))
	return ok
}

// GetVersion returns the commit version of the document's current state.
func (f *Facade) GetVersion(docID string) (uint64, bool) {
	return f.store.LatestVersion(f.key(docID))
}

// HistoryEntry is one retained version of a document.
type HistoryEntry struct {
	Version uint64
	Doc     value.Value
}

// History returns every retained version of the document, oldest first.
func (f *Facade) History(docID string) []HistoryEntry {
	versions := f.store.History(f.key(docID))
	out := make([]HistoryEntry, len(versions))
	for i, v := range versions {
		out[i] = HistoryEntry{Version: v.Version.Num, Doc: v.Value}
	}
	return out
}

// List returns the ids of every document in the branch.
func (f *Facade) List() []string {
	rows := f.store.ScanPrefix(storekey.New(f.ns, storekey.TagJSON, nil).Bytes())
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key.User)
	}
	return out
}

// Delete removes the document entirely.
func (f *Facade) Delete(docID string) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		return t.Delete(f.key(docID))
	})
}

// CAS replaces the whole document only if its current commit version
// equals expectedVersion.
func (f *Facade) CAS(docID string, expectedVersion uint64, newDoc value.Value) error {
	t := f.coordinator.StartTransaction(f.branch)
	if err := t.CAS(f.key(docID), expectedVersion, newDoc); err != nil {
		f.coordinator.AbortWithoutCommit(t, err.Error())
		return err
	}
	return f.coordinator.Commit(t)
}

// Session buffers path-addressed patches against one document, applied in
// order and materialized into a single write on Commit.
type Session struct {
	facade *Facade
	docID  string
	ops    []PatchOp
}

// Open starts a patch session against docID.
func (f *Facade) Open(docID string) *Session {
	return &Session{facade: f, docID: docID}
}

// Apply queues one or more patches.
func (s *Session) Apply(ops ...PatchOp) {
	s.ops = append(s.ops, ops...)
}

func (s *Session) materialize(base value.Value, baseExists bool) value.Value {
	doc := base
	if !baseExists {
		doc = value.Object(map[string]value.Value{})
	}
	for _, op := range s.ops {
		doc = applyPatch(doc, op.Path, op.kind, op.val)
	}
	return doc
}

// Get reads path against the document as it stands with every patch queued
// so far applied, without touching the store.
func (s *Session) Get(path []string) (value.Value, bool) {
	base, exists := s.facade.store.Get(s.facade.key(s.docID))
	materialized := s.materialize(base.Value, exists)
	return getPath(materialized, path)
}

// Commit re-reads the document inside a fresh transaction, applies every
// queued patch, and writes back the single materialized result.
func (s *Session) Commit() error {
	return txn.TransactionWithRetry(s.facade.coordinator, s.facade.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		base, exists, err := t.Get(s.facade.key(s.docID))
		if err != nil {
			return err
		}
		materialized := s.materialize(base, exists)
		return t.Put(s.facade.key(s.docID), materialized)
	})
}

// applyPatch rewrites doc at path according to kind, creating intermediate
// objects for a Set and discarding the whole subtree for a Delete.
func applyPatch(doc value.Value, path []string, kind opKind, v value.Value) value.Value {
	if len(path) == 0 {
		if kind == opDelete {
			return value.Value{}
		}
		return v
	}
	obj, ok := doc.AsObject()
	if !ok {
		obj = map[string]value.Value{}
	} else {
		obj = cloneObject(obj)
	}
	head, rest := path[0], path[1:]
	if len(rest) == 0 {
		if kind == opDelete {
			delete(obj, head)
		} else {
			obj[head] = v
		}
		return value.Object(obj)
	}
	child := obj[head]
	obj[head] = applyPatch(child, rest, kind, v)
	return value.Object(obj)
}

func cloneObject(m map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// getPath walks doc by path, returning (zero, false) if any intermediate
// segment is missing or not an object.
func getPath(doc value.Value, path []string) (value.Value, bool) {
	cur := doc
	for _, seg := range path {
		obj, ok := cur.AsObject()
		if !ok {
			return value.Value{}, false
		}
		v, ok := obj[seg]
		if !ok {
			return value.Value{}, false
		}
		cur = v
	}
	return cur, true
}
