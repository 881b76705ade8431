/*
Package branch implements the Branch (Run) primitive (spec.md §4.9): the
lifecycle state machine every other primitive's data is scoped under, plus
the secondary indexes (by status, by tag, by parent) spec.md §6.5's branch
command surface needs, and cascading delete across every per-branch type tag.

Unlike the other primitive facades (pkg/kv, pkg/eventlog, ...), which are
each bound to one branch, a Manager here operates across all branches at
once — branch metadata itself lives in storekey.GlobalNamespace(), the same
dedicated cross-branch namespace pkg/storekey reserves for it.

Grounded on the teacher's FSM-apply shape (pkg/manager/fsm.go): read current
state, validate the requested transition, write the new state back under the
cluster's single consistency mechanism. That FSM commits through Raft
consensus, which spec.md explicitly drops (a Non-goal); this Manager commits
the same read-validate-write sequence through pkg/txn's OCC retry loop
instead, the same way pkg/statecell.Transition narrows the identical pattern
to one cell.
*/
package branch

import (
	"sort"
	"strings"
	"time"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/metrics"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
)

// Status is a branch's lifecycle state (spec.md §4.9).
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusArchived  Status = "archived"
)

// transitions enumerates every valid target status reachable from a given
// source status (spec.md §4.9). Any pair not listed here is rejected.
var transitions = map[Status][]Status{
	StatusActive:    {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused, StatusArchived},
	StatusPaused:    {StatusActive, StatusCancelled, StatusArchived},
	StatusCompleted: {StatusArchived},
	StatusFailed:    {StatusArchived},
	StatusCancelled: {StatusArchived},
	StatusArchived:  {},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Branch is one materialized branch (run) record.
type Branch struct {
	ID               storekey.BranchID
	ParentID         *storekey.BranchID
	Name             string
	Status           Status
	Tags             []string
	Metadata         value.Value
	CreatedAt        int64
	UpdatedAt        int64
	RetentionSeconds int64
}

func (b Branch) key() storekey.Key { return storekey.NewBranch(b.ID) }

func encodeBranch(b Branch) value.Value {
	parent := value.Null
	if b.ParentID != nil {
		parent = value.String(b.ParentID.String())
	}
	tags := make([]value.Value, len(b.Tags))
	for i, t := range b.Tags {
		tags[i] = value.String(t)
	}
	return value.Object(map[string]value.Value{
		"id":                value.String(b.ID.String()),
		"parent_id":         parent,
		"name":              value.String(b.Name),
		"status":            value.String(string(b.Status)),
		"tags":              value.Array(tags),
		"metadata":          b.Metadata,
		"created_at":        value.Int(b.CreatedAt),
		"updated_at":        value.Int(b.UpdatedAt),
		"retention_seconds": value.Int(b.RetentionSeconds),
	})
}

func decodeBranch(v value.Value) Branch {
	obj, _ := v.AsObject()
	idStr, _ := obj["id"].AsString()
	id, _ := storekey.ParseBranchID(idStr)
	var parent *storekey.BranchID
	if s, ok := obj["parent_id"].AsString(); ok {
		if pid, err := storekey.ParseBranchID(s); err == nil {
			parent = &pid
		}
	}
	name, _ := obj["name"].AsString()
	status, _ := obj["status"].AsString()
	tagVals, _ := obj["tags"].AsArray()
	tags := make([]string, 0, len(tagVals))
	for _, tv := range tagVals {
		if s, ok := tv.AsString(); ok {
			tags = append(tags, s)
		}
	}
	created, _ := obj["created_at"].AsInt()
	updated, _ := obj["updated_at"].AsInt()
	retention, _ := obj["retention_seconds"].AsInt()
	return Branch{
		ID: id, ParentID: parent, Name: name, Status: Status(status),
		Tags: tags, Metadata: obj["metadata"], CreatedAt: created, UpdatedAt: updated,
		RetentionSeconds: retention,
	}
}

// CascadeHook is notified after a branch's store-level data has been
// deleted, so other packages can drop any in-memory state they keep keyed
// by branch id without pkg/branch importing them (pkg/vector's per-branch
// Router.DropBranch is wired this way by the engine that owns both).
type CascadeHook func(storekey.BranchID)

// branchScopedTags lists every type tag a single branch's data can appear
// under — the full set a cascading delete must sweep, which is finer
// grained than spec.md §4.9's six named groups (Event also covers
// EventMeta/EventTypeIndex, Vector also covers VectorConfig, Trace also
// covers TraceIndex).
var branchScopedTags = []storekey.TypeTag{
	storekey.TagKV,
	storekey.TagEvent,
	storekey.TagEventMeta,
	storekey.TagEventTypeIndex,
	storekey.TagState,
	storekey.TagJSON,
	storekey.TagVector,
	storekey.TagVectorConfig,
	storekey.TagTrace,
	storekey.TagTraceIndex,
}

// Manager is the Branch (Run) primitive. Unlike the other facades it is not
// bound to a single branch: it owns every branch's lifecycle record.
type Manager struct {
	store       *store.Store
	coordinator *txn.Coordinator
	hooks       []CascadeHook
}

// NewManager builds a Manager. hooks run, in order, after a branch's
// store-level data is fully deleted.
func NewManager(st *store.Store, coordinator *txn.Coordinator, hooks ...CascadeHook) *Manager {
	return &Manager{store: st, coordinator: coordinator, hooks: hooks}
}

// Create registers a new branch, Active from the start, with an optional
// parent. A nil parent makes this a root branch.
func (m *Manager) Create(name string, parent *storekey.BranchID, metadata value.Value) (Branch, error) {
	if !metadata.IsNull() && !metadata.IsObject() {
		return Branch{}, errors.New(errors.KindInvalidInput, "branch.create", "metadata must be an object")
	}
	if parent != nil {
		if !m.Exists(*parent) {
			return Branch{}, errors.New(errors.KindNotFound, "branch.create", "parent branch does not exist")
		}
	}

	now := time.Now().UnixMicro()
	b := Branch{
		ID: storekey.NewBranchID(), ParentID: parent, Name: name, Status: StatusActive,
		Tags: nil, Metadata: metadata, CreatedAt: now, UpdatedAt: now,
	}

	err := txn.TransactionWithRetry(m.coordinator, storekey.GlobalBranch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		if err := t.Put(b.key(), encodeBranch(b)); err != nil {
			return err
		}
		if err := t.Put(storekey.NewBranchIndexEntry("status", string(StatusActive), b.ID), value.Null); err != nil {
			return err
		}
		if parent != nil {
			return t.Put(storekey.NewBranchIndexEntry("parent", parent.String(), b.ID), value.Null)
		}
		return nil
	})
	if err != nil {
		return Branch{}, err
	}
	metrics.BranchTransitionsTotal.WithLabelValues(string(StatusActive)).Inc()
	return b, nil
}

// CreateChild is Create with an explicit, already-existing parent.
func (m *Manager) CreateChild(parent storekey.BranchID, name string, metadata value.Value) (Branch, error) {
	return m.Create(name, &parent, metadata)
}

// Get returns the branch record for id.
func (m *Manager) Get(id storekey.BranchID) (Branch, bool) {
	v, ok := m.store.Get(storekey.NewBranch(id))
	if !ok {
		return Branch{}, false
	}
	return decodeBranch(v.Value), true
}

// Exists reports whether id names a branch that has not been deleted.
func (m *Manager) Exists(id storekey.BranchID) bool {
	_, ok := m.store.Get(storekey.NewBranch(id))
	return ok
}

// List returns every branch, in no particular order.
func (m *Manager) List() []Branch {
	rows := m.store.ScanPrefix(storekey.New(storekey.GlobalNamespace(), storekey.TagBranch, nil).Bytes())
	out := make([]Branch, len(rows))
	for i, r := range rows {
		out[i] = decodeBranch(r.Value.Value)
	}
	return out
}

// Count returns the total number of branches.
func (m *Manager) Count() int { return len(m.List()) }

// byIndex resolves every branch id stored under one secondary index value.
// The index entry's User bytes are `index \x00 value \x00 branch_id`
// (storekey.NewBranchIndexEntry), so the trailing 16 bytes are always the
// branch id regardless of index/value content.
func (m *Manager) byIndex(index, value string) []Branch {
	rows := m.store.ScanPrefix(storekey.BranchIndexPrefix(index, value))
	out := make([]Branch, 0, len(rows))
	for _, r := range rows {
		if len(r.Key.User) < 16 {
			continue
		}
		var id storekey.BranchID
		copy(id[:], r.Key.User[len(r.Key.User)-16:])
		if b, ok := m.Get(id); ok {
			out = append(out, b)
		}
	}
	return out
}

// QueryByStatus returns every branch currently in status.
func (m *Manager) QueryByStatus(status Status) []Branch { return m.byIndex("status", string(status)) }

// QueryByTag returns every branch tagged with tag.
func (m *Manager) QueryByTag(tag string) []Branch { return m.byIndex("tag", tag) }

// GetChildren returns every branch created with parent as its parent.
func (m *Manager) GetChildren(parent storekey.BranchID) []Branch {
	return m.byIndex("parent", parent.String())
}

// GetParent returns id's parent branch, if it has one.
func (m *Manager) GetParent(id storekey.BranchID) (Branch, bool, error) {
	b, ok := m.Get(id)
	if !ok {
		return Branch{}, false, errors.New(errors.KindNotFound, "branch.get_parent", "branch does not exist")
	}
	if b.ParentID == nil {
		return Branch{}, false, nil
	}
	parent, ok := m.Get(*b.ParentID)
	return parent, ok, nil
}

// Search does a case-insensitive substring match over a branch's name and
// tags. spec.md names `search` in the branch command surface without
// defining match semantics; this is the simplest reading that still exposes
// every stored textual field a caller could plausibly search on.
func (m *Manager) Search(query string) []Branch {
	q := strings.ToLower(query)
	var out []Branch
	for _, b := range m.List() {
		if strings.Contains(strings.ToLower(b.Name), q) {
			out = append(out, b)
			continue
		}
		for _, tag := range b.Tags {
			if strings.Contains(strings.ToLower(tag), q) {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// read-modify-write helper shared by every mutation below: re-reads the
// branch inside the retry loop (so OCC, not a lock, serializes concurrent
// mutators), lets fn adjust the in-memory copy, and persists the result.
func (m *Manager) mutate(id storekey.BranchID, op string, fn func(t *txn.Context, b *Branch) error) error {
	return txn.TransactionWithRetry(m.coordinator, storekey.GlobalBranch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		v, ok, err := t.Get(storekey.NewBranch(id))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New(errors.KindNotFound, op, "branch does not exist")
		}
		b := decodeBranch(v)
		if err := fn(t, &b); err != nil {
			return err
		}
		b.UpdatedAt = time.Now().UnixMicro()
		return t.Put(b.key(), encodeBranch(b))
	})
}

func (m *Manager) transition(id storekey.BranchID, to Status) error {
	err := m.mutate(id, "branch.transition", func(t *txn.Context, b *Branch) error {
		if !canTransition(b.Status, to) {
			return errors.New(errors.KindInvalidState, "branch.transition",
				"invalid transition: "+string(b.Status)+" -> "+string(to))
		}
		if err := t.Delete(storekey.NewBranchIndexEntry("status", string(b.Status), id)); err != nil {
			return err
		}
		if err := t.Put(storekey.NewBranchIndexEntry("status", string(to), id), value.Null); err != nil {
			return err
		}
		b.Status = to
		return nil
	})
	if err != nil {
		return err
	}
	metrics.BranchTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

func (m *Manager) Pause(id storekey.BranchID) error   { return m.transition(id, StatusPaused) }
func (m *Manager) Resume(id storekey.BranchID) error  { return m.transition(id, StatusActive) }
func (m *Manager) Complete(id storekey.BranchID) error { return m.transition(id, StatusCompleted) }
func (m *Manager) Fail(id storekey.BranchID) error    { return m.transition(id, StatusFailed) }
func (m *Manager) Cancel(id storekey.BranchID) error  { return m.transition(id, StatusCancelled) }
func (m *Manager) Archive(id storekey.BranchID) error { return m.transition(id, StatusArchived) }

// UpdateMetadata replaces a branch's metadata object wholesale. Partial
// merge is the JSON primitive's job (pkg/jsondoc already owns merge-patch
// semantics); branch metadata is a single opaque blob, so update means
// replace.
func (m *Manager) UpdateMetadata(id storekey.BranchID, metadata value.Value) error {
	if !metadata.IsNull() && !metadata.IsObject() {
		return errors.New(errors.KindInvalidInput, "branch.update_metadata", "metadata must be an object")
	}
	return m.mutate(id, "branch.update_metadata", func(t *txn.Context, b *Branch) error {
		b.Metadata = metadata
		return nil
	})
}

// GetTags returns a branch's current tags.
func (m *Manager) GetTags(id storekey.BranchID) ([]string, error) {
	b, ok := m.Get(id)
	if !ok {
		return nil, errors.New(errors.KindNotFound, "branch.get_tags", "branch does not exist")
	}
	return b.Tags, nil
}

// AddTags adds tags to a branch, skipping any already present, and keeps
// the by-tag secondary index in step.
func (m *Manager) AddTags(id storekey.BranchID, tags []string) error {
	return m.mutate(id, "branch.add_tags", func(t *txn.Context, b *Branch) error {
		present := make(map[string]bool, len(b.Tags))
		for _, tg := range b.Tags {
			present[tg] = true
		}
		for _, tg := range tags {
			if present[tg] {
				continue
			}
			present[tg] = true
			if err := t.Put(storekey.NewBranchIndexEntry("tag", tg, id), value.Null); err != nil {
				return err
			}
		}
		b.Tags = sortedKeys(present)
		return nil
	})
}

// RemoveTags removes tags from a branch, a no-op for any tag not present.
func (m *Manager) RemoveTags(id storekey.BranchID, tags []string) error {
	return m.mutate(id, "branch.remove_tags", func(t *txn.Context, b *Branch) error {
		present := make(map[string]bool, len(b.Tags))
		for _, tg := range b.Tags {
			present[tg] = true
		}
		for _, tg := range tags {
			if !present[tg] {
				continue
			}
			delete(present, tg)
			if err := t.Delete(storekey.NewBranchIndexEntry("tag", tg, id)); err != nil {
				return err
			}
		}
		b.Tags = sortedKeys(present)
		return nil
	})
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetRetention records a branch's retention window, in seconds (0 means no
// retention policy). Enforcement — actually reaping branches past their
// retention window — is left to an external scheduler; this primitive only
// stores the policy.
func (m *Manager) SetRetention(id storekey.BranchID, seconds int64) error {
	if seconds < 0 {
		return errors.New(errors.KindInvalidInput, "branch.set_retention", "retention_seconds must be >= 0")
	}
	return m.mutate(id, "branch.set_retention", func(t *txn.Context, b *Branch) error {
		b.RetentionSeconds = seconds
		return nil
	})
}

// GetRetention returns a branch's retention window in seconds.
func (m *Manager) GetRetention(id storekey.BranchID) (int64, error) {
	b, ok := m.Get(id)
	if !ok {
		return 0, errors.New(errors.KindNotFound, "branch.get_retention", "branch does not exist")
	}
	return b.RetentionSeconds, nil
}

// Delete cascades: every key under the branch's namespace, across every
// type tag a primitive can write to, is scanned and deleted — one
// transaction per type tag, per spec.md §4.9 — before the branch's own
// metadata and secondary index entries are removed. Delete is irreversible
// and distinct from Archive, which only changes status and keeps all data.
func (m *Manager) Delete(id storekey.BranchID) error {
	b, ok := m.Get(id)
	if !ok {
		return errors.New(errors.KindNotFound, "branch.delete", "branch does not exist")
	}

	for _, tag := range branchScopedTags {
		prefix := storekey.BranchPrefix(id, tag)
		rows := m.store.ScanPrefix(prefix)
		if len(rows) == 0 {
			continue
		}
		err := txn.TransactionWithRetry(m.coordinator, id, txn.DefaultRetryConfig(), func(t *txn.Context) error {
			for _, r := range rows {
				if err := t.Delete(r.Key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(errors.KindIO, "branch.delete", "cascading delete of type tag "+tag.String(), err)
		}
	}

	err := txn.TransactionWithRetry(m.coordinator, storekey.GlobalBranch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		if err := t.Delete(b.key()); err != nil {
			return err
		}
		if err := t.Delete(storekey.NewBranchIndexEntry("status", string(b.Status), id)); err != nil {
			return err
		}
		for _, tg := range b.Tags {
			if err := t.Delete(storekey.NewBranchIndexEntry("tag", tg, id)); err != nil {
				return err
			}
		}
		if b.ParentID != nil {
			if err := t.Delete(storekey.NewBranchIndexEntry("parent", b.ParentID.String(), id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, hook := range m.hooks {
		hook(id)
	}
	return nil
}
