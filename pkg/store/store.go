/*
Package store implements the Unified Store (spec.md §4.1): a branch-agnostic
ordered mapping from storekey.Key to a bounded history chain of versioned
values, supporting point reads, as-of-version/as-of-timestamp reads, prefix
scans, and cheap immutable snapshots.

The teacher persists every entity straight into a bbolt bucket keyed by its
own ID (pkg/storage/boltdb.go) — one physical value per key, no history, no
snapshot isolation, because a Raft FSM only ever needs "the current value".
This store needs something bbolt already gives for free at the page level
(MVCC via copy-on-write B+trees, per pkg/storage/doc.go's own architecture
diagram) but explicit and in memory: each key owns an append-only slice of
versions, and a Snapshot is nothing but a pinned version number — appending
a new version never mutates or invalidates a slice a reader already holds,
because Go slice headers captured before an append keep their own length.
The ordered keyspace itself (needed for scan_prefix) is kept in a
github.com/google/btree tree rather than a Go map, so prefix scans can walk
a sorted range instead of collecting and sorting every call.
*/
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/value"
)

// MaxHistoryPerKey bounds the retained version chain per key (spec.md §3.5:
// "retained as historical versions subject to retention policy").
const MaxHistoryPerKey = 256

type entry struct {
	version  uint64
	ts       int64
	val      value.Value
	tombstone bool
}

type chain struct {
	mu       sync.Mutex
	versions []entry
}

func (c *chain) append(e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = append(c.versions, e)
	if len(c.versions) > MaxHistoryPerKey {
		trim := len(c.versions) - MaxHistoryPerKey
		fresh := make([]entry, MaxHistoryPerKey)
		copy(fresh, c.versions[trim:])
		c.versions = fresh
	}
}

// snapshot returns the live versions slice header. Safe to read without
// holding c.mu afterward: append only ever grows the slice or allocates a
// fresh backing array, it never mutates elements already readable through a
// previously captured header.
func (c *chain) snapshot() []entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions
}

type item struct {
	keyBytes string
	key      storekey.Key
	ch       *chain
}

func less(a, b *item) bool { return a.keyBytes < b.keyBytes }

// Store is the Unified Store.
type Store struct {
	mu             sync.RWMutex
	tree           *btree.BTreeG[*item]
	currentVersion atomic.Uint64
}

// New builds an empty Unified Store.
func New() *Store {
	return &Store{tree: btree.NewG(32, less)}
}

func (s *Store) findLocked(k storekey.Key) *chain {
	probe := &item{keyBytes: k.String()}
	found, ok := s.tree.Get(probe)
	if !ok {
		return nil
	}
	return found.ch
}

func (s *Store) findOrCreateLocked(k storekey.Key) *chain {
	probe := &item{keyBytes: k.String()}
	if found, ok := s.tree.Get(probe); ok {
		return found.ch
	}
	ch := &chain{}
	s.tree.ReplaceOrInsert(&item{keyBytes: k.String(), key: k, ch: ch})
	return ch
}

// Get returns the latest committed value at key, or (zero, false) if the
// key was never written or its latest version is a tombstone.
func (s *Store) Get(k storekey.Key) (value.Versioned[value.Value], bool) {
	s.mu.RLock()
	ch := s.findLocked(k)
	s.mu.RUnlock()
	if ch == nil {
		return value.Versioned[value.Value]{}, false
	}
	versions := ch.snapshot()
	if len(versions) == 0 {
		return value.Versioned[value.Value]{}, false
	}
	last := versions[len(versions)-1]
	if last.tombstone {
		return value.Versioned[value.Value]{}, false
	}
	return toVersioned(last), true
}

// GetAtVersion returns the version with the largest commit version <= v.
func (s *Store) GetAtVersion(k storekey.Key, v uint64) (value.Versioned[value.Value], bool) {
	s.mu.RLock()
	ch := s.findLocked(k)
	s.mu.RUnlock()
	if ch == nil {
		return value.Versioned[value.Value]{}, false
	}
	versions := ch.snapshot()
	e, ok := latestAtOrBefore(versions, func(e entry) bool { return e.version <= v })
	if !ok || e.tombstone {
		return value.Versioned[value.Value]{}, false
	}
	return toVersioned(e), true
}

// GetAtTimestamp returns the version with the largest timestamp <= ts
// (microseconds since epoch).
func (s *Store) GetAtTimestamp(k storekey.Key, tsMicros int64) (value.Versioned[value.Value], bool) {
	s.mu.RLock()
	ch := s.findLocked(k)
	s.mu.RUnlock()
	if ch == nil {
		return value.Versioned[value.Value]{}, false
	}
	versions := ch.snapshot()
	e, ok := latestAtOrBefore(versions, func(e entry) bool { return e.ts <= tsMicros })
	if !ok || e.tombstone {
		return value.Versioned[value.Value]{}, false
	}
	return toVersioned(e), true
}

// LatestVersion returns the commit version of the most recent entry at k,
// whether or not it is a tombstone, or (0, false) if k was never written.
// The commit pipeline uses this for OCC validation, where a tombstone still
// counts as a conflicting write.
func (s *Store) LatestVersion(k storekey.Key) (uint64, bool) {
	s.mu.RLock()
	ch := s.findLocked(k)
	s.mu.RUnlock()
	if ch == nil {
		return 0, false
	}
	versions := ch.snapshot()
	if len(versions) == 0 {
		return 0, false
	}
	return versions[len(versions)-1].version, true
}

// History returns the full retained version chain for k, oldest first,
// including tombstones (used by the KV/JSON/Vector `history` operations).
func (s *Store) History(k storekey.Key) []value.Versioned[value.Value] {
	s.mu.RLock()
	ch := s.findLocked(k)
	s.mu.RUnlock()
	if ch == nil {
		return nil
	}
	versions := ch.snapshot()
	out := make([]value.Versioned[value.Value], len(versions))
	for i, e := range versions {
		out[i] = toVersioned(e)
	}
	return out
}

func latestAtOrBefore(versions []entry, ok func(entry) bool) (entry, bool) {
	var best entry
	found := false
	for _, e := range versions {
		if ok(e) {
			best = e
			found = true
		} else {
			break // versions are append-ordered, so once ok() fails it fails for the rest
		}
	}
	return best, found
}

func toVersioned(e entry) value.Versioned[value.Value] {
	return value.WithTimestamp(e.val, value.TxnVersion(e.version), e.ts)
}

// ScanPrefix returns every live (non-tombstoned) key/value pair whose key
// byte encoding starts with prefix, in ascending key order.
func (s *Store) ScanPrefix(prefix []byte) []KV {
	return s.scanPrefixFiltered(prefix, func(versions []entry) (entry, bool) {
		if len(versions) == 0 {
			return entry{}, false
		}
		last := versions[len(versions)-1]
		if last.tombstone {
			return entry{}, false
		}
		return last, true
	})
}

// ScanPrefixAtTimestamp is the historical counterpart of ScanPrefix.
func (s *Store) ScanPrefixAtTimestamp(prefix []byte, tsMicros int64) []KV {
	return s.scanPrefixFiltered(prefix, func(versions []entry) (entry, bool) {
		return latestAtOrBefore(versions, func(e entry) bool { return e.ts <= tsMicros })
	})
}

// KV is a materialized scan result row.
type KV struct {
	Key   storekey.Key
	Value value.Versioned[value.Value]
}

func (s *Store) scanPrefixFiltered(prefix []byte, pick func([]entry) (entry, bool)) []KV {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []KV
	probe := &item{keyBytes: string(prefix)}
	s.tree.AscendGreaterOrEqual(probe, func(it *item) bool {
		if len(it.keyBytes) < len(prefix) || it.keyBytes[:len(prefix)] != string(prefix) {
			return false
		}
		versions := it.ch.snapshot()
		e, ok := pick(versions)
		if ok && !e.tombstone {
			out = append(out, KV{Key: it.key, Value: toVersioned(e)})
		}
		return true
	})
	return out
}

// Write is a single key/value pair to apply in a batch.
type Write struct {
	Key   storekey.Key
	Value value.Value
}

// ApplyBatch atomically makes every write and delete visible at
// commitVersion: either all entries become visible, or (on the only
// possible failure — an invalid value) none do. This is the sole mutation
// path into the store (spec.md §4.1); callers (the commit pipeline) are
// responsible for serializing concurrent calls through the commit mutex.
func (s *Store) ApplyBatch(writes []Write, deletes []storekey.Key, commitVersion uint64) error {
	for _, w := range writes {
		if err := w.Value.Validate(); err != nil {
			return err
		}
	}

	now := time.Now().UnixMicro()

	s.mu.Lock()
	chains := make([]*chain, 0, len(writes)+len(deletes))
	ops := make([]entry, 0, len(writes)+len(deletes))
	for _, w := range writes {
		ch := s.findOrCreateLocked(w.Key)
		chains = append(chains, ch)
		ops = append(ops, entry{version: commitVersion, ts: now, val: w.Value})
	}
	for _, k := range deletes {
		ch := s.findOrCreateLocked(k)
		chains = append(chains, ch)
		ops = append(ops, entry{version: commitVersion, ts: now, tombstone: true})
	}
	s.mu.Unlock()

	for i, ch := range chains {
		ch.append(ops[i])
	}

	for {
		cur := s.currentVersion.Load()
		if commitVersion <= cur {
			break
		}
		if s.currentVersion.CompareAndSwap(cur, commitVersion) {
			break
		}
	}
	return nil
}

// CurrentVersion returns the highest commit version applied so far.
func (s *Store) CurrentVersion() uint64 { return s.currentVersion.Load() }

// CreateSnapshot returns an immutable view pinned at the current committed
// version; it survives subsequent writes because every read it performs
// filters by "version <= pinned", and appends never touch or invalidate
// already-read slice elements.
func (s *Store) CreateSnapshot() *SnapshotView {
	return &SnapshotView{store: s, asOf: s.currentVersion.Load()}
}

// SnapshotView is an immutable view of the Unified Store at a specific
// commit version.
type SnapshotView struct {
	store *Store
	asOf  uint64
}

func (v *SnapshotView) Version() uint64 { return v.asOf }

func (v *SnapshotView) Get(k storekey.Key) (value.Versioned[value.Value], bool) {
	return v.store.GetAtVersion(k, v.asOf)
}

func (v *SnapshotView) ScanPrefix(prefix []byte) []KV {
	out := v.store.scanPrefixFiltered(prefix, func(versions []entry) (entry, bool) {
		return latestAtOrBefore(versions, func(e entry) bool { return e.version <= v.asOf })
	})
	return out
}
