/*
Package kv implements the KV primitive facade (spec.md §4.7): a thin,
stateless wrapper translating key/value operations into storekey.Key lookups
and txn.Context calls. Reads that don't need transactional isolation go
straight to the snapshot-consistent store; anything that mutates goes
through the transaction coordinator so it shares write_set/commit semantics
with every other primitive.

Grounded on the teacher's facade-over-a-handle style (pkg/manager's thin
public methods delegating to private helpers), generalized from "one
manager struct per cluster concern" to "one facade struct per primitive,
all sharing the same underlying coordinator and store".
*/
package kv

import (
	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
)

// Facade is the KV primitive bound to one branch.
type Facade struct {
	store       *store.Store
	coordinator *txn.Coordinator
	branch      storekey.BranchID
	ns          storekey.Namespace
}

// New builds a KV facade over branch.
func New(st *store.Store, coordinator *txn.Coordinator, branch storekey.BranchID) *Facade {
	return &Facade{store: st, coordinator: coordinator, branch: branch, ns: storekey.NamespaceForBranch(branch)}
}

func (f *Facade) key(k string) storekey.Key { return storekey.NewKV(f.ns, k) }

// Put writes key=v in its own transaction.
func (f *Facade) Put(key string, v value.Value) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		return t.Put(f.key(key), v)
	})
}

// PutIn stages the write in an already-open transaction, for callers
// composing a multi-primitive transaction themselves.
func (f *Facade) PutIn(t *txn.Context, key string, v value.Value) error {
	return t.Put(f.key(key), v)
}

// Get returns the current value of key.
func (f *Facade) Get(key string) (value.Value, bool, error) {
	versioned, ok := f.store.Get(f.key(key))
	if !ok {
		return value.Value{}, false, nil
	}
	return versioned.Value, true, nil
}

// GetIn reads key through an open transaction (read-your-writes applies).
func (f *Facade) GetIn(t *txn.Context, key string) (value.Value, bool, error) {
	return t.Get(f.key(key))
}

// GetAt returns the value of key as of commit version v.
func (f *Facade) GetAt(key string, v uint64) (value.Value, bool, error) {
	versioned, ok := f.store.GetAtVersion(f.key(key), v)
	if !ok {
		return value.Value{}, false, nil
	}
	return versioned.Value, true, nil
}

// Exists reports whether key currently holds a live (non-tombstoned) value.
func (f *Facade) Exists(key string) bool {
	_, ok := f.store.Get(f.key(key))
	return ok
}

// Delete removes key in its own transaction.
func (f *Facade) Delete(key string) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		return t.Delete(f.key(key))
	})
}

// HistoryEntry is one version in a key's retained history.
type HistoryEntry struct {
	Version uint64
	Value   value.Value
}

// History returns every retained version of key, oldest first.
func (f *Facade) History(key string) []HistoryEntry {
	versions := f.store.History(f.key(key))
	out := make([]HistoryEntry, len(versions))
	for i, v := range versions {
		out[i] = HistoryEntry{Version: v.Version.Num, Value: v.Value}
	}
	return out
}

// CASByVersion writes newValue only if key's current version equals
// expectedVersion (0 meaning "must not exist").
func (f *Facade) CASByVersion(key string, expectedVersion uint64, newValue value.Value) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		return t.CAS(f.key(key), expectedVersion, newValue)
	})
}

// CASByValue writes newValue only if key's current value equals expected.
func (f *Facade) CASByValue(key string, expected value.Value, newValue value.Value) error {
	cur, ok := f.store.Get(f.key(key))
	if !ok {
		return errors.New(errors.KindNotFound, "kv.cas_by_value", "key does not exist")
	}
	if !value.Equal(cur.Value, expected) {
		return errors.New(errors.KindVersionConflict, "kv.cas_by_value", "current value does not match expected")
	}
	return f.CASByVersion(key, cur.Version.Num, newValue)
}

// Keys returns every live key under prefix, lexicographically ordered.
func (f *Facade) Keys(prefix string) []string {
	rows := f.store.ScanPrefix(storekey.New(f.ns, storekey.TagKV, []byte(prefix)).Bytes())
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r.Key.User)
	}
	return out
}

// ScanRow is one entry returned by Scan.
type ScanRow struct {
	Key   string
	Value value.Value
}

// Scan returns every live key/value pair under prefix.
func (f *Facade) Scan(prefix string) []ScanRow {
	rows := f.store.ScanPrefix(storekey.New(f.ns, storekey.TagKV, []byte(prefix)).Bytes())
	out := make([]ScanRow, len(rows))
	for i, r := range rows {
		out[i] = ScanRow{Key: string(r.Key.User), Value: r.Value.Value}
	}
	return out
}

// MGet reads several keys, each at its latest version, omitting missing
// keys. Each key is a separate read; the reads do not share one snapshot.
func (f *Facade) MGet(keys []string) []ScanRow {
	out := make([]ScanRow, 0, len(keys))
	for _, k := range keys {
		if v, ok, _ := f.Get(k); ok {
			out = append(out, ScanRow{Key: k, Value: v})
		}
	}
	return out
}

// MPut writes several keys atomically in one transaction.
func (f *Facade) MPut(rows map[string]value.Value) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		for k, v := range rows {
			if err := t.Put(f.key(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// MDelete removes several keys atomically in one transaction.
func (f *Facade) MDelete(keys []string) error {
	return txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		for _, k := range keys {
			if err := t.Delete(f.key(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Incr atomically adds delta to the integer stored at key (0 if absent) and
// returns the new value, retrying on conflict.
func (f *Facade) Incr(key string, delta int64) (int64, error) {
	var result int64
	err := txn.TransactionWithRetry(f.coordinator, f.branch, txn.DefaultRetryConfig(), func(t *txn.Context) error {
		k := f.key(key)
		cur := int64(0)
		if v, ok, err := t.Get(k); err != nil {
			return err
		} else if ok {
			n, isInt := v.AsInt()
			if !isInt {
				return errors.New(errors.KindInvalidInput, "kv.incr", "existing value is not an integer")
			}
			cur = n
		}
		result = cur + delta
		return t.Put(k, value.Int(result))
	})
	return result, err
}
