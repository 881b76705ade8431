/*
Package recovery reconstructs the Unified Store, the transaction commit
version counter, and (via an optional hook) vector-subsystem derived state
from a write-ahead log on startup (spec.md §4.3).

Grounded on bobboyms/storage-engine's replay loop (BEGIN/ops/COMMIT grouping
by sequential position in a single append-only stream, since Write and
Delete records carry no txn_id), generalized here to also
track incomplete transactions and a vector replay extension point.
*/
package recovery

import (
	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/wal"
)

// VectorHandler lets the vector subsystem participate in replay without
// pkg/recovery importing pkg/vector. Collections are per-branch, so every
// record decodes its own branch id and a single handler routes across all
// branches (spec.md §4.9 treats Vector as one of the per-branch type tags).
// A nil handler means vector records are counted but otherwise ignored
// (acceptable only for tests that never write vector records).
type VectorHandler interface {
	ReplayCollectionCreate(payload []byte) error
	ReplayCollectionDelete(payload []byte) error
	ReplayUpsert(payload []byte) error
	ReplayDelete(payload []byte) error
}

// Stats summarizes one Replay run (spec.md §4.3 step 6).
type Stats struct {
	TxnsReplayed   int
	WritesApplied  int
	DeletesApplied int
	IncompleteTxns int
	FinalVersion   uint64
}

// Options configures Replay.
type Options struct {
	Vector VectorHandler
}

type txnAccum struct {
	txnID   uint64
	writes  []store.Write
	deletes []storekey.Key
	version uint64
}

// Replay scans every WAL segment in order and applies each committed
// transaction's writes and deletes to st at its recorded commit version.
// An incomplete transaction (BeginTxn with no matching CommitTxn, including
// one truncated by a torn tail) is discarded entirely and counted, never
// applied. Replay is deterministic and idempotent: running it twice against
// the same WAL and a fresh Store produces byte-identical store contents,
// because apply order follows WAL record order exactly.
func Replay(w *wal.WAL, st *store.Store, opts Options) (Stats, error) {
	var stats Stats
	var current *txnAccum

	flushIncomplete := func() {
		if current != nil {
			stats.IncompleteTxns++
			current = nil
		}
	}

	for _, segID := range w.SegmentIDs() {
		records, err := w.ReadSegment(segID)
		if err != nil {
			return stats, errors.Wrap(errors.KindIO, "recovery.replay", "reading wal segment", err)
		}

		for _, rec := range records {
			switch rec.Tag {
			case wal.TagBeginTxn:
				flushIncomplete()
				b, err := wal.DecodeBeginTxn(rec.Payload)
				if err != nil {
					return stats, errors.Wrap(errors.KindSerialization, "recovery.replay", "decoding BeginTxn", err)
				}
				current = &txnAccum{txnID: b.TxnID}

			case wal.TagWrite:
				if current == nil {
					continue // orphan write with no open txn; cannot happen under a correct writer, ignore defensively
				}
				wr, err := wal.DecodeWrite(rec.Payload)
				if err != nil {
					return stats, errors.Wrap(errors.KindSerialization, "recovery.replay", "decoding Write", err)
				}
				key, err := storekey.ParseKey(wr.KeyBytes)
				if err != nil {
					return stats, errors.Wrap(errors.KindSerialization, "recovery.replay", "parsing key bytes", err)
				}
				current.writes = append(current.writes, store.Write{Key: key, Value: wr.Value})
				if wr.Version > current.version {
					current.version = wr.Version
				}

			case wal.TagDelete:
				if current == nil {
					continue
				}
				d, err := wal.DecodeDelete(rec.Payload)
				if err != nil {
					return stats, errors.Wrap(errors.KindSerialization, "recovery.replay", "decoding Delete", err)
				}
				key, err := storekey.ParseKey(d.KeyBytes)
				if err != nil {
					return stats, errors.Wrap(errors.KindSerialization, "recovery.replay", "parsing key bytes", err)
				}
				current.deletes = append(current.deletes, key)
				if d.Version > current.version {
					current.version = d.Version
				}

			case wal.TagCommitTxn:
				c, err := wal.DecodeCommitTxn(rec.Payload)
				if err != nil {
					return stats, errors.Wrap(errors.KindSerialization, "recovery.replay", "decoding CommitTxn", err)
				}
				if current == nil || current.txnID != c.TxnID {
					// CommitTxn with no matching open BeginTxn: the begin was
					// truncated by a torn tail or lost. Nothing to apply.
					flushIncomplete()
					continue
				}
				if err := st.ApplyBatch(current.writes, current.deletes, current.version); err != nil {
					return stats, errors.Wrap(errors.KindInternal, "recovery.replay", "applying replayed batch", err)
				}
				stats.TxnsReplayed++
				stats.WritesApplied += len(current.writes)
				stats.DeletesApplied += len(current.deletes)
				if current.version > stats.FinalVersion {
					stats.FinalVersion = current.version
				}
				current = nil

			case wal.TagVectorCollectionCreate:
				if opts.Vector != nil {
					if err := opts.Vector.ReplayCollectionCreate(rec.Payload); err != nil {
						return stats, errors.Wrap(errors.KindInternal, "recovery.replay", "replaying vector collection create", err)
					}
				}
			case wal.TagVectorCollectionDelete:
				if opts.Vector != nil {
					if err := opts.Vector.ReplayCollectionDelete(rec.Payload); err != nil {
						return stats, errors.Wrap(errors.KindInternal, "recovery.replay", "replaying vector collection delete", err)
					}
				}
			case wal.TagVectorUpsert:
				if opts.Vector != nil {
					if err := opts.Vector.ReplayUpsert(rec.Payload); err != nil {
						return stats, errors.Wrap(errors.KindInternal, "recovery.replay", "replaying vector upsert", err)
					}
				}
			case wal.TagVectorDelete:
				if opts.Vector != nil {
					if err := opts.Vector.ReplayDelete(rec.Payload); err != nil {
						return stats, errors.Wrap(errors.KindInternal, "recovery.replay", "replaying vector delete", err)
					}
				}
			}
		}
	}

	flushIncomplete()
	return stats, nil
}
