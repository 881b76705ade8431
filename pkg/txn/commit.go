package txn

import (
	"time"

	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/wal"
)

// appendWAL builds and appends the WAL batch for one committing transaction,
// in the order spec.md §4.6 step 5 requires: BeginTxn, every write (plain
// writes and promoted CAS writes alike), every delete, then CommitTxn. A
// reader replaying the log only ever needs to see a complete bracket to
// apply a transaction, so record order inside the bracket doesn't matter
// beyond writes/deletes preceding the terminating CommitTxn.
func (c *Coordinator) appendWAL(txn *Context, writes []store.Write, deletes []storekey.Key, commitVersion uint64) error {
	records := make([]wal.Record, 0, len(writes)+len(deletes)+2)

	records = append(records, wal.Record{
		Tag:     wal.TagBeginTxn,
		Payload: wal.BeginTxnPayload(txn.txnID, txn.branch, time.Now().UnixMicro()),
	})

	for _, w := range writes {
		payload, err := wal.WritePayload(txn.branch, w.Key, w.Value, commitVersion)
		if err != nil {
			return err
		}
		records = append(records, wal.Record{Tag: wal.TagWrite, Payload: payload})
	}
	for _, k := range deletes {
		records = append(records, wal.Record{
			Tag:     wal.TagDelete,
			Payload: wal.DeletePayload(txn.branch, k, commitVersion),
		})
	}

	records = append(records, wal.Record{
		Tag:     wal.TagCommitTxn,
		Payload: wal.CommitTxnPayload(txn.txnID, txn.branch),
	})

	return c.wal.AppendBatch(records)
}
