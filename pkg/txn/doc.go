// Package txn implements the transaction engine: a Coordinator issuing
// transaction and commit-version identifiers, a per-transaction Context
// carrying its snapshot and local write/delete/CAS/read sets, and the
// commit pipeline that validates, durably logs, and applies a transaction
// as a single atomic step under one process-wide commit mutex.
//
// The kv, eventlog, statecell and jsondoc facades make their writes through
// a *Context rather than the store directly, so a single call to
// Coordinator.Commit makes all of a transaction's changes across those
// primitives visible together or not at all. Several of their plain reads
// go to the store directly, and vector mutations do not use a Context: they
// commit through Coordinator.CommitVectorOp.
package txn
