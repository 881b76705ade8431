// Package store provides the Unified Store: an ordered, versioned
// Key->Value map shared by every primitive, with point reads, prefix scans,
// time-travel reads, and cheap COW snapshots. See store.go for the design
// rationale (grounded on pkg/storage/doc.go's MVCC framing from the teacher
// repo, reapplied to an in-memory per-key version chain instead of bbolt
// pages).
package store
