package wal

import "time"

// DurabilityMode selects how aggressively the WAL fsyncs (spec.md §4.2).
type DurabilityMode int

const (
	// DurabilityStrict fsyncs every append before Append returns. The
	// commit pipeline must use this mode for any transaction that reports
	// success to a caller.
	DurabilityStrict DurabilityMode = iota
	// DurabilityBatched fsyncs on a timer or once BatchSize unsynced
	// records accumulate, whichever comes first.
	DurabilityBatched
	// DurabilityAsync fsyncs purely on a timer; Append never blocks on disk.
	DurabilityAsync
)

// Durability configures a WAL's fsync policy.
type Durability struct {
	Mode     DurabilityMode
	Interval time.Duration // Batched, Async
	BatchSize int          // Batched only; 0 means "timer only"
}

// Strict returns the always-fsync durability policy.
func Strict() Durability { return Durability{Mode: DurabilityStrict} }

// Batched returns a policy that fsyncs every interval or every batchSize
// unsynced records, whichever happens first.
func Batched(interval time.Duration, batchSize int) Durability {
	return Durability{Mode: DurabilityBatched, Interval: interval, BatchSize: batchSize}
}

// Async returns a policy that fsyncs purely on a timer.
func Async(interval time.Duration) Durability {
	return Durability{Mode: DurabilityAsync, Interval: interval}
}
