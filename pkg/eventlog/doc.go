// Package eventlog implements the append-only, hash-chained Event
// primitive: every event links to its predecessor via SHA-256, and a
// per-event-type index lets callers replay a single stream without
// scanning the whole log.
package eventlog
