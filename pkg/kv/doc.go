// Package kv implements the KV primitive: straightforward key/value storage
// scoped to a branch, with point-in-time and version-addressed reads,
// prefix scans, and optimistic compare-and-swap.
package kv
