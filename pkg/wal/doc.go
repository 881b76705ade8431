// Package wal is the write-ahead log: rotating, CRC-checked segment files
// plus a small bbolt-backed checkpoint side-table, grounded on
// bobboyms/storage-engine's append-log pattern and pkg/storage's BoltStore
// conventions respectively. See wal.go, segment.go, record.go and
// checkpoint.go for each piece.
package wal
