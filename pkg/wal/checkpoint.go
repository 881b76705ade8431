package wal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// checkpointBucket is the single bucket the side-table uses, keyed by
// segment id (big-endian uint32) with a per-segment watermark (big-endian
// uint64) as the value. Adapted from pkg/storage's one-bucket-
// per-entity-kind BoltStore: here there is exactly one entity kind
// (a segment's watermark), so one bucket suffices.
var checkpointBucket = []byte("wal_checkpoints")

// Checkpoint is a small bbolt-backed side-table recording one uint64
// watermark per segment. The table does not interpret the value; the
// `compact` CLI subcommand stores each segment's record count. Recovery does
// not read this table: it always re-validates every segment.
type Checkpoint struct {
	db *bolt.DB
}

// OpenCheckpoint opens (creating if absent) the checkpoint side-table in
// dir/checkpoint.db.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	path := filepath.Join(dir, "checkpoint.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Checkpoint{db: db}, nil
}

// Close releases the underlying bbolt handle.
func (c *Checkpoint) Close() error { return c.db.Close() }

// Set records offset as segmentID's watermark, replacing any earlier value.
func (c *Checkpoint) Set(segmentID int, offset uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		key := segmentKeyBytes(segmentID)
		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, offset)
		return b.Put(key, val)
	})
}

// Get returns the last recorded watermark for segmentID, or (0, false) if
// none was ever recorded.
func (c *Checkpoint) Get(segmentID int) (uint64, bool, error) {
	var offset uint64
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		v := b.Get(segmentKeyBytes(segmentID))
		if v == nil {
			return nil
		}
		found = true
		offset = binary.BigEndian.Uint64(v)
		return nil
	})
	return offset, found, err
}

// Delete removes any recorded offset for segmentID, used once a segment is
// fully superseded and its checkpoint entry no longer matters.
func (c *Checkpoint) Delete(segmentID int) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Delete(segmentKeyBytes(segmentID))
	})
}

func segmentKeyBytes(segmentID int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(segmentID))
	return b
}
