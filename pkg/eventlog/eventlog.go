/*
Package eventlog implements the Event primitive (spec.md §4.7, §6.3): an
append-only, SHA-256 hash-chained log per branch, with a per-event-type
secondary index. Every append is a CAS on the branch's `__meta__` key so
concurrent appenders serialize through OCC conflicts on that single key
rather than a dedicated lock — retried with the high-attempt-count policy
spec.md calls for, since contention there is expected, not exceptional.

Grounded on the hash-chaining approach in Ap3pp3rs94/Chartly2.0's
hash_chain.go (canonical JSON before hashing, chained via prev_hash), ported
from that repo's single global chain to one chain per branch, and on the
teacher's CAS-retry-loop style for FSM command application.
*/
package eventlog

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/stratadb/strata-core/pkg/errors"
	"github.com/stratadb/strata-core/pkg/storekey"
	"github.com/stratadb/strata-core/pkg/store"
	"github.com/stratadb/strata-core/pkg/txn"
	"github.com/stratadb/strata-core/pkg/value"
)

// MaxEventTypeLen is the longest allowed event_type string (spec.md §4.7).
const MaxEventTypeLen = 256

// appendRetryConfig matches spec.md §4.7: "default retry policy uses >=50
// retries with 1ms base / 50ms max" because every appender on a branch
// contends on the same meta key.
func appendRetryConfig() txn.RetryConfig {
	return txn.RetryConfig{MaxAttempts: 64, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

// Event is one materialized log entry.
type Event struct {
	Sequence  uint64
	Type      string
	Payload   value.Value
	Timestamp int64
	PrevHash  [32]byte
	Hash      [32]byte
}

// Facade is the Event primitive bound to one branch.
type Facade struct {
	store       *store.Store
	coordinator *txn.Coordinator
	branch      storekey.BranchID
	ns          storekey.Namespace
}

func New(st *store.Store, coordinator *txn.Coordinator, branch storekey.BranchID) *Facade {
	return &Facade{store: st, coordinator: coordinator, branch: branch, ns: storekey.NamespaceForBranch(branch)}
}

type meta struct {
	nextSequence uint64
	headHash     [32]byte
	streamCounts map[string]uint64
}

func (f *Facade) metaKey() storekey.Key { return storekey.NewEventMeta(f.ns) }

func decodeMeta(v value.Value, found bool) meta {
	if !found {
		return meta{streamCounts: map[string]uint64{}}
	}
	obj, _ := v.AsObject()
	m := meta{streamCounts: map[string]uint64{}}
	if n, ok := obj["next_sequence"].AsInt(); ok {
		m.nextSequence = uint64(n)
	}
	if h, ok := obj["head_hash"].AsBytes(); ok && len(h) == 32 {
		copy(m.headHash[:], h)
	}
	if streams, ok := obj["streams"].AsObject(); ok {
		for k, v := range streams {
			if n, ok := v.AsInt(); ok {
				m.streamCounts[k] = uint64(n)
			}
		}
	}
	return m
}

func (f *Facade) readMeta(t *txn.Context) (meta, error) {
	v, ok, err := t.Get(f.metaKey())
	if err != nil {
		return meta{}, err
	}
	return decodeMeta(v, ok), nil
}

// readMetaDirect reads meta straight from the store for read-only queries
// that have no need for a transaction (Len, StreamInfo, Streams): opening
// and never committing a Context here would leak the coordinator's active
// transaction count.
func (f *Facade) readMetaDirect() meta {
	versioned, ok := f.store.Get(f.metaKey())
	if !ok {
		return decodeMeta(value.Value{}, false)
	}
	return decodeMeta(versioned.Value, true)
}

func (m meta) encode() value.Value {
	streams := make(map[string]value.Value, len(m.streamCounts))
	for k, v := range m.streamCounts {
		streams[k] = value.Int(int64(v))
	}
	return value.Object(map[string]value.Value{
		"next_sequence": value.Int(int64(m.nextSequence)),
		"head_hash":     value.Bytes(m.headHash[:]),
		"streams":       value.Object(streams),
	})
}

// eventHash implements spec.md §6.3's normative hash input exactly.
func eventHash(seq uint64, eventType string, tsMicros int64, payloadJSON []byte, prevHash [32]byte) [32]byte {
	h := sha256.New()
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], seq)
	h.Write(u64[:])
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(eventType)))
	h.Write(u32[:])
	h.Write([]byte(eventType))
	binary.LittleEndian.PutUint64(u64[:], uint64(tsMicros))
	h.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], uint32(len(payloadJSON)))
	h.Write(u32[:])
	h.Write(payloadJSON)
	h.Write(prevHash[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append adds one event to the branch's log, returning its assigned
// sequence number. payload must be a JSON object.
func (f *Facade) Append(eventType string, payload value.Value) (uint64, error) {
	if eventType == "" || len(eventType) > MaxEventTypeLen {
		return 0, errors.New(errors.KindInvalidInput, "eventlog.append", "event_type must be non-empty and <=256 chars")
	}
	if !payload.IsObject() {
		return 0, errors.New(errors.KindInvalidInput, "eventlog.append", "payload must be an object")
	}

	var seq uint64
	err := txn.TransactionWithRetry(f.coordinator, f.branch, appendRetryConfig(), func(t *txn.Context) error {
		m, err := f.readMeta(t)
		if err != nil {
			return err
		}
		seq = m.nextSequence
		ts := time.Now().UnixMicro()
		payloadJSON, err := value.CanonicalJSON(payload)
		if err != nil {
			return errors.Wrap(errors.KindSerialization, "eventlog.append", "encoding payload", err)
		}
		hash := eventHash(seq, eventType, ts, payloadJSON, m.headHash)

		ev := value.Object(map[string]value.Value{
			"seq":       value.Int(int64(seq)),
			"type":      value.String(eventType),
			"payload":   payload,
			"timestamp": value.Int(ts),
			"prev_hash": value.Bytes(m.headHash[:]),
			"hash":      value.Bytes(hash[:]),
		})
		if err := t.Put(storekey.NewEvent(f.ns, seq), ev); err != nil {
			return err
		}
		if err := t.Put(storekey.NewEventTypeIndex(f.ns, eventType, seq), value.Int(int64(seq))); err != nil {
			return err
		}

		m.nextSequence = seq + 1
		m.headHash = hash
		m.streamCounts[eventType]++
		return t.Put(f.metaKey(), m.encode())
	})
	return seq, err
}

// AppendBatch appends several events as one chain, returning their assigned
// sequence numbers. The whole batch commits or none of it does.
func (f *Facade) AppendBatch(eventType string, payloads []value.Value) ([]uint64, error) {
	seqs := make([]uint64, len(payloads))
	err := txn.TransactionWithRetry(f.coordinator, f.branch, appendRetryConfig(), func(t *txn.Context) error {
		m, err := f.readMeta(t)
		if err != nil {
			return err
		}
		for i, payload := range payloads {
			if !payload.IsObject() {
				return errors.New(errors.KindInvalidInput, "eventlog.append_batch", "payload must be an object")
			}
			seq := m.nextSequence
			ts := time.Now().UnixMicro()
			payloadJSON, err := value.CanonicalJSON(payload)
			if err != nil {
				return errors.Wrap(errors.KindSerialization, "eventlog.append_batch", "encoding payload", err)
			}
			hash := eventHash(seq, eventType, ts, payloadJSON, m.headHash)
			ev := value.Object(map[string]value.Value{
				"seq":       value.Int(int64(seq)),
				"type":      value.String(eventType),
				"payload":   payload,
				"timestamp": value.Int(ts),
				"prev_hash": value.Bytes(m.headHash[:]),
				"hash":      value.Bytes(hash[:]),
			})
			if err := t.Put(storekey.NewEvent(f.ns, seq), ev); err != nil {
				return err
			}
			if err := t.Put(storekey.NewEventTypeIndex(f.ns, eventType, seq), value.Int(int64(seq))); err != nil {
				return err
			}
			m.nextSequence = seq + 1
			m.headHash = hash
			m.streamCounts[eventType]++
			seqs[i] = seq
		}
		return t.Put(f.metaKey(), m.encode())
	})
	return seqs, err
}

func decodeEvent(v value.Value) Event {
	obj, _ := v.AsObject()
	seq, _ := obj["seq"].AsInt()
	typ, _ := obj["type"].AsString()
	ts, _ := obj["timestamp"].AsInt()
	prev, _ := obj["prev_hash"].AsBytes()
	hash, _ := obj["hash"].AsBytes()
	ev := Event{Sequence: uint64(seq), Type: typ, Payload: obj["payload"], Timestamp: ts}
	copy(ev.PrevHash[:], prev)
	copy(ev.Hash[:], hash)
	return ev
}

// Read returns the event at sequence seq.
func (f *Facade) Read(seq uint64) (Event, bool) {
	v, ok := f.store.Get(storekey.NewEvent(f.ns, seq))
	if !ok {
		return Event{}, false
	}
	return decodeEvent(v.Value), true
}

// Len returns the number of events appended to the branch's log.
func (f *Facade) Len() uint64 {
	return f.readMetaDirect().nextSequence
}

// LatestSequence returns the sequence of the most recently appended event,
// and false if the log is empty.
func (f *Facade) LatestSequence() (uint64, bool) {
	n := f.Len()
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

// Range returns events with sequence in [start, end), ascending.
func (f *Facade) Range(start, end uint64) []Event {
	var out []Event
	for seq := start; seq < end; seq++ {
		if ev, ok := f.Read(seq); ok {
			out = append(out, ev)
		}
	}
	return out
}

// RevRange returns events with sequence in [start, end), descending.
func (f *Facade) RevRange(start, end uint64) []Event {
	rows := f.Range(start, end)
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

// Head returns the most recently appended event, if any.
func (f *Facade) Head() (Event, bool) {
	seq, ok := f.LatestSequence()
	if !ok {
		return Event{}, false
	}
	return f.Read(seq)
}

// StreamInfo reports how many events of a given type have been appended.
func (f *Facade) StreamInfo(eventType string) uint64 {
	return f.readMetaDirect().streamCounts[eventType]
}

// Streams lists every event type that has at least one event.
func (f *Facade) Streams() []string {
	m := f.readMetaDirect()
	out := make([]string, 0, len(m.streamCounts))
	for k := range m.streamCounts {
		out = append(out, k)
	}
	return out
}

// ReadByType returns every event of eventType, in ascending sequence order.
func (f *Facade) ReadByType(eventType string) []Event {
	rows := f.store.ScanPrefix(storekey.EventTypeIndexPrefix(f.ns, eventType))
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		seq, _ := r.Value.Value.AsInt()
		if ev, ok := f.Read(uint64(seq)); ok {
			out = append(out, ev)
		}
	}
	return out
}

// ChainVerification is the result of VerifyChain.
type ChainVerification struct {
	IsValid    bool
	BrokenAt   uint64
	FailureMsg string
}

// VerifyChain re-derives every event's hash from its stored fields and
// confirms prev_hash links form an unbroken chain from the genesis
// (all-zero) hash, per spec.md §6.3.
func (f *Facade) VerifyChain() ChainVerification {
	n := f.Len()
	var prev [32]byte
	for seq := uint64(0); seq < n; seq++ {
		ev, ok := f.Read(seq)
		if !ok {
			return ChainVerification{IsValid: false, BrokenAt: seq, FailureMsg: "missing event"}
		}
		if ev.PrevHash != prev {
			return ChainVerification{IsValid: false, BrokenAt: seq, FailureMsg: "prev_hash does not match predecessor"}
		}
		payloadJSON, err := value.CanonicalJSON(ev.Payload)
		if err != nil {
			return ChainVerification{IsValid: false, BrokenAt: seq, FailureMsg: "payload not canonicalizable"}
		}
		want := eventHash(ev.Sequence, ev.Type, ev.Timestamp, payloadJSON, ev.PrevHash)
		if want != ev.Hash {
			return ChainVerification{IsValid: false, BrokenAt: seq, FailureMsg: "hash mismatch"}
		}
		prev = ev.Hash
	}
	return ChainVerification{IsValid: true}
}
