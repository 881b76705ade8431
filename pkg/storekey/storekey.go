/*
Package storekey implements the structured (namespace, type_tag, user_bytes)
key spec.md §3.1 requires: every stored item's key is built from typed parts,
never from concatenating user input into an ambiguous string, so two
different primitives can never collide on the same on-disk key (invariant
"Key→type exclusivity", spec.md §3.4 #7).

Grounded on the design-note in spec.md §9 ("construct keys from typed parts")
and, stylistically, on how the teacher keeps its bbolt bucket names as a
closed `[]byte` var block (pkg/storage/boltdb.go) rather than ad-hoc string
concatenation — generalized here from "one bucket per primitive" to "one
type tag byte per primitive, sorted into a single ordered keyspace" because
the Unified Store is one flat ordered map, not a set of independent buckets.
*/
package storekey

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// TypeTag discriminates which primitive owns a key.
type TypeTag uint8

const (
	TagKV TypeTag = iota + 1
	TagEvent
	TagEventMeta
	TagEventTypeIndex
	TagState
	TagJSON
	TagVector
	TagVectorConfig
	TagBranch
	TagBranchIndex
	TagTrace
	TagTraceIndex
)

func (t TypeTag) String() string {
	switch t {
	case TagKV:
		return "kv"
	case TagEvent:
		return "event"
	case TagEventMeta:
		return "event_meta"
	case TagEventTypeIndex:
		return "event_type_index"
	case TagState:
		return "state"
	case TagJSON:
		return "json"
	case TagVector:
		return "vector"
	case TagVectorConfig:
		return "vector_config"
	case TagBranch:
		return "branch"
	case TagBranchIndex:
		return "branch_index"
	case TagTrace:
		return "trace"
	case TagTraceIndex:
		return "trace_index"
	default:
		return "unknown"
	}
}

// BranchID is the 128-bit branch/run identifier. The all-zero BranchID is
// the dedicated global namespace for cross-branch metadata (spec.md §3.1).
type BranchID [16]byte

// GlobalBranch is the all-zero namespace holding cross-branch metadata such
// as the branch index itself.
var GlobalBranch = BranchID{}

// NewBranchID allocates a fresh random branch id.
func NewBranchID() BranchID {
	return BranchID(uuid.New())
}

func (b BranchID) String() string {
	return uuid.UUID(b).String()
}

func (b BranchID) IsGlobal() bool { return b == GlobalBranch }

// ParseBranchID parses a canonical UUID string into a BranchID.
func ParseBranchID(s string) (BranchID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BranchID{}, err
	}
	return BranchID(u), nil
}

// Namespace identifies a branch-scoped container: a branch id plus an
// optional logical space name (spec.md §3.1). Most primitives use the empty
// space; it exists so a branch can host more than one logical sub-space of
// the same type tag if a future primitive needs it.
type Namespace struct {
	Branch BranchID
	Space  string
}

func NamespaceForBranch(b BranchID) Namespace { return Namespace{Branch: b} }

func GlobalNamespace() Namespace { return Namespace{Branch: GlobalBranch} }

// Bytes renders the namespace as a sortable prefix: 16 raw branch-id bytes
// followed by the length-prefixed space name.
func (n Namespace) Bytes() []byte {
	buf := make([]byte, 0, 16+4+len(n.Space))
	buf = append(buf, n.Branch[:]...)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(n.Space)))
	buf = append(buf, lb[:]...)
	buf = append(buf, n.Space...)
	return buf
}

// Key is the full structured key: namespace, type tag, user-chosen bytes.
// Keys sort first by namespace, then by type tag, then by user bytes, which
// is exactly what makes `scan_prefix` able to target a single primitive
// within a single branch (spec.md §3.1).
type Key struct {
	NS   Namespace
	Tag  TypeTag
	User []byte
}

func New(ns Namespace, tag TypeTag, user []byte) Key {
	return Key{NS: ns, Tag: tag, User: append([]byte(nil), user...)}
}

// NewKV builds a Key for a KV entry addressed by a string user key.
func NewKV(ns Namespace, userKey string) Key { return New(ns, TagKV, []byte(userKey)) }

// NewState builds a Key for a state cell addressed by its name.
func NewState(ns Namespace, name string) Key { return New(ns, TagState, []byte(name)) }

// NewJSON builds a Key for a JSON document addressed by its document id.
func NewJSON(ns Namespace, docID string) Key { return New(ns, TagJSON, []byte(docID)) }

// EventMetaSuffix is the reserved sentinel suffix for the per-branch event
// stream metadata entry (spec.md §3.1).
const EventMetaSuffix = "__meta__"

// NewEventMeta builds the Key for a branch's event-stream metadata record.
func NewEventMeta(ns Namespace) Key { return New(ns, TagEventMeta, []byte(EventMetaSuffix)) }

// NewEvent builds the Key for an event at the given sequence number. User
// bytes are a big-endian 8-byte sequence so lexicographic key order equals
// numeric sequence order (spec.md §3.1).
func NewEvent(ns Namespace, sequence uint64) Key {
	return New(ns, TagEvent, be64(sequence))
}

// NewEventTypeIndex builds the Key for a per-event-type secondary index
// entry: event type name, then the event's big-endian sequence.
func NewEventTypeIndex(ns Namespace, eventType string, sequence uint64) Key {
	user := make([]byte, 0, len(eventType)+1+8)
	user = append(user, []byte(eventType)...)
	user = append(user, 0x00) // separator; event types cannot contain NUL
	user = append(user, be64(sequence)...)
	return New(ns, TagEventTypeIndex, user)
}

// EventTypeIndexPrefix builds the scan prefix covering all sequence entries
// for one event type within a branch.
func EventTypeIndexPrefix(ns Namespace, eventType string) []byte {
	user := make([]byte, 0, len(eventType)+1)
	user = append(user, []byte(eventType)...)
	user = append(user, 0x00)
	return New(ns, TagEventTypeIndex, user).Bytes()
}

// NewVector builds the Key for a vector entry: collection name then the
// user-chosen vector key.
func NewVector(ns Namespace, collection, vectorKey string) Key {
	user := make([]byte, 0, len(collection)+1+len(vectorKey))
	user = append(user, []byte(collection)...)
	user = append(user, 0x00)
	user = append(user, []byte(vectorKey)...)
	return New(ns, TagVector, user)
}

// VectorCollectionPrefix builds the scan prefix covering every vector in a
// collection.
func VectorCollectionPrefix(ns Namespace, collection string) []byte {
	user := make([]byte, 0, len(collection)+1)
	user = append(user, []byte(collection)...)
	user = append(user, 0x00)
	return New(ns, TagVector, user).Bytes()
}

// NewVectorConfig builds the Key for a vector collection's immutable config.
func NewVectorConfig(ns Namespace, collection string) Key {
	return New(ns, TagVectorConfig, []byte(collection))
}

// NewBranch builds the Key for a branch's own metadata record, stored in
// the global namespace.
func NewBranch(id BranchID) Key {
	return New(GlobalNamespace(), TagBranch, id[:])
}

// NewBranchIndexEntry builds a secondary-index Key for branch metadata,
// e.g. (global, BranchIndex, "status", status, branch_id). pkg/branch uses
// the index names "status", "tag" and "parent"; no "by-" prefix is added.
func NewBranchIndexEntry(index, value string, id BranchID) Key {
	user := make([]byte, 0, len(index)+1+len(value)+1+16)
	user = append(user, []byte(index)...)
	user = append(user, 0x00)
	user = append(user, []byte(value)...)
	user = append(user, 0x00)
	user = append(user, id[:]...)
	return New(GlobalNamespace(), TagBranchIndex, user)
}

// BranchIndexPrefix builds the scan prefix covering every branch id
// entered under one secondary index value (e.g. every branch with a given
// status).
func BranchIndexPrefix(index, value string) []byte {
	user := make([]byte, 0, len(index)+1+len(value)+1)
	user = append(user, []byte(index)...)
	user = append(user, 0x00)
	user = append(user, []byte(value)...)
	user = append(user, 0x00)
	return New(GlobalNamespace(), TagBranchIndex, user).Bytes()
}

// BranchPrefix builds the scan prefix covering every key tagged `tag`
// within a branch's namespace — the primitive cascading delete scans.
func BranchPrefix(b BranchID, tag TypeTag) []byte {
	k := Key{NS: NamespaceForBranch(b), Tag: tag}
	return k.Bytes()
}

// Bytes renders the full sortable key: namespace bytes, tag byte, user
// bytes. Sorting on this representation reproduces the required ordering
// (namespace, then tag, then user bytes) because the namespace encoding is
// itself a fixed-length prefix followed by a length-prefixed string, and the
// tag is a single byte.
func (k Key) Bytes() []byte {
	ns := k.NS.Bytes()
	buf := make([]byte, 0, len(ns)+1+len(k.User))
	buf = append(buf, ns...)
	buf = append(buf, byte(k.Tag))
	buf = append(buf, k.User...)
	return buf
}

// String renders the key's byte encoding for use as a Go map key: a fixed
// struct isn't comparable because User is a slice, so the Unified Store
// indexes by this string form internally.
func (k Key) String() string { return string(k.Bytes()) }

// ParseKey reverses Bytes. The WAL only ever stores a key's byte encoding
// (spec.md §6.2 Write/Delete payloads), so recovery must be able to
// reconstruct a structured Key before replaying into the Unified Store.
func ParseKey(b []byte) (Key, error) {
	if len(b) < 16+4 {
		return Key{}, fmt.Errorf("storekey: truncated namespace in key bytes")
	}
	var branch BranchID
	copy(branch[:], b[0:16])
	rest := b[16:]
	spaceLen := binary.BigEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint32(len(rest)) < spaceLen+1 {
		return Key{}, fmt.Errorf("storekey: truncated namespace space or tag in key bytes")
	}
	space := string(rest[:spaceLen])
	rest = rest[spaceLen:]
	tag := TypeTag(rest[0])
	user := append([]byte(nil), rest[1:]...)
	return Key{NS: Namespace{Branch: branch, Space: space}, Tag: tag, User: user}, nil
}

func be64(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Compare orders two keys by their byte encoding.
func Compare(a, b Key) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}

// HasPrefix reports whether key k's byte encoding starts with prefix.
func HasPrefix(k Key, prefix []byte) bool {
	return bytes.HasPrefix(k.Bytes(), prefix)
}
