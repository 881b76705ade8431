package value

// VersionKind distinguishes the three flavors of version number the spec
// requires to be distinguished at the type level (spec.md §3.2): a
// transaction commit version is not interchangeable with a per-entity
// mutation counter or a per-stream sequence number, even though all three
// are represented as uint64.
type VersionKind uint8

const (
	// VersionTxn is a monotonic commit version allocated by the Transaction
	// Coordinator. Used by KV and JSON.
	VersionTxn VersionKind = iota
	// VersionCounter is a per-entity mutation counter. Used by State cells
	// and branch metadata.
	VersionCounter
	// VersionSequence is a monotonic per-event-stream sequence number.
	VersionSequence
)

// Version pairs a raw uint64 with the flavor it was allocated from, so a
// counter version can never be silently compared against a commit version.
type Version struct {
	Kind VersionKind
	Num  uint64
}

func TxnVersion(n uint64) Version      { return Version{Kind: VersionTxn, Num: n} }
func CounterVersion(n uint64) Version  { return Version{Kind: VersionCounter, Num: n} }
func SequenceVersion(n uint64) Version { return Version{Kind: VersionSequence, Num: n} }

// Versioned wraps a value of type T with its version and the wall-clock
// timestamp (microseconds since the Unix epoch) at which it was written.
type Versioned[T any] struct {
	Value         T
	Version       Version
	TimestampMicros int64
}

// New builds a Versioned with the given value and version, no timestamp.
func New[T any](v T, ver Version) Versioned[T] {
	return Versioned[T]{Value: v, Version: ver}
}

// WithTimestamp builds a Versioned with an explicit timestamp.
func WithTimestamp[T any](v T, ver Version, tsMicros int64) Versioned[T] {
	return Versioned[T]{Value: v, Version: ver, TimestampMicros: tsMicros}
}
