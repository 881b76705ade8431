/*
Package value defines the tagged sum type stored at every key in the Unified
Store (Null, Bool, Int, Float, String, Bytes, Array, Object) and the
Versioned[T] wrapper that attaches a version and a microsecond timestamp to a
stored value.

The teacher (cuemby/warren) serializes every domain struct straight to JSON
via encoding/json and stores the bytes as-is (pkg/storage/boltdb.go). That
works for a fixed cluster schema; it does not work here, because the wire
format in spec.md §6.2 needs a stable, introspectable, per-field-typed
encoding that the WAL, the JSON document primitive, and event hashing all
share. So Value is a closed Go sum type (one struct, a Kind tag, one field
slot per kind) instead of `interface{}` + JSON — closer to how
bobboyms/storage-engine's `types.Comparable` keeps storage values as a
closed, inspectable set rather than bare `interface{}`.
*/
package value

import (
	"fmt"
	"math"
	"sort"
)

// Kind tags which field of a Value is populated.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is the tagged sum type stored at every key.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	by   []byte
	arr  []Value
	obj  map[string]Value
}

// Null is the singleton Null value.
var Null = Value{kind: KindNull}

func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Int(i int64) Value           { return Value{kind: KindInt, i: i} }
func Float(f float64) Value       { return Value{kind: KindFloat, f: f} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value        { return Value{kind: KindBytes, by: append([]byte(nil), b...)} }
func Array(vs []Value) Value      { return Value{kind: KindArray, arr: vs} }
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)    { return v.by, v.kind == KindBytes }
func (v Value) AsArray() ([]Value, bool)   { return v.arr, v.kind == KindArray }
func (v Value) AsObject() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}

// AsI64 coerces Int/Float to int64; a Float is truncated toward zero.
func (v Value) AsI64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		return int64(v.f), true
	default:
		return 0, false
	}
}

// Validate rejects NaN/Infinity anywhere in the value tree, per spec.md §3.2.
func (v Value) Validate() error {
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return fmt.Errorf("value: non-finite float")
		}
	case KindArray:
		for _, e := range v.arr {
			if err := e.Validate(); err != nil {
				return err
			}
		}
	case KindObject:
		for _, e := range v.obj {
			if err := e.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsObject reports whether v is a KindObject value — event payloads must be.
func (v Value) IsObject() bool { return v.kind == KindObject }

// Equal performs deep structural equality, used by KV cas_by_value.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		return string(a.by) == string(b.by)
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// SortedKeys returns an object's keys in sorted order, for callers that
// need a deterministic traversal of an Object (nil for a non-Object).
func (v Value) SortedKeys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.obj))
	for k := range v.obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
