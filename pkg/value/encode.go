package value

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Encode writes v to w in the binary wire format referenced by spec.md §6.2:
// a tag byte followed by a variable-length, length-prefixed payload whose
// shape matches the in-memory Value kind. Used by the WAL to persist
// Write/CAS-promoted-Write record values and by the vector subsystem to
// persist metadata objects.
func Encode(w io.Writer, v Value) error {
	if err := writeByte(w, byte(v.kind)); err != nil {
		return err
	}
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		var b byte
		if v.b {
			b = 1
		}
		return writeByte(w, b)
	case KindInt:
		return writeU64(w, uint64(v.i))
	case KindFloat:
		return writeU64(w, math.Float64bits(v.f))
	case KindString:
		return writeLenPrefixed(w, []byte(v.s))
	case KindBytes:
		return writeLenPrefixed(w, v.by)
	case KindArray:
		if err := writeU32(w, uint32(len(v.arr))); err != nil {
			return err
		}
		for _, e := range v.arr {
			if err := Encode(w, e); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := writeU32(w, uint32(len(keys))); err != nil {
			return err
		}
		for _, k := range keys {
			if err := writeLenPrefixed(w, []byte(k)); err != nil {
				return err
			}
			if err := Encode(w, v.obj[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value: encode: unknown kind %d", v.kind)
	}
}

// Decode reads a Value previously written by Encode.
func Decode(r io.Reader) (Value, error) {
	kb, err := readByte(r)
	if err != nil {
		return Value{}, err
	}
	kind := Kind(kb)
	switch kind {
	case KindNull:
		return Null, nil
	case KindBool:
		b, err := readByte(r)
		if err != nil {
			return Value{}, err
		}
		return Bool(b != 0), nil
	case KindInt:
		u, err := readU64(r)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(u)), nil
	case KindFloat:
		u, err := readU64(r)
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(u)), nil
	case KindString:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return String(string(b)), nil
	case KindBytes:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case KindArray:
		n, err := readU32(r)
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, n)
		for i := range arr {
			e, err := Decode(r)
			if err != nil {
				return Value{}, err
			}
			arr[i] = e
		}
		return Array(arr), nil
	case KindObject:
		n, err := readU32(r)
		if err != nil {
			return Value{}, err
		}
		obj := make(map[string]Value, n)
		for i := uint32(0); i < n; i++ {
			kb, err := readLenPrefixed(r)
			if err != nil {
				return Value{}, err
			}
			e, err := Decode(r)
			if err != nil {
				return Value{}, err
			}
			obj[string(kb)] = e
		}
		return Object(obj), nil
	default:
		return Value{}, fmt.Errorf("value: decode: unknown tag %d", kb)
	}
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeU32(w io.Writer, u uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], u)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64(w io.Writer, u uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	_, err := w.Write(b[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
