// Package types provides the core value and schema types shared across Quarry.
package types

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Kind identifies the physical type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt       // 64-bit signed integer
	KindFloat     // 64-bit float
	KindString    // UTF-8 string
	KindBytes     // raw bytes

	// KindMinKey is the distinguished "unbounded below" sentinel used as the
	// lower bound of an open key range. It compares below every other value
	// and never appears in stored data.
	KindMinKey
)

// String returns the SQL-ish name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindString:
		return "TEXT"
	case KindBytes:
		return "BLOB"
	case KindMinKey:
		return "MINKEY"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// KindFromName parses a kind name as stored in schema JSON.
func KindFromName(name string) (Kind, error) {
	switch strings.ToUpper(name) {
	case "INTEGER", "INT":
		return KindInt, nil
	case "REAL", "FLOAT", "DOUBLE":
		return KindFloat, nil
	case "TEXT", "STRING":
		return KindString, nil
	case "BLOB", "BYTES":
		return KindBytes, nil
	default:
		return KindNull, fmt.Errorf("types: unknown column type %q", name)
	}
}

// Value is a typed scalar. The zero value is NULL.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Str   string
	Bytes []byte
}

// IntValue constructs an integer value.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// FloatValue constructs a float value.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// StringValue constructs a string value.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// BytesValue constructs a bytes value.
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }

// NullValue constructs a NULL value.
func NullValue() Value { return Value{Kind: KindNull} }

// MinKey constructs the unbounded-below sentinel.
func MinKey() Value { return Value{Kind: KindMinKey} }

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsMinKey reports whether the value is the unbounded-below sentinel.
func (v Value) IsMinKey() bool { return v.Kind == KindMinKey }

// String renders the value for error messages and CLI output.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("x'%x'", v.Bytes)
	case KindMinKey:
		return "-inf"
	default:
		return "?"
	}
}

// Compare orders two values. NULL sorts before everything, MinKey before
// NULL. Integers and floats compare numerically against each other; all
// other cross-kind comparisons order by kind.
func Compare(a, b Value) int {
	if a.Kind == KindMinKey || b.Kind == KindMinKey {
		return boolCmp(a.Kind != KindMinKey, b.Kind != KindMinKey)
	}
	if a.IsNull() || b.IsNull() {
		return boolCmp(!a.IsNull(), !b.IsNull())
	}
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		af, bf := a.asFloat(), b.asFloat()
		if a.Kind == KindInt && b.Kind == KindInt {
			return int64Cmp(a.Int, b.Int)
		}
		return floatCmp(af, bf)
	}
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch a.Kind {
	case KindString:
		return strings.Compare(a.Str, b.Str)
	case KindBytes:
		return strings.Compare(string(a.Bytes), string(b.Bytes))
	}
	return 0
}

// Equal reports whether two values compare equal.
func Equal(a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	return Compare(a, b) == 0
}

// KeyBytes encodes the value for bloom filter membership hashing. The
// encoding only needs to be deterministic per value, not order-preserving.
func (v Value) KeyBytes() []byte {
	switch v.Kind {
	case KindInt:
		var buf [9]byte
		buf[0] = byte(KindInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.Int))
		return buf[:]
	case KindFloat:
		var buf [9]byte
		buf[0] = byte(KindFloat)
		binary.BigEndian.PutUint64(buf[1:], uint64(int64(v.Float*1e6)))
		return buf[:]
	case KindString:
		return append([]byte{byte(KindString)}, v.Str...)
	case KindBytes:
		return append([]byte{byte(KindBytes)}, v.Bytes...)
	default:
		return []byte{byte(v.Kind)}
	}
}

// MemSize approximates the retained heap size of the value in bytes.
func (v Value) MemSize() int64 {
	const header = 16
	switch v.Kind {
	case KindString:
		return header + int64(len(v.Str))
	case KindBytes:
		return header + int64(len(v.Bytes))
	default:
		return header
	}
}

func (v Value) asFloat() float64 {
	if v.Kind == KindInt {
		return float64(v.Int)
	}
	return v.Float
}

func isNumeric(k Kind) bool { return k == KindInt || k == KindFloat }

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func int64Cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func floatCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
