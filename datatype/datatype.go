// Package datatype defines how keys and values are ordered, sized and serialized
// inside a store.
//
// A DataType is identified on disk by its Name. The built-in types use the
// single-letter names "i" (int32), "l" (int64), "s" (string), "b" ([]byte) and
// "d" (float64); spatial keys use "r" followed by the number of dimensions,
// for example "r2". Names are resolved back to types through a Registry when a
// map is reopened without its Go types at hand.
package datatype

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"strings"
)

// DataType orders, measures and serializes values of type T.
//
// Read reports malformed input by latching an error in the ReadBuffer; callers
// check ReadBuffer.Err after decoding a batch of values.
type DataType[T any] interface {
	// Compare returns a negative number, zero or a positive number when a is
	// less than, equal to or greater than b.
	Compare(a, b T) int

	// Memory estimates the serialized size of v in bytes. It drives page splits.
	Memory(v T) int

	// Write appends the serialized form of v.
	Write(buf *WriteBuffer, v T)

	// Read decodes one value.
	Read(buf *ReadBuffer) T

	// Name is the persisted type name.
	Name() string
}

// Built-in types.
var (
	Int32   DataType[int32]   = int32Type{}
	Int64   DataType[int64]   = int64Type{}
	String  DataType[string]  = stringType{}
	Bytes   DataType[[]byte]  = bytesType{}
	Float64 DataType[float64] = float64Type{}
)

func varintLen(v int64) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutVarint(tmp[:], v)
}

func uvarintLen(v uint64) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], v)
}

type int32Type struct{}

func (int32Type) Compare(a, b int32) int { return cmp.Compare(a, b) }
func (int32Type) Memory(v int32) int     { return varintLen(int64(v)) }
func (int32Type) Write(buf *WriteBuffer, v int32) {
	buf.PutVarint(int64(v))
}
func (int32Type) Read(buf *ReadBuffer) int32 { return int32(buf.Varint()) }
func (int32Type) Name() string              { return "i" }

type int64Type struct{}

func (int64Type) Compare(a, b int64) int { return cmp.Compare(a, b) }
func (int64Type) Memory(v int64) int     { return varintLen(v) }
func (int64Type) Write(buf *WriteBuffer, v int64) {
	buf.PutVarint(v)
}
func (int64Type) Read(buf *ReadBuffer) int64 { return buf.Varint() }
func (int64Type) Name() string              { return "l" }

type stringType struct{}

func (stringType) Compare(a, b string) int { return strings.Compare(a, b) }
func (stringType) Memory(v string) int     { return uvarintLen(uint64(len(v))) + len(v) }
func (stringType) Write(buf *WriteBuffer, v string) {
	buf.PutString(v)
}
func (stringType) Read(buf *ReadBuffer) string { return buf.ReadString() }
func (stringType) Name() string               { return "s" }

type bytesType struct{}

func (bytesType) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytesType) Memory(v []byte) int     { return uvarintLen(uint64(len(v))) + len(v) }
func (bytesType) Write(buf *WriteBuffer, v []byte) {
	buf.PutBytes(v)
}
func (bytesType) Read(buf *ReadBuffer) []byte { return buf.ReadBytes() }
func (bytesType) Name() string               { return "b" }

type float64Type struct{}

func (float64Type) Compare(a, b float64) int { return cmp.Compare(a, b) }
func (float64Type) Memory(float64) int       { return 8 }
func (float64Type) Write(buf *WriteBuffer, v float64) {
	buf.PutFloat64(v)
}
func (float64Type) Read(buf *ReadBuffer) float64 { return buf.Float64() }
func (float64Type) Name() string                { return "d" }

// Erase adapts t to operate on values of type any. Values passed to the
// returned type must have dynamic type T.
func Erase[T any](t DataType[T]) DataType[any] {
	if a, ok := any(t).(DataType[any]); ok {
		return a
	}
	return erased[T]{t: t}
}

// Unerase recovers the typed DataType from a value returned by Erase.
func Unerase[T any](t DataType[any]) (DataType[T], bool) {
	if e, ok := t.(erased[T]); ok {
		return e.t, true
	}
	typed, ok := t.(DataType[T])
	return typed, ok
}

type erased[T any] struct {
	t DataType[T]
}

func (e erased[T]) Compare(a, b any) int          { return e.t.Compare(a.(T), b.(T)) }
func (e erased[T]) Memory(v any) int              { return e.t.Memory(v.(T)) }
func (e erased[T]) Write(buf *WriteBuffer, v any) { e.t.Write(buf, v.(T)) }
func (e erased[T]) Read(buf *ReadBuffer) any      { return e.t.Read(buf) }
func (e erased[T]) Name() string                  { return e.t.Name() }
