package datatype

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ErrShortBuffer is latched by a ReadBuffer when a read runs past the end of its data.
var ErrShortBuffer = errors.New("datatype: short buffer")

// WriteBuffer is a growable little-endian output buffer.
type WriteBuffer struct {
	buf []byte
}

// NewWriteBuffer returns an empty buffer with the given initial capacity.
func NewWriteBuffer(capacity int) *WriteBuffer {
	return &WriteBuffer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the written bytes. The slice aliases the buffer until the next write.
func (b *WriteBuffer) Bytes() []byte { return b.buf }

// Len returns the number of bytes written.
func (b *WriteBuffer) Len() int { return len(b.buf) }

// Reset empties the buffer, keeping its capacity.
func (b *WriteBuffer) Reset() { b.buf = b.buf[:0] }

// Truncate discards everything after the first n bytes.
func (b *WriteBuffer) Truncate(n int) { b.buf = b.buf[:n] }

// PutByte appends a single byte.
func (b *WriteBuffer) PutByte(v byte) { b.buf = append(b.buf, v) }

// PutUint16 appends v in little-endian order.
func (b *WriteBuffer) PutUint16(v uint16) { b.buf = binary.LittleEndian.AppendUint16(b.buf, v) }

// PutUint32 appends v in little-endian order.
func (b *WriteBuffer) PutUint32(v uint32) { b.buf = binary.LittleEndian.AppendUint32(b.buf, v) }

// PutUint64 appends v in little-endian order.
func (b *WriteBuffer) PutUint64(v uint64) { b.buf = binary.LittleEndian.AppendUint64(b.buf, v) }

// PutUvarint appends v using 7 bits per byte, high bit set while more bytes follow.
func (b *WriteBuffer) PutUvarint(v uint64) { b.buf = binary.AppendUvarint(b.buf, v) }

// PutVarint appends a zig-zag encoded signed varint.
func (b *WriteBuffer) PutVarint(v int64) { b.buf = binary.AppendVarint(b.buf, v) }

// PutFloat32 appends the IEEE 754 bits of v.
func (b *WriteBuffer) PutFloat32(v float32) { b.PutUint32(math.Float32bits(v)) }

// PutFloat64 appends the IEEE 754 bits of v.
func (b *WriteBuffer) PutFloat64(v float64) { b.PutUint64(math.Float64bits(v)) }

// PutRaw appends p as is.
func (b *WriteBuffer) PutRaw(p []byte) { b.buf = append(b.buf, p...) }

// PutBytes appends a length-prefixed byte slice.
func (b *WriteBuffer) PutBytes(p []byte) {
	b.PutUvarint(uint64(len(p)))
	b.buf = append(b.buf, p...)
}

// PutString appends a length-prefixed string.
func (b *WriteBuffer) PutString(s string) {
	b.PutUvarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
}

// SetUint16 overwrites two bytes at pos.
func (b *WriteBuffer) SetUint16(pos int, v uint16) {
	binary.LittleEndian.PutUint16(b.buf[pos:], v)
}

// SetUint32 overwrites four bytes at pos.
func (b *WriteBuffer) SetUint32(pos int, v uint32) {
	binary.LittleEndian.PutUint32(b.buf[pos:], v)
}

// SetByte overwrites the byte at pos.
func (b *WriteBuffer) SetByte(pos int, v byte) { b.buf[pos] = v }

// ReadBuffer decodes values from a byte slice. The first failure is latched:
// later reads return zero values and Err reports the original problem.
type ReadBuffer struct {
	buf []byte
	pos int
	err error
}

// NewReadBuffer returns a reader over b.
func NewReadBuffer(b []byte) *ReadBuffer {
	return &ReadBuffer{buf: b}
}

// Err returns the first error encountered, if any.
func (r *ReadBuffer) Err() error { return r.err }

// Fail latches err unless an earlier error is already recorded.
func (r *ReadBuffer) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Pos returns the read offset.
func (r *ReadBuffer) Pos() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *ReadBuffer) Remaining() int { return len(r.buf) - r.pos }

func (r *ReadBuffer) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = errors.Wrapf(ErrShortBuffer, "need %d bytes at offset %d, have %d", n, r.pos, len(r.buf)-r.pos)
		return false
	}
	return true
}

// Byte reads one byte.
func (r *ReadBuffer) Byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

// Uint16 reads a little-endian uint16.
func (r *ReadBuffer) Uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

// Uint32 reads a little-endian uint32.
func (r *ReadBuffer) Uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

// Uint64 reads a little-endian uint64.
func (r *ReadBuffer) Uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

// Uvarint reads an unsigned varint.
func (r *ReadBuffer) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.err = errors.Wrapf(ErrShortBuffer, "malformed varint at offset %d", r.pos)
		return 0
	}
	r.pos += n
	return v
}

// Varint reads a zig-zag encoded signed varint.
func (r *ReadBuffer) Varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.pos:])
	if n <= 0 {
		r.err = errors.Wrapf(ErrShortBuffer, "malformed varint at offset %d", r.pos)
		return 0
	}
	r.pos += n
	return v
}

// Float32 reads an IEEE 754 float32.
func (r *ReadBuffer) Float32() float32 { return math.Float32frombits(r.Uint32()) }

// Float64 reads an IEEE 754 float64.
func (r *ReadBuffer) Float64() float64 { return math.Float64frombits(r.Uint64()) }

// Next returns the next n bytes without copying them.
func (r *ReadBuffer) Next(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return v
}

// ReadBytes reads a length-prefixed byte slice into a fresh copy.
func (r *ReadBuffer) ReadBytes() []byte {
	n := r.Uvarint()
	if n > uint64(r.Remaining()) {
		r.Fail(errors.Wrapf(ErrShortBuffer, "byte slice of length %d at offset %d", n, r.pos))
		return nil
	}
	p := r.Next(int(n))
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

// ReadString reads a length-prefixed string.
func (r *ReadBuffer) ReadString() string {
	n := r.Uvarint()
	if n > uint64(r.Remaining()) {
		r.Fail(errors.Wrapf(ErrShortBuffer, "string of length %d at offset %d", n, r.pos))
		return ""
	}
	return string(r.Next(int(n)))
}
