package format

import "math"

const (
	// MaxChunkID is the largest chunk id a position can address.
	MaxChunkID = 1<<26 - 1

	// MaxChunkLength is the largest chunk body a position offset can address.
	MaxChunkLength = math.MaxUint32

	lengthCodeUnbounded = 31
)

// PagePos packs a page position. A position is never 0; 0 means "not saved".
func PagePos(chunkID, offset uint32, length int, node bool) int64 {
	pos := int64(chunkID)<<38 | int64(offset)<<6 | int64(EncodeLength(length))<<1
	if node {
		pos |= 1
	}
	return pos
}

// ChunkID returns the chunk a page lives in.
func ChunkID(pos int64) uint32 { return uint32(uint64(pos) >> 38) }

// Offset returns the byte offset of the page within its chunk.
func Offset(pos int64) uint32 { return uint32(uint64(pos) >> 6) }

// IsNode reports whether the position refers to an internal node page.
func IsNode(pos int64) bool { return pos&1 == 1 }

// MaxLength returns an upper bound for the length of the page at pos.
func MaxLength(pos int64) int {
	return decodeLength(int((pos >> 1) & 31))
}

// EncodeLength returns the smallest length class whose bound covers length.
// Class c covers up to (2 + c&1) << (c>>1 + 4) bytes: 32, 48, 64, 96, ...
// Class 31 is unbounded.
func EncodeLength(length int) int {
	for code := 0; code < lengthCodeUnbounded; code++ {
		if length <= decodeLength(code) {
			return code
		}
	}
	return lengthCodeUnbounded
}

func decodeLength(code int) int {
	if code == lengthCodeUnbounded {
		return math.MaxInt32
	}
	return (2 + code&1) << (code>>1 + 4)
}
