package hash

import (
	"hash"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}

// PageCheck derives the 16-bit check value stored in every page record from
// the chunk id, the offset of the page within its chunk and the page length.
// A page read from the wrong place fails the check.
func PageCheck(chunkID, offset, length uint32) uint16 {
	return fold(chunkID) ^ fold(offset) ^ fold(length)
}

func fold(x uint32) uint16 {
	return uint16(x>>16) ^ uint16(x)
}
