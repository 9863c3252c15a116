package format

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/internal/hash"
)

const (
	// BlockSize is the allocation unit of the file.
	BlockSize = 4096

	// FormatVersion is the layout version written by this package.
	FormatVersion = 1

	// HeaderBlocks is the number of blocks reserved for file header copies.
	HeaderBlocks = 2

	// ChunkHeaderLength is the size of the header at the start of each chunk.
	ChunkHeaderLength = 64

	// ChunkTag marks the first byte of a chunk header.
	ChunkTag = 'c'

	fileMagic        = 0x5453564D // "MVST"
	fileHeaderLength = 60
)

var (
	// ErrCorrupt marks data that failed validation.
	ErrCorrupt = errors.New("mvstore: corrupt data")

	// ErrIncompatibleFormat is returned for files written with an unknown layout.
	ErrIncompatibleFormat = errors.New("mvstore: incompatible file format")
)

// FileHeader is stored twice at the start of the file.
type FileHeader struct {
	FormatVersion  uint32
	BlockSize      uint32
	Compression    uint8
	Created        time.Time
	LastChunkID    uint32
	LastChunkStart uint64 // block index
	Version        int64
}

// Marshal encodes the header padded to one block.
//
// Layout:
//
//	Magic (4) FormatVersion (4) BlockSize (4) Compression (1) Reserved (3)
//	Created (8, unix millis) LastChunkID (4) Reserved (4) LastChunkStart (8)
//	Version (8) Reserved (8) CRC32C of the preceding bytes (4)
func (h FileHeader) Marshal() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:], fileMagic)
	binary.LittleEndian.PutUint32(b[4:], h.FormatVersion)
	binary.LittleEndian.PutUint32(b[8:], h.BlockSize)
	b[12] = h.Compression
	binary.LittleEndian.PutUint64(b[16:], uint64(h.Created.UnixMilli()))
	binary.LittleEndian.PutUint32(b[24:], h.LastChunkID)
	binary.LittleEndian.PutUint64(b[32:], h.LastChunkStart)
	binary.LittleEndian.PutUint64(b[40:], uint64(h.Version))
	binary.LittleEndian.PutUint32(b[56:], hash.CRC32C(b[:56]))
	return b
}

// ParseFileHeader decodes and validates one header copy.
func ParseFileHeader(b []byte) (FileHeader, error) {
	if len(b) < fileHeaderLength {
		return FileHeader{}, errors.Wrapf(ErrCorrupt, "file header too short: %d bytes", len(b))
	}
	if magic := binary.LittleEndian.Uint32(b[0:]); magic != fileMagic {
		return FileHeader{}, errors.Wrapf(ErrCorrupt, "bad file magic %#x", magic)
	}
	if want, got := binary.LittleEndian.Uint32(b[56:]), hash.CRC32C(b[:56]); want != got {
		return FileHeader{}, errors.Wrapf(ErrCorrupt, "file header checksum mismatch: %#x != %#x", got, want)
	}
	h := FileHeader{
		FormatVersion:  binary.LittleEndian.Uint32(b[4:]),
		BlockSize:      binary.LittleEndian.Uint32(b[8:]),
		Compression:    b[12],
		Created:        time.UnixMilli(int64(binary.LittleEndian.Uint64(b[16:]))),
		LastChunkID:    binary.LittleEndian.Uint32(b[24:]),
		LastChunkStart: binary.LittleEndian.Uint64(b[32:]),
		Version:        int64(binary.LittleEndian.Uint64(b[40:])),
	}
	if h.FormatVersion > FormatVersion {
		return h, errors.Wrapf(ErrIncompatibleFormat, "format version %d", h.FormatVersion)
	}
	if h.BlockSize != BlockSize {
		return h, errors.Wrapf(ErrIncompatibleFormat, "block size %d", h.BlockSize)
	}
	return h, nil
}

// ChunkHeader is the fixed header at the start of every chunk.
type ChunkHeader struct {
	ID          uint32
	Length      uint32 // bytes including the header, excluding block padding
	MetaRootPos int64
	PageCount   uint32
	LiveCount   uint32
	Version     int64
	BodyCRC     uint32
}

// Blocks returns the number of blocks the chunk occupies.
func (c ChunkHeader) Blocks() uint64 {
	return (uint64(c.Length) + BlockSize - 1) / BlockSize
}

// PutChunkHeader encodes h into the first ChunkHeaderLength bytes of b.
//
// Layout:
//
//	Tag (1) Reserved (3) Length (4) ID (4) Reserved (4) MetaRootPos (8)
//	PageCount (4) LiveCount (4) Version (8) BodyCRC (4) HeaderCRC (4)
//	Reserved (16)
func PutChunkHeader(b []byte, h ChunkHeader) {
	clear(b[:ChunkHeaderLength])
	b[0] = ChunkTag
	binary.LittleEndian.PutUint32(b[4:], h.Length)
	binary.LittleEndian.PutUint32(b[8:], h.ID)
	binary.LittleEndian.PutUint64(b[16:], uint64(h.MetaRootPos))
	binary.LittleEndian.PutUint32(b[24:], h.PageCount)
	binary.LittleEndian.PutUint32(b[28:], h.LiveCount)
	binary.LittleEndian.PutUint64(b[32:], uint64(h.Version))
	binary.LittleEndian.PutUint32(b[40:], h.BodyCRC)
	binary.LittleEndian.PutUint32(b[44:], hash.CRC32C(b[:44]))
}

// ParseChunkHeader decodes and validates a chunk header. It does not verify
// the body checksum; see VerifyChunkBody.
func ParseChunkHeader(b []byte) (ChunkHeader, error) {
	if len(b) < ChunkHeaderLength {
		return ChunkHeader{}, errors.Wrapf(ErrCorrupt, "chunk header too short: %d bytes", len(b))
	}
	if b[0] != ChunkTag {
		return ChunkHeader{}, errors.Wrapf(ErrCorrupt, "bad chunk tag %#x", b[0])
	}
	if want, got := binary.LittleEndian.Uint32(b[44:]), hash.CRC32C(b[:44]); want != got {
		return ChunkHeader{}, errors.Wrapf(ErrCorrupt, "chunk header checksum mismatch: %#x != %#x", got, want)
	}
	h := ChunkHeader{
		Length:      binary.LittleEndian.Uint32(b[4:]),
		ID:          binary.LittleEndian.Uint32(b[8:]),
		MetaRootPos: int64(binary.LittleEndian.Uint64(b[16:])),
		PageCount:   binary.LittleEndian.Uint32(b[24:]),
		LiveCount:   binary.LittleEndian.Uint32(b[28:]),
		Version:     int64(binary.LittleEndian.Uint64(b[32:])),
		BodyCRC:     binary.LittleEndian.Uint32(b[40:]),
	}
	if h.Length < ChunkHeaderLength {
		return h, errors.Wrapf(ErrCorrupt, "chunk %d length %d", h.ID, h.Length)
	}
	return h, nil
}

// VerifyChunkBody checks the body checksum of a chunk. data must hold at least
// h.Length bytes starting at the chunk header.
func VerifyChunkBody(h ChunkHeader, data []byte) error {
	if uint32(len(data)) < h.Length {
		return errors.Wrapf(ErrCorrupt, "chunk %d truncated: %d of %d bytes", h.ID, len(data), h.Length)
	}
	if got := hash.CRC32C(data[ChunkHeaderLength:h.Length]); got != h.BodyCRC {
		return errors.Wrapf(ErrCorrupt, "chunk %d body checksum mismatch: %#x != %#x", h.ID, got, h.BodyCRC)
	}
	return nil
}
