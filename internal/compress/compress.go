// Package compress implements the page payload codecs.
package compress

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression algorithm. The value is persisted in the file
// header.
type Type uint8

const (
	// None stores payloads as is.
	None Type = 0
	// LZ4 uses LZ4 block compression (fast).
	LZ4 Type = 1
	// ZSTD uses Zstandard (better ratio).
	ZSTD Type = 2
)

// ErrUnknownType is returned for an unknown algorithm id or name.
var ErrUnknownType = errors.New("unknown compression type")

// ErrSizeMismatch is returned when a payload does not decompress to its recorded size.
var ErrSizeMismatch = errors.New("decompressed size mismatch")

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case ZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseType parses "none", "lz4" or "zstd".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return ZSTD, nil
	}
	return None, errors.Wrapf(ErrUnknownType, "%q", s)
}

// Valid reports whether t is a known algorithm.
func (t Type) Valid() bool { return t <= ZSTD }

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Compress compresses data with t. It returns false when t is None or the
// result would not be smaller than 90% of the input; the caller then stores
// the data uncompressed.
func Compress(t Type, data []byte) ([]byte, bool, error) {
	if t == None || len(data) == 0 {
		return nil, false, nil
	}

	var compressed []byte
	switch t {
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, false, errors.Wrap(err, "lz4 compress")
		}
		compressed = buf[:n]
	case ZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		putZstdEncoder(enc)
	default:
		return nil, false, errors.Wrapf(ErrUnknownType, "id %d", t)
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		return nil, false, nil
	}
	return compressed, true, nil
}

// Decompress expands data compressed with t into a buffer of exactly size bytes.
func Decompress(t Type, data []byte, size int) ([]byte, error) {
	result := make([]byte, size)
	switch t {
	case LZ4:
		n, err := lz4.UncompressBlock(data, result)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decompress")
		}
		if n != size {
			return nil, errors.Wrapf(ErrSizeMismatch, "lz4: %d != %d", n, size)
		}
		return result, nil
	case ZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		decoded, err := dec.DecodeAll(data, result[:0])
		if err != nil {
			return nil, errors.Wrap(err, "zstd decompress")
		}
		if len(decoded) != size {
			return nil, errors.Wrapf(ErrSizeMismatch, "zstd: %d != %d", len(decoded), size)
		}
		return decoded, nil
	default:
		return nil, errors.Wrapf(ErrUnknownType, "id %d", t)
	}
}
