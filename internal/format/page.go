package format

import (
	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/hash"
)

// Page type flags.
const (
	PageTypeNode       = 1
	PageTypeCompressed = 2
	// PageTypeSpatial marks an R-tree node, which has one child per key
	// instead of keyCount+1.
	PageTypeSpatial = 4
)

// PageHeader is the part of a page record that precedes the keys.
//
// Layout:
//
//	Length (4) Check (2) MapID (uvarint) Type (1) KeyCount (uvarint)
//	nodes: ChildPos (8) * children, ChildCount (uvarint) * children
//	Payload: keys, then values for leaves. A compressed payload starts with
//	the uncompressed length as uvarint.
type PageHeader struct {
	Length   uint32
	Check    uint16
	MapID    uint32
	Type     byte
	KeyCount int
	Children []int64
	Counts   []int64
	Payload  []byte
}

// IsNode reports whether the page is an internal node.
func (h PageHeader) IsNode() bool { return h.Type&PageTypeNode != 0 }

// IsCompressed reports whether the payload is compressed.
func (h PageHeader) IsCompressed() bool { return h.Type&PageTypeCompressed != 0 }

// ParsePageHeader parses and validates the page record data read from pos.
// data must be exactly one record.
func ParsePageHeader(pos int64, data []byte) (PageHeader, error) {
	r := datatype.NewReadBuffer(data)
	h := PageHeader{
		Length: r.Uint32(),
		Check:  r.Uint16(),
		MapID:  uint32(r.Uvarint()),
		Type:   r.Byte(),
	}
	keyCount := r.Uvarint()
	if err := r.Err(); err != nil {
		return h, errors.Wrapf(ErrCorrupt, "page %x header: %v", pos, err)
	}
	if int(h.Length) != len(data) || h.Check != hash.PageCheck(ChunkID(pos), Offset(pos), h.Length) {
		return h, errors.Wrapf(ErrCorrupt, "page %x: check value mismatch", pos)
	}
	if h.IsNode() != IsNode(pos) {
		return h, errors.Wrapf(ErrCorrupt, "page %x: type %d does not match position", pos, h.Type)
	}
	if keyCount > uint64(len(data)) {
		return h, errors.Wrapf(ErrCorrupt, "page %x: key count %d", pos, keyCount)
	}
	h.KeyCount = int(keyCount)

	if h.IsNode() {
		n := h.KeyCount + 1
		if h.Type&PageTypeSpatial != 0 {
			n = h.KeyCount
		}
		if n*8 > r.Remaining() {
			return h, errors.Wrapf(ErrCorrupt, "page %x: %d children do not fit", pos, n)
		}
		h.Children = make([]int64, n)
		h.Counts = make([]int64, n)
		for i := range h.Children {
			h.Children[i] = int64(r.Uint64())
		}
		for i := range h.Counts {
			h.Counts[i] = int64(r.Uvarint())
		}
	}
	h.Payload = r.Next(r.Remaining())
	if err := r.Err(); err != nil {
		return h, errors.Wrapf(ErrCorrupt, "page %x: %v", pos, err)
	}
	return h, nil
}
