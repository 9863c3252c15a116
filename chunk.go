package mvstore

import (
	"encoding/binary"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/internal/format"
)

// chunk describes the pages written by one commit.
type chunk struct {
	id       uint32
	block    uint64
	length   uint32
	pages    uint32
	live     uint32
	version  int64
	metaRoot int64
	// unusedAt is the version whose commit left the chunk without live
	// pages; 0 while it is in use.
	unusedAt int64
	// dropped marks chunks discarded by RollbackTo. They are freed once no
	// reader is open.
	dropped bool
}

func chunkFromHeader(h format.ChunkHeader, block uint64) *chunk {
	return &chunk{
		id:       h.ID,
		block:    block,
		length:   h.Length,
		pages:    h.PageCount,
		live:     h.LiveCount,
		version:  h.Version,
		metaRoot: h.MetaRootPos,
	}
}

func (c *chunk) clone() *chunk {
	cp := *c
	return &cp
}

func (c *chunk) blocks() uint64 {
	return (uint64(c.length) + format.BlockSize - 1) / format.BlockSize
}

// fillRate is the percentage of pages in the chunk that are still live.
func (c *chunk) fillRate() int {
	if c.pages == 0 {
		return 0
	}
	return int(uint64(c.live) * 100 / uint64(c.pages))
}

func (c *chunk) props() map[string]string {
	return map[string]string{
		"id":      format.Hex(int64(c.id)),
		"block":   format.Hex(int64(c.block)),
		"len":     format.Hex(int64(c.length)),
		"pages":   format.Hex(int64(c.pages)),
		"live":    format.Hex(int64(c.live)),
		"version": format.Hex(c.version),
		"root":    format.Hex(c.metaRoot),
	}
}

func parseChunk(s string) (*chunk, error) {
	props, err := format.ParseProps(s)
	if err != nil {
		return nil, err
	}
	var (
		values [7]int64
		names  = [7]string{"id", "block", "len", "pages", "live", "version", "root"}
	)
	for i, name := range names {
		v, ok := props[name]
		if !ok {
			return nil, corruptf("chunk descriptor %q: missing %s", s, name)
		}
		if values[i], err = format.ParseHex(v); err != nil {
			return nil, err
		}
	}
	return &chunk{
		id:       uint32(values[0]),
		block:    uint64(values[1]),
		length:   uint32(values[2]),
		pages:    uint32(values[3]),
		live:     uint32(values[4]),
		version:  values[5],
		metaRoot: values[6],
	}, nil
}

// ChunkInfo describes a chunk of the store file.
type ChunkInfo struct {
	ID          uint32
	Block       uint64
	Length      uint32
	Pages       uint32
	Live        uint32
	Version     int64
	MetaRootPos int64
	// UnusedAt is the version at which the chunk lost its last live page, or 0.
	UnusedAt int64
	FillRate int
}

func (c *chunk) info() ChunkInfo {
	return ChunkInfo{
		ID:          c.id,
		Block:       c.block,
		Length:      c.length,
		Pages:       c.pages,
		Live:        c.live,
		Version:     c.version,
		MetaRootPos: c.metaRoot,
		UnusedAt:    c.unusedAt,
		FillRate:    c.fillRate(),
	}
}

func (i ChunkInfo) String() string {
	return "chunk " + strconv.FormatUint(uint64(i.ID), 10) +
		" version " + strconv.FormatInt(i.Version, 10) +
		" block " + strconv.FormatUint(i.Block, 10) +
		" fill " + strconv.Itoa(i.FillRate) + "%"
}

func (s *Store) chunkByID(id uint32) *chunk {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	return s.chunks[id]
}

// chunkByVersion returns the live chunk written by the commit of version.
func (s *Store) chunkByVersion(version int64) *chunk {
	s.chunksMu.RLock()
	defer s.chunksMu.RUnlock()
	for _, c := range s.chunks {
		if c.version == version && !c.dropped {
			return c
		}
	}
	return nil
}

// readPageBytes reads the record of the page at pos.
func (s *Store) readPageBytes(pos int64) ([]byte, error) {
	id := format.ChunkID(pos)
	c := s.chunkByID(id)
	if c == nil {
		return nil, corruptf("page %x: chunk %d not found", pos, id)
	}
	offset := format.Offset(pos)
	if offset < format.ChunkHeaderLength || offset >= c.length {
		return nil, corruptf("page %x: offset %d outside chunk %d of length %d", pos, offset, id, c.length)
	}
	n := min(format.MaxLength(pos), int(c.length-offset))
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, int64(c.block)*format.BlockSize+int64(offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "read page %x", pos)
	}
	length := int(binary.LittleEndian.Uint32(buf))
	if length < 8 || length > n {
		return nil, corruptf("page %x: length %d", pos, length)
	}
	return buf[:length], nil
}

// readNodeChildren returns the child positions of the node at pos without
// decoding its keys.
func (s *Store) readNodeChildren(pos int64) ([]int64, error) {
	data, err := s.readPageBytes(pos)
	if err != nil {
		return nil, err
	}
	h, err := format.ParsePageHeader(pos, data)
	if err != nil {
		return nil, err
	}
	return h.Children, nil
}

// collectPersisted records the persisted subtree rooted at pos as garbage.
func (s *Store) collectPersisted(pos int64, w *mutation) error {
	w.removed = append(w.removed, pos)
	if !format.IsNode(pos) {
		return nil
	}
	children, err := s.readNodeChildren(pos)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.collectPersisted(c, w); err != nil {
			return err
		}
	}
	return nil
}

// readChunk reads a whole chunk including its header.
func (s *Store) readChunk(c *chunk) ([]byte, error) {
	buf := make([]byte, c.length)
	if _, err := s.file.ReadAt(buf, int64(c.block)*format.BlockSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "read chunk %d", c.id)
	}
	return buf, nil
}

func (s *Store) cachedPage(pos int64) (any, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(pos)
}

func (s *Store) cachePage(pos int64, p any, memory int) {
	if s.cache == nil {
		return
	}
	s.cache.Set(pos, p, int64(memory))
}

func (s *Store) invalidateChunk(id uint32) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(func(pos int64) bool { return format.ChunkID(pos) == id })
}
