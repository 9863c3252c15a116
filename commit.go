package mvstore

import (
	"maps"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/compress"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/hash"
	"go.uber.org/zap"
)

// chunkWriter collects the page records of one commit. Offsets of pages are
// offsets into buf, which starts with room for the chunk header.
type chunkWriter struct {
	id          uint32
	buf         datatype.WriteBuffer
	payload     datatype.WriteBuffer
	pages       int
	written     []interface{ unsave() }
	compression compress.Type
}

func newChunkWriter(id uint32, compression compress.Type) *chunkWriter {
	cw := &chunkWriter{id: id, compression: compression}
	cw.buf.PutRaw(make([]byte, format.ChunkHeaderLength))
	return cw
}

// Commit persists all changes as a new version and returns it. If nothing
// changed, no chunk is written and the current committed version is returned.
func (s *Store) Commit() (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkWritable(); err != nil {
		return 0, err
	}
	return s.commitLocked(nil, false)
}

// commitLocked writes one chunk with the unsaved pages of all open maps and
// the maps in extra. Unless force is set, nothing is written when nothing
// changed. Must be called with the write lock held.
func (s *Store) commitLocked(extra []storedMap, force bool) (int64, error) {
	dirty := make([]storedMap, 0, len(s.maps)+len(extra))
	for _, m := range s.maps {
		if m.hasUnsavedChanges() {
			dirty = append(dirty, m)
		}
	}
	for _, m := range extra {
		if _, open := s.maps[m.mapID()]; !open && m.hasUnsavedChanges() {
			dirty = append(dirty, m)
		}
	}
	if !force && len(dirty) == 0 && !s.meta.hasUnsavedChanges() && len(s.pending) == 0 {
		return s.committedVersion(), nil
	}
	slices.SortFunc(dirty, func(a, b storedMap) int { return int(int64(a.mapID()) - int64(b.mapID())) })

	if s.lastChunkID >= format.MaxChunkID {
		return 0, errors.Newf("mvstore: chunk ids exhausted")
	}
	// The id is consumed even if the commit fails, so a retry never reuses
	// positions that a failed attempt may have left in the cache.
	s.lastChunkID++

	start := time.Now()
	version := s.currentVersion()
	metaRoot := s.meta.root.Load()
	pending := maps.Clone(s.pending)

	cw := newChunkWriter(s.lastChunkID, s.compression)
	res, err := s.writeChunk(cw, version, dirty)
	if err != nil {
		for _, p := range cw.written {
			p.unsave()
		}
		s.invalidateChunk(cw.id)
		s.meta.root.Store(metaRoot)
		s.pending = pending
		s.metrics.RecordCommit(0, 0, time.Since(start), err)
		s.logger.LogCommit(version, cw.id, 0, 0, time.Since(start), err)
		return 0, err
	}

	s.chunksMu.Lock()
	for id, c := range res.updated {
		s.chunks[id] = c
	}
	s.chunks[res.chunk.id] = res.chunk
	s.chunksMu.Unlock()

	s.committed.Store(version)
	for _, m := range dirty {
		m.markSaved()
	}
	s.meta.markSaved()

	s.freeUnusedChunks()
	if err := s.shrinkFile(); err != nil {
		s.logger.Warn("shrink store file", zap.Error(err))
	}

	duration := time.Since(start)
	s.metrics.RecordCommit(cw.pages, int(res.chunk.length), duration, nil)
	s.logger.LogCommit(version, cw.id, cw.pages, int(res.chunk.length), duration, nil)
	return version, nil
}

type chunkResult struct {
	chunk *chunk
	// updated holds copies of older chunks with adjusted live counts.
	updated map[uint32]*chunk
}

func (s *Store) writeChunk(cw *chunkWriter, version int64, dirty []storedMap) (chunkResult, error) {
	for _, m := range dirty {
		pos, err := m.writeUnsaved(cw)
		if err != nil {
			return chunkResult{}, err
		}
		if _, _, err := s.meta.putLocked(rootKey(m.mapID()), format.Hex(pos)); err != nil {
			return chunkResult{}, err
		}
	}

	updated, err := s.applyGarbage(version)
	if err != nil {
		return chunkResult{}, err
	}

	metaPos, err := s.meta.writeUnsaved(cw)
	if err != nil {
		return chunkResult{}, err
	}

	length := cw.buf.Len()
	if uint64(length) > format.MaxChunkLength {
		return chunkResult{}, errors.Wrapf(ErrPageTooLarge, "chunk %d would hold %d bytes", cw.id, length)
	}
	h := format.ChunkHeader{
		ID:          cw.id,
		Length:      uint32(length),
		MetaRootPos: metaPos,
		PageCount:   uint32(cw.pages),
		LiveCount:   uint32(cw.pages),
		Version:     version,
	}
	data := cw.buf.Bytes()
	h.BodyCRC = hash.CRC32C(data[format.ChunkHeaderLength:length])
	format.PutChunkHeader(data, h)
	if pad := int(h.Blocks()*format.BlockSize) - length; pad > 0 {
		cw.buf.PutRaw(make([]byte, pad))
		data = cw.buf.Bytes()
	}

	blocks := h.Blocks()
	block := s.free.Allocate(blocks)
	c := chunkFromHeader(h, block)
	if err := s.writeChunkData(c, data); err != nil {
		s.free.Free(block, blocks)
		return chunkResult{}, err
	}
	return chunkResult{chunk: c, updated: updated}, nil
}

func (s *Store) writeChunkData(c *chunk, data []byte) error {
	if _, err := s.file.WriteAt(data, int64(c.block)*format.BlockSize); err != nil {
		return errors.Wrapf(err, "write chunk %d", c.id)
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrapf(err, "sync chunk %d", c.id)
	}
	h := s.header
	h.LastChunkID = c.id
	h.LastChunkStart = c.block
	h.Version = c.version
	durable, err := s.writeHeaderCopies(h)
	switch {
	case err == nil:
	case durable > 0:
		// A synced header copy already points at the chunk, so the next open
		// loads it. The commit stands; the stale copy is rewritten next time.
		s.logger.Warn("file header copy not updated",
			zap.Uint32("chunk", c.id), zap.Int("durable_copies", durable), zap.Error(err))
	default:
		s.discardChunk(c)
		return err
	}
	s.header = h
	return nil
}

// discardChunk erases the header of a chunk whose commit failed and restores
// the previous file header, so that neither open nor recovery can pick the
// chunk up. Failures are logged; a chunk that cannot be erased stays newer
// than every header copy and is skipped by recovery.
func (s *Store) discardChunk(c *chunk) {
	zero := make([]byte, format.ChunkHeaderLength)
	if _, err := s.file.WriteAt(zero, int64(c.block)*format.BlockSize); err != nil {
		s.logger.Warn("erase failed chunk", zap.Uint32("chunk", c.id), zap.Error(err))
		return
	}
	if err := s.file.Sync(); err != nil {
		s.logger.Warn("sync erased chunk", zap.Uint32("chunk", c.id), zap.Error(err))
		return
	}
	if _, err := s.writeHeaderCopies(s.header); err != nil {
		s.logger.Warn("restore file header", zap.Uint32("chunk", c.id), zap.Error(err))
	}
}

// applyGarbage subtracts the pending garbage from the live counts of the
// affected chunks and records their descriptors in the meta map. Updating the
// meta map can itself replace persisted meta pages, so this repeats until no
// garbage is pending.
func (s *Store) applyGarbage(version int64) (map[uint32]*chunk, error) {
	updated := make(map[uint32]*chunk)
	changed := make(map[uint32]bool)

	// The previous chunk has no descriptor yet; its counts come from its header.
	if last := s.lastChunk(); last != nil {
		updated[last.id] = last.clone()
		changed[last.id] = true
	}

	for len(changed) > 0 || len(s.pending) > 0 {
		for id, n := range s.pending {
			c, ok := updated[id]
			if !ok {
				orig := s.chunkByID(id)
				if orig == nil {
					return nil, errors.AssertionFailedf("garbage in unknown chunk %d", id)
				}
				c = orig.clone()
				updated[id] = c
			}
			if uint32(n) > c.live {
				return nil, errors.AssertionFailedf("chunk %d: %d pages removed, %d live", id, n, c.live)
			}
			c.live -= uint32(n)
			changed[id] = true
		}
		clear(s.pending)

		ids := slices.Sorted(maps.Keys(changed))
		clear(changed)
		for _, id := range ids {
			c := updated[id]
			if c.live == 0 {
				c.unusedAt = version
				if _, _, err := s.meta.removeLocked(chunkKey(id)); err != nil {
					return nil, err
				}
				continue
			}
			if _, _, err := s.meta.putLocked(chunkKey(id), format.FormatProps(c.props())); err != nil {
				return nil, err
			}
		}
	}
	return updated, nil
}

// lastChunk returns the chunk of the committed version.
func (s *Store) lastChunk() *chunk {
	if s.committedVersion() == 0 {
		return nil
	}
	return s.chunkByVersion(s.committedVersion())
}

// writeHeaders writes both copies of the file header, each followed by a
// sync, so that at least one copy is intact after a crash.
func (s *Store) writeHeaders(h format.FileHeader) error {
	if _, err := s.writeHeaderCopies(h); err != nil {
		return err
	}
	s.header = h
	return nil
}

// writeHeaderCopies writes the header copies in order and returns how many
// were written and synced before the first error.
func (s *Store) writeHeaderCopies(h format.FileHeader) (int, error) {
	b := h.Marshal()
	for i := range format.HeaderBlocks {
		if _, err := s.file.WriteAt(b, int64(i)*format.BlockSize); err != nil {
			return i, errors.Wrap(err, "write file header")
		}
		if err := s.file.Sync(); err != nil {
			return i, errors.Wrap(err, "sync file header")
		}
	}
	return format.HeaderBlocks, nil
}

// freeUnusedChunks returns the blocks of chunks that no retained version and
// no reader can reach. Must be called with the write lock held.
func (s *Store) freeUnusedChunks() {
	version := s.committedVersion()
	oldest, readers := s.versions.oldest()

	var (
		freed  []uint32
		blocks uint64
	)
	s.chunksMu.Lock()
	for id, c := range s.chunks {
		if c.dropped {
			if readers {
				continue
			}
		} else {
			u := c.unusedAt
			if u == 0 || u >= version || u+s.opts.retainVersions > version {
				continue
			}
			if readers && oldest <= u {
				continue
			}
			s.rollbackFloor = max(s.rollbackFloor, u)
		}
		delete(s.chunks, id)
		s.free.Free(c.block, c.blocks())
		freed = append(freed, id)
		blocks += c.blocks()
	}
	s.chunksMu.Unlock()

	if len(freed) == 0 {
		return
	}
	slices.Sort(freed)
	for _, id := range freed {
		s.invalidateChunk(id)
	}
	s.logger.LogChunksFreed(freed, blocks)
	s.metrics.RecordChunksFreed(len(freed), blocks)
}

// shrinkFile truncates free blocks at the end of the file.
func (s *Store) shrinkFile() error {
	end := max(s.free.End(), format.HeaderBlocks) * format.BlockSize
	size, err := fs.Size(s.file)
	if err != nil {
		return err
	}
	if size <= int64(end) {
		return nil
	}
	return s.file.Truncate(int64(end))
}

// Rollback discards all changes since the last commit. Maps created since
// then are closed; maps removed since then stay removed for this session but
// reappear on reopen.
func (s *Store) Rollback() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	s.meta.rollback()
	clear(s.pending)
	return s.syncOpenMaps(s.meta, func(m storedMap, _ int64) error {
		m.rollback()
		return nil
	})
}

// syncOpenMaps reconciles the open maps with the catalog in meta: maps the
// catalog does not know are closed as removed, the others are renamed to
// their catalog name and passed to fn with their root position.
func (s *Store) syncOpenMaps(meta *Map[string, string], fn func(m storedMap, rootPos int64) error) error {
	for id, m := range s.maps {
		info, err := mapInfoIn(meta, id)
		if errors.Is(err, ErrMapNotFound) {
			m.close(true)
			delete(s.maps, id)
			continue
		}
		if err != nil {
			return err
		}
		m.setName(info.name)
		pos, _, err := rootPosIn(meta, id)
		if err != nil {
			return err
		}
		if err := fn(m, pos); err != nil {
			return err
		}
	}
	return nil
}

// RollbackTo reverts the store to a retained committed version. Uncommitted
// changes and all versions after it are discarded; the file header is updated
// immediately. Open snapshots of later versions stay readable until released.
func (s *Store) RollbackTo(version int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	target, err := s.retainedChunk(version)
	if err != nil {
		return err
	}

	root, err := s.meta.loadRoot(target.metaRoot)
	if err != nil {
		return err
	}
	meta := newMetaMap(s)
	meta.root.Store(root)

	rebuilt := make(map[uint32]*chunk)
	err = metaEntries(meta, prefixChunk, func(_, value string) error {
		c, err := parseChunk(value)
		if err != nil {
			return err
		}
		rebuilt[c.id] = c
		return nil
	})
	if err != nil {
		return err
	}
	c := target.clone()
	c.live = c.pages
	c.unusedAt = 0
	rebuilt[c.id] = c

	var dropped []*chunk
	s.chunksMu.RLock()
	for id, old := range s.chunks {
		if _, ok := rebuilt[id]; ok {
			continue
		}
		switch {
		case old.version > version:
			d := old.clone()
			d.dropped = true
			dropped = append(dropped, d)
		case old.dropped || old.unusedAt > 0:
			rebuilt[id] = old
		}
	}
	s.chunksMu.RUnlock()
	for _, d := range dropped {
		rebuilt[d.id] = d
	}

	// Erase the headers of discarded chunks so that recovery never picks them up.
	zero := make([]byte, format.ChunkHeaderLength)
	for _, d := range dropped {
		if _, err := s.file.WriteAt(zero, int64(d.block)*format.BlockSize); err != nil {
			return errors.Wrapf(err, "erase chunk %d", d.id)
		}
	}
	if len(dropped) > 0 {
		if err := s.file.Sync(); err != nil {
			return errors.Wrap(err, "sync erased chunks")
		}
	}

	s.chunksMu.Lock()
	s.chunks = rebuilt
	s.chunksMu.Unlock()

	s.meta.root.Store(root)
	s.meta.savedRoot = root
	clear(s.pending)
	s.committed.Store(version)

	err = s.syncOpenMaps(s.meta, func(m storedMap, pos int64) error {
		return m.rollbackTo(pos)
	})
	if err != nil {
		return err
	}

	h := s.header
	h.LastChunkID = target.id
	h.LastChunkStart = target.block
	h.Version = version
	if err := s.writeHeaders(h); err != nil {
		return err
	}
	s.freeUnusedChunks()
	s.logger.Info("store rolled back", zap.Int64("version", version), zap.Int("dropped_chunks", len(dropped)))
	return nil
}
