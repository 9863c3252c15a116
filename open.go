package mvstore

import (
	"io"
	"os"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/internal/compress"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/freespace"
	"github.com/hupe1980/mvstore/internal/fs"
)

const memoryFileName = "memory"

// Open opens or creates the store file fileName. An empty fileName creates a
// store that lives in memory only.
//
// If the newest chunk of an existing file is damaged, Open reopens the file at
// the newest consistent version; Recovery reports what happened. With
// WithStrictRecovery the *RecoveryError is returned instead.
func Open(fileName string, opts ...Option) (*Store, error) {
	o := applyOptions(opts)
	if !o.compression.Valid() {
		return nil, errors.Newf("mvstore: unknown compression %d", o.compression)
	}

	fsys, name := o.fs, fileName
	if fileName == "" {
		fsys, name = fs.NewMemFS(), memoryFileName
		o.readOnly = false
	}
	s := newStore(fileName, o)

	flag := os.O_RDWR | os.O_CREATE
	if s.readOnly {
		flag = os.O_RDONLY
	}
	f, err := fsys.OpenFile(name, flag, 0o644)
	if err != nil {
		s.logger.LogOpen(fileName, 0, 0, err)
		return nil, errors.Wrapf(err, "open %q", name)
	}
	s.file = f

	if err := s.init(); err != nil {
		_ = f.Close()
		s.logger.LogOpen(fileName, 0, 0, err)
		return nil, err
	}

	if o.writeDelay > 0 && !s.readOnly {
		s.startWriter()
	}
	s.logger.LogOpen(fileName, s.committedVersion(), len(s.chunks), nil)
	return s, nil
}

func (s *Store) init() error {
	size, err := fs.Size(s.file)
	if err != nil {
		return errors.Wrap(err, "stat store file")
	}
	if size == 0 {
		return s.create()
	}

	header, err := s.readFileHeader()
	if err != nil {
		return err
	}
	s.header = header
	s.compression = compress.Type(header.Compression)
	if !s.compression.Valid() {
		return errors.Wrapf(ErrIncompatibleFormat, "compression %d", header.Compression)
	}
	s.lastChunkID = header.LastChunkID
	if header.LastChunkID == 0 {
		s.resetState()
		return nil
	}

	cause := s.load(header.LastChunkStart, header.LastChunkID, header.Version)
	if cause == nil {
		return nil
	}
	if errors.Is(cause, ErrIncompatibleFormat) {
		return cause
	}
	return s.recover(size, header.Version, cause)
}

func (s *Store) create() error {
	s.header = format.FileHeader{
		FormatVersion: format.FormatVersion,
		BlockSize:     format.BlockSize,
		Compression:   uint8(s.opts.compression),
		Created:       time.Now(),
	}
	s.compression = s.opts.compression
	s.resetState()
	if s.readOnly {
		return nil
	}
	return s.writeHeaders(s.header)
}

// readFileHeader returns the valid header copy with the highest version.
func (s *Store) readFileHeader() (format.FileHeader, error) {
	buf := make([]byte, format.HeaderBlocks*format.BlockSize)
	n, err := s.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return format.FileHeader{}, errors.Wrap(err, "read file header")
	}
	buf = buf[:n]

	var (
		best     format.FileHeader
		found    bool
		firstErr error
	)
	for i := range format.HeaderBlocks {
		lo := i * format.BlockSize
		if lo >= len(buf) {
			break
		}
		h, err := format.ParseFileHeader(buf[lo:min(lo+format.BlockSize, len(buf))])
		if errors.Is(err, ErrIncompatibleFormat) {
			return h, err
		}
		if err != nil {
			firstErr = errors.CombineErrors(firstErr, err)
			continue
		}
		if !found || h.Version > best.Version {
			best, found = h, true
		}
	}
	if !found {
		return best, markCorrupt(firstErr, "no valid file header")
	}
	return best, nil
}

func (s *Store) resetState() {
	s.chunksMu.Lock()
	s.chunks = make(map[uint32]*chunk)
	s.chunksMu.Unlock()
	s.free = freespace.New()
	s.free.MarkUsed(0, format.HeaderBlocks)
	s.meta = newMetaMap(s)
	root := newLeaf[string, string](s.meta, nil, nil, nil)
	s.meta.root.Store(root)
	s.meta.savedRoot = root
	clear(s.pending)
	s.committed.Store(0)
	s.rollbackFloor = 0
	if s.cache != nil {
		s.cache.Clear()
	}
}

// readChunkHeader reads and validates the header of the chunk at block.
func (s *Store) readChunkHeader(block uint64) (format.ChunkHeader, error) {
	buf := make([]byte, format.ChunkHeaderLength)
	if _, err := s.file.ReadAt(buf, int64(block)*format.BlockSize); err != nil {
		if errors.Is(err, io.EOF) {
			return format.ChunkHeader{}, corruptf("chunk at block %d: truncated header", block)
		}
		return format.ChunkHeader{}, errors.Wrapf(err, "read chunk header at block %d", block)
	}
	return format.ParseChunkHeader(buf)
}

// load restores the state committed by the chunk at block, which must carry
// the given id and version.
func (s *Store) load(block uint64, id uint32, version int64) error {
	s.resetState()

	h, err := s.readChunkHeader(block)
	if err != nil {
		return err
	}
	if h.ID != id || h.Version != version {
		return corruptf("chunk at block %d is chunk %d version %d, expected chunk %d version %d",
			block, h.ID, h.Version, id, version)
	}
	last := chunkFromHeader(h, block)
	data, err := s.readChunk(last)
	if err != nil {
		return err
	}
	if err := format.VerifyChunkBody(h, data); err != nil {
		return err
	}

	s.chunksMu.Lock()
	s.chunks[last.id] = last
	s.chunksMu.Unlock()

	root, err := s.meta.loadRoot(last.metaRoot)
	if err != nil {
		return errors.Wrapf(err, "chunk %d: meta root", last.id)
	}
	s.meta.root.Store(root)
	s.meta.savedRoot = root

	var older []*chunk
	err = metaEntries(s.meta, prefixChunk, func(_, value string) error {
		c, err := parseChunk(value)
		if err != nil {
			return err
		}
		if c.id != last.id {
			older = append(older, c)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Chunks written by later commits could have overwritten freed blocks;
	// every chunk the meta map refers to must still be there.
	for _, c := range older {
		h, err := s.readChunkHeader(c.block)
		if err != nil {
			return errors.Wrapf(err, "chunk %d", c.id)
		}
		if h.ID != c.id || h.Version != c.version || h.Length != c.length {
			return corruptf("chunk %d at block %d was overwritten by chunk %d", c.id, c.block, h.ID)
		}
	}

	s.chunksMu.Lock()
	for _, c := range older {
		s.chunks[c.id] = c
	}
	s.chunksMu.Unlock()
	for _, c := range append(older, last) {
		s.free.MarkUsed(c.block, c.blocks())
		s.lastChunkID = max(s.lastChunkID, c.id)
	}
	s.committed.Store(version)
	s.rollbackFloor = version
	return nil
}

type chunkCandidate struct {
	block  uint64
	header format.ChunkHeader
}

// scanChunks finds every valid chunk header at a block boundary.
func (s *Store) scanChunks(size int64) ([]chunkCandidate, error) {
	const batchBlocks = 256
	var (
		found []chunkCandidate
		buf   = make([]byte, batchBlocks*format.BlockSize)
	)
	for block := uint64(format.HeaderBlocks); int64(block)*format.BlockSize < size; block += batchBlocks {
		n, err := s.file.ReadAt(buf, int64(block)*format.BlockSize)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "scan store file")
		}
		for i := 0; i*format.BlockSize+format.ChunkHeaderLength <= n; i++ {
			off := i * format.BlockSize
			h, err := format.ParseChunkHeader(buf[off : off+format.ChunkHeaderLength])
			if err == nil {
				found = append(found, chunkCandidate{block: block + uint64(i), header: h})
			}
		}
	}
	return found, nil
}

// recover reopens the store at the newest chunk that loads cleanly.
func (s *Store) recover(size int64, maxVersion int64, cause error) error {
	candidates, err := s.scanChunks(size)
	if err != nil {
		return errors.CombineErrors(cause, err)
	}
	var maxID uint32
	for _, c := range candidates {
		maxID = max(maxID, c.header.ID)
	}
	s.lastChunkID = max(s.lastChunkID, maxID)
	slices.SortFunc(candidates, func(a, b chunkCandidate) int {
		switch {
		case a.header.Version > b.header.Version:
			return -1
		case a.header.Version < b.header.Version:
			return 1
		}
		return 0
	})

	var skipped []chunkCandidate
	for _, c := range candidates {
		if c.header.Version > maxVersion {
			skipped = append(skipped, c)
			continue
		}
		if err := s.load(c.block, c.header.ID, c.header.Version); err != nil {
			skipped = append(skipped, c)
			continue
		}

		rec := &RecoveryError{Version: c.header.Version, cause: cause}
		if maxID > c.header.ID {
			rec.LostChunks = int(maxID - c.header.ID)
		}
		s.metrics.RecordRecovery(rec.LostChunks)
		s.logger.LogRecovery(s.fileName, rec)
		if s.opts.strictRecovery {
			return rec
		}
		s.recovery = rec
		if s.readOnly {
			return nil
		}
		return s.commitRecovery(c, skipped)
	}
	return markCorrupt(cause, "no consistent chunk found")
}

// commitRecovery points the file header at the recovered chunk and erases
// the headers of newer chunks that were not used.
func (s *Store) commitRecovery(c chunkCandidate, skipped []chunkCandidate) error {
	zero := make([]byte, format.ChunkHeaderLength)
	for _, sk := range skipped {
		if s.free.IsUsed(sk.block) {
			continue
		}
		if _, err := s.file.WriteAt(zero, int64(sk.block)*format.BlockSize); err != nil {
			return errors.Wrapf(err, "erase chunk %d", sk.header.ID)
		}
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync erased chunks")
	}
	h := s.header
	h.LastChunkID = c.header.ID
	h.LastChunkStart = c.block
	h.Version = c.header.Version
	return s.writeHeaders(h)
}
