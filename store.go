package mvstore

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/cache"
	"github.com/hupe1980/mvstore/internal/compress"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/freespace"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/hupe1980/mvstore/internal/resource"
	"go.uber.org/zap"
)

// Store is a versioned store of maps persisted in a single file.
//
// All writes, commits and compactions of a store are serialized; reads never
// block. A Store is safe for concurrent use.
type Store struct {
	fileName string
	opts     options
	file     fs.File
	readOnly bool
	inMemory bool

	registry    *datatype.Registry
	rc          *resource.Controller
	cache       *cache.Sharded[any]
	logger      *Logger
	metrics     MetricsCollector
	compression compress.Type

	// writeMu serializes mutations, commits, rollbacks and compactions.
	// Everything below up to chunksMu is guarded by it.
	writeMu       sync.Mutex
	header        format.FileHeader
	meta          *Map[string, string]
	maps          map[uint32]storedMap
	pending       map[uint32]int
	free          *freespace.Set
	lastChunkID   uint32
	rollbackFloor int64
	recovery      *RecoveryError
	lastCompact   []uint32

	chunksMu sync.RWMutex
	chunks   map[uint32]*chunk

	committed atomic.Int64
	versions  versionRegistry
	closed    atomic.Bool

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	closeCh   chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newStore(fileName string, o options) *Store {
	s := &Store{
		fileName: fileName,
		opts:     o,
		readOnly: o.readOnly,
		inMemory: fileName == "",
		registry: datatype.NewRegistry(o.typeFactory),
		rc: resource.NewController(resource.Config{
			MemoryLimitBytes:     o.cacheSize,
			MaxBackgroundWorkers: 1,
			IOLimitBytesPerSec:   o.ioLimit,
		}),
		logger:  o.logger,
		metrics: o.metricsCollector,
		maps:    make(map[uint32]storedMap),
		pending: make(map[uint32]int),
		free:    freespace.New(),
		chunks:  make(map[uint32]*chunk),
		closeCh: make(chan struct{}),
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	if o.cacheSize > 0 {
		s.cache = cache.NewSharded[any](o.cacheSize, s.rc)
	}
	s.meta = newMetaMap(s)
	return s
}

func (s *Store) newMutation() *mutation {
	return &mutation{version: s.currentVersion()}
}

// addGarbage accounts persisted pages that are no longer reachable from the
// current roots. Must be called with the write lock held.
func (s *Store) addGarbage(removed []int64) {
	for _, pos := range removed {
		s.pending[format.ChunkID(pos)]++
	}
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// currentVersion is the version the next commit will create.
func (s *Store) currentVersion() int64 { return s.committed.Load() + 1 }

func (s *Store) committedVersion() int64 { return s.committed.Load() }

func (s *Store) logIterError(err error) {
	if err != nil {
		s.logger.Warn("iteration stopped", zap.Error(err))
	}
}

// FileName returns the path of the store file, or "" for an in-memory store.
func (s *Store) FileName() string { return s.fileName }

// Version returns the last committed version. Uncommitted changes belong to
// Version()+1.
func (s *Store) Version() int64 { return s.committedVersion() }

// IsReadOnly reports whether the store was opened with ReadOnly.
func (s *Store) IsReadOnly() bool { return s.readOnly }

// Recovery returns the recovery Open performed, or nil if the file was
// consistent.
func (s *Store) Recovery() *RecoveryError {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.recovery
}

// Chunks returns descriptions of the chunks of the file, ordered by id.
func (s *Store) Chunks() []ChunkInfo {
	s.chunksMu.RLock()
	infos := make([]ChunkInfo, 0, len(s.chunks))
	for _, c := range s.chunks {
		if !c.dropped {
			infos = append(infos, c.info())
		}
	}
	s.chunksMu.RUnlock()
	slices.SortFunc(infos, func(a, b ChunkInfo) int { return int(int64(a.ID) - int64(b.ID)) })
	return infos
}

// HasUnsavedChanges reports whether any map or the catalog changed since the
// last commit.
func (s *Store) HasUnsavedChanges() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.hasUnsavedChangesLocked()
}

func (s *Store) hasUnsavedChangesLocked() bool {
	if s.meta.hasUnsavedChanges() || len(s.pending) > 0 {
		return true
	}
	for _, m := range s.maps {
		if m.hasUnsavedChanges() {
			return true
		}
	}
	return false
}

// Stats describes the state of a store.
type Stats struct {
	Version      int64
	Chunks       int
	OpenMaps     int
	OpenVersions int
	FileSize     int64
	UsedBlocks   uint64
	FillRate     int // percentage of used blocks in the file
	ChunkFill    int // percentage of live pages over all chunks
	CacheHits    int64
	CacheMisses  int64
	CacheBytes   int64
}

// Stats returns current statistics.
func (s *Store) Stats() (Stats, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}
	st := Stats{
		Version:      s.committedVersion(),
		OpenMaps:     len(s.maps),
		OpenVersions: s.versions.open(),
		UsedBlocks:   s.free.UsedBlocks(),
		FillRate:     s.free.FillRate(),
	}
	size, err := fs.Size(s.file)
	if err != nil {
		return Stats{}, errors.Wrap(err, "stat store file")
	}
	st.FileSize = size

	var pages, live uint64
	s.chunksMu.RLock()
	for _, c := range s.chunks {
		if c.dropped {
			continue
		}
		st.Chunks++
		pages += uint64(c.pages)
		live += uint64(c.live)
	}
	s.chunksMu.RUnlock()
	st.ChunkFill = 100
	if pages > 0 {
		st.ChunkFill = int(live * 100 / pages)
	}
	if s.cache != nil {
		st.CacheHits, st.CacheMisses = s.cache.Stats()
		st.CacheBytes = s.cache.Size()
	}
	return st, nil
}

// Close commits pending changes, stops the background writer and closes the
// file. Calling Close more than once returns ErrClosed.
func (s *Store) Close() error {
	return s.close(true)
}

// CloseImmediately closes the file without committing. Uncommitted changes
// are lost; the file stays at the last committed version.
func (s *Store) CloseImmediately() error {
	return s.close(false)
}

func (s *Store) close(commit bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.closeOnce.Do(func() {
		s.bgCancel()
		close(s.closeCh)
	})
	s.wg.Wait()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}

	var errs error
	if commit && !s.readOnly && s.hasUnsavedChangesLocked() {
		if _, err := s.commitLocked(nil, false); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "final commit"))
		}
	}
	s.closed.Store(true)
	for _, m := range s.maps {
		m.close(false)
	}
	s.meta.close(false)
	if s.cache != nil {
		s.cache.Clear()
	}
	if err := s.file.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close store file"))
	}
	s.logger.Debug("store closed", zap.String("file", s.fileName), zap.Int64("version", s.committedVersion()))
	return errs
}
