package mvstore

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// CompactionPolicy determines which chunks a compaction run rewrites.
type CompactionPolicy interface {
	// Pick selects chunks to rewrite. chunks excludes the newest chunk;
	// version is the committed version. Returns nil if nothing should be
	// compacted.
	Pick(chunks []ChunkInfo, targetFill int, version int64) []uint32
}

// FillRatePolicy picks chunks whose fill rate is below the target, emptiest
// and oldest first.
type FillRatePolicy struct {
	// MaxBytes bounds the chunk bytes rewritten per run. 0 means unlimited.
	MaxBytes int64
}

// Pick implements CompactionPolicy.
func (p FillRatePolicy) Pick(chunks []ChunkInfo, targetFill int, version int64) []uint32 {
	type candidate struct {
		info     ChunkInfo
		priority int64
	}
	var candidates []candidate
	for _, c := range chunks {
		if c.Live == 0 || c.FillRate >= targetFill {
			continue
		}
		age := max(version-c.Version, 0) + 1
		candidates = append(candidates, candidate{info: c, priority: int64(c.FillRate) * 1000 / age})
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		if a.priority != b.priority {
			return int(a.priority - b.priority)
		}
		return int(int64(a.info.ID) - int64(b.info.ID))
	})

	var (
		ids   []uint32
		total int64
	)
	for _, c := range candidates {
		if p.MaxBytes > 0 && len(ids) > 0 && total+int64(c.info.Length) > p.MaxBytes {
			break
		}
		ids = append(ids, c.info.ID)
		total += int64(c.info.Length)
	}
	return ids
}

// Compact rewrites the live pages of chunks whose fill rate is below
// targetFill percent into a new chunk and returns the number of chunks
// compacted. Their space is reclaimed once no reader needs them anymore.
func (s *Store) Compact(targetFill int) (int, error) {
	return s.CompactContext(context.Background(), targetFill)
}

// CompactContext is Compact with a context that bounds the wait for the IO
// limit configured with WithIOLimit.
func (s *Store) CompactContext(ctx context.Context, targetFill int) (n int, err error) {
	if targetFill <= 0 || targetFill > 100 {
		return 0, errors.Newf("mvstore: target fill %d%% out of range", targetFill)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkWritable(); err != nil {
		return 0, err
	}

	// Live counts are only exact after pending garbage has been applied.
	if s.hasUnsavedChangesLocked() {
		if _, err := s.commitLocked(nil, false); err != nil {
			return 0, err
		}
	}

	last := s.lastChunk()
	var infos []ChunkInfo
	for _, c := range s.Chunks() {
		if last == nil || c.ID != last.id {
			infos = append(infos, c)
		}
	}
	ids := s.opts.compactionPolicy.Pick(infos, targetFill, s.committedVersion())
	if len(ids) == 0 {
		return 0, nil
	}

	start := time.Now()
	pages := 0
	defer func() {
		s.metrics.RecordCompaction(n, pages, time.Since(start), err)
		s.logger.LogCompaction(targetFill, ids, pages, err)
	}()

	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		c := s.chunkByID(id)
		if c == nil {
			return 0, errors.AssertionFailedf("compaction picked unknown chunk %d", id)
		}
		if err := s.rc.AcquireIO(ctx, int(c.length)); err != nil {
			return 0, err
		}
		set[id] = true
	}

	extra, err := s.closedMaps()
	if err != nil {
		return 0, err
	}
	targets := make([]storedMap, 0, len(s.maps)+len(extra)+1)
	for _, m := range s.maps {
		targets = append(targets, m)
	}
	targets = append(targets, extra...)
	targets = append(targets, s.meta)
	for _, m := range targets {
		k, err := m.rewrite(set)
		if err != nil {
			return 0, errors.Wrapf(err, "rewrite map %q", m.mapName())
		}
		pages += k
	}

	if _, err := s.commitLocked(extra, false); err != nil {
		return 0, err
	}
	// A second commit lets the rewritten chunks be freed right away when no
	// reader holds them.
	if _, err := s.commitLocked(nil, true); err != nil {
		return 0, err
	}
	s.lastCompact = ids
	return len(ids), nil
}

// closedMaps opens every map of the catalog that is not open, typed through
// the store's registry. The maps are not registered as open.
func (s *Store) closedMaps() ([]storedMap, error) {
	var out []storedMap
	err := metaEntries(s.meta, prefixName, func(key, value string) error {
		id, err := parseID(value)
		if err != nil {
			return err
		}
		if _, open := s.maps[id]; open {
			return nil
		}
		m, err := s.openUntyped(id)
		if err != nil {
			return errors.Wrapf(err, "map %q", strings.TrimPrefix(key, prefixName))
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// LastCompaction returns the chunks rewritten by the last compaction run.
func (s *Store) LastCompaction() []uint32 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return slices.Clone(s.lastCompact)
}
