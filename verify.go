package mvstore

import (
	"context"
	"io"
	"runtime"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/resource"
	"golang.org/x/sync/errgroup"
)

// Verify reads every chunk of the committed version and checks its header
// against the chunk's descriptor and its body against the recorded checksum.
// Reads are throttled by WithIOLimit. The first mismatch is returned wrapped
// onto ErrCorrupt.
func (s *Store) Verify(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	// Holding the committed version keeps its chunks from being freed.
	usage := s.versions.acquire(s.committedVersion())
	defer s.versions.release(usage)

	var chunks []*chunk
	s.chunksMu.RLock()
	for _, c := range s.chunks {
		if !c.dropped && c.unusedAt == 0 {
			chunks = append(chunks, c)
		}
	}
	s.chunksMu.RUnlock()

	r := resource.NewRateLimitedReaderAt(ctx, s.file, s.rc)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, c := range chunks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return verifyChunk(r, c)
		})
	}
	return g.Wait()
}

func verifyChunk(r *resource.RateLimitedReaderAt, c *chunk) error {
	data := make([]byte, c.length)
	n, err := r.ReadAt(data, int64(c.block)*format.BlockSize)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(data)) {
		return errors.Wrapf(err, "read chunk %d", c.id)
	}
	h, err := format.ParseChunkHeader(data)
	if err != nil {
		return errors.Wrapf(err, "chunk %d", c.id)
	}
	if h.ID != c.id || h.Version != c.version || h.Length != c.length {
		return corruptf("chunk %d at block %d holds chunk %d version %d", c.id, c.block, h.ID, h.Version)
	}
	return format.VerifyChunkBody(h, data)
}
