package mvstore

import (
	"context"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/resource"
	"go.uber.org/zap"
)

// Backup writes an image of the last committed version to w and returns the
// number of bytes written. The image is a valid store file: the file header
// followed by the chunks that version needs at their original blocks. Space
// of unused chunks is zeroed and the image ends after the last chunk.
//
// Writers are not blocked while the image is streamed. Writes to w are
// throttled by WithIOLimit.
func (s *Store) Backup(ctx context.Context, w io.Writer) (int64, error) {
	s.writeMu.Lock()
	if err := s.checkOpen(); err != nil {
		s.writeMu.Unlock()
		return 0, err
	}
	h := s.header
	version := s.committedVersion()
	if last := s.lastChunk(); last != nil {
		h.LastChunkID = last.id
		h.LastChunkStart = last.block
		h.Version = version
	}
	usage := s.versions.acquire(version)
	var chunks []*chunk
	s.chunksMu.RLock()
	for _, c := range s.chunks {
		if !c.dropped && c.unusedAt == 0 {
			chunks = append(chunks, c)
		}
	}
	s.chunksMu.RUnlock()
	s.writeMu.Unlock()
	defer s.versions.release(usage)

	slices.SortFunc(chunks, func(a, b *chunk) int {
		switch {
		case a.block < b.block:
			return -1
		case a.block > b.block:
			return 1
		}
		return 0
	})

	bw := &backupWriter{w: resource.NewRateLimitedWriter(ctx, w, s.rc)}
	hb := h.Marshal()
	for range format.HeaderBlocks {
		bw.write(hb)
	}
	next := uint64(format.HeaderBlocks)
	for _, c := range chunks {
		if bw.err != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			return bw.n, err
		}
		bw.zeroBlocks(c.block - next)
		data, err := s.readChunk(c)
		if err != nil {
			return bw.n, err
		}
		bw.write(data)
		bw.zeroBytes(int(c.blocks()*format.BlockSize) - len(data))
		next = c.block + c.blocks()
	}
	if bw.err != nil {
		return bw.n, errors.Wrap(bw.err, "write backup")
	}
	s.logger.Info("backup written",
		zap.String("file", s.fileName),
		zap.Int64("version", version),
		zap.Int("chunks", len(chunks)),
		zap.Int64("bytes", bw.n))
	return bw.n, nil
}

// backupWriter latches the first write error.
type backupWriter struct {
	w   io.Writer
	n   int64
	err error
}

var zeroBlock = make([]byte, format.BlockSize)

func (b *backupWriter) write(p []byte) {
	if b.err != nil {
		return
	}
	n, err := b.w.Write(p)
	b.n += int64(n)
	b.err = err
}

func (b *backupWriter) zeroBlocks(n uint64) {
	for range n {
		b.write(zeroBlock)
	}
}

func (b *backupWriter) zeroBytes(n int) {
	if n > 0 {
		b.write(zeroBlock[:n])
	}
}
