package mvstore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems;
// PrometheusCollector is a ready-made implementation.
type MetricsCollector interface {
	// RecordCommit is called after each commit that wrote a chunk.
	// pages and bytes describe the chunk, err is nil if successful.
	RecordCommit(pages, bytes int, duration time.Duration, err error)

	// RecordCompaction is called after each compaction run.
	// chunks is the number of chunks selected, pages the number of pages rewritten.
	RecordCompaction(chunks, pages int, duration time.Duration, err error)

	// RecordPageRead is called whenever a page is loaded, either from the
	// page cache (cached=true) or from the file.
	RecordPageRead(bytes int, cached bool)

	// RecordChunksFreed is called when chunks are returned to the free space.
	RecordChunksFreed(chunks int, blocks uint64)

	// RecordRecovery is called when Open falls back to an older version.
	RecordRecovery(lostChunks int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommit(int, int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordCompaction(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordPageRead(int, bool)                        {}
func (NoopMetricsCollector) RecordChunksFreed(int, uint64)                   {}
func (NoopMetricsCollector) RecordRecovery(int)                              {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests without external dependencies.
type BasicMetricsCollector struct {
	CommitCount         atomic.Int64
	CommitErrors        atomic.Int64
	CommitPages         atomic.Int64
	CommitBytes         atomic.Int64
	CommitTotalNanos    atomic.Int64
	CompactionCount     atomic.Int64
	CompactionErrors    atomic.Int64
	CompactionChunks    atomic.Int64
	CompactionPages     atomic.Int64
	PageReads           atomic.Int64
	PageReadBytes       atomic.Int64
	PageCacheHits       atomic.Int64
	ChunksFreed         atomic.Int64
	BlocksFreed         atomic.Int64
	Recoveries          atomic.Int64
	RecoveredLostChunks atomic.Int64
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(pages, bytes int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.CommitPages.Add(int64(pages))
	b.CommitBytes.Add(int64(bytes))
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(chunks, pages int, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
		return
	}
	b.CompactionChunks.Add(int64(chunks))
	b.CompactionPages.Add(int64(pages))
}

// RecordPageRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPageRead(bytes int, cached bool) {
	if cached {
		b.PageCacheHits.Add(1)
		return
	}
	b.PageReads.Add(1)
	b.PageReadBytes.Add(int64(bytes))
}

// RecordChunksFreed implements MetricsCollector.
func (b *BasicMetricsCollector) RecordChunksFreed(chunks int, blocks uint64) {
	b.ChunksFreed.Add(int64(chunks))
	b.BlocksFreed.Add(int64(blocks))
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(lostChunks int) {
	b.Recoveries.Add(1)
	b.RecoveredLostChunks.Add(int64(lostChunks))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:      b.CommitCount.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		CommitPages:      b.CommitPages.Load(),
		CommitBytes:      b.CommitBytes.Load(),
		CommitAvgNanos:   b.getAvgCommitNanos(),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		CompactionChunks: b.CompactionChunks.Load(),
		CompactionPages:  b.CompactionPages.Load(),
		PageReads:        b.PageReads.Load(),
		PageReadBytes:    b.PageReadBytes.Load(),
		PageCacheHits:    b.PageCacheHits.Load(),
		ChunksFreed:      b.ChunksFreed.Load(),
		BlocksFreed:      b.BlocksFreed.Load(),
		Recoveries:       b.Recoveries.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgCommitNanos() int64 {
	count := b.CommitCount.Load()
	if count == 0 {
		return 0
	}
	return b.CommitTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CommitCount      int64
	CommitErrors     int64
	CommitPages      int64
	CommitBytes      int64
	CommitAvgNanos   int64
	CompactionCount  int64
	CompactionErrors int64
	CompactionChunks int64
	CompactionPages  int64
	PageReads        int64
	PageReadBytes    int64
	PageCacheHits    int64
	ChunksFreed      int64
	BlocksFreed      int64
	Recoveries       int64
}
