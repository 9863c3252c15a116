package mvstore

import (
	"time"

	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/compress"
	"github.com/hupe1980/mvstore/internal/fs"
	"go.uber.org/zap/zapcore"
)

const (
	// DefaultPageSplitSize is the default estimated page size in bytes above
	// which pages are split.
	DefaultPageSplitSize = 16 * 1024

	// DefaultCacheSize is the default page cache capacity in bytes.
	DefaultCacheSize = 16 << 20
)

// SplitAlgorithm selects how full R-tree pages are divided.
type SplitAlgorithm uint8

const (
	// SplitLinear separates the two keys that lie furthest apart along the
	// most separated axis, falling back to SplitQuadratic when that is
	// ambiguous.
	SplitLinear SplitAlgorithm = iota
	// SplitQuadratic seeds the split with the pair of keys whose combined
	// bounding box is largest.
	SplitQuadratic
)

func (a SplitAlgorithm) String() string {
	if a == SplitQuadratic {
		return "quadratic"
	}
	return "linear"
}

// Compression selects the page compression algorithm of a new store file.
type Compression = compress.Type

// Compression algorithms.
const (
	CompressionNone = compress.None
	CompressionLZ4  = compress.LZ4
	CompressionZSTD = compress.ZSTD
)

type options struct {
	pageSplitSize    int
	maxPageEntries   int
	writeDelay       time.Duration
	autoCompactFill  int
	splitAlgorithm   SplitAlgorithm
	compression      Compression
	cacheSize        int64
	fs               fs.FileSystem
	logger           *Logger
	metricsCollector MetricsCollector
	typeFactory      datatype.Factory
	ioLimit          int64
	strictRecovery   bool
	readOnly         bool
	retainVersions   int64
	compactionPolicy CompactionPolicy
}

// Option configures Open.
type Option func(*options)

// WithPageSplitSize sets the estimated serialized page size in bytes above
// which a page is split. Small values produce deep trees and are mainly
// useful in tests.
func WithPageSplitSize(bytes int) Option {
	return func(o *options) {
		o.pageSplitSize = bytes
	}
}

// WithMaxPageEntries splits pages holding more than n keys regardless of
// their size. 0 disables the limit.
func WithMaxPageEntries(n int) Option {
	return func(o *options) {
		o.maxPageEntries = n
	}
}

// WithWriteDelay enables the background writer, which commits pending changes
// every d. A zero delay (the default) disables it; changes are then persisted
// only by Commit and Close.
func WithWriteDelay(d time.Duration) Option {
	return func(o *options) {
		o.writeDelay = d
	}
}

// WithAutoCompactFillRate lets the background writer compact whenever the
// fill rate of the file drops below percent. Requires WithWriteDelay.
func WithAutoCompactFillRate(percent int) Option {
	return func(o *options) {
		o.autoCompactFill = percent
	}
}

// WithSplitAlgorithm sets the default split algorithm of R-tree maps.
func WithSplitAlgorithm(a SplitAlgorithm) Option {
	return func(o *options) {
		o.splitAlgorithm = a
	}
}

// WithCompression sets the page compression of a newly created file. Existing
// files keep the algorithm recorded in their header.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCacheSize sets the capacity of the decoded page cache in bytes.
// 0 disables the cache.
func WithCacheSize(bytes int64) Option {
	return func(o *options) {
		o.cacheSize = bytes
	}
}

// WithFileSystem sets the file system used to access the store file.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	store, _ := mvstore.Open("data.mv", mvstore.WithLogger(mvstore.NewJSONLogger(zapcore.InfoLevel)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level zapcore.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &mvstore.BasicMetricsCollector{}
//	store, _ := mvstore.Open("data.mv", mvstore.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
//	fmt.Printf("Commits: %d, avg latency: %dns\n", stats.CommitCount, stats.CommitAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithTypeFactory installs a factory for custom data types. It is consulted
// before the built-in types when maps are opened by persisted type name
// (OpenMapUntyped, compaction of maps that are not open, tooling).
func WithTypeFactory(f datatype.Factory) Option {
	return func(o *options) {
		o.typeFactory = f
	}
}

// WithIOLimit throttles compaction and backup IO to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithStrictRecovery makes Open fail with a *RecoveryError instead of
// silently reopening at an older version when the newest chunk is damaged.
func WithStrictRecovery() Option {
	return func(o *options) {
		o.strictRecovery = true
	}
}

// ReadOnly opens the file without write access. Mutations fail with
// ErrReadOnly and Close does not commit.
func ReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithRetainVersions keeps chunks needed by the last n committed versions, so
// that OpenVersion and RollbackTo can reach them even after compaction.
func WithRetainVersions(n int64) Option {
	return func(o *options) {
		o.retainVersions = n
	}
}

// WithCompactionPolicy replaces the policy that picks chunks to compact.
func WithCompactionPolicy(p CompactionPolicy) Option {
	return func(o *options) {
		o.compactionPolicy = p
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		pageSplitSize:    DefaultPageSplitSize,
		cacheSize:        DefaultCacheSize,
		fs:               fs.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		compactionPolicy: FillRatePolicy{},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.compactionPolicy == nil {
		o.compactionPolicy = FillRatePolicy{}
	}
	if o.pageSplitSize <= 0 {
		o.pageSplitSize = DefaultPageSplitSize
	}
	return o
}
