package mvstore

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with store-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*zap.Logger
}

// NewLogger creates a new Logger with the given core.
// If core is nil, uses a console encoder writing info and above to stderr.
func NewLogger(core zapcore.Core) *Logger {
	if core == nil {
		return NewTextLogger(zapcore.InfoLevel)
	}
	return &Logger{Logger: zap.New(core)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs to stderr.
func NewJSONLogger(level zapcore.Level) *Logger {
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return &Logger{
		Logger: zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)),
	}
}

// NewTextLogger creates a Logger that outputs human-readable logs to stderr.
func NewTextLogger(level zapcore.Level) *Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return &Logger{
		Logger: zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithMap adds the map name and id to the logger.
func (l *Logger) WithMap(name string, id uint32) *Logger {
	return &Logger{Logger: l.With(zap.String("map", name), zap.Uint32("map_id", id))}
}

// WithChunk adds a chunk id to the logger.
func (l *Logger) WithChunk(id uint32) *Logger {
	return &Logger{Logger: l.With(zap.Uint32("chunk", id))}
}

// LogOpen logs opening a store file.
func (l *Logger) LogOpen(fileName string, version int64, chunks int, err error) {
	if err != nil {
		l.Error("open failed", zap.String("file", fileName), zap.Error(err))
		return
	}
	l.Info("store opened",
		zap.String("file", fileName),
		zap.Int64("version", version),
		zap.Int("chunks", chunks),
	)
}

// LogCommit logs a commit.
func (l *Logger) LogCommit(version int64, chunkID uint32, pages int, bytes int, duration time.Duration, err error) {
	if err != nil {
		l.Error("commit failed", zap.Int64("version", version), zap.Error(err))
		return
	}
	l.Debug("commit completed",
		zap.Int64("version", version),
		zap.Uint32("chunk", chunkID),
		zap.Int("pages", pages),
		zap.Int("bytes", bytes),
		zap.Duration("duration", duration),
	)
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(targetFill int, chunks []uint32, rewritten int, err error) {
	if err != nil {
		l.Error("compaction failed", zap.Int("target_fill", targetFill), zap.Error(err))
		return
	}
	l.Info("compaction completed",
		zap.Int("target_fill", targetFill),
		zap.Uint32s("chunks", chunks),
		zap.Int("pages_rewritten", rewritten),
	)
}

// LogRecovery logs that the store fell back to an older version at open.
func (l *Logger) LogRecovery(fileName string, rec *RecoveryError) {
	l.Warn("store recovered from damaged tail",
		zap.String("file", fileName),
		zap.Int64("version", rec.Version),
		zap.Int("lost_chunks", rec.LostChunks),
		zap.Error(rec.cause),
	)
}

// LogChunksFreed logs chunks whose blocks were returned to the free space.
func (l *Logger) LogChunksFreed(chunks []uint32, blocks uint64) {
	l.Debug("chunks freed", zap.Uint32s("chunks", chunks), zap.Uint64("blocks", blocks))
}

// LogBackgroundError logs a failure of the background writer.
func (l *Logger) LogBackgroundError(op string, err error) {
	l.Error("background "+op+" failed", zap.Error(err))
}
