package mvstore

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// startWriter launches the background writer that commits every writeDelay.
func (s *Store) startWriter() {
	s.wg.Add(1)
	s.goSafe(s.runWriter)
}

// goSafe runs fn in a goroutine and logs a panic instead of crashing the
// process.
func (s *Store) goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in background task",
					zap.String("panic", fmt.Sprint(r)),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn()
	}()
}

func (s *Store) runWriter() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.writeDelay)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.backgroundWork()
		}
	}
}

// backgroundWork commits pending changes and, if configured, compacts
// chunks below the auto-compaction fill rate.
func (s *Store) backgroundWork() {
	if !s.rc.TryAcquireBackground() {
		return
	}
	defer s.rc.ReleaseBackground()

	if s.HasUnsavedChanges() {
		if _, err := s.Commit(); err != nil {
			if !errors.Is(err, ErrClosed) {
				s.logger.LogBackgroundError("commit", err)
			}
			return
		}
	}

	if s.opts.autoCompactFill <= 0 {
		return
	}
	if _, err := s.CompactContext(s.bgCtx, s.opts.autoCompactFill); err != nil {
		if !errors.Is(err, ErrClosed) && s.bgCtx.Err() == nil {
			s.logger.LogBackgroundError("compaction", err)
		}
	}
}
