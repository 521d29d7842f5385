package fiber

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taowen/fiberflow/fiber/store"
)

// maybeCleanup runs the retention sweep piggybacked on spawn traffic,
// throttled to at most one run per configured interval.
func (s *Scheduler) maybeCleanup(ctx context.Context) {
	if !s.cfg.Cleanup.Enabled {
		return
	}
	if !s.cleanupLimiter.Allow() {
		return
	}
	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.Warn("cleanup sweep failed", zap.Error(err))
	}
}

// Cleanup deletes expired terminal rows immediately, bypassing the spawn
// throttle. Returns the number of rows deleted. Running rows and terminal
// rows inside their retention window are untouched. A zero retention keeps
// rows of that status forever.
func (s *Scheduler) Cleanup(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "fiber.cleanup")
	defer span.End()

	now := time.Now()
	windows := []struct {
		status    store.Status
		retention time.Duration
	}{
		{store.StatusCompleted, s.cfg.Cleanup.CompletedRetention},
		{store.StatusFailed, s.cfg.Cleanup.FailedRetention},
		{store.StatusCancelled, s.cfg.Cleanup.CancelledRetention},
	}

	deleted := 0
	for _, w := range windows {
		if w.retention <= 0 {
			continue
		}
		n, err := s.fibers.DeleteTerminalBefore(ctx, w.status, now.Add(-w.retention))
		if err != nil {
			return deleted, err
		}
		if n > 0 {
			s.logger.Info("cleanup deleted expired fibers",
				zap.String("status", string(w.status)),
				zap.Int("count", n),
			)
		}
		deleted += n
	}

	s.metrics.cleaned(deleted)
	return deleted, nil
}
