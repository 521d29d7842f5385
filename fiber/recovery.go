package fiber

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/taowen/fiberflow/fiber/store"
)

// CheckFibers is the recovery entry point the host calls on wake. It
// reconciles persisted running rows against the in-memory registry:
//
//  1. scan running rows oldest-first,
//  2. skip rows with a live handle (still genuinely executing),
//  3. for orphans: reconcile the heartbeat, consume one unit of retry
//     budget, then either fail the fiber or restart its body from the
//     persisted snapshot,
//  4. sweep heartbeat entries that no longer match a running fiber.
//
// Running it twice without an intervening eviction is safe: once a restarted
// fiber holds a live handle, the second pass skips it.
func (s *Scheduler) CheckFibers(ctx context.Context) ([]RecoveryEvent, error) {
	ctx, span := s.tracer.Start(ctx, "fiber.check_fibers")
	defer span.End()

	if s.isClosed() {
		return nil, ErrSchedulerClosed
	}

	rows, err := s.fibers.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list running fibers: %w", err)
	}

	runningIDs := make(map[string]bool, len(rows))
	recovered := make([]RecoveryEvent, 0)

	for _, f := range rows {
		runningIDs[f.ID] = true

		if s.registry.has(f.ID) {
			continue
		}

		// The row says running but nothing in-memory executes it: the host
		// was torn down mid-execution. Interruption consumes the same retry
		// budget as a thrown error.
		f.RetryCount++

		if f.RetryCount > f.MaxRetries {
			s.failOrphan(ctx, f)
			delete(runningIDs, f.ID)
			continue
		}

		if err := s.fibers.UpdateRetryCount(ctx, f.ID, f.RetryCount); err != nil {
			s.logger.Error("failed to persist recovery retry count",
				zap.String("fiber_id", f.ID),
				zap.Error(err),
			)
			continue
		}

		ev := RecoveryEvent{
			ID:         f.ID,
			Callback:   f.Callback,
			Snapshot:   f.Snapshot,
			RetryCount: f.RetryCount,
		}
		if s.onRecovered != nil {
			s.onRecovered(ev)
		}

		if err := s.restartOrphan(ctx, f); err != nil {
			s.logger.Error("failed to restart orphaned fiber",
				zap.String("fiber_id", f.ID),
				zap.Error(err),
			)
			continue
		}
		recovered = append(recovered, ev)
	}

	s.sweepOrphanHeartbeats(ctx, runningIDs)

	span.SetAttributes(attribute.Int("fiber.recovered", len(recovered)))
	if len(recovered) > 0 {
		s.logger.Info("recovery restarted orphaned fibers", zap.Int("count", len(recovered)))
	}
	return recovered, nil
}

// failOrphan marks an interrupted fiber as failed with the eviction-specific
// error text, distinguishable from an originally thrown message.
func (s *Scheduler) failOrphan(ctx context.Context, f *store.Fiber) {
	// Persist the attempt the eviction consumed before settling the row.
	if err := s.fibers.UpdateRetryCount(ctx, f.ID, f.RetryCount); err != nil {
		s.logger.Error("failed to persist recovery retry count",
			zap.String("fiber_id", f.ID),
			zap.Error(err),
		)
	}
	now := time.Now()
	if err := s.fibers.MarkTerminal(ctx, f.ID, store.StatusFailed, nil, evictionExhaustedError, now); err != nil {
		s.logger.Error("failed to fail orphaned fiber",
			zap.String("fiber_id", f.ID),
			zap.Error(err),
		)
		return
	}
	if err := s.hbs.DeleteHeartbeat(ctx, f.ID); err != nil {
		s.logger.Warn("failed to delete heartbeat",
			zap.String("fiber_id", f.ID),
			zap.Error(err),
		)
	}

	s.metrics.orphanFailed(f.CreatedAt)
	s.logger.Error("fiber failed",
		zap.String("fiber_id", f.ID),
		zap.String("callback", f.Callback),
		zap.String("error", evictionExhaustedError),
	)
	if s.onComplete != nil {
		s.onComplete(CompletionEvent{
			ID:       f.ID,
			Callback: f.Callback,
			Status:   store.StatusFailed,
			Error:    evictionExhaustedError,
		})
	}
}

// restartOrphan restarts an orphaned fiber from its persisted snapshot:
// heartbeat reconciled delete-then-recreate (never double-registered), fresh
// registry handle, body relaunched.
func (s *Scheduler) restartOrphan(ctx context.Context, f *store.Fiber) error {
	fn, ok := s.callbacks.Resolve(f.Callback)
	if !ok {
		// The actor restarted with a different callback set; the fiber can
		// never run again, so settle it instead of retrying forever.
		now := time.Now()
		errMsg := fmt.Sprintf("unknown callback: %s", f.Callback)
		if err := s.fibers.MarkTerminal(ctx, f.ID, store.StatusFailed, nil, errMsg, now); err != nil {
			return err
		}
		if err := s.hbs.DeleteHeartbeat(ctx, f.ID); err != nil {
			s.logger.Warn("failed to delete heartbeat", zap.String("fiber_id", f.ID), zap.Error(err))
		}
		s.metrics.orphanFailed(f.CreatedAt)
		if s.onComplete != nil {
			s.onComplete(CompletionEvent{
				ID:       f.ID,
				Callback: f.Callback,
				Status:   store.StatusFailed,
				Error:    errMsg,
			})
		}
		return fmt.Errorf("%s", errMsg)
	}

	if err := s.hbs.DeleteHeartbeat(ctx, f.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to reconcile heartbeat: %w", err)
	}
	if err := s.scheduleHeartbeat(ctx, f.ID); err != nil {
		return err
	}

	s.startExecution(fn, f)
	s.metrics.recovered()

	s.logger.Info("fiber restarted from snapshot",
		zap.String("fiber_id", f.ID),
		zap.String("callback", f.Callback),
		zap.Int("retry_count", f.RetryCount),
		zap.Bool("has_snapshot", len(f.Snapshot) > 0),
	)
	return nil
}

// RestartFiber is the manual restart primitive for a single orphaned running
// row. It does not consume retry budget; hosts overriding the default
// recovery policy call it from their OnFiberRecovered handling.
func (s *Scheduler) RestartFiber(ctx context.Context, fiberID string) error {
	if s.isClosed() {
		return ErrSchedulerClosed
	}
	if s.registry.has(fiberID) {
		return fmt.Errorf("fiber already has a live execution: %s", fiberID)
	}

	f, err := s.fibers.GetFiber(ctx, fiberID)
	if err != nil {
		return err
	}
	if f.Status != store.StatusRunning {
		return ErrNotRunning
	}
	return s.restartOrphan(ctx, f)
}

// sweepOrphanHeartbeats deletes heartbeat entries with no matching running
// fiber, so stale timers do not accumulate across evictions.
func (s *Scheduler) sweepOrphanHeartbeats(ctx context.Context, runningIDs map[string]bool) {
	entries, err := s.hbs.ListHeartbeats(ctx)
	if err != nil {
		s.logger.Warn("failed to list heartbeats", zap.Error(err))
		return
	}
	for _, hb := range entries {
		if runningIDs[hb.FiberID] {
			continue
		}
		if err := s.hbs.DeleteHeartbeat(ctx, hb.FiberID); err != nil {
			s.logger.Warn("failed to delete orphan heartbeat",
				zap.String("fiber_id", hb.FiberID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Debug("swept orphan heartbeat", zap.String("fiber_id", hb.FiberID))
	}
}
