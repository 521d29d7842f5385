package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taowen/fiberflow/fiber"
)

// demoPayload is the input of the demo.count callback.
type demoPayload struct {
	Steps int           `json:"steps"`
	Delay time.Duration `json:"delay"`
}

// demoCheckpoint is the snapshot the demo callback stashes after each step.
type demoCheckpoint struct {
	NextStep int `json:"next_step"`
}

// registerDemoCallbacks installs a small multi-step task that exercises the
// checkpoint/resume path: it counts to Steps, stashing after every step, so
// a restart resumes from the last completed step.
func registerDemoCallbacks(callbacks *fiber.CallbackRegistry, logger *zap.Logger) {
	callbacks.MustRegister("demo.count", func(ctx context.Context, fc *fiber.Context) (any, error) {
		var payload demoPayload
		if err := fc.BindPayload(&payload); err != nil {
			return nil, err
		}
		if payload.Steps <= 0 {
			payload.Steps = 10
		}
		if payload.Delay <= 0 {
			payload.Delay = time.Second
		}

		var cp demoCheckpoint
		if _, err := fc.BindSnapshot(&cp); err != nil {
			return nil, err
		}
		if cp.NextStep > 0 {
			logger.Info("demo fiber resumed",
				zap.String("fiber_id", fc.ID()),
				zap.Int("next_step", cp.NextStep),
			)
		}

		for step := cp.NextStep; step < payload.Steps; step++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(payload.Delay):
			}

			cp.NextStep = step + 1
			if err := fc.Stash(ctx, cp); err != nil {
				return nil, err
			}
		}

		return map[string]int{"steps_done": payload.Steps}, nil
	})
}
