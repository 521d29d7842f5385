package fiber

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taowen/fiberflow/fiber/store"
)

// seedTerminalFiber plants a terminal row with a backdated completion time.
func seedTerminalFiber(t *testing.T, backend store.Backend, id string, status store.Status, completedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, backend.CreateFiber(ctx, &store.Fiber{
		ID:         id,
		Callback:   "work",
		Status:     store.StatusRunning,
		MaxRetries: 3,
	}))
	require.NoError(t, backend.MarkTerminal(ctx, id, status, nil, "", completedAt))
}

func exists(t *testing.T, backend store.Backend, id string) bool {
	t.Helper()
	_, err := backend.GetFiber(context.Background(), id)
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func TestCleanupRetentionWindows(t *testing.T) {
	backend := store.NewMemoryStore()
	now := time.Now()

	seedTerminalFiber(t, backend, "completed-old", store.StatusCompleted, now.Add(-25*time.Hour))
	seedTerminalFiber(t, backend, "completed-fresh", store.StatusCompleted, now.Add(-23*time.Hour))
	seedTerminalFiber(t, backend, "failed-old", store.StatusFailed, now.Add(-8*24*time.Hour))
	seedTerminalFiber(t, backend, "failed-fresh", store.StatusFailed, now.Add(-6*24*time.Hour))

	s := newTestScheduler(t, backend, DefaultConfig())
	require.NoError(t, s.Callbacks().Register("noop", func(ctx context.Context, fc *Context) (any, error) {
		return nil, nil
	}))

	// The next spawn triggers the lazy sweep.
	_, err := s.Spawn(context.Background(), "noop", nil)
	require.NoError(t, err)

	assert.False(t, exists(t, backend, "completed-old"))
	assert.True(t, exists(t, backend, "completed-fresh"))
	assert.False(t, exists(t, backend, "failed-old"))
	assert.True(t, exists(t, backend, "failed-fresh"))
}

func TestCleanupThrottled(t *testing.T) {
	backend := store.NewMemoryStore()
	s := newTestScheduler(t, backend, DefaultConfig())
	require.NoError(t, s.Callbacks().Register("noop", func(ctx context.Context, fc *Context) (any, error) {
		return nil, nil
	}))

	ctx := context.Background()

	// First spawn consumes the sweep token.
	_, err := s.Spawn(ctx, "noop", nil)
	require.NoError(t, err)

	// Rows expiring after the first sweep stay until the throttle interval
	// elapses, however many spawns happen in between.
	seedTerminalFiber(t, backend, "completed-old", store.StatusCompleted, time.Now().Add(-25*time.Hour))
	for i := 0; i < 5; i++ {
		_, err := s.Spawn(ctx, "noop", nil)
		require.NoError(t, err)
	}
	assert.True(t, exists(t, backend, "completed-old"))
}

func TestCleanupCancelledRetentionKnob(t *testing.T) {
	backend := store.NewMemoryStore()
	now := time.Now()
	seedTerminalFiber(t, backend, "cancelled-old", store.StatusCancelled, now.Add(-30*24*time.Hour))

	// Zero retention keeps cancelled rows forever.
	cfg := DefaultConfig()
	cfg.Cleanup.CancelledRetention = 0
	s := newTestScheduler(t, backend, cfg)
	_, err := s.Cleanup(context.Background())
	require.NoError(t, err)
	assert.True(t, exists(t, backend, "cancelled-old"))

	// A configured window deletes them like any other terminal row.
	cfg.Cleanup.CancelledRetention = 7 * 24 * time.Hour
	s2 := newTestScheduler(t, backend, cfg)
	deleted, err := s2.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, exists(t, backend, "cancelled-old"))
}

func TestCleanupLeavesRunningRows(t *testing.T) {
	backend := store.NewMemoryStore()
	seedRunningFiber(t, backend, "running-old", time.Now().Add(-30*24*time.Hour), 0, 3, "")

	s := newTestScheduler(t, backend, DefaultConfig())
	deleted, err := s.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
	assert.True(t, exists(t, backend, "running-old"))
}

func TestCleanupDisabled(t *testing.T) {
	backend := store.NewMemoryStore()
	seedTerminalFiber(t, backend, "completed-old", store.StatusCompleted, time.Now().Add(-48*time.Hour))

	cfg := DefaultConfig()
	cfg.Cleanup.Enabled = false
	s := newTestScheduler(t, backend, cfg)
	require.NoError(t, s.Callbacks().Register("noop", func(ctx context.Context, fc *Context) (any, error) {
		return nil, nil
	}))

	_, err := s.Spawn(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.True(t, exists(t, backend, "completed-old"))
}
