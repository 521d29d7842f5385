package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackends builds one instance of every backend so the whole contract is
// exercised against memory, sqlite and redis alike.
func testBackends(t *testing.T) map[string]Backend {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	redisCfg := DefaultConfig()
	redisCfg.Type = TypeRedis
	redisCfg.Redis.Host = mr.Host()
	redisCfg.Redis.Port = port
	redisStore, err := New(redisCfg)
	require.NoError(t, err)

	sqliteStore, err := New(Config{
		Type: TypeSQLite,
		Path: filepath.Join(t.TempDir(), "fibers.db"),
	})
	require.NoError(t, err)

	backends := map[string]Backend{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
		"redis":  redisStore,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func runningFiber(id string, createdAt time.Time) *Fiber {
	return &Fiber{
		ID:         id,
		Callback:   "work",
		Payload:    json.RawMessage(`{"topic":"go"}`),
		Status:     StatusRunning,
		MaxRetries: 3,
		CreatedAt:  createdAt,
	}
}

func TestBackendContract(t *testing.T) {
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Ping", func(t *testing.T) {
				require.NoError(t, backend.Ping(ctx))
			})

			t.Run("CreateAndGet", func(t *testing.T) {
				f := runningFiber("f-create", time.Time{})
				require.NoError(t, backend.CreateFiber(ctx, f))
				assert.False(t, f.CreatedAt.IsZero(), "CreateFiber must set CreatedAt")

				got, err := backend.GetFiber(ctx, "f-create")
				require.NoError(t, err)
				assert.Equal(t, "work", got.Callback)
				assert.Equal(t, StatusRunning, got.Status)
				assert.JSONEq(t, `{"topic":"go"}`, string(got.Payload))
				assert.Equal(t, 0, got.RetryCount)
				assert.Equal(t, 3, got.MaxRetries)
				assert.Nil(t, got.CompletedAt)
			})

			t.Run("DuplicateID", func(t *testing.T) {
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-dup", time.Time{})))
				err := backend.CreateFiber(ctx, runningFiber("f-dup", time.Time{}))
				assert.ErrorIs(t, err, ErrAlreadyExists)
			})

			t.Run("GeneratedID", func(t *testing.T) {
				f := runningFiber("", time.Time{})
				require.NoError(t, backend.CreateFiber(ctx, f))
				assert.NotEmpty(t, f.ID)
			})

			t.Run("GetMissing", func(t *testing.T) {
				_, err := backend.GetFiber(ctx, "ghost")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("UpdateSnapshot", func(t *testing.T) {
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-snap", time.Time{})))

				require.NoError(t, backend.UpdateSnapshot(ctx, "f-snap", json.RawMessage(`{"step":1,"urls":["a"]}`)))
				got, err := backend.GetFiber(ctx, "f-snap")
				require.NoError(t, err)
				assert.JSONEq(t, `{"step":1,"urls":["a"]}`, string(got.Snapshot))

				// Replaced wholesale, not merged.
				require.NoError(t, backend.UpdateSnapshot(ctx, "f-snap", json.RawMessage(`{"step":2}`)))
				got, err = backend.GetFiber(ctx, "f-snap")
				require.NoError(t, err)
				assert.JSONEq(t, `{"step":2}`, string(got.Snapshot))

				assert.ErrorIs(t, backend.UpdateSnapshot(ctx, "ghost", json.RawMessage(`{}`)), ErrNotFound)
			})

			t.Run("UpdateRetryCount", func(t *testing.T) {
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-retry", time.Time{})))
				require.NoError(t, backend.UpdateRetryCount(ctx, "f-retry", 2))

				got, err := backend.GetFiber(ctx, "f-retry")
				require.NoError(t, err)
				assert.Equal(t, 2, got.RetryCount)
			})

			t.Run("MarkTerminal", func(t *testing.T) {
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-done", time.Time{})))

				completedAt := time.Now().Truncate(time.Millisecond)
				require.NoError(t, backend.MarkTerminal(ctx, "f-done", StatusCompleted, json.RawMessage(`{"ok":true}`), "", completedAt))

				got, err := backend.GetFiber(ctx, "f-done")
				require.NoError(t, err)
				assert.Equal(t, StatusCompleted, got.Status)
				assert.JSONEq(t, `{"ok":true}`, string(got.Result))
				require.NotNil(t, got.CompletedAt)
				assert.WithinDuration(t, completedAt, *got.CompletedAt, time.Second)

				// Terminal rows reject every further mutation.
				assert.ErrorIs(t, backend.MarkTerminal(ctx, "f-done", StatusFailed, nil, "late", time.Now()), ErrNotFound)
				assert.ErrorIs(t, backend.UpdateSnapshot(ctx, "f-done", json.RawMessage(`{}`)), ErrNotFound)
				assert.ErrorIs(t, backend.UpdateRetryCount(ctx, "f-done", 9), ErrNotFound)
			})

			t.Run("MarkTerminalRejectsRunning", func(t *testing.T) {
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-guard", time.Time{})))
				assert.ErrorIs(t, backend.MarkTerminal(ctx, "f-guard", StatusRunning, nil, "", time.Now()), ErrInvalidInput)
			})

			t.Run("ListRunningOldestFirst", func(t *testing.T) {
				base := time.Now().Add(-time.Hour)
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-order-b", base.Add(10*time.Second))))
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-order-a", base)))
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-order-c", base.Add(20*time.Second))))

				rows, err := backend.ListRunning(ctx)
				require.NoError(t, err)

				var ordered []string
				for _, f := range rows {
					if f.ID == "f-order-a" || f.ID == "f-order-b" || f.ID == "f-order-c" {
						ordered = append(ordered, f.ID)
					}
				}
				assert.Equal(t, []string{"f-order-a", "f-order-b", "f-order-c"}, ordered)
			})

			t.Run("DeleteTerminalBefore", func(t *testing.T) {
				now := time.Now()
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-exp-old", time.Time{})))
				require.NoError(t, backend.MarkTerminal(ctx, "f-exp-old", StatusCompleted, nil, "", now.Add(-48*time.Hour)))
				require.NoError(t, backend.CreateFiber(ctx, runningFiber("f-exp-new", time.Time{})))
				require.NoError(t, backend.MarkTerminal(ctx, "f-exp-new", StatusCompleted, nil, "", now.Add(-time.Hour)))

				deleted, err := backend.DeleteTerminalBefore(ctx, StatusCompleted, now.Add(-24*time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 1, deleted)

				_, err = backend.GetFiber(ctx, "f-exp-old")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = backend.GetFiber(ctx, "f-exp-new")
				require.NoError(t, err)
			})

			t.Run("Heartbeats", func(t *testing.T) {
				wakeAt := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)
				require.NoError(t, backend.PutHeartbeat(ctx, "f-hb", wakeAt))

				got, err := backend.GetHeartbeat(ctx, "f-hb")
				require.NoError(t, err)
				assert.WithinDuration(t, wakeAt, got, time.Second)

				// Upsert replaces.
				later := wakeAt.Add(time.Minute)
				require.NoError(t, backend.PutHeartbeat(ctx, "f-hb", later))
				got, err = backend.GetHeartbeat(ctx, "f-hb")
				require.NoError(t, err)
				assert.WithinDuration(t, later, got, time.Second)

				entries, err := backend.ListHeartbeats(ctx)
				require.NoError(t, err)
				found := 0
				for _, hb := range entries {
					if hb.FiberID == "f-hb" {
						found++
					}
				}
				assert.Equal(t, 1, found, "upsert must never double-register")

				require.NoError(t, backend.DeleteHeartbeat(ctx, "f-hb"))
				_, err = backend.GetHeartbeat(ctx, "f-hb")
				assert.ErrorIs(t, err, ErrNotFound)

				// Idempotent delete.
				require.NoError(t, backend.DeleteHeartbeat(ctx, "f-hb"))
			})
		})
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, s.CreateFiber(ctx, runningFiber("x", time.Time{})), ErrStoreClosed)
	_, err := s.ListRunning(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestFactoryUnsupportedType(t *testing.T) {
	_, err := New(Config{Type: "cassandra"})
	require.ErrorContains(t, err, "unsupported store type")
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
