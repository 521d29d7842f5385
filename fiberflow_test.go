package fiberflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taowen/fiberflow"
	"github.com/taowen/fiberflow/fiber"
	"github.com/taowen/fiberflow/fiber/store"
)

func TestNewDefaultsToMemoryBackend(t *testing.T) {
	callbacks := fiberflow.NewCallbackRegistry()
	callbacks.MustRegister("greet", func(ctx context.Context, fc *fiber.Context) (any, error) {
		var payload struct {
			Name string `json:"name"`
		}
		if err := fc.BindPayload(&payload); err != nil {
			return nil, err
		}
		return map[string]string{"greeting": "hello " + payload.Name}, nil
	})

	done := make(chan fiber.CompletionEvent, 1)
	sched, err := fiberflow.New(callbacks,
		fiberflow.WithOnFiberComplete(func(ev fiber.CompletionEvent) { done <- ev }),
	)
	require.NoError(t, err)
	defer sched.Close()

	id, err := sched.Spawn(context.Background(), "greet", map[string]string{"name": "ada"})
	require.NoError(t, err)

	select {
	case ev := <-done:
		assert.Equal(t, id, ev.ID)
		assert.Equal(t, store.StatusCompleted, ev.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("fiber never completed")
	}

	f, err := sched.GetFiber(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, string(f.Result))
}

func TestNewWithCustomBackendAndConfig(t *testing.T) {
	backend := store.NewMemoryStore()
	defer backend.Close()

	callbacks := fiberflow.NewCallbackRegistry()
	callbacks.MustRegister("flaky", func(ctx context.Context, fc *fiber.Context) (any, error) {
		return nil, assert.AnError
	})

	cfg := fiber.DefaultConfig()
	cfg.MaxRetries = 0

	done := make(chan fiber.CompletionEvent, 1)
	sched, err := fiberflow.New(callbacks,
		fiberflow.WithBackend(backend),
		fiberflow.WithConfig(cfg),
		fiberflow.WithOnFiberComplete(func(ev fiber.CompletionEvent) { done <- ev }),
	)
	require.NoError(t, err)
	defer sched.Close()

	id, err := sched.Spawn(context.Background(), "flaky", json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case ev := <-done:
		assert.Equal(t, store.StatusFailed, ev.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("fiber never failed")
	}

	// The supplied backend holds the row, proving it was actually wired in.
	f, err := backend.GetFiber(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, f.Status)
	assert.Equal(t, 1, f.RetryCount)
}
