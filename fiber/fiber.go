package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taowen/fiberflow/fiber/store"
)

// DefaultMaxRetries is the retry budget applied when a spawn does not
// specify one. Total attempts = DefaultMaxRetries + 1, counting both local
// retries and eviction-triggered restarts.
const DefaultMaxRetries = 3

// evictionExhaustedError marks a fiber that ran out of retry budget during
// eviction recovery, distinguishable from an original thrown message.
const evictionExhaustedError = "max retries exceeded (eviction recovery)"

// Common errors
var (
	// ErrSchedulerClosed is returned by operations on a closed scheduler.
	ErrSchedulerClosed = errors.New("scheduler is closed")

	// ErrNotRunning is returned when a stash targets a fiber that is not
	// currently running.
	ErrNotRunning = errors.New("fiber is not running")
)

// Func is the body of a fiber. It receives the cancellation context of the
// current attempt and a fiber Context exposing the payload, the last
// snapshot and the stash primitive. The returned value is stored as the
// fiber's result on success.
type Func func(ctx context.Context, fc *Context) (any, error)

// Context is the per-attempt execution context handed to a fiber body.
type Context struct {
	id       string
	callback string
	payload  json.RawMessage
	snapshot json.RawMessage
	sched    *Scheduler
}

// ID returns the fiber id.
func (c *Context) ID() string { return c.id }

// Callback returns the registered callback name.
func (c *Context) Callback() string { return c.callback }

// Payload returns the raw spawn payload.
func (c *Context) Payload() json.RawMessage { return c.payload }

// BindPayload unmarshals the spawn payload into v.
func (c *Context) BindPayload(v any) error {
	if len(c.payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.payload, v)
}

// Snapshot returns the last stashed checkpoint, nil on a fresh first attempt.
// Resumed fibers should consult it to skip completed work.
func (c *Context) Snapshot() json.RawMessage { return c.snapshot }

// BindSnapshot unmarshals the last checkpoint into v. Returns false without
// touching v when no checkpoint exists yet.
func (c *Context) BindSnapshot(v any) (bool, error) {
	if len(c.snapshot) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(c.snapshot, v); err != nil {
		return false, err
	}
	return true, nil
}

// Stash replaces the fiber's persisted checkpoint wholesale. It is not a
// merge: the body must re-supply the full state it wants preserved. Intended
// to be called after each discrete unit of progress.
func (c *Context) Stash(ctx context.Context, state any) error {
	ok, err := c.sched.StashFiber(ctx, c.id, state)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRunning
	}
	// Keep the in-memory copy aligned so a local retry resumes from here.
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	c.snapshot = data
	return nil
}

// CompletionEvent describes a fiber reaching a terminal state: completed,
// failed or cancelled.
type CompletionEvent struct {
	ID       string          `json:"id"`
	Callback string          `json:"callback"`
	Status   store.Status    `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// RecoveryEvent describes an orphaned fiber picked up by the recovery
// protocol, before its body is restarted from the persisted snapshot.
type RecoveryEvent struct {
	ID         string          `json:"id"`
	Callback   string          `json:"callback"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// CompletionHook is invoked after a fiber reaches a terminal state.
type CompletionHook func(ev CompletionEvent)

// RecoveryHook is invoked for each orphaned fiber the recovery protocol
// decides to restart, before the restart happens.
type RecoveryHook func(ev RecoveryEvent)
