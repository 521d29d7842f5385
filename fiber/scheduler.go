package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taowen/fiberflow/fiber/store"
)

// Config configures the fiber scheduler.
type Config struct {
	// MaxRetries is the default retry budget for spawned fibers
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// HeartbeatInterval bounds the detection latency of an interruption:
	// every running fiber keeps a wake timer this far in the future
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// Cleanup configures the lazy sweep of expired terminal rows
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

// CleanupConfig configures the retention sweep. The sweep runs piggybacked on
// Spawn, throttled to at most one run per Interval.
type CleanupConfig struct {
	// Enabled determines if the lazy sweep runs at all
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is the minimum gap between two sweeps
	Interval time.Duration `json:"interval" yaml:"interval"`

	// CompletedRetention is how long completed rows are kept
	CompletedRetention time.Duration `json:"completed_retention" yaml:"completed_retention"`

	// FailedRetention is how long failed rows are kept
	FailedRetention time.Duration `json:"failed_retention" yaml:"failed_retention"`

	// CancelledRetention is how long cancelled rows are kept. Zero keeps
	// them forever.
	CancelledRetention time.Duration `json:"cancelled_retention" yaml:"cancelled_retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:            true,
		Interval:           1 * time.Hour,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		CancelledRetention: 7 * 24 * time.Hour,
	}
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		HeartbeatInterval: 30 * time.Second,
		Cleanup:           DefaultCleanupConfig(),
	}
}

// Scheduler orchestrates the fiber lifecycle: spawn, stash, cancel,
// completion with local retries, eviction recovery and record cleanup.
// It owns the in-memory registry of live executions and the keep-alive
// guard; persistent state lives in the injected stores.
type Scheduler struct {
	cfg       Config
	fibers    store.FiberStore
	hbs       store.HeartbeatStore
	callbacks *CallbackRegistry
	registry  *liveRegistry
	keepAlive *KeepAliveGuard
	wake      WakeScheduler
	metrics   *Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	onComplete  CompletionHook
	onRecovered RecoveryHook

	cleanupLimiter *rate.Limiter

	closed chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithWakeScheduler wires the host wake/alarm primitive.
func WithWakeScheduler(w WakeScheduler) Option {
	return func(s *Scheduler) { s.wake = w }
}

// WithHostKeepAlive wires the host hibernation lock into the KeepAliveGuard.
func WithHostKeepAlive(host HostKeepAlive) Option {
	return func(s *Scheduler) { s.keepAlive = NewKeepAliveGuard(host) }
}

// WithOnFiberComplete sets the terminal-state hook.
func WithOnFiberComplete(hook CompletionHook) Option {
	return func(s *Scheduler) { s.onComplete = hook }
}

// WithOnFiberRecovered sets the recovery hook.
func WithOnFiberRecovered(hook RecoveryHook) Option {
	return func(s *Scheduler) { s.onRecovered = hook }
}

// WithMetrics registers engine metrics against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.metrics = NewMetrics(reg) }
}

// NewScheduler creates a fiber scheduler.
func NewScheduler(cfg Config, fibers store.FiberStore, heartbeats store.HeartbeatStore, callbacks *CallbackRegistry, opts ...Option) (*Scheduler, error) {
	if fibers == nil || heartbeats == nil {
		return nil, fmt.Errorf("fiber and heartbeat stores are required")
	}
	if callbacks == nil {
		callbacks = NewCallbackRegistry()
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}

	s := &Scheduler{
		cfg:       cfg,
		fibers:    fibers,
		hbs:       heartbeats,
		callbacks: callbacks,
		registry:  newLiveRegistry(),
		keepAlive: NewKeepAliveGuard(nil),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("fiberflow/fiber"),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "fiber_scheduler"))

	interval := cfg.Cleanup.Interval
	if interval <= 0 {
		interval = DefaultCleanupConfig().Interval
	}
	s.cleanupLimiter = rate.NewLimiter(rate.Every(interval), 1)

	return s, nil
}

// KeepAlive returns the scheduler's hibernation guard.
func (s *Scheduler) KeepAlive() *KeepAliveGuard { return s.keepAlive }

// Callbacks returns the callback registry.
func (s *Scheduler) Callbacks() *CallbackRegistry { return s.callbacks }

// LiveCount returns the number of fibers with a live execution handle.
func (s *Scheduler) LiveCount() int { return s.registry.size() }

func (s *Scheduler) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// SpawnOption configures a single spawn.
type SpawnOption func(*spawnSettings)

type spawnSettings struct {
	id         string
	maxRetries int
}

// WithMaxRetries overrides the retry budget for this fiber.
func WithMaxRetries(n int) SpawnOption {
	return func(o *spawnSettings) { o.maxRetries = n }
}

// WithFiberID pins the fiber id instead of generating one.
func WithFiberID(id string) SpawnOption {
	return func(o *spawnSettings) { o.id = id }
}

// Spawn creates a fiber and begins executing its body asynchronously. The
// running row is persisted before Spawn returns, so state is observable
// immediately. Persistence failures propagate to the caller.
func (s *Scheduler) Spawn(ctx context.Context, callback string, payload any, opts ...SpawnOption) (string, error) {
	ctx, span := s.tracer.Start(ctx, "fiber.spawn",
		trace.WithAttributes(attribute.String("fiber.callback", callback)))
	defer span.End()

	if s.isClosed() {
		return "", ErrSchedulerClosed
	}

	fn, ok := s.callbacks.Resolve(callback)
	if !ok {
		return "", fmt.Errorf("unknown callback: %s", callback)
	}

	settings := spawnSettings{maxRetries: s.cfg.MaxRetries}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.maxRetries < 0 {
		return "", fmt.Errorf("max retries cannot be negative")
	}

	var rawPayload json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		rawPayload = data
	}

	// Amortize record cleanup into spawn traffic.
	s.maybeCleanup(ctx)

	f := &store.Fiber{
		ID:         settings.id,
		Callback:   callback,
		Payload:    rawPayload,
		Status:     store.StatusRunning,
		RetryCount: 0,
		MaxRetries: settings.maxRetries,
	}
	if err := s.fibers.CreateFiber(ctx, f); err != nil {
		return "", fmt.Errorf("failed to persist fiber: %w", err)
	}
	span.SetAttributes(attribute.String("fiber.id", f.ID))

	if err := s.scheduleHeartbeat(ctx, f.ID); err != nil {
		return "", err
	}

	s.startExecution(fn, f)
	s.metrics.spawned()

	s.logger.Info("fiber spawned",
		zap.String("fiber_id", f.ID),
		zap.String("callback", callback),
		zap.Int("max_retries", settings.maxRetries),
	)

	return f.ID, nil
}

// scheduleHeartbeat persists the wake timer for a fiber and forwards it to
// the host wake primitive.
func (s *Scheduler) scheduleHeartbeat(ctx context.Context, fiberID string) error {
	wakeAt := time.Now().Add(s.cfg.HeartbeatInterval)
	if err := s.hbs.PutHeartbeat(ctx, fiberID, wakeAt); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}
	if s.wake != nil {
		if err := s.wake.ScheduleWake(ctx, wakeAt); err != nil {
			s.logger.Warn("failed to schedule host wake",
				zap.String("fiber_id", fiberID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// startExecution registers a live handle, takes the keep-alive lock and
// launches the body goroutine.
func (s *Scheduler) startExecution(fn Func, f *store.Fiber) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{id: f.ID, callback: f.Callback, ctx: ctx, cancel: cancel}
	s.registry.add(h)
	s.keepAlive.Start()
	go s.runFiber(h, fn, f)
	return h
}

// runFiber drives one fiber's attempt chain: invoke the body, retry locally
// with the last snapshot while budget remains, then settle terminal state.
func (s *Scheduler) runFiber(h *handle, fn Func, f *store.Fiber) {
	fc := &Context{
		id:       f.ID,
		callback: f.Callback,
		payload:  f.Payload,
		snapshot: f.Snapshot,
		sched:    s,
	}
	retryCount := f.RetryCount

	for {
		result, err := s.invoke(h.ctx, fn, fc)

		if h.ctx.Err() != nil {
			// Cancelled or torn down; whoever cancelled owns the state.
			return
		}

		if err == nil {
			s.settleCompleted(h, f, result)
			return
		}

		retryCount++
		if uerr := s.fibers.UpdateRetryCount(context.Background(), f.ID, retryCount); uerr != nil {
			s.logger.Error("failed to persist retry count",
				zap.String("fiber_id", f.ID),
				zap.Error(uerr),
			)
		}

		if retryCount > f.MaxRetries {
			s.settleFailed(h, f, err.Error())
			return
		}

		s.metrics.localRetry()
		s.logger.Warn("fiber body failed, retrying locally",
			zap.String("fiber_id", f.ID),
			zap.String("callback", f.Callback),
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", f.MaxRetries),
			zap.Error(err),
		)
		// Re-invoke with the last stashed snapshot so the body can skip
		// completed work.
	}
}

// invoke runs the body, converting panics into errors so a panicking task
// consumes retry budget instead of killing the host.
func (s *Scheduler) invoke(ctx context.Context, fn Func, fc *Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fiber panicked: %v", r)
		}
	}()
	return fn(ctx, fc)
}

// settleCompleted finalizes a successful fiber. The registry removal is the
// finalization token: losing it means cancel or teardown got there first.
func (s *Scheduler) settleCompleted(h *handle, f *store.Fiber, result any) {
	if !s.registry.remove(h.id, h) {
		return
	}

	ctx := context.Background()
	rawResult, err := json.Marshal(result)
	if err != nil {
		s.finalize(ctx, h, f, store.StatusFailed, nil, fmt.Sprintf("failed to marshal result: %v", err))
		return
	}
	s.finalize(ctx, h, f, store.StatusCompleted, rawResult, "")
}

// settleFailed finalizes a fiber whose retry budget is exhausted.
func (s *Scheduler) settleFailed(h *handle, f *store.Fiber, errMsg string) {
	if !s.registry.remove(h.id, h) {
		return
	}
	s.finalize(context.Background(), h, f, store.StatusFailed, nil, errMsg)
}

// finalize writes the terminal transition and runs the shared teardown:
// heartbeat removal, keep-alive release, hooks, metrics.
func (s *Scheduler) finalize(ctx context.Context, h *handle, f *store.Fiber, status store.Status, result json.RawMessage, errMsg string) {
	now := time.Now()
	if err := s.fibers.MarkTerminal(ctx, h.id, status, result, errMsg, now); err != nil {
		s.logger.Error("failed to persist terminal state",
			zap.String("fiber_id", h.id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	if err := s.hbs.DeleteHeartbeat(ctx, h.id); err != nil {
		s.logger.Warn("failed to delete heartbeat",
			zap.String("fiber_id", h.id),
			zap.Error(err),
		)
	}
	h.cancel()
	s.keepAlive.Stop()
	s.metrics.terminal(string(status), f.CreatedAt)

	switch status {
	case store.StatusCompleted:
		s.logger.Info("fiber completed", zap.String("fiber_id", h.id), zap.String("callback", h.callback))
	case store.StatusFailed:
		s.logger.Error("fiber failed",
			zap.String("fiber_id", h.id),
			zap.String("callback", h.callback),
			zap.String("error", errMsg),
		)
	}

	if s.onComplete != nil {
		s.onComplete(CompletionEvent{
			ID:       h.id,
			Callback: h.callback,
			Status:   status,
			Result:   result,
			Error:    errMsg,
		})
	}
}

// StashFiber replaces the snapshot of a running fiber wholesale. Returns
// (false, nil) when the id is unknown or the fiber is not running; store
// failures propagate so a silently lost checkpoint cannot happen.
func (s *Scheduler) StashFiber(ctx context.Context, fiberID string, state any) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.fibers.UpdateSnapshot(ctx, fiberID, data); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CancelFiber cancels a running fiber. Returns (false, nil) when the id is
// unknown or already terminal. Cancellation is cooperative: the body's
// context is cancelled, but a body that never observes it runs to completion
// anyway; its late result is discarded because the terminal row already says
// cancelled.
func (s *Scheduler) CancelFiber(ctx context.Context, fiberID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "fiber.cancel",
		trace.WithAttributes(attribute.String("fiber.id", fiberID)))
	defer span.End()

	f, err := s.fibers.GetFiber(ctx, fiberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if f.Status != store.StatusRunning {
		return false, nil
	}

	now := time.Now()
	if err := s.fibers.MarkTerminal(ctx, fiberID, store.StatusCancelled, nil, "", now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the race against completion.
			return false, nil
		}
		return false, err
	}

	if err := s.hbs.DeleteHeartbeat(ctx, fiberID); err != nil {
		s.logger.Warn("failed to delete heartbeat",
			zap.String("fiber_id", fiberID),
			zap.Error(err),
		)
	}

	if h, ok := s.registry.get(fiberID); ok && s.registry.remove(fiberID, h) {
		h.cancel()
		s.keepAlive.Stop()
	}
	s.metrics.terminal(string(store.StatusCancelled), f.CreatedAt)

	s.logger.Info("fiber cancelled", zap.String("fiber_id", fiberID))
	if s.onComplete != nil {
		s.onComplete(CompletionEvent{
			ID:       fiberID,
			Callback: f.Callback,
			Status:   store.StatusCancelled,
		})
	}
	return true, nil
}

// GetFiber returns the persisted state of a fiber, or nil once cleaned up or
// never created.
func (s *Scheduler) GetFiber(ctx context.Context, fiberID string) (*store.Fiber, error) {
	f, err := s.fibers.GetFiber(ctx, fiberID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// Close tears down in-memory execution state without touching persisted
// rows: live bodies are cancelled, the registry is emptied, running rows
// stay running. This mirrors a host eviction; a scheduler sharing the same
// stores can pick the orphans up via CheckFibers.
func (s *Scheduler) Close() error {
	if s.isClosed() {
		return nil
	}
	close(s.closed)

	for _, h := range s.registry.drain() {
		h.cancel()
	}
	s.logger.Info("scheduler closed")
	return nil
}
