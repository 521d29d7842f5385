// Package fiberflow provides a top-level convenience entry point for creating
// a durable fiber scheduler with minimal boilerplate.
//
// Usage:
//
//	import "github.com/taowen/fiberflow"
//
//	callbacks := fiberflow.NewCallbackRegistry()
//	callbacks.MustRegister("research", runResearch)
//
//	sched, err := fiberflow.New(callbacks)
//	sched, err := fiberflow.New(callbacks, fiberflow.WithBackend(myBackend))
//
// This is a thin wrapper around [fiber.NewScheduler]; both produce identical
// results. Use this package when you prefer the shorter import path.
package fiberflow

import (
	"go.uber.org/zap"

	"github.com/taowen/fiberflow/fiber"
	"github.com/taowen/fiberflow/fiber/store"
)

// Option configures the scheduler created by [New].
type Option func(*settings)

type settings struct {
	cfg     fiber.Config
	backend store.Backend
	opts    []fiber.Option
}

// WithConfig overrides the default engine configuration.
func WithConfig(cfg fiber.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithBackend sets the persistence backend. Defaults to an in-memory store,
// which does not survive restarts; production deployments want a durable one
// from [store.New].
func WithBackend(backend store.Backend) Option {
	return func(s *settings) { s.backend = backend }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.opts = append(s.opts, fiber.WithLogger(logger)) }
}

// WithWakeScheduler wires the host wake/alarm primitive.
func WithWakeScheduler(w fiber.WakeScheduler) Option {
	return func(s *settings) { s.opts = append(s.opts, fiber.WithWakeScheduler(w)) }
}

// WithHostKeepAlive wires the host hibernation lock.
func WithHostKeepAlive(host fiber.HostKeepAlive) Option {
	return func(s *settings) { s.opts = append(s.opts, fiber.WithHostKeepAlive(host)) }
}

// WithOnFiberComplete sets the terminal-state hook.
func WithOnFiberComplete(hook fiber.CompletionHook) Option {
	return func(s *settings) { s.opts = append(s.opts, fiber.WithOnFiberComplete(hook)) }
}

// WithOnFiberRecovered sets the recovery hook.
func WithOnFiberRecovered(hook fiber.RecoveryHook) Option {
	return func(s *settings) { s.opts = append(s.opts, fiber.WithOnFiberRecovered(hook)) }
}

// NewCallbackRegistry creates an empty callback registry.
func NewCallbackRegistry() *fiber.CallbackRegistry {
	return fiber.NewCallbackRegistry()
}

// New creates a [fiber.Scheduler] with minimal configuration.
func New(callbacks *fiber.CallbackRegistry, opts ...Option) (*fiber.Scheduler, error) {
	s := settings{cfg: fiber.DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.backend == nil {
		s.backend = store.NewMemoryStore()
	}
	return fiber.NewScheduler(s.cfg, s.backend, s.backend, callbacks, s.opts...)
}
