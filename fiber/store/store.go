package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// Status represents the lifecycle status of a fiber.
type Status string

const (
	// StatusRunning indicates the fiber is executing (or presumed to be;
	// recovery reconciles rows left running across an eviction).
	StatusRunning Status = "running"

	// StatusCompleted indicates the fiber finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the fiber exhausted its retry budget.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the fiber was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Fiber is the persistent record of a durable background task.
type Fiber struct {
	// ID is the unique identifier for the fiber
	ID string `json:"id"`

	// Callback is the registered name of the task function
	Callback string `json:"callback"`

	// Payload is the serialized task input
	Payload json.RawMessage `json:"payload,omitempty"`

	// Status is the current lifecycle status
	Status Status `json:"status"`

	// Snapshot is the last checkpoint, replaced wholesale on each stash
	Snapshot json.RawMessage `json:"snapshot,omitempty"`

	// Result is the serialized return value (set on completion)
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the failure message (set on failure)
	Error string `json:"error,omitempty"`

	// RetryCount is the number of attempts consumed so far, counting both
	// local retries and eviction-triggered restarts
	RetryCount int `json:"retry_count"`

	// MaxRetries is the retry budget; total attempts = MaxRetries + 1
	MaxRetries int `json:"max_retries"`

	// CreatedAt is when the fiber was spawned
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the row was last written
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is set iff the status is terminal
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the fiber is in a terminal state.
func (f *Fiber) IsTerminal() bool {
	return f.Status.IsTerminal()
}

// Clone returns a deep copy of the fiber record.
func (f *Fiber) Clone() *Fiber {
	c := *f
	if f.Payload != nil {
		c.Payload = append(json.RawMessage(nil), f.Payload...)
	}
	if f.Snapshot != nil {
		c.Snapshot = append(json.RawMessage(nil), f.Snapshot...)
	}
	if f.Result != nil {
		c.Result = append(json.RawMessage(nil), f.Result...)
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Heartbeat is a per-fiber wake timer. The host is expected to invoke the
// recovery entry point no earlier than WakeAt.
type Heartbeat struct {
	FiberID string    `json:"fiber_id"`
	WakeAt  time.Time `json:"wake_at"`
}

// Store is the base interface for all persistent stores.
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// FiberStore defines the interface for fiber record persistence.
// Pure CRUD; all lifecycle logic lives in the fiber package.
type FiberStore interface {
	Store

	// CreateFiber persists a new fiber row. Returns ErrAlreadyExists if a
	// row with the same ID exists.
	CreateFiber(ctx context.Context, fiber *Fiber) error

	// GetFiber retrieves a fiber by ID. Returns ErrNotFound if absent.
	GetFiber(ctx context.Context, fiberID string) (*Fiber, error)

	// UpdateSnapshot replaces the snapshot of a running fiber wholesale.
	// Returns ErrNotFound if the fiber is absent or not running.
	UpdateSnapshot(ctx context.Context, fiberID string, snapshot json.RawMessage) error

	// UpdateRetryCount sets the retry count of a running fiber.
	// Returns ErrNotFound if the fiber is absent or not running.
	UpdateRetryCount(ctx context.Context, fiberID string, retryCount int) error

	// MarkTerminal transitions a running fiber to a terminal status, setting
	// result/error and completedAt. Returns ErrNotFound if the fiber is
	// absent or already terminal, so a double transition never overwrites.
	MarkTerminal(ctx context.Context, fiberID string, status Status, result json.RawMessage, errMsg string, completedAt time.Time) error

	// ListRunning returns all running fibers ordered oldest-first by CreatedAt.
	ListRunning(ctx context.Context) ([]*Fiber, error)

	// DeleteTerminalBefore deletes rows with the given terminal status whose
	// CompletedAt is before the cutoff. Returns the number of rows deleted.
	DeleteTerminalBefore(ctx context.Context, status Status, cutoff time.Time) (int, error)
}

// HeartbeatStore defines the interface for heartbeat schedule persistence.
type HeartbeatStore interface {
	Store

	// PutHeartbeat creates or replaces the wake timer for a fiber.
	PutHeartbeat(ctx context.Context, fiberID string, wakeAt time.Time) error

	// DeleteHeartbeat removes the wake timer for a fiber. Deleting an absent
	// entry is not an error.
	DeleteHeartbeat(ctx context.Context, fiberID string) error

	// GetHeartbeat retrieves the wake timer for a fiber.
	// Returns ErrNotFound if absent.
	GetHeartbeat(ctx context.Context, fiberID string) (time.Time, error)

	// ListHeartbeats returns all heartbeat entries.
	ListHeartbeats(ctx context.Context) ([]Heartbeat, error)
}

// Backend bundles the two stores the engine needs. Every concrete backend in
// this package implements both over the same underlying storage.
type Backend interface {
	FiberStore
	HeartbeatStore
}

// Type represents the type of storage backend.
type Type string

const (
	TypeMemory   Type = "memory"
	TypeSQLite   Type = "sqlite"
	TypePostgres Type = "postgres"
	TypeMySQL    Type = "mysql"
	TypeRedis    Type = "redis"
)

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Config is the configuration for store backends.
type Config struct {
	// Type is the storage backend type
	Type Type `json:"type" yaml:"type"`

	// Path is the database file path for the sqlite backend
	Path string `json:"path" yaml:"path"`

	// DSN is the connection string for the postgres/mysql backends
	DSN string `json:"dsn" yaml:"dsn"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{
		Type: TypeMemory,
		Path: "./data/fiberflow.db",
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "fiberflow:",
		},
	}
}
