package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Backend.
// Suitable for development and testing. Data is lost on restart, so evictions
// are only survivable with a durable backend.
type MemoryStore struct {
	fibers     map[string]*Fiber
	heartbeats map[string]time.Time
	mu         sync.RWMutex
	closed     bool
}

// NewMemoryStore creates a new in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fibers:     make(map[string]*Fiber),
		heartbeats: make(map[string]time.Time),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateFiber persists a new fiber row.
func (s *MemoryStore) CreateFiber(ctx context.Context, fiber *Fiber) error {
	if fiber == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if fiber.ID == "" {
		fiber.ID = uuid.New().String()
	}
	if _, ok := s.fibers[fiber.ID]; ok {
		return ErrAlreadyExists
	}

	now := time.Now()
	if fiber.CreatedAt.IsZero() {
		fiber.CreatedAt = now
	}
	fiber.UpdatedAt = now

	s.fibers[fiber.ID] = fiber.Clone()
	return nil
}

// GetFiber retrieves a fiber by ID.
func (s *MemoryStore) GetFiber(ctx context.Context, fiberID string) (*Fiber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	fiber, ok := s.fibers[fiberID]
	if !ok {
		return nil, ErrNotFound
	}
	return fiber.Clone(), nil
}

// UpdateSnapshot replaces the snapshot of a running fiber wholesale.
func (s *MemoryStore) UpdateSnapshot(ctx context.Context, fiberID string, snapshot json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	fiber, ok := s.fibers[fiberID]
	if !ok || fiber.Status != StatusRunning {
		return ErrNotFound
	}

	fiber.Snapshot = append(json.RawMessage(nil), snapshot...)
	fiber.UpdatedAt = time.Now()
	return nil
}

// UpdateRetryCount sets the retry count of a running fiber.
func (s *MemoryStore) UpdateRetryCount(ctx context.Context, fiberID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	fiber, ok := s.fibers[fiberID]
	if !ok || fiber.Status != StatusRunning {
		return ErrNotFound
	}

	fiber.RetryCount = retryCount
	fiber.UpdatedAt = time.Now()
	return nil
}

// MarkTerminal transitions a running fiber to a terminal status.
func (s *MemoryStore) MarkTerminal(ctx context.Context, fiberID string, status Status, result json.RawMessage, errMsg string, completedAt time.Time) error {
	if !status.IsTerminal() {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	fiber, ok := s.fibers[fiberID]
	if !ok || fiber.Status != StatusRunning {
		return ErrNotFound
	}

	fiber.Status = status
	fiber.Result = append(json.RawMessage(nil), result...)
	fiber.Error = errMsg
	t := completedAt
	fiber.CompletedAt = &t
	fiber.UpdatedAt = time.Now()
	return nil
}

// ListRunning returns all running fibers ordered oldest-first by CreatedAt.
func (s *MemoryStore) ListRunning(ctx context.Context) ([]*Fiber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*Fiber, 0)
	for _, fiber := range s.fibers {
		if fiber.Status == StatusRunning {
			result = append(result, fiber.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteTerminalBefore deletes terminal rows older than the cutoff.
func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	if !status.IsTerminal() {
		return 0, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	deleted := 0
	for id, fiber := range s.fibers {
		if fiber.Status == status && fiber.CompletedAt != nil && fiber.CompletedAt.Before(cutoff) {
			delete(s.fibers, id)
			deleted++
		}
	}
	return deleted, nil
}

// PutHeartbeat creates or replaces the wake timer for a fiber.
func (s *MemoryStore) PutHeartbeat(ctx context.Context, fiberID string, wakeAt time.Time) error {
	if fiberID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.heartbeats[fiberID] = wakeAt
	return nil
}

// DeleteHeartbeat removes the wake timer for a fiber.
func (s *MemoryStore) DeleteHeartbeat(ctx context.Context, fiberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.heartbeats, fiberID)
	return nil
}

// GetHeartbeat retrieves the wake timer for a fiber.
func (s *MemoryStore) GetHeartbeat(ctx context.Context, fiberID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return time.Time{}, ErrStoreClosed
	}

	wakeAt, ok := s.heartbeats[fiberID]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return wakeAt, nil
}

// ListHeartbeats returns all heartbeat entries.
func (s *MemoryStore) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]Heartbeat, 0, len(s.heartbeats))
	for id, wakeAt := range s.heartbeats {
		result = append(result, Heartbeat{FiberID: id, WakeAt: wakeAt})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FiberID < result[j].FiberID
	})
	return result, nil
}
