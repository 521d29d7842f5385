package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-based implementation of Backend.
// Fiber records are stored as JSON blobs with sorted-set indexes per status;
// the running index is scored by CreatedAt so recovery reads oldest-first,
// terminal indexes are scored by CompletedAt so cleanup can range-scan.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis-backed store and verifies the connection.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "fiberflow:"
	}

	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// fiberKey returns the Redis key for a fiber record.
func (s *RedisStore) fiberKey(fiberID string) string {
	return s.keyPrefix + "fiber:data:" + fiberID
}

// statusKey returns the Redis key for a status index.
func (s *RedisStore) statusKey(status Status) string {
	return s.keyPrefix + "fiber:status:" + string(status)
}

// heartbeatKey returns the Redis key for the heartbeat index.
func (s *RedisStore) heartbeatKey() string {
	return s.keyPrefix + "heartbeat"
}

func (s *RedisStore) saveFiber(ctx context.Context, pipe redis.Pipeliner, fiber *Fiber) error {
	data, err := json.Marshal(fiber)
	if err != nil {
		return fmt.Errorf("failed to marshal fiber: %w", err)
	}
	pipe.Set(ctx, s.fiberKey(fiber.ID), data, 0)
	return nil
}

// CreateFiber persists a new fiber row.
func (s *RedisStore) CreateFiber(ctx context.Context, fiber *Fiber) error {
	if fiber == nil {
		return ErrInvalidInput
	}

	if fiber.ID == "" {
		fiber.ID = uuid.New().String()
	}
	now := time.Now()
	if fiber.CreatedAt.IsZero() {
		fiber.CreatedAt = now
	}
	fiber.UpdatedAt = now

	data, err := json.Marshal(fiber)
	if err != nil {
		return fmt.Errorf("failed to marshal fiber: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.fiberKey(fiber.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create fiber: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	if fiber.Status == StatusRunning {
		if err := s.client.ZAdd(ctx, s.statusKey(StatusRunning), redis.Z{
			Score:  float64(fiber.CreatedAt.UnixNano()),
			Member: fiber.ID,
		}).Err(); err != nil {
			return fmt.Errorf("failed to index fiber: %w", err)
		}
	}
	return nil
}

// GetFiber retrieves a fiber by ID.
func (s *RedisStore) GetFiber(ctx context.Context, fiberID string) (*Fiber, error) {
	data, err := s.client.Get(ctx, s.fiberKey(fiberID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fiber: %w", err)
	}

	var fiber Fiber
	if err := json.Unmarshal(data, &fiber); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fiber: %w", err)
	}
	return &fiber, nil
}

// getRunning loads a fiber and verifies it is still running.
func (s *RedisStore) getRunning(ctx context.Context, fiberID string) (*Fiber, error) {
	fiber, err := s.GetFiber(ctx, fiberID)
	if err != nil {
		return nil, err
	}
	if fiber.Status != StatusRunning {
		return nil, ErrNotFound
	}
	return fiber, nil
}

// UpdateSnapshot replaces the snapshot of a running fiber wholesale.
func (s *RedisStore) UpdateSnapshot(ctx context.Context, fiberID string, snapshot json.RawMessage) error {
	fiber, err := s.getRunning(ctx, fiberID)
	if err != nil {
		return err
	}

	fiber.Snapshot = append(json.RawMessage(nil), snapshot...)
	fiber.UpdatedAt = time.Now()

	pipe := s.client.Pipeline()
	if err := s.saveFiber(ctx, pipe, fiber); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update snapshot: %w", err)
	}
	return nil
}

// UpdateRetryCount sets the retry count of a running fiber.
func (s *RedisStore) UpdateRetryCount(ctx context.Context, fiberID string, retryCount int) error {
	fiber, err := s.getRunning(ctx, fiberID)
	if err != nil {
		return err
	}

	fiber.RetryCount = retryCount
	fiber.UpdatedAt = time.Now()

	pipe := s.client.Pipeline()
	if err := s.saveFiber(ctx, pipe, fiber); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update retry count: %w", err)
	}
	return nil
}

// MarkTerminal transitions a running fiber to a terminal status.
func (s *RedisStore) MarkTerminal(ctx context.Context, fiberID string, status Status, result json.RawMessage, errMsg string, completedAt time.Time) error {
	if !status.IsTerminal() {
		return ErrInvalidInput
	}

	fiber, err := s.getRunning(ctx, fiberID)
	if err != nil {
		return err
	}

	fiber.Status = status
	fiber.Result = append(json.RawMessage(nil), result...)
	fiber.Error = errMsg
	t := completedAt
	fiber.CompletedAt = &t
	fiber.UpdatedAt = time.Now()

	pipe := s.client.Pipeline()
	if err := s.saveFiber(ctx, pipe, fiber); err != nil {
		return err
	}
	pipe.ZRem(ctx, s.statusKey(StatusRunning), fiberID)
	pipe.ZAdd(ctx, s.statusKey(status), redis.Z{
		Score:  float64(completedAt.UnixNano()),
		Member: fiberID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark fiber terminal: %w", err)
	}
	return nil
}

// ListRunning returns all running fibers ordered oldest-first by CreatedAt.
func (s *RedisStore) ListRunning(ctx context.Context) ([]*Fiber, error) {
	ids, err := s.client.ZRange(ctx, s.statusKey(StatusRunning), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list running fibers: %w", err)
	}

	result := make([]*Fiber, 0, len(ids))
	for _, id := range ids {
		fiber, err := s.GetFiber(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Stale index entry; drop it.
				s.client.ZRem(ctx, s.statusKey(StatusRunning), id)
				continue
			}
			return nil, err
		}
		if fiber.Status == StatusRunning {
			result = append(result, fiber)
		}
	}
	return result, nil
}

// DeleteTerminalBefore deletes terminal rows older than the cutoff.
func (s *RedisStore) DeleteTerminalBefore(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	if !status.IsTerminal() {
		return 0, ErrInvalidInput
	}

	max := fmt.Sprintf("(%d", cutoff.UnixNano())
	ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired fibers: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.fiberKey(id))
		pipe.ZRem(ctx, s.statusKey(status), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete expired fibers: %w", err)
	}
	return len(ids), nil
}

// PutHeartbeat creates or replaces the wake timer for a fiber.
func (s *RedisStore) PutHeartbeat(ctx context.Context, fiberID string, wakeAt time.Time) error {
	if fiberID == "" {
		return ErrInvalidInput
	}

	err := s.client.ZAdd(ctx, s.heartbeatKey(), redis.Z{
		Score:  float64(wakeAt.UnixNano()),
		Member: fiberID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to put heartbeat: %w", err)
	}
	return nil
}

// DeleteHeartbeat removes the wake timer for a fiber.
func (s *RedisStore) DeleteHeartbeat(ctx context.Context, fiberID string) error {
	if err := s.client.ZRem(ctx, s.heartbeatKey(), fiberID).Err(); err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat retrieves the wake timer for a fiber.
func (s *RedisStore) GetHeartbeat(ctx context.Context, fiberID string) (time.Time, error) {
	score, err := s.client.ZScore(ctx, s.heartbeatKey(), fiberID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return time.Unix(0, int64(score)), nil
}

// ListHeartbeats returns all heartbeat entries.
func (s *RedisStore) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	entries, err := s.client.ZRangeWithScores(ctx, s.heartbeatKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}

	result := make([]Heartbeat, 0, len(entries))
	for _, entry := range entries {
		id, ok := entry.Member.(string)
		if !ok {
			continue
		}
		result = append(result, Heartbeat{FiberID: id, WakeAt: time.Unix(0, int64(entry.Score))})
	}
	return result, nil
}
