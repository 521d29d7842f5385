package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a SQL implementation of Backend on top of GORM.
// It works with any dialector; the factory wires sqlite, postgres and mysql.
// The schema is created idempotently on construction.
type GormStore struct {
	db *gorm.DB
}

// fiberRow is the GORM model for the fibers table.
type fiberRow struct {
	ID          string     `gorm:"column:id;primaryKey"`
	Callback    string     `gorm:"column:callback;not null"`
	Payload     []byte     `gorm:"column:payload"`
	Status      string     `gorm:"column:status;not null;index"`
	Snapshot    []byte     `gorm:"column:snapshot"`
	Result      []byte     `gorm:"column:result"`
	Error       string     `gorm:"column:error"`
	RetryCount  int        `gorm:"column:retry_count;not null;default:0"`
	MaxRetries  int        `gorm:"column:max_retries;not null;default:0"`
	CreatedAt   time.Time  `gorm:"column:created_at;index"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
	CompletedAt *time.Time `gorm:"column:completed_at;index"`
}

// TableName implements gorm schema.Tabler.
func (fiberRow) TableName() string { return "fibers" }

// heartbeatRow is the GORM model for the heartbeat_schedules table.
type heartbeatRow struct {
	FiberID string    `gorm:"column:fiber_id;primaryKey"`
	WakeAt  time.Time `gorm:"column:wake_at;not null"`
}

// TableName implements gorm schema.Tabler.
func (heartbeatRow) TableName() string { return "heartbeat_schedules" }

// NewGormStore creates a SQL-backed store and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&fiberRow{}, &heartbeatRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate fiber schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func toRow(f *Fiber) *fiberRow {
	return &fiberRow{
		ID:          f.ID,
		Callback:    f.Callback,
		Payload:     f.Payload,
		Status:      string(f.Status),
		Snapshot:    f.Snapshot,
		Result:      f.Result,
		Error:       f.Error,
		RetryCount:  f.RetryCount,
		MaxRetries:  f.MaxRetries,
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
		CompletedAt: f.CompletedAt,
	}
}

func fromRow(r *fiberRow) *Fiber {
	return &Fiber{
		ID:          r.ID,
		Callback:    r.Callback,
		Payload:     r.Payload,
		Status:      Status(r.Status),
		Snapshot:    r.Snapshot,
		Result:      r.Result,
		Error:       r.Error,
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// CreateFiber persists a new fiber row.
func (s *GormStore) CreateFiber(ctx context.Context, fiber *Fiber) error {
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

	err := s.db.WithContext(ctx).Create(toRow(fiber)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyExists
		}
		// Not every dialect reports gorm.ErrDuplicatedKey; fall back to a
		// lookup so the sentinel stays reliable.
		if _, gerr := s.GetFiber(ctx, fiber.ID); gerr == nil {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create fiber: %w", err)
	}
	return nil
}

// GetFiber retrieves a fiber by ID.
func (s *GormStore) GetFiber(ctx context.Context, fiberID string) (*Fiber, error) {
	var row fiberRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", fiberID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get fiber: %w", err)
	}
	return fromRow(&row), nil
}

// UpdateSnapshot replaces the snapshot of a running fiber wholesale.
func (s *GormStore) UpdateSnapshot(ctx context.Context, fiberID string, snapshot json.RawMessage) error {
	res := s.db.WithContext(ctx).
		Model(&fiberRow{}).
		Where("id = ? AND status = ?", fiberID, string(StatusRunning)).
		Updates(map[string]any{
			"snapshot":   []byte(snapshot),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRetryCount sets the retry count of a running fiber.
func (s *GormStore) UpdateRetryCount(ctx context.Context, fiberID string, retryCount int) error {
	res := s.db.WithContext(ctx).
		Model(&fiberRow{}).
		Where("id = ? AND status = ?", fiberID, string(StatusRunning)).
		Updates(map[string]any{
			"retry_count": retryCount,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update retry count: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTerminal transitions a running fiber to a terminal status. The status
// guard in the WHERE clause keeps double transitions from overwriting.
func (s *GormStore) MarkTerminal(ctx context.Context, fiberID string, status Status, result json.RawMessage, errMsg string, completedAt time.Time) error {
	if !status.IsTerminal() {
		return ErrInvalidInput
	}

	res := s.db.WithContext(ctx).
		Model(&fiberRow{}).
		Where("id = ? AND status = ?", fiberID, string(StatusRunning)).
		Updates(map[string]any{
			"status":       string(status),
			"result":       []byte(result),
			"error":        errMsg,
			"completed_at": completedAt,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark fiber terminal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRunning returns all running fibers ordered oldest-first by CreatedAt.
func (s *GormStore) ListRunning(ctx context.Context) ([]*Fiber, error) {
	var rows []fiberRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(StatusRunning)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list running fibers: %w", err)
	}

	result := make([]*Fiber, 0, len(rows))
	for i := range rows {
		result = append(result, fromRow(&rows[i]))
	}
	return result, nil
}

// DeleteTerminalBefore deletes terminal rows older than the cutoff.
func (s *GormStore) DeleteTerminalBefore(ctx context.Context, status Status, cutoff time.Time) (int, error) {
	if !status.IsTerminal() {
		return 0, ErrInvalidInput
	}

	res := s.db.WithContext(ctx).
		Where("status = ? AND completed_at IS NOT NULL AND completed_at < ?", string(status), cutoff).
		Delete(&fiberRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired fibers: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// PutHeartbeat creates or replaces the wake timer for a fiber.
func (s *GormStore) PutHeartbeat(ctx context.Context, fiberID string, wakeAt time.Time) error {
	if fiberID == "" {
		return ErrInvalidInput
	}

	row := heartbeatRow{FiberID: fiberID, WakeAt: wakeAt}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fiber_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"wake_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to put heartbeat: %w", err)
	}
	return nil
}

// DeleteHeartbeat removes the wake timer for a fiber.
func (s *GormStore) DeleteHeartbeat(ctx context.Context, fiberID string) error {
	err := s.db.WithContext(ctx).Delete(&heartbeatRow{}, "fiber_id = ?", fiberID).Error
	if err != nil {
		return fmt.Errorf("failed to delete heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat retrieves the wake timer for a fiber.
func (s *GormStore) GetHeartbeat(ctx context.Context, fiberID string) (time.Time, error) {
	var row heartbeatRow
	err := s.db.WithContext(ctx).First(&row, "fiber_id = ?", fiberID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return row.WakeAt, nil
}

// ListHeartbeats returns all heartbeat entries.
func (s *GormStore) ListHeartbeats(ctx context.Context) ([]Heartbeat, error) {
	var rows []heartbeatRow
	err := s.db.WithContext(ctx).Order("fiber_id ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}

	result := make([]Heartbeat, 0, len(rows))
	for _, row := range rows {
		result = append(result, Heartbeat{FiberID: row.FiberID, WakeAt: row.WakeAt})
	}
	return result, nil
}
