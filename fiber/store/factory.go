package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New creates a Backend based on the configuration.
func New(cfg Config) (Backend, error) {
	switch cfg.Type {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeSQLite:
		return openGorm(sqlite.Open(cfg.Path))
	case TypePostgres:
		return openGorm(postgres.Open(cfg.DSN))
	case TypeMySQL:
		return openGorm(mysql.Open(cfg.DSN))
	case TypeRedis:
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

func openGorm(dialector gorm.Dialector) (Backend, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return NewGormStore(db)
}
