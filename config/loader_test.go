package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taowen/fiberflow/fiber/store"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, store.TypeMemory, cfg.Store.Type)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Engine.HeartbeatInterval.Std())
	assert.Equal(t, 24*time.Hour, cfg.Engine.Cleanup.CompletedRetention.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.Cleanup.FailedRetention.Std())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiberflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_retries: 5
  heartbeat_interval: 10s
  cleanup:
    enabled: true
    interval: 30m
    completed_retention: 1h
store:
  type: sqlite
  path: /var/lib/fiberflow/fibers.db
log:
  level: debug
  format: console
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Engine.HeartbeatInterval.Std())
	assert.Equal(t, time.Hour, cfg.Engine.Cleanup.CompletedRetention.Std())
	assert.Equal(t, store.TypeSQLite, cfg.Store.Type)
	assert.Equal(t, "/var/lib/fiberflow/fibers.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiberflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: sqlite\n"), 0o644))

	t.Setenv("FIBERFLOW_STORE_TYPE", "redis")
	t.Setenv("FIBERFLOW_REDIS_HOST", "redis.internal")
	t.Setenv("FIBERFLOW_REDIS_PORT", "6380")
	t.Setenv("FIBERFLOW_MAX_RETRIES", "1")
	t.Setenv("FIBERFLOW_HEARTBEAT_INTERVAL", "5s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, store.TypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis.internal", cfg.Store.Redis.Host)
	assert.Equal(t, 6380, cfg.Store.Redis.Port)
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Engine.HeartbeatInterval.Std())
}

func TestInvalidEnvValue(t *testing.T) {
	t.Setenv("FIBERFLOW_REDIS_PORT", "not-a-port")
	_, err := NewLoader().Load()
	require.ErrorContains(t, err, "FIBERFLOW_REDIS_PORT")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := NewLoader().WithConfigPath("/nonexistent/fiberflow.yaml").Load()
	require.Error(t, err)
}
