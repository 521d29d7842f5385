// Package config provides configuration loading for the fiberflow daemon.
// Precedence: defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taowen/fiberflow/fiber"
	"github.com/taowen/fiberflow/fiber/store"
)

// Duration wraps time.Duration so YAML can express it as "30s" or "24h".
// Plain integers are accepted as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case float64:
		*d = Duration(int64(v))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete daemon configuration.
type Config struct {
	// Engine configures the fiber scheduler
	Engine EngineConfig `yaml:"engine"`

	// Store configures the persistence backend
	Store store.Config `yaml:"store"`

	// Log configures logging
	Log LogConfig `yaml:"log"`

	// Server configures the HTTP surface
	Server ServerConfig `yaml:"server"`
}

// EngineConfig mirrors fiber.Config with YAML-friendly durations.
type EngineConfig struct {
	// MaxRetries is the default retry budget for spawned fibers
	MaxRetries int `yaml:"max_retries"`

	// HeartbeatInterval bounds the detection latency of an interruption
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// Cleanup configures the lazy retention sweep
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// CleanupConfig mirrors fiber.CleanupConfig.
type CleanupConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Interval           Duration `yaml:"interval"`
	CompletedRetention Duration `yaml:"completed_retention"`
	FailedRetention    Duration `yaml:"failed_retention"`
	CancelledRetention Duration `yaml:"cancelled_retention"`
}

// ToFiber converts to the engine's native configuration.
func (c EngineConfig) ToFiber() fiber.Config {
	return fiber.Config{
		MaxRetries:        c.MaxRetries,
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		Cleanup: fiber.CleanupConfig{
			Enabled:            c.Cleanup.Enabled,
			Interval:           c.Cleanup.Interval.Std(),
			CompletedRetention: c.Cleanup.CompletedRetention.Std(),
			FailedRetention:    c.Cleanup.FailedRetention.Std(),
			CancelledRetention: c.Cleanup.CancelledRetention.Std(),
		},
	}
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`

	// Format is "json" or "console"
	Format string `yaml:"format"`
}

// ServerConfig configures the daemon's HTTP surface.
type ServerConfig struct {
	// MetricsAddr is the listen address for /metrics and /healthz
	MetricsAddr string `yaml:"metrics_addr"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Default returns the default configuration.
func Default() Config {
	engine := fiber.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			MaxRetries:        engine.MaxRetries,
			HeartbeatInterval: Duration(engine.HeartbeatInterval),
			Cleanup: CleanupConfig{
				Enabled:            engine.Cleanup.Enabled,
				Interval:           Duration(engine.Cleanup.Interval),
				CompletedRetention: Duration(engine.Cleanup.CompletedRetention),
				FailedRetention:    Duration(engine.Cleanup.FailedRetention),
				CancelledRetention: Duration(engine.Cleanup.CancelledRetention),
			},
		},
		Store: store.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			MetricsAddr:     ":9090",
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}
