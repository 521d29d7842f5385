package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taowen/fiberflow/fiber/store"
)

// Loader loads configuration with defaults, YAML file and environment
// variable overrides, in that order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fiberflow.yaml").
//	    WithEnvPrefix("FIBERFLOW").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{envPrefix: "FIBERFLOW"}
}

// WithConfigPath sets the YAML file path. An empty path skips file loading.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	lookup := func(key string) (string, bool) {
		return os.LookupEnv(l.envPrefix + "_" + key)
	}

	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := lookup("METRICS_ADDR"); ok {
		cfg.Server.MetricsAddr = v
	}
	if v, ok := lookup("STORE_TYPE"); ok {
		cfg.Store.Type = store.Type(v)
	}
	if v, ok := lookup("STORE_PATH"); ok {
		cfg.Store.Path = v
	}
	if v, ok := lookup("STORE_DSN"); ok {
		cfg.Store.DSN = v
	}
	if v, ok := lookup("REDIS_HOST"); ok {
		cfg.Store.Redis.Host = v
	}
	if v, ok := lookup("REDIS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s_REDIS_PORT: %w", l.envPrefix, err)
		}
		cfg.Store.Redis.Port = port
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		cfg.Store.Redis.Password = v
	}
	if v, ok := lookup("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s_MAX_RETRIES: %w", l.envPrefix, err)
		}
		cfg.Engine.MaxRetries = n
	}
	if v, ok := lookup("HEARTBEAT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s_HEARTBEAT_INTERVAL: %w", l.envPrefix, err)
		}
		cfg.Engine.HeartbeatInterval = Duration(d)
	}
	return nil
}
