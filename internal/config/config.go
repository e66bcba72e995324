// Package config loads flowguard settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// StoreConfig selects and tunes the snapshot store.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	// RedisTTL expires idle machines. Zero keeps them forever.
	RedisTTL      time.Duration `yaml:"redis_ttl"`
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	// WriteAttempts bounds store writes made outside a transaction.
	WriteAttempts int `yaml:"write_attempts"`
}

// ExecutorConfig tunes the rollback executor.
type ExecutorConfig struct {
	MaxLockWait time.Duration `yaml:"max_lock_wait"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	MetricsAddr    string  `yaml:"metrics_addr"`
	Tracing        bool    `yaml:"tracing"`
	TraceSampling  float64 `yaml:"trace_sampling"`
	RuntimeMetrics bool    `yaml:"runtime_metrics"`
}

// Config is the full flowguard configuration.
type Config struct {
	// Definition is a workflow definition file. Empty uses the bundled
	// feature workflow.
	Definition string          `yaml:"definition"`
	Store      StoreConfig     `yaml:"store"`
	Executor   ExecutorConfig  `yaml:"executor"`
	Log        LogConfig       `yaml:"log"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:       BackendSQLite,
			SQLitePath:    "flowguard.db",
			RedisPrefix:   "flowguard:machine",
			CacheCapacity: 0,
			CacheTTL:      time.Minute,
			WriteAttempts: 3,
		},
		Executor: ExecutorConfig{
			MaxLockWait: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			TraceSampling: 1.0,
		},
	}
}

// Load reads path over the defaults and then applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.fillDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	d := Default()
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = d.Store.SQLitePath
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = d.Store.RedisPrefix
	}
	if c.Store.CacheTTL == 0 {
		c.Store.CacheTTL = d.Store.CacheTTL
	}
	if c.Store.WriteAttempts == 0 {
		c.Store.WriteAttempts = d.Store.WriteAttempts
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

func (c *Config) applyEnv() {
	c.Store.Backend = getEnv("FLOWGUARD_STORE", c.Store.Backend)
	c.Store.SQLitePath = getEnv("FLOWGUARD_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.DatabaseURL = getEnv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.CacheCapacity = getEnvInt("FLOWGUARD_CACHE_CAPACITY", c.Store.CacheCapacity)
	c.Executor.MaxLockWait = getEnvDuration("FLOWGUARD_MAX_LOCK_WAIT", c.Executor.MaxLockWait)
	c.Log.Level = getEnv("FLOWGUARD_LOG_LEVEL", c.Log.Level)
	c.Telemetry.MetricsAddr = getEnv("FLOWGUARD_METRICS_ADDR", c.Telemetry.MetricsAddr)
	c.Definition = getEnv("FLOWGUARD_DEFINITION", c.Definition)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("%w: store.sqlite_path is required for sqlite", ErrInvalid))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%w: store.database_url is required for postgres", ErrInvalid))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%w: store.redis_addr is required for redis", ErrInvalid))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend))
	}

	if c.Store.CacheCapacity < 0 {
		errs = append(errs, fmt.Errorf("%w: store.cache_capacity must not be negative", ErrInvalid))
	}
	if c.Store.WriteAttempts < 1 {
		errs = append(errs, fmt.Errorf("%w: store.write_attempts must be at least 1", ErrInvalid))
	}
	if c.Executor.MaxLockWait < 0 {
		errs = append(errs, fmt.Errorf("%w: executor.max_lock_wait must not be negative", ErrInvalid))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := c.Log.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("%w: log.format must be json or text, got %q", ErrInvalid, f))
	}
	if r := c.Telemetry.TraceSampling; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("%w: telemetry.trace_sampling must be within [0, 1]", ErrInvalid))
	}

	return errors.Join(errs...)
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	return lvl, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
