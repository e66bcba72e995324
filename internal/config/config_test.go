package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Executor.MaxLockWait)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Store, cfg.Store)
}

func TestLoad_FileAndZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: redis
  redis_addr: localhost:6379
  redis_ttl: 1h
executor:
  max_lock_wait: 5s
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Store.RedisAddr)
	assert.Equal(t, time.Hour, cfg.Store.RedisTTL)
	assert.Equal(t, "flowguard:machine", cfg.Store.RedisPrefix)
	assert.Equal(t, 5*time.Second, cfg.Executor.MaxLockWait)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Store.WriteAttempts)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLOWGUARD_STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/flowguard")
	t.Setenv("FLOWGUARD_MAX_LOCK_WAIT", "250ms")
	t.Setenv("FLOWGUARD_CACHE_CAPACITY", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://localhost/flowguard", cfg.Store.DatabaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.MaxLockWait)
	assert.Equal(t, 0, cfg.Store.CacheCapacity)
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"postgres without url", func(c *Config) { c.Store.Backend = BackendPostgres }},
		{"redis without addr", func(c *Config) { c.Store.Backend = BackendRedis }},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"negative cache", func(c *Config) { c.Store.CacheCapacity = -1 }},
		{"no write attempts", func(c *Config) { c.Store.WriteAttempts = 0 }},
		{"negative lock wait", func(c *Config) { c.Executor.MaxLockWait = -time.Second }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad sampling", func(c *Config) { c.Telemetry.TraceSampling = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
