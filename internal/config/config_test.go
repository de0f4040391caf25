package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_isValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryDelay)
	assert.Equal(t, "latest", cfg.Sync.ConflictStrategy)
	assert.Empty(t, cfg.Lock.RedisAddr)
}

func TestLoad_yamlFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, ".", "screensync.yaml", `
data_dir: /var/lib/screensync
user_id: nurse-7
log:
  level: debug
authority:
  base_url: https://authority.example.org
  timeout: 10s
sync:
  max_attempts: 5
  retry_delay: 500ms
  conflict_strategy: remote
import:
  min_age: 4
  max_age: 12
lock:
  redis_addr: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/screensync", cfg.DataDir)
	assert.Equal(t, "nurse-7", cfg.UserID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "https://authority.example.org", cfg.Authority.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.RetryDelay)
	assert.Equal(t, "remote", cfg.Sync.ConflictStrategy)
	assert.Equal(t, 4, cfg.Import.MinAge)
	assert.Equal(t, 12, cfg.Import.MaxAge)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)

	// Untouched sections keep their defaults.
	assert.Equal(t, 15*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, `^S\d{4,}$`, cfg.Import.IDPattern)
}

func TestLoad_unknownYAMLField(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, ".", "bad.yaml", "sync:\n  max_attempt: 5\n")

	_, err := Load(path)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestLoad_missingFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load("does-not-exist.yaml")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestLoad_envOverridesFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, ".", "screensync.yaml", "sync:\n  max_attempts: 5\n")
	t.Setenv("SCREENSYNC_SYNC_MAX_ATTEMPTS", "7")
	t.Setenv("SCREENSYNC_SYNC_RETRY_DELAY", "1s")
	t.Setenv("SCREENSYNC_CONFLICT_STRATEGY", "local")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Sync.RetryDelay)
	assert.Equal(t, "local", cfg.Sync.ConflictStrategy)
}

func TestLoad_dotEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFile(t, ".", ".env", "SCREENSYNC_USER_ID=from-dotenv\nSCREENSYNC_DATA_DIR=dotenv-data\n")
	t.Setenv("SCREENSYNC_DATA_DIR", "from-env")
	t.Cleanup(func() { os.Unsetenv("SCREENSYNC_USER_ID") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.UserID)
	assert.Equal(t, "from-env", cfg.DataDir, ".env never overrides the environment")
}

func TestLoad_badEnvValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCREENSYNC_SYNC_INTERVAL", "soon")

	_, err := Load("")
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = " " }},
		{"empty user", func(c *Config) { c.UserID = "" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"authority scheme", func(c *Config) { c.Authority.BaseURL = "ftp://x" }},
		{"authority host", func(c *Config) { c.Authority.BaseURL = "http://" }},
		{"timeout", func(c *Config) { c.Authority.Timeout = 0 }},
		{"max attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"retry delay", func(c *Config) { c.Sync.RetryDelay = -time.Second }},
		{"interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"strategy", func(c *Config) { c.Sync.ConflictStrategy = "newest" }},
		{"id pattern", func(c *Config) { c.Import.IDPattern = "[" }},
		{"age range", func(c *Config) { c.Import.MinAge, c.Import.MaxAge = 10, 5 }},
		{"lock ttl", func(c *Config) { c.Lock.RedisAddr, c.Lock.TTL = "localhost:6379", 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid), "got %v", err)
		})
	}
}
