// Package config loads screensync settings from defaults, an optional YAML
// file, a .env file and SCREENSYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
	"github.com/kimhsiao/screensync/internal/sync/conflict"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCREENSYNC_"

// Config is the full runtime configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	UserID    string          `yaml:"user_id"`
	Log       LogConfig       `yaml:"log"`
	Authority AuthorityConfig `yaml:"authority"`
	Sync      SyncConfig      `yaml:"sync"`
	Import    ImportConfig    `yaml:"import"`
	Lock      LockConfig      `yaml:"lock"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type AuthorityConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	Interval         time.Duration `yaml:"interval"`
	PassTimeout      time.Duration `yaml:"pass_timeout"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ConflictStrategy string        `yaml:"conflict_strategy"`
}

type ImportConfig struct {
	IDPattern   string `yaml:"id_pattern"`
	MinAge      int    `yaml:"min_age"`
	MaxAge      int    `yaml:"max_age"`
	PhoneRegion string `yaml:"phone_region"`
}

// LockConfig enables the cross-instance sync lock when RedisAddr is set.
type LockConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "data",
		UserID:  "admin",
		Log:     LogConfig{Level: "info"},
		Authority: AuthorityConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			MaxAttempts:      3,
			RetryDelay:       2 * time.Second,
			Interval:         15 * time.Minute,
			PassTimeout:      5 * time.Minute,
			ProbeInterval:    30 * time.Second,
			ConflictStrategy: conflict.DefaultStrategy,
		},
		Import: ImportConfig{
			IDPattern:   `^S\d{4,}$`,
			MinAge:      3,
			MaxAge:      19,
			PhoneRegion: "US",
		},
		Lock: LockConfig{
			Key: "screensync:sync",
			TTL: 5 * time.Minute,
		},
	}
}

// Load builds a Config. path may be empty; a named file that does not exist
// is an error. A .env file in the working directory is read when present and
// never overrides variables already set.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "load .env", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "open config file", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "parse "+path, err)
	}
	return nil
}

// applyEnv overrides fields from SCREENSYNC_* variables.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	str("DATA_DIR", &c.DataDir)
	str("USER_ID", &c.UserID)
	str("LOG_LEVEL", &c.Log.Level)
	str("AUTHORITY_URL", &c.Authority.BaseURL)
	str("AUTHORITY_TOKEN", &c.Authority.Token)
	dur("AUTHORITY_TIMEOUT", &c.Authority.Timeout)
	num("SYNC_MAX_ATTEMPTS", &c.Sync.MaxAttempts)
	dur("SYNC_RETRY_DELAY", &c.Sync.RetryDelay)
	dur("SYNC_INTERVAL", &c.Sync.Interval)
	dur("SYNC_PASS_TIMEOUT", &c.Sync.PassTimeout)
	dur("PROBE_INTERVAL", &c.Sync.ProbeInterval)
	str("CONFLICT_STRATEGY", &c.Sync.ConflictStrategy)
	str("ID_PATTERN", &c.Import.IDPattern)
	num("MIN_AGE", &c.Import.MinAge)
	num("MAX_AGE", &c.Import.MaxAge)
	str("PHONE_REGION", &c.Import.PhoneRegion)
	str("REDIS_ADDR", &c.Lock.RedisAddr)
	str("LOCK_KEY", &c.Lock.Key)
	dur("LOCK_TTL", &c.Lock.TTL)

	if len(errs) > 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "environment overrides", errors.Join(errs...))
	}
	return nil
}

// Validate reports the first unusable setting as CONFIG_INVALID.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Newf(apperrors.ErrConfigInvalid, format, args...)
	}

	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return invalid("user_id is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}

	u, err := url.Parse(c.Authority.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("authority.base_url %q must be an http(s) URL", c.Authority.BaseURL)
	}
	if c.Authority.Timeout <= 0 {
		return invalid("authority.timeout must be positive")
	}

	if c.Sync.MaxAttempts < 1 {
		return invalid("sync.max_attempts must be at least 1")
	}
	if c.Sync.RetryDelay < 0 {
		return invalid("sync.retry_delay must not be negative")
	}
	if c.Sync.Interval <= 0 || c.Sync.PassTimeout <= 0 || c.Sync.ProbeInterval <= 0 {
		return invalid("sync intervals must be positive")
	}
	if !knownStrategy(c.Sync.ConflictStrategy) {
		return invalid("sync.conflict_strategy %q is not one of %s", c.Sync.ConflictStrategy, strings.Join(conflict.Strategies(), ", "))
	}

	if _, err := regexp.Compile(c.Import.IDPattern); err != nil {
		return invalid("import.id_pattern: %v", err)
	}
	if c.Import.MinAge < 0 || c.Import.MaxAge < c.Import.MinAge {
		return invalid("import age range %d-%d is invalid", c.Import.MinAge, c.Import.MaxAge)
	}

	if c.Lock.RedisAddr != "" && (c.Lock.TTL <= 0 || c.Lock.Key == "") {
		return invalid("lock.key and a positive lock.ttl are required with lock.redis_addr")
	}
	return nil
}

func knownStrategy(name string) bool {
	for _, s := range conflict.Strategies() {
		if s == name {
			return true
		}
	}
	return false
}
