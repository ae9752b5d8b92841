// Package config holds the runtime configuration: chunking limits,
// timeouts, duplicate-handling and connection-resolution defaults, and
// the journal location. Values come from an optional YAML file with
// environment overrides on top.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openarch/mason/internal/batch"
)

// Config is the full runtime configuration.
type Config struct {
	// ChunkCeiling is the sub-command budget per commit unit.
	ChunkCeiling int `yaml:"chunk_ceiling"`

	// Granularity is the default execution mode for batches that do not
	// choose one.
	Granularity batch.Granularity `yaml:"granularity"`

	// JobTimeout bounds one job's execution end to end.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// ShutdownTimeout bounds how long Shutdown waits for the in-flight
	// job before giving up.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// IdempotencyTTL is how long a completed job stays replayable by its
	// idempotency key.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// DuplicateErrorAborts selects what a duplicate conflict under the
	// "error" strategy does: abort the whole batch (true) or skip the
	// conflicting operation and continue (false).
	DuplicateErrorAborts bool `yaml:"duplicate_error_aborts"`

	// AutoSwapDirection is the default for connection operations that do
	// not set their own autoSwapDirection.
	AutoSwapDirection bool `yaml:"auto_swap_direction"`

	// AutoResolveVisuals is the default for connection operations that do
	// not set their own autoResolveVisuals.
	AutoResolveVisuals bool `yaml:"auto_resolve_visuals"`

	// JournalPath is the SQLite journal location. Empty keeps the journal
	// in memory.
	JournalPath string `yaml:"journal_path"`

	// JobHistoryLimit caps how many finished jobs stay listable in
	// memory.
	JobHistoryLimit int `yaml:"job_history_limit"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		ChunkCeiling:         50,
		Granularity:          batch.GranularityBatch,
		JobTimeout:           2 * time.Minute,
		ShutdownTimeout:      30 * time.Second,
		IdempotencyTTL:       24 * time.Hour,
		DuplicateErrorAborts: true,
		AutoSwapDirection:    false,
		AutoResolveVisuals:   false,
		JobHistoryLimit:      256,
		LogLevel:             "info",
	}
}

// Load reads a YAML config file over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true) // Reject unknown fields
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays MASON_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("MASON_CHUNK_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChunkCeiling = n
		}
	}
	if v := os.Getenv("MASON_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.JobTimeout = d
		}
	}
	if v := os.Getenv("MASON_IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdempotencyTTL = d
		}
	}
	if v := os.Getenv("MASON_JOURNAL_PATH"); v != "" {
		c.JournalPath = v
	}
	if v := os.Getenv("MASON_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MASON_DUPLICATE_ERROR_ABORTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DuplicateErrorAborts = b
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ChunkCeiling < 1 {
		return fmt.Errorf("chunk_ceiling must be at least 1, got %d", c.ChunkCeiling)
	}
	switch c.Granularity {
	case "", batch.GranularityBatch, batch.GranularityPerOp:
	default:
		return fmt.Errorf("unknown granularity %q", c.Granularity)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive, got %s", c.JobTimeout)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency_ttl must be positive, got %s", c.IdempotencyTTL)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
