package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarch/mason/internal/batch"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mason.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50, cfg.ChunkCeiling)
	assert.Equal(t, batch.GranularityBatch, cfg.Granularity)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.True(t, cfg.DuplicateErrorAborts)
	assert.False(t, cfg.AutoSwapDirection)
	assert.Empty(t, cfg.JournalPath)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
chunk_ceiling: 20
granularity: per-operation
job_timeout: 30s
idempotency_ttl: 1h
duplicate_error_aborts: false
auto_swap_direction: true
journal_path: /var/lib/mason/journal.db
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.ChunkCeiling)
	assert.Equal(t, batch.GranularityPerOp, cfg.Granularity)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.False(t, cfg.DuplicateErrorAborts)
	assert.True(t, cfg.AutoSwapDirection)
	assert.Equal(t, "/var/lib/mason/journal.db", cfg.JournalPath)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 256, cfg.JobHistoryLimit)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	path := writeConfig(t, "chunk_celing: 20\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "chunk_ceiling: 20\n")
	t.Setenv("MASON_CHUNK_CEILING", "7")
	t.Setenv("MASON_JOB_TIMEOUT", "45s")
	t.Setenv("MASON_DUPLICATE_ERROR_ABORTS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.ChunkCeiling)
	assert.Equal(t, 45*time.Second, cfg.JobTimeout)
	assert.False(t, cfg.DuplicateErrorAborts)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ceiling", func(c *Config) { c.ChunkCeiling = 0 }},
		{"bad granularity", func(c *Config) { c.Granularity = "per-chunk" }},
		{"zero job timeout", func(c *Config) { c.JobTimeout = 0 }},
		{"negative ttl", func(c *Config) { c.IdempotencyTTL = -time.Hour }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
