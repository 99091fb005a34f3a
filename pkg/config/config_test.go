package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Garudex-Labs/caracal/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "PORT", "LOG_LEVEL", "LITE_MODE", "DATABASE_URL",
		"SQLITE_PATH", "REDIS_ADDR", "JWT_SECRET", "SIGNING_SEED",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "SEAL_BATCH_SIZE", "SEAL_MAX_BATCH_AGE",
		"SNAPSHOT_RETENTION", "SNAPSHOT_ARCHIVE_URI", "ISSUE_PER_MINUTE",
		"ISSUE_PER_HOUR", "HTTP_RATE_PER_SECOND", "HTTP_RATE_BURST",
		"RETRY_MAX_RETRIES", "RETRY_BASE_DELAY",
		"CAP_SSO", "CAP_COMPLIANCE", "CAP_ANALYTICS", "CAP_WORKFLOW",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.Lite)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, 1000, cfg.SealBatchSize)
	assert.Equal(t, 60*time.Second, cfg.SealMaxBatchAge)
	assert.Equal(t, 90*24*time.Hour, cfg.SnapshotRetention)
	assert.Equal(t, "file://./snapshots", cfg.SnapshotArchiveURI)
	assert.False(t, cfg.Caps.SSO)
	assert.False(t, cfg.Caps.Workflow)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LITE_MODE", "true")
	t.Setenv("DATABASE_URL", "postgres://production:5432/caracal")
	t.Setenv("SEAL_BATCH_SIZE", "250")
	t.Setenv("SEAL_MAX_BATCH_AGE", "30s")
	t.Setenv("ISSUE_PER_MINUTE", "10")
	t.Setenv("CAP_ANALYTICS", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.Lite)
	assert.Equal(t, "postgres://production:5432/caracal", cfg.DatabaseURL)
	assert.Equal(t, 250, cfg.SealBatchSize)
	assert.Equal(t, 30*time.Second, cfg.SealMaxBatchAge)
	assert.Equal(t, 10, cfg.IssuePerMinute)
	assert.True(t, cfg.Caps.Analytics)
	assert.False(t, cfg.Caps.SSO)
}

// TestLoad_ProfileOverlay verifies precedence: env > profile > defaults.
func TestLoad_ProfileOverlay(t *testing.T) {
	clearEnv(t)
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
port: "7070"
log_level: WARN
redis_addr: redis.internal:6379
caps:
  workflow: true
`), 0o644))

	t.Setenv("CONFIG_FILE", profile)
	t.Setenv("PORT", "9999")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Port, "env beats profile")
	assert.Equal(t, "WARN", cfg.LogLevel, "profile beats default")
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.True(t, cfg.Caps.Workflow)
	assert.Equal(t, 1000, cfg.SealBatchSize, "default survives")
}

func TestLoad_MissingProfileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SEAL_BATCH_SIZE", "0")
	_, err := config.Load()
	require.ErrorContains(t, err, "seal_batch_size")

	clearEnv(t)
	t.Setenv("SIGNING_SEED", "abc123")
	_, err = config.Load()
	require.ErrorContains(t, err, "signing_seed")
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"DEBUG":   slog.LevelDebug,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		cfg := config.Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
