// Package config loads runtime configuration from the environment with
// sensible defaults, optionally overlaid from a YAML profile file. The
// environment always wins over the profile; the profile wins over the
// built-in defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Caps gates the enterprise surfaces. Everything defaults off; a gated
// endpoint answers with a structured not_available error rather than 404.
type Caps struct {
	SSO        bool `yaml:"sso"`
	Compliance bool `yaml:"compliance"`
	Analytics  bool `yaml:"analytics"`
	Workflow   bool `yaml:"workflow"`
}

// Config holds server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Lite runs everything in one process: SQLite storage, in-memory
	// cache and bus, no Redis. Meant for local development and demos.
	Lite bool `yaml:"lite"`

	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisAddr   string `yaml:"redis_addr"`

	// JWTSecret signs and verifies admin-surface bearer tokens. Empty
	// disables token auth (lite/dev only).
	JWTSecret string `yaml:"jwt_secret"`

	// SigningSeed is a 64-char hex Ed25519 seed for the system identity.
	// Empty generates an ephemeral keypair at startup.
	SigningSeed string `yaml:"signing_seed"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Merkle batch close thresholds.
	SealBatchSize   int           `yaml:"seal_batch_size"`
	SealMaxBatchAge time.Duration `yaml:"seal_max_batch_age"`

	// Snapshot schedule and archive.
	SnapshotRetention  time.Duration `yaml:"snapshot_retention"`
	SnapshotArchiveURI string        `yaml:"snapshot_archive_uri"`

	// Issuance rate limits per principal.
	IssuePerMinute int `yaml:"issue_per_minute"`
	IssuePerHour   int `yaml:"issue_per_hour"`

	// HTTP per-IP limiter (requests per second, burst).
	HTTPRatePerSecond float64 `yaml:"http_rate_per_second"`
	HTTPRateBurst     int     `yaml:"http_rate_burst"`

	// Retry knobs for downstream calls.
	RetryMaxRetries int           `yaml:"retry_max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`

	Caps Caps `yaml:"caps"`
}

// Load loads configuration from environment variables. When CONFIG_FILE
// points at a YAML profile, its values fill in before the environment is
// consulted.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyProfile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:               "8080",
		LogLevel:           "INFO",
		DatabaseURL:        "postgres://caracal@localhost:5432/caracal?sslmode=disable",
		SQLitePath:         "caracal.db",
		RedisAddr:          "localhost:6379",
		SealBatchSize:      1000,
		SealMaxBatchAge:    60 * time.Second,
		SnapshotRetention:  90 * 24 * time.Hour,
		SnapshotArchiveURI: "file://./snapshots",
		IssuePerMinute:     10,
		IssuePerHour:       100,
		HTTPRatePerSecond:  50,
		HTTPRateBurst:      100,
		RetryMaxRetries:    3,
		RetryBaseDelay:     100 * time.Millisecond,
	}
}

func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setBool(&c.Lite, "LITE_MODE")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.SigningSeed, "SIGNING_SEED")
	setString(&c.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setInt(&c.SealBatchSize, "SEAL_BATCH_SIZE")
	setDuration(&c.SealMaxBatchAge, "SEAL_MAX_BATCH_AGE")
	setDuration(&c.SnapshotRetention, "SNAPSHOT_RETENTION")
	setString(&c.SnapshotArchiveURI, "SNAPSHOT_ARCHIVE_URI")
	setInt(&c.IssuePerMinute, "ISSUE_PER_MINUTE")
	setInt(&c.IssuePerHour, "ISSUE_PER_HOUR")
	setFloat(&c.HTTPRatePerSecond, "HTTP_RATE_PER_SECOND")
	setInt(&c.HTTPRateBurst, "HTTP_RATE_BURST")
	setInt(&c.RetryMaxRetries, "RETRY_MAX_RETRIES")
	setDuration(&c.RetryBaseDelay, "RETRY_BASE_DELAY")
	setBool(&c.Caps.SSO, "CAP_SSO")
	setBool(&c.Caps.Compliance, "CAP_COMPLIANCE")
	setBool(&c.Caps.Analytics, "CAP_ANALYTICS")
	setBool(&c.Caps.Workflow, "CAP_WORKFLOW")
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.SealBatchSize <= 0 {
		return fmt.Errorf("config: seal_batch_size must be positive, got %d", c.SealBatchSize)
	}
	if c.SealMaxBatchAge <= 0 {
		return fmt.Errorf("config: seal_max_batch_age must be positive, got %s", c.SealMaxBatchAge)
	}
	if c.SnapshotRetention <= 0 {
		return fmt.Errorf("config: snapshot_retention must be positive, got %s", c.SnapshotRetention)
	}
	if c.IssuePerMinute <= 0 || c.IssuePerHour <= 0 {
		return fmt.Errorf("config: issuance rate limits must be positive")
	}
	if c.SigningSeed != "" && len(c.SigningSeed) != 64 {
		return fmt.Errorf("config: signing_seed must be 64 hex chars, got %d", len(c.SigningSeed))
	}
	if !c.Lite && c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required outside lite mode")
	}
	return nil
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
