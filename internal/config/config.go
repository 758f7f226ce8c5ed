// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrSynthAPIKeyRequired is returned when SYNTH_API_KEY is not set.
	ErrSynthAPIKeyRequired = errors.New("config: SYNTH_API_KEY is required")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Backing store; empty falls back to the in-memory store.
	DatabaseURL string `env:"DATABASE_URL" json:"-"` // Masked in JSON

	// Synthesis service settings
	SynthAPIKey   string `env:"SYNTH_API_KEY" json:"-"` // Masked in JSON
	SynthAPIBase  string `env:"SYNTH_API_BASE, default=https://queue.fal.run" json:"synth_api_base"`
	SynthEndpoint string `env:"SYNTH_ENDPOINT, default=fal-ai/kling-video/v2.6/standard/motion-control" json:"synth_endpoint"`
	SynthModelID  string `env:"SYNTH_MODEL_ID, default=kling-video/v2.6" json:"synth_model_id"`

	// Object storage; empty bucket falls back to the local-disk store.
	StorageBucket          string `env:"STORAGE_BUCKET" json:"storage_bucket,omitempty"`
	StorageRegion          string `env:"STORAGE_REGION" json:"storage_region,omitempty"`
	StorageEndpoint        string `env:"STORAGE_ENDPOINT" json:"storage_endpoint,omitempty"`
	StorageAccessKeyID     string `env:"STORAGE_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	StorageSecretAccessKey string `env:"STORAGE_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// HTTP surface settings
	WebhookSharedSecret string   `env:"WEBHOOK_SHARED_SECRET" json:"-"` // Masked in JSON
	PublicBaseURL       string   `env:"PUBLIC_BASE_URL" json:"public_base_url,omitempty"`
	CORSOrigins         []string `env:"CORS_ORIGINS, default=*" json:"cors_origins"`

	// Production settings
	WatermarkURL      string        `env:"WATERMARK_URL" json:"watermark_url,omitempty"`
	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS, default=3" json:"max_concurrent_jobs"`
	WorkerTick        time.Duration `env:"WORKER_TICK, default=10s" json:"worker_tick"`
	TempDir           string        `env:"TEMP_DIR" json:"temp_dir,omitempty"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// PostgresEnabled returns true if a backing database is configured.
func (c *Config) PostgresEnabled() bool {
	return c.DatabaseURL != ""
}

// S3Enabled returns true if object storage configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.StorageBucket != "" && c.StorageRegion != ""
}

// WebhookURL returns the synthesis callback URL, or empty when no public
// base is configured.
func (c *Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + "/webhooks/synth"
}

// Load reads configuration from environment variables using go-envconfig.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.SynthAPIKey == "" {
		return ErrSynthAPIKeyRequired
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, SynthAPIBase: %s, SynthEndpoint: %s, SynthModelID: %s, StorageBucket: %s, StorageRegion: %s, MaxConcurrentJobs: %d, WorkerTick: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.SynthAPIBase,
		c.SynthEndpoint,
		c.SynthModelID,
		c.StorageBucket,
		c.StorageRegion,
		c.MaxConcurrentJobs,
		c.WorkerTick,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
