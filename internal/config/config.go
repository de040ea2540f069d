// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config is the full configuration for both the worker and the HTTP server.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Analysis service. Leaving these empty is tolerated at startup; the
	// workflows surface the misconfiguration as run failures instead.
	AnalysisServiceURL    string `env:"ANALYSIS_SERVICE_URL"`
	AnalysisServiceSecret string `env:"ANALYSIS_SERVICE_SECRET"`

	// UploadGracePeriod is how long the analysis workflow waits before the
	// first detection call, so late image uploads are included.
	UploadGracePeriod time.Duration `env:"UPLOAD_GRACE_PERIOD" envDefault:"30s"`

	// DeletionGracePeriodDays is the delay between a confirmed account
	// deletion and its execution.
	DeletionGracePeriodDays int `env:"DELETION_GRACE_PERIOD_DAYS" envDefault:"14"`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	WorkerLeaseTimeout time.Duration `env:"WORKER_LEASE_TIMEOUT" envDefault:"5m"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// SMTP relay. When SMTPAddr is empty, emails are logged instead.
	SMTPAddr string `env:"SMTP_ADDR"`
	SMTPFrom string `env:"SMTP_FROM" envDefault:"no-reply@mortiscope.example"`

	// Object store for user uploads. When MinioEndpoint is empty, blob
	// cleanup during account deletion is skipped.
	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"uploads"`
	MinioRegion    string `env:"MINIO_REGION"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// DeletionGracePeriod returns the grace period as a duration.
func (c *Config) DeletionGracePeriod() time.Duration {
	return time.Duration(c.DeletionGracePeriodDays) * 24 * time.Hour
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
