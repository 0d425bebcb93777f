// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with the precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
}

// NewLoader returns a loader for the given config file path. An empty
// path means ENV-only configuration.
func NewLoader(configPath, version string) *Loader {
	return &Loader{configPath: configPath, version: version}
}

// Load parses the file strictly, applies env overrides and validates
// the result.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(&cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.applyEnv(&cfg)

	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.DataDir, "staysync.db")
	}
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile merges the YAML file into cfg. Unknown fields are fatal.
func (l *Loader) loadFile(cfg *Config) error {
	path := filepath.Clean(l.configPath)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- config file path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	// Reject trailing documents.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) applyEnv(cfg *Config) {
	envString("STAYSYNC_LISTEN", &cfg.Listen)
	envString("STAYSYNC_ADMIN_TOKEN", &cfg.AdminToken)
	envString("STAYSYNC_DATA_DIR", &cfg.DataDir)

	envString("STAYSYNC_STORE_DRIVER", &cfg.Store.Driver)
	envString("STAYSYNC_SQLITE_PATH", &cfg.Store.SQLitePath)
	envString("STAYSYNC_POSTGRES_DSN", &cfg.Store.PostgresDSN)

	envString("STAYSYNC_REDIS_ADDR", &cfg.Redis.Addr)
	envString("STAYSYNC_REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("STAYSYNC_REDIS_DB", &cfg.Redis.DB)

	envString("STAYSYNC_CREDENTIAL_KEY", &cfg.Channels.CredentialKey)
	envDuration("STAYSYNC_CREDENTIAL_REFRESH_WITHIN", &cfg.Channels.RefreshWithin)
	envDuration("STAYSYNC_CHANNELS_POLL_INTERVAL", &cfg.Channels.PollInterval)
	envDuration("STAYSYNC_CHANNELS_TIMEOUT", &cfg.Channels.Timeout)
	envBool("STAYSYNC_CHANNELS_ALLOW_INSECURE", &cfg.Channels.AllowInsecure)
	envString("STAYSYNC_GOOGLE_ACCOUNT_ID", &cfg.Channels.GoogleAccountID)

	envString("STAYSYNC_PAYMENT_BASE_URL", &cfg.Payment.BaseURL)
	envString("STAYSYNC_PAYMENT_API_KEY", &cfg.Payment.APIKey)
	envString("STAYSYNC_PAYMENT_WEBHOOK_SECRET", &cfg.Payment.WebhookSecret)
	envBool("STAYSYNC_PAYMENT_ALLOW_INSECURE", &cfg.Payment.AllowInsecure)

	envDuration("STAYSYNC_DISPATCH_INTERVAL", &cfg.Dispatch.Interval)
	envInt("STAYSYNC_DISPATCH_BATCH_SIZE", &cfg.Dispatch.BatchSize)
	envDuration("STAYSYNC_DISPATCH_VISIBILITY", &cfg.Dispatch.Visibility)
	envInt("STAYSYNC_DISPATCH_MAX_ATTEMPTS", &cfg.Dispatch.MaxAttempts)
	envInt("STAYSYNC_DISPATCH_WORKERS", &cfg.Dispatch.Workers)

	envBool("STAYSYNC_RECONCILE_ENABLED", &cfg.Reconcile.Enabled)
	envInt("STAYSYNC_RECONCILE_HOUR", &cfg.Reconcile.Hour)
	envInt("STAYSYNC_RECONCILE_DAILY_CAP", &cfg.Reconcile.DailyCap)

	envBool("STAYSYNC_FEEDS_ENABLED", &cfg.Feeds.Enabled)
	envDuration("STAYSYNC_FEEDS_REFRESH_INTERVAL", &cfg.Feeds.RefreshInterval)

	envBool("STAYSYNC_METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("STAYSYNC_METRICS_LISTEN", &cfg.Metrics.Listen)

	envString("STAYSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("STAYSYNC_OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	envString("STAYSYNC_OTLP_PROTOCOL", &cfg.Telemetry.Protocol)
	envBool("STAYSYNC_OTLP_INSECURE", &cfg.Telemetry.Insecure)
	envFloat("STAYSYNC_OTLP_SAMPLE_RATIO", &cfg.Telemetry.SampleRatio)
	envString("STAYSYNC_ENVIRONMENT", &cfg.Telemetry.Environment)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}
