// SPDX-License-Identifier: MIT

// Package config loads and validates daemon configuration with the
// precedence ENV > file > defaults. The YAML file is parsed strictly:
// unknown keys fail startup rather than silently doing nothing.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	platformnet "github.com/lodgewerk/staysync/internal/platform/net"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP bind address for the public and admin API.
	Listen string `yaml:"listen"`
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken string `yaml:"admin_token"`
	// DataDir holds the sqlite database, the webhook archive and the
	// published ICS feeds.
	DataDir string `yaml:"data_dir"`

	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Payment   PaymentConfig   `yaml:"payment"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Version is stamped from the binary, never from file or env.
	Version string `yaml:"-"`
}

// StoreConfig selects and configures the booking store driver.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig configures the shared Redis used for property locks,
// rate-limit state and circuit-breaker state.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChannelsConfig configures the channel-sync engine.
type ChannelsConfig struct {
	// CredentialKey is the hex-encoded 32-byte AES key sealing stored
	// platform credentials.
	CredentialKey string `yaml:"credential_key"`
	// RefreshWithin renews credentials that expire within the window.
	RefreshWithin time.Duration `yaml:"refresh_within"`
	// PollInterval is the cadence of the polling import fallback for
	// connections whose webhooks are degraded or unsupported. Zero
	// disables polling.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Timeout is the per-request budget for platform API calls.
	Timeout time.Duration `yaml:"timeout"`
	// BaseURLs overrides platform API base URLs by channel name, for
	// staging platforms and local stubs.
	BaseURLs map[string]string `yaml:"base_urls"`
	// AllowInsecure permits plain-http base URL overrides beyond
	// loopback.
	AllowInsecure bool `yaml:"allow_insecure"`
	// GoogleAccountID is the partner account for the google_vr feed.
	GoogleAccountID string `yaml:"google_account_id"`
}

// PricingConfig carries the pricing inputs that vary per deployment.
type PricingConfig struct {
	// Taxes maps a property region to its tax rate in basis points.
	Taxes map[string]int `yaml:"taxes"`
}

// MetricsConfig configures the Prometheus endpoint, served on its own
// listener so it never shares a port with guest traffic.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PaymentConfig configures the payment processor client and its
// webhook ingress.
type PaymentConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	// AllowInsecure permits a plain-http base URL beyond loopback.
	// Meant for staging environments only.
	AllowInsecure bool `yaml:"allow_insecure"`
}

// DispatchConfig tunes the outbound delivery dispatcher.
type DispatchConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Visibility  time.Duration `yaml:"visibility"`
	MaxAttempts int           `yaml:"max_attempts"`
	Workers     int           `yaml:"workers"`
}

// ReconcileConfig tunes the daily drift check.
type ReconcileConfig struct {
	Enabled bool `yaml:"enabled"`
	// Hour is the local-UTC hour of day the run starts at.
	Hour     int `yaml:"hour"`
	DailyCap int `yaml:"daily_cap"`
}

// FeedsConfig configures published ICS calendar feeds.
type FeedsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig configures the OTLP trace exporter. An empty
// endpoint disables export.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Protocol is "grpc" (default) or "http".
	Protocol string `yaml:"protocol"`
	Insecure bool   `yaml:"insecure"`
	// SampleRatio in (0,1) samples that fraction of traces; anything
	// else samples everything.
	SampleRatio float64 `yaml:"sample_ratio"`
	// Environment tags exported spans (production, staging, ...).
	Environment string `yaml:"environment"`
}

// Defaults returns the baseline configuration before file and env
// overrides.
func Defaults() Config {
	return Config{
		Listen:  ":8080",
		DataDir: "./data",
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "", // resolved against DataDir when empty
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Channels: ChannelsConfig{
			RefreshWithin: 7 * 24 * time.Hour,
			PollInterval:  5 * time.Minute,
			Timeout:       30 * time.Second,
		},
		Pricing: PricingConfig{
			Taxes: map[string]int{"default": 0},
		},
		Dispatch: DispatchConfig{
			Interval:    5 * time.Second,
			BatchSize:   64,
			Visibility:  5 * time.Minute,
			MaxAttempts: 10,
			Workers:     4,
		},
		Reconcile: ReconcileConfig{
			Enabled:  true,
			Hour:     2,
			DailyCap: 5,
		},
		Feeds: FeedsConfig{
			Enabled:         true,
			RefreshInterval: 10 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Log: LogConfig{Level: "info"},
	}
}

// CredentialKeyBytes decodes the hex credential key.
func (c ChannelsConfig) CredentialKeyBytes() ([]byte, error) {
	if c.CredentialKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(c.CredentialKey))
	if err != nil {
		return nil, fmt.Errorf("credential key is not hex: %w", err)
	}
	return key, nil
}

// Validate rejects configurations the daemon cannot start with.
func Validate(cfg Config) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch cfg.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", cfg.Store.Driver, DriverSQLite, DriverPostgres)
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if key, err := cfg.Channels.CredentialKeyBytes(); err != nil {
		return fmt.Errorf("channels.credential_key: %w", err)
	} else if len(key) != 0 && len(key) != 32 {
		return fmt.Errorf("channels.credential_key must decode to 32 bytes, got %d", len(key))
	}
	if cfg.Reconcile.Hour < 0 || cfg.Reconcile.Hour > 23 {
		return fmt.Errorf("reconcile.hour must be 0..23, got %d", cfg.Reconcile.Hour)
	}
	if cfg.Reconcile.DailyCap < 0 {
		return fmt.Errorf("reconcile.daily_cap must not be negative")
	}
	if cfg.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if cfg.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if cfg.Dispatch.Visibility <= 0 {
		return fmt.Errorf("dispatch.visibility must be positive")
	}
	if cfg.Payment.BaseURL != "" {
		if _, err := platformnet.ValidateEndpoint(cfg.Payment.BaseURL, cfg.Payment.AllowInsecure); err != nil {
			return fmt.Errorf("payment.base_url: %w", err)
		}
	}
	for name, raw := range cfg.Channels.BaseURLs {
		if _, err := model.ParseChannel(name); err != nil {
			return fmt.Errorf("channels.base_urls: %w", err)
		}
		if _, err := platformnet.ValidateEndpoint(raw, cfg.Channels.AllowInsecure); err != nil {
			return fmt.Errorf("channels.base_urls[%s]: %w", name, err)
		}
	}
	for region, bps := range cfg.Pricing.Taxes {
		if bps < 0 || bps > 10000 {
			return fmt.Errorf("pricing.taxes[%s] must be 0..10000 basis points, got %d", region, bps)
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen must not be empty when metrics are enabled")
	}
	return nil
}
