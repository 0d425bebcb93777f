// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staysync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := NewLoader("", "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(cfg.DataDir, "staysync.db"), cfg.Store.SQLitePath)
	assert.Equal(t, 2, cfg.Reconcile.Hour)
	assert.Equal(t, 5, cfg.Reconcile.DailyCap)
	assert.Equal(t, "test", cfg.Version)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
store:
  driver: postgres
  postgres_dsn: postgres://localhost/staysync
dispatch:
  batch_size: 16
reconcile:
  hour: 4
`)
	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 16, cfg.Dispatch.BatchSize)
	assert.Equal(t, 4, cfg.Reconcile.Hour)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Interval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	t.Setenv("STAYSYNC_LISTEN", ":7070")
	t.Setenv("STAYSYNC_DISPATCH_INTERVAL", "30s")
	t.Setenv("STAYSYNC_RECONCILE_ENABLED", "false")

	cfg, err := NewLoader(path, "test").Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Interval)
	assert.False(t, cfg.Reconcile.Enabled)
}

func TestUnknownKeysAreFatal(t *testing.T) {
	path := writeConfig(t, `bouquet: premium`)
	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestPostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
`)
	_, err := NewLoader(path, "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestCredentialKeyMustBe32Bytes(t *testing.T) {
	t.Setenv("STAYSYNC_CREDENTIAL_KEY", "abcd")
	_, err := NewLoader("", "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestPaymentBaseURLMustBeSecure(t *testing.T) {
	t.Setenv("STAYSYNC_PAYMENT_BASE_URL", "http://payments.example.com")
	_, err := NewLoader("", "test").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment.base_url")

	t.Setenv("STAYSYNC_PAYMENT_BASE_URL", "http://127.0.0.1:9090")
	_, err = NewLoader("", "test").Load()
	assert.NoError(t, err)

	t.Setenv("STAYSYNC_PAYMENT_BASE_URL", "http://staging.internal:8080")
	t.Setenv("STAYSYNC_PAYMENT_ALLOW_INSECURE", "true")
	_, err = NewLoader("", "test").Load()
	assert.NoError(t, err)
}

func TestHolderReloadSwapsAtomically(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	loader := NewLoader(path, "test")
	cfg, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(cfg, loader)
	assert.Equal(t, ":9090", h.Get().Listen)

	require.NoError(t, os.WriteFile(path, []byte(`listen: ":9191"`), 0o600))
	require.NoError(t, h.Reload(context.Background()))
	assert.Equal(t, ":9191", h.Get().Listen)

	// A broken file keeps the last good configuration.
	require.NoError(t, os.WriteFile(path, []byte(`bouquet: premium`), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, ":9191", h.Get().Listen)
}

func TestHolderNotifiesListeners(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)
	loader := NewLoader(path, "test")
	cfg, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(cfg, loader)
	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte(`listen: ":9191"`), 0o600))
	require.NoError(t, h.Reload(context.Background()))

	select {
	case got := <-ch:
		assert.Equal(t, ":9191", got.Listen)
	default:
		t.Fatal("expected listener notification")
	}
}
