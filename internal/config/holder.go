// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/log"
)

// Holder gives thread-safe access to the current configuration and
// reloads it when the file changes. A reload that fails validation
// keeps the old configuration; the swap is all-or-nothing.
type Holder struct {
	mu      sync.RWMutex
	current Config
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- Config
}

// NewHolder wraps an already-loaded configuration.
func NewHolder(initial Config, loader *Loader) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates the configuration again, swapping it in
// atomically on success.
func (h *Holder) Reload(_ context.Context) error {
	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.notify(newCfg)
	h.logChanges(old, newCfg)
	h.logger.Info().Str("event", "config.reloaded").Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file and reloads on change. A no-op
// when configuration is ENV-only.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.loader.configPath == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.loader.configPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher
	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.loader.configPath).Msg("watching config file")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Editors fire several events per save; debounce into one reload.
	var debounce *time.Timer
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the watcher if running.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel that receives the new
// configuration after each successful reload. Sends are non-blocking.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notify(cfg Config) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("listener channel full, skipped")
		}
	}
}

func (h *Holder) logChanges(old, newCfg Config) {
	if old.Log.Level != newCfg.Log.Level {
		h.logger.Info().Str("old", old.Log.Level).Str("new", newCfg.Log.Level).Msg("config changed: log.level")
	}
	if old.Dispatch != newCfg.Dispatch {
		h.logger.Info().Msg("config changed: dispatch")
	}
	if old.Reconcile != newCfg.Reconcile {
		h.logger.Info().Msg("config changed: reconcile")
	}
	if old.Payment.WebhookSecret != newCfg.Payment.WebhookSecret {
		h.logger.Info().Msg("config changed: payment.webhook_secret (redacted)")
	}
}
