// SPDX-License-Identifier: MIT

// Package daemon owns the process lifecycle: it runs the API listener
// and the metrics listener, and tears everything down in reverse
// start order when the context is cancelled or a server fails.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/log"
)

// ShutdownHook is one cleanup step. Hooks run in reverse registration
// order, so dependents register after their dependencies.
type ShutdownHook func(ctx context.Context) error

// Config sets the listener addresses and server budgets.
type Config struct {
	Listen        string
	MetricsListen string // empty disables the metrics listener

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxHeaderBytes  int
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	return c
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager runs the servers and executes shutdown hooks.
type Manager struct {
	cfg     Config
	api     http.Handler
	metrics http.Handler
	logger  zerolog.Logger

	mu            sync.Mutex
	apiServer     *http.Server
	metricsServer *http.Server
	apiAddr       string
	metricsAddr   string
	hooks         []namedHook
	started       bool
	stopping      bool
}

// New builds a manager. metricsHandler may be nil.
func New(cfg Config, apiHandler, metricsHandler http.Handler) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		api:     apiHandler,
		metrics: metricsHandler,
		logger:  log.WithComponent("daemon"),
	}
}

// RegisterShutdownHook adds a cleanup step. LIFO execution order.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
}

// APIAddr returns the bound API address once Start has opened the
// listener. Tests bind ":0" and read the port back from here.
func (m *Manager) APIAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiAddr
}

// MetricsAddr returns the bound metrics address, empty when disabled.
func (m *Manager) MetricsAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsAddr
}

// Start opens the listeners and blocks until the context is cancelled
// or a server fails. It always runs the shutdown sequence before
// returning.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	m.started = true
	m.mu.Unlock()

	errChan := make(chan error, 2)

	if m.metrics != nil && m.cfg.MetricsListen != "" {
		if err := m.serve("metrics", m.cfg.MetricsListen, m.metrics, errChan); err != nil {
			return err
		}
	}
	if err := m.serve("api", m.cfg.Listen, m.api, errChan); err != nil {
		// The metrics listener may already be up.
		_ = m.Shutdown(ctx)
		return err
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server failed, shutting down")
		if shutdownErr := m.Shutdown(ctx); shutdownErr != nil {
			return errors.Join(err, shutdownErr)
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		return m.Shutdown(ctx)
	}
}

func (m *Manager) serve(name, addr string, handler http.Handler, errChan chan<- error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s listener on %s: %w", name, addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadTimeout:       m.cfg.ReadTimeout,
		ReadHeaderTimeout: m.cfg.ReadTimeout / 2,
		WriteTimeout:      m.cfg.WriteTimeout,
		IdleTimeout:       m.cfg.IdleTimeout,
		MaxHeaderBytes:    m.cfg.MaxHeaderBytes,
	}

	m.mu.Lock()
	switch name {
	case "api":
		m.apiServer = srv
		m.apiAddr = ln.Addr().String()
	case "metrics":
		m.metricsServer = srv
		m.metricsAddr = ln.Addr().String()
	}
	m.mu.Unlock()

	m.logger.Info().Str("server", name).Str("addr", ln.Addr().String()).Msg("listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
	return nil
}

// Shutdown stops the servers and runs the hooks. The sequence gets a
// bounded context detached from caller cancellation, so a SIGINT that
// already cancelled ctx still yields a clean drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("daemon not started")
	}
	m.stopping = true
	apiServer, metricsServer := m.apiServer, m.metricsServer
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", h.name).Dur("took", time.Since(start)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("took", time.Since(start)).Msg("shutdown hook done")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
