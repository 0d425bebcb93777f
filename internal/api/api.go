// SPDX-License-Identifier: MIT

// Package api is the HTTP surface: the public booking flow, calendar
// reads and ICS feeds, plus the token-gated admin routes for operating
// the sync engine. The webhook surface lives in internal/ingress and is
// mounted onto the same router by the daemon.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lodgewerk/staysync/internal/cache"
	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ics"
	"github.com/lodgewerk/staysync/internal/ingress"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/reconcile"
	"github.com/lodgewerk/staysync/internal/resilience"
)

const (
	// Public endpoints are unauthenticated; the per-IP budget keeps a
	// single origin from monopolizing the checkout path.
	publicRateLimit  = 120
	publicRateWindow = time.Minute

	calendarMaxDays = 730

	// Calendar reads dominate traffic; a short-lived cache absorbs them
	// without letting a changed booking go unnoticed for long.
	calendarCacheTTL = 30 * time.Second
	calendarCacheMax = 1024
)

// Deps carries everything the HTTP surface operates on. Optional fields
// disable their routes when nil.
type Deps struct {
	Core       *manager.Manager
	Store      ports.Store
	Codec      *channel.CredentialCodec
	Circuits   *resilience.Registry
	Reconciler *reconcile.Reconciler
	Feeds      *ics.Publisher
	Archive    *ingress.Archive

	// AdminToken guards /api/v1/admin. Empty disables the admin routes.
	AdminToken string
	Version    string
}

// Handler owns the routes.
type Handler struct {
	deps     Deps
	clk      clock.Clock
	logger   zerolog.Logger
	calendar *cache.Cache[[]occupiedRange]
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock injects the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clk = c }
}

// New builds the handler.
func New(deps Deps, opts ...Option) *Handler {
	h := &Handler{
		deps:   deps,
		clk:    clock.System(),
		logger: log.WithComponent("api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.calendar = cache.New[[]occupiedRange](calendarCacheTTL, calendarCacheMax,
		cache.WithClock[[]occupiedRange](h.clk))
	return h
}

// Router builds the full route tree with the middleware stack.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recovererMiddleware(h.logger))
	r.Use(log.Middleware())
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "api")
	})
	r.Use(metricsMiddleware)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Get("/openapi.yaml", h.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(publicRateLimit, publicRateWindow))
		h.mountPublic(r)
	})

	if h.deps.AdminToken != "" {
		r.Route("/api/v1/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			h.mountAdmin(r)
		})
	}
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.deps.Version,
	})
}

// handleReady answers 503 until the store is reachable, so orchestrators
// hold traffic during migrations and restarts.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, ports.CodeStoreUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
