// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
)

const maxBodyBytes = 1 << 20

// errorBody is the single JSON error envelope of the API.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ports.Code, msg string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = msg
	writeJSON(w, status, body)
}

// fail maps a classified error to its transport status. Internal detail
// stays in the log, the caller sees code + a safe message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := ports.CodeOf(err)
	status := ports.HTTPStatus(code)

	evt := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = h.logger.Error()
	}
	evt.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	msg := "request failed"
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	writeError(w, status, code, msg)
}

// decodeJSON reads a bounded request body into v, rejecting unknown
// fields the same way the config loader does.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ports.E(ports.CodeInvalidInput, "api.decode", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ports.Ef(ports.CodeInvalidInput, "api.decode", "trailing content after JSON body")
	}
	return nil
}

func parseDateParam(r *http.Request, key string) (model.Date, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return model.Date{}, ports.Ef(ports.CodeInvalidInput, "api.params", "missing %q parameter", key)
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, ports.Ef(ports.CodeInvalidInput, "api.params", "bad %q: %v", key, err)
	}
	return d, nil
}

func parseRange(r *http.Request) (model.DateRange, error) {
	from, err := parseDateParam(r, "from")
	if err != nil {
		return model.DateRange{}, err
	}
	to, err := parseDateParam(r, "to")
	if err != nil {
		return model.DateRange{}, err
	}
	if !from.Before(to) {
		return model.DateRange{}, ports.Ef(ports.CodeInvalidInput, "api.params", "from must precede to")
	}
	return model.DateRange{From: from, To: to}, nil
}

// requireAdmin guards the admin subtree with the configured bearer token.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(h.deps.AdminToken)) != 1 {
			h.logger.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin token rejected")
			writeError(w, http.StatusUnauthorized, ports.CodeAuthFailed, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per chi route
// pattern so high-cardinality path parameters never become labels.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(route, fmt.Sprintf("%dxx", rec.status/100))
		metrics.ObserveHTTPDuration(route, time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestIDMiddleware assigns every request an id and threads it through
// the context for log correlation.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// recovererMiddleware turns handler panics into a 500 instead of killing
// the connection.
func recovererMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Str("path", r.URL.Path).Interface("panic", rec).Msg("handler panic")
					writeError(w, http.StatusInternalServerError, ports.CodeInternal, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
