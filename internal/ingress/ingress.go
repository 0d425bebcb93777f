// SPDX-License-Identifier: MIT

// Package ingress terminates platform webhooks: signature verification,
// payload archival, dedupe by platform message id, and handoff to the
// booking core under the property lock. Platforms retry on 5xx, so the
// handlers only return one for genuinely retryable failures.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
	"github.com/lodgewerk/staysync/internal/telemetry"
)

var tracer = telemetry.Tracer("staysync.ingress")

const (
	// propertyLockTTL bounds how long a crashed import can block the
	// property's calendar; propertyLockWait is the request's patience
	// before answering 409 and letting the platform retry.
	propertyLockTTL  = 10 * time.Second
	propertyLockWait = 5 * time.Second

	// outcomeTTL keeps webhook outcomes replayable across the longest
	// platform retry schedule we have seen (booking.com retries for 24h).
	outcomeTTL = 48 * time.Hour

	maxBodyBytes = 1 << 20
)

// Handler serves the webhook surface.
type Handler struct {
	core     *manager.Manager
	store    ports.Store
	locker   ports.Locker
	registry *channel.Registry
	codec    *channel.CredentialCodec
	archive  *Archive
	clk      clock.Clock
	logger   zerolog.Logger

	paymentSecret string
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) { h.clk = c }
}

// WithArchive enables raw payload archival.
func WithArchive(a *Archive) Option {
	return func(h *Handler) { h.archive = a }
}

// WithPaymentSecret enables the payment processor webhook. Without a
// secret the endpoint rejects everything.
func WithPaymentSecret(secret string) Option {
	return func(h *Handler) { h.paymentSecret = secret }
}

// New builds the webhook handler.
func New(core *manager.Manager, store ports.Store, locker ports.Locker, registry *channel.Registry,
	codec *channel.CredentialCodec, opts ...Option) *Handler {
	h := &Handler{
		core:     core,
		store:    store,
		locker:   locker,
		registry: registry,
		codec:    codec,
		clk:      clock.System(),
		logger:   log.WithComponent("ingress"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns a standalone router for the webhook surface.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(log.Middleware())
	r.Use(httprate.LimitByIP(300, time.Minute))
	h.Mount(r)
	return r
}

// Mount attaches the webhook routes to an existing router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/v1/webhooks/{channel}", h.handleChannelWebhook)
	r.Post("/api/v1/webhooks/payment", h.handlePaymentWebhook)
}

// webhookResponse is the body platforms see. Outcome mirrors the import
// decision so platform-side support can read rejections directly.
type webhookResponse struct {
	Outcome   string `json:"outcome"`
	BookingID string `json:"bookingId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// storedOutcome is the idempotency payload for replays.
type storedOutcome struct {
	Status int             `json:"status"`
	Body   webhookResponse `json:"body"`
}

func (h *Handler) handleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ch, err := model.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeError(w, http.StatusNotFound, ports.CodeNotFound, "unknown channel")
		return
	}
	adapter, err := h.registry.Adapter(ch)
	if err != nil {
		writeError(w, http.StatusNotFound, ports.CodeNotFound, "unknown channel")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, ports.CodeInvalidInput, "payload too large")
		return
	}

	ev, cc, parseErr := h.verify(ctx, adapter, ch, r.Header, body)
	if parseErr != nil {
		if errors.Is(parseErr, channel.ErrPermanent) || errors.Is(parseErr, channel.ErrBadResponse) {
			metrics.RecordWebhookRequest(string(ch), "malformed")
			writeError(w, http.StatusUnprocessableEntity, ports.CodeInvalidInput, "unparseable payload")
			return
		}
		// Signature mismatch (or no connection to verify against) is a
		// security event: somebody is posting into our webhook surface.
		h.logger.Warn().
			Str("channel", string(ch)).
			Str("remote", r.RemoteAddr).
			Int("bytes", len(body)).
			Msg("webhook signature rejected")
		metrics.RecordWebhookRequest(string(ch), "bad_signature")
		writeError(w, http.StatusForbidden, ports.CodeAuthFailed, "signature verification failed")
		return
	}

	ctx, span := tracer.Start(ctx, "webhook.import",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(telemetry.WebhookAttributes(string(ch), ev.ExternalMessageID)...))
	defer span.End()

	if h.archive != nil {
		if err := h.archive.Put(string(ch), ev.ExternalMessageID, body); err != nil {
			h.logger.Warn().Err(err).Str("channel", string(ch)).Msg("webhook payload not archived")
		}
	}

	dedupeKey := string(ch) + ":" + ev.ExternalMessageID
	if rec, err := h.store.GetIdempotency(ctx, dedupeKey); err == nil {
		metrics.RecordWebhookDuplicate(string(ch))
		h.replay(w, rec.Result)
		return
	} else if !errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, ports.CodeStoreUnavailable, "try again")
		return
	}

	lease, err := h.locker.Acquire(ctx, ports.BookingLockKey(cc.PropertyID), propertyLockTTL, propertyLockWait)
	if err != nil {
		if errors.Is(err, ports.ErrLockBusy) {
			metrics.RecordWebhookRequest(string(ch), "lock_busy")
			writeError(w, http.StatusConflict, ports.CodeConcurrentBooking, "property busy, retry")
			return
		}
		writeError(w, http.StatusServiceUnavailable, ports.CodeLockUnavailable, "try again")
		return
	}
	defer func() {
		if err := h.locker.Release(ctx, lease); err != nil {
			h.logger.Warn().Err(err).Str("key", lease.Key).Msg("lock release failed")
		}
	}()

	res, err := h.core.ImportChannelBooking(ctx, h.importFrom(ev, cc.ChannelConnection, ch))
	if err != nil {
		span.SetAttributes(telemetry.ErrorAttributes(string(ports.CodeOf(err)))...)
		status := ports.HTTPStatus(ports.CodeOf(err))
		h.logger.Error().Err(err).Str("channel", string(ch)).Str("message_id", ev.ExternalMessageID).Msg("webhook import failed")
		metrics.RecordWebhookRequest(string(ch), "error")
		out := storedOutcome{Status: status, Body: webhookResponse{Outcome: "error", Reason: string(ports.CodeOf(err))}}
		if status < http.StatusInternalServerError {
			// Deterministic rejections replay; transient failures must not.
			h.persistOutcome(ctx, dedupeKey, out)
		}
		writeJSON(w, out.Status, out.Body)
		return
	}

	span.SetAttributes(telemetry.BookingAttributes(res.Booking.ID, cc.PropertyID, string(res.Booking.Status))...)
	out := storedOutcome{Status: http.StatusOK, Body: webhookResponse{
		Outcome:   string(res.Outcome),
		BookingID: res.Booking.ID,
		Reason:    res.Reason,
	}}
	if res.Outcome == manager.ImportRejected {
		out.Status = http.StatusUnprocessableEntity
	}
	h.persistOutcome(ctx, dedupeKey, out)
	if res.Outcome == manager.ImportRejected {
		// The 422 asks the platform to drop the reservation, but not every
		// platform acts on the response code; cancel it there explicitly,
		// the way the polling and reconciliation imports do. Best effort:
		// the persisted outcome already records the rejection, and the
		// daily reconciliation catches a failed cancel.
		if cerr := adapter.CancelBooking(ctx, cc, ev.Booking.ExternalID); cerr != nil {
			h.logger.Error().Err(cerr).
				Str("channel", string(ch)).
				Str("external_id", ev.Booking.ExternalID).
				Msg("cancel of rejected booking failed")
		}
	}
	metrics.RecordWebhookRequest(string(ch), string(res.Outcome))
	writeJSON(w, out.Status, out.Body)
}

// verify finds the connection whose signing secret matches the request
// and returns it opened, so the handler can call back out through the
// adapter. Webhooks do not name the connection, so every connection on
// the channel is a candidate.
func (h *Handler) verify(ctx context.Context, adapter channel.Adapter, ch model.Channel, header http.Header, body []byte) (*channel.InboundEvent, channel.Conn, error) {
	conns, err := h.store.ListConnections(ctx)
	if err != nil {
		return nil, channel.Conn{}, err
	}
	lastErr := error(channel.ErrBadSignature)
	for _, conn := range conns {
		if conn.Channel != ch {
			continue
		}
		cc, err := h.codec.OpenConn(conn)
		if err != nil {
			h.logger.Warn().Err(err).Str("connection_id", conn.ID).Msg("connection credentials unreadable")
			continue
		}
		ev, perr := adapter.ParseWebhook(cc, header, body)
		if perr == nil {
			return ev, cc, nil
		}
		if !errors.Is(perr, channel.ErrBadSignature) {
			lastErr = perr
		}
	}
	return nil, channel.Conn{}, lastErr
}

func (h *Handler) importFrom(ev *channel.InboundEvent, conn model.ChannelConnection, ch model.Channel) manager.ImportBooking {
	status := ev.Booking.Status
	if ev.Kind == channel.InboundBookingCancelled {
		status = model.StatusCancelled
	}
	if status == "" {
		status = model.StatusConfirmed
	}
	updatedAt := ev.Booking.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = ev.OccurredAt
	}
	if updatedAt.IsZero() {
		updatedAt = h.clk.Now()
	}
	return manager.ImportBooking{
		PropertyID: conn.PropertyID,
		Source:     model.SourceOf(ch),
		ExternalID: ev.Booking.ExternalID,
		Status:     status,
		CheckIn:    ev.Booking.CheckIn,
		CheckOut:   ev.Booking.CheckOut,
		Guests:     ev.Booking.Guests,
		GuestName:  ev.Booking.GuestName,
		GuestEmail: ev.Booking.GuestEmail,
		GuestPhone: ev.Booking.GuestPhone,
		TotalMinor: ev.Booking.TotalMinor,
		Currency:   ev.Booking.Currency,
		UpdatedAt:  updatedAt,
	}
}

func (h *Handler) persistOutcome(ctx context.Context, key string, out storedOutcome) {
	payload, err := json.Marshal(out)
	if err != nil {
		return
	}
	now := h.clk.Now()
	putErr := h.store.PutIdempotency(ctx, model.IdempotencyRecord{
		Key:       key,
		Result:    payload,
		CreatedAt: now,
		ExpiresAt: now.Add(outcomeTTL),
	})
	if putErr != nil && !errors.Is(putErr, ports.ErrIdempotencyExists) {
		h.logger.Warn().Err(putErr).Str("key", key).Msg("webhook outcome not recorded")
	}
}

// replay writes a stored outcome back verbatim.
func (h *Handler) replay(w http.ResponseWriter, stored []byte) {
	var out storedOutcome
	if err := json.Unmarshal(stored, &out); err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Outcome: "duplicate"})
		return
	}
	w.Header().Set("X-Idempotent-Replay", "true")
	writeJSON(w, out.Status, out.Body)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code ports.Code, msg string) {
	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = msg
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
