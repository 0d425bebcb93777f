// SPDX-License-Identifier: MIT

package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// paymentSignatureHeader carries the processor's hex HMAC-SHA256 of the
// raw body.
const paymentSignatureHeader = "X-Payment-Signature"

// paymentEvent is the processor's webhook envelope.
type paymentEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	IntentID  string `json:"intent_id"`
	BookingID string `json:"booking_id"`
}

func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, ports.CodeInvalidInput, "payload too large")
		return
	}

	// No secret configured means the endpoint is dark.
	if h.paymentSecret == "" || !channel.VerifyHMAC(h.paymentSecret, body, r.Header.Get(paymentSignatureHeader)) {
		h.logger.Warn().Str("remote", r.RemoteAddr).Msg("payment webhook signature rejected")
		metrics.RecordWebhookRequest("payment", "bad_signature")
		writeError(w, http.StatusForbidden, ports.CodeAuthFailed, "signature verification failed")
		return
	}

	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" || ev.BookingID == "" {
		metrics.RecordWebhookRequest("payment", "malformed")
		writeError(w, http.StatusUnprocessableEntity, ports.CodeInvalidInput, "unparseable payload")
		return
	}

	dedupeKey := "payment:" + ev.ID
	if rec, err := h.store.GetIdempotency(ctx, dedupeKey); err == nil {
		metrics.RecordWebhookDuplicate("payment")
		h.replay(w, rec.Result)
		return
	} else if !errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, ports.CodeStoreUnavailable, "try again")
		return
	}

	var out storedOutcome
	switch ev.Type {
	case "payment_intent.succeeded":
		b, err := h.core.ConfirmPayment(ctx, ev.BookingID)
		if err != nil {
			h.paymentFailure(ctx, w, dedupeKey, ev, err)
			return
		}
		out = storedOutcome{Status: http.StatusOK, Body: webhookResponse{Outcome: "applied", BookingID: b.ID}}

	case "payment_intent.payment_failed":
		res, err := h.core.CancelBooking(ctx, ev.BookingID, "payment failed")
		if err != nil {
			h.paymentFailure(ctx, w, dedupeKey, ev, err)
			return
		}
		out = storedOutcome{Status: http.StatusOK, Body: webhookResponse{Outcome: "cancelled", BookingID: res.Booking.ID}}

	default:
		// Unknown event types are acknowledged so the processor stops
		// retrying them.
		out = storedOutcome{Status: http.StatusOK, Body: webhookResponse{Outcome: "ignored", Reason: ev.Type}}
	}

	h.persistOutcome(ctx, dedupeKey, out)
	metrics.RecordWebhookRequest("payment", out.Body.Outcome)
	writeJSON(w, out.Status, out.Body)
}

func (h *Handler) paymentFailure(ctx context.Context, w http.ResponseWriter, dedupeKey string, ev paymentEvent, err error) {
	code := ports.CodeOf(err)
	status := ports.HTTPStatus(code)
	h.logger.Error().Err(err).Str("event_id", ev.ID).Str("booking_id", ev.BookingID).Msg("payment webhook failed")
	metrics.RecordWebhookRequest("payment", "error")
	out := storedOutcome{Status: status, Body: webhookResponse{Outcome: "error", Reason: string(code)}}
	// PAYMENT_NOT_VERIFIED can resolve on the processor's retry; never
	// freeze it into a replayable outcome.
	if status < http.StatusInternalServerError && code != ports.CodePaymentNotVerified {
		h.persistOutcome(ctx, dedupeKey, out)
	}
	writeJSON(w, out.Status, out.Body)
}
