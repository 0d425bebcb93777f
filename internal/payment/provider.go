// SPDX-License-Identifier: MIT

// Package payment implements the ports.PaymentProvider contract against
// a REST payment processor. The core never sees card data; it creates
// intents, verifies their status, and issues refunds.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/platform/httpx"
)

// Provider talks to the processor's REST API with bearer key auth.
type Provider struct {
	base   string
	apiKey string
	http   *http.Client
	logger zerolog.Logger
}

// New builds a provider against the processor endpoint.
func New(base, apiKey string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Provider{
		base:   base,
		apiKey: apiKey,
		http:   httpx.NewTracingClient(timeout),
		logger: log.WithComponent("payment"),
	}
}

type intentWire struct {
	ID          string `json:"id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	BookingID   string `json:"booking_id,omitempty"`
}

func (p *Provider) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return ports.E(ports.CodeInternal, "payment", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, body)
	if err != nil {
		return ports.E(ports.CodeInternal, "payment", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := p.http.Do(req)
	if err != nil {
		p.logger.Warn().Str("path", path).Err(err).Msg("processor unreachable")
		return ports.E(ports.CodeAdapterTransient, "payment", err)
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return ports.E(ports.CodeAdapterTransient, "payment", err)
	}
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
	case res.StatusCode == http.StatusNotFound:
		return ports.E(ports.CodeNotFound, "payment", fmt.Errorf("%s: HTTP 404", path))
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return ports.E(ports.CodeAuthFailed, "payment", fmt.Errorf("%s: HTTP %d", path, res.StatusCode))
	case res.StatusCode >= 500:
		return ports.Ef(ports.CodeAdapterTransient, "payment", "%s: HTTP %d", path, res.StatusCode)
	default:
		return ports.Ef(ports.CodeAdapterPermanent, "payment", "%s: HTTP %d: %s", path, res.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return ports.E(ports.CodeAdapterPermanent, "payment", err)
		}
	}
	return nil
}

func fromWire(w intentWire) ports.PaymentIntent {
	return ports.PaymentIntent{
		ID:          w.ID,
		AmountMinor: w.AmountMinor,
		Currency:    w.Currency,
		Status:      ports.IntentStatus(w.Status),
	}
}

// CreateIntent implements ports.PaymentProvider.
func (p *Provider) CreateIntent(ctx context.Context, amountMinor int64, currency, bookingID string) (ports.PaymentIntent, error) {
	in := intentWire{AmountMinor: amountMinor, Currency: currency, BookingID: bookingID}
	var out intentWire
	if err := p.call(ctx, http.MethodPost, "/v1/intents", in, &out); err != nil {
		return ports.PaymentIntent{}, err
	}
	p.logger.Info().Str("intent_id", out.ID).Str("booking_id", bookingID).Int64("amount_minor", amountMinor).Msg("intent created")
	return fromWire(out), nil
}

// GetIntent implements ports.PaymentProvider.
func (p *Provider) GetIntent(ctx context.Context, id string) (ports.PaymentIntent, error) {
	var out intentWire
	if err := p.call(ctx, http.MethodGet, "/v1/intents/"+id, nil, &out); err != nil {
		return ports.PaymentIntent{}, err
	}
	return fromWire(out), nil
}

// CancelIntent implements ports.PaymentProvider.
func (p *Provider) CancelIntent(ctx context.Context, id string) error {
	return p.call(ctx, http.MethodPost, "/v1/intents/"+id+"/cancel", struct{}{}, nil)
}

// Refund implements ports.PaymentProvider. A zero amount is a no-op so
// the cancel path can apply the refund policy unconditionally.
func (p *Provider) Refund(ctx context.Context, intentID string, amountMinor int64) error {
	if amountMinor <= 0 {
		return nil
	}
	in := struct {
		AmountMinor int64 `json:"amount_minor"`
	}{AmountMinor: amountMinor}
	if err := p.call(ctx, http.MethodPost, "/v1/intents/"+intentID+"/refund", in, nil); err != nil {
		return err
	}
	p.logger.Info().Str("intent_id", intentID).Int64("amount_minor", amountMinor).Msg("refund issued")
	return nil
}
