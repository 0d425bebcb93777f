// SPDX-License-Identifier: MIT

// Package outbox fans outbound events out to channel deliveries and
// manages their claim/settle lifecycle. Events themselves are appended
// by the store inside the same transaction as the business write; this
// package only handles what happens after commit.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ident"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// Outcome settles a claimed delivery.
type Outcome struct {
	State     model.DeliveryState
	NextAt    time.Time // only for State == pending
	LastError string
}

// Succeeded marks a delivery done.
func Succeeded() Outcome { return Outcome{State: model.DeliverySucceeded} }

// RetryAt schedules another attempt.
func RetryAt(at time.Time, reason string) Outcome {
	return Outcome{State: model.DeliveryPending, NextAt: at, LastError: reason}
}

// Dead parks a delivery for operator review.
func Dead(reason string) Outcome {
	return Outcome{State: model.DeliveryDead, LastError: reason}
}

// Manager owns delivery fan-out and lifecycle over the store ports.
type Manager struct {
	store      ports.Store
	clk        clock.Clock
	logger     zerolog.Logger
	visibility time.Duration
	newID      func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

// WithVisibility sets the claim visibility window.
func WithVisibility(d time.Duration) Option {
	return func(m *Manager) { m.visibility = d }
}

// WithIDFunc overrides delivery id generation, for tests.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// DefaultVisibility is twice the per-call dispatch budget.
const DefaultVisibility = 60 * time.Second

// NewManager builds a Manager over the given store.
func NewManager(store ports.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		clk:        clock.System(),
		logger:     log.WithComponent("outbox"),
		visibility: DefaultVisibility,
		newID:      ident.NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FanOut creates one pending delivery per active channel connection on
// the event's property, excluding the channel the event originated from.
// A booking imported from airbnb must not be pushed back to airbnb.
func (m *Manager) FanOut(ctx context.Context, ev model.OutboundEvent) (int, error) {
	conns, err := m.store.ListConnectionsForProperty(ctx, ev.PropertyID)
	if err != nil {
		return 0, fmt.Errorf("fan out %s: %w", ev.ID, err)
	}

	originCh, originIsChannel := ev.Origin.Channel()
	now := m.clk.Now()
	var deliveries []model.Delivery
	for _, conn := range conns {
		if !conn.Syncable() {
			continue
		}
		if originIsChannel && conn.Channel == originCh {
			continue
		}
		deliveries = append(deliveries, model.Delivery{
			ID:            m.newID(),
			EventID:       ev.ID,
			ConnectionID:  conn.ID,
			Channel:       conn.Channel,
			PropertyID:    ev.PropertyID,
			EntityID:      ev.EntityID,
			Sequence:      ev.Sequence,
			State:         model.DeliveryPending,
			NextAttemptAt: now,
		})
	}
	if err := m.store.InsertDeliveries(ctx, ev.ID, deliveries); err != nil {
		return 0, fmt.Errorf("fan out %s: %w", ev.ID, err)
	}

	metrics.RecordOutboxEvent(string(ev.Kind))
	m.logger.Debug().
		Str("event_id", ev.ID).
		Str("property_id", ev.PropertyID).
		Str("kind", string(ev.Kind)).
		Int64("sequence", ev.Sequence).
		Int("deliveries", len(deliveries)).
		Msg("event fanned out")
	return len(deliveries), nil
}

// FanOutPending fans out every committed event that has no deliveries
// yet. The dispatcher runs this ahead of each claim so events become
// deliveries without the writer holding a reference to the outbox.
func (m *Manager) FanOutPending(ctx context.Context, limit int) (int, error) {
	events, err := m.store.ListUnfannedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fan out pending: %w", err)
	}
	total := 0
	for _, ev := range events {
		n, err := m.FanOut(ctx, ev)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ClaimDue atomically claims up to limit due deliveries, respecting the
// per-(entity, channel) ordering guard in the store.
func (m *Manager) ClaimDue(ctx context.Context, limit int) ([]model.Delivery, error) {
	claimed, err := m.store.ClaimDue(ctx, m.clk.Now(), limit, m.visibility)
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	return claimed, nil
}

// Settle records the outcome of a claimed delivery.
func (m *Manager) Settle(ctx context.Context, d model.Delivery, out Outcome) error {
	if err := m.store.SettleDelivery(ctx, d.ID, out.State, out.NextAt, out.LastError); err != nil {
		return fmt.Errorf("settle %s: %w", d.ID, err)
	}
	metrics.RecordOutboxSettled(string(d.Channel), string(out.State))
	ev := m.logger.Debug()
	if out.State == model.DeliveryDead {
		ev = m.logger.Warn()
	}
	ev.Str("delivery_id", d.ID).
		Str("channel", string(d.Channel)).
		Str("state", string(out.State)).
		Str("error", out.LastError).
		Msg("delivery settled")
	return nil
}

// Release returns a claimed delivery to pending without charging the
// attempt. For deferrals that never reached the platform.
func (m *Manager) Release(ctx context.Context, d model.Delivery, at time.Time, reason string) error {
	if err := m.store.ReleaseDelivery(ctx, d.ID, at, reason); err != nil {
		return fmt.Errorf("release %s: %w", d.ID, err)
	}
	m.logger.Debug().
		Str("delivery_id", d.ID).
		Str("channel", string(d.Channel)).
		Time("next_attempt", at).
		Str("reason", reason).
		Msg("delivery released")
	return nil
}

// Requeue returns crashed in_flight deliveries past their visibility
// deadline to pending. Run periodically.
func (m *Manager) Requeue(ctx context.Context) (int, error) {
	n, err := m.store.RequeueExpired(ctx, m.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	if n > 0 {
		m.logger.Warn().Int("count", n).Msg("requeued expired in-flight deliveries")
		metrics.RecordOutboxRequeued("all")
	}
	return n, nil
}

// CancelForConnection deadletters all undelivered work for a connection,
// typically after the connection was disabled.
func (m *Manager) CancelForConnection(ctx context.Context, connectionID, reason string) (int, error) {
	n, err := m.store.CancelDeliveriesForConnection(ctx, connectionID, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel for connection %s: %w", connectionID, err)
	}
	if n > 0 {
		m.logger.Info().Str("connection_id", connectionID).Int("count", n).Str("reason", reason).Msg("deliveries cancelled")
	}
	return n, nil
}

// PublishPending refreshes the pending-backlog gauge.
func (m *Manager) PublishPending(ctx context.Context) error {
	n, err := m.store.CountDeliveries(ctx, model.DeliveryPending)
	if err != nil {
		return err
	}
	metrics.SetOutboxPending(n)
	return nil
}
