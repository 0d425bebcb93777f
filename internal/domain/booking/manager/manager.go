// SPDX-License-Identifier: MIT

// Package manager is the booking core. Every write to bookings and
// availability blocks goes through it: it serializes checkouts with the
// property lock, enforces the lifecycle state machine, prices stays, and
// appends the outbound events the sync engine fans out.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/fsm"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ident"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
	"github.com/lodgewerk/staysync/internal/pricing"
)

// DefaultCheckoutTTL is how long a checkout session holds dates and its
// property lock.
const DefaultCheckoutTTL = 600 * time.Second

// DefaultLockWait bounds how long StartCheckout queues behind a
// concurrent session before failing fast with CONCURRENT_BOOKING.
const DefaultLockWait = 2 * time.Second

// snapshotHorizonDays bounds the occupied snapshot embedded in
// availability events.
const snapshotHorizonDays = 365

// Manager owns the booking lifecycle.
type Manager struct {
	store    ports.Store
	locker   ports.Locker
	payments ports.PaymentProvider
	taxes    pricing.TaxTable
	clk      clock.Clock
	logger   zerolog.Logger
	newID    func() string

	checkoutTTL time.Duration
	lockWait    time.Duration

	mu     sync.Mutex
	leases map[string]*ports.Lease // booking id -> checkout lease
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clk = c }
}

// WithIDFunc injects the id generator (tests).
func WithIDFunc(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// WithCheckoutTTL overrides the checkout session lifetime.
func WithCheckoutTTL(d time.Duration) Option {
	return func(m *Manager) { m.checkoutTTL = d }
}

// WithLockWait overrides the contention budget for StartCheckout.
func WithLockWait(d time.Duration) Option {
	return func(m *Manager) { m.lockWait = d }
}

// New builds the booking core.
func New(store ports.Store, locker ports.Locker, payments ports.PaymentProvider, taxes pricing.TaxTable, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		locker:      locker,
		payments:    payments,
		taxes:       taxes,
		clk:         clock.System(),
		logger:      log.WithComponent("booking"),
		newID:       ident.NewID,
		checkoutTTL: DefaultCheckoutTTL,
		lockWait:    DefaultLockWait,
		leases:      make(map[string]*ports.Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckoutSession is the state handed back to the booking flow after
// StartCheckout. The reserved booking holds its dates until Deadline.
type CheckoutSession struct {
	Booking  model.Booking
	Quote    pricing.Quote
	IntentID string
	Deadline time.Time
}

// GuestDetails is the guest-step input of the checkout flow.
type GuestDetails struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// StartCheckout reserves dates for a direct booking: it takes the
// property lock, verifies availability, prices the stay, inserts a
// reserved booking (no fan-out yet) and opens a payment intent.
func (m *Manager) StartCheckout(ctx context.Context, propertyID string, stay model.DateRange, guests int) (CheckoutSession, error) {
	const op = "booking.start_checkout"

	if stay.Nights() <= 0 {
		return CheckoutSession{}, ports.Ef(ports.CodeInvalidInput, op, "stay %s has no nights", stay)
	}
	prop, err := m.store.GetProperty(ctx, propertyID)
	if err != nil {
		return CheckoutSession{}, mapStoreErr(op, err)
	}
	if !prop.Active {
		return CheckoutSession{}, ports.Ef(ports.CodeInvalidInput, op, "property %s is inactive", propertyID)
	}

	lease, err := m.locker.Acquire(ctx, ports.BookingLockKey(propertyID), m.checkoutTTL, m.lockWait)
	if err != nil {
		if errors.Is(err, ports.ErrLockBusy) {
			return CheckoutSession{}, ports.E(ports.CodeConcurrentBooking, op, err)
		}
		return CheckoutSession{}, err
	}
	release := func() {
		_ = m.locker.Release(ctx, lease)
	}

	occupied, err := m.store.ListOccupied(ctx, propertyID, stay)
	if err != nil {
		release()
		return CheckoutSession{}, mapStoreErr(op, err)
	}
	if len(occupied) > 0 {
		release()
		return CheckoutSession{}, ports.Ef(ports.CodeDatesUnavailable, op, "%d occupied intervals overlap %s", len(occupied), stay)
	}

	rules, err := m.store.ListPricingRules(ctx, propertyID)
	if err != nil {
		release()
		return CheckoutSession{}, mapStoreErr(op, err)
	}
	overrides, err := m.store.ListDateOverrides(ctx, propertyID, stay)
	if err != nil {
		release()
		return CheckoutSession{}, mapStoreErr(op, err)
	}
	quote, err := pricing.Compute(pricing.Inputs{
		Property:  prop,
		Stay:      stay,
		Guests:    guests,
		Rules:     rules,
		Overrides: overrides,
		Taxes:     m.taxes,
	})
	if err != nil {
		release()
		return CheckoutSession{}, ports.E(ports.CodeInvalidInput, op, err)
	}

	now := m.clk.Now()
	ref, err := m.nextReference(ctx, now)
	if err != nil {
		release()
		return CheckoutSession{}, mapStoreErr(op, err)
	}

	b := model.Booking{
		ID:         m.newID(),
		Reference:  ref,
		PropertyID: propertyID,
		Source:     model.SourceDirect,
		Status:     model.StatusReserved,
		CheckIn:    stay.From,
		CheckOut:   stay.To,
		Guests:     guests,
		TotalMinor: quote.TotalMinor,
		Currency:   quote.Currency,
		LockKey:    lease.Key,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	// Reserved inserts carry no event: channels only learn about the
	// booking once payment confirms it.
	if err := m.store.InsertBookingWithEvent(ctx, &b, nil); err != nil {
		release()
		return CheckoutSession{}, mapStoreErr(op, err)
	}

	intent, err := m.payments.CreateIntent(ctx, quote.TotalMinor, string(quote.Currency), b.ID)
	if err != nil {
		// No intent, no session: free the dates again.
		if _, cancelErr := m.store.UpdateBookingStatusWithEvent(ctx, ports.StatusChange{
			BookingID:       b.ID,
			FromSet:         []model.BookingStatus{model.StatusReserved},
			To:              model.StatusCancelled,
			ExpectedVersion: b.Version,
			CancelReason:    "payment intent creation failed",
		}, nil); cancelErr != nil {
			m.logger.Error().Str("booking_id", b.ID).Err(cancelErr).Msg("rollback after intent failure did not apply")
		}
		release()
		return CheckoutSession{}, err
	}

	b.PaymentIntentID = intent.ID
	updated, err := m.store.UpdateBookingFields(ctx, b)
	if err != nil {
		release()
		return CheckoutSession{}, mapStoreErr(op, err)
	}

	m.mu.Lock()
	m.leases[b.ID] = lease
	m.mu.Unlock()

	m.logger.Info().
		Str("booking_id", b.ID).
		Str("property_id", propertyID).
		Str("reference", ref).
		Int64("total_minor", quote.TotalMinor).
		Msg("checkout started")

	return CheckoutSession{
		Booking:  updated,
		Quote:    quote,
		IntentID: intent.ID,
		Deadline: now.Add(m.checkoutTTL),
	}, nil
}

// QuoteStay prices a stay without reserving anything. The same inputs
// produce the same quote StartCheckout would charge.
func (m *Manager) QuoteStay(ctx context.Context, propertyID string, stay model.DateRange, guests int) (pricing.Quote, error) {
	const op = "booking.quote"

	if stay.Nights() <= 0 {
		return pricing.Quote{}, ports.Ef(ports.CodeInvalidInput, op, "stay %s has no nights", stay)
	}
	prop, err := m.store.GetProperty(ctx, propertyID)
	if err != nil {
		return pricing.Quote{}, mapStoreErr(op, err)
	}
	rules, err := m.store.ListPricingRules(ctx, propertyID)
	if err != nil {
		return pricing.Quote{}, mapStoreErr(op, err)
	}
	overrides, err := m.store.ListDateOverrides(ctx, propertyID, stay)
	if err != nil {
		return pricing.Quote{}, mapStoreErr(op, err)
	}
	quote, err := pricing.Compute(pricing.Inputs{
		Property:  prop,
		Stay:      stay,
		Guests:    guests,
		Rules:     rules,
		Overrides: overrides,
		Taxes:     m.taxes,
	})
	if err != nil {
		return pricing.Quote{}, ports.E(ports.CodeInvalidInput, op, err)
	}
	return quote, nil
}

// UpdateGuestDetails attaches the guest to a reserved booking. Repeating
// the call with the same details is a no-op.
func (m *Manager) UpdateGuestDetails(ctx context.Context, bookingID string, details GuestDetails) (model.Booking, error) {
	const op = "booking.update_guest"

	if details.Email == "" {
		return model.Booking{}, ports.Ef(ports.CodeInvalidInput, op, "guest email is required")
	}
	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, mapStoreErr(op, err)
	}
	if b.Status != model.StatusReserved {
		return model.Booking{}, ports.Ef(ports.CodeInvalidState, op, "booking %s is %s", bookingID, b.Status)
	}

	g, err := m.store.UpsertGuestByEmail(ctx, model.Guest{
		ID:        m.newID(),
		Email:     details.Email,
		FirstName: details.FirstName,
		LastName:  details.LastName,
		Phone:     details.Phone,
	})
	if err != nil {
		return model.Booking{}, mapStoreErr(op, err)
	}

	b.GuestID = g.ID
	updated, err := m.store.UpdateBookingFields(ctx, b)
	if err != nil {
		return model.Booking{}, mapStoreErr(op, err)
	}
	return updated, nil
}

// ConfirmPayment verifies the payment intent and promotes the booking to
// confirmed, appending booking.created for fan-out in the same
// transaction. Confirming an already-confirmed booking replays it.
func (m *Manager) ConfirmPayment(ctx context.Context, bookingID string) (model.Booking, error) {
	const op = "booking.confirm_payment"

	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, mapStoreErr(op, err)
	}
	if b.Status == model.StatusConfirmed {
		return b, nil
	}
	if b.Status != model.StatusReserved {
		return model.Booking{}, ports.Ef(ports.CodeInvalidState, op, "booking %s is %s", bookingID, b.Status)
	}
	if b.PaymentIntentID == "" {
		return model.Booking{}, ports.Ef(ports.CodePaymentNotVerified, op, "booking %s has no payment intent", bookingID)
	}

	intent, err := m.payments.GetIntent(ctx, b.PaymentIntentID)
	if err != nil {
		return model.Booking{}, err
	}
	if intent.Status != ports.IntentSucceeded {
		return model.Booking{}, ports.Ef(ports.CodePaymentNotVerified, op, "intent %s is %s", intent.ID, intent.Status)
	}

	ev, err := m.bookingEvent(ctx, b, model.StatusConfirmed, model.EventBookingCreated, model.SourceDirect)
	if err != nil {
		return model.Booking{}, ports.E(ports.CodeInternal, op, err)
	}
	updated, err := m.store.UpdateBookingStatusWithEvent(ctx, ports.StatusChange{
		BookingID:       bookingID,
		FromSet:         []model.BookingStatus{model.StatusReserved},
		To:              model.StatusConfirmed,
		ExpectedVersion: b.Version,
	}, ev)
	if err != nil {
		var sc *ports.StateConflictError
		if errors.As(err, &sc) && sc.Current == model.StatusConfirmed {
			return m.store.GetBooking(ctx, bookingID)
		}
		return model.Booking{}, mapStoreErr(op, err)
	}

	m.releaseLease(ctx, bookingID)
	if updated.LockKey != "" {
		updated.LockKey = ""
		if cleaned, err := m.store.UpdateBookingFields(ctx, updated); err == nil {
			updated = cleaned
		}
	}

	metrics.RecordBookingCreated(string(model.SourceDirect))
	metrics.RecordBookingTransition(string(model.StatusReserved), string(model.StatusConfirmed))
	m.logger.Info().Str("booking_id", bookingID).Str("intent_id", intent.ID).Msg("booking confirmed")
	return updated, nil
}

// CancelResult reports a cancellation and the refund it triggered.
type CancelResult struct {
	Booking     model.Booking
	RefundMinor int64
}

// CancelBooking cancels any non-terminal booking, applying the refund
// policy for paid direct bookings: full refund at seven or more days
// before check-in, half between three and six, none under three.
func (m *Manager) CancelBooking(ctx context.Context, bookingID, reason string) (CancelResult, error) {
	const op = "booking.cancel"

	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return CancelResult{}, mapStoreErr(op, err)
	}
	if b.Status == model.StatusCancelled {
		return CancelResult{Booking: b}, nil
	}
	if _, ok := fsm.CancelEventFor(b.Status); !ok {
		return CancelResult{}, ports.Ef(ports.CodeInvalidState, op, "booking %s is %s", bookingID, b.Status)
	}

	// Channels only hear about bookings that reached confirmed; a
	// reserved session dying is invisible to them.
	var ev *model.OutboundEvent
	if b.Status != model.StatusReserved && b.Status != model.StatusInquiry {
		ev, err = m.bookingEvent(ctx, b, model.StatusCancelled, model.EventBookingCancelled, model.SourceDirect)
		if err != nil {
			return CancelResult{}, ports.E(ports.CodeInternal, op, err)
		}
	}

	updated, err := m.store.UpdateBookingStatusWithEvent(ctx, ports.StatusChange{
		BookingID:       bookingID,
		FromSet:         []model.BookingStatus{model.StatusInquiry, model.StatusReserved, model.StatusConfirmed, model.StatusCheckedIn},
		To:              model.StatusCancelled,
		ExpectedVersion: b.Version,
		CancelReason:    reason,
	}, ev)
	if err != nil {
		var sc *ports.StateConflictError
		if errors.As(err, &sc) && sc.Current == model.StatusCancelled {
			cur, getErr := m.store.GetBooking(ctx, bookingID)
			if getErr != nil {
				return CancelResult{}, mapStoreErr(op, getErr)
			}
			return CancelResult{Booking: cur}, nil
		}
		return CancelResult{}, mapStoreErr(op, err)
	}

	refund := m.settlePayment(ctx, b)
	m.releaseLease(ctx, bookingID)

	metrics.RecordBookingTransition(string(b.Status), string(model.StatusCancelled))
	m.logger.Info().
		Str("booking_id", bookingID).
		Str("reason", reason).
		Int64("refund_minor", refund).
		Msg("booking cancelled")
	return CancelResult{Booking: updated, RefundMinor: refund}, nil
}

// settlePayment cancels or refunds the intent behind a cancelled
// booking. Provider failures are logged, not surfaced: the cancellation
// already committed and the refund can be replayed by the operator.
func (m *Manager) settlePayment(ctx context.Context, b model.Booking) int64 {
	if b.PaymentIntentID == "" || b.Source != model.SourceDirect {
		return 0
	}
	intent, err := m.payments.GetIntent(ctx, b.PaymentIntentID)
	if err != nil {
		m.logger.Warn().Str("booking_id", b.ID).Err(err).Msg("intent lookup failed during cancel")
		return 0
	}
	switch intent.Status {
	case ports.IntentPending:
		if err := m.payments.CancelIntent(ctx, b.PaymentIntentID); err != nil {
			m.logger.Warn().Str("booking_id", b.ID).Err(err).Msg("intent cancel failed")
		}
		return 0
	case ports.IntentSucceeded:
		refund := RefundAmount(b.TotalMinor, model.DateOf(m.clk.Now()), b.CheckIn)
		if refund > 0 {
			if err := m.payments.Refund(ctx, b.PaymentIntentID, refund); err != nil {
				m.logger.Error().Str("booking_id", b.ID).Int64("refund_minor", refund).Err(err).Msg("refund failed")
				return 0
			}
		}
		return refund
	default:
		return 0
	}
}

// RefundAmount applies the cancellation refund policy.
func RefundAmount(totalMinor int64, today, checkIn model.Date) int64 {
	days := today.DaysUntil(checkIn)
	switch {
	case days >= 7:
		return totalMinor
	case days >= 3:
		return totalMinor / 2
	default:
		return 0
	}
}

// CheckIn moves a confirmed booking to checked_in.
func (m *Manager) CheckIn(ctx context.Context, bookingID string) (model.Booking, error) {
	return m.step(ctx, "booking.check_in", bookingID, fsm.EventCheckIn)
}

// CheckOut moves a checked_in booking to checked_out.
func (m *Manager) CheckOut(ctx context.Context, bookingID string) (model.Booking, error) {
	return m.step(ctx, "booking.check_out", bookingID, fsm.EventCheckOut)
}

func (m *Manager) step(ctx context.Context, op, bookingID string, event fsm.Event) (model.Booking, error) {
	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return model.Booking{}, mapStoreErr(op, err)
	}
	to, err := fsm.Step(b.Status, event)
	if err != nil {
		// A repeat of an already-applied transition replays the booking
		// instead of failing.
		if target, ok := fsm.Target(event); ok && b.Status == target {
			return b, nil
		}
		return model.Booking{}, ports.E(ports.CodeInvalidState, op, err)
	}

	ev, err := m.bookingEvent(ctx, b, to, model.EventBookingUpdated, model.SourceDirect)
	if err != nil {
		return model.Booking{}, ports.E(ports.CodeInternal, op, err)
	}
	updated, err := m.store.UpdateBookingStatusWithEvent(ctx, ports.StatusChange{
		BookingID:       bookingID,
		FromSet:         []model.BookingStatus{b.Status},
		To:              to,
		ExpectedVersion: b.Version,
	}, ev)
	if err != nil {
		var sc *ports.StateConflictError
		if errors.As(err, &sc) && sc.Current == to {
			return m.store.GetBooking(ctx, bookingID)
		}
		return model.Booking{}, mapStoreErr(op, err)
	}
	metrics.RecordBookingTransition(string(b.Status), string(to))
	return updated, nil
}

// bookingEvent builds the outbound event for a booking moving to a new
// status, freezing the snapshot at append time.
func (m *Manager) bookingEvent(ctx context.Context, b model.Booking, to model.BookingStatus, kind model.EventKind, origin model.Source) (*model.OutboundEvent, error) {
	snap := b
	snap.Status = to
	var guest *model.Guest
	if b.GuestID != "" {
		if g, err := m.store.GetGuest(ctx, b.GuestID); err == nil {
			guest = &g
		}
	}
	payload, err := model.EncodePayload(model.SnapshotBooking(snap, guest))
	if err != nil {
		return nil, fmt.Errorf("encode booking snapshot: %w", err)
	}
	return &model.OutboundEvent{
		ID:         m.newID(),
		PropertyID: b.PropertyID,
		EntityID:   b.ID,
		Kind:       kind,
		Origin:     origin,
		Payload:    payload,
		CreatedAt:  m.clk.Now(),
	}, nil
}

func (m *Manager) nextReference(ctx context.Context, now time.Time) (string, error) {
	year := now.UTC().Year()
	n, err := m.store.NextReference(ctx, year)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ST-%d-%06d", year, n), nil
}

func (m *Manager) releaseLease(ctx context.Context, bookingID string) {
	m.mu.Lock()
	lease := m.leases[bookingID]
	delete(m.leases, bookingID)
	m.mu.Unlock()
	if lease != nil {
		_ = m.locker.Release(ctx, lease)
	}
}

// mapStoreErr translates store sentinels into the error envelope.
func mapStoreErr(op string, err error) error {
	var inv *ports.InventoryConflictError
	var sc *ports.StateConflictError
	switch {
	case errors.As(err, &inv):
		return ports.E(ports.CodeDatesUnavailable, op, err)
	case errors.As(err, &sc):
		return ports.E(ports.CodeInvalidState, op, err)
	case errors.Is(err, ports.ErrNotFound):
		return ports.E(ports.CodeNotFound, op, err)
	case errors.Is(err, ports.ErrVersionConflict):
		return ports.E(ports.CodeInvalidState, op, err)
	case errors.Is(err, ports.ErrDuplicateExternalID):
		return ports.E(ports.CodeInvalidInput, op, err)
	default:
		var de *ports.Error
		if errors.As(err, &de) {
			return err
		}
		return ports.E(ports.CodeStoreUnavailable, op, err)
	}
}
