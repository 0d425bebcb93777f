// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"errors"
	"time"

	"github.com/lodgewerk/staysync/internal/conflict"
	"github.com/lodgewerk/staysync/internal/domain/booking/fsm"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// ImportBooking is a channel booking normalized for the inbound path.
// Ingress, the polling importer and the reconciler all feed this shape.
type ImportBooking struct {
	PropertyID string
	Source     model.Source
	ExternalID string
	Status     model.BookingStatus
	CheckIn    model.Date
	CheckOut   model.Date
	Guests     int
	GuestName  string
	GuestEmail string
	GuestPhone string
	TotalMinor int64
	Currency   model.Currency
	UpdatedAt  time.Time
}

// ImportOutcome says what the inbound path did with a channel booking.
type ImportOutcome string

const (
	// ImportApplied means the booking was created or its status updated.
	ImportApplied ImportOutcome = "applied"
	// ImportNoop means local state already matched.
	ImportNoop ImportOutcome = "noop"
	// ImportKeepLocal means local state wins; the caller re-pushes it to
	// the origin channel.
	ImportKeepLocal ImportOutcome = "keep_local"
	// ImportRejected means the dates are occupied; the caller cancels the
	// booking on the platform.
	ImportRejected ImportOutcome = "rejected"
)

// ImportResult reports the decision and, when applied, the booking.
type ImportResult struct {
	Outcome       ImportOutcome
	Booking       model.Booking
	AlertOperator bool
	Conflicts     []model.OccupiedInterval
	Reason        string
}

// ImportChannelBooking applies an inbound channel booking under the
// conflict policy. Known bookings (matched by source + external id) go
// through status resolution; new ones are admitted only when their dates
// are free.
func (m *Manager) ImportChannelBooking(ctx context.Context, in ImportBooking) (ImportResult, error) {
	const op = "booking.import"

	ch, ok := in.Source.Channel()
	if !ok {
		return ImportResult{}, ports.Ef(ports.CodeInvalidInput, op, "source %q is not a channel", in.Source)
	}
	stay := model.DateRange{From: in.CheckIn, To: in.CheckOut}
	if stay.Nights() <= 0 {
		return ImportResult{}, ports.Ef(ports.CodeInvalidInput, op, "stay %s has no nights", stay)
	}
	if !in.Status.Valid() {
		return ImportResult{}, ports.Ef(ports.CodeInvalidInput, op, "unknown status %q", in.Status)
	}

	existing, err := m.store.GetBookingByExternalID(ctx, in.Source, in.ExternalID)
	switch {
	case err == nil:
		return m.applyToExisting(ctx, existing, in, ch)
	case errors.Is(err, ports.ErrNotFound):
		return m.admitNew(ctx, in, ch, stay)
	default:
		return ImportResult{}, mapStoreErr(op, err)
	}
}

func (m *Manager) applyToExisting(ctx context.Context, existing model.Booking, in ImportBooking, ch model.Channel) (ImportResult, error) {
	const op = "booking.import"

	decision := conflict.ResolveStatus(
		conflict.StatusUpdate{Source: existing.Source, Status: existing.Status, UpdatedAt: existing.UpdatedAt},
		conflict.StatusUpdate{Source: in.Source, Status: in.Status, UpdatedAt: in.UpdatedAt},
	)
	switch decision.Action {
	case conflict.ActionNoop:
		return ImportResult{Outcome: ImportNoop, Booking: existing, Reason: decision.Reason}, nil
	case conflict.ActionKeepLocal:
		metrics.RecordWebhookConflict(string(ch), string(ImportKeepLocal))
		return ImportResult{Outcome: ImportKeepLocal, Booking: existing, Reason: decision.Reason}, nil
	}

	if !fsm.Allowed(existing.Status, decision.Status) {
		metrics.RecordWebhookConflict(string(ch), string(ImportKeepLocal))
		return ImportResult{
			Outcome: ImportKeepLocal,
			Booking: existing,
			Reason:  "no lifecycle path from " + string(existing.Status) + " to " + string(decision.Status),
		}, nil
	}

	kind := model.EventBookingUpdated
	if decision.Status == model.StatusCancelled {
		kind = model.EventBookingCancelled
	}
	ev, err := m.bookingEvent(ctx, existing, decision.Status, kind, in.Source)
	if err != nil {
		return ImportResult{}, ports.E(ports.CodeInternal, op, err)
	}
	updated, err := m.store.UpdateBookingStatusWithEvent(ctx, ports.StatusChange{
		BookingID:       existing.ID,
		FromSet:         []model.BookingStatus{existing.Status},
		To:              decision.Status,
		ExpectedVersion: existing.Version,
		CancelReason:    "cancelled on " + string(ch),
	}, ev)
	if err != nil {
		var sc *ports.StateConflictError
		if errors.As(err, &sc) && sc.Current == decision.Status {
			cur, getErr := m.store.GetBooking(ctx, existing.ID)
			if getErr != nil {
				return ImportResult{}, mapStoreErr(op, getErr)
			}
			return ImportResult{Outcome: ImportNoop, Booking: cur, Reason: "already applied"}, nil
		}
		return ImportResult{}, mapStoreErr(op, err)
	}

	metrics.RecordBookingTransition(string(existing.Status), string(decision.Status))
	m.logger.Info().
		Str("booking_id", existing.ID).
		Str("channel", string(ch)).
		Str("status", string(decision.Status)).
		Msg("channel update applied")
	return ImportResult{Outcome: ImportApplied, Booking: updated, Reason: decision.Reason}, nil
}

func (m *Manager) admitNew(ctx context.Context, in ImportBooking, ch model.Channel, stay model.DateRange) (ImportResult, error) {
	const op = "booking.import"

	// A cancellation for a booking we never imported carries nothing to
	// apply.
	if in.Status == model.StatusCancelled {
		return ImportResult{Outcome: ImportNoop, Reason: "cancellation for unknown booking"}, nil
	}

	occupied, err := m.store.ListOccupied(ctx, in.PropertyID, stay)
	if err != nil {
		return ImportResult{}, mapStoreErr(op, err)
	}
	decision := conflict.ResolveNewInbound(stay, occupied)
	if !decision.Accept {
		metrics.RecordAvailabilityRejection(string(in.Source))
		if decision.AlertOperator {
			m.logger.Error().
				Str("property_id", in.PropertyID).
				Str("channel", string(ch)).
				Str("external_id", in.ExternalID).
				Str("stay", stay.String()).
				Msg("channel sold dates held by a direct booking")
		}
		return ImportResult{
			Outcome:       ImportRejected,
			AlertOperator: decision.AlertOperator,
			Conflicts:     decision.Conflicts,
			Reason:        decision.Reason,
		}, nil
	}

	now := m.clk.Now()
	ref, err := m.nextReference(ctx, now)
	if err != nil {
		return ImportResult{}, mapStoreErr(op, err)
	}
	b := model.Booking{
		ID:         m.newID(),
		Reference:  ref,
		PropertyID: in.PropertyID,
		Source:     in.Source,
		ExternalID: in.ExternalID,
		Status:     model.StatusConfirmed,
		CheckIn:    in.CheckIn,
		CheckOut:   in.CheckOut,
		Guests:     in.Guests,
		TotalMinor: in.TotalMinor,
		Currency:   in.Currency,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	if in.GuestEmail != "" {
		g, err := m.store.UpsertGuestByEmail(ctx, model.Guest{
			ID:        m.newID(),
			Email:     in.GuestEmail,
			FirstName: in.GuestName,
			Phone:     in.GuestPhone,
		})
		if err == nil {
			b.GuestID = g.ID
		}
	}

	ev, err := m.bookingEvent(ctx, b, model.StatusConfirmed, model.EventBookingCreated, in.Source)
	if err != nil {
		return ImportResult{}, ports.E(ports.CodeInternal, op, err)
	}
	if err := m.store.InsertBookingWithEvent(ctx, &b, ev); err != nil {
		if errors.Is(err, ports.ErrDuplicateExternalID) {
			// Concurrent import of the same message won the race.
			cur, getErr := m.store.GetBookingByExternalID(ctx, in.Source, in.ExternalID)
			if getErr != nil {
				return ImportResult{}, mapStoreErr(op, getErr)
			}
			return ImportResult{Outcome: ImportNoop, Booking: cur, Reason: "already imported"}, nil
		}
		var inv *ports.InventoryConflictError
		if errors.As(err, &inv) {
			metrics.RecordAvailabilityRejection(string(in.Source))
			return ImportResult{
				Outcome:   ImportRejected,
				Conflicts: inv.Conflicts,
				Reason:    "dates already occupied",
			}, nil
		}
		return ImportResult{}, mapStoreErr(op, err)
	}

	metrics.RecordBookingCreated(string(in.Source))
	m.logger.Info().
		Str("booking_id", b.ID).
		Str("channel", string(ch)).
		Str("external_id", in.ExternalID).
		Msg("channel booking imported")
	return ImportResult{Outcome: ImportApplied, Booking: b, Reason: "dates free"}, nil
}
