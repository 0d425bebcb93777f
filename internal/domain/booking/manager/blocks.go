// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"errors"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// UpsertAvailabilityBlock closes dates without a booking and fans the new
// occupied set out as availability.updated.
func (m *Manager) UpsertAvailabilityBlock(ctx context.Context, blk model.AvailabilityBlock) (model.AvailabilityBlock, error) {
	const op = "booking.upsert_block"

	rng := blk.Range()
	if rng.Nights() <= 0 {
		return model.AvailabilityBlock{}, ports.Ef(ports.CodeInvalidInput, op, "block %s has no nights", rng)
	}
	if !blk.Kind.Valid() {
		return model.AvailabilityBlock{}, ports.Ef(ports.CodeInvalidInput, op, "unknown block kind %q", blk.Kind)
	}
	if _, err := m.store.GetProperty(ctx, blk.PropertyID); err != nil {
		return model.AvailabilityBlock{}, mapStoreErr(op, err)
	}

	now := m.clk.Now()
	if blk.ID == "" {
		blk.ID = m.newID()
	}
	if blk.Source == "" {
		blk.Source = model.SourceDirect
	}
	blk.CreatedAt = now
	blk.UpdatedAt = now

	occupied, err := m.occupiedSnapshot(ctx, blk.PropertyID)
	if err != nil {
		return model.AvailabilityBlock{}, mapStoreErr(op, err)
	}
	occupied = append(occupied, model.BlockSnapshot{Range: rng, Kind: string(blk.Kind)})

	ev, err := m.availabilityEvent(blk.PropertyID, blk.ID, blk.Source, occupied)
	if err != nil {
		return model.AvailabilityBlock{}, ports.E(ports.CodeInternal, op, err)
	}
	if err := m.store.InsertBlockWithEvent(ctx, &blk, ev); err != nil {
		return model.AvailabilityBlock{}, mapStoreErr(op, err)
	}

	m.logger.Info().
		Str("block_id", blk.ID).
		Str("property_id", blk.PropertyID).
		Str("range", rng.String()).
		Str("kind", string(blk.Kind)).
		Msg("availability block added")
	return blk, nil
}

// RemoveAvailabilityBlock frees the block's dates and fans out the
// shrunken occupied set. Removing an already-removed block is a no-op.
func (m *Manager) RemoveAvailabilityBlock(ctx context.Context, blockID string) error {
	const op = "booking.remove_block"

	blk, err := m.store.GetBlock(ctx, blockID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil
		}
		return mapStoreErr(op, err)
	}

	occupied, err := m.occupiedSnapshot(ctx, blk.PropertyID)
	if err != nil {
		return mapStoreErr(op, err)
	}
	kept := occupied[:0]
	for _, o := range occupied {
		if !(o.Range == blk.Range() && o.Kind == string(blk.Kind)) {
			kept = append(kept, o)
		}
	}

	ev, err := m.availabilityEvent(blk.PropertyID, blk.ID, model.SourceDirect, kept)
	if err != nil {
		return ports.E(ports.CodeInternal, op, err)
	}
	if err := m.store.RemoveBlockWithEvent(ctx, blockID, ev); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil
		}
		return mapStoreErr(op, err)
	}
	m.logger.Info().Str("block_id", blockID).Str("property_id", blk.PropertyID).Msg("availability block removed")
	return nil
}

// ListPropertyCalendar returns the merged occupied view for a window.
func (m *Manager) ListPropertyCalendar(ctx context.Context, propertyID string, window model.DateRange) ([]model.OccupiedInterval, error) {
	const op = "booking.calendar"
	out, err := m.store.ListOccupied(ctx, propertyID, window)
	if err != nil {
		return nil, mapStoreErr(op, err)
	}
	return out, nil
}

// occupiedSnapshot freezes the property's occupied intervals over the
// sync horizon for availability event payloads.
func (m *Manager) occupiedSnapshot(ctx context.Context, propertyID string) ([]model.BlockSnapshot, error) {
	today := model.DateOf(m.clk.Now())
	window := model.DateRange{From: today.AddDays(-1), To: today.AddDays(snapshotHorizonDays)}
	occupied, err := m.store.ListOccupied(ctx, propertyID, window)
	if err != nil {
		return nil, err
	}
	out := make([]model.BlockSnapshot, 0, len(occupied))
	for _, o := range occupied {
		kind := string(o.Kind)
		if o.Kind == model.OccupiedByBlock {
			kind = string(o.Block)
		}
		out = append(out, model.BlockSnapshot{Range: o.Range, Kind: kind})
	}
	return out, nil
}

func (m *Manager) availabilityEvent(propertyID, entityID string, origin model.Source, occupied []model.BlockSnapshot) (*model.OutboundEvent, error) {
	payload, err := model.EncodePayload(model.AvailabilityPayload{PropertyID: propertyID, Occupied: occupied})
	if err != nil {
		return nil, err
	}
	return &model.OutboundEvent{
		ID:         m.newID(),
		PropertyID: propertyID,
		EntityID:   entityID,
		Kind:       model.EventAvailabilityUpdated,
		Origin:     origin,
		Payload:    payload,
		CreatedAt:  m.clk.Now(),
	}, nil
}

// SweepExpiredCheckouts cancels reserved bookings whose checkout session
// ran out without payment. Sessions whose intent already succeeded are
// left for ConfirmPayment to land.
func (m *Manager) SweepExpiredCheckouts(ctx context.Context) (int, error) {
	const op = "booking.sweep_checkouts"

	cutoff := m.clk.Now().Add(-m.checkoutTTL)
	expired, err := m.store.ListExpiredReservations(ctx, cutoff)
	if err != nil {
		return 0, mapStoreErr(op, err)
	}

	swept := 0
	for _, b := range expired {
		if b.PaymentIntentID != "" {
			intent, err := m.payments.GetIntent(ctx, b.PaymentIntentID)
			if err == nil && intent.Status == ports.IntentSucceeded {
				continue
			}
			if err == nil && intent.Status == ports.IntentPending {
				if cancelErr := m.payments.CancelIntent(ctx, b.PaymentIntentID); cancelErr != nil {
					m.logger.Warn().Str("booking_id", b.ID).Err(cancelErr).Msg("intent cancel failed during sweep")
				}
			}
		}
		if _, err := m.store.UpdateBookingStatusWithEvent(ctx, ports.StatusChange{
			BookingID:       b.ID,
			FromSet:         []model.BookingStatus{model.StatusReserved},
			To:              model.StatusCancelled,
			ExpectedVersion: b.Version,
			CancelReason:    "checkout session expired",
		}, nil); err != nil {
			var sc *ports.StateConflictError
			if errors.As(err, &sc) {
				continue // confirmed or cancelled since listing
			}
			return swept, mapStoreErr(op, err)
		}
		m.releaseLease(ctx, b.ID)
		metrics.RecordCheckoutExpired()
		metrics.RecordBookingTransition(string(model.StatusReserved), string(model.StatusCancelled))
		m.logger.Info().Str("booking_id", b.ID).Str("reference", b.Reference).Msg("expired checkout cancelled")
		swept++
	}
	return swept, nil
}
