// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

const bookingColumns = `id, reference, property_id, COALESCE(guest_id, ''), source, COALESCE(external_id, ''), status,
	check_in, check_out, guests, total_minor, currency, payment_intent_id, lock_key, cancel_reason,
	created_at_ms, updated_at_ms, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (model.Booking, error) {
	var b model.Booking
	var checkIn, checkOut string
	var createdMs, updatedMs int64
	err := row.Scan(&b.ID, &b.Reference, &b.PropertyID, &b.GuestID, &b.Source, &b.ExternalID, &b.Status,
		&checkIn, &checkOut, &b.Guests, &b.TotalMinor, &b.Currency, &b.PaymentIntentID, &b.LockKey, &b.CancelReason,
		&createdMs, &updatedMs, &b.Version)
	if err != nil {
		return model.Booking{}, err
	}
	if b.CheckIn, err = model.ParseDate(checkIn); err != nil {
		return model.Booking{}, err
	}
	if b.CheckOut, err = model.ParseDate(checkOut); err != nil {
		return model.Booking{}, err
	}
	b.CreatedAt = msToTime(createdMs)
	b.UpdatedAt = msToTime(updatedMs)
	return b, nil
}

// appendEventTx assigns the per-property sequence and inserts the event
// inside the caller's transaction. Mutates ev.Sequence and ev.CreatedAt.
func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, ev *model.OutboundEvent) error {
	if ev == nil {
		return nil
	}
	now := s.now()
	var seq int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO property_sequences (property_id, seq) VALUES (?, 1)
		ON CONFLICT(property_id) DO UPDATE SET seq = seq + 1
		RETURNING seq`, ev.PropertyID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	ev.Sequence = seq
	ev.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbound_events (id, property_id, entity_id, kind, origin, sequence, payload, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PropertyID, ev.EntityID, string(ev.Kind), string(ev.Origin), ev.Sequence, ev.Payload, timeToMs(now))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// conflictsFor loads the occupied intervals overlapping the range, for
// the InventoryConflictError payload.
func (s *Store) conflictsFor(ctx context.Context, propertyID string, r model.DateRange) []model.OccupiedInterval {
	occupied, err := s.ListOccupied(ctx, propertyID, r)
	if err != nil {
		return nil
	}
	var out []model.OccupiedInterval
	for _, o := range occupied {
		if o.Range.Overlaps(r) {
			out = append(out, o)
		}
	}
	return out
}

// InsertBookingWithEvent implements ports.BookingStore.
func (s *Store) InsertBookingWithEvent(ctx context.Context, b *model.Booking, ev *model.OutboundEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.insert_booking", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	b.CreatedAt = now
	b.UpdatedAt = now
	if b.Version == 0 {
		b.Version = 1
	}

	var externalID any
	if b.ExternalID != "" {
		externalID = b.ExternalID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bookings (id, reference, property_id, guest_id, source, external_id, status,
			check_in, check_out, guests, total_minor, currency, payment_intent_id, lock_key, cancel_reason,
			created_at_ms, updated_at_ms, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Reference, b.PropertyID, nullIfEmpty(b.GuestID), string(b.Source), externalID, string(b.Status),
		b.CheckIn.String(), b.CheckOut.String(), b.Guests, b.TotalMinor, string(b.Currency),
		b.PaymentIntentID, b.LockKey, b.CancelReason, timeToMs(now), timeToMs(now), b.Version)
	if err != nil {
		if isOverlapErr(err) {
			return &ports.InventoryConflictError{PropertyID: b.PropertyID, Conflicts: s.conflictsFor(ctx, b.PropertyID, b.Range())}
		}
		if isUniqueErr(err, "source") || isUniqueErr(err, "external") {
			return fmt.Errorf("insert booking: %w", ports.ErrDuplicateExternalID)
		}
		return fmt.Errorf("insert booking: %w", err)
	}

	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.insert_booking", err)
	}
	return nil
}

// UpdateBookingStatusWithEvent implements ports.BookingStore.
func (s *Store) UpdateBookingStatusWithEvent(ctx context.Context, ch ports.StatusChange, ev *model.OutboundEvent) (model.Booking, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Booking{}, ports.E(ports.CodeStoreUnavailable, "store.update_status", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, ch.BookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, fmt.Errorf("booking %s: %w", ch.BookingID, ports.ErrNotFound)
	}
	if err != nil {
		return model.Booking{}, fmt.Errorf("load booking: %w", err)
	}

	inFromSet := false
	for _, from := range ch.FromSet {
		if cur.Status == from {
			inFromSet = true
			break
		}
	}
	if !inFromSet {
		return model.Booking{}, &ports.StateConflictError{BookingID: cur.ID, Current: cur.Status, Version: cur.Version}
	}
	if ch.ExpectedVersion != 0 && cur.Version != ch.ExpectedVersion {
		return model.Booking{}, fmt.Errorf("booking %s at version %d: %w", cur.ID, cur.Version, ports.ErrVersionConflict)
	}

	now := s.now()
	cancelReason := cur.CancelReason
	if ch.To == model.StatusCancelled && ch.CancelReason != "" {
		cancelReason = ch.CancelReason
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bookings SET status = ?, cancel_reason = ?, updated_at_ms = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		string(ch.To), cancelReason, timeToMs(now), cur.ID, cur.Version)
	if err != nil {
		if isOverlapErr(err) {
			return model.Booking{}, &ports.InventoryConflictError{PropertyID: cur.PropertyID, Conflicts: s.conflictsFor(ctx, cur.PropertyID, cur.Range())}
		}
		return model.Booking{}, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Booking{}, fmt.Errorf("booking %s: %w", cur.ID, ports.ErrVersionConflict)
	}

	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return model.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Booking{}, ports.E(ports.CodeStoreUnavailable, "store.update_status", err)
	}

	cur.Status = ch.To
	cur.CancelReason = cancelReason
	cur.UpdatedAt = now
	cur.Version++
	return cur, nil
}

// UpdateBookingFields implements ports.BookingStore.
func (s *Store) UpdateBookingFields(ctx context.Context, b model.Booking) (model.Booking, error) {
	now := s.now()
	var externalID any
	if b.ExternalID != "" {
		externalID = b.ExternalID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE bookings SET guest_id = ?, external_id = ?, payment_intent_id = ?, lock_key = ?,
			total_minor = ?, guests = ?, updated_at_ms = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullIfEmpty(b.GuestID), externalID, b.PaymentIntentID, b.LockKey,
		b.TotalMinor, b.Guests, timeToMs(now), b.ID, b.Version)
	if err != nil {
		if isUniqueErr(err, "source") || isUniqueErr(err, "external") {
			return model.Booking{}, fmt.Errorf("update booking: %w", ports.ErrDuplicateExternalID)
		}
		return model.Booking{}, fmt.Errorf("update booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from stale.
		if _, gerr := s.GetBooking(ctx, b.ID); gerr != nil {
			return model.Booking{}, gerr
		}
		return model.Booking{}, fmt.Errorf("booking %s: %w", b.ID, ports.ErrVersionConflict)
	}
	b.UpdatedAt = now
	b.Version++
	return b, nil
}

// GetBooking implements ports.BookingStore.
func (s *Store) GetBooking(ctx context.Context, id string) (model.Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, fmt.Errorf("booking %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// GetBookingByExternalID implements ports.BookingStore.
func (s *Store) GetBookingByExternalID(ctx context.Context, source model.Source, externalID string) (model.Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE source = ? AND external_id = ?`, string(source), externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, fmt.Errorf("booking %s/%s: %w", source, externalID, ports.ErrNotFound)
	}
	if err != nil {
		return model.Booking{}, fmt.Errorf("get booking by external id: %w", err)
	}
	return b, nil
}

// ListBookings implements ports.BookingStore.
func (s *Store) ListBookings(ctx context.Context, propertyID string, window model.DateRange) ([]model.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE property_id = ? AND check_in < ? AND ? < check_out
		ORDER BY check_in`, propertyID, window.To.String(), window.From.String())
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListOccupied implements ports.BookingStore.
func (s *Store) ListOccupied(ctx context.Context, propertyID string, window model.DateRange) ([]model.OccupiedInterval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, check_in, check_out, 'booking' AS kind, status, '' AS block_kind, source FROM bookings
		WHERE property_id = ?1 AND status IN (`+activeStatuses+`)
		  AND check_in < ?2 AND ?3 < check_out
		UNION ALL
		SELECT id, start_date, end_date, 'block' AS kind, '' AS status, kind AS block_kind, source FROM availability_blocks
		WHERE property_id = ?1 AND start_date < ?2 AND ?3 < end_date
		ORDER BY 2`, propertyID, window.To.String(), window.From.String())
	if err != nil {
		return nil, fmt.Errorf("list occupied: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.OccupiedInterval
	for rows.Next() {
		var o model.OccupiedInterval
		var from, to, kind, status, blockKind, source string
		if err := rows.Scan(&o.EntityID, &from, &to, &kind, &status, &blockKind, &source); err != nil {
			return nil, err
		}
		if o.Range.From, err = model.ParseDate(from); err != nil {
			return nil, err
		}
		if o.Range.To, err = model.ParseDate(to); err != nil {
			return nil, err
		}
		o.Kind = model.OccupiedKind(kind)
		o.Status = model.BookingStatus(status)
		o.Block = model.BlockKind(blockKind)
		o.Source = model.Source(source)
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListExpiredReservations implements ports.BookingStore.
func (s *Store) ListExpiredReservations(ctx context.Context, cutoff time.Time) ([]model.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'reserved' AND created_at_ms < ?
		ORDER BY created_at_ms`, timeToMs(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertBlockWithEvent implements ports.BookingStore.
func (s *Store) InsertBlockWithEvent(ctx context.Context, blk *model.AvailabilityBlock, ev *model.OutboundEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.insert_block", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	blk.CreatedAt = now
	blk.UpdatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO availability_blocks (id, property_id, start_date, end_date, kind, source, note, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blk.ID, blk.PropertyID, blk.StartDate.String(), blk.EndDate.String(),
		string(blk.Kind), string(blk.Source), blk.Note, timeToMs(now), timeToMs(now))
	if err != nil {
		if isOverlapErr(err) {
			return &ports.InventoryConflictError{PropertyID: blk.PropertyID, Conflicts: s.conflictsFor(ctx, blk.PropertyID, blk.Range())}
		}
		return fmt.Errorf("insert block: %w", err)
	}
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.insert_block", err)
	}
	return nil
}

// RemoveBlockWithEvent implements ports.BookingStore.
func (s *Store) RemoveBlockWithEvent(ctx context.Context, blockID string, ev *model.OutboundEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.remove_block", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM availability_blocks WHERE id = ?`, blockID)
	if err != nil {
		return fmt.Errorf("remove block: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("block %s: %w", blockID, ports.ErrNotFound)
	}
	if err := s.appendEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.remove_block", err)
	}
	return nil
}

// GetBlock implements ports.BookingStore.
func (s *Store) GetBlock(ctx context.Context, id string) (model.AvailabilityBlock, error) {
	var b model.AvailabilityBlock
	var start, end string
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, property_id, start_date, end_date, kind, source, note, created_at_ms, updated_at_ms
		FROM availability_blocks WHERE id = ?`, id).
		Scan(&b.ID, &b.PropertyID, &start, &end, &b.Kind, &b.Source, &b.Note, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AvailabilityBlock{}, fmt.Errorf("block %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.AvailabilityBlock{}, fmt.Errorf("get block: %w", err)
	}
	if b.StartDate, err = model.ParseDate(start); err != nil {
		return model.AvailabilityBlock{}, err
	}
	if b.EndDate, err = model.ParseDate(end); err != nil {
		return model.AvailabilityBlock{}, err
	}
	b.CreatedAt = msToTime(createdMs)
	b.UpdatedAt = msToTime(updatedMs)
	return b, nil
}

// NextReference implements ports.BookingStore.
func (s *Store) NextReference(ctx context.Context, year int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO booking_refs (year, counter) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET counter = counter + 1
		RETURNING counter`, year).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next reference: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
