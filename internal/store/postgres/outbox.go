// SPDX-License-Identifier: MIT

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

const deliveryColumns = `id, event_id, connection_id, channel, property_id, entity_id, sequence, state,
	attempt_count, next_attempt_at_ms, visibility_deadline_ms, last_error, created_at_ms, updated_at_ms`

func scanDelivery(row rowScanner) (model.Delivery, error) {
	var d model.Delivery
	var nextMs, visMs, createdMs, updatedMs int64
	err := row.Scan(&d.ID, &d.EventID, &d.ConnectionID, &d.Channel, &d.PropertyID, &d.EntityID, &d.Sequence,
		&d.State, &d.AttemptCount, &nextMs, &visMs, &d.LastError, &createdMs, &updatedMs)
	if err != nil {
		return model.Delivery{}, err
	}
	d.NextAttemptAt = msToTime(nextMs)
	d.VisibilityDeadline = msToTime(visMs)
	d.CreatedAt = msToTime(createdMs)
	d.UpdatedAt = msToTime(updatedMs)
	return d, nil
}

// InsertDeliveries implements ports.OutboxStore. Marking the event
// fanned in the same transaction keeps the fan-out sweep exactly-once.
func (s *Store) InsertDeliveries(ctx context.Context, eventID string, ds []model.Delivery) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.insert_deliveries", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := timeToMs(s.now())
	if _, err := tx.Exec(ctx, `UPDATE outbound_events SET fanned_at_ms = $1 WHERE id = $2`, now, eventID); err != nil {
		return fmt.Errorf("mark event fanned %s: %w", eventID, err)
	}
	for _, d := range ds {
		if d.State == "" {
			d.State = model.DeliveryPending
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO outbound_deliveries (id, event_id, connection_id, channel, property_id, entity_id,
				sequence, state, attempt_count, next_attempt_at_ms, visibility_deadline_ms, last_error,
				created_at_ms, updated_at_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			d.ID, d.EventID, d.ConnectionID, string(d.Channel), d.PropertyID, d.EntityID,
			d.Sequence, string(d.State), d.AttemptCount, timeToMs(d.NextAttemptAt),
			timeToMs(d.VisibilityDeadline), d.LastError, now, now)
		if err != nil {
			return fmt.Errorf("insert delivery %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.insert_deliveries", err)
	}
	return nil
}

// ClaimDue implements ports.OutboxStore. A delivery with an unsettled
// earlier-sequence sibling for the same (entity, channel) is skipped so
// a later event never overtakes an earlier one. SKIP LOCKED keeps
// competing dispatcher instances from claiming the same rows.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]model.Delivery, error) {
	nowMs := timeToMs(now)
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT d.id FROM outbound_deliveries d
			WHERE d.state = 'pending' AND d.next_attempt_at_ms <= $1
			  AND NOT EXISTS (
				SELECT 1 FROM outbound_deliveries earlier
				WHERE earlier.entity_id = d.entity_id
				  AND earlier.channel = d.channel
				  AND earlier.sequence < d.sequence
				  AND earlier.state IN ('pending', 'in_flight')
			  )
			ORDER BY d.sequence, d.created_at_ms
			LIMIT $2
			FOR UPDATE OF d SKIP LOCKED
		),
		claimed AS (
			UPDATE outbound_deliveries o
			SET state = 'in_flight', attempt_count = o.attempt_count + 1,
				visibility_deadline_ms = $3, updated_at_ms = $1
			FROM due WHERE o.id = due.id
			RETURNING o.*
		)
		SELECT `+deliveryColumns+` FROM claimed ORDER BY sequence, created_at_ms`,
		nowMs, limit, timeToMs(now.Add(visibility)))
	if err != nil {
		return nil, fmt.Errorf("claim due: %w", err)
	}
	defer rows.Close()

	var claimed []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, ports.E(ports.CodeStoreUnavailable, "store.claim_due", err)
	}
	return claimed, nil
}

// SettleDelivery implements ports.OutboxStore.
func (s *Store) SettleDelivery(ctx context.Context, id string, state model.DeliveryState, nextAttempt time.Time, lastError string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbound_deliveries
		SET state = $1, next_attempt_at_ms = $2, visibility_deadline_ms = 0, last_error = $3, updated_at_ms = $4
		WHERE id = $5`,
		string(state), timeToMs(nextAttempt), lastError, timeToMs(s.now()), id)
	if err != nil {
		return fmt.Errorf("settle delivery: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// ReleaseDelivery implements ports.OutboxStore. The attempt charged at
// claim time is refunded because the platform was never called.
func (s *Store) ReleaseDelivery(ctx context.Context, id string, nextAttempt time.Time, reason string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbound_deliveries
		SET state = 'pending', attempt_count = GREATEST(attempt_count - 1, 0), next_attempt_at_ms = $1,
			visibility_deadline_ms = 0, last_error = $2, updated_at_ms = $3
		WHERE id = $4 AND state = 'in_flight'`,
		timeToMs(nextAttempt), reason, timeToMs(s.now()), id)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("delivery %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// RequeueExpired implements ports.OutboxStore.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbound_deliveries
		SET state = 'pending', visibility_deadline_ms = 0, updated_at_ms = $1
		WHERE state = 'in_flight' AND visibility_deadline_ms > 0 AND visibility_deadline_ms <= $2`,
		timeToMs(s.now()), timeToMs(now))
	if err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// CancelDeliveriesForConnection implements ports.OutboxStore.
func (s *Store) CancelDeliveriesForConnection(ctx context.Context, connectionID string, reason string) (int, error) {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbound_deliveries SET state = 'dead', last_error = $1, updated_at_ms = $2
		WHERE connection_id = $3 AND state IN ('pending', 'in_flight')`,
		reason, timeToMs(s.now()), connectionID)
	if err != nil {
		return 0, fmt.Errorf("cancel deliveries: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// GetDelivery implements ports.OutboxStore.
func (s *Store) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	d, err := scanDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM outbound_deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Delivery{}, fmt.Errorf("delivery %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// ListUnfannedEvents implements ports.OutboxStore.
func (s *Store) ListUnfannedEvents(ctx context.Context, limit int) ([]model.OutboundEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, property_id, entity_id, kind, origin, sequence, payload, created_at_ms
		FROM outbound_events WHERE fanned_at_ms = 0
		ORDER BY created_at_ms, sequence LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unfanned events: %w", err)
	}
	defer rows.Close()

	var out []model.OutboundEvent
	for rows.Next() {
		var ev model.OutboundEvent
		var createdMs int64
		if err := rows.Scan(&ev.ID, &ev.PropertyID, &ev.EntityID, &ev.Kind, &ev.Origin, &ev.Sequence, &ev.Payload, &createdMs); err != nil {
			return nil, err
		}
		ev.CreatedAt = msToTime(createdMs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent implements ports.OutboxStore.
func (s *Store) GetEvent(ctx context.Context, id string) (model.OutboundEvent, error) {
	var ev model.OutboundEvent
	var createdMs int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, property_id, entity_id, kind, origin, sequence, payload, created_at_ms
		FROM outbound_events WHERE id = $1`, id).
		Scan(&ev.ID, &ev.PropertyID, &ev.EntityID, &ev.Kind, &ev.Origin, &ev.Sequence, &ev.Payload, &createdMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.OutboundEvent{}, fmt.Errorf("event %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.OutboundEvent{}, fmt.Errorf("get event: %w", err)
	}
	ev.CreatedAt = msToTime(createdMs)
	return ev, nil
}

// ListDeadDeliveries implements ports.OutboxStore.
func (s *Store) ListDeadDeliveries(ctx context.Context, limit int) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM outbound_deliveries
		WHERE state = 'dead' ORDER BY updated_at_ms DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead deliveries: %w", err)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RetryDelivery implements ports.OutboxStore.
func (s *Store) RetryDelivery(ctx context.Context, id string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE outbound_deliveries
		SET state = 'pending', attempt_count = 0, next_attempt_at_ms = $1, last_error = '', updated_at_ms = $2
		WHERE id = $3 AND state = 'dead'`,
		timeToMs(s.now()), timeToMs(s.now()), id)
	if err != nil {
		return fmt.Errorf("retry delivery: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("dead delivery %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// CountDeliveries implements ports.OutboxStore.
func (s *Store) CountDeliveries(ctx context.Context, state model.DeliveryState) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbound_deliveries WHERE state = $1`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return n, nil
}
