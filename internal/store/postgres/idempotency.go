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

// PutIdempotency implements ports.IdempotencyStore. Expired keys are
// silently replaced; a live key returns ErrIdempotencyExists.
func (s *Store) PutIdempotency(ctx context.Context, rec model.IdempotencyRecord) error {
	now := s.now()
	res, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, result, created_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			result = excluded.result,
			created_at_ms = excluded.created_at_ms,
			expires_at_ms = excluded.expires_at_ms
		WHERE idempotency_records.expires_at_ms <= $3`,
		rec.Key, rec.Result, timeToMs(now), timeToMs(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put idempotency: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("key %s: %w", rec.Key, ports.ErrIdempotencyExists)
	}
	return nil
}

// GetIdempotency implements ports.IdempotencyStore. Expired records are
// treated as absent.
func (s *Store) GetIdempotency(ctx context.Context, key string) (model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var createdMs, expiresMs int64
	err := s.pool.QueryRow(ctx, `
		SELECT key, result, created_at_ms, expires_at_ms FROM idempotency_records
		WHERE key = $1 AND expires_at_ms > $2`, key, timeToMs(s.now())).
		Scan(&rec.Key, &rec.Result, &createdMs, &expiresMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.IdempotencyRecord{}, fmt.Errorf("idempotency %s: %w", key, ports.ErrNotFound)
	}
	if err != nil {
		return model.IdempotencyRecord{}, fmt.Errorf("get idempotency: %w", err)
	}
	rec.CreatedAt = msToTime(createdMs)
	rec.ExpiresAt = msToTime(expiresMs)
	return rec, nil
}

// PurgeExpiredIdempotency implements ports.IdempotencyStore.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	res, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at_ms <= $1`, timeToMs(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency: %w", err)
	}
	return int(res.RowsAffected()), nil
}
