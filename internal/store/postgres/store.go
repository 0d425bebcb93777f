// SPDX-License-Identifier: MIT

// Package postgres is the shared-database store driver. It implements the
// full ports.Store contract on PostgreSQL; calendar exclusion is enforced
// in-database by a gist exclusion constraint plus cross-table triggers so
// the store rejects overlap even if every lock above it fails.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

// activeStatuses is the SQL list of statuses that occupy dates. Must stay
// in sync with model.BookingStatus.OccupiesDates and with the exclusion
// constraint predicate in the schema migration.
const activeStatuses = `'reserved','confirmed','checked_in','checked_out'`

// Store implements ports.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ports.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNowFunc injects the time source (tests).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New connects to the database at dsn, applies pending migrations and
// returns the store. golang-migrate takes a PostgreSQL advisory lock, so
// instances racing on startup migrate exactly once.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("booking store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("booking store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("booking store: ping: %w", err)
	}
	if err := RunMigrations(ctx, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("booking store: migration failed: %w", err)
	}

	s := &Store{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping implements ports.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.ping", err)
	}
	return nil
}

// Close implements ports.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isOverlapErr detects the exclusion constraint or the cross-table
// trigger, both of which raise SQLSTATE 23P01.
func isOverlapErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01"
}

// isUniqueErr detects a unique violation on the constraint whose name
// contains the hint.
func isUniqueErr(err error, hint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, hint)
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
