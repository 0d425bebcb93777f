// SPDX-License-Identifier: MIT

// Package sqlite is the embedded store driver. It implements the full
// ports.Store contract on a single SQLite database; calendar exclusion is
// enforced in-database by triggers so the store rejects overlap even if
// every lock above it fails.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/persistence/sqlite"
)

const schemaVersion = 1

// activeStatuses is the SQL list of statuses that occupy dates. Must stay
// in sync with model.BookingStatus.OccupiesDates.
const activeStatuses = `'reserved','confirmed','checked_in','checked_out'`

// Store implements ports.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithNowFunc injects the time source (tests).
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return newStore(db, opts...)
}

// NewMemory returns a fresh in-memory store for tests.
func NewMemory(opts ...Option) (*Store, error) {
	db, err := sqlite.OpenMemory()
	if err != nil {
		return nil, err
	}
	return newStore(db, opts...)
}

func newStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("booking store: migration failed: %w", err)
	}
	return s, nil
}

// Ping implements ports.Store.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.ping", err)
	}
	return nil
}

// Close implements ports.Store.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT 'UTC',
		region TEXT NOT NULL DEFAULT 'default',
		currency TEXT NOT NULL,
		base_price_minor INTEGER NOT NULL,
		cleaning_fee_minor INTEGER NOT NULL DEFAULT 0,
		service_fee_bps INTEGER NOT NULL DEFAULT 0,
		max_guests INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pricing_rules (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL REFERENCES properties(id),
		kind TEXT NOT NULL,
		adjustment TEXT NOT NULL,
		value INTEGER NOT NULL,
		start_date TEXT,
		end_date TEXT,
		min_nights INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_rules_property ON pricing_rules(property_id);

	CREATE TABLE IF NOT EXISTS date_overrides (
		property_id TEXT NOT NULL REFERENCES properties(id),
		date TEXT NOT NULL,
		price_minor INTEGER NOT NULL,
		PRIMARY KEY (property_id, date)
	);

	CREATE TABLE IF NOT EXISTS guests (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL DEFAULT '',
		property_id TEXT NOT NULL REFERENCES properties(id),
		guest_id TEXT,
		source TEXT NOT NULL,
		external_id TEXT,
		status TEXT NOT NULL,
		check_in TEXT NOT NULL,
		check_out TEXT NOT NULL,
		guests INTEGER NOT NULL,
		total_minor INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		payment_intent_id TEXT NOT NULL DEFAULT '',
		lock_key TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		CHECK (check_in < check_out),
		CHECK (guests > 0)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_bookings_source_external
		ON bookings(source, external_id)
		WHERE external_id IS NOT NULL AND external_id != '';
	CREATE INDEX IF NOT EXISTS idx_bookings_property_dates ON bookings(property_id, check_in, check_out);
	CREATE INDEX IF NOT EXISTS idx_bookings_status_created ON bookings(status, created_at_ms);

	CREATE TABLE IF NOT EXISTS availability_blocks (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL REFERENCES properties(id),
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		CHECK (start_date < end_date)
	);
	CREATE INDEX IF NOT EXISTS idx_blocks_property_dates ON availability_blocks(property_id, start_date, end_date);

	CREATE TABLE IF NOT EXISTS channel_connections (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL REFERENCES properties(id),
		channel TEXT NOT NULL,
		external_property_id TEXT NOT NULL DEFAULT '',
		credentials_encrypted BLOB,
		status TEXT NOT NULL DEFAULT 'active',
		sync_enabled INTEGER NOT NULL DEFAULT 1,
		credentials_expire_at_ms INTEGER NOT NULL DEFAULT 0,
		last_sync_at_ms INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		UNIQUE (property_id, channel)
	);

	CREATE TABLE IF NOT EXISTS property_sequences (
		property_id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbound_events (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		origin TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		payload BLOB,
		created_at_ms INTEGER NOT NULL,
		fanned_at_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_events_property_seq ON outbound_events(property_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_events_unfanned ON outbound_events(created_at_ms) WHERE fanned_at_ms = 0;

	CREATE TABLE IF NOT EXISTS outbound_deliveries (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES outbound_events(id),
		connection_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		property_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at_ms INTEGER NOT NULL,
		visibility_deadline_ms INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_due ON outbound_deliveries(state, next_attempt_at_ms);
	CREATE INDEX IF NOT EXISTS idx_deliveries_entity ON outbound_deliveries(entity_id, channel, sequence);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		result BLOB,
		created_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at_ms);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		started_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		properties_checked INTEGER NOT NULL DEFAULT 0,
		discrepancies_found INTEGER NOT NULL DEFAULT 0,
		corrections_applied INTEGER NOT NULL DEFAULT 0,
		corrections_held INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS discrepancies (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES sync_runs(id),
		property_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		corrected INTEGER NOT NULL DEFAULT 0,
		detected_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_discrepancies_run ON discrepancies(run_id);
	CREATE INDEX IF NOT EXISTS idx_discrepancies_corrected ON discrepancies(property_id, corrected, detected_at_ms);

	CREATE TABLE IF NOT EXISTS booking_refs (
		year INTEGER PRIMARY KEY,
		counter INTEGER NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	// The exclusion backstop: even with every lock bypassed, these
	// triggers reject overlapping active intervals at the insert. The
	// comparison relies on ISO date strings ordering lexicographically.
	triggers := `
	CREATE TRIGGER IF NOT EXISTS trg_bookings_overlap_insert
	BEFORE INSERT ON bookings
	WHEN NEW.status IN (` + activeStatuses + `) AND (
		EXISTS (
			SELECT 1 FROM bookings b
			WHERE b.property_id = NEW.property_id
			  AND b.id != NEW.id
			  AND b.status IN (` + activeStatuses + `)
			  AND b.check_in < NEW.check_out AND NEW.check_in < b.check_out
		) OR EXISTS (
			SELECT 1 FROM availability_blocks ab
			WHERE ab.property_id = NEW.property_id
			  AND ab.start_date < NEW.check_out AND NEW.check_in < ab.end_date
		)
	)
	BEGIN
		SELECT RAISE(ABORT, 'calendar overlap');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_bookings_overlap_update
	BEFORE UPDATE OF status, check_in, check_out ON bookings
	WHEN NEW.status IN (` + activeStatuses + `)
	  AND (OLD.status NOT IN (` + activeStatuses + `) OR NEW.check_in != OLD.check_in OR NEW.check_out != OLD.check_out)
	  AND (
		EXISTS (
			SELECT 1 FROM bookings b
			WHERE b.property_id = NEW.property_id
			  AND b.id != NEW.id
			  AND b.status IN (` + activeStatuses + `)
			  AND b.check_in < NEW.check_out AND NEW.check_in < b.check_out
		) OR EXISTS (
			SELECT 1 FROM availability_blocks ab
			WHERE ab.property_id = NEW.property_id
			  AND ab.start_date < NEW.check_out AND NEW.check_in < ab.end_date
		)
	)
	BEGIN
		SELECT RAISE(ABORT, 'calendar overlap');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_blocks_overlap_insert
	BEFORE INSERT ON availability_blocks
	WHEN EXISTS (
		SELECT 1 FROM bookings b
		WHERE b.property_id = NEW.property_id
		  AND b.status IN (` + activeStatuses + `)
		  AND b.check_in < NEW.end_date AND NEW.start_date < b.check_out
	)
	BEGIN
		SELECT RAISE(ABORT, 'calendar overlap');
	END;
	`
	if _, err := tx.Exec(triggers); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// isOverlapErr detects the trigger abort.
func isOverlapErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "calendar overlap")
}

// isUniqueErr detects a unique constraint violation on the given index or
// column hint.
func isUniqueErr(err error, hint string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, hint) ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, hint)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
