// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

const connectionColumns = `id, property_id, channel, external_property_id, credentials_encrypted, status,
	sync_enabled, credentials_expire_at_ms, last_sync_at_ms, last_error, created_at_ms, updated_at_ms`

func scanConnection(row rowScanner) (model.ChannelConnection, error) {
	var c model.ChannelConnection
	var syncEnabled int
	var expireMs, lastSyncMs, createdMs, updatedMs int64
	err := row.Scan(&c.ID, &c.PropertyID, &c.Channel, &c.ExternalPropertyID, &c.EncryptedCreds, &c.Status,
		&syncEnabled, &expireMs, &lastSyncMs, &c.LastError, &createdMs, &updatedMs)
	if err != nil {
		return model.ChannelConnection{}, err
	}
	c.SyncEnabled = syncEnabled != 0
	c.CredentialsExpireAt = msToTime(expireMs)
	c.LastSyncAt = msToTime(lastSyncMs)
	c.CreatedAt = msToTime(createdMs)
	c.UpdatedAt = msToTime(updatedMs)
	return c, nil
}

// GetConnection implements ports.ConnectionStore.
func (s *Store) GetConnection(ctx context.Context, id string) (model.ChannelConnection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM channel_connections WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChannelConnection{}, fmt.Errorf("connection %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.ChannelConnection{}, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

// FindConnection implements ports.ConnectionStore.
func (s *Store) FindConnection(ctx context.Context, propertyID string, ch model.Channel) (model.ChannelConnection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM channel_connections WHERE property_id = ? AND channel = ?`,
		propertyID, string(ch)))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChannelConnection{}, fmt.Errorf("connection %s/%s: %w", propertyID, ch, ports.ErrNotFound)
	}
	if err != nil {
		return model.ChannelConnection{}, fmt.Errorf("find connection: %w", err)
	}
	return c, nil
}

// ListConnectionsForProperty implements ports.ConnectionStore.
func (s *Store) ListConnectionsForProperty(ctx context.Context, propertyID string) ([]model.ChannelConnection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+` FROM channel_connections WHERE property_id = ? ORDER BY channel`, propertyID)
}

// ListConnections implements ports.ConnectionStore.
func (s *Store) ListConnections(ctx context.Context) ([]model.ChannelConnection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+` FROM channel_connections ORDER BY property_id, channel`)
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]model.ChannelConnection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChannelConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PutConnection implements ports.ConnectionStore.
func (s *Store) PutConnection(ctx context.Context, c model.ChannelConnection) error {
	now := s.now()
	if c.Status == "" {
		c.Status = model.ConnectionActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_connections (id, property_id, channel, external_property_id, credentials_encrypted,
			status, sync_enabled, credentials_expire_at_ms, last_sync_at_ms, last_error, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			external_property_id = excluded.external_property_id,
			credentials_encrypted = excluded.credentials_encrypted,
			status = excluded.status,
			sync_enabled = excluded.sync_enabled,
			credentials_expire_at_ms = excluded.credentials_expire_at_ms,
			last_error = excluded.last_error,
			updated_at_ms = excluded.updated_at_ms`,
		c.ID, c.PropertyID, string(c.Channel), c.ExternalPropertyID, c.EncryptedCreds,
		string(c.Status), boolToInt(c.SyncEnabled), timeToMs(c.CredentialsExpireAt),
		timeToMs(c.LastSyncAt), c.LastError, timeToMs(now), timeToMs(now))
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// MarkConnectionSynced implements ports.ConnectionStore.
func (s *Store) MarkConnectionSynced(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channel_connections SET last_sync_at_ms = ?, last_error = '', updated_at_ms = ? WHERE id = ?`,
		timeToMs(at), timeToMs(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// MarkConnectionError implements ports.ConnectionStore.
func (s *Store) MarkConnectionError(ctx context.Context, id string, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE channel_connections SET last_error = ?, updated_at_ms = ? WHERE id = ?`,
		msg, timeToMs(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %s: %w", id, ports.ErrNotFound)
	}
	return nil
}

// DisableConnection implements ports.ConnectionStore. The connection is
// switched off and its undelivered work cancelled in one transaction so
// the dispatcher never claims a delivery for a dead connection.
func (s *Store) DisableConnection(ctx context.Context, id string, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.disable_connection", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := timeToMs(s.now())
	res, err := tx.ExecContext(ctx, `
		UPDATE channel_connections SET status = 'disabled', sync_enabled = 0, last_error = ?, updated_at_ms = ?
		WHERE id = ?`, reason, now, id)
	if err != nil {
		return fmt.Errorf("disable connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connection %s: %w", id, ports.ErrNotFound)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE outbound_deliveries SET state = 'dead', last_error = ?, updated_at_ms = ?
		WHERE connection_id = ? AND state IN ('pending', 'in_flight')`,
		"connection disabled: "+reason, now, id)
	if err != nil {
		return fmt.Errorf("cancel deliveries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ports.E(ports.CodeStoreUnavailable, "store.disable_connection", err)
	}
	return nil
}
