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

// PutSyncRun implements ports.SyncRunStore.
func (s *Store) PutSyncRun(ctx context.Context, run model.SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, started_at_ms, finished_at_ms, status, properties_checked,
			discrepancies_found, corrections_applied, corrections_held, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at_ms = excluded.finished_at_ms,
			status = excluded.status,
			properties_checked = excluded.properties_checked,
			discrepancies_found = excluded.discrepancies_found,
			corrections_applied = excluded.corrections_applied,
			corrections_held = excluded.corrections_held,
			errors = excluded.errors`,
		run.ID, timeToMs(run.StartedAt), timeToMs(run.FinishedAt), string(run.Status),
		run.PropertiesChecked, run.DiscrepanciesFound, run.CorrectionsApplied, run.CorrectionsHeld, run.Errors)
	if err != nil {
		return fmt.Errorf("put sync run: %w", err)
	}
	return nil
}

// GetSyncRun implements ports.SyncRunStore.
func (s *Store) GetSyncRun(ctx context.Context, id string) (model.SyncRun, error) {
	var run model.SyncRun
	var startedMs, finishedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at_ms, finished_at_ms, status, properties_checked, discrepancies_found,
			corrections_applied, corrections_held, errors
		FROM sync_runs WHERE id = ?`, id).
		Scan(&run.ID, &startedMs, &finishedMs, &run.Status, &run.PropertiesChecked,
			&run.DiscrepanciesFound, &run.CorrectionsApplied, &run.CorrectionsHeld, &run.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncRun{}, fmt.Errorf("sync run %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.SyncRun{}, fmt.Errorf("get sync run: %w", err)
	}
	run.StartedAt = msToTime(startedMs)
	run.FinishedAt = msToTime(finishedMs)
	return run, nil
}

// ListSyncRuns implements ports.SyncRunStore.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at_ms, finished_at_ms, status, properties_checked, discrepancies_found,
			corrections_applied, corrections_held, errors
		FROM sync_runs ORDER BY started_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SyncRun
	for rows.Next() {
		var run model.SyncRun
		var startedMs, finishedMs int64
		if err := rows.Scan(&run.ID, &startedMs, &finishedMs, &run.Status, &run.PropertiesChecked,
			&run.DiscrepanciesFound, &run.CorrectionsApplied, &run.CorrectionsHeld, &run.Errors); err != nil {
			return nil, err
		}
		run.StartedAt = msToTime(startedMs)
		run.FinishedAt = msToTime(finishedMs)
		out = append(out, run)
	}
	return out, rows.Err()
}

// PutDiscrepancy implements ports.SyncRunStore.
func (s *Store) PutDiscrepancy(ctx context.Context, d model.Discrepancy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discrepancies (id, run_id, property_id, channel, kind, entity_id, external_id,
			detail, corrected, detected_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET corrected = excluded.corrected, detail = excluded.detail`,
		d.ID, d.RunID, d.PropertyID, string(d.Channel), string(d.Kind), d.EntityID, d.ExternalID,
		d.Detail, boolToInt(d.Corrected), timeToMs(d.DetectedAt))
	if err != nil {
		return fmt.Errorf("put discrepancy: %w", err)
	}
	return nil
}

// ListDiscrepancies implements ports.SyncRunStore.
func (s *Store) ListDiscrepancies(ctx context.Context, runID string) ([]model.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, property_id, channel, kind, entity_id, external_id, detail, corrected, detected_at_ms
		FROM discrepancies WHERE run_id = ? ORDER BY detected_at_ms`, runID)
	if err != nil {
		return nil, fmt.Errorf("list discrepancies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		var corrected int
		var detectedMs int64
		if err := rows.Scan(&d.ID, &d.RunID, &d.PropertyID, &d.Channel, &d.Kind, &d.EntityID,
			&d.ExternalID, &d.Detail, &corrected, &detectedMs); err != nil {
			return nil, err
		}
		d.Corrected = corrected != 0
		d.DetectedAt = msToTime(detectedMs)
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountCorrectionsToday implements ports.SyncRunStore.
func (s *Store) CountCorrectionsToday(ctx context.Context, propertyID string, now time.Time) (int, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM discrepancies
		WHERE property_id = ? AND corrected = 1 AND detected_at_ms >= ?`,
		propertyID, timeToMs(dayStart)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count corrections: %w", err)
	}
	return n, nil
}
