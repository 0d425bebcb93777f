// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

const propertyColumns = `id, name, timezone, region, currency, base_price_minor, cleaning_fee_minor,
	service_fee_bps, max_guests, active, created_at_ms, updated_at_ms`

func scanProperty(row rowScanner) (model.Property, error) {
	var p model.Property
	var active int
	var createdMs, updatedMs int64
	err := row.Scan(&p.ID, &p.Name, &p.Timezone, &p.Region, &p.Currency, &p.BasePriceMinor,
		&p.CleaningFeeMinor, &p.ServiceFeeBps, &p.MaxGuests, &active, &createdMs, &updatedMs)
	if err != nil {
		return model.Property{}, err
	}
	p.Active = active != 0
	p.CreatedAt = msToTime(createdMs)
	p.UpdatedAt = msToTime(updatedMs)
	return p, nil
}

// GetProperty implements ports.CatalogStore.
func (s *Store) GetProperty(ctx context.Context, id string) (model.Property, error) {
	p, err := scanProperty(s.db.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Property{}, fmt.Errorf("property %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.Property{}, fmt.Errorf("get property: %w", err)
	}
	return p, nil
}

// ListProperties implements ports.CatalogStore.
func (s *Store) ListProperties(ctx context.Context) ([]model.Property, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+propertyColumns+` FROM properties ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PutProperty implements ports.CatalogStore.
func (s *Store) PutProperty(ctx context.Context, p model.Property) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO properties (id, name, timezone, region, currency, base_price_minor, cleaning_fee_minor,
			service_fee_bps, max_guests, active, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			timezone = excluded.timezone,
			region = excluded.region,
			currency = excluded.currency,
			base_price_minor = excluded.base_price_minor,
			cleaning_fee_minor = excluded.cleaning_fee_minor,
			service_fee_bps = excluded.service_fee_bps,
			max_guests = excluded.max_guests,
			active = excluded.active,
			updated_at_ms = excluded.updated_at_ms`,
		p.ID, p.Name, p.Timezone, p.Region, string(p.Currency), p.BasePriceMinor, p.CleaningFeeMinor,
		p.ServiceFeeBps, p.MaxGuests, boolToInt(p.Active), timeToMs(now), timeToMs(now))
	if err != nil {
		return fmt.Errorf("put property: %w", err)
	}
	return nil
}

// ListPricingRules implements ports.CatalogStore.
func (s *Store) ListPricingRules(ctx context.Context, propertyID string) ([]model.PricingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, property_id, kind, adjustment, value, COALESCE(start_date, ''), COALESCE(end_date, ''), min_nights, active
		FROM pricing_rules WHERE property_id = ? ORDER BY id`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("list pricing rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PricingRule
	for rows.Next() {
		var r model.PricingRule
		var start, end string
		var active int
		if err := rows.Scan(&r.ID, &r.PropertyID, &r.Kind, &r.Adjustment, &r.Value, &start, &end, &r.MinNights, &active); err != nil {
			return nil, err
		}
		if start != "" {
			if r.StartDate, err = model.ParseDate(start); err != nil {
				return nil, err
			}
		}
		if end != "" {
			if r.EndDate, err = model.ParseDate(end); err != nil {
				return nil, err
			}
		}
		r.Active = active != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutPricingRule implements ports.CatalogStore.
func (s *Store) PutPricingRule(ctx context.Context, r model.PricingRule) error {
	var start, end any
	if !r.StartDate.IsZero() {
		start = r.StartDate.String()
	}
	if !r.EndDate.IsZero() {
		end = r.EndDate.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_rules (id, property_id, kind, adjustment, value, start_date, end_date, min_nights, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			adjustment = excluded.adjustment,
			value = excluded.value,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			min_nights = excluded.min_nights,
			active = excluded.active`,
		r.ID, r.PropertyID, string(r.Kind), string(r.Adjustment), r.Value, start, end, r.MinNights, boolToInt(r.Active))
	if err != nil {
		return fmt.Errorf("put pricing rule: %w", err)
	}
	return nil
}

// ListDateOverrides implements ports.CatalogStore.
func (s *Store) ListDateOverrides(ctx context.Context, propertyID string, window model.DateRange) ([]model.DateOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT property_id, date, price_minor FROM date_overrides
		WHERE property_id = ? AND date >= ? AND date < ?
		ORDER BY date`, propertyID, window.From.String(), window.To.String())
	if err != nil {
		return nil, fmt.Errorf("list date overrides: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DateOverride
	for rows.Next() {
		var o model.DateOverride
		var date string
		if err := rows.Scan(&o.PropertyID, &date, &o.PriceMinor); err != nil {
			return nil, err
		}
		if o.Date, err = model.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PutDateOverride implements ports.CatalogStore.
func (s *Store) PutDateOverride(ctx context.Context, o model.DateOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO date_overrides (property_id, date, price_minor) VALUES (?, ?, ?)
		ON CONFLICT(property_id, date) DO UPDATE SET price_minor = excluded.price_minor`,
		o.PropertyID, o.Date.String(), o.PriceMinor)
	if err != nil {
		return fmt.Errorf("put date override: %w", err)
	}
	return nil
}

// UpsertGuestByEmail implements ports.GuestStore.
func (s *Store) UpsertGuestByEmail(ctx context.Context, g model.Guest) (model.Guest, error) {
	now := s.now()
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO guests (id, email, first_name, last_name, phone, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			phone = excluded.phone,
			updated_at_ms = excluded.updated_at_ms
		RETURNING id, created_at_ms, updated_at_ms`,
		g.ID, g.Email, g.FirstName, g.LastName, g.Phone, timeToMs(now), timeToMs(now)).
		Scan(&g.ID, &createdMs, &updatedMs)
	if err != nil {
		return model.Guest{}, fmt.Errorf("upsert guest: %w", err)
	}
	g.CreatedAt = msToTime(createdMs)
	g.UpdatedAt = msToTime(updatedMs)
	return g, nil
}

// GetGuest implements ports.GuestStore.
func (s *Store) GetGuest(ctx context.Context, id string) (model.Guest, error) {
	var g model.Guest
	var createdMs, updatedMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, phone, created_at_ms, updated_at_ms
		FROM guests WHERE id = ?`, id).
		Scan(&g.ID, &g.Email, &g.FirstName, &g.LastName, &g.Phone, &createdMs, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Guest{}, fmt.Errorf("guest %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return model.Guest{}, fmt.Errorf("get guest: %w", err)
	}
	g.CreatedAt = msToTime(createdMs)
	g.UpdatedAt = msToTime(updatedMs)
	return g, nil
}
