// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Date is a civil calendar date without a time zone. Stays and blocks are
// expressed as half-open ranges of civil dates in the property's timezone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// ParseDate parses a date in ISO 8601 form (YYYY-MM-DD).
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// MustDate parses s or panics. Test and fixture helper.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DateOf truncates t to its civil date in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return d.toTime().Format(dateLayout)
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

func (d Date) toTime() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Time returns midnight UTC of the date. Used for interval math against
// wall-clock timestamps.
func (d Date) Time() time.Time { return d.toTime() }

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.toTime().AddDate(0, 0, n))
}

// DaysUntil returns the number of days from d to other (negative when other
// is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.toTime().Sub(d.toTime()) / (24 * time.Hour))
}

// Weekday returns the day of week of d.
func (d Date) Weekday() time.Weekday {
	return d.toTime().Weekday()
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	return d.toTime().Before(other.toTime())
}

// After reports whether d is later than other.
func (d Date) After(other Date) bool {
	return d.toTime().After(other.toTime())
}

// Equal reports whether d and other are the same date.
func (d Date) Equal(other Date) bool {
	return d == other
}

// MarshalJSON encodes the date as a JSON string in ISO form.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes an ISO date string.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DateRange is a half-open civil date interval [From, To).
type DateRange struct {
	From Date `json:"from"`
	To   Date `json:"to"`
}

// NewDateRange validates From < To.
func NewDateRange(from, to Date) (DateRange, error) {
	if !from.Before(to) {
		return DateRange{}, fmt.Errorf("invalid date range: %s >= %s", from, to)
	}
	return DateRange{From: from, To: to}, nil
}

// Nights returns the number of nights the range covers.
func (r DateRange) Nights() int {
	return r.From.DaysUntil(r.To)
}

// Overlaps reports whether two half-open ranges intersect. Back-to-back
// ranges (checkout day equals check-in day) do not overlap.
func (r DateRange) Overlaps(other DateRange) bool {
	return r.From.Before(other.To) && other.From.Before(r.To)
}

// Contains reports whether the date falls inside the range.
func (r DateRange) Contains(d Date) bool {
	return !d.Before(r.From) && d.Before(r.To)
}

// Dates returns every date in [From, To), one per night.
func (r DateRange) Dates() []Date {
	n := r.Nights()
	if n <= 0 {
		return nil
	}
	out := make([]Date, 0, n)
	for d := r.From; d.Before(r.To); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

func (r DateRange) String() string {
	return fmt.Sprintf("[%s,%s)", r.From, r.To)
}

// Currency is a 3-letter ISO 4217 currency tag. All amounts in the system
// are integer minor units of the property's currency.
type Currency string

const (
	EUR Currency = "EUR"
	USD Currency = "USD"
	GBP Currency = "GBP"
	CHF Currency = "CHF"
)

// Valid reports whether the tag is three uppercase ASCII letters.
func (c Currency) Valid() bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}
