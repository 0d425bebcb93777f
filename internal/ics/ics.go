// SPDX-License-Identifier: MIT

// Package ics publishes per-property iCalendar availability feeds.
// External calendar consumers (and platforms without an API connection)
// subscribe to these files; guest details never leave the system, every
// occupied interval is reduced to a summary and a stable UID.
package ics

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/log"
)

const (
	prodID = "-//lodgewerk//staysync//EN"

	// Feed window around today.
	windowBackDays    = 30
	windowForwardDays = 365
)

// Publisher renders and atomically writes the feed files.
type Publisher struct {
	store  ports.Store
	dir    string
	clk    clock.Clock
	logger zerolog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock injects the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(p *Publisher) { p.clk = c }
}

// New returns a publisher writing feeds into dir.
func New(store ports.Store, dir string, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		dir:    dir,
		clk:    clock.System(),
		logger: log.WithComponent("ics"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dir returns the directory feeds are published into.
func (p *Publisher) Dir() string { return p.dir }

// RefreshAll rewrites the feed for every active property. A failing
// property does not stop the others.
func (p *Publisher) RefreshAll(ctx context.Context) error {
	props, err := p.store.ListProperties(ctx)
	if err != nil {
		return fmt.Errorf("list properties: %w", err)
	}

	var failed int
	for _, prop := range props {
		if !prop.Active {
			continue
		}
		if err := p.Refresh(ctx, prop); err != nil {
			failed++
			p.logger.Error().Err(err).Str("property_id", prop.ID).Msg("feed refresh failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d feeds failed", failed, len(props))
	}
	return nil
}

// Refresh rewrites a single property's feed.
func (p *Publisher) Refresh(ctx context.Context, prop model.Property) error {
	now := p.clk.Now().UTC()
	today := model.DateOf(now)
	window := model.DateRange{From: today.AddDays(-windowBackDays), To: today.AddDays(windowForwardDays)}

	occupied, err := p.store.ListOccupied(ctx, prop.ID, window)
	if err != nil {
		return fmt.Errorf("list occupied: %w", err)
	}

	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return fmt.Errorf("feed dir: %w", err)
	}
	path := filepath.Join(p.dir, FeedName(prop))

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending feed: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			p.logger.Debug().Err(err).Msg("cleanup pending feed")
		}
	}()

	if _, err := pending.Write(Render(prop, occupied, now)); err != nil {
		return fmt.Errorf("write feed: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace feed: %w", err)
	}
	return nil
}

// FeedName is the stable file name for a property's feed: a readable
// slug plus a short hash so renames never collide or break subscribers.
func FeedName(prop model.Property) string {
	sum := sha1.Sum([]byte(prop.ID))
	return slugify(prop.Name) + "-" + hex.EncodeToString(sum[:])[:6] + ".ics"
}

// Render produces the RFC 5545 calendar for the given occupied
// intervals. All-day events, DTEND exclusive, CRLF line endings.
func Render(prop model.Property, occupied []model.OccupiedInterval, now time.Time) []byte {
	var buf bytes.Buffer
	line := func(s string) {
		buf.WriteString(foldLine(s))
		buf.WriteString("\r\n")
	}

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:" + prodID)
	line("CALSCALE:GREGORIAN")
	line("METHOD:PUBLISH")
	line("X-WR-CALNAME:" + escapeText(prop.Name))

	stamp := now.UTC().Format("20060102T150405Z")
	for _, o := range occupied {
		line("BEGIN:VEVENT")
		line("UID:" + o.EntityID + "@staysync")
		line("DTSTAMP:" + stamp)
		line("DTSTART;VALUE=DATE:" + icsDate(o.Range.From))
		line("DTEND;VALUE=DATE:" + icsDate(o.Range.To))
		line("SUMMARY:" + summaryFor(o))
		line("TRANSP:OPAQUE")
		line("END:VEVENT")
	}

	line("END:VCALENDAR")
	return buf.Bytes()
}

// summaryFor never exposes guest data; consumers only learn that dates
// are taken.
func summaryFor(o model.OccupiedInterval) string {
	if o.Kind == model.OccupiedByBlock {
		switch o.Block {
		case model.BlockMaintenance:
			return "Maintenance"
		default:
			return "Blocked"
		}
	}
	if o.Source != "" && o.Source != model.SourceDirect {
		return "Reserved (" + string(o.Source) + ")"
	}
	return "Reserved"
}

func icsDate(d model.Date) string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, d.Month, d.Day)
}

// escapeText escapes per RFC 5545 §3.3.11.
func escapeText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)
	return r.Replace(s)
}

// foldLine folds content lines longer than 75 octets with a CRLF plus
// single-space continuation.
func foldLine(s string) string {
	const limit = 75
	if len(s) <= limit {
		return s
	}
	var b strings.Builder
	for len(s) > limit {
		cut := limit
		// Do not split a UTF-8 sequence.
		for cut > 1 && !utf8Start(s[cut]) {
			cut--
		}
		b.WriteString(s[:cut])
		b.WriteString("\r\n ")
		s = s[cut:]
	}
	b.WriteString(s)
	return b.String()
}

func utf8Start(c byte) bool {
	return c < 0x80 || c >= 0xC0
}

// deaccent strips combining marks after NFD decomposition, so "é"
// becomes "e". German ligatures get their conventional two-letter
// spellings first, since decomposition would lose the umlaut entirely.
var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var germanLigatures = strings.NewReplacer("ä", "ae", "ö", "oe", "ü", "ue", "ß", "ss")

func slugify(name string) string {
	if name == "" {
		return "property"
	}
	s := germanLigatures.Replace(strings.ToLower(name))
	if folded, _, err := transform.String(deaccent, s); err == nil {
		s = folded
	}

	var result strings.Builder
	lastWasDash := false
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			result.WriteRune(r)
			lastWasDash = false
		} else if !lastWasDash {
			result.WriteRune('-')
			lastWasDash = true
		}
	}
	slug := strings.Trim(result.String(), "-")
	if len(slug) > 50 {
		slug = strings.TrimRight(slug[:50], "-")
	}
	if slug == "" {
		return "property"
	}
	return slug
}
