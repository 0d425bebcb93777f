// SPDX-License-Identifier: MIT

package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/manager"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/lock"
	"github.com/lodgewerk/staysync/internal/payment"
	"github.com/lodgewerk/staysync/internal/pricing"
	"github.com/lodgewerk/staysync/internal/ratelimit"
	"github.com/lodgewerk/staysync/internal/resilience"
	sqlitestore "github.com/lodgewerk/staysync/internal/store/sqlite"
)

// stubAdapter serves a configurable platform-side view and records what
// the reconciler pushes back.
type stubAdapter struct {
	mu      sync.Mutex
	remote  []channel.ExternalBooking
	blocked []model.DateRange
	listErr error

	upserts []model.BookingSnapshot
	cancels []string
	pushed  [][]model.BlockSnapshot
}

func (s *stubAdapter) Channel() model.Channel { return model.ChannelAirbnb }

func (s *stubAdapter) UpsertBooking(_ context.Context, _ channel.Conn, snap model.BookingSnapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, snap)
	return "EXT-NEW", nil
}

func (s *stubAdapter) CancelBooking(_ context.Context, _ channel.Conn, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, externalID)
	return nil
}

func (s *stubAdapter) PushAvailability(_ context.Context, _ channel.Conn, _ string, blocks []model.BlockSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, blocks)
	return nil
}

func (s *stubAdapter) PushPricing(context.Context, channel.Conn, string, []model.DatePrice) error {
	return nil
}

func (s *stubAdapter) ListBookings(context.Context, channel.Conn, model.DateRange) ([]channel.ExternalBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.remote, nil
}

func (s *stubAdapter) ListAvailability(context.Context, channel.Conn, model.DateRange) ([]model.DateRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked, nil
}

func (s *stubAdapter) ParseWebhook(channel.Conn, http.Header, []byte) (*channel.InboundEvent, error) {
	return nil, channel.ErrBadSignature
}

func (s *stubAdapter) RefreshCredentials(context.Context, channel.Conn) (model.Credentials, error) {
	return model.Credentials{}, channel.ErrUnavailable
}

type fixture struct {
	ctx      context.Context
	clk      *clock.Fake
	st       *sqlitestore.Store
	core     *manager.Manager
	adapter  *stubAdapter
	circuits *resilience.Registry
	rec      *Reconciler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	st, err := sqlitestore.NewMemory(sqlitestore.WithNowFunc(fake.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.NewManager(rdb, lock.WithClock(fake))

	codec, err := channel.NewCredentialCodec(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	sealed, err := codec.Seal(model.Credentials{AccessToken: "at-1", SigningKey: "whsec"})
	require.NoError(t, err)

	require.NoError(t, st.PutProperty(ctx, model.Property{
		ID: "p1", Name: "Seaside Cottage", Currency: model.EUR, BasePriceMinor: 10000, MaxGuests: 6, Active: true,
	}))
	require.NoError(t, st.PutConnection(ctx, model.ChannelConnection{
		ID: "conn-1", PropertyID: "p1", Channel: model.ChannelAirbnb,
		ExternalPropertyID: "listing-1", EncryptedCreds: sealed, SyncEnabled: true,
	}))

	seq := 0
	core := manager.New(st, locker, payment.NewFake(), pricing.TaxTable{"default": 0},
		manager.WithClock(fake),
		manager.WithIDFunc(func() string {
			seq++
			return fmt.Sprintf("id-%02d", seq)
		}),
	)

	adapter := &stubAdapter{}
	reg, err := channel.NewRegistry(adapter)
	require.NoError(t, err)

	limits := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(fake))
	circuits := resilience.NewRegistry(resilience.Config{
		FailureThreshold: 2,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
	}, resilience.WithRegistryClock(fake))

	runs := 0
	base := []Option{
		WithClock(fake),
		WithIDFunc(func() string {
			runs++
			return fmt.Sprintf("run-%02d", runs)
		}),
		WithRedis(rdb),
	}
	r := New(st, core, locker, reg, codec, limits, circuits, append(base, opts...)...)

	return &fixture{ctx: ctx, clk: fake, st: st, core: core, adapter: adapter, circuits: circuits, rec: r}
}

func remoteBooking(ext, from, to string, status model.BookingStatus) channel.ExternalBooking {
	return channel.ExternalBooking{
		ExternalID: ext,
		Status:     status,
		CheckIn:    model.MustDate(from),
		CheckOut:   model.MustDate(to),
		Guests:     2,
		GuestName:  "Anna Schmidt",
		TotalMinor: 48000,
		Currency:   model.EUR,
		UpdatedAt:  time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) insertBooking(t *testing.T, b model.Booking) model.Booking {
	t.Helper()
	if b.Currency == "" {
		b.Currency = model.EUR
	}
	if b.Guests == 0 {
		b.Guests = 2
	}
	require.NoError(t, f.st.InsertBookingWithEvent(f.ctx, &b, nil))
	return b
}

func (f *fixture) discrepancies(t *testing.T, runID string) []model.Discrepancy {
	t.Helper()
	ds, err := f.st.ListDiscrepancies(f.ctx, runID)
	require.NoError(t, err)
	return ds
}

func TestRunImportsMissingRemoteBooking(t *testing.T) {
	f := newFixture(t)
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}
	f.adapter.blocked = []model.DateRange{
		{From: model.MustDate("2026-07-10"), To: model.MustDate("2026-07-14")},
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncRunCompleted, run.Status)
	assert.Equal(t, 1, run.PropertiesChecked)
	assert.Equal(t, 1, run.DiscrepanciesFound)
	assert.Equal(t, 1, run.CorrectionsApplied)

	b, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DriftMissingLocally, ds[0].Kind)
	assert.True(t, ds[0].Corrected)
}

func TestRunIgnoresCancelledRemoteStrangers(t *testing.T) {
	f := newFixture(t)
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-07-10", "2026-07-14", model.StatusCancelled),
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.DiscrepanciesFound)
	_, err = f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRunRejectsRemoteBookingOnOccupiedDates(t *testing.T) {
	f := newFixture(t)
	f.insertBooking(t, model.Booking{
		ID: "b-direct", Reference: "ST-1", PropertyID: "p1", Source: model.SourceDirect,
		Status: model.StatusConfirmed, CheckIn: model.MustDate("2026-07-12"), CheckOut: model.MustDate("2026-07-16"),
		TotalMinor: 40000,
	})
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}
	// The platform blocks the whole contested stretch on its side.
	f.adapter.blocked = []model.DateRange{
		{From: model.MustDate("2026-07-10"), To: model.MustDate("2026-07-16")},
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.CorrectionsApplied)
	assert.Equal(t, []string{"HM1"}, f.adapter.cancels)
	_, err = f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRunCancelsLocallyWhenOriginDropsBooking(t *testing.T) {
	f := newFixture(t)
	local := f.insertBooking(t, model.Booking{
		ID: "b-ch", Reference: "ST-2", PropertyID: "p1", Source: model.SourceOf(model.ChannelAirbnb),
		ExternalID: "HM2", Status: model.StatusConfirmed,
		CheckIn: model.MustDate("2026-07-20"), CheckOut: model.MustDate("2026-07-24"),
		TotalMinor: 48000,
	})

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.CorrectionsApplied)

	b, err := f.st.GetBooking(f.ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DriftMissingRemotely, ds[0].Kind)
}

func TestRunAppliesIncomingStatusFromOrigin(t *testing.T) {
	f := newFixture(t)
	local := f.insertBooking(t, model.Booking{
		ID: "b-ch", Reference: "ST-3", PropertyID: "p1", Source: model.SourceOf(model.ChannelAirbnb),
		ExternalID: "HM3", Status: model.StatusConfirmed,
		CheckIn: model.MustDate("2026-07-20"), CheckOut: model.MustDate("2026-07-24"),
		TotalMinor: 48000,
	})
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM3", "2026-07-20", "2026-07-24", model.StatusCancelled),
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)

	b, err := f.st.GetBooking(f.ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DriftStatusMismatch, ds[0].Kind)
	assert.True(t, ds[0].Corrected)
}

func TestRunRepushesMissingDirectMirror(t *testing.T) {
	f := newFixture(t)
	f.insertBooking(t, model.Booking{
		ID: "b-direct", Reference: "ST-4", PropertyID: "p1", Source: model.SourceDirect,
		Status: model.StatusConfirmed, CheckIn: model.MustDate("2026-08-10"), CheckOut: model.MustDate("2026-08-14"),
		TotalMinor: 40000,
	})
	now := f.clk.Now()
	require.NoError(t, f.st.PutIdempotency(f.ctx, model.IdempotencyRecord{
		Key: "extid:airbnb:b-direct", Result: []byte("EXT-9"),
		CreatedAt: now, ExpiresAt: now.Add(400 * 24 * time.Hour),
	}))
	f.adapter.blocked = []model.DateRange{
		{From: model.MustDate("2026-08-10"), To: model.MustDate("2026-08-14")},
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	require.Len(t, f.adapter.upserts, 1)
	assert.Equal(t, "b-direct", f.adapter.upserts[0].BookingID)

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DriftMissingRemotely, ds[0].Kind)
	assert.True(t, ds[0].Corrected)
}

func TestRunPushesAvailabilityThePlatformLost(t *testing.T) {
	f := newFixture(t)
	_, err := f.core.UpsertAvailabilityBlock(f.ctx, model.AvailabilityBlock{
		PropertyID: "p1",
		StartDate:  model.MustDate("2026-08-01"),
		EndDate:    model.MustDate("2026-08-05"),
		Kind:       model.BlockMaintenance,
	})
	require.NoError(t, err)

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	require.Len(t, f.adapter.pushed, 1)
	require.Len(t, f.adapter.pushed[0], 1)
	assert.Equal(t, "2026-08-01", f.adapter.pushed[0][0].Range.From.String())

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DriftAvailabilityDrift, ds[0].Kind)
	assert.True(t, ds[0].Corrected)
}

func TestRunImportsPlatformOnlyHoldAsBlock(t *testing.T) {
	f := newFixture(t)
	f.adapter.blocked = []model.DateRange{
		{From: model.MustDate("2026-09-01"), To: model.MustDate("2026-09-04")},
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.CorrectionsApplied)

	occupied, err := f.st.ListOccupied(f.ctx, "p1", model.DateRange{
		From: model.MustDate("2026-09-01"), To: model.MustDate("2026-09-30"),
	})
	require.NoError(t, err)
	require.Len(t, occupied, 1)
	assert.Equal(t, model.OccupiedByBlock, occupied[0].Kind)
	assert.Equal(t, model.BlockChannelHold, occupied[0].Block)
}

func TestRunDoesNotImportHoldsForRemoteBookings(t *testing.T) {
	f := newFixture(t)
	// The platform blocks the dates because of its own booking; the
	// booking import owns those dates, not the availability pass.
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-09-01", "2026-09-04", model.StatusConfirmed),
	}
	f.adapter.blocked = []model.DateRange{
		{From: model.MustDate("2026-09-01"), To: model.MustDate("2026-09-04")},
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.Equal(t, model.DriftMissingLocally, ds[0].Kind)
}

func TestRunHoldsCorrectionsBeyondDailyCap(t *testing.T) {
	f := newFixture(t, WithDailyCap(0))
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.CorrectionsApplied)
	assert.Equal(t, 1, run.CorrectionsHeld)
	assert.True(t, f.rec.Held(f.ctx, "p1"))

	_, err = f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	ds := f.discrepancies(t, run.ID)
	require.Len(t, ds, 1)
	assert.False(t, ds[0].Corrected)
	assert.Contains(t, ds[0].Detail, "held")

	require.NoError(t, f.rec.AckCorrections(f.ctx, "p1"))
	assert.False(t, f.rec.Held(f.ctx, "p1"))
}

func TestRunRecordsFailureWhenPlatformIsDown(t *testing.T) {
	f := newFixture(t)
	f.adapter.listErr = channel.ErrUnavailable

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncRunFailed, run.Status)
	assert.Equal(t, 1, run.Errors)

	conn, err := f.st.GetConnection(f.ctx, "conn-1")
	require.NoError(t, err)
	assert.NotEmpty(t, conn.LastError)
}

func TestRunSkipsChannelWithOpenCircuit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.circuits.Force(f.ctx, model.ChannelAirbnb, resilience.ForceOpen))
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}

	run, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncRunFailed, run.Status)
	assert.Empty(t, f.adapter.upserts)
	_, err = f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRunSurvivesRestartWithoutDoubleApplying(t *testing.T) {
	f := newFixture(t)
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("HM1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}
	f.adapter.blocked = []model.DateRange{
		{From: model.MustDate("2026-07-10"), To: model.MustDate("2026-07-14")},
	}

	first, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.CorrectionsApplied)

	// Next day the platform still lists the booking; local state already
	// matches, so nothing is found.
	f.clk.Advance(24 * time.Hour)
	second, err := f.rec.Run(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.DiscrepanciesFound)
	assert.Equal(t, 0, second.CorrectionsApplied)
}
