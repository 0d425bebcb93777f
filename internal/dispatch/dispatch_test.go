// SPDX-License-Identifier: MIT

package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/outbox"
	"github.com/lodgewerk/staysync/internal/ratelimit"
	"github.com/lodgewerk/staysync/internal/resilience"
	sqlitestore "github.com/lodgewerk/staysync/internal/store/sqlite"
)

// stubAdapter records calls and fails on demand.
type stubAdapter struct {
	ch model.Channel

	mu         sync.Mutex
	upserts    []model.BookingSnapshot
	cancels    []string
	avails     [][]model.BlockSnapshot
	refreshes  int
	upsertErr  error
	availErr   error
	refreshErr error
	// afterRefresh replaces upsertErr once credentials were refreshed.
	afterRefresh *error
	extID        string
	seenTokens   []string
}

func (s *stubAdapter) Channel() model.Channel { return s.ch }

func (s *stubAdapter) UpsertBooking(_ context.Context, conn channel.Conn, snap model.BookingSnapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenTokens = append(s.seenTokens, conn.Creds.AccessToken)
	if s.refreshes > 0 && s.afterRefresh != nil {
		if *s.afterRefresh != nil {
			return "", *s.afterRefresh
		}
		s.upserts = append(s.upserts, snap)
		return s.extID, nil
	}
	if s.upsertErr != nil {
		return "", s.upsertErr
	}
	s.upserts = append(s.upserts, snap)
	return s.extID, nil
}

func (s *stubAdapter) CancelBooking(_ context.Context, _ channel.Conn, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, externalID)
	return nil
}

func (s *stubAdapter) PushAvailability(_ context.Context, _ channel.Conn, _ string, occupied []model.BlockSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.availErr != nil {
		return s.availErr
	}
	s.avails = append(s.avails, occupied)
	return nil
}

func (s *stubAdapter) PushPricing(context.Context, channel.Conn, string, []model.DatePrice) error {
	return nil
}

func (s *stubAdapter) ListBookings(context.Context, channel.Conn, model.DateRange) ([]channel.ExternalBooking, error) {
	return nil, nil
}

func (s *stubAdapter) ListAvailability(context.Context, channel.Conn, model.DateRange) ([]model.DateRange, error) {
	return nil, nil
}

func (s *stubAdapter) ParseWebhook(channel.Conn, http.Header, []byte) (*channel.InboundEvent, error) {
	return nil, channel.ErrBadSignature
}

func (s *stubAdapter) RefreshCredentials(context.Context, channel.Conn) (model.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshErr != nil {
		return model.Credentials{}, s.refreshErr
	}
	s.refreshes = s.refreshes + 1
	return model.Credentials{AccessToken: "at-2", RefreshToken: "rt-2", SigningKey: "whsec"}, nil
}

func (s *stubAdapter) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	clk    *clock.Fake
	st     *sqlitestore.Store
	ob     *outbox.Manager
	ad     *stubAdapter
	disp   *Dispatcher
	codec  *channel.CredentialCodec
	circ   *resilience.Registry
	limits *ratelimit.Manager
}

func callErr(ch model.Channel, class error) error {
	return &channel.CallError{Class: class, Channel: ch, Operation: "upsert booking", Status: 500}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	st, err := sqlitestore.NewMemory(sqlitestore.WithNowFunc(fake.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	codec, err := channel.NewCredentialCodec(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	sealed, err := codec.Seal(model.Credentials{AccessToken: "at-1", RefreshToken: "rt-1", SigningKey: "whsec"})
	require.NoError(t, err)

	require.NoError(t, st.PutProperty(ctx, model.Property{
		ID: "p1", Name: "Seaside Cottage", Currency: model.EUR, BasePriceMinor: 10000, MaxGuests: 6, Active: true,
	}))
	require.NoError(t, st.PutConnection(ctx, model.ChannelConnection{
		ID: "conn-1", PropertyID: "p1", Channel: model.ChannelAirbnb,
		ExternalPropertyID: "listing-1", EncryptedCreds: sealed, SyncEnabled: true,
	}))

	ad := &stubAdapter{ch: model.ChannelAirbnb, extID: "EXT-1"}
	reg, err := channel.NewRegistry(ad)
	require.NoError(t, err)

	seq := 0
	ob := outbox.NewManager(st, outbox.WithClock(fake), outbox.WithIDFunc(func() string {
		seq++
		return fmt.Sprintf("d%d", seq)
	}))
	limits := ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithClock(fake))
	circ := resilience.NewRegistry(resilience.Config{
		FailureThreshold: 2, Window: time.Minute, Cooldown: 30 * time.Second, MaxCooldown: 15 * time.Minute,
	}, resilience.WithRegistryClock(fake))

	disp := New(ob, st, reg, codec, limits, circ,
		append([]Option{WithClock(fake), WithJitter(func() float64 { return 0.5 })}, opts...)...)

	return &fixture{t: t, ctx: ctx, clk: fake, st: st, ob: ob, ad: ad, disp: disp, codec: codec, circ: circ, limits: limits}
}

// seedBookingEvent inserts a confirmed direct booking with its created
// event and returns the event.
func (f *fixture) seedBookingEvent(id string, from, to string) model.OutboundEvent {
	f.t.Helper()
	b := model.Booking{
		ID: id, Reference: "ST-" + id, PropertyID: "p1", Source: model.SourceDirect,
		Status: model.StatusConfirmed, CheckIn: model.MustDate(from), CheckOut: model.MustDate(to),
		Guests: 2, TotalMinor: 40000, Currency: model.EUR,
	}
	payload, err := model.EncodePayload(model.SnapshotBooking(b, nil))
	require.NoError(f.t, err)
	ev := model.OutboundEvent{
		ID: "ev-" + id, PropertyID: "p1", EntityID: id,
		Kind: model.EventBookingCreated, Origin: model.SourceDirect, Payload: payload,
	}
	require.NoError(f.t, f.st.InsertBookingWithEvent(f.ctx, &b, &ev))
	return ev
}

func (f *fixture) cancelBooking(id string) model.OutboundEvent {
	f.t.Helper()
	b, err := f.st.GetBooking(f.ctx, id)
	require.NoError(f.t, err)
	payload, perr := model.EncodePayload(model.SnapshotBooking(b, nil))
	require.NoError(f.t, perr)
	ev := model.OutboundEvent{
		ID: "ev-" + id + "-cancel", PropertyID: "p1", EntityID: id,
		Kind: model.EventBookingCancelled, Origin: model.SourceDirect, Payload: payload,
	}
	_, err = f.st.UpdateBookingStatusWithEvent(f.ctx, ports.StatusChange{
		BookingID: id, FromSet: []model.BookingStatus{model.StatusConfirmed},
		To: model.StatusCancelled, ExpectedVersion: b.Version,
	}, &ev)
	require.NoError(f.t, err)
	return ev
}

// onlyDelivery finds the single delivery the fixture's outbox manager
// issued, whatever state it is in. Manager ids are sequential.
func (f *fixture) onlyDelivery() model.Delivery {
	f.t.Helper()
	for i := 1; i < 100; i++ {
		d, err := f.st.GetDelivery(f.ctx, fmt.Sprintf("d%d", i))
		if err == nil {
			return d
		}
	}
	f.t.Fatal("no delivery found")
	return model.Delivery{}
}

func (f *fixture) deliveriesIn(state model.DeliveryState) int {
	f.t.Helper()
	n, err := f.st.CountDeliveries(f.ctx, state)
	require.NoError(f.t, err)
	return n
}

func TestTickDeliversBookingCreated(t *testing.T) {
	f := newFixture(t)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	n, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, f.ad.upsertCount())
	assert.Equal(t, "b1", f.ad.upserts[0].BookingID)
	assert.Equal(t, 1, f.deliveriesIn(model.DeliverySucceeded))

	// The platform id is recorded for later cancellation.
	rec, err := f.st.GetIdempotency(f.ctx, "extid:airbnb:b1")
	require.NoError(t, err)
	assert.Equal(t, "EXT-1", string(rec.Result))

	conn, err := f.st.GetConnection(f.ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now(), conn.LastSyncAt)
}

func TestTickReplaysRecordedAttempt(t *testing.T) {
	f := newFixture(t)
	ev := f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	require.NoError(t, f.st.PutIdempotency(f.ctx, model.IdempotencyRecord{
		Key:       "dispatch:" + ev.ID + ":conn-1",
		Result:    []byte("EXT-OLD"),
		CreatedAt: f.clk.Now(),
		ExpiresAt: f.clk.Now().Add(time.Hour),
	}))

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, f.ad.upsertCount())
	assert.Equal(t, 1, f.deliveriesIn(model.DeliverySucceeded))
}

func TestTransientFailureBacksOffExponentially(t *testing.T) {
	f := newFixture(t)
	f.ad.upsertErr = callErr(model.ChannelAirbnb, channel.ErrUnavailable)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	d := f.onlyDelivery()
	assert.Equal(t, model.DeliveryPending, d.State)
	assert.Equal(t, 1, d.AttemptCount)
	// Jitter pinned at 0.5 makes the factor exactly 1.
	assert.Equal(t, f.clk.Now().Add(time.Minute), d.NextAttemptAt)

	// Second attempt doubles the delay.
	f.clk.Advance(time.Minute + time.Second)
	_, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)
	d = f.onlyDelivery()
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, f.clk.Now().Add(2*time.Minute), d.NextAttemptAt)
}

func TestRetriesExhaustDead(t *testing.T) {
	f := newFixture(t, WithMaxAttempts(1))
	f.ad.upsertErr = callErr(model.ChannelAirbnb, channel.ErrTransient)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.deliveriesIn(model.DeliveryDead))
	dead, err := f.st.ListDeadDeliveries(f.ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, dead[0].LastError, "retries exhausted")
}

func TestPermanentFailureDiesWithoutTrippingCircuit(t *testing.T) {
	f := newFixture(t)
	f.ad.upsertErr = &channel.CallError{Class: channel.ErrPermanent, Channel: model.ChannelAirbnb, Operation: "upsert booking", Status: 422}
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.deliveriesIn(model.DeliveryDead))
	state, failures, _ := f.circ.Breaker(model.ChannelAirbnb).Snapshot()
	assert.Equal(t, resilience.StateClosed, state)
	assert.Zero(t, failures)
}

func TestTransientFailuresTripCircuit(t *testing.T) {
	f := newFixture(t)
	f.ad.upsertErr = callErr(model.ChannelAirbnb, channel.ErrUnavailable)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")
	f.seedBookingEvent("b2", "2026-08-10", "2026-08-14")

	// Threshold is 2 in this fixture.
	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	state, _, _ := f.circ.Breaker(model.ChannelAirbnb).Snapshot()
	assert.Equal(t, resilience.StateOpen, state)
}

func TestHalfOpenProbeSuccessClosesCircuit(t *testing.T) {
	f := newFixture(t, WithPartitions(1))
	f.ad.upsertErr = callErr(model.ChannelAirbnb, channel.ErrUnavailable)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")
	f.seedBookingEvent("b2", "2026-08-10", "2026-08-14")

	// Threshold is 2 in this fixture: one failing tick trips the circuit.
	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)
	state, _, _ := f.circ.Breaker(model.ChannelAirbnb).Snapshot()
	require.Equal(t, resilience.StateOpen, state)

	// Platform recovers. Past the cooldown and the retry backoff the next
	// claim admits a single probe; its success closes the breaker and the
	// second delivery flows through the closed circuit in the same tick.
	f.ad.upsertErr = nil
	f.clk.Advance(2 * time.Minute)
	_, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, f.ad.upsertCount())
	assert.Equal(t, 2, f.deliveriesIn(model.DeliverySucceeded))
	state, failures, _ := f.circ.Breaker(model.ChannelAirbnb).Snapshot()
	assert.Equal(t, resilience.StateClosed, state)
	assert.Zero(t, failures)
	assert.NoError(t, f.circ.Allow(f.ctx, model.ChannelAirbnb))
}

func TestDeferredProbeReleasesTheSlot(t *testing.T) {
	f := newFixture(t, WithPartitions(1))
	f.ad.upsertErr = callErr(model.ChannelAirbnb, channel.ErrUnavailable)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")
	f.seedBookingEvent("b2", "2026-08-10", "2026-08-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)
	state, _, _ := f.circ.Breaker(model.ChannelAirbnb).Snapshot()
	require.Equal(t, resilience.StateOpen, state)

	// The platform recovers but its rate bucket is frozen, so each probe
	// the half-open breaker admits is deferred before any call is made.
	f.ad.upsertErr = nil
	f.limits.Penalize(f.ctx, model.ChannelAirbnb, 10*time.Minute)
	f.clk.Advance(2 * time.Minute)
	_, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, f.ad.upsertCount())
	assert.Equal(t, 2, f.deliveriesIn(model.DeliveryPending))

	// The abandoned probes released their slot: once the freeze lifts the
	// next delivery is admitted and closes the breaker.
	f.clk.Advance(10*time.Minute + time.Second)
	_, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, f.ad.upsertCount())
	assert.Equal(t, 2, f.deliveriesIn(model.DeliverySucceeded))
	state, _, _ = f.circ.Breaker(model.ChannelAirbnb).Snapshot()
	assert.Equal(t, resilience.StateClosed, state)
}

func TestOpenCircuitDefersWithoutCharge(t *testing.T) {
	f := newFixture(t)
	f.circ.Breaker(model.ChannelAirbnb).Trip("maintenance")
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, f.ad.upsertCount())
	d := f.onlyDelivery()
	assert.Equal(t, model.DeliveryPending, d.State)
	assert.Equal(t, 0, d.AttemptCount)
	assert.Equal(t, "circuit open", d.LastError)
	assert.Equal(t, f.clk.Now().Add(30*time.Second), d.NextAttemptAt)
}

func TestPlatformRateLimitFreezesChannel(t *testing.T) {
	f := newFixture(t)
	f.ad.upsertErr = &channel.CallError{
		Class: channel.ErrRateLimited, Channel: model.ChannelAirbnb,
		Operation: "upsert booking", Status: 429, RetryAfter: 30 * time.Second,
	}
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	d := f.onlyDelivery()
	assert.Equal(t, model.DeliveryPending, d.State)
	assert.Equal(t, 0, d.AttemptCount)
	assert.Equal(t, f.clk.Now().Add(30*time.Second), d.NextAttemptAt)

	ok, wait := f.limits.TryAcquire(f.ctx, model.ChannelAirbnb, 1)
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, wait)
}

func TestAuthFailureRefreshesAndRetries(t *testing.T) {
	f := newFixture(t)
	var after error
	f.ad.upsertErr = &channel.CallError{Class: channel.ErrAuthFailed, Channel: model.ChannelAirbnb, Operation: "upsert booking", Status: 401}
	f.ad.afterRefresh = &after // nil: succeed once refreshed
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, f.ad.upsertCount())
	assert.Equal(t, 1, f.deliveriesIn(model.DeliverySucceeded))
	// The retried call ran with the refreshed token, and the new
	// credentials were persisted.
	assert.Equal(t, []string{"at-1", "at-2"}, f.ad.seenTokens)
	conn, err := f.st.GetConnection(f.ctx, "conn-1")
	require.NoError(t, err)
	creds, err := f.codec.Open(conn.EncryptedCreds)
	require.NoError(t, err)
	assert.Equal(t, "at-2", creds.AccessToken)
}

func TestRepeatedAuthFailureDisablesConnection(t *testing.T) {
	f := newFixture(t)
	authErr := error(&channel.CallError{Class: channel.ErrAuthFailed, Channel: model.ChannelAirbnb, Operation: "upsert booking", Status: 401})
	f.ad.upsertErr = authErr
	f.ad.afterRefresh = &authErr // still rejected after refresh
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")
	f.seedBookingEvent("b2", "2026-08-10", "2026-08-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)

	conn, err := f.st.GetConnection(f.ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionDisabled, conn.Status)

	// Both the failing delivery and the connection's remaining backlog
	// are dead.
	assert.Equal(t, 2, f.deliveriesIn(model.DeliveryDead))
	assert.Equal(t, 0, f.deliveriesIn(model.DeliveryPending))
}

func TestCancellationUsesRecordedPlatformID(t *testing.T) {
	f := newFixture(t)
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	_, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, f.deliveriesIn(model.DeliverySucceeded))

	f.cancelBooking("b1")
	f.clk.Advance(time.Second)
	_, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"EXT-1"}, f.ad.cancels)
	assert.Equal(t, 2, f.deliveriesIn(model.DeliverySucceeded))
}

func TestCancellationWithoutMirrorIsNoop(t *testing.T) {
	f := newFixture(t)
	// Create and cancel before the create was ever delivered, then kill
	// the create delivery so the cancellation becomes claimable.
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")
	f.cancelBooking("b1")

	_, err := f.ob.FanOutPending(f.ctx, 10)
	require.NoError(t, err)
	claimed, err := f.ob.ClaimDue(f.ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.ob.Settle(f.ctx, claimed[0], outbox.Dead("operator gave up")))

	f.clk.Advance(time.Second)
	_, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)

	// No platform id was ever recorded; the cancellation settles without
	// an adapter call.
	assert.Empty(t, f.ad.cancels)
	assert.Equal(t, 1, f.deliveriesIn(model.DeliverySucceeded))
}

func TestEntityOrderingWithinTick(t *testing.T) {
	f := newFixture(t, WithPartitions(2))
	f.seedBookingEvent("b1", "2026-07-10", "2026-07-14")

	b, err := f.st.GetBooking(f.ctx, "b1")
	require.NoError(t, err)
	snap := model.SnapshotBooking(b, nil)
	snap.Status = model.StatusCheckedIn
	payload, perr := model.EncodePayload(snap)
	require.NoError(t, perr)
	ev2 := model.OutboundEvent{
		ID: "ev-b1-upd", PropertyID: "p1", EntityID: "b1",
		Kind: model.EventBookingUpdated, Origin: model.SourceDirect, Payload: payload,
	}
	_, err = f.st.UpdateBookingStatusWithEvent(f.ctx, ports.StatusChange{
		BookingID: "b1", FromSet: []model.BookingStatus{model.StatusConfirmed},
		To: model.StatusCheckedIn, ExpectedVersion: b.Version,
	}, &ev2)
	require.NoError(t, err)

	// The claim guard holds back the second event until the first
	// settles, so one tick delivers only the earlier sequence.
	n, err := f.disp.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, f.ad.upsertCount())

	f.clk.Advance(time.Second)
	n, err = f.disp.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 2, f.ad.upsertCount())
	assert.Equal(t, model.StatusConfirmed, f.ad.upserts[0].Status)
	assert.Equal(t, model.StatusCheckedIn, f.ad.upserts[1].Status)
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	f := newFixture(t)
	f.disp.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.disp.Stop(ctx))
}
