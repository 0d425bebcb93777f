// SPDX-License-Identifier: MIT

package manager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/lock"
	"github.com/lodgewerk/staysync/internal/payment"
	"github.com/lodgewerk/staysync/internal/pricing"
	"github.com/lodgewerk/staysync/internal/store/sqlite"
)

type fixture struct {
	m    *Manager
	st   *sqlite.Store
	pay  *payment.Fake
	fake *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fake := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.NewMemory(sqlite.WithNowFunc(fake.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.PutProperty(context.Background(), model.Property{
		ID:             "p1",
		Name:           "Seaside Cottage",
		Timezone:       "Europe/Berlin",
		Region:         "default",
		Currency:       model.EUR,
		BasePriceMinor: 10000,
		MaxGuests:      6,
		Active:         true,
	}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pay := payment.NewFake()
	ids := 0
	m := New(st, lock.NewManager(rdb), pay, pricing.TaxTable{"default": 0},
		WithClock(fake),
		WithIDFunc(func() string { ids++; return fmt.Sprintf("id-%02d", ids) }),
		WithLockWait(10*time.Millisecond),
	)
	return &fixture{m: m, st: st, pay: pay, fake: fake}
}

func stay(from, to string) model.DateRange {
	return model.DateRange{From: model.MustDate(from), To: model.MustDate(to)}
}

func TestStartCheckoutReservesDatesAndOpensIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)

	assert.Equal(t, model.StatusReserved, s.Booking.Status)
	assert.Equal(t, "ST-2026-000001", s.Booking.Reference)
	assert.Equal(t, int64(40000), s.Booking.TotalMinor)
	assert.Equal(t, s.IntentID, s.Booking.PaymentIntentID)
	assert.Equal(t, f.fake.Now().Add(DefaultCheckoutTTL), s.Deadline)

	intent, err := f.pay.GetIntent(ctx, s.IntentID)
	require.NoError(t, err)
	assert.Equal(t, ports.IntentPending, intent.Status)
	assert.Equal(t, int64(40000), intent.AmountMinor)

	occupied, err := f.st.ListOccupied(ctx, "p1", stay("2026-07-01", "2026-08-01"))
	require.NoError(t, err)
	require.Len(t, occupied, 1)
	assert.Equal(t, s.Booking.ID, occupied[0].EntityID)
}

func TestStartCheckoutContentionFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)

	// The first session still holds the property lock.
	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-09-01", "2026-09-05"), 2)
	require.Error(t, err)
	assert.Equal(t, ports.CodeConcurrentBooking, ports.CodeOf(err))
}

func TestStartCheckoutUnavailableDatesReleaseLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)
	f.pay.Succeed(s.IntentID)
	_, err = f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)

	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-07-12", "2026-07-16"), 2)
	require.Error(t, err)
	assert.Equal(t, ports.CodeDatesUnavailable, ports.CodeOf(err))

	// The failed attempt must not leave the property locked.
	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-08-01", "2026-08-03"), 2)
	require.NoError(t, err)
}

func TestConfirmPaymentPromotesAndEmitsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)

	_, err = f.m.UpdateGuestDetails(ctx, s.Booking.ID, GuestDetails{
		FirstName: "Anna", LastName: "Schmidt", Email: "anna@example.com",
	})
	require.NoError(t, err)

	// Payment not verified yet: booking stays reserved.
	_, err = f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.Error(t, err)
	assert.Equal(t, ports.CodePaymentNotVerified, ports.CodeOf(err))

	f.pay.Succeed(s.IntentID)
	b, err := f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)
	assert.Empty(t, b.LockKey)

	// Replay is idempotent.
	again, err := f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, again.Status)

	// The confirm appended exactly one booking.created for fan-out.
	evs := eventsFor(t, f.st, s.Booking.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventBookingCreated, evs[0].Kind)
	assert.Equal(t, model.SourceDirect, evs[0].Origin)
	snap, err := model.DecodeBookingSnapshot(evs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, snap.Status)
	assert.Equal(t, "Anna Schmidt", snap.GuestName)

	// Lock released: a new checkout can start.
	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-08-01", "2026-08-03"), 2)
	require.NoError(t, err)
}

func TestCancelRefundPolicy(t *testing.T) {
	cases := []struct {
		name    string
		checkIn string
		want    int64
	}{
		{"seven_or_more_days_full", "2026-06-10", 40000},
		{"three_to_six_days_half", "2026-06-05", 20000},
		{"under_three_days_none", "2026-06-02", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			from := model.MustDate(tc.checkIn)
			s, err := f.m.StartCheckout(ctx, "p1", model.DateRange{From: from, To: from.AddDays(4)}, 2)
			require.NoError(t, err)
			f.pay.Succeed(s.IntentID)
			_, err = f.m.ConfirmPayment(ctx, s.Booking.ID)
			require.NoError(t, err)

			res, err := f.m.CancelBooking(ctx, s.Booking.ID, "guest request")
			require.NoError(t, err)
			assert.Equal(t, model.StatusCancelled, res.Booking.Status)
			assert.Equal(t, tc.want, res.RefundMinor)
			assert.Equal(t, tc.want, f.pay.Refunded(s.IntentID))

			// Dates are free again.
			occupied, err := f.st.ListOccupied(ctx, "p1", model.DateRange{From: from, To: from.AddDays(4)})
			require.NoError(t, err)
			assert.Empty(t, occupied)
		})
	}
}

func TestCancelReservedEmitsNoEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)

	res, err := f.m.CancelBooking(ctx, s.Booking.ID, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Booking.Status)
	assert.Zero(t, res.RefundMinor)

	assert.Empty(t, eventsFor(t, f.st, s.Booking.ID), "channels never saw the reservation")

	// Cancelling again replays.
	again, err := f.m.CancelBooking(ctx, s.Booking.ID, "changed mind")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, again.Booking.Status)
}

func TestCheckInCheckOutLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)
	f.pay.Succeed(s.IntentID)
	_, err = f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)

	b, err := f.m.CheckIn(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedIn, b.Status)

	// Checking in twice replays the reached state.
	b, err = f.m.CheckIn(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedIn, b.Status)

	b, err = f.m.CheckOut(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCheckedOut, b.Status)

	// checked_out is terminal.
	_, err = f.m.CancelBooking(ctx, s.Booking.ID, "too late")
	require.Error(t, err)
	assert.Equal(t, ports.CodeInvalidState, ports.CodeOf(err))
}

func TestLifecycleRejectsSkippedTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)

	// Reserved: check-in needs a confirmed booking.
	_, err = f.m.CheckIn(ctx, s.Booking.ID)
	require.Error(t, err)
	assert.Equal(t, ports.CodeInvalidState, ports.CodeOf(err))

	f.pay.Succeed(s.IntentID)
	_, err = f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)

	// Confirmed: check-out must not skip the check-in.
	_, err = f.m.CheckOut(ctx, s.Booking.ID)
	require.Error(t, err)
	assert.Equal(t, ports.CodeInvalidState, ports.CodeOf(err))

	b, err := f.st.GetBooking(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)
}

func TestImportChannelBookingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := ImportBooking{
		PropertyID: "p1",
		Source:     model.SourceOf(model.ChannelAirbnb),
		ExternalID: "HMABC",
		Status:     model.StatusConfirmed,
		CheckIn:    model.MustDate("2026-07-10"),
		CheckOut:   model.MustDate("2026-07-14"),
		Guests:     2,
		GuestName:  "Max Muster",
		GuestEmail: "max@example.com",
		TotalMinor: 45000,
		Currency:   model.EUR,
		UpdatedAt:  f.fake.Now(),
	}

	res, err := f.m.ImportChannelBooking(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ImportApplied, res.Outcome)
	assert.Equal(t, model.StatusConfirmed, res.Booking.Status)
	assert.NotEmpty(t, res.Booking.Reference)
	assert.NotEmpty(t, res.Booking.GuestID)

	evs := eventsFor(t, f.st, res.Booking.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventBookingCreated, evs[0].Kind)
	assert.Equal(t, model.SourceOf(model.ChannelAirbnb), evs[0].Origin)

	// Replaying the same message is a no-op.
	res2, err := f.m.ImportChannelBooking(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, ImportNoop, res2.Outcome)

	// A second channel selling the same dates is rejected.
	other := in
	other.Source = model.SourceOf(model.ChannelExpedia)
	other.ExternalID = "EXP-1"
	res3, err := f.m.ImportChannelBooking(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, ImportRejected, res3.Outcome)
	assert.False(t, res3.AlertOperator)
	require.NotEmpty(t, res3.Conflicts)

	// The origin channel cancelling its own booking applies.
	cancel := in
	cancel.Status = model.StatusCancelled
	cancel.UpdatedAt = f.fake.Now().Add(time.Hour)
	res4, err := f.m.ImportChannelBooking(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, ImportApplied, res4.Outcome)
	assert.Equal(t, model.StatusCancelled, res4.Booking.Status)

	evs = eventsFor(t, f.st, res.Booking.ID)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventBookingCancelled, evs[1].Kind)
}

func TestImportConflictWithDirectBookingAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)
	f.pay.Succeed(s.IntentID)
	_, err = f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)

	res, err := f.m.ImportChannelBooking(ctx, ImportBooking{
		PropertyID: "p1",
		Source:     model.SourceOf(model.ChannelBookingCom),
		ExternalID: "res-9",
		Status:     model.StatusConfirmed,
		CheckIn:    model.MustDate("2026-07-12"),
		CheckOut:   model.MustDate("2026-07-16"),
		Guests:     2,
		Currency:   model.EUR,
	})
	require.NoError(t, err)
	assert.Equal(t, ImportRejected, res.Outcome)
	assert.True(t, res.AlertOperator, "a platform sold dates a paying guest holds")
}

func TestImportCancellationForUnknownBookingIsNoop(t *testing.T) {
	f := newFixture(t)

	res, err := f.m.ImportChannelBooking(context.Background(), ImportBooking{
		PropertyID: "p1",
		Source:     model.SourceOf(model.ChannelAirbnb),
		ExternalID: "never-seen",
		Status:     model.StatusCancelled,
		CheckIn:    model.MustDate("2026-07-10"),
		CheckOut:   model.MustDate("2026-07-12"),
	})
	require.NoError(t, err)
	assert.Equal(t, ImportNoop, res.Outcome)
}

func TestAvailabilityBlocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blk, err := f.m.UpsertAvailabilityBlock(ctx, model.AvailabilityBlock{
		PropertyID: "p1",
		StartDate:  model.MustDate("2026-07-10"),
		EndDate:    model.MustDate("2026-07-14"),
		Kind:       model.BlockMaintenance,
	})
	require.NoError(t, err)
	require.NotEmpty(t, blk.ID)

	evs := eventsFor(t, f.st, blk.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventAvailabilityUpdated, evs[0].Kind)
	payload, err := model.DecodeAvailabilityPayload(evs[0].Payload)
	require.NoError(t, err)
	require.Len(t, payload.Occupied, 1)
	assert.Equal(t, string(model.BlockMaintenance), payload.Occupied[0].Kind)

	// Blocked dates refuse checkouts.
	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-07-12", "2026-07-16"), 2)
	require.Error(t, err)
	assert.Equal(t, ports.CodeDatesUnavailable, ports.CodeOf(err))

	require.NoError(t, f.m.RemoveAvailabilityBlock(ctx, blk.ID))
	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-07-12", "2026-07-16"), 2)
	require.NoError(t, err)

	// Removing again is a no-op.
	require.NoError(t, f.m.RemoveAvailabilityBlock(ctx, blk.ID))
}

func TestSweepExpiredCheckouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)

	// Not yet expired.
	swept, err := f.m.SweepExpiredCheckouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	f.fake.Advance(DefaultCheckoutTTL + time.Minute)
	swept, err = f.m.SweepExpiredCheckouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	b, err := f.st.GetBooking(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)

	intent, err := f.pay.GetIntent(ctx, s.IntentID)
	require.NoError(t, err)
	assert.Equal(t, ports.IntentCancelled, intent.Status)

	// Dates free and lock released.
	_, err = f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)
}

func TestSweepSkipsPaidSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.m.StartCheckout(ctx, "p1", stay("2026-07-10", "2026-07-14"), 2)
	require.NoError(t, err)
	f.pay.Succeed(s.IntentID)

	f.fake.Advance(DefaultCheckoutTTL + time.Minute)
	swept, err := f.m.SweepExpiredCheckouts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept, "paid sessions wait for ConfirmPayment")

	b, err := f.m.ConfirmPayment(ctx, s.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)
}

// eventsFor collects the outbound events appended for one entity, in
// sequence order. Test ids are sequential, so scanning a bounded id space
// is enough.
func eventsFor(t *testing.T, st *sqlite.Store, entityID string) []model.OutboundEvent {
	t.Helper()
	var out []model.OutboundEvent
	for i := 1; i <= 99; i++ {
		ev, err := st.GetEvent(context.Background(), fmt.Sprintf("id-%02d", i))
		if err != nil {
			continue
		}
		if ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	return out
}
