// SPDX-License-Identifier: MIT

package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

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

func TestPollImportsRemoteBookings(t *testing.T) {
	f := newFixture(t)
	f.putConnection(t, time.Time{})
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("EXT-1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}

	p := NewPollImporter(f.st, f.core, f.locker, f.reg, f.codec, f.clk)
	require.NoError(t, p.Run(f.ctx))

	got, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "EXT-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
	assert.Equal(t, "p1", got.PropertyID)

	conn, err := f.st.GetConnection(f.ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Unix(), conn.LastSyncAt.Unix())
}

func TestPollIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.putConnection(t, time.Time{})
	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("EXT-1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}

	p := NewPollImporter(f.st, f.core, f.locker, f.reg, f.codec, f.clk)
	require.NoError(t, p.Run(f.ctx))
	require.NoError(t, p.Run(f.ctx))

	bookings, err := f.st.ListBookings(f.ctx, "p1", model.DateRange{
		From: model.MustDate("2026-07-01"), To: model.MustDate("2026-08-01"),
	})
	require.NoError(t, err)
	assert.Len(t, bookings, 1)
}

func TestPollCancelsRejectedBookingAtPlatform(t *testing.T) {
	f := newFixture(t)
	f.putConnection(t, time.Time{})

	local := model.Booking{
		ID: "b-local", PropertyID: "p1", Source: model.SourceDirect,
		Status:  model.StatusConfirmed,
		CheckIn: model.MustDate("2026-07-10"), CheckOut: model.MustDate("2026-07-14"),
		Guests: 2, Currency: model.EUR,
	}
	require.NoError(t, f.st.InsertBookingWithEvent(f.ctx, &local, nil))

	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("EXT-CLASH", "2026-07-12", "2026-07-16", model.StatusConfirmed),
	}

	p := NewPollImporter(f.st, f.core, f.locker, f.reg, f.codec, f.clk)
	require.NoError(t, p.Run(f.ctx))

	assert.Equal(t, []string{"EXT-CLASH"}, f.adapter.cancels)
	_, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "EXT-CLASH")
	require.Error(t, err)
}

func TestPollSkipsDisabledConnections(t *testing.T) {
	f := newFixture(t)
	conn := f.putConnection(t, time.Time{})
	require.NoError(t, f.st.DisableConnection(f.ctx, conn.ID, "operator request"))

	f.adapter.remote = []channel.ExternalBooking{
		remoteBooking("EXT-1", "2026-07-10", "2026-07-14", model.StatusConfirmed),
	}

	p := NewPollImporter(f.st, f.core, f.locker, f.reg, f.codec, f.clk)
	require.NoError(t, p.Run(f.ctx))

	_, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "EXT-1")
	require.Error(t, err)
}
