// SPDX-License-Identifier: MIT

package airbnb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/channel"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

func testConn() channel.Conn {
	return channel.Conn{
		ChannelConnection: model.ChannelConnection{
			ID:                 "conn-airbnb",
			PropertyID:         "p1",
			Channel:            model.ChannelAirbnb,
			ExternalPropertyID: "listing-77",
		},
		Creds: model.Credentials{AccessToken: "at-1", RefreshToken: "rt-1", SigningKey: "whsec"},
	}
}

func TestUpsertBookingCreatesAndUpdates(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		var env reservationEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "listing-77", env.Reservation.ListingID)
		assert.Equal(t, "2026-07-10", env.Reservation.StartDate)
		assert.Equal(t, "450.00", env.Reservation.PricingQuote.Total.Amount)
		env.Reservation.ConfirmationCode = "HMABCDEF"
		_ = json.NewEncoder(w).Encode(reservationEnvelope{Reservation: env.Reservation})
	}))
	defer srv.Close()

	a := New(srv.URL, time.Second)
	snap := model.BookingSnapshot{
		BookingID:  "b1",
		PropertyID: "p1",
		CheckIn:    model.MustDate("2026-07-10"),
		CheckOut:   model.MustDate("2026-07-14"),
		Guests:     2,
		TotalMinor: 45000,
		Currency:   model.EUR,
		GuestName:  "Anna Schmidt",
		GuestEmail: "anna@example.com",
	}

	id, err := a.UpsertBooking(context.Background(), testConn(), snap)
	require.NoError(t, err)
	assert.Equal(t, "HMABCDEF", id)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/reservations", gotPath)
	assert.Equal(t, "Bearer at-1", gotAuth)

	snap.ExternalID = "HMABCDEF"
	_, err = a.UpsertBooking(context.Background(), testConn(), snap)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/reservations/HMABCDEF", gotPath)
}

func TestListBookingsPagesAndMapsStatuses(t *testing.T) {
	page := func(codes []string, status string) []reservationPayload {
		out := make([]reservationPayload, len(codes))
		for i, code := range codes {
			out[i] = reservationPayload{
				ConfirmationCode: code,
				ListingID:        "listing-77",
				Status:           status,
				StartDate:        "2026-07-10",
				EndDate:          "2026-07-12",
				NumberOfGuests:   2,
			}
		}
		return out
	}
	full := make([]string, pageSize)
	for i := range full {
		full[i] = fmt.Sprintf("R%03d", i)
	}

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		offset := r.URL.Query().Get("_offset")
		var res []reservationPayload
		if offset == "0" {
			res = page(full, "accepted")
		} else {
			res = page([]string{"LAST"}, "cancelled_by_guest")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"reservations": res})
	}))
	defer srv.Close()

	a := New(srv.URL, time.Second)
	window := model.DateRange{From: model.MustDate("2026-07-01"), To: model.MustDate("2026-08-01")}
	got, err := a.ListBookings(context.Background(), testConn(), window)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, got, pageSize+1)
	assert.Equal(t, model.StatusConfirmed, got[0].Status)
	assert.Equal(t, model.StatusCancelled, got[pageSize].Status)
	assert.Equal(t, "LAST", got[pageSize].ExternalID)
}

func TestListAvailabilityCoalescesDays(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var env calendarEnvelope
		env.Calendar.Days = []calendarDay{
			{Date: "2026-07-01", Available: true},
			{Date: "2026-07-02", Available: false},
			{Date: "2026-07-03", Available: false},
			{Date: "2026-07-04", Available: true},
			{Date: "2026-07-05", Available: false},
		}
		_ = json.NewEncoder(w).Encode(env)
	}))
	defer srv.Close()

	a := New(srv.URL, time.Second)
	window := model.DateRange{From: model.MustDate("2026-07-01"), To: model.MustDate("2026-07-06")}
	got, err := a.ListAvailability(context.Background(), testConn(), window)
	require.NoError(t, err)

	assert.Equal(t, []model.DateRange{
		{From: model.MustDate("2026-07-02"), To: model.MustDate("2026-07-04")},
		{From: model.MustDate("2026-07-05"), To: model.MustDate("2026-07-06")},
	}, got)
}

func TestParseWebhookVerifiesSignature(t *testing.T) {
	body := []byte(`{
		"event_type": "reservation.created",
		"event_id": "ev-123",
		"timestamp": "2026-07-01T10:00:00Z",
		"reservation": {
			"confirmation_code": "HMXYZ",
			"listing_id": "listing-77",
			"status": "accepted",
			"start_date": "2026-08-01",
			"end_date": "2026-08-05",
			"number_of_guests": 3,
			"guest": {"first_name": "Max", "last_name": "Muster", "email": "max@example.com"},
			"pricing_quote": {"total": {"amount": "620.00", "currency": "EUR"}}
		}
	}`)

	a := New("", time.Second)
	conn := testConn()

	header := http.Header{}
	header.Set("X-Airbnb-Signature", channel.SignHMAC("whsec", body))

	ev, err := a.ParseWebhook(conn, header, body)
	require.NoError(t, err)
	assert.Equal(t, channel.InboundBookingCreated, ev.Kind)
	assert.Equal(t, "ev-123", ev.ExternalMessageID)
	assert.Equal(t, "listing-77", ev.ExternalPropertyID)
	assert.Equal(t, "HMXYZ", ev.Booking.ExternalID)
	assert.Equal(t, model.StatusConfirmed, ev.Booking.Status)
	assert.Equal(t, "Max Muster", ev.Booking.GuestName)
	assert.Equal(t, int64(62000), ev.Booking.TotalMinor)
	assert.Equal(t, time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC), ev.OccurredAt)

	// Wrong secret.
	header.Set("X-Airbnb-Signature", channel.SignHMAC("other", body))
	_, err = a.ParseWebhook(conn, header, body)
	assert.ErrorIs(t, err, channel.ErrBadSignature)

	// Missing header.
	_, err = a.ParseWebhook(conn, http.Header{}, body)
	assert.ErrorIs(t, err, channel.ErrBadSignature)
}

func TestParseWebhookCancellationOverridesStatus(t *testing.T) {
	body := []byte(`{
		"event_type": "reservation.cancelled_by_guest",
		"event_id": "ev-124",
		"reservation": {
			"confirmation_code": "HMXYZ",
			"listing_id": "listing-77",
			"status": "accepted",
			"start_date": "2026-08-01",
			"end_date": "2026-08-05"
		}
	}`)
	header := http.Header{}
	header.Set("X-Airbnb-Signature", channel.SignHMAC("whsec", body))

	a := New("", time.Second)
	ev, err := a.ParseWebhook(testConn(), header, body)
	require.NoError(t, err)
	assert.Equal(t, channel.InboundBookingCancelled, ev.Kind)
	assert.Equal(t, model.StatusCancelled, ev.Booking.Status)
}

func TestParseWebhookRejectsUnknownEventType(t *testing.T) {
	body := []byte(`{"event_type":"listing.updated","event_id":"ev-9","reservation":{"confirmation_code":"X","start_date":"2026-08-01","end_date":"2026-08-02"}}`)
	header := http.Header{}
	header.Set("X-Airbnb-Signature", channel.SignHMAC("whsec", body))

	a := New("", time.Second)
	_, err := a.ParseWebhook(testConn(), header, body)
	assert.ErrorIs(t, err, channel.ErrPermanent)
}

func TestCancelBookingSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := New(srv.URL, time.Second)
	err := a.CancelBooking(context.Background(), testConn(), "HMXYZ")
	assert.ErrorIs(t, err, channel.ErrAuthFailed)
}

func TestRefreshCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth2/token", r.URL.Path)
		var body struct {
			GrantType    string `json:"grant_type"`
			RefreshToken string `json:"refresh_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body.GrantType)
		assert.Equal(t, "rt-1", body.RefreshToken)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	a := New(srv.URL, time.Second)
	creds, err := a.RefreshCredentials(context.Background(), testConn())
	require.NoError(t, err)
	assert.Equal(t, "at-2", creds.AccessToken)
	assert.Equal(t, "rt-2", creds.RefreshToken)
	assert.Equal(t, "whsec", creds.SigningKey, "signing key carries over")
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.ExpiresAt, time.Minute)
}
