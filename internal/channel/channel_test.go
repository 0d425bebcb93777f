// SPDX-License-Identifier: MIT

package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

func TestMinorToDecimal(t *testing.T) {
	cases := []struct {
		minor int64
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{100, "1.00"},
		{12345, "123.45"},
		{-250, "-2.50"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MinorToDecimal(tc.minor))
	}
}

func TestDecimalToMinor(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"0.05", 5},
		{"1", 100},
		{"123.45", 12345},
		{"123.4", 12340},
		{"-2.50", -250},
		{" 10.00 ", 1000},
		{".50", 50},
	}
	for _, tc := range cases {
		got, err := DecimalToMinor(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}

	for _, bad := range []string{"", "abc", "1.234", "1.2c"} {
		_, err := DecimalToMinor(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestHMACSignAndVerify(t *testing.T) {
	body := []byte(`{"event_id":"ev-1"}`)
	sig := SignHMAC("secret", body)

	assert.True(t, VerifyHMAC("secret", body, sig))
	assert.False(t, VerifyHMAC("other", body, sig))
	assert.False(t, VerifyHMAC("secret", []byte(`tampered`), sig))
	assert.False(t, VerifyHMAC("secret", body, ""))
}

func TestCredentialCodecRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	codec, err := NewCredentialCodec(key)
	require.NoError(t, err)

	creds := model.Credentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		SigningKey:   "sk-1",
		ExpiresAt:    time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	sealed, err := codec.Seal(creds)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "at-1")

	got, err := codec.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, creds, got)

	// Flip one ciphertext byte: authentication must fail.
	sealed[len(sealed)-1] ^= 0xff
	_, err = codec.Open(sealed)
	assert.Error(t, err)
}

func TestCredentialCodecRejectsBadKey(t *testing.T) {
	_, err := NewCredentialCodec([]byte("short"))
	assert.Error(t, err)
}

func TestRegistryDuplicateAndLookup(t *testing.T) {
	a := stubAdapter{ch: model.ChannelAirbnb}
	b := stubAdapter{ch: model.ChannelExpedia}

	reg, err := NewRegistry(a, b)
	require.NoError(t, err)

	got, err := reg.Adapter(model.ChannelExpedia)
	require.NoError(t, err)
	assert.Equal(t, model.ChannelExpedia, got.Channel())

	_, err = reg.Adapter(model.ChannelBookingCom)
	assert.Error(t, err)

	assert.Equal(t, []model.Channel{model.ChannelAirbnb, model.ChannelExpedia}, reg.Channels())

	_, err = NewRegistry(a, stubAdapter{ch: model.ChannelAirbnb})
	assert.Error(t, err)
}

func TestClientClassifiesStatuses(t *testing.T) {
	cases := []struct {
		status int
		class  error
	}{
		{http.StatusUnauthorized, ErrAuthFailed},
		{http.StatusForbidden, ErrAuthFailed},
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusNotFound, ErrPermanent},
		{http.StatusUnprocessableEntity, ErrPermanent},
		{http.StatusRequestTimeout, ErrTransient},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := NewHTTPClient(model.ChannelAirbnb, srv.URL, time.Second)
		_, err := c.Do(context.Background(), Request{Operation: "probe", Method: http.MethodGet, Path: "/"})
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.ErrorIs(t, err, tc.class, "status %d", tc.status)

		var ce *CallError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, tc.status, ce.Status)
		assert.Equal(t, "probe", ce.Operation)
	}
}

func TestClientRetryAfterSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(model.ChannelBookingCom, srv.URL, time.Second)
	_, err := c.Do(context.Background(), Request{Operation: "push", Method: http.MethodGet, Path: "/"})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 17*time.Second, RetryAfterOf(err))
}

func TestRetryAfterOfNonRateLimit(t *testing.T) {
	err := &CallError{Class: ErrUnavailable, Channel: model.ChannelAirbnb, Operation: "push"}
	assert.Zero(t, RetryAfterOf(error(err)))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}

func TestClientNetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections from here on

	c := NewHTTPClient(model.ChannelExpedia, srv.URL, time.Second)
	_, err := c.Do(context.Background(), Request{Operation: "probe", Method: http.MethodGet, Path: "/"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientContextCancelIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewHTTPClient(model.ChannelAirbnb, srv.URL, time.Second)
	_, err := c.Do(ctx, Request{Operation: "probe", Method: http.MethodGet, Path: "/"})
	assert.ErrorIs(t, err, ErrTransient)
}

func TestDoJSONBadBodyIsBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewHTTPClient(model.ChannelAirbnb, srv.URL, time.Second)
	var out struct{}
	err := c.DoJSON(context.Background(), Request{Operation: "list", Method: http.MethodGet, Path: "/"}, nil, &out)
	assert.ErrorIs(t, err, ErrBadResponse)
}

type stubAdapter struct{ ch model.Channel }

func (s stubAdapter) Channel() model.Channel { return s.ch }
func (s stubAdapter) UpsertBooking(context.Context, Conn, model.BookingSnapshot) (string, error) {
	return "", nil
}
func (s stubAdapter) CancelBooking(context.Context, Conn, string) error { return nil }
func (s stubAdapter) PushAvailability(context.Context, Conn, string, []model.BlockSnapshot) error {
	return nil
}
func (s stubAdapter) PushPricing(context.Context, Conn, string, []model.DatePrice) error { return nil }
func (s stubAdapter) ListBookings(context.Context, Conn, model.DateRange) ([]ExternalBooking, error) {
	return nil, nil
}
func (s stubAdapter) ListAvailability(context.Context, Conn, model.DateRange) ([]model.DateRange, error) {
	return nil, nil
}
func (s stubAdapter) ParseWebhook(Conn, http.Header, []byte) (*InboundEvent, error) { return nil, nil }
func (s stubAdapter) RefreshCredentials(_ context.Context, c Conn) (model.Credentials, error) {
	return c.Creds, nil
}
