// SPDX-License-Identifier: MIT

package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	sqlitestore "github.com/lodgewerk/staysync/internal/store/sqlite"
)

// hookBody is the stub platform's webhook wire format.
type hookBody struct {
	MessageID string `json:"messageId"`
	EventType string `json:"eventType"`
	Booking   struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		CheckIn  string `json:"checkIn"`
		CheckOut string `json:"checkOut"`
		Guests   int    `json:"guests"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"booking"`
}

// hookAdapter implements just enough of the adapter surface to exercise
// ingress: HMAC verification, payload normalization, and a record of the
// cancels the handler pushes back to the platform.
type hookAdapter struct {
	mu      sync.Mutex
	cancels []string
}

func (*hookAdapter) Channel() model.Channel { return model.ChannelAirbnb }

func (*hookAdapter) UpsertBooking(context.Context, channel.Conn, model.BookingSnapshot) (string, error) {
	return "", channel.ErrUnavailable
}
func (a *hookAdapter) CancelBooking(_ context.Context, _ channel.Conn, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels = append(a.cancels, externalID)
	return nil
}

func (a *hookAdapter) cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}
func (*hookAdapter) PushAvailability(context.Context, channel.Conn, string, []model.BlockSnapshot) error {
	return channel.ErrUnavailable
}
func (*hookAdapter) PushPricing(context.Context, channel.Conn, string, []model.DatePrice) error {
	return channel.ErrUnavailable
}
func (*hookAdapter) ListBookings(context.Context, channel.Conn, model.DateRange) ([]channel.ExternalBooking, error) {
	return nil, channel.ErrUnavailable
}
func (*hookAdapter) ListAvailability(context.Context, channel.Conn, model.DateRange) ([]model.DateRange, error) {
	return nil, channel.ErrUnavailable
}
func (*hookAdapter) RefreshCredentials(context.Context, channel.Conn) (model.Credentials, error) {
	return model.Credentials{}, channel.ErrUnavailable
}

func (*hookAdapter) ParseWebhook(conn channel.Conn, header http.Header, body []byte) (*channel.InboundEvent, error) {
	if !channel.VerifyHMAC(conn.Creds.SigningKey, body, header.Get("X-Stub-Signature")) {
		return nil, channel.ErrBadSignature
	}
	var in hookBody
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", channel.ErrPermanent, err)
	}
	kind := channel.InboundBookingCreated
	status := model.StatusConfirmed
	if in.EventType == "cancelled" {
		kind = channel.InboundBookingCancelled
		status = model.StatusCancelled
	}
	return &channel.InboundEvent{
		Channel:           model.ChannelAirbnb,
		Kind:              kind,
		ExternalMessageID: in.MessageID,
		Booking: channel.ExternalBooking{
			ExternalID: in.Booking.ID,
			Status:     status,
			CheckIn:    model.MustDate(in.Booking.CheckIn),
			CheckOut:   model.MustDate(in.Booking.CheckOut),
			Guests:     in.Booking.Guests,
			GuestName:  in.Booking.Name,
			GuestEmail: in.Booking.Email,
			TotalMinor: in.Booking.Total,
			Currency:   model.Currency(in.Booking.Currency),
		},
	}, nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clk      *clock.Fake
	st       *sqlitestore.Store
	core     *manager.Manager
	locker   ports.Locker
	payments *payment.Fake
	ad       *hookAdapter
	handler  *Handler
	router   http.Handler
}

func newFixture(t *testing.T) *fixture {
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

	payments := payment.NewFake()
	seq := 0
	core := manager.New(st, locker, payments, pricing.TaxTable{"default": 0},
		manager.WithClock(fake),
		manager.WithIDFunc(func() string {
			seq++
			return fmt.Sprintf("id-%02d", seq)
		}),
	)

	ad := &hookAdapter{}
	reg, err := channel.NewRegistry(ad)
	require.NoError(t, err)

	archive, err := OpenArchiveInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = archive.Close() })

	h := New(core, st, locker, reg, codec,
		WithClock(fake),
		WithArchive(archive),
		WithPaymentSecret("paysec"),
	)
	return &fixture{
		t: t, ctx: ctx, clk: fake, st: st, core: core, locker: locker,
		payments: payments, ad: ad, handler: h, router: h.Router(),
	}
}

func (f *fixture) post(path string, body []byte, sign func(*http.Request)) *httptest.ResponseRecorder {
	f.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sign != nil {
		sign(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func signedHook(t *testing.T, msgID, extID, eventType string) ([]byte, func(*http.Request)) {
	t.Helper()
	var in hookBody
	in.MessageID = msgID
	in.EventType = eventType
	in.Booking.ID = extID
	in.Booking.Status = "accepted"
	in.Booking.CheckIn = "2026-07-10"
	in.Booking.CheckOut = "2026-07-14"
	in.Booking.Guests = 2
	in.Booking.Name = "Anna Schmidt"
	in.Booking.Email = "anna@example.com"
	in.Booking.Total = 48000
	in.Booking.Currency = "EUR"
	body, err := json.Marshal(in)
	require.NoError(t, err)
	return body, func(r *http.Request) {
		r.Header.Set("X-Stub-Signature", channel.SignHMAC("whsec", body))
	}
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var out webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookImportsBooking(t *testing.T) {
	f := newFixture(t)
	body, sign := signedHook(t, "msg-1", "HM1", "created")

	rec := f.post("/api/v1/webhooks/airbnb", body, sign)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeResponse(t, rec)
	assert.Equal(t, "applied", out.Outcome)

	b, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)
	assert.Equal(t, int64(48000), b.TotalMinor)

	archived, err := f.handler.archive.Get("airbnb", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, body, archived)
}

func TestWebhookReplaysDuplicateMessage(t *testing.T) {
	f := newFixture(t)
	body, sign := signedHook(t, "msg-1", "HM1", "created")

	first := f.post("/api/v1/webhooks/airbnb", body, sign)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.post("/api/v1/webhooks/airbnb", body, sign)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	// Still exactly one booking.
	bs, err := f.st.ListBookings(f.ctx, "p1", model.DateRange{From: model.MustDate("2026-07-01"), To: model.MustDate("2026-08-01")})
	require.NoError(t, err)
	assert.Len(t, bs, 1)
}

func TestWebhookBadSignatureIsForbidden(t *testing.T) {
	f := newFixture(t)
	body, _ := signedHook(t, "msg-1", "HM1", "created")

	rec := f.post("/api/v1/webhooks/airbnb", body, func(r *http.Request) {
		r.Header.Set("X-Stub-Signature", channel.SignHMAC("wrong", body))
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestWebhookUnknownChannelIsNotFound(t *testing.T) {
	f := newFixture(t)
	body, sign := signedHook(t, "msg-1", "HM1", "created")
	rec := f.post("/api/v1/webhooks/couchsurfing", body, sign)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRejectsOccupiedDates(t *testing.T) {
	f := newFixture(t)

	// A direct confirmed booking already holds the dates.
	b := model.Booking{
		ID: "b-direct", Reference: "ST-1", PropertyID: "p1", Source: model.SourceDirect,
		Status: model.StatusConfirmed, CheckIn: model.MustDate("2026-07-12"), CheckOut: model.MustDate("2026-07-16"),
		Guests: 2, TotalMinor: 40000, Currency: model.EUR,
	}
	require.NoError(t, f.st.InsertBookingWithEvent(f.ctx, &b, nil))

	body, sign := signedHook(t, "msg-1", "HM1", "created")
	rec := f.post("/api/v1/webhooks/airbnb", body, sign)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	out := decodeResponse(t, rec)
	assert.Equal(t, "rejected", out.Outcome)

	// Beyond the 422, the reservation is cancelled at the platform.
	assert.Equal(t, []string{"HM1"}, f.ad.cancelled())

	// The rejection replays on retry without cancelling again.
	again := f.post("/api/v1/webhooks/airbnb", body, sign)
	assert.Equal(t, http.StatusUnprocessableEntity, again.Code)
	assert.Equal(t, "true", again.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, []string{"HM1"}, f.ad.cancelled())
}

func TestWebhookLockBusyConflicts(t *testing.T) {
	f := newFixture(t)

	// Another worker holds the property lock for longer than the
	// handler's wait budget.
	lease, err := f.locker.Acquire(f.ctx, ports.BookingLockKey("p1"), 30*time.Second, 0)
	require.NoError(t, err)
	defer func() { _ = f.locker.Release(f.ctx, lease) }()

	body, sign := signedHook(t, "msg-1", "HM1", "created")

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.post("/api/v1/webhooks/airbnb", body, sign) }()

	// Let the handler exhaust its wait budget against the fake clock.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rec := <-done:
			assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
			return
		case <-deadline:
			t.Fatal("webhook did not answer")
		default:
			f.clk.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestWebhookCancellationFlows(t *testing.T) {
	f := newFixture(t)

	body, sign := signedHook(t, "msg-1", "HM1", "created")
	rec := f.post("/api/v1/webhooks/airbnb", body, sign)
	require.Equal(t, http.StatusOK, rec.Code)

	cancelBody, cancelSign := signedHook(t, "msg-2", "HM1", "cancelled")
	rec = f.post("/api/v1/webhooks/airbnb", cancelBody, cancelSign)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decodeResponse(t, rec).Outcome)

	b, err := f.st.GetBookingByExternalID(f.ctx, model.SourceOf(model.ChannelAirbnb), "HM1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
}

func signedPayment(t *testing.T, eventID, eventType, intentID, bookingID string) ([]byte, func(*http.Request)) {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"id": eventID, "type": eventType, "intent_id": intentID, "booking_id": bookingID,
	})
	require.NoError(t, err)
	return body, func(r *http.Request) {
		r.Header.Set(paymentSignatureHeader, channel.SignHMAC("paysec", body))
	}
}

func TestPaymentWebhookConfirmsBooking(t *testing.T) {
	f := newFixture(t)

	session, err := f.core.StartCheckout(f.ctx, "p1", model.DateRange{
		From: model.MustDate("2026-07-10"), To: model.MustDate("2026-07-14"),
	}, 2)
	require.NoError(t, err)
	f.payments.Succeed(session.IntentID)

	body, sign := signedPayment(t, "evt-1", "payment_intent.succeeded", session.IntentID, session.Booking.ID)
	rec := f.post("/api/v1/webhooks/payment", body, sign)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	b, err := f.st.GetBooking(f.ctx, session.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)

	// Processor retries replay without touching the booking again.
	again := f.post("/api/v1/webhooks/payment", body, sign)
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "true", again.Header().Get("X-Idempotent-Replay"))
}

func TestPaymentWebhookFailureCancelsCheckout(t *testing.T) {
	f := newFixture(t)

	session, err := f.core.StartCheckout(f.ctx, "p1", model.DateRange{
		From: model.MustDate("2026-07-10"), To: model.MustDate("2026-07-14"),
	}, 2)
	require.NoError(t, err)
	f.payments.Fail(session.IntentID)

	body, sign := signedPayment(t, "evt-2", "payment_intent.payment_failed", session.IntentID, session.Booking.ID)
	rec := f.post("/api/v1/webhooks/payment", body, sign)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", decodeResponse(t, rec).Outcome)

	b, err := f.st.GetBooking(f.ctx, session.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, b.Status)
}

func TestPaymentWebhookBadSignature(t *testing.T) {
	f := newFixture(t)
	body, _ := signedPayment(t, "evt-1", "payment_intent.succeeded", "pi_1", "b1")
	rec := f.post("/api/v1/webhooks/payment", body, func(r *http.Request) {
		r.Header.Set(paymentSignatureHeader, channel.SignHMAC("wrong", body))
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPaymentWebhookIgnoresUnknownEventTypes(t *testing.T) {
	f := newFixture(t)
	body, sign := signedPayment(t, "evt-3", "charge.updated", "pi_1", "b1")
	rec := f.post("/api/v1/webhooks/payment", body, sign)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeResponse(t, rec).Outcome)
}
