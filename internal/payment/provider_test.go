// SPDX-License-Identifier: MIT

package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

func TestCreateAndGetIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/intents":
			var in intentWire
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, int64(45000), in.AmountMinor)
			assert.Equal(t, "b1", in.BookingID)
			in.ID = "pi_1"
			in.Status = "pending"
			_ = json.NewEncoder(w).Encode(in)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/intents/pi_1":
			_ = json.NewEncoder(w).Encode(intentWire{ID: "pi_1", AmountMinor: 45000, Currency: "EUR", Status: "succeeded"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(srv.URL, "sk_test", time.Second)

	in, err := p.CreateIntent(context.Background(), 45000, "EUR", "b1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", in.ID)
	assert.Equal(t, ports.IntentPending, in.Status)

	got, err := p.GetIntent(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, ports.IntentSucceeded, got.Status)
}

func TestGetIntentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(srv.URL, "sk_test", time.Second)
	_, err := p.GetIntent(context.Background(), "pi_missing")
	assert.Equal(t, ports.CodeNotFound, ports.CodeOf(err))
}

func TestProcessorErrorsClassify(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p := New(srv.URL, "sk_test", time.Second)

	_, err := p.CreateIntent(context.Background(), 100, "EUR", "b1")
	assert.Equal(t, ports.CodeAdapterTransient, ports.CodeOf(err))

	status = http.StatusUnauthorized
	_, err = p.CreateIntent(context.Background(), 100, "EUR", "b1")
	assert.Equal(t, ports.CodeAuthFailed, ports.CodeOf(err))

	status = http.StatusUnprocessableEntity
	_, err = p.CreateIntent(context.Background(), 100, "EUR", "b1")
	assert.Equal(t, ports.CodeAdapterPermanent, ports.CodeOf(err))
}

func TestRefundZeroAmountIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	p := New(srv.URL, "sk_test", time.Second)
	require.NoError(t, p.Refund(context.Background(), "pi_1", 0))
	assert.False(t, called)
}

func TestFakeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	in, err := f.CreateIntent(ctx, 30000, "EUR", "b1")
	require.NoError(t, err)
	assert.Equal(t, ports.IntentPending, in.Status)

	f.Succeed(in.ID)
	got, err := f.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, ports.IntentSucceeded, got.Status)

	require.NoError(t, f.Refund(ctx, in.ID, 15000))
	assert.Equal(t, int64(15000), f.Refunded(in.ID))

	require.NoError(t, f.CancelIntent(ctx, in.ID))
	got, err = f.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, ports.IntentCancelled, got.Status)
}
