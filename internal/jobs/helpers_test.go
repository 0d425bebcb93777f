// SPDX-License-Identifier: MIT

package jobs

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

// stubAdapter serves a configurable platform-side view and records what
// the jobs push back.
type stubAdapter struct {
	mu     sync.Mutex
	remote []channel.ExternalBooking

	refreshCreds model.Credentials
	refreshErr   error
	refreshCalls int

	cancels []string
}

func (s *stubAdapter) Channel() model.Channel { return model.ChannelAirbnb }

func (s *stubAdapter) UpsertBooking(context.Context, channel.Conn, model.BookingSnapshot) (string, error) {
	return "EXT-NEW", nil
}

func (s *stubAdapter) CancelBooking(_ context.Context, _ channel.Conn, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, externalID)
	return nil
}

func (s *stubAdapter) PushAvailability(context.Context, channel.Conn, string, []model.BlockSnapshot) error {
	return nil
}

func (s *stubAdapter) PushPricing(context.Context, channel.Conn, string, []model.DatePrice) error {
	return nil
}

func (s *stubAdapter) ListBookings(context.Context, channel.Conn, model.DateRange) ([]channel.ExternalBooking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote, nil
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
	s.refreshCalls++
	if s.refreshErr != nil {
		return model.Credentials{}, s.refreshErr
	}
	return s.refreshCreds, nil
}

func (s *stubAdapter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

type fixture struct {
	ctx     context.Context
	clk     *clock.Fake
	st      *sqlitestore.Store
	core    *manager.Manager
	locker  ports.Locker
	adapter *stubAdapter
	reg     *channel.Registry
	codec   *channel.CredentialCodec
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

	require.NoError(t, st.PutProperty(ctx, model.Property{
		ID: "p1", Name: "Seaside Cottage", Currency: model.EUR, BasePriceMinor: 10000, MaxGuests: 6, Active: true,
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

	return &fixture{
		ctx: ctx, clk: fake, st: st, core: core,
		locker: locker, adapter: adapter, reg: reg, codec: codec,
	}
}

// putConnection seals fresh credentials and stores the connection.
func (f *fixture) putConnection(t *testing.T, expiresAt time.Time) model.ChannelConnection {
	t.Helper()
	sealed, err := f.codec.Seal(model.Credentials{AccessToken: "at-old", SigningKey: "whsec", ExpiresAt: expiresAt})
	require.NoError(t, err)
	conn := model.ChannelConnection{
		ID: "conn-1", PropertyID: "p1", Channel: model.ChannelAirbnb,
		ExternalPropertyID: "listing-1", EncryptedCreds: sealed,
		SyncEnabled: true, CredentialsExpireAt: expiresAt,
	}
	require.NoError(t, f.st.PutConnection(f.ctx, conn))
	return conn
}
