// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

func delivery(id, entityID string, ch model.Channel, seq int64, due time.Time) model.Delivery {
	return model.Delivery{
		ID:            id,
		EventID:       "ev-" + id,
		ConnectionID:  "conn-" + string(ch),
		Channel:       ch,
		PropertyID:    "p1",
		EntityID:      entityID,
		Sequence:      seq,
		State:         model.DeliveryPending,
		NextAttemptAt: due,
	}
}

func TestClaimDueHoldsBackLaterSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertDeliveries(ctx, "", []model.Delivery{
		delivery("d1", "b1", model.ChannelAirbnb, 1, now.Add(-time.Minute)),
		delivery("d2", "b1", model.ChannelAirbnb, 2, now.Add(-time.Minute)),
		// Same entity, different channel: independent lane.
		delivery("d3", "b1", model.ChannelExpedia, 2, now.Add(-time.Minute)),
	}))

	claimed, err := s.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	ids := make([]string, 0, len(claimed))
	for _, d := range claimed {
		ids = append(ids, d.ID)
		assert.Equal(t, model.DeliveryInFlight, d.State)
		assert.Equal(t, 1, d.AttemptCount)
	}
	// d2 waits for d1; d3 has no earlier sibling on its channel.
	assert.ElementsMatch(t, []string{"d1", "d3"}, ids)

	// Settling d1 unblocks d2.
	require.NoError(t, s.SettleDelivery(ctx, "d1", model.DeliverySucceeded, time.Time{}, ""))
	claimed, err = s.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "d2", claimed[0].ID)
}

func TestClaimDueRespectsNextAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertDeliveries(ctx, "", []model.Delivery{
		delivery("d1", "b1", model.ChannelAirbnb, 1, now.Add(time.Hour)),
	}))
	claimed, err := s.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRequeueExpiredReturnsCrashedClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertDeliveries(ctx, "", []model.Delivery{
		delivery("d1", "b1", model.ChannelAirbnb, 1, now.Add(-time.Minute)),
	}))
	claimed, err := s.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Before the deadline nothing is requeued.
	n, err := s.RequeueExpired(ctx, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the deadline the claim reverts to pending and keeps its attempt count.
	n, err = s.RequeueExpired(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reclaimed, err := s.ClaimDue(ctx, now.Add(time.Minute), 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].AttemptCount)
}

func TestRetryDeadDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertDeliveries(ctx, "", []model.Delivery{
		delivery("d1", "b1", model.ChannelAirbnb, 1, now.Add(-time.Minute)),
	}))
	_, err := s.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.SettleDelivery(ctx, "d1", model.DeliveryDead, time.Time{}, "validation rejected"))

	dead, err := s.ListDeadDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "validation rejected", dead[0].LastError)

	// Retrying a live delivery is not allowed.
	require.NoError(t, s.RetryDelivery(ctx, "d1"))
	assert.ErrorIs(t, s.RetryDelivery(ctx, "d1"), ports.ErrNotFound)

	d, err := s.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, d.State)
	assert.Equal(t, 0, d.AttemptCount)
}

func TestDisableConnectionCancelsPendingWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.PutConnection(ctx, model.ChannelConnection{
		ID: "conn-airbnb", PropertyID: "p1", Channel: model.ChannelAirbnb,
		ExternalPropertyID: "L-1", SyncEnabled: true,
	}))
	require.NoError(t, s.InsertDeliveries(ctx, "", []model.Delivery{
		delivery("d1", "b1", model.ChannelAirbnb, 1, now.Add(-time.Minute)),
		delivery("d2", "b1", model.ChannelAirbnb, 2, now.Add(-time.Minute)),
	}))

	require.NoError(t, s.DisableConnection(ctx, "conn-airbnb", "credentials revoked"))

	conn, err := s.GetConnection(ctx, "conn-airbnb")
	require.NoError(t, err)
	assert.Equal(t, model.ConnectionDisabled, conn.Status)
	assert.False(t, conn.SyncEnabled)

	claimed, err := s.ClaimDue(ctx, now, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	n, err := s.CountDeliveries(ctx, model.DeliveryDead)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIdempotencyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()
	s.now = func() time.Time { return base }

	rec := model.IdempotencyRecord{Key: "k1", Result: []byte(`{"status":"ok"}`), ExpiresAt: base.Add(time.Hour)}
	require.NoError(t, s.PutIdempotency(ctx, rec))

	// A live key cannot be replaced.
	err := s.PutIdempotency(ctx, model.IdempotencyRecord{Key: "k1", Result: []byte(`{"status":"other"}`), ExpiresAt: base.Add(time.Hour)})
	assert.ErrorIs(t, err, ports.ErrIdempotencyExists)

	got, err := s.GetIdempotency(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"ok"}`, string(got.Result))

	// After expiry the key reads as absent and can be rewritten.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = s.GetIdempotency(ctx, "k1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	require.NoError(t, s.PutIdempotency(ctx, model.IdempotencyRecord{Key: "k1", Result: []byte(`{"status":"new"}`), ExpiresAt: base.Add(3 * time.Hour)}))

	n, err := s.PurgeExpiredIdempotency(ctx, base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNextReferenceCountsPerYear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.NextReference(ctx, 2026)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := s.NextReference(ctx, 2027)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
