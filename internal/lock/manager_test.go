// SPDX-License-Identifier: MIT

package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client), mr
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.NotEmpty(t, lease.Token)
	assert.Positive(t, lease.Fence)

	held, err := m.Held(ctx, lease)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, m.Release(ctx, lease))
	held, err = m.Held(ctx, lease)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireContention(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrLockBusy))
	assert.Equal(t, ports.CodeConcurrentBooking, ports.CodeOf(err))

	// A different property's calendar is unaffected.
	other, err := m.Acquire(ctx, "booking:property:p2", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, other))
	require.NoError(t, m.Release(ctx, first))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 2*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Release(ctx, first))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestFenceMonotonic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, a))

	b, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)
	assert.Greater(t, b.Fence, a.Fence)
}

func TestRenewLostAfterExpiry(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "booking:property:p1", 100*time.Millisecond, 0)
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)

	err = m.Renew(ctx, lease, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrLockLost))
}

func TestReleaseNotOwnedIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)

	stale := &ports.Lease{Key: lease.Key, Token: "someone-else"}
	require.NoError(t, m.Release(ctx, stale))

	held, err := m.Held(ctx, lease)
	require.NoError(t, err)
	assert.True(t, held, "owner must keep the lock after a stale release")
}

func TestWithLockReleasesOnError(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sentinel := errors.New("body failed")
	err := m.WithLock(ctx, "booking:property:p1", time.Minute, 0, func(ctx context.Context, lease *ports.Lease) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// Lock must be free again.
	lease, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lease))
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.Panics(t, func() {
		_ = m.WithLock(ctx, "booking:property:p1", time.Minute, 0, func(ctx context.Context, lease *ports.Lease) error {
			panic("boom")
		})
	})

	lease, err := m.Acquire(ctx, "booking:property:p1", time.Minute, 0)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lease))
}

func TestAcquireStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewManager(client)
	mr.Close()

	_, err := m.Acquire(context.Background(), "booking:property:p1", time.Minute, 0)
	require.Error(t, err)
	assert.Equal(t, ports.CodeLockUnavailable, ports.CodeOf(err))
}
