// SPDX-License-Identifier: MIT

// Package lock implements the distributed lock manager on Redis: named,
// TTL-bounded locks with fencing tokens and scoped acquisition.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
	"github.com/lodgewerk/staysync/internal/ident"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
)

const (
	keyPrefix = "staysync:lock:"
	fenceKey  = "staysync:fence"

	// Contention poll interval; jittered so contending workers do not
	// hammer in lockstep.
	pollBase   = 50 * time.Millisecond
	pollJitter = 50 * time.Millisecond
)

// renewScript extends the TTL only while the caller's token is still the
// stored value.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only while the caller's token is still
// the stored value; a stale holder's release is a no-op.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Manager is the Redis-backed ports.Locker implementation.
type Manager struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock (tests).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager wraps the given Redis client.
func NewManager(rdb redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		rdb:    rdb,
		clock:  clock.System(),
		logger: log.WithComponent("lock"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ ports.Locker = (*Manager)(nil)

func storeErr(op string, err error) error {
	return ports.E(ports.CodeLockUnavailable, op, err)
}

// Acquire implements ports.Locker. A single SET NX attempt per poll; the
// store being unreachable fails immediately rather than being mistaken
// for contention.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, waitFor time.Duration) (*ports.Lease, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock %s: non-positive ttl", key)
	}
	token := ident.NewOwnerToken()
	started := m.clock.Now()
	deadline := started.Add(waitFor)

	for {
		ok, err := m.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
		if err != nil {
			metrics.RecordLockAcquisition("store_error")
			return nil, storeErr("lock.acquire", err)
		}
		if ok {
			fence, err := m.rdb.Incr(ctx, fenceKey).Result()
			if err != nil {
				// The lock is held but unfenced; give it back rather
				// than hand out a lease without a fence number.
				_ = releaseScript.Run(ctx, m.rdb, []string{keyPrefix + key}, token).Err()
				metrics.RecordLockAcquisition("store_error")
				return nil, storeErr("lock.acquire", err)
			}
			metrics.RecordLockAcquisition("acquired")
			metrics.ObserveLockWait(m.clock.Now().Sub(started).Seconds())
			return &ports.Lease{
				Key:      key,
				Token:    token,
				Fence:    fence,
				Deadline: m.clock.Now().Add(ttl),
			}, nil
		}
		if !m.clock.Now().Add(pollBase).Before(deadline) {
			metrics.RecordLockAcquisition("busy")
			return nil, ports.E(ports.CodeConcurrentBooking, "lock.acquire", fmt.Errorf("%w: %s", ports.ErrLockBusy, key))
		}
		sleep := pollBase + time.Duration(rand.Int63n(int64(pollJitter)))
		if err := m.clock.Sleep(ctx, sleep); err != nil {
			metrics.RecordLockAcquisition("cancelled")
			return nil, err
		}
	}
}

// Renew implements ports.Locker.
func (m *Manager) Renew(ctx context.Context, lease *ports.Lease, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, m.rdb, []string{keyPrefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		metrics.RecordLockRenewal("store_error")
		return storeErr("lock.renew", err)
	}
	if res == 0 {
		metrics.RecordLockRenewal("lost")
		metrics.RecordLockLost()
		return fmt.Errorf("renew %s: %w", lease.Key, ports.ErrLockLost)
	}
	metrics.RecordLockRenewal("renewed")
	lease.Deadline = m.clock.Now().Add(ttl)
	return nil
}

// Release implements ports.Locker. Best effort: a failure is logged, not
// returned, because the TTL bounds the damage.
func (m *Manager) Release(ctx context.Context, lease *ports.Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.rdb, []string{keyPrefix + lease.Key}, lease.Token).Err(); err != nil {
		m.logger.Warn().Err(err).Str("key", lease.Key).Msg("lock release failed; ttl will expire it")
		return storeErr("lock.release", err)
	}
	return nil
}

// WithLock implements ports.Locker. The release runs with a fresh
// short-deadline context so a cancelled operation still gives the lock
// back instead of leaving it to the TTL.
func (m *Manager) WithLock(ctx context.Context, key string, ttl, waitFor time.Duration, fn func(ctx context.Context, lease *ports.Lease) error) error {
	lease, err := m.Acquire(ctx, key, ttl, waitFor)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = m.Release(releaseCtx, lease)
	}()
	return fn(ctx, lease)
}

// Held reports whether the given lease still owns its lock. Used by the
// recovery path after restart to distinguish stale in-flight work.
func (m *Manager) Held(ctx context.Context, lease *ports.Lease) (bool, error) {
	val, err := m.rdb.Get(ctx, keyPrefix+lease.Key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("lock.held", err)
	}
	return val == lease.Token, nil
}
