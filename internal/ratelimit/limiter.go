// SPDX-License-Identifier: MIT

// Package ratelimit provides per-channel token buckets for outbound
// platform calls. Buckets are local to the process; platform-imposed
// Retry-After freezes are mirrored to Redis so sibling workers back off
// together.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// ErrRateLimited means the caller's wait budget cannot cover the needed
// tokens.
var ErrRateLimited = errors.New("rate limited")

// BucketConfig is one channel's operating point.
type BucketConfig struct {
	Rate  rate.Limit
	Burst int
}

// Config maps channels to bucket parameters.
type Config struct {
	Buckets map[model.Channel]BucketConfig
}

// DefaultConfig returns the designed operating points per channel.
func DefaultConfig() Config {
	return Config{Buckets: map[model.Channel]BucketConfig{
		model.ChannelAirbnb:     {Rate: 10, Burst: 15},
		model.ChannelBookingCom: {Rate: 5, Burst: 10},
		model.ChannelExpedia:    {Rate: 50, Burst: 75},
		model.ChannelFewoDirekt: {Rate: 10, Burst: 15},
		model.ChannelGoogleVR:   {Rate: 100, Burst: 150},
	}}
}

const (
	freezeKeyPrefix = "staysync:rate:"
	freezeKeySuffix = ":frozen_until"

	// How long a locally cached freeze lookup is trusted before Redis is
	// consulted again.
	freezeCacheTTL = 2 * time.Second
)

type bucket struct {
	limiter *rate.Limiter

	mu              sync.Mutex
	frozenUntil     time.Time
	freezeCheckedAt time.Time
}

// Manager holds one bucket per channel.
type Manager struct {
	mu      sync.RWMutex
	buckets map[model.Channel]*bucket
	cfg     Config
	rdb     redis.UniversalClient // optional; nil disables freeze sharing
	clock   clock.Clock
	logger  zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock (tests).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithRedis enables cross-process freeze sharing.
func WithRedis(rdb redis.UniversalClient) Option {
	return func(m *Manager) { m.rdb = rdb }
}

// New builds a Manager from the config; channels missing from the config
// get a conservative 1/s bucket.
func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		buckets: make(map[model.Channel]*bucket),
		cfg:     cfg,
		clock:   clock.System(),
		logger:  log.WithComponent("ratelimit"),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, ch := range model.Channels() {
		bc, ok := cfg.Buckets[ch]
		if !ok {
			bc = BucketConfig{Rate: 1, Burst: 1}
		}
		m.buckets[ch] = &bucket{limiter: rate.NewLimiter(bc.Rate, bc.Burst)}
	}
	return m
}

func (m *Manager) bucket(ch model.Channel) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[ch]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[ch]; ok {
		return b
	}
	b = &bucket{limiter: rate.NewLimiter(1, 1)}
	m.buckets[ch] = b
	return b
}

// frozenFor returns the remaining freeze for the channel, consulting the
// shared Redis key at most once per freezeCacheTTL.
func (m *Manager) frozenFor(ctx context.Context, b *bucket, ch model.Channel) time.Duration {
	now := m.clock.Now()

	b.mu.Lock()
	local := b.frozenUntil
	stale := m.rdb != nil && now.Sub(b.freezeCheckedAt) >= freezeCacheTTL
	b.mu.Unlock()

	if stale {
		val, err := m.rdb.Get(ctx, freezeKeyPrefix+string(ch)+freezeKeySuffix).Result()
		b.mu.Lock()
		b.freezeCheckedAt = now
		if err == nil {
			if unixMilli, perr := strconv.ParseInt(val, 10, 64); perr == nil {
				shared := time.UnixMilli(unixMilli)
				if shared.After(b.frozenUntil) {
					b.frozenUntil = shared
				}
			}
		} else if !errors.Is(err, redis.Nil) {
			m.logger.Warn().Err(err).Str("channel", string(ch)).Msg("freeze lookup failed; using local state")
		}
		local = b.frozenUntil
		b.mu.Unlock()
	}

	if local.After(now) {
		return local.Sub(now)
	}
	return 0
}

// TryAcquire takes n tokens without blocking. On refusal it returns the
// minimum wait before the tokens could be available.
func (m *Manager) TryAcquire(ctx context.Context, ch model.Channel, n int) (bool, time.Duration) {
	b := m.bucket(ch)
	if wait := m.frozenFor(ctx, b, ch); wait > 0 {
		return false, wait
	}
	now := m.clock.Now()
	res := b.limiter.ReserveN(now, n)
	if !res.OK() {
		return false, time.Hour
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Acquire blocks cooperatively for up to maxWait. Returns ErrRateLimited
// when the wait exceeds the budget.
func (m *Manager) Acquire(ctx context.Context, ch model.Channel, n int, maxWait time.Duration) error {
	started := m.clock.Now()
	for {
		ok, wait := m.TryAcquire(ctx, ch, n)
		if ok {
			metrics.ObserveRateLimitWait(string(ch), m.clock.Now().Sub(started).Seconds())
			return nil
		}
		if m.clock.Now().Add(wait).After(started.Add(maxWait)) {
			return fmt.Errorf("%w: channel %s needs %s", ErrRateLimited, ch, wait)
		}
		if err := m.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Penalize drains the channel's bucket and freezes it until retryAfter
// has passed. Called when a platform answers 429; the freeze is shared
// via Redis so every worker honors the platform's Retry-After.
func (m *Manager) Penalize(ctx context.Context, ch model.Channel, retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}
	b := m.bucket(ch)
	now := m.clock.Now()
	until := now.Add(retryAfter)

	// Drain whatever is in the bucket so the next refill starts from
	// empty once the freeze lifts.
	b.limiter.ReserveN(now, b.limiter.Burst())

	b.mu.Lock()
	if until.After(b.frozenUntil) {
		b.frozenUntil = until
	}
	b.mu.Unlock()

	metrics.RecordRateLimitFreeze(string(ch))
	metrics.SetRateLimitFrozenUntil(string(ch), float64(until.Unix()))

	if m.rdb != nil {
		key := freezeKeyPrefix + string(ch) + freezeKeySuffix
		ttl := retryAfter + freezeCacheTTL
		if err := m.rdb.Set(ctx, key, strconv.FormatInt(until.UnixMilli(), 10), ttl).Err(); err != nil {
			m.logger.Warn().Err(err).Str("channel", string(ch)).Msg("freeze publish failed")
		}
	}
	m.logger.Info().Str("channel", string(ch)).Dur("retry_after", retryAfter).Msg("channel penalized after 429")
}
