// SPDX-License-Identifier: MIT

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/domain/booking/model"
	"github.com/lodgewerk/staysync/internal/log"
)

const (
	forceKeyPrefix = "staysync:circuit:"
	forceKeySuffix = ":force"
	stateKeyPrefix = "staysync:circuit:"
	stateKeySuffix = ":state"

	// Force overrides are re-read from Redis at most this often.
	forceCacheTTL = 2 * time.Second
)

// ForceMode is an operator override shared through Redis.
type ForceMode string

const (
	ForceNone  ForceMode = ""
	ForceOpen  ForceMode = "open"
	ForceClose ForceMode = "close"
)

// Registry manages one breaker per channel with per-channel config
// overrides and operator force modes.
type Registry struct {
	mu       sync.Mutex
	breakers map[model.Channel]*Breaker
	defaults Config
	override map[model.Channel]Config
	rdb      redis.UniversalClient // optional
	clock    clock.Clock
	hook     func(TransitionEvent)
	logger   zerolog.Logger

	forceMu      sync.Mutex
	forceCache   map[model.Channel]ForceMode
	forceChecked map[model.Channel]time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock injects a clock into the registry and every breaker
// it creates.
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithRedis enables shared force overrides and state publication.
func WithRedis(rdb redis.UniversalClient) RegistryOption {
	return func(r *Registry) { r.rdb = rdb }
}

// WithHook registers a transition hook applied to every breaker.
func WithHook(fn func(TransitionEvent)) RegistryOption {
	return func(r *Registry) { r.hook = fn }
}

// WithOverride sets a per-channel config override.
func WithOverride(ch model.Channel, cfg Config) RegistryOption {
	return func(r *Registry) { r.override[ch] = cfg }
}

// NewRegistry builds a registry with the given default config.
func NewRegistry(defaults Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:     make(map[model.Channel]*Breaker),
		defaults:     defaults.withDefaults(),
		override:     make(map[model.Channel]Config),
		clock:        clock.System(),
		logger:       log.WithComponent("circuit"),
		forceCache:   make(map[model.Channel]ForceMode),
		forceChecked: make(map[model.Channel]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Breaker returns (creating on first use) the breaker for a channel.
func (r *Registry) Breaker(ch model.Channel) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[ch]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.override[ch]; ok {
		cfg = o.withDefaults()
	}
	b := NewBreaker(string(ch), cfg,
		WithClock(r.clock),
		WithTransitionHook(r.onTransition(ch)),
	)
	r.breakers[ch] = b
	return b
}

func (r *Registry) onTransition(ch model.Channel) func(TransitionEvent) {
	return func(ev TransitionEvent) {
		if r.hook != nil {
			r.hook(ev)
		}
		if r.rdb == nil {
			return
		}
		// Publish for sibling-process visibility; advisory only, local
		// breakers remain authoritative for their own calls.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		key := stateKeyPrefix + string(ch) + stateKeySuffix
		if err := r.rdb.Set(ctx, key, string(ev.To), 0).Err(); err != nil {
			r.logger.Warn().Err(err).Str("channel", string(ch)).Msg("circuit state publish failed")
		}
	}
}

// forceMode reads the operator override for a channel, cached briefly.
func (r *Registry) forceMode(ctx context.Context, ch model.Channel) ForceMode {
	if r.rdb == nil {
		return ForceNone
	}
	now := r.clock.Now()

	r.forceMu.Lock()
	checked, ok := r.forceChecked[ch]
	cached := r.forceCache[ch]
	r.forceMu.Unlock()
	if ok && now.Sub(checked) < forceCacheTTL {
		return cached
	}

	mode := ForceNone
	val, err := r.rdb.Get(ctx, forceKeyPrefix+string(ch)+forceKeySuffix).Result()
	switch {
	case err == nil:
		mode = ForceMode(val)
	case errors.Is(err, redis.Nil):
	default:
		r.logger.Warn().Err(err).Str("channel", string(ch)).Msg("force override lookup failed")
	}

	r.forceMu.Lock()
	r.forceCache[ch] = mode
	r.forceChecked[ch] = now
	r.forceMu.Unlock()
	return mode
}

// Allow applies the operator override, then the channel's breaker.
func (r *Registry) Allow(ctx context.Context, ch model.Channel) error {
	switch r.forceMode(ctx, ch) {
	case ForceOpen:
		return &OpenError{Channel: string(ch), Remaining: forceCacheTTL}
	case ForceClose:
		return nil
	}
	return r.Breaker(ch).Allow()
}

// OnSuccess records a successful call for the channel.
func (r *Registry) OnSuccess(ch model.Channel) { r.Breaker(ch).OnSuccess() }

// OnFailure records a failed call for the channel.
func (r *Registry) OnFailure(ch model.Channel, reason string) { r.Breaker(ch).OnFailure(reason) }

// ReleaseProbe frees the channel's half-open probe slot after an
// admitted call was abandoned without an outcome.
func (r *Registry) ReleaseProbe(ch model.Channel) { r.Breaker(ch).ReleaseProbe() }

// TripAuth opens the channel's circuit immediately after a non-retryable
// authentication failure.
func (r *Registry) TripAuth(ch model.Channel) {
	r.Breaker(ch).Trip("authentication failure")
}

// Force sets (or clears, with ForceNone) the operator override.
func (r *Registry) Force(ctx context.Context, ch model.Channel, mode ForceMode) error {
	switch mode {
	case ForceOpen:
		r.Breaker(ch).Trip("operator force-open")
	case ForceClose:
		r.Breaker(ch).Reset("operator force-close")
	}

	r.forceMu.Lock()
	r.forceCache[ch] = mode
	r.forceChecked[ch] = r.clock.Now()
	r.forceMu.Unlock()

	if r.rdb == nil {
		return nil
	}
	key := forceKeyPrefix + string(ch) + forceKeySuffix
	if mode == ForceNone {
		return r.rdb.Del(ctx, key).Err()
	}
	return r.rdb.Set(ctx, key, string(mode), 0).Err()
}

// ChannelStatus is one channel's breaker snapshot for the admin surface.
type ChannelStatus struct {
	Channel        model.Channel `json:"channel"`
	State          State         `json:"state"`
	RecentFailures int           `json:"recentFailures"`
	OpenedAt       time.Time     `json:"openedAt,omitempty"`
	Forced         ForceMode     `json:"forced,omitempty"`
}

// Status reports every channel's breaker.
func (r *Registry) Status(ctx context.Context) []ChannelStatus {
	out := make([]ChannelStatus, 0, len(model.Channels()))
	for _, ch := range model.Channels() {
		state, failures, openedAt := r.Breaker(ch).Snapshot()
		out = append(out, ChannelStatus{
			Channel:        ch,
			State:          state,
			RecentFailures: failures,
			OpenedAt:       openedAt,
			Forced:         r.forceMode(ctx, ch),
		})
	}
	return out
}
