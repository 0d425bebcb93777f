// SPDX-License-Identifier: MIT

// Package resilience implements the per-channel circuit breaker guarding
// outbound platform calls.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned while the circuit rejects calls. Remaining tells
// callers how long to requeue for.
type OpenError struct {
	Channel   string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (%s remaining)", e.Channel, e.Remaining)
}

// ErrCircuitOpen matches any OpenError via errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker is open")

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// TransitionEvent describes one state change, for the observability hook.
type TransitionEvent struct {
	Channel string
	From    State
	To      State
	Reason  string
	At      time.Time
}

// Config holds one breaker's thresholds.
type Config struct {
	FailureThreshold int           // failures within Window that open the circuit
	Window           time.Duration // rolling failure window
	Cooldown         time.Duration // open -> half_open delay
	MaxCooldown      time.Duration // cap for the doubled cooldown after failed probes
}

// DefaultConfig returns the standard operating point.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		MaxCooldown:      15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	return c
}

// Breaker is the per-channel state machine: closed, open, half_open.
type Breaker struct {
	mu       sync.Mutex
	channel  string
	cfg      Config
	state    State
	failures []time.Time // failure instants inside the rolling window
	openedAt time.Time
	cooldown time.Duration // current cooldown, doubled on failed probes
	probing  bool          // a half-open probe is in flight
	clock    clock.Clock
	onChange func(TransitionEvent)
	logger   zerolog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects a clock (tests).
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithTransitionHook registers a callback invoked on every state change.
// Called outside the breaker lock.
func WithTransitionHook(fn func(TransitionEvent)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a closed breaker for the channel.
func NewBreaker(channel string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		channel: channel,
		cfg:     cfg.withDefaults(),
		state:   StateClosed,
		clock:   clock.System(),
		logger:  log.WithComponent("circuit").With().Str("channel", channel).Logger(),
	}
	b.cooldown = b.cfg.Cooldown
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetCircuitState(channel, string(StateClosed))
	return b
}

// Allow reports whether a call may proceed. While open it returns an
// OpenError carrying the remaining cooldown; while half_open only a
// single probe is admitted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var ev *TransitionEvent

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		now := b.clock.Now()
		remaining := b.openedAt.Add(b.cooldown).Sub(now)
		if remaining > 0 {
			b.mu.Unlock()
			metrics.RecordCircuitReject(b.channel)
			return &OpenError{Channel: b.channel, Remaining: remaining}
		}
		ev = b.transition(StateHalfOpen, "cooldown elapsed")
		b.probing = true
		b.mu.Unlock()
		b.emit(ev)
		return nil
	default: // StateHalfOpen
		if b.probing {
			b.mu.Unlock()
			metrics.RecordCircuitReject(b.channel)
			return &OpenError{Channel: b.channel, Remaining: b.cooldown}
		}
		b.probing = true
		b.mu.Unlock()
		return nil
	}
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	var ev *TransitionEvent
	b.failures = b.failures[:0]
	switch b.state {
	case StateHalfOpen:
		metrics.RecordCircuitProbe(b.channel, "success")
		b.probing = false
		b.cooldown = b.cfg.Cooldown
		ev = b.transition(StateClosed, "probe succeeded")
	case StateOpen:
		// A success while open can only come from a call admitted before
		// the trip; it does not close the circuit early.
	}
	b.mu.Unlock()
	b.emit(ev)
}

// ReleaseProbe returns the half-open probe slot when a call admitted by
// Allow was abandoned before reaching the platform, so the next caller
// can probe instead. A no-op once OnSuccess or OnFailure has settled the
// probe, or when no probe is in flight.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probing {
		b.probing = false
	}
	b.mu.Unlock()
}

// OnFailure records a failed call with its classified reason.
func (b *Breaker) OnFailure(reason string) {
	b.mu.Lock()
	var ev *TransitionEvent
	now := b.clock.Now()

	switch b.state {
	case StateHalfOpen:
		metrics.RecordCircuitProbe(b.channel, "failure")
		b.probing = false
		b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
		b.openedAt = now
		ev = b.transition(StateOpen, "probe failed: "+reason)
		metrics.RecordCircuitTrip(b.channel, "half_open_failure")
	case StateClosed:
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.cooldown = b.cfg.Cooldown
			ev = b.transition(StateOpen, "failure threshold reached: "+reason)
			metrics.RecordCircuitTrip(b.channel, "threshold_exceeded")
		}
	}
	b.mu.Unlock()
	b.emit(ev)
}

// Trip forces the circuit open immediately, bypassing the failure window.
// Used for non-retryable auth failures and operator force-open.
func (b *Breaker) Trip(reason string) {
	b.mu.Lock()
	var ev *TransitionEvent
	if b.state != StateOpen {
		b.openedAt = b.clock.Now()
		b.cooldown = b.cfg.Cooldown
		b.probing = false
		ev = b.transition(StateOpen, reason)
		metrics.RecordCircuitTrip(b.channel, "forced")
	}
	b.mu.Unlock()
	b.emit(ev)
}

// Reset forces the circuit closed (operator action).
func (b *Breaker) Reset(reason string) {
	b.mu.Lock()
	var ev *TransitionEvent
	if b.state != StateClosed {
		b.failures = b.failures[:0]
		b.probing = false
		b.cooldown = b.cfg.Cooldown
		ev = b.transition(StateClosed, reason)
	}
	b.mu.Unlock()
	b.emit(ev)
}

// Execute runs fn under the breaker, recording the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.OnFailure(err.Error())
		return err
	}
	b.OnSuccess()
	return nil
}

// State returns the current state, settling an elapsed cooldown first so
// status endpoints do not report a stale open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns state, recent failure count and opened-at for the
// admin surface.
func (b *Breaker) Snapshot() (State, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.clock.Now())
	return b.state, len(b.failures), b.openedAt
}

// pruneLocked drops failures older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

// transition changes state and returns the event to emit. Caller holds
// the lock and emits after unlocking.
func (b *Breaker) transition(to State, reason string) *TransitionEvent {
	if b.state == to {
		return nil
	}
	ev := &TransitionEvent{Channel: b.channel, From: b.state, To: to, Reason: reason, At: b.clock.Now()}
	b.state = to
	metrics.SetCircuitState(b.channel, string(to))
	return ev
}

func (b *Breaker) emit(ev *TransitionEvent) {
	if ev == nil {
		return
	}
	b.logger.Info().
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Str("reason", ev.Reason).
		Msg("circuit transition")
	if b.onChange != nil {
		b.onChange(*ev)
	}
}
