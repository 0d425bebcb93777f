// SPDX-License-Identifier: MIT

// Package jobs schedules the daemon's background maintenance work:
// checkout sweeping, outbox requeue, credential refresh, the polling
// import fallback, feed publishing, reconciliation and storage hygiene.
// Every job is a plain func(ctx) error registered on a Runner; the
// Runner owns the goroutines and shuts them down as a group.
package jobs

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lodgewerk/staysync/internal/clock"
	"github.com/lodgewerk/staysync/internal/log"
	"github.com/lodgewerk/staysync/internal/metrics"
)

// Func is one unit of background work. It must respect ctx and return
// promptly on cancellation.
type Func func(ctx context.Context) error

type entry struct {
	name string
	next func(now time.Time) time.Time
	fn   Func
}

// Runner executes registered jobs on their schedules until stopped.
type Runner struct {
	clk    clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries []entry
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock injects the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clk = c }
}

// NewRunner returns an empty runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		clk:    clock.System(),
		logger: log.WithComponent("jobs"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Every registers fn to run once per interval. The first run happens one
// interval after Start, not immediately; callers that need an initial
// pass run it themselves during bootstrap.
func (r *Runner) Every(name string, interval time.Duration, fn Func) {
	r.add(entry{
		name: name,
		next: func(now time.Time) time.Time { return now.Add(interval) },
		fn:   fn,
	})
}

// DailyAt registers fn to run once a day at the given UTC hour, shifted
// by a random delay of up to jitter so multiple instances do not fire in
// lockstep.
func (r *Runner) DailyAt(name string, hour int, jitter time.Duration, fn Func) {
	r.add(entry{
		name: name,
		next: func(now time.Time) time.Time {
			now = now.UTC()
			at := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
			if !at.After(now) {
				at = at.AddDate(0, 0, 1)
			}
			if jitter > 0 {
				at = at.Add(time.Duration(rand.Int63n(int64(jitter)))) // #nosec G404 -- schedule spread, not crypto
			}
			return at
		},
		fn: fn,
	})
}

func (r *Runner) add(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("jobs: register before Start")
	}
	r.entries = append(r.entries, e)
}

// Start launches one goroutine per registered job.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, e := range r.entries {
		r.wg.Add(1)
		go r.loop(ctx, e)
	}
	r.logger.Info().Int("jobs", len(r.entries)).Msg("job runner started")
}

// Stop cancels all jobs and waits for them to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, e entry) {
	defer r.wg.Done()
	for {
		now := r.clk.Now()
		if err := r.clk.Sleep(ctx, e.next(now).Sub(now)); err != nil {
			return
		}
		r.runOnce(ctx, e)
	}
}

func (r *Runner) runOnce(ctx context.Context, e entry) {
	start := r.clk.Now()
	err := e.fn(ctx)
	elapsed := r.clk.Now().Sub(start)
	metrics.ObserveJobDuration(e.name, elapsed.Seconds())

	if err != nil {
		// One failed pass is not fatal; the next tick retries.
		metrics.RecordJobRun(e.name, "error")
		r.logger.Error().Err(err).Str("job", e.name).Dur("elapsed", elapsed).Msg("job failed")
		return
	}
	metrics.RecordJobRun(e.name, "ok")
	r.logger.Debug().Str("job", e.name).Dur("elapsed", elapsed).Msg("job completed")
}
