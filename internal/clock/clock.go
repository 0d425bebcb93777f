// SPDX-License-Identifier: MIT

// Package clock abstracts time for components that schedule, expire, or
// back off. Production code uses System; tests inject a Fake.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the time operations the core depends on.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// System returns the wall-clock implementation.
func System() Clock { return systemClock{} }

// Fake is a manually advanced clock for tests. Sleep returns as soon as
// the fake time passes the wake-up instant.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	sleeper chan struct{}
}

// NewFake returns a Fake pinned at t0.
func NewFake(t0 time.Time) *Fake {
	return &Fake{now: t0, sleeper: make(chan struct{})}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake time forward and wakes pending sleepers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	ch := f.sleeper
	f.sleeper = make(chan struct{})
	f.mu.Unlock()
	close(ch)
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	deadline := f.Now().Add(d)
	for {
		f.mu.Lock()
		if !f.now.Before(deadline) {
			f.mu.Unlock()
			return nil
		}
		ch := f.sleeper
		f.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
