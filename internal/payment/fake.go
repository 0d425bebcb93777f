// SPDX-License-Identifier: MIT

package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/lodgewerk/staysync/internal/domain/booking/ports"
)

// Fake is an in-memory provider for tests and local runs. Intents start
// pending; tests drive their status with Succeed and Fail.
type Fake struct {
	mu      sync.Mutex
	seq     int
	intents map[string]ports.PaymentIntent
	refunds map[string]int64

	// CreateErr, when set, is returned by CreateIntent to simulate a
	// processor outage.
	CreateErr error
}

// NewFake builds an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		intents: make(map[string]ports.PaymentIntent),
		refunds: make(map[string]int64),
	}
}

// CreateIntent implements ports.PaymentProvider.
func (f *Fake) CreateIntent(_ context.Context, amountMinor int64, currency, _ string) (ports.PaymentIntent, error) {
	if f.CreateErr != nil {
		return ports.PaymentIntent{}, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	in := ports.PaymentIntent{
		ID:          fmt.Sprintf("pi_%04d", f.seq),
		AmountMinor: amountMinor,
		Currency:    currency,
		Status:      ports.IntentPending,
	}
	f.intents[in.ID] = in
	return in, nil
}

// GetIntent implements ports.PaymentProvider.
func (f *Fake) GetIntent(_ context.Context, id string) (ports.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return ports.PaymentIntent{}, ports.E(ports.CodeNotFound, "payment", fmt.Errorf("intent %s", id))
	}
	return in, nil
}

// CancelIntent implements ports.PaymentProvider.
func (f *Fake) CancelIntent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return ports.E(ports.CodeNotFound, "payment", fmt.Errorf("intent %s", id))
	}
	in.Status = ports.IntentCancelled
	f.intents[id] = in
	return nil
}

// Refund implements ports.PaymentProvider.
func (f *Fake) Refund(_ context.Context, intentID string, amountMinor int64) error {
	if amountMinor <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.intents[intentID]; !ok {
		return ports.E(ports.CodeNotFound, "payment", fmt.Errorf("intent %s", intentID))
	}
	f.refunds[intentID] += amountMinor
	return nil
}

// Succeed marks an intent paid.
func (f *Fake) Succeed(id string) {
	f.setStatus(id, ports.IntentSucceeded)
}

// Fail marks an intent failed.
func (f *Fake) Fail(id string) {
	f.setStatus(id, ports.IntentFailed)
}

func (f *Fake) setStatus(id string, s ports.IntentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.intents[id]; ok {
		in.Status = s
		f.intents[id] = in
	}
}

// Refunded returns the total refunded for an intent.
func (f *Fake) Refunded(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refunds[id]
}
