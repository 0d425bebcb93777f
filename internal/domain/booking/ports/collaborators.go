// SPDX-License-Identifier: MIT

package ports

import (
	"context"
	"errors"
	"time"
)

// Lock errors. The concrete manager lives in internal/lock; the core only
// sees this contract so tests can inject an in-memory fake.
var (
	// ErrLockBusy means another owner holds the lock and the wait budget
	// ran out. Surfaces to callers as CONCURRENT_BOOKING.
	ErrLockBusy = errors.New("lock busy")
	// ErrLockLost means a renew or fenced write found the caller no
	// longer owns the lock.
	ErrLockLost = errors.New("lock lost")
)

// Lease is an acquired lock. Token fences writes performed under it;
// Fence increases monotonically across acquisitions of any key.
type Lease struct {
	Key      string
	Token    string
	Fence    int64
	Deadline time.Time
}

// Locker is the distributed lock contract.
type Locker interface {
	// Acquire takes the named lock, waiting up to waitFor on contention.
	// Returns ErrLockBusy when the budget runs out and a
	// LOCK_STORE_UNAVAILABLE error when the backing store is down.
	Acquire(ctx context.Context, key string, ttl, waitFor time.Duration) (*Lease, error)

	// Renew extends the lease TTL if the caller still owns it.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release gives the lock up. Releasing a lock owned by someone else
	// is a no-op.
	Release(ctx context.Context, lease *Lease) error

	// WithLock runs fn under the lock and releases it on every exit
	// path, including panic and context cancellation.
	WithLock(ctx context.Context, key string, ttl, waitFor time.Duration, fn func(ctx context.Context, lease *Lease) error) error
}

// BookingLockKey canonicalizes the lock name serializing a property's
// calendar. Dates are deliberately not part of the key: partial-interval
// races are avoided by serializing the whole calendar during checkout.
func BookingLockKey(propertyID string) string {
	return "booking:property:" + propertyID
}

// IntentStatus is the payment provider's view of an intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
	IntentCancelled IntentStatus = "cancelled"
)

// PaymentIntent is the provider-side record the core tracks by id.
type PaymentIntent struct {
	ID          string
	AmountMinor int64
	Currency    string
	Status      IntentStatus
}

// PaymentProvider is the external payment processor contract. The core
// never sees card data; it only creates intents and reacts to their
// status.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency, bookingID string) (PaymentIntent, error)
	GetIntent(ctx context.Context, id string) (PaymentIntent, error)
	CancelIntent(ctx context.Context, id string) error
	Refund(ctx context.Context, intentID string, amountMinor int64) error
}
