// SPDX-License-Identifier: MIT

package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// Sentinel error classes for errors.Is checks at the dispatch boundary.
// Each outcome of a platform call maps to exactly one class.
var (
	ErrRateLimited  = errors.New("channel: rate limited")
	ErrAuthFailed   = errors.New("channel: authentication failed")
	ErrPermanent    = errors.New("channel: permanent validation failure")
	ErrTransient    = errors.New("channel: transient failure")
	ErrUnavailable  = errors.New("channel: platform unavailable")
	ErrBadResponse  = errors.New("channel: malformed platform response")
	ErrBadSignature = errors.New("channel: webhook signature mismatch")
)

// CallError wraps a sentinel class with call context.
type CallError struct {
	Class      error
	Channel    model.Channel
	Operation  string
	Status     int
	Body       string
	RetryAfter time.Duration // only for ErrRateLimited
	Err        error
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Channel, e.Operation, e.Class)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Class }

// RetryAfterOf extracts the platform's requested backoff from a rate
// limit error, zero when none was given.
func RetryAfterOf(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) && errors.Is(ce.Class, ErrRateLimited) {
		return ce.RetryAfter
	}
	return 0
}
