// SPDX-License-Identifier: MIT

package ports

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// Code is the stable, client-visible error class. Keep these stable:
// metrics, API responses, and operator alerts depend on them.
type Code string

const (
	CodeConcurrentBooking  Code = "CONCURRENT_BOOKING"
	CodeDatesUnavailable   Code = "DATES_UNAVAILABLE"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidState       Code = "INVALID_STATE"
	CodePaymentNotVerified Code = "PAYMENT_NOT_VERIFIED"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeAdapterTransient   Code = "ADAPTER_TRANSIENT"
	CodeAdapterPermanent   Code = "ADAPTER_PERMANENT"
	CodeAuthFailed         Code = "AUTH_FAILED"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeLockUnavailable    Code = "LOCK_STORE_UNAVAILABLE"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeInternal           Code = "INTERNAL"
)

// Error is the domain error envelope. Every error that crosses a component
// boundary carries a Code and the correlation id of the operation.
type Error struct {
	Code          Code
	Op            string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err into the envelope. A nil err yields an envelope-only error so
// callers can always return E(...) directly.
func E(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Ef is E with a formatted cause.
func Ef(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithCorrelation stamps the correlation id, preserving an existing one.
func (e *Error) WithCorrelation(id string) *Error {
	if e.CorrelationID == "" {
		e.CorrelationID = id
	}
	return e
}

// CodeOf extracts the Code from any error in the chain, defaulting to
// INTERNAL.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error class to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeConcurrentBooking:
		return http.StatusConflict
	case CodeDatesUnavailable:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodePaymentNotVerified:
		return http.StatusPaymentRequired
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeCircuitOpen, CodeStoreUnavailable, CodeLockUnavailable, CodeAdapterTransient:
		return http.StatusServiceUnavailable
	case CodeAdapterPermanent, CodeInvalidInput:
		return http.StatusUnprocessableEntity
	case CodeAuthFailed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel store errors. Stores return these (or the typed variants below);
// the manager translates them into the envelope codes.
var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateExternalID = errors.New("duplicate external id for source")
	ErrVersionConflict     = errors.New("version conflict")
	ErrIdempotencyExists   = errors.New("idempotency key already recorded")
)

// InventoryConflictError is returned when an insert would overlap occupied
// dates. It carries the offending intervals for the caller's error payload.
type InventoryConflictError struct {
	PropertyID string
	Conflicts  []model.OccupiedInterval
}

func (e *InventoryConflictError) Error() string {
	return fmt.Sprintf("inventory conflict on property %s (%d overlapping intervals)", e.PropertyID, len(e.Conflicts))
}

// StateConflictError is returned when a guarded status transition finds the
// booking outside its from-set. Current lets idempotent callers detect that
// the desired state was already reached.
type StateConflictError struct {
	BookingID string
	Current   model.BookingStatus
	Version   int64
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("booking %s is %s", e.BookingID, e.Current)
}
