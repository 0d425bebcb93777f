// SPDX-License-Identifier: MIT

// Package channel defines the adapter contract every booking platform
// integration implements, plus the shared HTTP base client the concrete
// adapters build on. One subpackage per platform.
package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// Conn is a channel connection with its credentials already decrypted.
// Adapters never see ciphertext.
type Conn struct {
	model.ChannelConnection
	Creds model.Credentials
}

// ExternalBooking is a platform reservation normalized to our shapes.
// Platform ids surface only as ExternalID.
type ExternalBooking struct {
	ExternalID  string
	Status      model.BookingStatus
	CheckIn     model.Date
	CheckOut    model.Date
	Guests      int
	GuestName   string
	GuestEmail  string
	GuestPhone  string
	TotalMinor  int64
	Currency    model.Currency
	BookedAt    time.Time
	UpdatedAt   time.Time
	GuestNote   string
}

// Stay returns the booking's date range.
func (b ExternalBooking) Stay() model.DateRange {
	return model.DateRange{From: b.CheckIn, To: b.CheckOut}
}

// InboundKind classifies webhook events after normalization.
type InboundKind string

const (
	InboundBookingCreated   InboundKind = "booking.created"
	InboundBookingUpdated   InboundKind = "booking.updated"
	InboundBookingCancelled InboundKind = "booking.cancelled"
)

// InboundEvent is a parsed, signature-verified webhook notification.
// ExternalMessageID is deterministic per platform message and drives
// ingress dedupe.
type InboundEvent struct {
	Channel            model.Channel
	Kind               InboundKind
	ExternalMessageID  string
	ExternalPropertyID string
	Booking            ExternalBooking
	OccurredAt         time.Time
}

// Adapter is the per-platform integration surface. Implementations
// translate between our model and the platform wire format and return
// the typed errors from this package so callers can classify outcomes
// without knowing the platform.
type Adapter interface {
	Channel() model.Channel

	// UpsertBooking mirrors a direct booking onto the platform and
	// returns the platform's id for it.
	UpsertBooking(ctx context.Context, conn Conn, snap model.BookingSnapshot) (externalID string, err error)
	CancelBooking(ctx context.Context, conn Conn, externalID string) error

	PushAvailability(ctx context.Context, conn Conn, propertyExtID string, occupied []model.BlockSnapshot) error
	PushPricing(ctx context.Context, conn Conn, propertyExtID string, prices []model.DatePrice) error

	ListBookings(ctx context.Context, conn Conn, window model.DateRange) ([]ExternalBooking, error)
	ListAvailability(ctx context.Context, conn Conn, window model.DateRange) ([]model.DateRange, error)

	// ParseWebhook verifies the request signature against the
	// connection's signing secret and normalizes the payload.
	ParseWebhook(conn Conn, header http.Header, body []byte) (*InboundEvent, error)

	RefreshCredentials(ctx context.Context, conn Conn) (model.Credentials, error)
}
