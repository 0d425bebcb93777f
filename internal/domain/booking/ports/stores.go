// SPDX-License-Identifier: MIT

// Package ports defines the interfaces between the booking core and its
// collaborators: the persistent store, the lock manager, and the payment
// provider. Stores come in two drivers (sqlite, postgres) behind the same
// contract.
package ports

import (
	"context"
	"time"

	"github.com/lodgewerk/staysync/internal/domain/booking/model"
)

// StatusChange is a guarded booking status transition. The store applies
// it only when the current status is in FromSet and the version matches;
// otherwise it returns a StateConflictError or ErrVersionConflict.
type StatusChange struct {
	BookingID       string
	FromSet         []model.BookingStatus
	To              model.BookingStatus
	ExpectedVersion int64
	CancelReason    string
}

// BookingStore owns bookings and availability blocks. All writes that
// change channel-visible state take the outbound event to append in the
// same transaction; a nil event means no fan-out (e.g. reserved inserts
// before payment).
type BookingStore interface {
	// InsertBookingWithEvent inserts the booking and appends the event
	// atomically. Overlap with occupied dates returns an
	// InventoryConflictError; a duplicate (source, external_id) returns
	// ErrDuplicateExternalID.
	InsertBookingWithEvent(ctx context.Context, b *model.Booking, ev *model.OutboundEvent) error

	// UpdateBookingStatusWithEvent applies a guarded transition and
	// appends the event atomically. Returns the updated booking.
	UpdateBookingStatusWithEvent(ctx context.Context, ch StatusChange, ev *model.OutboundEvent) (model.Booking, error)

	// UpdateBookingFields persists mutable non-status fields (payment
	// intent id, lock key, guest link, external id) under an optimistic
	// version check.
	UpdateBookingFields(ctx context.Context, b model.Booking) (model.Booking, error)

	GetBooking(ctx context.Context, id string) (model.Booking, error)
	GetBookingByExternalID(ctx context.Context, source model.Source, externalID string) (model.Booking, error)
	ListBookings(ctx context.Context, propertyID string, window model.DateRange) ([]model.Booking, error)

	// ListOccupied returns every interval (active bookings and blocks)
	// intersecting the window, sorted by start date.
	ListOccupied(ctx context.Context, propertyID string, window model.DateRange) ([]model.OccupiedInterval, error)

	// ListExpiredReservations returns reserved bookings created before
	// the cutoff. Used by the checkout timeout sweeper.
	ListExpiredReservations(ctx context.Context, cutoff time.Time) ([]model.Booking, error)

	InsertBlockWithEvent(ctx context.Context, blk *model.AvailabilityBlock, ev *model.OutboundEvent) error
	RemoveBlockWithEvent(ctx context.Context, blockID string, ev *model.OutboundEvent) error
	GetBlock(ctx context.Context, id string) (model.AvailabilityBlock, error)

	// NextReference issues the next booking reference counter value for
	// the year, transactionally.
	NextReference(ctx context.Context, year int) (int64, error)
}

// CatalogStore serves the read-mostly property catalog the pricing engine
// and adapters need.
type CatalogStore interface {
	GetProperty(ctx context.Context, id string) (model.Property, error)
	ListProperties(ctx context.Context) ([]model.Property, error)
	PutProperty(ctx context.Context, p model.Property) error
	ListPricingRules(ctx context.Context, propertyID string) ([]model.PricingRule, error)
	PutPricingRule(ctx context.Context, r model.PricingRule) error
	ListDateOverrides(ctx context.Context, propertyID string, window model.DateRange) ([]model.DateOverride, error)
	PutDateOverride(ctx context.Context, o model.DateOverride) error
}

// GuestStore deduplicates guest profiles by email.
type GuestStore interface {
	UpsertGuestByEmail(ctx context.Context, g model.Guest) (model.Guest, error)
	GetGuest(ctx context.Context, id string) (model.Guest, error)
}

// ConnectionStore owns channel connections.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (model.ChannelConnection, error)
	FindConnection(ctx context.Context, propertyID string, ch model.Channel) (model.ChannelConnection, error)
	ListConnectionsForProperty(ctx context.Context, propertyID string) ([]model.ChannelConnection, error)
	ListConnections(ctx context.Context) ([]model.ChannelConnection, error)
	PutConnection(ctx context.Context, c model.ChannelConnection) error

	// MarkConnectionSynced records a successful sync pass.
	MarkConnectionSynced(ctx context.Context, id string, at time.Time) error

	// MarkConnectionError records a failed sync or refresh.
	MarkConnectionError(ctx context.Context, id string, msg string) error

	// DisableConnection flips the connection off and cancels its pending
	// deliveries in the same transaction.
	DisableConnection(ctx context.Context, id string, reason string) error
}

// OutboxStore owns the delivery side of the event log. Events themselves
// are appended by BookingStore writes; the dispatcher only ever touches
// deliveries.
type OutboxStore interface {
	// InsertDeliveries fans an event out and marks the event fanned in
	// the same transaction. Each delivery starts pending. An empty slice
	// still marks the event (no syncable connections).
	InsertDeliveries(ctx context.Context, eventID string, ds []model.Delivery) error

	// ListUnfannedEvents returns committed events that have not been
	// fanned out yet, oldest first.
	ListUnfannedEvents(ctx context.Context, limit int) ([]model.OutboundEvent, error)

	// ClaimDue atomically flips due pending deliveries to in_flight with
	// the given visibility deadline, skipping any delivery that has an
	// earlier-sequence sibling for the same (entity, channel) still
	// unsettled. Returned deliveries are owned by the caller until
	// settled or the deadline passes.
	ClaimDue(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]model.Delivery, error)

	// SettleDelivery moves a claimed delivery to its outcome state. For
	// retries, nextAttempt carries the backoff target.
	SettleDelivery(ctx context.Context, id string, state model.DeliveryState, nextAttempt time.Time, lastError string) error

	// ReleaseDelivery returns a claimed delivery to pending without
	// charging the attempt. Used when the dispatcher backs off before
	// reaching the platform (open circuit, dry rate bucket).
	ReleaseDelivery(ctx context.Context, id string, nextAttempt time.Time, reason string) error

	// RequeueExpired returns in_flight deliveries whose visibility
	// deadline has passed to pending. Returns how many were recovered.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)

	// CancelDeliveriesForConnection moves pending/in_flight deliveries
	// bound for a connection to dead with the given reason.
	CancelDeliveriesForConnection(ctx context.Context, connectionID string, reason string) (int, error)

	GetDelivery(ctx context.Context, id string) (model.Delivery, error)
	GetEvent(ctx context.Context, id string) (model.OutboundEvent, error)
	ListDeadDeliveries(ctx context.Context, limit int) ([]model.Delivery, error)

	// RetryDelivery resets a dead delivery to pending (operator action).
	RetryDelivery(ctx context.Context, id string) error

	CountDeliveries(ctx context.Context, state model.DeliveryState) (int, error)
}

// IdempotencyStore replays prior outcomes for repeated keys.
type IdempotencyStore interface {
	// PutIdempotency stores the record. An existing live key returns
	// ErrIdempotencyExists together with the stored record's result.
	PutIdempotency(ctx context.Context, rec model.IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key string) (model.IdempotencyRecord, error)
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int, error)
}

// SyncRunStore records reconciliation runs and their findings.
type SyncRunStore interface {
	PutSyncRun(ctx context.Context, run model.SyncRun) error
	GetSyncRun(ctx context.Context, id string) (model.SyncRun, error)
	ListSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
	PutDiscrepancy(ctx context.Context, d model.Discrepancy) error
	ListDiscrepancies(ctx context.Context, runID string) ([]model.Discrepancy, error)

	// CountCorrectionsToday returns automatic corrections applied for
	// the property since the start of the civil day.
	CountCorrectionsToday(ctx context.Context, propertyID string, now time.Time) (int, error)
}

// Store is the full persistence contract. Both drivers implement it.
type Store interface {
	BookingStore
	CatalogStore
	GuestStore
	ConnectionStore
	OutboxStore
	IdempotencyStore
	SyncRunStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
