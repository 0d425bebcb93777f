// SPDX-License-Identifier: MIT

package model

import "fmt"

// BookingStatus is the booking lifecycle state. Transitions are enforced by
// the booking manager's state machine; stores only ever persist values that
// came through it.
type BookingStatus string

const (
	StatusInquiry    BookingStatus = "inquiry"
	StatusReserved   BookingStatus = "reserved"
	StatusConfirmed  BookingStatus = "confirmed"
	StatusCheckedIn  BookingStatus = "checked_in"
	StatusCheckedOut BookingStatus = "checked_out"
	StatusCancelled  BookingStatus = "cancelled"
)

// IsTerminal returns true if the status is final.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case StatusCancelled, StatusCheckedOut:
		return true
	}
	return false
}

// OccupiesDates reports whether a booking in this status takes part in the
// availability exclusion for its property.
func (s BookingStatus) OccupiesDates() bool {
	switch s {
	case StatusReserved, StatusConfirmed, StatusCheckedIn, StatusCheckedOut:
		return true
	default:
		return false
	}
}

// Restrictiveness orders statuses for conflict resolution: lower is more
// restrictive. cancelled frees dates and wins every most-restrictive merge.
func (s BookingStatus) Restrictiveness() int {
	switch s {
	case StatusCancelled:
		return 0
	case StatusCheckedOut:
		return 1
	case StatusCheckedIn:
		return 2
	case StatusConfirmed:
		return 3
	case StatusReserved:
		return 4
	case StatusInquiry:
		return 5
	default:
		return 6
	}
}

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusInquiry, StatusReserved, StatusConfirmed, StatusCheckedIn, StatusCheckedOut, StatusCancelled:
		return true
	}
	return false
}

// Channel identifies one of the supported booking platforms. The set is
// closed; adding a platform means adding an adapter.
type Channel string

const (
	ChannelAirbnb     Channel = "airbnb"
	ChannelBookingCom Channel = "booking_com"
	ChannelExpedia    Channel = "expedia"
	ChannelFewoDirekt Channel = "fewo_direkt"
	ChannelGoogleVR   Channel = "google_vr"
)

// Channels returns all supported channels in stable order.
func Channels() []Channel {
	return []Channel{ChannelAirbnb, ChannelBookingCom, ChannelExpedia, ChannelFewoDirekt, ChannelGoogleVR}
}

// ParseChannel validates a channel tag from an external caller.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	for _, known := range Channels() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Source tags where a booking or event originated: the direct website or
// one of the channels.
type Source string

// SourceDirect marks bookings taken on the owner's own site.
const SourceDirect Source = "direct"

// SourceOf returns the source tag for a channel.
func SourceOf(c Channel) Source { return Source(c) }

// Channel returns the channel behind a source, if it is one.
func (s Source) Channel() (Channel, bool) {
	if s == SourceDirect || s == "" {
		return "", false
	}
	c, err := ParseChannel(string(s))
	if err != nil {
		return "", false
	}
	return c, true
}

// Valid reports whether s is direct or a known channel.
func (s Source) Valid() bool {
	if s == SourceDirect {
		return true
	}
	_, ok := s.Channel()
	return ok
}

// BlockKind classifies availability blocks.
type BlockKind string

const (
	BlockManual      BlockKind = "blocked"
	BlockMaintenance BlockKind = "maintenance"
	BlockChannelHold BlockKind = "channel_hold"
)

// Valid reports whether k is a known block kind.
func (k BlockKind) Valid() bool {
	switch k {
	case BlockManual, BlockMaintenance, BlockChannelHold:
		return true
	}
	return false
}

// EventKind classifies outbox events.
type EventKind string

const (
	EventBookingCreated      EventKind = "booking.created"
	EventBookingUpdated      EventKind = "booking.updated"
	EventBookingCancelled    EventKind = "booking.cancelled"
	EventAvailabilityUpdated EventKind = "availability.updated"
	EventPricingUpdated      EventKind = "pricing.updated"
)

// DeliveryState is the per-channel outbox delivery lifecycle.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryInFlight  DeliveryState = "in_flight"
	DeliverySucceeded DeliveryState = "succeeded"
	DeliveryDead      DeliveryState = "dead"
)

// DiscrepancyKind classifies reconciliation findings.
type DiscrepancyKind string

const (
	DriftMissingLocally    DiscrepancyKind = "missing_locally"
	DriftMissingRemotely   DiscrepancyKind = "missing_remotely"
	DriftStatusMismatch    DiscrepancyKind = "status_mismatch"
	DriftAvailabilityDrift DiscrepancyKind = "availability_drift"
)
