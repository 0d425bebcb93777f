// SPDX-License-Identifier: MIT

package model

import "encoding/json"

// BookingSnapshot is the minimal booking view adapters need to mirror a
// booking onto a channel. It is the payload of booking.* events, frozen at
// append time so later edits cannot leak into an earlier delivery.
type BookingSnapshot struct {
	BookingID  string        `json:"bookingId"`
	Reference  string        `json:"reference"`
	PropertyID string        `json:"propertyId"`
	Source     Source        `json:"source"`
	ExternalID string        `json:"externalId,omitempty"`
	Status     BookingStatus `json:"status"`
	CheckIn    Date          `json:"checkIn"`
	CheckOut   Date          `json:"checkOut"`
	Guests     int           `json:"guests"`
	TotalMinor int64         `json:"totalMinor"`
	Currency   Currency      `json:"currency"`
	GuestName  string        `json:"guestName,omitempty"`
	GuestEmail string        `json:"guestEmail,omitempty"`
}

// SnapshotBooking freezes a booking (and optional guest) into its event
// payload form.
func SnapshotBooking(b Booking, g *Guest) BookingSnapshot {
	s := BookingSnapshot{
		BookingID:  b.ID,
		Reference:  b.Reference,
		PropertyID: b.PropertyID,
		Source:     b.Source,
		ExternalID: b.ExternalID,
		Status:     b.Status,
		CheckIn:    b.CheckIn,
		CheckOut:   b.CheckOut,
		Guests:     b.Guests,
		TotalMinor: b.TotalMinor,
		Currency:   b.Currency,
	}
	if g != nil {
		s.GuestName = g.FullName()
		s.GuestEmail = g.Email
	}
	return s
}

// BlockSnapshot is one occupied interval in an availability payload.
type BlockSnapshot struct {
	Range DateRange `json:"range"`
	Kind  string    `json:"kind"`
}

// AvailabilityPayload is the payload of availability.updated events: the
// full occupied set for the property at append time.
type AvailabilityPayload struct {
	PropertyID string          `json:"propertyId"`
	Occupied   []BlockSnapshot `json:"occupied"`
}

// DatePrice is one night's final price.
type DatePrice struct {
	Date       Date  `json:"date"`
	PriceMinor int64 `json:"priceMinor"`
}

// PricingPayload is the payload of pricing.updated events.
type PricingPayload struct {
	PropertyID string      `json:"propertyId"`
	Currency   Currency    `json:"currency"`
	Prices     []DatePrice `json:"prices"`
}

// EncodePayload marshals an event payload. Kept as a helper so every append
// site produces the same encoding.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeBookingSnapshot unmarshals a booking.* event payload.
func DecodeBookingSnapshot(payload []byte) (BookingSnapshot, error) {
	var s BookingSnapshot
	err := json.Unmarshal(payload, &s)
	return s, err
}

// DecodeAvailabilityPayload unmarshals an availability.updated payload.
func DecodeAvailabilityPayload(payload []byte) (AvailabilityPayload, error) {
	var p AvailabilityPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}

// DecodePricingPayload unmarshals a pricing.updated payload.
func DecodePricingPayload(payload []byte) (PricingPayload, error) {
	var p PricingPayload
	err := json.Unmarshal(payload, &p)
	return p, err
}
