// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every span in the sync path. Keeping them
// here means dashboards can rely on stable names.
const (
	BookingIDKey     = "booking.id"
	BookingStatusKey = "booking.status"
	PropertyIDKey    = "property.id"

	ChannelKey      = "sync.channel"
	ConnectionIDKey = "sync.connection_id"
	EventIDKey      = "sync.event_id"
	AttemptKey      = "sync.attempt"

	WebhookMessageIDKey = "webhook.message_id"

	ErrorTypeKey = "error.type"
)

// BookingAttributes tags a span with the booking it operates on.
func BookingAttributes(bookingID, propertyID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(BookingIDKey, bookingID),
		attribute.String(PropertyIDKey, propertyID),
		attribute.String(BookingStatusKey, status),
	}
}

// DeliveryAttributes tags a span with one outbound delivery attempt.
func DeliveryAttributes(channel, eventID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ChannelKey, channel),
		attribute.String(EventIDKey, eventID),
		attribute.Int(AttemptKey, attempt),
	}
}

// WebhookAttributes tags a span with one inbound webhook message.
func WebhookAttributes(channel, messageID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(ChannelKey, channel)}
	if messageID != "" {
		attrs = append(attrs, attribute.String(WebhookMessageIDKey, messageID))
	}
	return attrs
}

// ErrorAttributes records the classified error code on a span.
func ErrorAttributes(code string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(ErrorTypeKey, code)}
}
