// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldBookingID     = "booking_id"
	FieldPropertyID    = "property_id"
	FieldDeliveryID    = "delivery_id"
	FieldEventID       = "event_id"
	FieldRunID         = "run_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldJobID         = "job_id"
	FieldExternalID    = "external_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldChannel   = "channel"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Interval fields
	FieldCheckIn  = "check_in"
	FieldCheckOut = "check_out"
)
