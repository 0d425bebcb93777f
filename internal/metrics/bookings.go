// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_bookings_created_total",
		Help: "Total number of bookings created by source",
	}, []string{"source"})

	bookingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_booking_transitions_total",
		Help: "Total number of booking state transitions",
	}, []string{"from", "to"})

	checkoutsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staysync_checkouts_expired_total",
		Help: "Total number of reserved bookings cancelled by the checkout sweeper",
	})

	availabilityRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_availability_rejections_total",
		Help: "Total number of booking attempts rejected for unavailable dates",
	}, []string{"source"})
)

// RecordBookingCreated counts one booking created from the given source.
func RecordBookingCreated(source string) {
	bookingsCreated.WithLabelValues(source).Inc()
}

// RecordBookingTransition counts one state transition.
func RecordBookingTransition(from, to string) {
	bookingTransitions.WithLabelValues(from, to).Inc()
}

// RecordCheckoutExpired counts one reservation released by the sweeper.
func RecordCheckoutExpired() {
	checkoutsExpired.Inc()
}

// RecordAvailabilityRejection counts a request refused for overlapping dates.
func RecordAvailabilityRejection(source string) {
	availabilityRejects.WithLabelValues(source).Inc()
}
