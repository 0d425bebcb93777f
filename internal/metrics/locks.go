// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_lock_acquisitions_total",
		Help: "Total number of property lock acquisition attempts by outcome",
	}, []string{"outcome"})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "staysync_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a property lock",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
	})

	lockRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_lock_renewals_total",
		Help: "Total number of lock renewal attempts by outcome",
	}, []string{"outcome"})

	locksLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "staysync_locks_lost_total",
		Help: "Total number of locks found expired or stolen at release or renewal time",
	})
)

// RecordLockAcquisition counts one acquisition attempt ("acquired", "busy", "error").
func RecordLockAcquisition(outcome string) {
	lockAcquisitions.WithLabelValues(outcome).Inc()
}

// ObserveLockWait records how long a caller waited for a lock.
func ObserveLockWait(seconds float64) {
	lockWaitSeconds.Observe(seconds)
}

// RecordLockRenewal counts one renewal attempt ("renewed", "lost", "error").
func RecordLockRenewal(outcome string) {
	lockRenewals.WithLabelValues(outcome).Inc()
}

// RecordLockLost counts a lock that expired or changed owner mid-hold.
func RecordLockLost() {
	locksLost.Inc()
}
