// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_dispatch_attempts_total",
		Help: "Total number of outbound delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staysync_dispatch_duration_seconds",
		Help:    "Duration of outbound adapter calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
	}, []string{"channel"})

	dispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_dispatch_retries_total",
		Help: "Total number of deliveries rescheduled for retry",
	}, []string{"channel"})

	dispatchDead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_dispatch_dead_total",
		Help: "Total number of deliveries moved to the dead queue",
	}, []string{"channel", "reason"})

	dispatchWorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staysync_dispatch_workers_busy",
		Help: "Number of dispatcher workers currently executing a delivery",
	})
)

// RecordDispatchAttempt counts one adapter call by outcome
// ("success", "rate_limited", "transient", "permanent", "auth_failed", "circuit_open").
func RecordDispatchAttempt(channel, outcome string) {
	dispatchAttempts.WithLabelValues(channel, outcome).Inc()
}

// ObserveDispatchDuration records the wall time of one adapter call.
func ObserveDispatchDuration(channel string, seconds float64) {
	dispatchDuration.WithLabelValues(channel).Observe(seconds)
}

// RecordDispatchRetry counts a delivery scheduled for another attempt.
func RecordDispatchRetry(channel string) {
	dispatchRetries.WithLabelValues(channel).Inc()
}

// RecordDispatchDead counts a delivery abandoned to the dead queue
// ("max_attempts", "permanent", "auth_failed").
func RecordDispatchDead(channel, reason string) {
	dispatchDead.WithLabelValues(channel, reason).Inc()
}

// AddDispatchWorkersBusy adjusts the busy worker gauge by delta.
func AddDispatchWorkersBusy(delta int) {
	dispatchWorkersBusy.Add(float64(delta))
}
