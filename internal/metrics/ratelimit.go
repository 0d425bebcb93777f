// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staysync_ratelimit_wait_seconds",
		Help:    "Time outbound calls spent waiting for a rate limiter token",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"channel"})

	rateLimitFreezes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_ratelimit_freezes_total",
		Help: "Total number of limiter freezes triggered by upstream 429 responses",
	}, []string{"channel"})

	rateLimitFrozenUntil = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staysync_ratelimit_frozen_until_seconds",
		Help: "Unix time until which the channel limiter is frozen (0 when not frozen)",
	}, []string{"channel"})
)

// ObserveRateLimitWait records the token wait time for one outbound call.
func ObserveRateLimitWait(channel string, seconds float64) {
	rateLimitWaits.WithLabelValues(channel).Observe(seconds)
}

// RecordRateLimitFreeze counts an upstream-imposed freeze (429 with Retry-After).
func RecordRateLimitFreeze(channel string) {
	rateLimitFreezes.WithLabelValues(channel).Inc()
}

// SetRateLimitFrozenUntil publishes the freeze horizon for a channel.
func SetRateLimitFrozenUntil(channel string, unixSeconds float64) {
	rateLimitFrozenUntil.WithLabelValues(channel).Set(unixSeconds)
}
