// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_http_requests_total",
		Help: "Total number of HTTP requests by route pattern and status class",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staysync_http_request_duration_seconds",
		Help:    "HTTP request duration by route pattern",
		Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 5},
	}, []string{"route"})
)

// RecordHTTPRequest counts one request ("2xx", "4xx", ...).
func RecordHTTPRequest(route, statusClass string) {
	httpRequests.WithLabelValues(route, statusClass).Inc()
}

// ObserveHTTPDuration records one request's wall time.
func ObserveHTTPDuration(route string, seconds float64) {
	httpDuration.WithLabelValues(route).Observe(seconds)
}
