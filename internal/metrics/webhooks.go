// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_webhook_requests_total",
		Help: "Total number of inbound webhook requests by channel and result",
	}, []string{"channel", "result"})

	webhookDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_webhook_duplicates_total",
		Help: "Total number of webhook deliveries replayed with a known message id",
	}, []string{"channel"})

	webhookConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_webhook_conflicts_total",
		Help: "Total number of inbound bookings resolved through conflict policy",
	}, []string{"channel", "resolution"})
)

// RecordWebhookRequest counts one inbound webhook by result
// ("accepted", "duplicate", "rejected", "forbidden", "locked", "error").
func RecordWebhookRequest(channel, result string) {
	webhookRequests.WithLabelValues(channel, result).Inc()
}

// RecordWebhookDuplicate counts a replayed webhook delivery.
func RecordWebhookDuplicate(channel string) {
	webhookDuplicates.WithLabelValues(channel).Inc()
}

// RecordWebhookConflict counts a conflict resolution
// ("local_wins", "incoming_wins", "most_restrictive").
func RecordWebhookConflict(channel, resolution string) {
	webhookConflicts.WithLabelValues(channel, resolution).Inc()
}
