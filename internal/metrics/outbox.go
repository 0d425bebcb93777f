// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outboxEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_outbox_events_total",
		Help: "Total number of events appended to the outbox by type",
	}, []string{"type"})

	outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "staysync_outbox_pending_deliveries",
		Help: "Number of deliveries currently pending or claimed",
	})

	outboxSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_outbox_deliveries_settled_total",
		Help: "Total number of deliveries settled by channel and final status",
	}, []string{"channel", "status"})

	outboxRequeued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_outbox_requeued_total",
		Help: "Total number of expired delivery claims returned to the queue",
	}, []string{"channel"})
)

// RecordOutboxEvent counts one event appended to the outbox.
func RecordOutboxEvent(eventType string) {
	outboxEvents.WithLabelValues(eventType).Inc()
}

// SetOutboxPending publishes the current pending delivery backlog.
func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

// RecordOutboxSettled counts a delivery reaching a final status
// ("delivered", "dead", "skipped").
func RecordOutboxSettled(channel, status string) {
	outboxSettled.WithLabelValues(channel, status).Inc()
}

// RecordOutboxRequeued counts a claim reclaimed after its visibility timeout.
func RecordOutboxRequeued(channel string) {
	outboxRequeued.WithLabelValues(channel).Inc()
}
