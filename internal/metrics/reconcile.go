// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_reconcile_runs_total",
		Help: "Total number of reconciliation runs by outcome",
	}, []string{"outcome"})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "staysync_reconcile_duration_seconds",
		Help:    "Duration of full reconciliation runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	reconcileDiscrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_reconcile_discrepancies_total",
		Help: "Total number of discrepancies detected by channel and kind",
	}, []string{"channel", "kind"})

	reconcileCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_reconcile_corrections_total",
		Help: "Total number of corrections applied by channel",
	}, []string{"channel"})

	reconcileThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_reconcile_throttled_total",
		Help: "Total number of corrections withheld after exceeding the per-property daily limit",
	}, []string{"channel"})
)

// RecordReconcileRun counts one run ("completed", "failed", "partial").
func RecordReconcileRun(outcome string) {
	reconcileRuns.WithLabelValues(outcome).Inc()
}

// ObserveReconcileDuration records the wall time of one run.
func ObserveReconcileDuration(seconds float64) {
	reconcileDuration.Observe(seconds)
}

// RecordReconcileDiscrepancy counts one detected discrepancy
// ("missing_locally", "missing_remotely", "status_mismatch", "availability_drift").
func RecordReconcileDiscrepancy(channel, kind string) {
	reconcileDiscrepancies.WithLabelValues(channel, kind).Inc()
}

// RecordReconcileCorrection counts one applied correction.
func RecordReconcileCorrection(channel string) {
	reconcileCorrections.WithLabelValues(channel).Inc()
}

// RecordReconcileThrottled counts a correction suppressed by the daily cap.
func RecordReconcileThrottled(channel string) {
	reconcileThrottled.WithLabelValues(channel).Inc()
}
