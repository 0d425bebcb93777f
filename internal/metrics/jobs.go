// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_job_runs_total",
		Help: "Total number of background job executions by job and outcome",
	}, []string{"job", "outcome"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "staysync_job_duration_seconds",
		Help:    "Duration of background job executions",
		Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300},
	}, []string{"job"})
)

// RecordJobRun counts one job execution ("ok", "error").
func RecordJobRun(job, outcome string) {
	jobRuns.WithLabelValues(job, outcome).Inc()
}

// ObserveJobDuration records the wall time of one job execution.
func ObserveJobDuration(job string, seconds float64) {
	jobDuration.WithLabelValues(job).Observe(seconds)
}
