// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "staysync_circuit_state",
		Help: "Circuit breaker state by channel (active state=1, others 0)",
	}, []string{"channel", "state"})

	circuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_circuit_trips_total",
		Help: "Total number of circuit breaker trips (transitions to open state)",
	}, []string{"channel", "reason"})

	circuitProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_circuit_probes_total",
		Help: "Total number of half-open probe requests by outcome",
	}, []string{"channel", "outcome"})

	circuitRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "staysync_circuit_rejected_total",
		Help: "Total number of calls rejected while the circuit was open",
	}, []string{"channel"})
)

var circuitStates = []string{"closed", "half_open", "open"}

// SetCircuitState records the active circuit state for a channel.
func SetCircuitState(channel, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitState.WithLabelValues(channel, s).Set(value)
	}
}

// RecordCircuitTrip increments the trip counter when a circuit opens.
func RecordCircuitTrip(channel, reason string) {
	circuitTrips.WithLabelValues(channel, reason).Inc()
}

// RecordCircuitProbe records the outcome of a half-open probe ("success" or "failure").
func RecordCircuitProbe(channel, outcome string) {
	circuitProbes.WithLabelValues(channel, outcome).Inc()
}

// RecordCircuitReject counts a call short-circuited by an open breaker.
func RecordCircuitReject(channel string) {
	circuitRejects.WithLabelValues(channel).Inc()
}
