// Package metrics holds the Prometheus collectors for the open recorder.
//
// Collectors are registered on the Registerer passed to New rather than the
// global default, so tests can use a fresh prometheus.NewRegistry() each.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for OpenRecords.
const (
	OutcomeCreated      = "created"
	OutcomeAppended     = "appended"
	OutcomeRaceAppended = "race_appended"
	OutcomeFailed       = "failed"
)

type Metrics struct {
	// OpenRecords counts recorder calls by outcome.
	OpenRecords *prometheus.CounterVec

	// StoreDuration observes each store call the recorder makes.
	StoreDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpenRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opentrack_open_records_total",
			Help: "Pixel fetches processed by the open recorder, by outcome.",
		}, []string{"outcome"}), // outcome: created, appended, race_appended, failed

		StoreDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opentrack_store_operation_duration_seconds",
			Help:    "Latency of record store calls made while recording an open.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}), // operation: find, create, append
	}
}

// ObserveOutcome increments the counter for outcome.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.OpenRecords.WithLabelValues(outcome).Inc()
}

// ObserveStore records how long a store operation took since start.
func (m *Metrics) ObserveStore(operation string, start time.Time) {
	m.StoreDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
