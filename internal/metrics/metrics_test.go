package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOutcome(OutcomeCreated)
	m.ObserveOutcome(OutcomeAppended)
	m.ObserveOutcome(OutcomeAppended)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenRecords.WithLabelValues(OutcomeCreated)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenRecords.WithLabelValues(OutcomeAppended)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenRecords.WithLabelValues(OutcomeFailed)))
}

func TestObserveStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStore("find", time.Now().Add(-20*time.Millisecond))

	assert.Equal(t, 1, testutil.CollectAndCount(m.StoreDuration, "opentrack_store_operation_duration_seconds"))
}

func TestRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveOutcome(OutcomeFailed)

	expected := `
# HELP opentrack_open_records_total Pixel fetches processed by the open recorder, by outcome.
# TYPE opentrack_open_records_total counter
opentrack_open_records_total{outcome="failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "opentrack_open_records_total"))

	// A second New on a separate registry must not panic on duplicate registration.
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}
