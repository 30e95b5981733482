package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordLease("indexing", true)
	m.RecordLease("indexing", false)
	m.RecordLease("indexing", false)
	m.RecordIndexed("es-1", 5)
	m.RecordConsistencyViolation("es-1")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeasesAcquired.WithLabelValues("indexing")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LeasesContended.WithLabelValues("indexing")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.EntitiesIndexed.WithLabelValues("es-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConsistencyViolations.WithLabelValues("es-1")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
