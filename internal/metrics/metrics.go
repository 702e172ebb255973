// Package metrics registers the Prometheus collectors the orchestrator and
// index coordinator report into, following the teacher's collector-struct
// registration pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the engine reports into.
type Metrics struct {
	RetrievalDuration   *prometheus.HistogramVec
	ConfidenceGateTrips prometheus.Counter
	RebuildDuration     prometheus.Histogram
	ActiveQueries       prometheus.Gauge
}

// New creates and registers the engine's Prometheus metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetrievalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrieval_engine_stage_duration_seconds",
				Help:    "Retrieval pipeline latency in seconds, by stage.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"stage"},
		),
		ConfidenceGateTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retrieval_engine_confidence_gate_trips_total",
				Help: "Total number of queries whose top score fell below min_score.",
			},
		),
		RebuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "retrieval_engine_bm25_rebuild_duration_seconds",
				Help:    "BM25 index rebuild latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		),
		ActiveQueries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "retrieval_engine_active_queries",
				Help: "Number of retrieval queries currently in flight.",
			},
		),
	}

	reg.MustRegister(m.RetrievalDuration, m.ConfidenceGateTrips, m.RebuildDuration, m.ActiveQueries)
	return m
}

// ObserveStage records the duration of one pipeline stage.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.RetrievalDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// IncrementConfidenceGateTrip records a low-confidence result.
func (m *Metrics) IncrementConfidenceGateTrip() {
	m.ConfidenceGateTrips.Inc()
}

// ObserveRebuild records a BM25 rebuild's duration.
func (m *Metrics) ObserveRebuild(start time.Time) {
	m.RebuildDuration.Observe(time.Since(start).Seconds())
}
