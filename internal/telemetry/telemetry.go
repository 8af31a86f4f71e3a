// Package telemetry holds the Prometheus collectors of the engine.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the engine reports to
type Metrics struct {
	Registry *prometheus.Registry

	RecalcJobs          *prometheus.CounterVec
	RecalcBatches       prometheus.Counter
	RecalcBatchDuration prometheus.Histogram
	RecalcStagedRows    prometheus.Counter
	ImpulseFallbacks    *prometheus.CounterVec
	DefaultRule         prometheus.Counter
	Refreshes           *prometheus.CounterVec
	ActiveJobs          prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		RecalcJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadengine_recalc_jobs_total",
				Help: "Recalculation job transitions by resulting status",
			},
			[]string{"status"},
		),

		RecalcBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loadengine_recalc_batches_total",
				Help: "Recalculation batches committed to staging",
			},
		),

		RecalcBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loadengine_recalc_batch_duration_seconds",
				Help:    "Time to compute and commit one recalculation batch",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),

		RecalcStagedRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loadengine_recalc_staged_rows_total",
				Help: "Daily metric rows written to staging",
			},
		),

		ImpulseFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadengine_impulse_fallbacks_total",
				Help: "Activities whose heart rate stream fell back to zero impulse, by reason",
			},
			[]string{"reason"},
		),

		DefaultRule: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loadengine_equivalency_default_rule_total",
				Help: "Activities normalized with the default foot rule",
			},
		),

		Refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loadengine_refreshes_total",
				Help: "Metric refresh attempts by result",
			},
			[]string{"result"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loadengine_recalc_active_jobs",
				Help: "Recalculation jobs currently executing in this process",
			},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RecalcJobs,
		m.RecalcBatches,
		m.RecalcBatchDuration,
		m.RecalcStagedRows,
		m.ImpulseFallbacks,
		m.DefaultRule,
		m.Refreshes,
		m.ActiveJobs,
	)

	return m
}

// ObserveBatch records one committed batch
func (m *Metrics) ObserveBatch(started time.Time, rows int) {
	m.RecalcBatches.Inc()
	m.RecalcBatchDuration.Observe(time.Since(started).Seconds())
	m.RecalcStagedRows.Add(float64(rows))
}

// JobTransition counts a job reaching status
func (m *Metrics) JobTransition(status string) {
	m.RecalcJobs.WithLabelValues(status).Inc()
}

// ImpulseFallback counts an activity whose stream was discarded
func (m *Metrics) ImpulseFallback(reason string) {
	m.ImpulseFallbacks.WithLabelValues(reason).Inc()
}

// Refresh counts a refresh attempt
func (m *Metrics) Refresh(result string) {
	m.Refreshes.WithLabelValues(result).Inc()
}
