// Package observability holds the prometheus instrumentation for the tracker
// internals. Metrics are registered on a dedicated registry owned by the
// process; no scrape surface is exposed here.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the tracker's counters and histograms.
type Metrics struct {
	registry *prometheus.Registry

	JobsProcessed      *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	ProbesTotal        *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	SchedulerBatchSize prometheus.Histogram
	CatalogFetches     *prometheus.CounterVec
}

// NewMetrics creates and registers all tracker metrics.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serieswatch_jobs_processed_total",
		Help: "Background jobs processed, by kind and terminal status.",
	}, []string{"kind", "status"})

	m.JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "serieswatch_job_duration_seconds",
		Help:    "Wall time spent executing a background job.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"kind"})

	m.ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serieswatch_probes_total",
		Help: "Change probes executed, by outcome (changed, unchanged, error).",
	}, []string{"outcome"})

	m.NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serieswatch_notifications_total",
		Help: "Notification sends, by kind and result.",
	}, []string{"kind", "result"})

	m.SchedulerBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "serieswatch_scheduler_batch_size",
		Help:    "Number of due series enqueued per scheduler tick.",
		Buckets: []float64{0, 1, 2, 5, 10},
	})

	m.CatalogFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serieswatch_catalog_fetches_total",
		Help: "Catalog product fetches, by result.",
	}, []string{"result"})

	m.registry.MustRegister(
		m.JobsProcessed,
		m.JobDuration,
		m.ProbesTotal,
		m.NotificationsTotal,
		m.SchedulerBatchSize,
		m.CatalogFetches,
	)
	return m
}

// Registry returns the registry holding the tracker metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
