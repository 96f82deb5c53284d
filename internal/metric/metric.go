// Package metric exposes Prometheus metrics for the probe runtime and the
// archive pipeline.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funf"

// Metrics contains the runtime counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunFailures     *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RecordsEmitted  *prometheus.CounterVec
	ActiveSources   prometheus.Gauge
	UploadsTotal    *prometheus.CounterVec
	ArchiveQueue    prometheus.Gauge
	ConfigErrors    prometheus.Counter
	CachedInstances prometheus.Gauge
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "runs_total",
				Help:      "Total number of source runs started",
			},
			[]string{"type"},
		),

		RunFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "run_failures_total",
				Help:      "Total number of source runs that failed or panicked",
			},
			[]string{"type"},
		),

		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "run_duration_seconds",
				Help:      "Time between run start and completion",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		RecordsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "records_emitted_total",
				Help:      "Total number of records emitted by sources",
			},
			[]string{"type"},
		),

		ActiveSources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "probe",
				Name:      "enabled_sources",
				Help:      "Number of sources currently enabled",
			},
		),

		UploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "uploads_total",
				Help:      "Upload attempts by destination and outcome (ok, failed, dropped)",
			},
			[]string{"destination", "status"},
		),

		ArchiveQueue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "archive",
				Name:      "queue_depth",
				Help:      "Number of items waiting for upload",
			},
		),

		ConfigErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "config",
				Name:      "errors_total",
				Help:      "Total number of configuration errors reported by the compiler",
			},
		),

		CachedInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "cached_instances",
				Help:      "Number of singleton instances held by the registry",
			},
		),
	}

	m.registry.MustRegister(
		m.RunsTotal,
		m.RunFailures,
		m.RunDuration,
		m.RecordsEmitted,
		m.ActiveSources,
		m.UploadsTotal,
		m.ArchiveQueue,
		m.ConfigErrors,
		m.CachedInstances,
	)
	return m
}

// Registry returns the Prometheus registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RecordRunStarted increments the run counter for a source type.
func (m *Metrics) RecordRunStarted(sourceType string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(sourceType).Inc()
}

// RecordRunFailed increments the failure counter for a source type.
func (m *Metrics) RecordRunFailed(sourceType string) {
	if m == nil {
		return
	}
	m.RunFailures.WithLabelValues(sourceType).Inc()
}

// RecordRunDuration observes how long a run lasted.
func (m *Metrics) RecordRunDuration(sourceType string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(sourceType).Observe(d.Seconds())
}

// RecordEmitted increments the emitted record counter.
func (m *Metrics) RecordEmitted(sourceType string) {
	if m == nil {
		return
	}
	m.RecordsEmitted.WithLabelValues(sourceType).Inc()
}

// AddActiveSources moves the enabled-sources gauge by delta.
func (m *Metrics) AddActiveSources(delta int) {
	if m == nil {
		return
	}
	m.ActiveSources.Add(float64(delta))
}

// RecordUpload counts one upload outcome for a destination.
func (m *Metrics) RecordUpload(destination, status string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(destination, status).Inc()
}

// SetQueueDepth updates the archive queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ArchiveQueue.Set(float64(n))
}

// RecordConfigErrors adds n configuration errors.
func (m *Metrics) RecordConfigErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ConfigErrors.Add(float64(n))
}

// SetCachedInstances updates the registry cache gauge.
func (m *Metrics) SetCachedInstances(n int) {
	if m == nil {
		return
	}
	m.CachedInstances.Set(float64(n))
}
