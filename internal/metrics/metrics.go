// Package metrics provides Prometheus metrics for the sync service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	SyncsTotal       *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	StoriesTotal     *prometheus.CounterVec
	MonitoredParents prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epicsync_syncs_total",
				Help: "Total number of sync attempts by result.",
			},
			[]string{"result"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "epicsync_sync_duration_seconds",
				Help:    "Sync duration by trigger (poll, forced, discovery).",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		StoriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epicsync_stories_total",
				Help: "Total child stories touched by action (created, updated, unchanged).",
			},
			[]string{"action"},
		),
		MonitoredParents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "epicsync_monitored_parents",
				Help: "Number of parents currently registered with the monitor.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "epicsync_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.SyncsTotal)
	reg.MustRegister(m.SyncDuration)
	reg.MustRegister(m.StoriesTotal)
	reg.MustRegister(m.MonitoredParents)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSync increments the sync counter with result "success" or "failure".
func (m *Metrics) RecordSync(result string) {
	m.SyncsTotal.WithLabelValues(result).Inc()
}

// RecordStories adds the per-action story counts from one sync.
func (m *Metrics) RecordStories(created, updated, unchanged int) {
	m.StoriesTotal.WithLabelValues("created").Add(float64(created))
	m.StoriesTotal.WithLabelValues("updated").Add(float64(updated))
	m.StoriesTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// ObserveSyncDuration records one sync's wall clock time.
func (m *Metrics) ObserveSyncDuration(trigger string, seconds float64) {
	m.SyncDuration.WithLabelValues(trigger).Observe(seconds)
}

// SetMonitoredParents sets the registered parent count.
func (m *Metrics) SetMonitoredParents(count int) {
	m.MonitoredParents.Set(float64(count))
}
