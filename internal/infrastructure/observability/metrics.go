// Package observability exposes host metrics to Prometheus.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reglet-dev/mcphost/internal/application/ports"
)

const namespace = "mcphost"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Plugin calls
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Instance pool
	AcquireTotal      *prometheus.CounterVec
	AcquireWait       *prometheus.HistogramVec
	InstancesDiscards *prometheus.CounterVec

	// Artifact cache
	CacheLookupsTotal *prometheus.CounterVec
}

var _ ports.Metrics = (*Metrics)(nil)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin entry point calls",
			},
			[]string{"plugin", "operation", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Plugin entry point call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plugin", "operation"},
		),
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquire_total",
				Help:      "Total number of instance acquisitions",
			},
			[]string{"plugin", "outcome"},
		),
		AcquireWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_wait_seconds",
				Help:      "Time spent waiting for a plugin instance",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"plugin"},
		),
		InstancesDiscards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_instances_discarded_total",
				Help:      "Total number of plugin instances closed instead of reused",
			},
			[]string{"plugin", "reason"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_cache_lookups_total",
				Help:      "Total number of artifact cache lookups",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.CallsTotal,
		m.CallDuration,
		m.AcquireTotal,
		m.AcquireWait,
		m.InstancesDiscards,
		m.CacheLookupsTotal,
	)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// ObserveCall records one plugin call.
func (m *Metrics) ObserveCall(plugin, operation, outcome string, d time.Duration) {
	m.CallsTotal.WithLabelValues(plugin, operation, outcome).Inc()
	m.CallDuration.WithLabelValues(plugin, operation).Observe(d.Seconds())
}

// ObserveAcquire records one instance acquisition.
func (m *Metrics) ObserveAcquire(plugin, outcome string, wait time.Duration) {
	m.AcquireTotal.WithLabelValues(plugin, outcome).Inc()
	m.AcquireWait.WithLabelValues(plugin).Observe(wait.Seconds())
}

// InstanceDiscarded records a closed instance.
func (m *Metrics) InstanceDiscarded(plugin, reason string) {
	m.InstancesDiscards.WithLabelValues(plugin, reason).Inc()
}

// CacheLookup records an artifact cache lookup.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
