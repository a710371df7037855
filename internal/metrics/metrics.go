// Package metrics holds the Prometheus collectors for the caching worker.
// Collectors are registered on a private registry so tests and multiple
// worker instances never collide on the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onlyflans_sw"

// Metrics holds all Prometheus metrics for the worker.
type Metrics struct {
	registry *prometheus.Registry

	// Fetch handling
	FetchTotal    *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Cache writes
	CacheWritesTotal  *prometheus.CounterVec
	CacheErrorsTotal  *prometheus.CounterVec
	WriteQueuePending prometheus.Gauge

	// Lifecycle
	WarmEntriesTotal      *prometheus.CounterVec
	PartitionsEvicted     prometheus.Counter
	ActivationsTotal      prometheus.Counter
	ActiveGenerationStart prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by strategy and cache outcome",
		}, []string{"strategy", "cache"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent handling an intercepted request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),

		CacheWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Background cache writes by partition role and result",
		}, []string{"role", "result"}),
		CacheErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Errors reported to the error sink by kind",
		}, []string{"kind"}),
		WriteQueuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "write_queue_pending",
			Help:      "Cache writes waiting in the background queue",
		}),

		WarmEntriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warm_entries_total",
			Help:      "Static manifest entries processed during install by result",
		}, []string{"result"}),
		PartitionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partitions_evicted_total",
			Help:      "Stale partitions deleted during activation",
		}),
		ActivationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Completed worker activations",
		}),
		ActiveGenerationStart: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_generation_start_seconds",
			Help:      "Unix time at which the active generation was activated",
		}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordFetch records a handled request.
func (m *Metrics) RecordFetch(strategy, cacheStatus string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(strategy, cacheStatus).Inc()
	m.FetchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordWrite records the result of one background cache write.
func (m *Metrics) RecordWrite(role string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CacheWritesTotal.WithLabelValues(role, result).Inc()
}

// RecordError counts an error reported to the sink.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.CacheErrorsTotal.WithLabelValues(kind).Inc()
}

// UpdateQueue updates the pending writes gauge.
func (m *Metrics) UpdateQueue(pending int) {
	if m == nil {
		return
	}
	m.WriteQueuePending.Set(float64(pending))
}

// RecordWarm records warm-up results.
func (m *Metrics) RecordWarm(stored, failed int) {
	if m == nil {
		return
	}
	m.WarmEntriesTotal.WithLabelValues("stored").Add(float64(stored))
	m.WarmEntriesTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordActivation records a completed activation and the partitions it evicted.
func (m *Metrics) RecordActivation(evicted int, at time.Time) {
	if m == nil {
		return
	}
	m.ActivationsTotal.Inc()
	m.PartitionsEvicted.Add(float64(evicted))
	m.ActiveGenerationStart.Set(float64(at.Unix()))
}
