// Package metrics exposes Prometheus collectors for the batch lifecycle
// and the integrity pipeline. All methods are safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spinachchain"

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	batchesCreated     prometheus.Counter
	transitions        *prometheus.CounterVec
	readingsIngested   prometheus.Counter
	coldChainViolation prometheus.Counter
	finalizations      *prometheus.CounterVec
	finalizeDuration   prometheus.Histogram
	publishAttempts    *prometheus.CounterVec
	jobsProcessed      *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
}

// New creates a registry with process and Go collectors plus the
// pipeline collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		batchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Batches registered.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Lifecycle transition attempts by target state and result.",
		}, []string{"to", "result"}),
		readingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Sensor readings hashed and stored.",
		}),
		coldChainViolation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cold_chain_violations_total",
			Help:      "Readings above the cold-chain threshold.",
		}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Finalize attempts by result.",
		}, []string{"result"}),
		finalizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_duration_seconds",
			Help:      "Wall time of a finalize including the publish call.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Content-addressed publish attempts by backend and result.",
		}, []string{"backend", "result"}),
		jobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_jobs_processed_total",
			Help:      "Async finalize jobs by terminal state.",
		}, []string{"state"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_cache_lookups_total",
			Help:      "Proof and anchor response cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.batchesCreated,
		m.transitions,
		m.readingsIngested,
		m.coldChainViolation,
		m.finalizations,
		m.finalizeDuration,
		m.publishAttempts,
		m.jobsProcessed,
		m.cacheLookups,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) BatchCreated() {
	if m == nil {
		return
	}
	m.batchesCreated.Inc()
}

// Transition records a transition attempt. result is "ok", "rejected" or
// "denied".
func (m *Metrics) Transition(to, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, result).Inc()
}

func (m *Metrics) ReadingIngested(coldChainViolated bool) {
	if m == nil {
		return
	}
	m.readingsIngested.Inc()
	if coldChainViolated {
		m.coldChainViolation.Inc()
	}
}

// Finalize records a finalize outcome and its duration.
func (m *Metrics) Finalize(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(result).Inc()
	m.finalizeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) PublishAttempt(backend, result string) {
	if m == nil {
		return
	}
	m.publishAttempts.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) JobProcessed(state string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(state).Inc()
}

// CacheLookup counts a response cache hit or miss.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
