// Package metrics defines what the cache layers report and a Prometheus
// implementation of it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache layers.
const (
	LayerEphemeral  = "ephemeral"
	LayerPersistent = "persistent"
)

// Recorder receives cache, loader and worker events. Implementations must be
// safe for concurrent use and must not block.
type Recorder interface {
	Hit(layer string)
	Miss(layer string)
	Evicted(n int)
	DedupShared()
	Load(outcome string)
	Refresh(status string)
	WorkerResponse(strategy, source string)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Hit(string)                    {}
func (Noop) Miss(string)                   {}
func (Noop) Evicted(int)                   {}
func (Noop) DedupShared()                  {}
func (Noop) Load(string)                   {}
func (Noop) Refresh(string)                {}
func (Noop) WorkerResponse(string, string) {}

// Or returns r, or Noop when r is nil.
func Or(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Collector is a Recorder backed by Prometheus counters on a private registry.
type Collector struct {
	registry *prometheus.Registry

	hits    *prometheus.CounterVec
	misses  *prometheus.CounterVec
	evicted prometheus.Counter
	shared  prometheus.Counter
	loads   *prometheus.CounterVec
	refresh *prometheus.CounterVec
	worker  *prometheus.CounterVec
}

// NewCollector creates and registers all counters under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fresh cache reads, by layer.",
		}, []string{"layer"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache reads that found nothing fresh, by layer.",
		}, []string{"layer"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Persistent entries removed by emergency cleanup.",
		}),
		shared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_shared_total",
			Help:      "Callers that joined an in-flight retrieval instead of starting one.",
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Loader results, by outcome (fresh, stale, network, error).",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Background refreshes, by status.",
		}, []string{"status"}),
		worker: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_responses_total",
			Help:      "Intercepted responses, by strategy and source.",
		}, []string{"strategy", "source"}),
	}

	c.registry.MustRegister(c.hits, c.misses, c.evicted, c.shared, c.loads, c.refresh, c.worker)
	return c
}

func (c *Collector) Hit(layer string)      { c.hits.WithLabelValues(layer).Inc() }
func (c *Collector) Miss(layer string)     { c.misses.WithLabelValues(layer).Inc() }
func (c *Collector) Evicted(n int)         { c.evicted.Add(float64(n)) }
func (c *Collector) DedupShared()          { c.shared.Inc() }
func (c *Collector) Load(outcome string)   { c.loads.WithLabelValues(outcome).Inc() }
func (c *Collector) Refresh(status string) { c.refresh.WithLabelValues(status).Inc() }

func (c *Collector) WorkerResponse(strategy, source string) {
	c.worker.WithLabelValues(strategy, source).Inc()
}

// Registry returns the registry holding the collector's counters.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
