// Package metrics exposes the dispatch loop's decisions as Prometheus metrics.
//
// Every Collector owns a private registry, so tests and multiple daemons in
// one process never collide on registration. A nil *Collector is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scanq"

// Requeue reasons recorded by the dispatch loop.
const (
	ReasonStale        = "stale"
	ReasonLaunchFailed = "launch_failed"
)

type Collector struct {
	registry *prometheus.Registry

	launches       prometheus.Counter
	launchFailures prometheus.Counter
	requeues       *prometheus.CounterVec
	cancels        prometheus.Counter
	ticks          prometheus.Counter
	tickErrors     prometheus.Counter
	saturated      prometheus.Counter
	tickDuration   prometheus.Histogram
	activeHandlers prometheus.Gauge
	queueLength    prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Handler processes launched.",
		}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Launch attempts that returned no handler pid.",
		}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Entries moved to the back of the queue by the dispatch loop.",
		}, []string{"reason"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Entries cancelled through the admin interface.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Dispatch passes run while the queue was enabled.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Dispatch passes aborted by a store read error.",
		}),
		saturated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ceiling_reached_total",
			Help:      "Dispatch passes that stopped at the concurrency ceiling.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one dispatch pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeHandlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_handlers",
			Help:      "Handlers counted active by the last dispatch pass.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Entries in the queue at the end of the last dispatch pass.",
		}),
	}

	c.registry.MustRegister(
		c.launches,
		c.launchFailures,
		c.requeues,
		c.cancels,
		c.ticks,
		c.tickErrors,
		c.saturated,
		c.tickDuration,
		c.activeHandlers,
		c.queueLength,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) RecordLaunch() {
	if c == nil {
		return
	}
	c.launches.Inc()
}

func (c *Collector) RecordLaunchFailure() {
	if c == nil {
		return
	}
	c.launchFailures.Inc()
}

func (c *Collector) RecordRequeue(reason string) {
	if c == nil {
		return
	}
	c.requeues.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordCancel() {
	if c == nil {
		return
	}
	c.cancels.Inc()
}

// RecordTick records one completed dispatch pass.
func (c *Collector) RecordTick(elapsed time.Duration, active int, saturated bool) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(elapsed.Seconds())
	c.activeHandlers.Set(float64(active))
	if saturated {
		c.saturated.Inc()
	}
}

func (c *Collector) RecordTickError() {
	if c == nil {
		return
	}
	c.tickErrors.Inc()
}

func (c *Collector) SetQueueLength(n int) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(n))
}

// Registry exposes the private registry for callers that add their own
// collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
