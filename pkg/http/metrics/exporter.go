// Package metrics exposes the engine's counters over HTTP in Prometheus
// format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slo-sched/pkg/counters"
)

// Engine is the read surface the exporter scrapes.
type Engine interface {
	ReadCounters() counters.Snapshot
	QueueDepth() int
	TrackedTasks() int
	Workloads() int
}

// Collector adapts the engine's per-CPU summed counters to a
// prometheus.Collector. The engine's counters remain the source of truth;
// scrapes read them, they are never double-accounted.
type Collector struct {
	engine Engine

	localDispatches    *prometheus.Desc
	globalEnqueues     *prometheus.Desc
	deadlineMisses     *prometheus.Desc
	missDurationNS     *prometheus.Desc
	rateLimitedDrops   *prometheus.Desc
	taskStoreExhausted *prometheus.Desc
	queueDepth         *prometheus.Desc
	trackedTasks       *prometheus.Desc
	workloads          *prometheus.Desc
}

// NewCollector constructs a Collector over engine.
func NewCollector(engine Engine) *Collector {
	return &Collector{
		engine: engine,
		localDispatches: prometheus.NewDesc(
			"slosched_local_dispatches_total",
			"Tasks dispatched directly to an idle CPU at wakeup",
			nil, nil,
		),
		globalEnqueues: prometheus.NewDesc(
			"slosched_global_enqueues_total",
			"Enqueue transitions observed",
			nil, nil,
		),
		deadlineMisses: prometheus.NewDesc(
			"slosched_deadline_misses_total",
			"Deadline misses emitted as events",
			nil, nil,
		),
		missDurationNS: prometheus.NewDesc(
			"slosched_miss_duration_ns_sum",
			"Sum of miss durations in nanoseconds",
			nil, nil,
		),
		rateLimitedDrops: prometheus.NewDesc(
			"slosched_rate_limited_drops_total",
			"Miss events suppressed by the rate limiter or ring overflow",
			nil, nil,
		),
		taskStoreExhausted: prometheus.NewDesc(
			"slosched_task_store_exhausted_total",
			"Enqueues that fell back because the task store was full",
			nil, nil,
		),
		queueDepth: prometheus.NewDesc(
			"slosched_deadline_queue_depth",
			"Runnable tasks currently queued",
			nil, nil,
		),
		trackedTasks: prometheus.NewDesc(
			"slosched_tracked_tasks",
			"Live task contexts",
			nil, nil,
		),
		workloads: prometheus.NewDesc(
			"slosched_workloads",
			"Stored workload configs",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.localDispatches
	ch <- c.globalEnqueues
	ch <- c.deadlineMisses
	ch <- c.missDurationNS
	ch <- c.rateLimitedDrops
	ch <- c.taskStoreExhausted
	ch <- c.queueDepth
	ch <- c.trackedTasks
	ch <- c.workloads
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.engine.ReadCounters()

	ch <- prometheus.MustNewConstMetric(c.localDispatches, prometheus.CounterValue, float64(snap.LocalDispatches))
	ch <- prometheus.MustNewConstMetric(c.globalEnqueues, prometheus.CounterValue, float64(snap.GlobalEnqueues))
	ch <- prometheus.MustNewConstMetric(c.deadlineMisses, prometheus.CounterValue, float64(snap.DeadlineMisses))
	ch <- prometheus.MustNewConstMetric(c.missDurationNS, prometheus.CounterValue, float64(snap.MissDurationNS))
	ch <- prometheus.MustNewConstMetric(c.rateLimitedDrops, prometheus.CounterValue, float64(snap.RateLimitedDrops))
	ch <- prometheus.MustNewConstMetric(c.taskStoreExhausted, prometheus.CounterValue, float64(snap.TaskStoreExhausted))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.engine.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.trackedTasks, prometheus.GaugeValue, float64(c.engine.TrackedTasks()))
	ch <- prometheus.MustNewConstMetric(c.workloads, prometheus.GaugeValue, float64(c.engine.Workloads()))
}

// NewHandler registers a Collector on a fresh registry and returns the scrape
// handler.
func NewHandler(engine Engine) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(engine))

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
