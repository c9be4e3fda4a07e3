package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webitel/im-pulse/internal/domain/registry"
	"github.com/webitel/im-pulse/internal/telemetry"
)

const metricsNamespace = "pulse"

// Metrics owns the Prometheus registry served on /metrics.
type Metrics struct {
	Registry      *prometheus.Registry
	QueueLatency  *prometheus.HistogramVec
	HandleLatency *prometheus.HistogramVec
}

// NewMetrics creates a private registry with Go runtime and process
// collectors and the dispatch latency histograms.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	buckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
	return &Metrics{
		Registry: reg,
		QueueLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bus",
				Name:      "queue_latency_seconds",
				Help:      "Time messages spend queued before dispatch",
				Buckets:   buckets,
			},
			[]string{"priority"},
		),
		HandleLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "bus",
				Name:      "handle_latency_seconds",
				Help:      "Time spent running all handlers of a message",
				Buckets:   buckets,
			},
			[]string{"priority"},
		),
	}
}

// StorageStats is the read side of metric storage.
type StorageStats interface {
	Stats() telemetry.StorageStats
}

// TapStats is the read side of the tap registry.
type TapStats interface {
	Taps() []registry.TapInfo
}

// Interface guard
var _ prometheus.Collector = (*StatsCollector)(nil)

// StatsCollector exports the statistics snapshots of the core components
// at scrape time. Nil sources are skipped.
type StatsCollector struct {
	bus     BusStats
	tasks   TaskStats
	storage StorageStats
	taps    TapStats

	busCounter   *prometheus.Desc
	busGauge     *prometheus.Desc
	poolGauge    *prometheus.Desc
	taskCounter  *prometheus.Desc
	taskGauge    *prometheus.Desc
	storeCounter *prometheus.Desc
	storeGauge   *prometheus.Desc
	tapGauge     *prometheus.Desc
}

func NewStatsCollector(b BusStats, tasks TaskStats, storage StorageStats, taps TapStats) *StatsCollector {
	desc := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, sub, name), help, labels, nil)
	}
	return &StatsCollector{
		bus:     b,
		tasks:   tasks,
		storage: storage,
		taps:    taps,

		busCounter:   desc("bus", "messages_total", "Bus message outcomes", "outcome"),
		busGauge:     desc("bus", "state", "Bus gauges", "gauge"),
		poolGauge:    desc("bus", "pool", "Bus envelope pool gauges", "gauge"),
		taskCounter:  desc("tasks", "total", "Task outcomes", "outcome"),
		taskGauge:    desc("tasks", "state", "Task queue gauges", "gauge"),
		storeCounter: desc("telemetry", "samples_total", "Metric storage sample outcomes", "outcome"),
		storeGauge:   desc("telemetry", "state", "Metric storage gauges", "gauge"),
		tapGauge:     desc("tap", "connectors", "Live tap connectors per pattern", "pattern"),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.busCounter, c.busGauge, c.poolGauge,
		c.taskCounter, c.taskGauge,
		c.storeCounter, c.storeGauge,
		c.tapGauge,
	} {
		ch <- d
	}
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}
	gauge := func(d *prometheus.Desc, v float64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, label)
	}

	if c.bus != nil {
		st := c.bus.Statistics()
		counter(c.busCounter, st.MessagesPublished, "published")
		counter(c.busCounter, st.MessagesProcessed, "processed")
		counter(c.busCounter, st.MessagesFailed, "failed")
		counter(c.busCounter, st.MessagesDropped, "dropped")
		counter(c.busCounter, st.MessagesRejected, "rejected")
		counter(c.busCounter, st.MessagesUnrouted, "unrouted")
		counter(c.busCounter, st.Deliveries, "delivered")
		gauge(c.busGauge, float64(st.QueueDepth), "queue_depth")
		gauge(c.busGauge, float64(st.DeadLetters), "dead_letters")
		gauge(c.busGauge, float64(st.Subscriptions), "subscriptions")
		gauge(c.busGauge, float64(st.Workers), "workers")

		ps := c.bus.PoolStats()
		gauge(c.poolGauge, float64(ps.InUse), "in_use")
		gauge(c.poolGauge, float64(ps.Created), "created")
		gauge(c.poolGauge, float64(ps.MaxBlocks), "max_blocks")
		gauge(c.poolGauge, float64(ps.FailedAllocations), "failed_allocations")
	}

	if c.tasks != nil {
		st := c.tasks.Stats()
		counter(c.taskCounter, st.Enqueued, "enqueued")
		counter(c.taskCounter, st.Delivered, "delivered")
		counter(c.taskCounter, st.Cancelled, "cancelled")
		counter(c.taskCounter, st.Discarded, "discarded")
		counter(c.taskCounter, st.Rejected, "rejected")
		counter(c.taskCounter, st.Promoted, "promoted")
		gauge(c.taskGauge, float64(st.Total), "total")
		gauge(c.taskGauge, float64(st.Delayed), "delayed")
		gauge(c.taskGauge, float64(st.Queues), "queues")
		gauge(c.taskGauge, float64(st.Tags), "tags")
	}

	if c.storage != nil {
		st := c.storage.Stats()
		counter(c.storeCounter, st.SamplesStored, "stored")
		counter(c.storeCounter, st.SamplesRejected, "rejected")
		counter(c.storeCounter, st.CapacityExceeded, "capacity_exceeded")
		counter(c.storeCounter, st.Overwrites, "overwritten")
		counter(c.storeCounter, st.FlushedSamples, "flushed")
		gauge(c.storeGauge, float64(st.Metrics), "metrics")
		gauge(c.storeGauge, float64(st.Buffered), "buffered")
		gauge(c.storeGauge, float64(st.FlushFailures), "flush_failures")
	}

	if c.taps != nil {
		for _, tap := range c.taps.Taps() {
			gauge(c.tapGauge, float64(len(tap.Connectors)), tap.Pattern)
		}
	}
}
