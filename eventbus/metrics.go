package eventbus

// Metrics exporters for bus delivery statistics.
//
// Two exporters are provided:
//   - PrometheusCollector implements prometheus.Collector and generates
//     ConstMetrics from Stats() on every scrape.
//   - StatsdExporter periodically flushes the same counters to a DogStatsD
//     or StatsD compatible endpoint.
//
// Both pull through the public Stats() snapshot so the publish path carries
// no extra instrumentation.

import (
	"context"
	"fmt"
	"time"

	statsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	errNilBus          = fmt.Errorf("eventbus: nil bus supplied")
	errInvalidInterval = fmt.Errorf("eventbus: flush interval must be > 0")
)

// PrometheusCollector exposes bus counters as Prometheus metrics:
//
//	stratus_eventbus_published_total
//	stratus_eventbus_delivered_total
//	stratus_eventbus_dropped_total
//	stratus_eventbus_retried_total
//	stratus_eventbus_dead_lettered_total
//	stratus_eventbus_expired_total
//	stratus_eventbus_queue_depth{priority="<level>"}
type PrometheusCollector struct {
	bus *Bus

	publishedDesc    *prometheus.Desc
	deliveredDesc    *prometheus.Desc
	droppedDesc      *prometheus.Desc
	retriedDesc      *prometheus.Desc
	deadLetteredDesc *prometheus.Desc
	expiredDesc      *prometheus.Desc
	queueDepthDesc   *prometheus.Desc
}

// NewPrometheusCollector creates a collector for the given bus. namespace is
// the metric prefix (default if empty: stratus_eventbus).
func NewPrometheusCollector(bus *Bus, namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "stratus_eventbus"
	}
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, nil, nil)
	}
	return &PrometheusCollector{
		bus:              bus,
		publishedDesc:    counter("published_total", "Total events accepted for dispatch."),
		deliveredDesc:    counter("delivered_total", "Total successful handler deliveries."),
		droppedDesc:      counter("dropped_total", "Total events dropped by full queues or pools."),
		retriedDesc:      counter("retried_total", "Total redelivery attempts scheduled."),
		deadLetteredDesc: counter("dead_lettered_total", "Total events moved to the dead-letter buffer."),
		expiredDesc:      counter("expired_total", "Total events discarded as expired."),
		queueDepthDesc: prometheus.NewDesc(namespace+"_queue_depth",
			"Current depth of each priority queue.", []string{"priority"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.publishedDesc
	ch <- c.deliveredDesc
	ch <- c.droppedDesc
	ch <- c.retriedDesc
	ch <- c.deadLetteredDesc
	ch <- c.expiredDesc
	ch <- c.queueDepthDesc
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.publishedDesc, prometheus.CounterValue, float64(stats.Published))
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(stats.Delivered))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(stats.Dropped))
	ch <- prometheus.MustNewConstMetric(c.retriedDesc, prometheus.CounterValue, float64(stats.Retried))
	ch <- prometheus.MustNewConstMetric(c.deadLetteredDesc, prometheus.CounterValue, float64(stats.DeadLettered))
	ch <- prometheus.MustNewConstMetric(c.expiredDesc, prometheus.CounterValue, float64(stats.Expired))
	for priority, depth := range stats.QueueDepths {
		ch <- prometheus.MustNewConstMetric(c.queueDepthDesc, prometheus.GaugeValue,
			float64(depth), priority.String())
	}
}

// StatsdExporter periodically flushes bus counters to a StatsD endpoint.
type StatsdExporter struct {
	bus      *Bus
	client   statsd.ClientInterface
	prefix   string
	interval time.Duration
}

// NewStatsdExporter creates an exporter flushing to addr every interval.
// prefix defaults to "stratus.eventbus" when empty.
func NewStatsdExporter(bus *Bus, prefix, addr string, interval time.Duration) (*StatsdExporter, error) {
	if bus == nil {
		return nil, errNilBus
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	if prefix == "" {
		prefix = "stratus.eventbus"
	}
	client, err := statsd.New(addr)
	if err != nil {
		return nil, fmt.Errorf("eventbus: statsd client: %w", err)
	}
	return &StatsdExporter{bus: bus, client: client, prefix: prefix, interval: interval}, nil
}

// Run flushes until ctx is cancelled, then closes the client.
func (e *StatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	defer e.client.Close()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *StatsdExporter) flush() {
	stats := e.bus.Stats()
	_ = e.client.Gauge(e.prefix+".published", float64(stats.Published), nil, 1)
	_ = e.client.Gauge(e.prefix+".delivered", float64(stats.Delivered), nil, 1)
	_ = e.client.Gauge(e.prefix+".dropped", float64(stats.Dropped), nil, 1)
	_ = e.client.Gauge(e.prefix+".retried", float64(stats.Retried), nil, 1)
	_ = e.client.Gauge(e.prefix+".dead_lettered", float64(stats.DeadLettered), nil, 1)
	_ = e.client.Gauge(e.prefix+".expired", float64(stats.Expired), nil, 1)
	for priority, depth := range stats.QueueDepths {
		tag := []string{"priority:" + priority.String()}
		_ = e.client.Gauge(e.prefix+".queue_depth", float64(depth), tag, 1)
	}
}
