package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// collector adapts Metrics' plain counter map to a prometheus.Collector, so the
// in-process registry stays the canonical counter API (cheap Inc/Add calls on
// hot paths) while still being scrapeable.
type collector struct {
	m    *Metrics
	desc *prometheus.Desc
}

// NewCollector wraps m as a prometheus.Collector exposing one counter per
// distinct event name, labeled "event".
func NewCollector(m *Metrics) prometheus.Collector {
	return &collector{
		m: m,
		desc: prometheus.NewDesc(
			"remotetunnel_events_total",
			"Internal event counters.",
			[]string{"event"},
			nil,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.m == nil {
		return
	}
	for name, value := range c.m.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(value), name)
	}
}

// PrometheusHandler exposes m in Prometheus' text exposition format via a
// registry scoped to this call, so it can be mounted directly at GET /metrics.
func PrometheusHandler(m *Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
