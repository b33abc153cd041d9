// Package metrics wires Hop's client and server into Prometheus, the
// way the runZeroInc examples in the retrieval pack instrument their
// TCP-level tooling with github.com/prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ClientCollector periodically samples a client.Client's Stats (or any
// type exposing the same shape) into gauges.
type ClientCollector struct {
	Pending *prometheus.GaugeVec
	TagCap  *prometheus.GaugeVec
}

// NewClientCollector registers client-side gauges, labeled by the
// connection's remote address, under the given registerer.
func NewClientCollector(reg prometheus.Registerer) *ClientCollector {
	c := &ClientCollector{
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hop",
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests written and awaiting a reply.",
		}, []string{"addr"}),
		TagCap: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hop",
			Subsystem: "client",
			Name:      "tag_pool_capacity",
			Help:      "Current capacity of the client's tag pool bitmap.",
		}, []string{"addr"}),
	}
	reg.MustRegister(c.Pending, c.TagCap)
	return c
}

// Observe records one sample for addr.
func (c *ClientCollector) Observe(addr string, pending, tagCap int) {
	c.Pending.WithLabelValues(addr).Set(float64(pending))
	c.TagCap.WithLabelValues(addr).Set(float64(tagCap))
}

// ServerMetrics instruments the worker pool and connection registry.
type ServerMetrics struct {
	Connections prometheus.Gauge
	OpsTotal    *prometheus.CounterVec
	OpLatency   *prometheus.HistogramVec
}

// NewServerMetrics registers server-side collectors.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hop",
			Subsystem: "server",
			Name:      "connections",
			Help:      "Currently connected clients.",
		}),
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hop",
			Subsystem: "server",
			Name:      "ops_total",
			Help:      "Completed operations by type and outcome.",
		}, []string{"op", "outcome"}),
		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hop",
			Subsystem: "server",
			Name:      "op_latency_seconds",
			Help:      "Operation handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(m.Connections, m.OpsTotal, m.OpLatency)
	return m
}

// BenchReporter is the shared shape the benchmark drivers in
// cmd/bench/... report through, so Cassandra/RAMCloud/ZHT/flood runs
// are directly comparable.
type BenchReporter struct {
	OpsTotal  *prometheus.CounterVec
	OpLatency *prometheus.HistogramVec
}

// NewBenchReporter registers the benchmark-facing collectors under reg,
// labeled by which backend produced them.
func NewBenchReporter(reg prometheus.Registerer, backend string) *BenchReporter {
	r := &BenchReporter{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hopbench",
			Name:        "ops_total",
			Help:        "Completed benchmark operations.",
			ConstLabels: prometheus.Labels{"backend": backend},
		}, []string{"op", "outcome"}),
		OpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "hopbench",
			Name:        "op_latency_seconds",
			Help:        "Benchmark operation latency.",
			ConstLabels: prometheus.Labels{"backend": backend},
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(r.OpsTotal, r.OpLatency)
	return r
}
