package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "relaygate"

type counterMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(CounterSnapshot) float64
}

// PrometheusCollector exports Counters as Prometheus metrics. Values are
// read from a fresh snapshot on every scrape.
type PrometheusCollector struct {
	counters *Counters
	metrics  []counterMetric
}

// NewPrometheusCollector creates a collector over counters.
func NewPrometheusCollector(counters *Counters) *PrometheusCollector {
	counter := func(name, help string, f func(CounterSnapshot) int64) counterMetric {
		return counterMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			kind:  prometheus.CounterValue,
			value: func(s CounterSnapshot) float64 { return float64(f(s)) },
		}
	}
	gauge := func(name, help string, f func(CounterSnapshot) float64) counterMetric {
		return counterMetric{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			kind:  prometheus.GaugeValue,
			value: f,
		}
	}

	return &PrometheusCollector{
		counters: counters,
		metrics: []counterMetric{
			counter("connections_total", "Accepted client connections.", func(s CounterSnapshot) int64 { return s.TotalConnections }),
			counter("connections_rejected_total", "Connections rejected at the admission ceiling.", func(s CounterSnapshot) int64 { return s.RejectedConnections }),
			counter("connections_closed_total", "Closed client connections.", func(s CounterSnapshot) int64 { return s.ClosedConnections }),
			counter("requests_total", "Parsed client requests.", func(s CounterSnapshot) int64 { return s.TotalRequests }),
			counter("auth_attempts_total", "Requests that carried credentials or required them.", func(s CounterSnapshot) int64 { return s.AuthAttempts }),
			counter("auth_failures_total", "Failed proxy authentications.", func(s CounterSnapshot) int64 { return s.AuthFailures }),
			counter("acl_denials_total", "Connections denied by the ACL.", func(s CounterSnapshot) int64 { return s.ACLDenials }),
			counter("filter_denials_total", "Requests denied by the filter.", func(s CounterSnapshot) int64 { return s.FilterDenials }),
			counter("port_denials_total", "CONNECT requests to a disallowed port.", func(s CounterSnapshot) int64 { return s.PortDenials }),
			counter("bad_requests_total", "Malformed or oversized client requests.", func(s CounterSnapshot) int64 { return s.BadRequests }),
			counter("upstream_errors_total", "Failed upstream connects.", func(s CounterSnapshot) int64 { return s.UpstreamErrors }),
			counter("io_errors_total", "Transport errors on established connections.", func(s CounterSnapshot) int64 { return s.IOErrors }),
			counter("bytes_in_total", "Bytes received from clients.", func(s CounterSnapshot) int64 { return s.BytesIn }),
			counter("bytes_out_total", "Bytes sent to clients.", func(s CounterSnapshot) int64 { return s.BytesOut }),
			gauge("connections_active", "Currently open client connections.", func(s CounterSnapshot) float64 { return float64(s.ActiveConnections) }),
			gauge("connections_peak", "Highest number of simultaneous connections.", func(s CounterSnapshot) float64 { return float64(s.PeakConnections) }),
			gauge("uptime_seconds", "Seconds since the counters were created.", func(s CounterSnapshot) float64 { return s.Uptime.Seconds() }),
		},
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.counters.Snapshot()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snap))
	}
}
