// Package metrics exposes the relay's Prometheus instrumentation: counts
// of sessions opened/closed and bytes moved in each direction, plus a
// gauge of currently live sessions. None of this gates or alters a
// dispatch decision — it is purely observational, mirroring the ambient
// instrumentation style of the pack's tcpinfo exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the relay's counters/gauges under one registerable unit.
type Metrics struct {
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsActive  prometheus.Gauge
	BytesForwarded  prometheus.Counter
	BytesRead       prometheus.Counter
	ConnectFailures prometheus.Counter
}

// New constructs and registers the relay's metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sessions_opened_total",
			Help:      "Sessions created by a successful CONNECT.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "sessions_closed_total",
			Help:      "Sessions removed by DISCONNECT.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_active",
			Help:      "Sessions currently resident in the registry.",
		}),
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bytes_forwarded_total",
			Help:      "Bytes accepted by FORWARD for transmission upstream.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bytes_read_total",
			Help:      "Bytes drained from upstream sockets and returned by READ.",
		}),
		ConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connect_failures_total",
			Help:      "CONNECT attempts that failed to parse or dial.",
		}),
	}

	reg.MustRegister(
		m.SessionsOpened,
		m.SessionsClosed,
		m.SessionsActive,
		m.BytesForwarded,
		m.BytesRead,
		m.ConnectFailures,
	)
	return m
}
