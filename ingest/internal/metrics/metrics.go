// Package metrics holds the Prometheus collectors of the ingestion gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taxstream_ingest"

// Frame kinds.
const (
	FrameText   = "text"
	FrameBinary = "binary"
)

// Outcomes shared by Frames, Forwards and the Redis stats.
const (
	OutcomeForwarded     = "forwarded"
	OutcomeForwardFailed = "forward_failed"
	OutcomeMalformed     = "malformed"
	OutcomeUndecodable   = "undecodable"
)

// Metrics groups every collector the gateway updates.
type Metrics struct {
	// Connections is the number of open WebSocket connections.
	Connections prometheus.Gauge

	// ConnectionsTotal counts accepted upgrades.
	ConnectionsTotal prometheus.Counter

	// Frames counts data frames received, by kind: text | binary.
	Frames *prometheus.CounterVec

	// Rejected counts frames dropped before forwarding: malformed | undecodable.
	Rejected *prometheus.CounterVec

	// Forwards counts finished forwards: forwarded | forward_failed.
	Forwards *prometheus.CounterVec

	// ForwardLatency observes the round trip of one forward.
	ForwardLatency prometheus.Histogram

	// Inflight is the number of forwards started and not yet finished.
	Inflight prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Open WebSocket connections.",
			},
		),
		ConnectionsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted WebSocket upgrades.",
			},
		),
		Frames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Data frames received by kind.",
			},
			[]string{"kind"},
		),
		Rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_total",
				Help:      "Frames dropped before forwarding.",
			},
			[]string{"reason"},
		),
		Forwards: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Finished forwards by outcome.",
			},
			[]string{"outcome"},
		),
		ForwardLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_seconds",
				Help:      "Round trip of a single forward to the compute service.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Inflight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "forwards_inflight",
				Help:      "Forwards started and not yet finished.",
			},
		),
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
