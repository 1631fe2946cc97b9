// Package metrics holds the Prometheus collectors of the compute service.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taxstream_compute"

// Metrics groups every collector the compute service updates.
type Metrics struct {
	// Requests counts finished /api/compute responses by HTTP status code,
	// including those written by the auth and limit middleware.
	Requests *prometheus.CounterVec

	// Rejected counts requests refused before tax computation, by reason:
	// malformed | unauthorized | rate_limited | overloaded.
	Rejected *prometheus.CounterVec

	// Computations counts records that reached the tax engine.
	Computations prometheus.Counter

	// StoreWrites counts persistence attempts by outcome: ok | error.
	StoreWrites *prometheus.CounterVec

	// StoreLatency observes the duration of a single record insert.
	StoreLatency prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Compute requests by HTTP status code.",
			},
			[]string{"code"},
		),
		Rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_total",
				Help:      "Requests refused before tax computation.",
			},
			[]string{"reason"},
		),
		Computations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "computations_total",
				Help:      "Records that reached the tax engine.",
			},
		),
		StoreWrites: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_writes_total",
				Help:      "Record store inserts by outcome.",
			},
			[]string{"outcome"},
		),
		StoreLatency: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_write_seconds",
				Help:      "Latency of a single record store insert.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// Refused returns a callback for middleware that answers before the compute
// handler runs. It counts the refusal under reason and its status code, so
// Requests covers every response of the endpoint.
func (m *Metrics) Refused(reason string, code int) func() {
	return func() {
		m.Rejected.WithLabelValues(reason).Inc()
		m.Requests.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
