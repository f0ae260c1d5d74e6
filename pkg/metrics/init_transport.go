package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransportMetrics() {
	r.TransportRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_transport_requests_total",
			Help: "Transport requests sent, by action and status",
		},
		[]string{"action", "status"},
	)

	r.TransportRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segrep_transport_request_duration_seconds",
			Help:    "Transport request round-trip latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	r.TransportRetriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_transport_retries_total",
			Help: "Retries issued by the retryable client",
		},
		[]string{"action"},
	)
}
