package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initStoreMetrics() {
	r.StoreOperationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_store_operations_total",
			Help: "Segment store operations",
		},
		[]string{"operation", "status"},
	)

	r.StoreOperationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segrep_store_operation_duration_seconds",
			Help:    "Segment store operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	r.RemoteStoreBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_remote_store_bytes_total",
			Help: "Bytes moved to or from the remote segment store",
		},
		[]string{"direction"}, // upload, download
	)
}
