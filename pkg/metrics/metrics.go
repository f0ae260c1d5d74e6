package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecordHTTPRequest records an HTTP request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordReplication records the end of a replication event
func (r *Registry) RecordReplication(result string, duration time.Duration) {
	r.ReplicationsTotal.WithLabelValues(result).Inc()
	r.ReplicationDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordStage records the time a replication spent in one stage
func (r *Registry) RecordStage(stage string, duration time.Duration) {
	r.ReplicationStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordFiles records how many files a replication fetched and how many it reused
func (r *Registry) RecordFiles(fetched, reused int) {
	r.ReplicationFilesTotal.WithLabelValues("fetched").Add(float64(fetched))
	r.ReplicationFilesTotal.WithLabelValues("reused").Add(float64(reused))
}

// RecordBytes records segment bytes sent or received
func (r *Registry) RecordBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	r.ReplicationBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordCheckpoint records the decision taken for an incoming checkpoint
func (r *Registry) RecordCheckpoint(decision string) {
	r.CheckpointsReceivedTotal.WithLabelValues(decision).Inc()
}

// RecordTransportRequest records one transport round trip
func (r *Registry) RecordTransportRequest(action, status string, duration time.Duration) {
	r.TransportRequestsTotal.WithLabelValues(action, status).Inc()
	r.TransportRequestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (r *Registry) RecordStoreOperation(operation, status string, duration time.Duration) {
	r.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	r.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIngest records segment bytes written to a local primary
func (r *Registry) RecordIngest(shard string, n int) {
	r.IngestedBytesTotal.WithLabelValues(shard).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition formats.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}
