package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for a node
type Registry struct {
	// Admin Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	IngestedBytesTotal  *prometheus.CounterVec

	// Replication target metrics
	ReplicationsTotal        *prometheus.CounterVec
	ReplicationsInFlight     prometheus.Gauge
	ReplicationDuration      *prometheus.HistogramVec
	ReplicationStageDuration *prometheus.HistogramVec
	ReplicationBytesTotal    *prometheus.CounterVec
	ReplicationFilesTotal    *prometheus.CounterVec
	CheckpointsReceivedTotal *prometheus.CounterVec
	ShardFailuresTotal       *prometheus.CounterVec

	// Replication source metrics
	CheckpointsPublishedTotal *prometheus.CounterVec
	ActiveSnapshots           prometheus.Gauge
	ReplicaCheckpointLag      *prometheus.GaugeVec
	ReplicaBytesBehind        *prometheus.GaugeVec
	ReplicaReplicationSeconds *prometheus.GaugeVec
	PressureRejectionsTotal   *prometheus.CounterVec

	// Cluster Metrics
	ClusterNodesTotal   prometheus.Gauge
	RoutedShardsTotal   prometheus.Gauge
	RoutingChangesTotal *prometheus.CounterVec

	// Transport Metrics
	TransportRequestsTotal   *prometheus.CounterVec
	TransportRequestDuration *prometheus.HistogramVec
	TransportRetriesTotal    *prometheus.CounterVec

	// Store Metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	RemoteStoreBytesTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initAdminMetrics()
	r.initReplicationMetrics()
	r.initSourceMetrics()
	r.initClusterMetrics()
	r.initTransportMetrics()
	r.initStoreMetrics()
	r.initRuntimeMetrics(time.Now())

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// OrDefault returns r, or the global registry when r is nil.
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return DefaultRegistry()
	}
	return r
}
