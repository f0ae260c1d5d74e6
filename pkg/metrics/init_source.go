package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSourceMetrics() {
	r.CheckpointsPublishedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_checkpoints_published_total",
			Help: "Checkpoints published by primaries to replicas",
		},
		[]string{"status"},
	)

	r.ActiveSnapshots = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "segrep_source_active_snapshots",
			Help: "Commit snapshots leased to replicas that are copying",
		},
	)

	r.ReplicaCheckpointLag = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segrep_replica_checkpoint_lag",
			Help: "Segment infos versions a replica is behind its primary",
		},
		[]string{"shard", "node"},
	)

	r.ReplicaBytesBehind = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segrep_replica_bytes_behind",
			Help: "Bytes of segment files a replica has not yet copied",
		},
		[]string{"shard", "node"},
	)

	r.ReplicaReplicationSeconds = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "segrep_replica_current_replication_seconds",
			Help: "Time the running replication of a replica has taken so far",
		},
		[]string{"shard", "node"},
	)

	r.PressureRejectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_pressure_rejections_total",
			Help: "Writes rejected because too many replicas were stale",
		},
		[]string{"shard"},
	)
}
