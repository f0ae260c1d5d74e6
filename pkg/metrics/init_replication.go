package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_replications_total",
			Help: "Total number of finished segment replication events",
		},
		[]string{"result"}, // done, failed, cancelled
	)

	r.ReplicationsInFlight = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "segrep_replications_in_flight",
			Help: "Number of replication targets currently registered",
		},
	)

	r.ReplicationDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segrep_replication_duration_seconds",
			Help:    "End-to-end replication event latency",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"result"},
	)

	r.ReplicationStageDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segrep_replication_stage_duration_seconds",
			Help:    "Time spent in each replication stage",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	r.ReplicationBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_replication_bytes_total",
			Help: "Segment bytes moved by replication",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationFilesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_replication_files_total",
			Help: "Segment files considered by replication",
		},
		[]string{"outcome"}, // fetched, reused
	)

	r.CheckpointsReceivedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_checkpoints_received_total",
			Help: "Checkpoints received by replicas, by decision taken",
		},
		[]string{"decision"}, // started, deferred, superseded, ignored
	)

	r.ShardFailuresTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "segrep_shard_failures_total",
			Help: "Shards failed because of a replication error",
		},
		[]string{"kind"},
	)
}
