// Package pressure reports how far replicas lag behind their primaries. It only reads
// replication state; nothing here changes how replication runs.
package pressure

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/replication"
	"github.com/dd0wney/cluso-segrep/pkg/validation"
)

// ErrBackpressure is returned by CheckWrite when too many replicas of a shard are stale.
var ErrBackpressure = errors.New("rejected: replicas are too far behind the primary")

// StateReader reads replica-side replication state. *replication.TargetService
// implements it.
type StateReader interface {
	GetSegmentReplicationState(id checkpoint.ShardID) (replication.StateSnapshot, bool)
}

// LagReader reads primary-side replica lag. *replication.ReplicationTracker implements it.
type LagReader interface {
	Stats(id checkpoint.ShardID) []replication.ReplicaStats
	Shards() []checkpoint.ShardID
}

// Settings bound the replica lag a primary tolerates before rejecting writes.
type Settings struct {
	Enabled bool `yaml:"enabled"`
	// MaxCheckpointsBehind marks a replica stale once it is more checkpoints behind.
	MaxCheckpointsBehind int64 `yaml:"max_checkpoints_behind"`
	// MaxReplicationTime marks a replica stale once it has been behind this long.
	MaxReplicationTime time.Duration `yaml:"max_replication_time"`
	// MaxStaleReplicaRatio is the share of stale replicas above which writes are rejected.
	MaxStaleReplicaRatio float64 `yaml:"max_stale_replica_ratio"`
}

// DefaultSettings returns the default pressure settings.
func DefaultSettings() Settings {
	return Settings{
		MaxCheckpointsBehind: 4,
		MaxReplicationTime:   5 * time.Minute,
		MaxStaleReplicaRatio: 0.5,
	}
}

// ApplyDefaults fills zero fields from DefaultSettings.
func (s *Settings) ApplyDefaults() {
	d := DefaultSettings()
	s.MaxCheckpointsBehind = validation.DefaultOrInt64(s.MaxCheckpointsBehind, d.MaxCheckpointsBehind)
	s.MaxReplicationTime = validation.DefaultOrDuration(s.MaxReplicationTime, d.MaxReplicationTime)
	s.MaxStaleReplicaRatio = validation.DefaultOr(s.MaxStaleReplicaRatio, d.MaxStaleReplicaRatio)
}

// Validate validates the settings
func (s *Settings) Validate() error {
	return validation.NewConfigValidator("PressureSettings").
		PositiveInt64("MaxCheckpointsBehind", s.MaxCheckpointsBehind).
		MinDuration("MaxReplicationTime", s.MaxReplicationTime, time.Second).
		Custom("MaxStaleReplicaRatio", func() error {
			if s.MaxStaleReplicaRatio <= 0 || s.MaxStaleReplicaRatio > 1 {
				return fmt.Errorf("must be in (0, 1], got %v", s.MaxStaleReplicaRatio)
			}
			return nil
		}).
		Validate()
}

// ShardStats is the lag report of one shard.
type ShardStats struct {
	ShardID checkpoint.ShardID `json:"shard_id"`
	// Replication is this node's replication of the shard, if it hosts a replica.
	Replication *replication.StateSnapshot `json:"replication,omitempty"`
	// Replicas is the lag of each replica, if this node hosts the primary.
	Replicas []replication.ReplicaStats `json:"replicas,omitempty"`

	MaxCheckpointsBehind int64         `json:"max_checkpoints_behind"`
	MaxBytesBehind       int64         `json:"max_bytes_behind"`
	MaxReplicationTime   time.Duration `json:"max_replication_time"`
	StaleReplicas        int           `json:"stale_replicas"`
}

// Service aggregates the lag of the shards this node takes part in.
type Service struct {
	settings Settings
	targets  StateReader
	lag      LagReader
	metrics  *metrics.Registry
}

// New creates a service. Either reader may be nil.
func New(settings Settings, targets StateReader, lag LagReader, reg *metrics.Registry) (*Service, error) {
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		settings: settings,
		targets:  targets,
		lag:      lag,
		metrics:  metrics.OrDefault(reg),
	}, nil
}

// GetSegmentReplicationState returns the ongoing replication of a replica shard hosted
// here, or else its latest completed one.
func (s *Service) GetSegmentReplicationState(id checkpoint.ShardID) (replication.StateSnapshot, bool) {
	if s.targets == nil {
		return replication.StateSnapshot{}, false
	}
	return s.targets.GetSegmentReplicationState(id)
}

// ShardStats reports the lag of one shard.
func (s *Service) ShardStats(id checkpoint.ShardID) ShardStats {
	out := ShardStats{ShardID: id}
	if st, ok := s.GetSegmentReplicationState(id); ok {
		out.Replication = &st
	}
	if s.lag == nil {
		return out
	}
	out.Replicas = s.lag.Stats(id)
	for _, r := range out.Replicas {
		if r.CheckpointsBehind > out.MaxCheckpointsBehind {
			out.MaxCheckpointsBehind = r.CheckpointsBehind
		}
		if r.BytesBehind > out.MaxBytesBehind {
			out.MaxBytesBehind = r.BytesBehind
		}
		if r.CurrentReplicationTime > out.MaxReplicationTime {
			out.MaxReplicationTime = r.CurrentReplicationTime
		}
		if s.isStale(r) {
			out.StaleReplicas++
		}
	}
	return out
}

// Stats reports every shard in ids plus every shard with primary-side lag, sorted.
func (s *Service) Stats(ids ...checkpoint.ShardID) []ShardStats {
	seen := make(map[checkpoint.ShardID]bool)
	var all []checkpoint.ShardID
	add := func(id checkpoint.ShardID) {
		if !seen[id] {
			seen[id] = true
			all = append(all, id)
		}
	}
	for _, id := range ids {
		add(id)
	}
	if s.lag != nil {
		for _, id := range s.lag.Shards() {
			add(id)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Index != all[j].Index {
			return all[i].Index < all[j].Index
		}
		return all[i].ID < all[j].ID
	})
	out := make([]ShardStats, 0, len(all))
	for _, id := range all {
		out = append(out, s.ShardStats(id))
	}
	return out
}

func (s *Service) isStale(r replication.ReplicaStats) bool {
	return r.CheckpointsBehind > s.settings.MaxCheckpointsBehind &&
		r.CurrentReplicationTime > s.settings.MaxReplicationTime
}

// CheckWrite returns ErrBackpressure when pressure is enabled and the share of stale
// replicas of a primary shard is above the limit.
func (s *Service) CheckWrite(id checkpoint.ShardID) error {
	if !s.settings.Enabled || s.lag == nil {
		return nil
	}
	stats := s.ShardStats(id)
	if len(stats.Replicas) == 0 || stats.StaleReplicas == 0 {
		return nil
	}
	ratio := float64(stats.StaleReplicas) / float64(len(stats.Replicas))
	if ratio <= s.settings.MaxStaleReplicaRatio {
		return nil
	}
	s.metrics.PressureRejectionsTotal.WithLabelValues(id.String()).Inc()
	return fmt.Errorf("%w: %d of %d replicas of %s are stale", ErrBackpressure, stats.StaleReplicas, len(stats.Replicas), id)
}
