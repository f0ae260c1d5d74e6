package replication

import (
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// maxTrackedCheckpoints bounds the per-shard history a primary keeps to compute lag.
const maxTrackedCheckpoints = 64

// ReplicaStats is the primary's view of how far one replica is behind.
type ReplicaStats struct {
	AllocationID string                           `json:"allocation_id"`
	NodeID       string                           `json:"node_id"`
	Visible      checkpoint.ReplicationCheckpoint `json:"visible_checkpoint"`
	// CheckpointsBehind counts the primary checkpoints published after Visible.
	CheckpointsBehind int64 `json:"checkpoints_behind"`
	// BytesBehind is the size of the primary's current files the replica does not have.
	BytesBehind int64 `json:"bytes_behind"`
	// CurrentReplicationTime is how long the replica has been behind, zero when caught up.
	CurrentReplicationTime time.Duration `json:"current_replication_time"`
	LastUpdated            time.Time     `json:"last_updated"`
}

type trackedCheckpoint struct {
	cp       checkpoint.ReplicationCheckpoint
	files    store.MetadataSnapshot
	received time.Time
}

type replicaEntry struct {
	nodeID  string
	visible checkpoint.ReplicationCheckpoint
	updated time.Time
}

type shardTracking struct {
	history  []trackedCheckpoint
	replicas map[string]*replicaEntry
}

// ReplicationTracker records, on a primary, the checkpoints it published and the
// checkpoint each replica reported as visible.
type ReplicationTracker struct {
	metrics *metrics.Registry
	now     func() time.Time

	mu     sync.Mutex
	shards map[checkpoint.ShardID]*shardTracking
}

// NewReplicationTracker creates an empty tracker.
func NewReplicationTracker(reg *metrics.Registry) *ReplicationTracker {
	return &ReplicationTracker{
		metrics: metrics.OrDefault(reg),
		now:     time.Now,
		shards:  make(map[checkpoint.ShardID]*shardTracking),
	}
}

func (rt *ReplicationTracker) shardLocked(id checkpoint.ShardID) *shardTracking {
	st := rt.shards[id]
	if st == nil {
		st = &shardTracking{replicas: make(map[string]*replicaEntry)}
		rt.shards[id] = st
	}
	return st
}

// MarkPrimaryCheckpoint records a checkpoint the primary produced and the files it is made of.
func (rt *ReplicationTracker) MarkPrimaryCheckpoint(cp checkpoint.ReplicationCheckpoint, files store.MetadataSnapshot) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.shardLocked(cp.ShardID)
	if n := len(st.history); n > 0 && !cp.IsAheadOf(&st.history[n-1].cp) {
		return
	}
	st.history = append(st.history, trackedCheckpoint{cp: cp, files: files, received: rt.now()})
	if len(st.history) > maxTrackedCheckpoints {
		st.history = append([]trackedCheckpoint(nil), st.history[len(st.history)-maxTrackedCheckpoints:]...)
	}
	rt.publishLocked(cp.ShardID, st)
}

// UpdateVisibleCheckpoint records the checkpoint a replica finished replicating to.
// Older reports than the one already held are ignored.
func (rt *ReplicationTracker) UpdateVisibleCheckpoint(id checkpoint.ShardID, allocationID, nodeID string, cp checkpoint.ReplicationCheckpoint) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.shardLocked(id)
	e := st.replicas[allocationID]
	if e == nil {
		e = &replicaEntry{}
		st.replicas[allocationID] = e
	}
	e.nodeID = nodeID
	e.updated = rt.now()
	if cp.IsAheadOf(&e.visible) {
		e.visible = cp
	}
	rt.publishLocked(id, st)
}

// RemoveReplica stops tracking an allocation.
func (rt *ReplicationTracker) RemoveReplica(id checkpoint.ShardID, allocationID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.shards[id]
	if st == nil {
		return
	}
	if e := st.replicas[allocationID]; e != nil {
		rt.deleteGaugesLocked(id, e.nodeID)
		delete(st.replicas, allocationID)
	}
}

// Remove forgets a shard, for example when its primary moved away.
func (rt *ReplicationTracker) Remove(id checkpoint.ShardID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.shards[id]
	if st == nil {
		return
	}
	for _, e := range st.replicas {
		rt.deleteGaugesLocked(id, e.nodeID)
	}
	delete(rt.shards, id)
}

// Latest returns the newest checkpoint the primary produced.
func (rt *ReplicationTracker) Latest(id checkpoint.ShardID) (checkpoint.ReplicationCheckpoint, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.shards[id]
	if st == nil || len(st.history) == 0 {
		return checkpoint.ReplicationCheckpoint{}, false
	}
	return st.history[len(st.history)-1].cp, true
}

// Stats returns the lag of every tracked replica of a shard, sorted by allocation id.
func (rt *ReplicationTracker) Stats(id checkpoint.ShardID) []ReplicaStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := rt.shards[id]
	if st == nil {
		return nil
	}
	out := make([]ReplicaStats, 0, len(st.replicas))
	for alloc, e := range st.replicas {
		out = append(out, rt.statsLocked(st, alloc, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocationID < out[j].AllocationID })
	return out
}

// Shards lists the shards with tracked state.
func (rt *ReplicationTracker) Shards() []checkpoint.ShardID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]checkpoint.ShardID, 0, len(rt.shards))
	for id := range rt.shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Index != ids[j].Index {
			return ids[i].Index < ids[j].Index
		}
		return ids[i].ID < ids[j].ID
	})
	return ids
}

func (rt *ReplicationTracker) statsLocked(st *shardTracking, alloc string, e *replicaEntry) ReplicaStats {
	s := ReplicaStats{
		AllocationID: alloc,
		NodeID:       e.nodeID,
		Visible:      e.visible,
		LastUpdated:  e.updated,
	}
	if len(st.history) == 0 {
		return s
	}

	var oldestAhead *trackedCheckpoint
	var replicaFiles store.MetadataSnapshot
	for i := range st.history {
		h := &st.history[i]
		if h.cp.IsAheadOf(&e.visible) {
			s.CheckpointsBehind++
			if oldestAhead == nil {
				oldestAhead = h
			}
		} else if h.cp == e.visible {
			replicaFiles = h.files
		}
	}
	if oldestAhead == nil {
		return s
	}

	s.CurrentReplicationTime = rt.now().Sub(oldestAhead.received)
	latest := st.history[len(st.history)-1].files
	for name, md := range latest {
		if have, ok := replicaFiles[name]; ok && have.IsSame(md) {
			continue
		}
		s.BytesBehind += md.Length
	}
	return s
}

func (rt *ReplicationTracker) publishLocked(id checkpoint.ShardID, st *shardTracking) {
	shardLabel := id.String()
	for alloc, e := range st.replicas {
		s := rt.statsLocked(st, alloc, e)
		rt.metrics.ReplicaCheckpointLag.WithLabelValues(shardLabel, e.nodeID).Set(float64(s.CheckpointsBehind))
		rt.metrics.ReplicaBytesBehind.WithLabelValues(shardLabel, e.nodeID).Set(float64(s.BytesBehind))
		rt.metrics.ReplicaReplicationSeconds.WithLabelValues(shardLabel, e.nodeID).Set(s.CurrentReplicationTime.Seconds())
	}
}

func (rt *ReplicationTracker) deleteGaugesLocked(id checkpoint.ShardID, nodeID string) {
	shardLabel := id.String()
	rt.metrics.ReplicaCheckpointLag.DeleteLabelValues(shardLabel, nodeID)
	rt.metrics.ReplicaBytesBehind.DeleteLabelValues(shardLabel, nodeID)
	rt.metrics.ReplicaReplicationSeconds.DeleteLabelValues(shardLabel, nodeID)
}
