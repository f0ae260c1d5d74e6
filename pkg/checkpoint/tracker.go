package checkpoint

import "sync"

// LatestTracker holds, per shard, the most advanced checkpoint received from the primary.
// A stored value is only ever replaced by a strictly-ahead one, so duplicate and
// out-of-order deliveries are harmless.
type LatestTracker struct {
	mu     sync.RWMutex
	latest map[ShardID]ReplicationCheckpoint
}

// NewLatestTracker creates an empty tracker.
func NewLatestTracker() *LatestTracker {
	return &LatestTracker{latest: make(map[ShardID]ReplicationCheckpoint)}
}

// Merge records cp if it is ahead of the stored value for its shard. It returns true when
// the stored value changed.
func (t *LatestTracker) Merge(cp ReplicationCheckpoint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.latest[cp.ShardID]
	if ok && !cp.IsAheadOf(&current) {
		return false
	}
	t.latest[cp.ShardID] = cp
	return true
}

// Get returns the stored checkpoint for a shard.
func (t *LatestTracker) Get(shardID ShardID) (ReplicationCheckpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp, ok := t.latest[shardID]
	return cp, ok
}

// Remove forgets the shard.
func (t *LatestTracker) Remove(shardID ShardID) {
	t.mu.Lock()
	delete(t.latest, shardID)
	t.mu.Unlock()
}

// Len returns the number of tracked shards.
func (t *LatestTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.latest)
}
