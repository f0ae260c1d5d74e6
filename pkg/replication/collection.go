package replication

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
)

// Collection registers the replications running on a node. It holds at most one active
// target per shard, hands out counted references and times out targets that stop making
// progress.
type Collection struct {
	cancelWait time.Duration
	logger     logging.Logger
	metrics    *metrics.Registry

	mu      sync.Mutex
	nextID  int64
	targets map[int64]*Target
}

// NewCollection creates an empty registry. Cancel waits at most cancelWait for outstanding
// references.
func NewCollection(cancelWait time.Duration, logger logging.Logger, reg *metrics.Registry) *Collection {
	if cancelWait <= 0 {
		cancelWait = DefaultRecoverySettings().CancelWaitTimeout
	}
	return &Collection{
		cancelWait: cancelWait,
		logger:     logging.OrDefault(logger, "replication"),
		metrics:    metrics.OrDefault(reg),
		targets:    make(map[int64]*Target),
	}
}

// Start registers t under a new replication id and arms its inactivity monitor.
func (c *Collection) Start(t *Target, activityTimeout time.Duration) (int64, error) {
	if t.shard.State() == shard.StateClosed {
		return 0, fmt.Errorf("%w: %s", shard.ErrShardClosed, t.ShardID())
	}

	c.mu.Lock()
	for _, existing := range c.targets {
		if existing.ShardID() == t.ShardID() {
			c.mu.Unlock()
			return 0, fmt.Errorf("%w: %s (replication id %d)", ErrReplicationInProgress, t.ShardID(), existing.ID())
		}
	}
	c.nextID++
	id := c.nextID
	t.setID(id)
	c.targets[id] = t
	c.metrics.ReplicationsInFlight.Set(float64(len(c.targets)))
	c.mu.Unlock()

	c.logger.Trace("started replication",
		logging.ReplicationID(id),
		logging.ShardID(t.ShardID()),
		logging.Checkpoint(t.Checkpoint()))

	if activityTimeout > 0 {
		go c.monitor(id, t, activityTimeout)
	}
	return id, nil
}

// monitor fails the target if it makes no progress for a whole activity window.
func (c *Collection) monitor(id int64, t *Target, activityTimeout time.Duration) {
	ticker := time.NewTicker(activityTimeout)
	defer ticker.Stop()

	last := t.lastAccess.Load()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			now := t.lastAccess.Load()
			if now != last {
				last = now
				continue
			}
			c.logger.Warn("replication made no progress, failing it",
				logging.ReplicationID(id),
				logging.ShardID(t.ShardID()),
				logging.Duration("activity_timeout", activityTimeout))
			c.Fail(id, fmt.Errorf("%w: no activity after [%s]", ErrReplicationTimeout, activityTimeout), false)
			return
		}
	}
}

// Get returns a reference to the target, or nil if it is not registered or already
// finishing. The caller must Close the reference.
func (c *Collection) Get(id int64) *Ref {
	c.mu.Lock()
	t, ok := c.targets[id]
	c.mu.Unlock()
	if !ok || !t.tryIncRef() {
		return nil
	}
	return &Ref{target: t}
}

// GetSafe is Get for requests that name a shard: it fails if the id is unknown or belongs
// to another shard.
func (c *Collection) GetSafe(id int64, shardID checkpoint.ShardID) (*Ref, error) {
	ref := c.Get(id)
	if ref == nil {
		return nil, fmt.Errorf("%w: replication id %d", ErrReplicationNotFound, id)
	}
	if ref.Target().ShardID() != shardID {
		got := ref.Target().ShardID()
		ref.Close()
		return nil, fmt.Errorf("%w: replication id %d is for %s, not %s", ErrWrongShard, id, got, shardID)
	}
	return ref, nil
}

// GetTarget returns the registered target without taking a reference.
func (c *Collection) GetTarget(id int64) *Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targets[id]
}

// GetOngoingTarget returns the active target of a shard, or nil.
func (c *Collection) GetOngoingTarget(shardID checkpoint.ShardID) *Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.targets {
		if t.ShardID() == shardID {
			return t
		}
	}
	return nil
}

func (c *Collection) remove(id int64) *Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.targets[id]
	if !ok {
		return nil
	}
	delete(c.targets, id)
	c.metrics.ReplicationsInFlight.Set(float64(len(c.targets)))
	return t
}

// Cancel cancels a replication and waits until every reference to it is released, or
// the cancel wait timeout passes. It reports whether the id was registered.
func (c *Collection) Cancel(id int64, reason string) bool {
	t := c.remove(id)
	if t == nil {
		return false
	}
	c.logger.Trace("cancelling replication",
		logging.ReplicationID(id),
		logging.ShardID(t.ShardID()),
		logging.Reason(reason))
	t.cancelWith(reason)
	if !t.awaitDrained(c.cancelWait) {
		c.logger.Warn("timed out waiting for replication references to be released",
			logging.ReplicationID(id),
			logging.ShardID(t.ShardID()),
			logging.Duration("waited", c.cancelWait))
	}
	return true
}

// CancelForShard cancels the active replication of a shard, if any.
func (c *Collection) CancelForShard(shardID checkpoint.ShardID, reason string) bool {
	cancelled := false
	for _, id := range c.idsForShard(shardID) {
		if c.Cancel(id, reason) {
			cancelled = true
		}
	}
	return cancelled
}

func (c *Collection) idsForShard(shardID checkpoint.ShardID) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for id, t := range c.targets {
		if t.ShardID() == shardID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarkAsDone removes a finished replication and delivers its success.
func (c *Collection) MarkAsDone(id int64) bool {
	t := c.remove(id)
	if t == nil {
		return false
	}
	return t.markAsDone()
}

// Fail removes a replication and delivers err as its failure.
func (c *Collection) Fail(id int64, err error, shardFailure bool) bool {
	t := c.remove(id)
	if t == nil {
		return false
	}
	c.logger.Trace("failing replication",
		logging.ReplicationID(id),
		logging.ShardID(t.ShardID()),
		logging.Bool("shard_failure", shardFailure),
		logging.Error(err))
	return t.fail(err, shardFailure)
}

// Size returns the number of active replications.
func (c *Collection) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}

// CancelAll cancels every active replication.
func (c *Collection) CancelAll(reason string) {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.targets))
	for id := range c.targets {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Cancel(id, reason)
	}
}
