package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

// ReplicaRouting is one replica copy of a shard.
type ReplicaRouting struct {
	NodeID       string `yaml:"node" json:"node_id"`
	AllocationID string `yaml:"allocation_id" json:"allocation_id"`
}

// ShardRouting says where the copies of one shard live.
type ShardRouting struct {
	ShardID             checkpoint.ShardID `json:"shard_id"`
	PrimaryNode         string             `json:"primary_node"`
	PrimaryAllocationID string             `json:"primary_allocation_id"`
	PrimaryTerm         uint64             `json:"primary_term"`
	Replicas            []ReplicaRouting   `json:"replicas"`
	// RelocatingTo is the node receiving a primary relocation handoff, if any.
	RelocatingTo string `json:"relocating_to,omitempty"`
}

// IsPrimary reports whether nodeID holds the primary.
func (r ShardRouting) IsPrimary(nodeID string) bool {
	return r.PrimaryNode != "" && r.PrimaryNode == nodeID
}

// IsReplica reports whether nodeID holds a replica.
func (r ShardRouting) IsReplica(nodeID string) bool {
	for _, rep := range r.Replicas {
		if rep.NodeID == nodeID {
			return true
		}
	}
	return false
}

// IsRelocationTarget reports whether nodeID is taking over as primary.
func (r ShardRouting) IsRelocationTarget(nodeID string) bool {
	return r.RelocatingTo != "" && r.RelocatingTo == nodeID
}

// AllocationID returns the allocation id of the copy on nodeID.
func (r ShardRouting) AllocationID(nodeID string) (string, bool) {
	if r.IsPrimary(nodeID) {
		return r.PrimaryAllocationID, true
	}
	for _, rep := range r.Replicas {
		if rep.NodeID == nodeID {
			return rep.AllocationID, true
		}
	}
	return "", false
}

// ReplicaNodeIDs lists the replica node ids.
func (r ShardRouting) ReplicaNodeIDs() []string {
	ids := make([]string, 0, len(r.Replicas))
	for _, rep := range r.Replicas {
		ids = append(ids, rep.NodeID)
	}
	return ids
}

func (r ShardRouting) clone() ShardRouting {
	c := r
	c.Replicas = append([]ReplicaRouting(nil), r.Replicas...)
	return c
}

func (r ShardRouting) validate() error {
	if r.ShardID.Index == "" {
		return fmt.Errorf("%w: missing index name", ErrInvalidRouting)
	}
	seen := map[string]bool{}
	if r.PrimaryNode != "" {
		seen[r.PrimaryNode] = true
	}
	for _, rep := range r.Replicas {
		if rep.NodeID == "" {
			return fmt.Errorf("%w: %s replica without node", ErrInvalidRouting, r.ShardID)
		}
		if seen[rep.NodeID] {
			return fmt.Errorf("%w: %s has two copies on node %s", ErrInvalidRouting, r.ShardID, rep.NodeID)
		}
		seen[rep.NodeID] = true
	}
	return nil
}

// RoutingChange describes one update to the routing table. Old is nil for a new shard;
// New is nil for a removed one.
type RoutingChange struct {
	ShardID checkpoint.ShardID
	Old     *ShardRouting
	New     *ShardRouting
}

// PrimaryChanged reports whether the change moved the primary to another node or term.
func (c RoutingChange) PrimaryChanged() bool {
	if c.Old == nil || c.New == nil {
		return false
	}
	return c.Old.PrimaryNode != c.New.PrimaryNode || c.Old.PrimaryTerm != c.New.PrimaryTerm
}

// RoutingListener observes routing changes. Listeners run synchronously, in registration
// order, after the table has been updated, and must not modify the table.
type RoutingListener func(RoutingChange)

// RoutingTable maps shards to the nodes holding their copies.
type RoutingTable struct {
	membership *ClusterMembership
	metrics    *metrics.Registry

	mu        sync.RWMutex
	shards    map[checkpoint.ShardID]ShardRouting
	listeners []RoutingListener

	// notifyMu keeps listener invocations in the order the table changed.
	notifyMu sync.Mutex
}

// NewRoutingTable creates an empty table resolving nodes through membership.
func NewRoutingTable(membership *ClusterMembership, reg *metrics.Registry) *RoutingTable {
	return &RoutingTable{
		membership: membership,
		metrics:    metrics.OrDefault(reg),
		shards:     make(map[checkpoint.ShardID]ShardRouting),
	}
}

// Subscribe registers a listener for subsequent changes.
func (rt *RoutingTable) Subscribe(l RoutingListener) {
	rt.mu.Lock()
	rt.listeners = append(rt.listeners, l)
	rt.mu.Unlock()
}

// Set installs or replaces the routing of a shard.
func (rt *RoutingTable) Set(r ShardRouting) error {
	if err := r.validate(); err != nil {
		return err
	}
	r = r.clone()

	rt.notifyMu.Lock()
	defer rt.notifyMu.Unlock()

	rt.mu.Lock()
	old, existed := rt.shards[r.ShardID]
	rt.shards[r.ShardID] = r
	listeners := rt.listeners
	rt.metrics.RoutedShardsTotal.Set(float64(len(rt.shards)))
	rt.mu.Unlock()

	change := RoutingChange{ShardID: r.ShardID, New: &r}
	kind := "added"
	if existed {
		change.Old = &old
		kind = "updated"
		if change.PrimaryChanged() {
			kind = "primary_changed"
		}
	}
	rt.metrics.RoutingChangesTotal.WithLabelValues(kind).Inc()
	rt.notify(listeners, change)
	return nil
}

// Remove drops a shard from the table.
func (rt *RoutingTable) Remove(shardID checkpoint.ShardID) bool {
	rt.notifyMu.Lock()
	defer rt.notifyMu.Unlock()

	rt.mu.Lock()
	old, existed := rt.shards[shardID]
	delete(rt.shards, shardID)
	listeners := rt.listeners
	rt.metrics.RoutedShardsTotal.Set(float64(len(rt.shards)))
	rt.mu.Unlock()

	if !existed {
		return false
	}
	rt.metrics.RoutingChangesTotal.WithLabelValues("removed").Inc()
	rt.notify(listeners, RoutingChange{ShardID: shardID, Old: &old})
	return true
}

// Promote makes nodeID the primary of the shard under a new primary term. The node is
// removed from the replica list; the previous primary is dropped.
func (rt *RoutingTable) Promote(shardID checkpoint.ShardID, nodeID string) (ShardRouting, error) {
	r, ok := rt.Get(shardID)
	if !ok {
		return ShardRouting{}, fmt.Errorf("%w: %s", ErrShardNotRouted, shardID)
	}
	allocationID, ok := r.AllocationID(nodeID)
	if !ok || r.IsPrimary(nodeID) {
		return ShardRouting{}, fmt.Errorf("%w: %s on %s", ErrNotAReplica, shardID, nodeID)
	}

	replicas := make([]ReplicaRouting, 0, len(r.Replicas))
	for _, rep := range r.Replicas {
		if rep.NodeID != nodeID {
			replicas = append(replicas, rep)
		}
	}
	r.PrimaryNode = nodeID
	r.PrimaryAllocationID = allocationID
	r.PrimaryTerm++
	r.Replicas = replicas
	r.RelocatingTo = ""

	if err := rt.Set(r); err != nil {
		return ShardRouting{}, err
	}
	return r, nil
}

// StartRelocation marks nodeID as the target of a primary relocation handoff.
func (rt *RoutingTable) StartRelocation(shardID checkpoint.ShardID, nodeID string) error {
	r, ok := rt.Get(shardID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrShardNotRouted, shardID)
	}
	if !r.IsReplica(nodeID) {
		return fmt.Errorf("%w: %s on %s", ErrNotAReplica, shardID, nodeID)
	}
	r.RelocatingTo = nodeID
	return rt.Set(r)
}

// Get returns a copy of the shard's routing.
func (rt *RoutingTable) Get(shardID checkpoint.ShardID) (ShardRouting, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.shards[shardID]
	if !ok {
		return ShardRouting{}, false
	}
	return r.clone(), true
}

// PrimaryNode resolves the node holding the shard's primary.
func (rt *RoutingTable) PrimaryNode(shardID checkpoint.ShardID) (NodeInfo, error) {
	r, ok := rt.Get(shardID)
	if !ok {
		return NodeInfo{}, fmt.Errorf("%w: %s", ErrShardNotRouted, shardID)
	}
	if r.PrimaryNode == "" {
		return NodeInfo{}, fmt.Errorf("%w: %s", ErrNoPrimary, shardID)
	}
	node, err := rt.membership.GetNode(r.PrimaryNode)
	if err != nil {
		return NodeInfo{}, fmt.Errorf("primary %s of %s: %w", r.PrimaryNode, shardID, err)
	}
	return *node, nil
}

// ReplicaNodes resolves the nodes holding the shard's replicas. Replicas on nodes missing
// from membership are skipped.
func (rt *RoutingTable) ReplicaNodes(shardID checkpoint.ShardID) ([]NodeInfo, error) {
	r, ok := rt.Get(shardID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotRouted, shardID)
	}
	nodes := make([]NodeInfo, 0, len(r.Replicas))
	for _, rep := range r.Replicas {
		node, err := rt.membership.GetNode(rep.NodeID)
		if err != nil {
			continue
		}
		nodes = append(nodes, *node)
	}
	return nodes, nil
}

// Shards lists every routed shard in index, id order.
func (rt *RoutingTable) Shards() []checkpoint.ShardID {
	rt.mu.RLock()
	ids := make([]checkpoint.ShardID, 0, len(rt.shards))
	for id := range rt.shards {
		ids = append(ids, id)
	}
	rt.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Index != ids[j].Index {
			return ids[i].Index < ids[j].Index
		}
		return ids[i].ID < ids[j].ID
	})
	return ids
}

// ShardsOnNode returns the routing of every shard with a copy on nodeID.
func (rt *RoutingTable) ShardsOnNode(nodeID string) []ShardRouting {
	var out []ShardRouting
	for _, id := range rt.Shards() {
		r, ok := rt.Get(id)
		if ok && (r.IsPrimary(nodeID) || r.IsReplica(nodeID)) {
			out = append(out, r)
		}
	}
	return out
}

// Membership returns the membership used to resolve nodes.
func (rt *RoutingTable) Membership() *ClusterMembership {
	return rt.membership
}

func (rt *RoutingTable) notify(listeners []RoutingListener, change RoutingChange) {
	for _, l := range listeners {
		l(change)
	}
}
