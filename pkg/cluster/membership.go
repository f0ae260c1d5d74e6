// Package cluster tracks the nodes of the cluster and where each shard's primary and
// replicas live.
//
// This package handles:
//   - Node membership (the address each node id is reached at)
//   - The shard routing table (primary node, primary term, replica allocations)
//   - Routing change notifications
package cluster

import (
	"sort"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

// NodeInfo is a cluster node and the transport address its peers dial.
type NodeInfo struct {
	ID   string `yaml:"id" json:"id"`
	Addr string `yaml:"address" json:"address"`
}

// ClusterMembership is the set of nodes shards can be allocated to. The local node is
// always a member. Returned NodeInfo values are copies.
type ClusterMembership struct {
	mu      sync.RWMutex
	local   NodeInfo
	nodes   map[string]NodeInfo
	metrics *metrics.Registry
}

func NewClusterMembership(localNodeID, localAddr string, reg *metrics.Registry) *ClusterMembership {
	local := NodeInfo{ID: localNodeID, Addr: localAddr}
	cm := &ClusterMembership{
		local:   local,
		nodes:   map[string]NodeInfo{localNodeID: local},
		metrics: metrics.OrDefault(reg),
	}
	cm.metrics.ClusterNodesTotal.Set(1)
	return cm
}

// NewClusterMembershipFromConfig creates membership holding the local node and its
// configured peers.
func NewClusterMembershipFromConfig(cfg ClusterConfig, reg *metrics.Registry) (*ClusterMembership, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cm := NewClusterMembership(cfg.NodeID, cfg.NodeAddr, reg)
	for _, p := range cfg.Peers {
		if p.ID == cfg.NodeID {
			continue
		}
		if err := cm.AddNode(p); err != nil {
			return nil, err
		}
	}
	return cm, nil
}

func (cm *ClusterMembership) AddNode(info NodeInfo) error {
	if info.ID == "" {
		return ErrInvalidNodeID
	}
	if info.Addr == "" {
		return ErrInvalidNodeAddr
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.nodes[info.ID]; ok {
		return ErrNodeAlreadyExists
	}
	cm.nodes[info.ID] = info
	cm.metrics.ClusterNodesTotal.Set(float64(len(cm.nodes)))
	return nil
}

// RemoveNode drops a peer. Shards routed to it become unreachable until rerouted.
func (cm *ClusterMembership) RemoveNode(nodeID string) error {
	if nodeID == cm.local.ID {
		return ErrCannotRemoveSelf
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	delete(cm.nodes, nodeID)
	cm.metrics.ClusterNodesTotal.Set(float64(len(cm.nodes)))
	return nil
}

func (cm *ClusterMembership) GetNode(nodeID string) (*NodeInfo, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	n, ok := cm.nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return &n, nil
}

func (cm *ClusterMembership) LocalNode() NodeInfo { return cm.local }

// Nodes returns every member ordered by id.
func (cm *ClusterMembership) Nodes() []NodeInfo {
	cm.mu.RLock()
	out := make([]NodeInfo, 0, len(cm.nodes))
	for _, n := range cm.nodes {
		out = append(out, n)
	}
	cm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (cm *ClusterMembership) Size() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.nodes)
}
