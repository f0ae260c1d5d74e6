package cluster

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-segrep/pkg/metrics"
)

func TestNewClusterMembership(t *testing.T) {
	reg := metrics.NewRegistry()
	membership := NewClusterMembership("node-1", "tcp://localhost:9300", reg)

	local := membership.LocalNode()
	if local.ID != "node-1" || local.Addr != "tcp://localhost:9300" {
		t.Errorf("LocalNode() = %+v", local)
	}
	if got := testutil.ToFloat64(reg.ClusterNodesTotal); got != 1 {
		t.Errorf("node gauge = %v, want 1", got)
	}
}

func TestAddNode(t *testing.T) {
	reg := metrics.NewRegistry()
	membership := NewClusterMembership("node-1", "tcp://localhost:9300", reg)

	node := NodeInfo{ID: "node-2", Addr: "tcp://localhost:9301"}
	if err := membership.AddNode(node); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	nodes := membership.Nodes()
	if len(nodes) != 2 || nodes[0].ID != "node-1" || nodes[1].ID != "node-2" {
		t.Errorf("Nodes() = %v, want node-1, node-2", nodes)
	}
	if got := testutil.ToFloat64(reg.ClusterNodesTotal); got != 2 {
		t.Errorf("node gauge = %v, want 2", got)
	}

	tests := []struct {
		name string
		info NodeInfo
		want error
	}{
		{"duplicate", node, ErrNodeAlreadyExists},
		{"no id", NodeInfo{Addr: "tcp://x:1"}, ErrInvalidNodeID},
		{"no address", NodeInfo{ID: "node-3"}, ErrInvalidNodeAddr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := membership.AddNode(tt.info); !errors.Is(err, tt.want) {
				t.Errorf("AddNode() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRemoveNode(t *testing.T) {
	membership := NewClusterMembership("node-1", "tcp://localhost:9300", metrics.NewRegistry())
	if err := membership.AddNode(NodeInfo{ID: "node-2", Addr: "tcp://localhost:9301"}); err != nil {
		t.Fatal(err)
	}

	if err := membership.RemoveNode("node-2"); err != nil {
		t.Fatalf("RemoveNode() error = %v", err)
	}
	if _, err := membership.GetNode("node-2"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("GetNode() error = %v, want ErrNodeNotFound", err)
	}
	if err := membership.RemoveNode("node-1"); !errors.Is(err, ErrCannotRemoveSelf) {
		t.Errorf("RemoveNode(self) error = %v, want ErrCannotRemoveSelf", err)
	}
	if err := membership.RemoveNode("node-9"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("RemoveNode(unknown) error = %v, want ErrNodeNotFound", err)
	}
}

func TestGetNode_ReturnsCopy(t *testing.T) {
	membership := NewClusterMembership("node-1", "tcp://localhost:9300", metrics.NewRegistry())
	n, err := membership.GetNode("node-1")
	if err != nil {
		t.Fatal(err)
	}
	n.Addr = "tcp://elsewhere:1"
	if got, _ := membership.GetNode("node-1"); got.Addr != "tcp://localhost:9300" {
		t.Errorf("membership changed through returned copy: %s", got.Addr)
	}
}

func TestNewClusterMembershipFromConfig(t *testing.T) {
	cfg := ClusterConfig{
		NodeID:   "node-1",
		NodeAddr: "tcp://localhost:9300",
		Peers: []NodeInfo{
			{ID: "node-1", Addr: "tcp://localhost:9300"},
			{ID: "node-2", Addr: "tcp://localhost:9301"},
		},
	}
	membership, err := NewClusterMembershipFromConfig(cfg, metrics.NewRegistry())
	if err != nil {
		t.Fatalf("NewClusterMembershipFromConfig() error = %v", err)
	}
	if membership.Size() != 2 {
		t.Errorf("Size() = %d, want 2", membership.Size())
	}

	cfg.Peers = append(cfg.Peers, NodeInfo{ID: "node-3"})
	if _, err := NewClusterMembershipFromConfig(cfg, metrics.NewRegistry()); !errors.Is(err, ErrInvalidNodeAddr) {
		t.Errorf("peer without address: error = %v, want ErrInvalidNodeAddr", err)
	}
}

func TestClusterConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClusterConfig
		want error
	}{
		{"no id", ClusterConfig{}, ErrInvalidNodeID},
		{"no address", ClusterConfig{NodeID: "n"}, ErrInvalidNodeAddr},
		{"duplicate peer", ClusterConfig{NodeID: "n", NodeAddr: "tcp://n:1", Peers: []NodeInfo{
			{ID: "p", Addr: "tcp://p:1"}, {ID: "p", Addr: "tcp://p:2"},
		}}, ErrNodeAlreadyExists},
		{"valid", ClusterConfig{NodeID: "n", NodeAddr: "tcp://n:1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	membership := NewClusterMembership("node-1", "tcp://localhost:9300", metrics.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			nodeID := "node-" + string(rune('a'+id))
			_ = membership.AddNode(NodeInfo{ID: nodeID, Addr: "tcp://x:1"})
			membership.Nodes()
			_, _ = membership.GetNode(nodeID)
		}(i)
	}
	wg.Wait()

	if membership.Size() != 11 {
		t.Errorf("Size() = %d, want 11", membership.Size())
	}
}
