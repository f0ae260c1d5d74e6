package replication

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

func TestCheckpointPublisher_ReportsUnreachableReplica(t *testing.T) {
	c := newTestCluster(t, false)
	if err := c.routing.Membership().AddNode(cluster.NodeInfo{ID: "node-3", Addr: "local://node-3"}); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	routing := testRouting()
	routing.Replicas = append(routing.Replicas, cluster.ReplicaRouting{NodeID: "node-3", AllocationID: "alloc-3"})
	if err := c.routing.Set(routing); err != nil {
		t.Fatalf("routing.Set() error = %v", err)
	}
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.nodes["node-1"].publisher.Publish(ctx, c.primary(), cp)
	if !errors.Is(err, transport.ErrNodeNotConnected) {
		t.Fatalf("Publish() error = %v, want node not connected", err)
	}
	if !strings.Contains(err.Error(), "node-3") || strings.Contains(err.Error(), "node-2") {
		t.Errorf("Publish() error = %q, want only node-3 reported", err)
	}

	got, ok := c.nodes["node-2"].target.LatestReceivedCheckpoint(testShardID)
	if !ok || got.Compare(cp) != 0 {
		t.Errorf("reachable replica received %s, %v; want %s", got, ok, cp)
	}
	c.waitForReplica(t, cp)
}

func TestCheckpointPublisher_NoReplicas(t *testing.T) {
	c := newTestCluster(t, false)
	routing := testRouting()
	routing.Replicas = nil
	if err := c.routing.Set(routing); err != nil {
		t.Fatalf("routing.Set() error = %v", err)
	}
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	if err := c.nodes["node-1"].publisher.Publish(context.Background(), c.primary(), cp); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
