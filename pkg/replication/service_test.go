package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

type testNode struct {
	id        string
	transport *transport.LocalTransport
	indices   *shard.Indices
	source    *SourceService
	target    *TargetService
	publisher *CheckpointPublisher
}

// testCluster is a primary on node-1 and a replica on node-2 over a LocalNetwork.
type testCluster struct {
	network *transport.LocalNetwork
	routing *cluster.RoutingTable
	nodes   map[string]*testNode
}

func testSettings() RecoverySettings {
	s := DefaultRecoverySettings()
	s.ChunkSize = 3
	s.Workers = 2
	s.MaxBytesPerSec = 0
	s.CancelWaitTimeout = 5 * time.Second
	s.InternalActionRetryTimeout = 200 * time.Millisecond
	return s
}

// newTestCluster starts both copies of the test shard. With publish set, primary refreshes
// are announced to the replica.
func newTestCluster(t *testing.T, publish bool) *testCluster {
	t.Helper()
	reg := metrics.NewRegistry()
	nop := logging.NewNopLogger()
	membership := cluster.NewClusterMembership("node-1", "local://node-1", reg)
	if err := membership.AddNode(cluster.NodeInfo{ID: "node-2", Addr: "local://node-2"}); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	c := &testCluster{
		network: transport.NewLocalNetwork(nop, reg),
		routing: cluster.NewRoutingTable(membership, reg),
		nodes:   make(map[string]*testNode),
	}
	if err := c.routing.Set(testRouting()); err != nil {
		t.Fatalf("routing.Set() error = %v", err)
	}

	for _, id := range []string{"node-1", "node-2"} {
		n := &testNode{id: id, transport: c.network.NewTransport(id)}
		n.indices = shard.NewIndices(id, t.TempDir(), c.routing, nop, metrics.NewRegistry())
		settings := testSettings()
		client := transport.NewRetryableClient(n.transport, settings.RetryConfig(), nop, reg)

		var err error
		n.source, err = NewSourceService(SourceServiceOptions{
			Shards:    n.indices,
			Transport: n.transport,
			Client:    client,
			Settings:  testSettings(),
			Logger:    nop,
			Metrics:   metrics.NewRegistry(),
		})
		if err != nil {
			t.Fatalf("NewSourceService() error = %v", err)
		}
		n.target, err = NewTargetService(TargetServiceOptions{
			Shards:    n.indices,
			Routing:   c.routing,
			Transport: n.transport,
			Client:    client,
			Settings:  testSettings(),
			Logger:    nop,
			Metrics:   metrics.NewRegistry(),
		})
		if err != nil {
			t.Fatalf("NewTargetService() error = %v", err)
		}
		n.publisher = NewCheckpointPublisher(PublisherOptions{
			Client:  client,
			Routing: c.routing,
			Tracker: n.source.Tracker(),
			Logger:  nop,
		})
		n.indices.AddListener(n.target)
		n.indices.AddListener(n.source)

		sh, err := n.indices.CreateShard(testShardID)
		if err != nil {
			t.Fatalf("CreateShard(%s) error = %v", id, err)
		}
		if publish {
			sh.OnRefresh(n.publisher.OnRefresh)
		}
		if err := n.indices.StartShard(testShardID); err != nil {
			t.Fatalf("StartShard(%s) error = %v", id, err)
		}
		c.nodes[id] = n
	}

	t.Cleanup(func() {
		for _, n := range c.nodes {
			n.publisher.Close()
			_ = n.target.Close()
		}
		for _, n := range c.nodes {
			_ = n.source.Close()
		}
		for _, n := range c.nodes {
			_ = n.transport.Close()
		}
		for _, n := range c.nodes {
			_ = n.indices.Close()
		}
	})
	return c
}

func (c *testCluster) primary() *shard.IndexShard { return c.nodes["node-1"].indices.GetShard(testShardID) }
func (c *testCluster) replica() *shard.IndexShard { return c.nodes["node-2"].indices.GetShard(testShardID) }

func (c *testCluster) waitForReplica(t *testing.T, want checkpoint.ReplicationCheckpoint) {
	t.Helper()
	waitFor(t, "replica to reach "+want.String(), func() bool {
		return c.replica().LatestReplicationCheckpoint().Compare(want) == 0
	})
}

// actionGate holds every request for one action inside the network until released.
type actionGate struct {
	entered chan struct{}
	calls   atomic.Int32
	open    chan struct{}
	once    sync.Once
}

func (c *testCluster) hold(t *testing.T, action string) *actionGate {
	t.Helper()
	g := &actionGate{entered: make(chan struct{}, 16), open: make(chan struct{})}
	c.network.SetFault(func(_, _ transport.NodeRef, a string) error {
		if a != action {
			return nil
		}
		g.calls.Add(1)
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.open
		return nil
	})
	t.Cleanup(g.release)
	return g
}

func (g *actionGate) release() { g.once.Do(func() { close(g.open) }) }

func (g *actionGate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a held request")
	}
}

func TestTargetService_PublishedCheckpointIsReplicated(t *testing.T) {
	c := newTestCluster(t, true)
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "segment zero", "_1.seg": "one"})
	c.waitForReplica(t, cp)

	for name, want := range map[string]string{"_0.seg": "segment zero", "_1.seg": "one"} {
		got, err := c.replica().Store().ReadFile(name)
		if err != nil || string(got) != want {
			t.Errorf("ReadFile(%s) = %q, %v; want %q", name, got, err, want)
		}
	}

	src := c.nodes["node-1"].source
	waitFor(t, "primary to learn the visible checkpoint", func() bool {
		stats := src.Tracker().Stats(testShardID)
		return len(stats) == 1 && stats[0].Visible.Compare(cp) == 0
	})
	if stats := src.Tracker().Stats(testShardID); stats[0].CheckpointsBehind != 0 || stats[0].BytesBehind != 0 {
		t.Errorf("replica stats = %+v, want caught up", stats[0])
	}
	waitFor(t, "copies to be released", func() bool { return src.OngoingCopies() == 0 })

	st, ok := c.nodes["node-2"].target.GetSegmentReplicationState(testShardID)
	if !ok || st.Stage != StageDone || st.Index.RecoveredFiles != 2 {
		t.Errorf("replication state = %+v, %v", st, ok)
	}
}

func TestTargetService_ReplaysLatestCheckpoint(t *testing.T) {
	c := newTestCluster(t, true)
	var last checkpoint.ReplicationCheckpoint
	for _, data := range []string{"first", "second", "third", "fourth"} {
		last = writeAndRefresh(t, c.primary(), map[string]string{"_" + data + ".seg": data})
	}
	c.waitForReplica(t, last)

	got, err := c.replica().Store().ReadFile("_fourth.seg")
	if err != nil || string(got) != "fourth" {
		t.Errorf("ReadFile(_fourth.seg) = %q, %v", got, err)
	}
	if got, ok := c.nodes["node-2"].target.LatestReceivedCheckpoint(testShardID); !ok || got.Compare(last) != 0 {
		t.Errorf("LatestReceivedCheckpoint() = %s, %v", got, ok)
	}
}

func TestTargetService_DefersWhileRunning(t *testing.T) {
	c := newTestCluster(t, false)
	svc := c.nodes["node-2"].target
	replica := c.replica()

	rec := newOutcomeRecorder()
	idle := NewTarget(replica, checkpoint.New(testShardID, 1, 0, 0, 0, ""), idleSource{}, rec.listener(), TargetOptions{})
	id, err := svc.Collection().Start(idle, 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})
	svc.OnNewCheckpoint(cp, replica)

	if got := svc.Collection().GetOngoingTarget(testShardID); got != idle {
		t.Fatalf("ongoing target = %v, want the running one", got)
	}
	if got, ok := svc.LatestReceivedCheckpoint(testShardID); !ok || got.Compare(cp) != 0 {
		t.Errorf("LatestReceivedCheckpoint() = %s, %v; want %s", got, ok, cp)
	}

	svc.Collection().Cancel(id, "test")
	rec.wait(t)
	svc.AfterShardStarted(replica)
	c.waitForReplica(t, cp)
}

func TestTargetService_NewPrimaryTermSupersedes(t *testing.T) {
	c := newTestCluster(t, false)
	svc := c.nodes["node-2"].target
	replica := c.replica()

	rec := newOutcomeRecorder()
	stuck := NewTarget(replica, checkpoint.New(testShardID, 1, 0, 0, 0, ""), idleSource{}, rec.listener(), TargetOptions{})
	stuckID, err := svc.Collection().Start(stuck, 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	routing := testRouting()
	routing.PrimaryTerm = 2
	if err := c.routing.Set(routing); err != nil {
		t.Fatalf("routing.Set() error = %v", err)
	}
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})
	if cp.PrimaryTerm != 2 {
		t.Fatalf("primary term = %d, want 2", cp.PrimaryTerm)
	}

	gate := c.hold(t, transport.ActionGetSegmentFiles)
	svc.OnNewCheckpoint(cp, replica)
	if o := rec.wait(t); o.Kind() != FailureCancelled {
		t.Errorf("stuck target outcome = %s, want cancelled", o.Kind())
	}
	gate.waitEntered(t)

	st, ok := svc.GetLatestCompletedState(testShardID)
	if !ok || st.ReplicationID != stuckID || st.Stage != StageCancelled {
		t.Errorf("completed state = %+v, %v; want replication %d CANCELLED", st, ok, stuckID)
	}
	if got := svc.Collection().Size(); got != 1 {
		t.Errorf("Size() = %d while the replacement runs, want 1", got)
	}
	ongoing := svc.Collection().GetOngoingTarget(testShardID)
	if ongoing == nil || ongoing == stuck {
		t.Fatalf("ongoing target = %v, want a new one", ongoing)
	}

	gate.release()
	c.waitForReplica(t, cp)
	if n := gate.calls.Load(); n != 1 {
		t.Errorf("segment file requests = %d, want 1", n)
	}
	if replica.Failure() != nil {
		t.Errorf("replica failed: %v", replica.Failure())
	}
	waitFor(t, "replacement to be recorded as completed", func() bool {
		st, ok := svc.GetLatestCompletedState(testShardID)
		return ok && st.ReplicationID == ongoing.ID() && st.Stage == StageDone
	})
}

func TestTargetService_ReplaysNewestWhileCopyIsHeld(t *testing.T) {
	c := newTestCluster(t, true)
	svc := c.nodes["node-2"].target
	gate := c.hold(t, transport.ActionGetSegmentFiles)

	v1 := writeAndRefresh(t, c.primary(), map[string]string{"_v1.seg": "one"})
	gate.waitEntered(t)
	ongoing := svc.Collection().GetOngoingTarget(testShardID)
	if ongoing == nil || ongoing.Checkpoint().Compare(v1) != 0 {
		t.Fatalf("ongoing target = %v, want one copying %s", ongoing, v1)
	}

	writeAndRefresh(t, c.primary(), map[string]string{"_v2.seg": "two"})
	v3 := writeAndRefresh(t, c.primary(), map[string]string{"_v3.seg": "three"})
	waitFor(t, "replica to receive "+v3.String(), func() bool {
		got, ok := svc.LatestReceivedCheckpoint(testShardID)
		return ok && got.Compare(v3) == 0
	})
	if got := svc.Collection().GetOngoingTarget(testShardID); got != ongoing {
		t.Fatalf("ongoing target = %v, want the held one", got)
	}

	gate.release()
	c.waitForReplica(t, v3)
	if n := gate.calls.Load(); n != 2 {
		t.Errorf("segment file requests = %d, want 2 (held copy and newest replay)", n)
	}
	for _, name := range []string{"_v1.seg", "_v2.seg", "_v3.seg"} {
		if _, err := c.replica().Store().ReadFile(name); err != nil {
			t.Errorf("ReadFile(%s) error = %v", name, err)
		}
	}
}

func TestTargetService_ClosingShardCancelsReplication(t *testing.T) {
	c := newTestCluster(t, false)
	node := c.nodes["node-2"]
	svc := node.target
	replica := c.replica()
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	c.network.SetDelay(time.Hour)
	svc.OnNewCheckpoint(cp, replica)
	waitFor(t, "replication to fetch metadata", func() bool {
		st, ok := svc.GetOngoingState(testShardID)
		return ok && st.Stage == StageFetchingMetadata
	})
	if _, ok := svc.LatestReceivedCheckpoint(testShardID); !ok {
		t.Fatal("LatestReceivedCheckpoint() missing before close")
	}

	if err := node.indices.CloseShard(testShardID, "test"); err != nil {
		t.Fatalf("CloseShard() error = %v", err)
	}
	if n := svc.Collection().Size(); n != 0 {
		t.Errorf("Size() = %d after CloseShard, want 0", n)
	}
	if got, ok := svc.LatestReceivedCheckpoint(testShardID); ok {
		t.Errorf("LatestReceivedCheckpoint() = %s after CloseShard, want none", got)
	}
	if replica.Failure() != nil {
		t.Errorf("closed replica failed: %v", replica.Failure())
	}
	if replica.State() != shard.StateClosed {
		t.Errorf("replica state = %s, want CLOSED", replica.State())
	}
}

func TestTargetService_PromotionCancelsReplication(t *testing.T) {
	c := newTestCluster(t, false)
	svc := c.nodes["node-2"].target
	replica := c.replica()
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	c.network.SetDelay(time.Hour)
	svc.OnNewCheckpoint(cp, replica)
	waitFor(t, "replication to fetch metadata", func() bool {
		st, ok := svc.GetOngoingState(testShardID)
		return ok && st.Stage == StageFetchingMetadata
	})
	running := svc.Collection().GetOngoingTarget(testShardID)
	if running == nil {
		t.Fatal("no ongoing target before promotion")
	}

	if _, err := c.routing.Promote(testShardID, "node-2"); err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if n := svc.Collection().Size(); n != 0 {
		t.Errorf("Size() = %d after promotion, want 0", n)
	}
	select {
	case <-running.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("promoted replica's replication never finished")
	}
	if st := running.Stage(); st != StageCancelled {
		t.Errorf("replication stage = %s, want CANCELLED", st)
	}
	if _, ok := svc.LatestReceivedCheckpoint(testShardID); ok {
		t.Error("LatestReceivedCheckpoint() kept after promotion")
	}
	if !replica.IsPrimaryMode() || replica.Failure() != nil {
		t.Errorf("promoted replica primary mode = %v, failure = %v", replica.IsPrimaryMode(), replica.Failure())
	}
}

func TestTargetService_CloseDoesNotFailShard(t *testing.T) {
	c := newTestCluster(t, false)
	svc := c.nodes["node-2"].target
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	c.network.SetDelay(time.Hour)
	svc.OnNewCheckpoint(cp, c.replica())
	waitFor(t, "replication to fetch metadata", func() bool {
		st, ok := svc.GetOngoingState(testShardID)
		return ok && st.Stage == StageFetchingMetadata
	})

	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if svc.Collection().Size() != 0 {
		t.Errorf("Size() = %d after Close, want 0", svc.Collection().Size())
	}
	if c.replica().State() != shard.StateStarted || c.replica().Failure() != nil {
		t.Errorf("replica state = %s, failure = %v", c.replica().State(), c.replica().Failure())
	}
	st, ok := svc.GetLatestCompletedState(testShardID)
	if ok && st.Stage != StageCancelled {
		t.Errorf("completed state stage = %s, want CANCELLED", st.Stage)
	}
	if _, err := svc.StartReplication(c.replica(), nil); !errors.Is(err, errServiceClosed) {
		t.Errorf("StartReplication() after Close error = %v", err)
	}
}

func TestTargetService_ForceSync(t *testing.T) {
	c := newTestCluster(t, false)
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero", "_1.seg": "one"})

	primaryNode := c.nodes["node-1"]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := transport.NodeRef{ID: "node-2", Address: "local://node-2"}
	err := primaryNode.transport.Send(ctx, to, transport.ActionForceSync, &transport.ForceSyncRequest{ShardID: testShardID}, nil)
	if err != nil {
		t.Fatalf("force sync error = %v", err)
	}
	if got := c.replica().LatestReplicationCheckpoint(); got.Compare(cp) != 0 {
		t.Errorf("replica checkpoint = %s, want %s", got, cp)
	}
}

func TestTargetService_ForceSyncCancelsRunningReplication(t *testing.T) {
	c := newTestCluster(t, false)
	svc := c.nodes["node-2"].target
	replica := c.replica()

	rec := newOutcomeRecorder()
	idle := NewTarget(replica, checkpoint.New(testShardID, 1, 0, 0, 0, ""), idleSource{}, rec.listener(), TargetOptions{})
	idleID, err := svc.Collection().Start(idle, 0)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cp := writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := transport.NodeRef{ID: "node-2", Address: "local://node-2"}
	err = c.nodes["node-1"].transport.Send(ctx, to, transport.ActionForceSync, &transport.ForceSyncRequest{ShardID: testShardID}, nil)
	if err != nil {
		t.Fatalf("force sync error = %v", err)
	}
	if o := rec.wait(t); o.Kind() != FailureCancelled {
		t.Errorf("running replication outcome = %s, want cancelled", o.Kind())
	}
	if got := replica.LatestReplicationCheckpoint(); got.Compare(cp) != 0 {
		t.Errorf("replica checkpoint = %s, want %s", got, cp)
	}
	if svc.Collection().GetTarget(idleID) != nil {
		t.Error("cancelled replication still registered")
	}
	if replica.Failure() != nil {
		t.Errorf("replica failed: %v", replica.Failure())
	}
}

func TestTargetService_ChunkForUnknownReplication(t *testing.T) {
	c := newTestCluster(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := transport.NewFileChunkRequest(42, testShardID, store.ChecksumBytes("_0.seg", []byte("zero")), 0, []byte("zero"), true, transport.CodecNone)
	if err != nil {
		t.Fatalf("NewFileChunkRequest() error = %v", err)
	}
	to := transport.NodeRef{ID: "node-2", Address: "local://node-2"}
	err = c.nodes["node-1"].transport.Send(ctx, to, transport.ActionFileChunk, req, nil)
	if !errors.Is(err, ErrReplicationNotFound) {
		t.Errorf("FILE_CHUNK error = %v, want ErrReplicationNotFound", err)
	}
}

func TestSourceService_SegmentFilesNeedLease(t *testing.T) {
	c := newTestCluster(t, false)
	writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := transport.NodeRef{ID: "node-1", Address: "local://node-1"}
	err := c.nodes["node-2"].transport.Send(ctx, to, transport.ActionGetSegmentFiles, &transport.GetSegmentFilesRequest{
		ReplicationID:      99,
		TargetNode:         c.nodes["node-2"].transport.LocalNode(),
		TargetAllocationID: "alloc-2",
	}, nil)
	if !errors.Is(err, ErrNoCheckpointLease) {
		t.Errorf("GET_SEGMENT_FILES error = %v, want ErrNoCheckpointLease", err)
	}
}

func TestSourceService_ReplacesAbandonedLease(t *testing.T) {
	c := newTestCluster(t, false)
	writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})
	src := c.nodes["node-1"].source
	replicaNode := c.nodes["node-2"]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := transport.NodeRef{ID: "node-1", Address: "local://node-1"}
	for _, id := range []int64{1, 2} {
		var resp transport.CheckpointInfoResponse
		err := replicaNode.transport.Send(ctx, to, transport.ActionGetCheckpointInfo, &transport.CheckpointInfoRequest{
			ReplicationID:      id,
			TargetNode:         replicaNode.transport.LocalNode(),
			TargetAllocationID: "alloc-2",
			Checkpoint:         checkpoint.Empty(testShardID),
		}, &resp)
		if err != nil {
			t.Fatalf("GET_CHECKPOINT_INFO(%d) error = %v", id, err)
		}
		if _, ok := resp.Metadata["_0.seg"]; !ok {
			t.Errorf("metadata = %v, want _0.seg", resp.Metadata)
		}
	}

	if got := src.OngoingCopies(); got != 1 {
		t.Errorf("OngoingCopies() = %d, want 1", got)
	}
	if got := src.CopyTargets(testShardID); len(got) != 1 || got[0] != "node-2" {
		t.Errorf("CopyTargets() = %v", got)
	}
	if n := src.CancelForShard(testShardID); n != 1 {
		t.Errorf("CancelForShard() = %d, want 1", n)
	}
	if got := c.primary().Store().FileLeaseCount("_0.seg"); got != 0 {
		t.Errorf("lease count = %d after release, want 0", got)
	}
}

func TestSourceService_RejectsReplicaShard(t *testing.T) {
	c := newTestCluster(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := transport.NodeRef{ID: "node-2", Address: "local://node-2"}
	err := c.nodes["node-1"].transport.Send(ctx, to, transport.ActionGetCheckpointInfo, &transport.CheckpointInfoRequest{
		ReplicationID:      1,
		TargetNode:         c.nodes["node-1"].transport.LocalNode(),
		TargetAllocationID: "alloc-1",
		Checkpoint:         checkpoint.Empty(testShardID),
	}, nil)
	if !errors.Is(err, ErrNotPrimary) {
		t.Errorf("GET_CHECKPOINT_INFO on a replica error = %v, want ErrNotPrimary", err)
	}
}

func TestSourceService_RequiresTargetNode(t *testing.T) {
	c := newTestCluster(t, false)
	writeAndRefresh(t, c.primary(), map[string]string{"_0.seg": "zero"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	to := transport.NodeRef{ID: "node-1", Address: "local://node-1"}

	tests := []struct {
		name   string
		action string
		req    any
	}{
		{"checkpoint info", transport.ActionGetCheckpointInfo, &transport.CheckpointInfoRequest{
			ReplicationID:      1,
			TargetAllocationID: "alloc-2",
			Checkpoint:         checkpoint.Empty(testShardID),
		}},
		{"segment files", transport.ActionGetSegmentFiles, &transport.GetSegmentFilesRequest{
			ReplicationID:      1,
			TargetAllocationID: "alloc-2",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.nodes["node-2"].transport.Send(ctx, to, tt.action, tt.req, nil)
			if !errors.Is(err, transport.ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if got := c.nodes["node-1"].source.OngoingCopies(); got != 0 {
		t.Errorf("OngoingCopies() = %d, want 0", got)
	}
}
