package replication

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// TestMain verifies replication tests leave no goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testShardID = checkpoint.NewShardID("logs", 0)

func testRouting() cluster.ShardRouting {
	return cluster.ShardRouting{
		ShardID:             testShardID,
		PrimaryNode:         "node-1",
		PrimaryAllocationID: "alloc-1",
		PrimaryTerm:         1,
		Replicas:            []cluster.ReplicaRouting{{NodeID: "node-2", AllocationID: "alloc-2"}},
	}
}

func openStore(t *testing.T) *store.FSStore {
	t.Helper()
	st, err := store.Open(t.TempDir(), logging.NewNopLogger())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	return st
}

func newShard(t *testing.T, nodeID string, st store.Store, routing cluster.ShardRouting) *shard.IndexShard {
	t.Helper()
	s, err := shard.New(shard.Options{
		ShardID: testShardID,
		NodeID:  nodeID,
		Store:   st,
		Routing: routing,
		Codec:   "test",
		Logger:  logging.NewNopLogger(),
		Metrics: metrics.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("shard.New() error = %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s
}

// newPrimary returns a started primary holding one commit per entry of segments.
func newPrimary(t *testing.T, segments ...map[string]string) *shard.IndexShard {
	t.Helper()
	p := newShard(t, "node-1", openStore(t), testRouting())
	for _, files := range segments {
		writeAndRefresh(t, p, files)
	}
	return p
}

func writeAndRefresh(t *testing.T, p *shard.IndexShard, files map[string]string) checkpoint.ReplicationCheckpoint {
	t.Helper()
	for name, data := range files {
		if _, err := p.WriteSegmentFile(name, []byte(data)); err != nil {
			t.Fatalf("WriteSegmentFile(%s) error = %v", name, err)
		}
	}
	cp, err := p.Refresh()
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return cp
}

func newReplica(t *testing.T) *shard.IndexShard {
	t.Helper()
	return newShard(t, "node-2", openStore(t), testRouting())
}

// commitLocal commits files directly on a replica's store, as if it had replicated them.
func commitLocal(t *testing.T, st store.Store, files map[string]string) {
	t.Helper()
	snap := store.MetadataSnapshot{}
	for name, data := range files {
		md, err := st.WriteFile(name, []byte(data))
		if err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
		snap[name] = md
	}
	if _, err := st.CommitSegmentInfos(store.Commit{Generation: 1, Version: 1, PrimaryTerm: 1, Files: snap}); err != nil {
		t.Fatalf("CommitSegmentInfos() error = %v", err)
	}
}

// shardSource serves a primary shard in-process, without a transport.
type shardSource struct {
	primary *shard.IndexShard

	// block, when set, holds GetSegmentFiles until it is closed or ctx is done.
	block   chan struct{}
	entered chan struct{}
	corrupt bool

	mu        sync.Mutex
	requested []store.FileMetadata
	calls     int
}

func newShardSource(p *shard.IndexShard) *shardSource {
	return &shardSource{primary: p, entered: make(chan struct{}, 8)}
}

func (s *shardSource) GetCheckpointMetadata(ctx context.Context, _ int64, _ checkpoint.ReplicationCheckpoint) (*CheckpointInfo, error) {
	snap, err := s.primary.AcquireSnapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	infos, err := snap.Commit().Encode()
	if err != nil {
		return nil, err
	}
	return &CheckpointInfo{
		Checkpoint: shard.CheckpointFromCommit(testShardID, snap.Commit()),
		Metadata:   snap.Metadata(),
		InfosBytes: infos,
	}, nil
}

func (s *shardSource) GetSegmentFiles(ctx context.Context, _ int64, _ checkpoint.ReplicationCheckpoint,
	files []store.FileMetadata, w FileChunkWriter) error {
	s.mu.Lock()
	s.calls++
	s.requested = append(s.requested, files...)
	s.mu.Unlock()
	s.entered <- struct{}{}

	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, md := range files {
		data, err := s.primary.Store().ReadFile(md.Name)
		if err != nil {
			return err
		}
		if s.corrupt && len(data) > 0 {
			data = bytes.Clone(data)
			data[0] ^= 0xff
		}
		if err := w.WriteFileChunk(ctx, md, 0, data, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *shardSource) Description() string { return "in-process:" + s.primary.NodeID() }

func (s *shardSource) requestedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.requested))
	for _, md := range s.requested {
		names = append(names, md.Name)
	}
	return names
}

// outcomeRecorder collects the outcomes delivered to a replication listener.
type outcomeRecorder struct {
	ch chan Outcome
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{ch: make(chan Outcome, 4)}
}

func (r *outcomeRecorder) listener() Listener {
	return func(_ *Target, o Outcome) { r.ch <- o }
}

func (r *outcomeRecorder) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-r.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for replication outcome")
		return Outcome{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
