package replication

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

func trackerCheckpoint(version int64) checkpoint.ReplicationCheckpoint {
	return checkpoint.New(testShardID, 1, version, version, 0, "test")
}

func segmentFiles(names ...string) store.MetadataSnapshot {
	snap := store.MetadataSnapshot{}
	for _, n := range names {
		snap[n] = store.ChecksumBytes(n, []byte(n+"-data"))
	}
	return snap
}

func TestReplicationTracker_Stats(t *testing.T) {
	reg := metrics.NewRegistry()
	rt := NewReplicationTracker(reg)
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rt.now = func() time.Time { return clock }

	rt.MarkPrimaryCheckpoint(trackerCheckpoint(1), segmentFiles("_a"))
	rt.UpdateVisibleCheckpoint(testShardID, "alloc-2", "node-2", trackerCheckpoint(1))
	rt.UpdateVisibleCheckpoint(testShardID, "alloc-3", "node-3", checkpoint.Empty(testShardID))

	clock = clock.Add(time.Second)
	rt.MarkPrimaryCheckpoint(trackerCheckpoint(2), segmentFiles("_a", "_b"))
	clock = clock.Add(2 * time.Second)
	rt.MarkPrimaryCheckpoint(trackerCheckpoint(3), segmentFiles("_a", "_b", "_c"))
	clock = clock.Add(time.Second)
	rt.MarkPrimaryCheckpoint(trackerCheckpoint(2), segmentFiles("_a"))

	stats := rt.Stats(testShardID)
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
	extra := int64(len("_b-data") + len("_c-data"))
	tests := []struct {
		alloc    string
		behind   int64
		bytes    int64
		lagSince time.Duration
	}{
		{"alloc-2", 2, extra, 3 * time.Second},
		{"alloc-3", 3, extra + int64(len("_a-data")), 4 * time.Second},
	}
	for i, tt := range tests {
		got := stats[i]
		if got.AllocationID != tt.alloc {
			t.Fatalf("stats[%d].AllocationID = %s, want %s", i, got.AllocationID, tt.alloc)
		}
		if got.CheckpointsBehind != tt.behind || got.BytesBehind != tt.bytes || got.CurrentReplicationTime != tt.lagSince {
			t.Errorf("%s stats = %+v, want behind=%d bytes=%d time=%s", tt.alloc, got, tt.behind, tt.bytes, tt.lagSince)
		}
	}
	if latest, ok := rt.Latest(testShardID); !ok || latest.SegmentInfosVersion != 3 {
		t.Errorf("Latest() = %s, %v; want version 3", latest, ok)
	}
	if got := testutil.ToFloat64(reg.ReplicaCheckpointLag.WithLabelValues(testShardID.String(), "node-2")); got != 2 {
		t.Errorf("checkpoint lag gauge = %v, want 2", got)
	}

	rt.UpdateVisibleCheckpoint(testShardID, "alloc-2", "node-2", trackerCheckpoint(3))
	rt.UpdateVisibleCheckpoint(testShardID, "alloc-2", "node-2", trackerCheckpoint(1))
	if got := rt.Stats(testShardID)[0]; got.CheckpointsBehind != 0 || got.BytesBehind != 0 || got.CurrentReplicationTime != 0 {
		t.Errorf("caught up replica stats = %+v", got)
	}
}

func TestReplicationTracker_Remove(t *testing.T) {
	rt := NewReplicationTracker(metrics.NewRegistry())
	rt.MarkPrimaryCheckpoint(trackerCheckpoint(1), segmentFiles("_a"))
	rt.UpdateVisibleCheckpoint(testShardID, "alloc-2", "node-2", trackerCheckpoint(1))
	rt.UpdateVisibleCheckpoint(testShardID, "alloc-3", "node-3", trackerCheckpoint(1))

	rt.RemoveReplica(testShardID, "alloc-3")
	if got := rt.Stats(testShardID); len(got) != 1 || got[0].AllocationID != "alloc-2" {
		t.Errorf("Stats() after RemoveReplica = %+v", got)
	}
	if got := rt.Shards(); len(got) != 1 || got[0] != testShardID {
		t.Errorf("Shards() = %v", got)
	}

	rt.Remove(testShardID)
	if got := rt.Stats(testShardID); got != nil {
		t.Errorf("Stats() after Remove = %+v, want nil", got)
	}
	if _, ok := rt.Latest(testShardID); ok {
		t.Error("Latest() after Remove reported a checkpoint")
	}
}

func TestReplicationTracker_BoundedHistory(t *testing.T) {
	rt := NewReplicationTracker(metrics.NewRegistry())
	rt.UpdateVisibleCheckpoint(testShardID, "alloc-2", "node-2", checkpoint.Empty(testShardID))
	for v := int64(1); v <= maxTrackedCheckpoints+10; v++ {
		rt.MarkPrimaryCheckpoint(trackerCheckpoint(v), segmentFiles("_a"))
	}
	if got := rt.Stats(testShardID)[0].CheckpointsBehind; got != maxTrackedCheckpoints {
		t.Errorf("CheckpointsBehind = %d, want %d", got, maxTrackedCheckpoints)
	}
}
