package replication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

// PrimaryShardSource copies from the node holding the primary. The primary pins the commit
// on GET_CHECKPOINT_INFO and streams file bytes back to this node as FILE_CHUNK requests
// while GET_SEGMENT_FILES is outstanding.
type PrimaryShardSource struct {
	client             *transport.RetryableClient
	local              transport.NodeRef
	primary            transport.NodeRef
	shardID            checkpoint.ShardID
	targetAllocationID string
}

// NewPrimaryShardSource creates a source for the primary on node primary.
func NewPrimaryShardSource(client *transport.RetryableClient, local, primary transport.NodeRef,
	shardID checkpoint.ShardID, targetAllocationID string) *PrimaryShardSource {
	return &PrimaryShardSource{
		client:             client,
		local:              local,
		primary:            primary,
		shardID:            shardID,
		targetAllocationID: targetAllocationID,
	}
}

func (s *PrimaryShardSource) GetCheckpointMetadata(ctx context.Context, replicationID int64, cp checkpoint.ReplicationCheckpoint) (*CheckpointInfo, error) {
	req := &transport.CheckpointInfoRequest{
		ReplicationID:      replicationID,
		TargetNode:         s.local,
		TargetAllocationID: s.targetAllocationID,
		Checkpoint:         cp,
	}
	var resp transport.CheckpointInfoResponse
	if err := s.client.Send(ctx, s.primary, transport.ActionGetCheckpointInfo, req, &resp); err != nil {
		return nil, err
	}
	if resp.Checkpoint.ShardID != s.shardID {
		return nil, fmt.Errorf("primary %s answered for %s, want %s", s.primary.ID, resp.Checkpoint.ShardID, s.shardID)
	}
	if resp.Metadata == nil {
		resp.Metadata = store.MetadataSnapshot{}
	}
	return &CheckpointInfo{Checkpoint: resp.Checkpoint, Metadata: resp.Metadata, InfosBytes: resp.InfosBytes}, nil
}

// GetSegmentFiles asks the primary to stream files. w is not used: chunks arrive through
// the FILE_CHUNK handler of the target service.
func (s *PrimaryShardSource) GetSegmentFiles(ctx context.Context, replicationID int64, cp checkpoint.ReplicationCheckpoint,
	files []store.FileMetadata, _ FileChunkWriter) error {
	req := &transport.GetSegmentFilesRequest{
		ReplicationID:      replicationID,
		TargetNode:         s.local,
		TargetAllocationID: s.targetAllocationID,
		Files:              files,
		Checkpoint:         cp,
	}
	var resp transport.GetSegmentFilesResponse
	return s.client.Send(ctx, s.primary, transport.ActionGetSegmentFiles, req, &resp)
}

func (s *PrimaryShardSource) Description() string {
	return s.primary.String()
}
