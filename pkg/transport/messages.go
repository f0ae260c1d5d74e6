package transport

import (
	"fmt"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// FileChunkRequest carries one piece of a file being copied to a replica.
type FileChunkRequest struct {
	ReplicationID int64              `json:"replication_id" validate:"gt=0"`
	ShardID       checkpoint.ShardID `json:"shard_id"`
	File          store.FileMetadata `json:"file"`
	Position      int64              `json:"position" validate:"gte=0"`
	// Length is the uncompressed size of Content.
	Length    int64  `json:"length" validate:"gte=0"`
	Codec     Codec  `json:"codec"`
	Content   []byte `json:"content,omitempty"`
	LastChunk bool   `json:"last_chunk"`
}

// NewFileChunkRequest compresses data with codec into a chunk request.
func NewFileChunkRequest(replicationID int64, shardID checkpoint.ShardID, file store.FileMetadata,
	position int64, data []byte, lastChunk bool, codec Codec) (*FileChunkRequest, error) {
	content, err := codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress chunk of %s: %w", file.Name, err)
	}
	return &FileChunkRequest{
		ReplicationID: replicationID,
		ShardID:       shardID,
		File:          file,
		Position:      position,
		Length:        int64(len(data)),
		Codec:         codec,
		Content:       content,
		LastChunk:     lastChunk,
	}, nil
}

// Payload returns the uncompressed chunk bytes.
func (r *FileChunkRequest) Payload() ([]byte, error) {
	data, err := r.Codec.Decompress(r.Content, r.Length)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != r.Length {
		return nil, fmt.Errorf("%w: chunk of %s decoded to %d bytes, want %d", ErrInvalidRequest, r.File.Name, len(data), r.Length)
	}
	return data, nil
}

// ForceSyncRequest makes a replica replicate immediately from its primary.
type ForceSyncRequest struct {
	RecoveryID int64              `json:"recovery_id"`
	ShardID    checkpoint.ShardID `json:"shard_id"`
}

// PublishCheckpointRequest announces a new primary checkpoint to a replica.
type PublishCheckpointRequest struct {
	Checkpoint checkpoint.ReplicationCheckpoint `json:"checkpoint"`
}

// UpdateVisibleCheckpointRequest tells the primary which checkpoint a replica now serves.
type UpdateVisibleCheckpointRequest struct {
	ReplicationID      int64                            `json:"replication_id"`
	ShardID            checkpoint.ShardID               `json:"shard_id"`
	TargetAllocationID string                           `json:"target_allocation_id" validate:"required"`
	Checkpoint         checkpoint.ReplicationCheckpoint `json:"checkpoint"`
}

// CheckpointInfoRequest asks the primary for its current commit metadata.
type CheckpointInfoRequest struct {
	ReplicationID      int64                            `json:"replication_id" validate:"gt=0"`
	TargetNode         NodeRef                          `json:"target_node"`
	TargetAllocationID string                           `json:"target_allocation_id" validate:"required"`
	Checkpoint         checkpoint.ReplicationCheckpoint `json:"checkpoint"`
}

// CheckpointInfoResponse describes the commit the primary will serve to this replication.
type CheckpointInfoResponse struct {
	Checkpoint checkpoint.ReplicationCheckpoint `json:"checkpoint"`
	Metadata   store.MetadataSnapshot           `json:"metadata"`
	// InfosBytes is the encoded commit point the replica installs last.
	InfosBytes []byte `json:"infos_bytes"`
}

// GetSegmentFilesRequest asks the primary to stream files to the replica.
type GetSegmentFilesRequest struct {
	ReplicationID      int64                            `json:"replication_id" validate:"gt=0"`
	TargetNode         NodeRef                          `json:"target_node"`
	TargetAllocationID string                           `json:"target_allocation_id" validate:"required"`
	Files              []store.FileMetadata             `json:"files" validate:"dive"`
	Checkpoint         checkpoint.ReplicationCheckpoint `json:"checkpoint"`
}

// GetSegmentFilesResponse lists the files that were streamed.
type GetSegmentFilesResponse struct {
	Files []store.FileMetadata `json:"files"`
}
