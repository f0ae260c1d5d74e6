// Package checkpoint defines the replication checkpoint: the versioned marker of which
// committed segment set a shard reflects, and the ordering used to decide whether one
// checkpoint supersedes another.
package checkpoint

import (
	"fmt"
)

// ShardID identifies one shard of an index.
type ShardID struct {
	Index string `json:"index" validate:"required"`
	ID    int    `json:"id" validate:"gte=0"`
}

// NewShardID creates a shard id.
func NewShardID(index string, id int) ShardID {
	return ShardID{Index: index, ID: id}
}

func (s ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index, s.ID)
}

// IsZero reports whether s is the zero ShardID.
func (s ShardID) IsZero() bool {
	return s.Index == "" && s.ID == 0
}

// ReplicationCheckpoint is an immutable identifier of a committed segment state.
// Checkpoints for a shard are totally ordered by (PrimaryTerm, SegmentInfosVersion).
type ReplicationCheckpoint struct {
	ShardID             ShardID `json:"shard_id"`
	PrimaryTerm         uint64  `json:"primary_term"`
	SegmentsGen         int64   `json:"segments_gen"`
	SegmentInfosVersion int64   `json:"segment_infos_version"`
	// Length is the total size in bytes of the files referenced by the commit.
	Length int64  `json:"length"`
	Codec  string `json:"codec,omitempty"`
}

// New creates a checkpoint.
func New(shardID ShardID, primaryTerm uint64, segmentsGen, version, length int64, codec string) ReplicationCheckpoint {
	return ReplicationCheckpoint{
		ShardID:             shardID,
		PrimaryTerm:         primaryTerm,
		SegmentsGen:         segmentsGen,
		SegmentInfosVersion: version,
		Length:              length,
		Codec:               codec,
	}
}

// Empty is the checkpoint of a shard holding no commit: everything is ahead of it.
func Empty(shardID ShardID) ReplicationCheckpoint {
	return ReplicationCheckpoint{ShardID: shardID}
}

// Compare orders c against other: -1 if c is behind, 0 if equal in order, 1 if ahead.
// Codec, generation and length do not participate in the order.
func (c ReplicationCheckpoint) Compare(other ReplicationCheckpoint) int {
	switch {
	case c.PrimaryTerm < other.PrimaryTerm:
		return -1
	case c.PrimaryTerm > other.PrimaryTerm:
		return 1
	case c.SegmentInfosVersion < other.SegmentInfosVersion:
		return -1
	case c.SegmentInfosVersion > other.SegmentInfosVersion:
		return 1
	default:
		return 0
	}
}

// IsAheadOf reports whether c is strictly greater than other. Every checkpoint is ahead
// of nil.
func (c ReplicationCheckpoint) IsAheadOf(other *ReplicationCheckpoint) bool {
	if other == nil {
		return true
	}
	return c.Compare(*other) > 0
}

func (c ReplicationCheckpoint) String() string {
	return fmt.Sprintf("ReplicationCheckpoint{shardId=%s, primaryTerm=%d, segmentsGen=%d, version=%d, size=%d, codec=%s}",
		c.ShardID, c.PrimaryTerm, c.SegmentsGen, c.SegmentInfosVersion, c.Length, c.Codec)
}

// Ptr returns a pointer to a copy of c.
func (c ReplicationCheckpoint) Ptr() *ReplicationCheckpoint {
	return &c
}

// Max returns the greater of a and b; a wins ties.
func Max(a, b ReplicationCheckpoint) ReplicationCheckpoint {
	if b.Compare(a) > 0 {
		return b
	}
	return a
}
