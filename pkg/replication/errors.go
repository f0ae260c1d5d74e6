package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

var (
	ErrReplicationCancelled  = errors.New("replication cancelled")
	ErrReplicationTimeout    = errors.New("replication timed out: no progress within the activity timeout")
	ErrReplicationInProgress = errors.New("replication already in progress for shard")
	ErrReplicationNotFound   = errors.New("replication not found")
	ErrWrongShard            = errors.New("replication belongs to a different shard")
	ErrDifferentSegments     = errors.New("replica has different segment files than primary")
	ErrUnexpectedFile        = errors.New("file was not requested by this replication")
	ErrNoCheckpointLease     = errors.New("no checkpoint lease for replication")
	ErrNotPrimary            = errors.New("shard is not the primary on this node")
	ErrNoManifest            = errors.New("no remote segment manifest for shard")
)

// Wire codes of errors that cross nodes during replication.
const (
	CodeReplicationCancelled = "replication.cancelled"
	CodeReplicationNotFound  = "replication.not_found"
	CodeWrongShard           = "replication.wrong_shard"
	CodeNoCheckpointLease    = "replication.no_lease"
	CodeNotPrimary           = "replication.not_primary"
	CodeShardClosed          = "shard.closed"
	CodeShardNotFound        = "shard.not_found"
	CodeCorruptIndex         = "store.corrupt_index"
)

func init() {
	transport.RegisterErrorCode(CodeReplicationCancelled, ErrReplicationCancelled)
	transport.RegisterErrorCode(CodeReplicationNotFound, ErrReplicationNotFound)
	transport.RegisterErrorCode(CodeWrongShard, ErrWrongShard)
	transport.RegisterErrorCode(CodeNoCheckpointLease, ErrNoCheckpointLease)
	transport.RegisterErrorCode(CodeNotPrimary, ErrNotPrimary)
	transport.RegisterErrorCode(CodeShardClosed, shard.ErrShardClosed)
	transport.RegisterErrorCode(CodeShardNotFound, shard.ErrShardNotFound)
	transport.RegisterErrorCode(CodeCorruptIndex, store.ErrCorruptIndex)
}

// FailureKind classifies why a replication did not complete.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureCancelled
	FailureTimeout
	FailureTransport
	FailureLocalIO
	FailureCorruption
)

func (k FailureKind) String() string {
	switch k {
	case FailureCancelled:
		return "cancelled"
	case FailureTimeout:
		return "timeout"
	case FailureTransport:
		return "transport"
	case FailureLocalIO:
		return "local_io"
	case FailureCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// ReplicationFailedError is the terminal error of a replication that did not complete.
type ReplicationFailedError struct {
	Kind          FailureKind
	ShardID       checkpoint.ShardID
	ReplicationID int64
	Cause         error
}

func (e *ReplicationFailedError) Error() string {
	return fmt.Sprintf("%s [replication id %d] segment replication failed (%s): %v",
		e.ShardID, e.ReplicationID, e.Kind, e.Cause)
}

func (e *ReplicationFailedError) Unwrap() error { return e.Cause }

// Classify maps an error raised while replicating to a FailureKind.
func Classify(err error) FailureKind {
	var rfe *ReplicationFailedError
	switch {
	case err == nil:
		return FailureUnknown
	case errors.As(err, &rfe):
		return rfe.Kind
	case errors.Is(err, ErrReplicationTimeout):
		return FailureTimeout
	case errors.Is(err, ErrReplicationCancelled), errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, store.ErrCorruptIndex), errors.Is(err, ErrDifferentSegments):
		return FailureCorruption
	case transport.IsRemote(err),
		errors.Is(err, transport.ErrNodeNotConnected),
		errors.Is(err, transport.ErrRequestTimeout),
		errors.Is(err, transport.ErrTransportClosed),
		errors.Is(err, context.DeadlineExceeded):
		return FailureTransport
	}
	var ioe *store.IOError
	if errors.As(err, &ioe) || errors.Is(err, store.ErrFileLeased) || errors.Is(err, store.ErrStoreClosed) {
		return FailureLocalIO
	}
	return FailureUnknown
}

// IsCancellation reports whether err ended a replication because it was cancelled, either
// locally or by the primary.
func IsCancellation(err error) bool {
	return Classify(err) == FailureCancelled
}

func newFailure(kind FailureKind, shardID checkpoint.ShardID, id int64, cause error) *ReplicationFailedError {
	var rfe *ReplicationFailedError
	if errors.As(cause, &rfe) && rfe.Kind == kind {
		return rfe
	}
	return &ReplicationFailedError{Kind: kind, ShardID: shardID, ReplicationID: id, Cause: cause}
}
