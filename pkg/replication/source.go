package replication

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-segrep/pkg/blobstore"
	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

// CheckpointInfo is the commit a source serves for one replication.
type CheckpointInfo struct {
	Checkpoint checkpoint.ReplicationCheckpoint
	Metadata   store.MetadataSnapshot
	// InfosBytes is the encoded commit point installed after the files are in place.
	InfosBytes []byte
}

// FileChunkWriter receives the bytes of copied files. *Target implements it.
type FileChunkWriter interface {
	WriteFileChunk(ctx context.Context, file store.FileMetadata, position int64, data []byte, last bool) error
}

// Source serves segment files to a replication.
type Source interface {
	// GetCheckpointMetadata returns the commit the source will serve, which may be newer
	// than cp.
	GetCheckpointMetadata(ctx context.Context, replicationID int64, cp checkpoint.ReplicationCheckpoint) (*CheckpointInfo, error)
	// GetSegmentFiles delivers every byte of files and returns once they are all written.
	// Bytes may arrive through w or through FILE_CHUNK requests routed to the target.
	GetSegmentFiles(ctx context.Context, replicationID int64, cp checkpoint.ReplicationCheckpoint, files []store.FileMetadata, w FileChunkWriter) error
	// Description names the source in logs.
	Description() string
}

// SourceFactory picks the Source for a shard: the primary, or the remote segment store
// for indices that are remote-backed.
type SourceFactory struct {
	client        *transport.RetryableClient
	local         transport.NodeRef
	routing       *cluster.RoutingTable
	blobs         blobstore.BlobStore
	remoteIndices map[string]bool
	chunkSize     int
	logger        logging.Logger
	metrics       *metrics.Registry
}

// SourceFactoryOptions configures a SourceFactory.
type SourceFactoryOptions struct {
	Client  *transport.RetryableClient
	Local   transport.NodeRef
	Routing *cluster.RoutingTable
	// Blobs is the remote segment store; it may be nil when no index is remote-backed.
	Blobs         blobstore.BlobStore
	RemoteIndices []string
	ChunkSize     int
	Logger        logging.Logger
	Metrics       *metrics.Registry
}

// NewSourceFactory creates a factory.
func NewSourceFactory(opts SourceFactoryOptions) *SourceFactory {
	remote := make(map[string]bool, len(opts.RemoteIndices))
	for _, idx := range opts.RemoteIndices {
		remote[idx] = true
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultRecoverySettings().ChunkSize
	}
	return &SourceFactory{
		client:        opts.Client,
		local:         opts.Local,
		routing:       opts.Routing,
		blobs:         opts.Blobs,
		remoteIndices: remote,
		chunkSize:     opts.ChunkSize,
		logger:        logging.OrDefault(opts.Logger, "replication"),
		metrics:       metrics.OrDefault(opts.Metrics),
	}
}

// Get returns the source a replica of s should copy from.
func (f *SourceFactory) Get(s Shard) (Source, error) {
	id := s.ShardID()
	if f.remoteIndices[id.Index] {
		if f.blobs == nil {
			return nil, fmt.Errorf("index %s is remote-backed but no remote store is configured", id.Index)
		}
		return NewRemoteStoreSource(f.blobs, id, f.chunkSize, f.logger, f.metrics), nil
	}
	primary, err := f.routing.PrimaryNode(id)
	if err != nil {
		return nil, err
	}
	return NewPrimaryShardSource(f.client, f.local, transport.NodeRef{ID: primary.ID, Address: primary.Addr}, s.ShardID(), s.AllocationID()), nil
}
