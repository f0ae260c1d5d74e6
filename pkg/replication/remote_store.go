package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-segrep/pkg/blobstore"
	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// Remote layout, per shard:
//
//	<index>/<shard>/segments/<file>
//	<index>/<shard>/manifests/<term>-<version>.json
//
// term and version are zero-padded hex so the lexically last manifest is the newest.

const remoteCopyParallelism = 4

// SegmentManifest lists the files of one uploaded checkpoint.
type SegmentManifest struct {
	Checkpoint checkpoint.ReplicationCheckpoint `json:"checkpoint"`
	Metadata   store.MetadataSnapshot           `json:"metadata"`
	InfosBytes []byte                           `json:"infos_bytes"`
}

func shardPrefix(id checkpoint.ShardID) string {
	return path.Join(id.Index, strconv.Itoa(id.ID))
}

func segmentBlobName(id checkpoint.ShardID, file string) string {
	return path.Join(shardPrefix(id), "segments", file)
}

func manifestPrefix(id checkpoint.ShardID) string {
	return path.Join(shardPrefix(id), "manifests") + "/"
}

func manifestBlobName(cp checkpoint.ReplicationCheckpoint) string {
	return fmt.Sprintf("%s%016x-%016x.json", manifestPrefix(cp.ShardID), cp.PrimaryTerm, uint64(cp.SegmentInfosVersion))
}

// RemoteStoreSource copies the newest uploaded checkpoint of a shard from a blob store.
type RemoteStoreSource struct {
	blobs     blobstore.BlobStore
	shardID   checkpoint.ShardID
	chunkSize int
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewRemoteStoreSource creates a source reading shardID's uploads from blobs.
func NewRemoteStoreSource(blobs blobstore.BlobStore, shardID checkpoint.ShardID, chunkSize int, logger logging.Logger, reg *metrics.Registry) *RemoteStoreSource {
	if chunkSize <= 0 {
		chunkSize = DefaultRecoverySettings().ChunkSize
	}
	return &RemoteStoreSource{
		blobs:     blobs,
		shardID:   shardID,
		chunkSize: chunkSize,
		logger:    logging.OrDefault(logger, "replication"),
		metrics:   metrics.OrDefault(reg),
	}
}

// GetCheckpointMetadata reads the newest manifest.
func (s *RemoteStoreSource) GetCheckpointMetadata(ctx context.Context, _ int64, _ checkpoint.ReplicationCheckpoint) (*CheckpointInfo, error) {
	m, err := LatestManifest(ctx, s.blobs, s.shardID)
	if err != nil {
		return nil, err
	}
	return &CheckpointInfo{Checkpoint: m.Checkpoint, Metadata: m.Metadata, InfosBytes: m.InfosBytes}, nil
}

// GetSegmentFiles reads each file from its blob in chunks and writes it to w.
func (s *RemoteStoreSource) GetSegmentFiles(ctx context.Context, _ int64, _ checkpoint.ReplicationCheckpoint,
	files []store.FileMetadata, w FileChunkWriter) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(remoteCopyParallelism)
	for _, md := range files {
		md := md
		g.Go(func() error { return s.copyFile(gctx, md, w) })
	}
	return g.Wait()
}

func (s *RemoteStoreSource) copyFile(ctx context.Context, md store.FileMetadata, w FileChunkWriter) error {
	blob, err := s.blobs.Open(ctx, segmentBlobName(s.shardID, md.Name))
	if err != nil {
		return fmt.Errorf("open remote segment %s: %w", md.Name, err)
	}
	defer blob.Close()

	if md.Length == 0 {
		return w.WriteFileChunk(ctx, md, 0, nil, true)
	}
	buf := make([]byte, s.chunkSize)
	for pos := int64(0); pos < md.Length; {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := md.Length - pos
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := blob.ReadAt(ctx, buf[:want], pos)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == want) {
			return fmt.Errorf("read remote segment %s at %d: %w", md.Name, pos, err)
		}
		s.metrics.RemoteStoreBytesTotal.WithLabelValues("download").Add(float64(n))
		last := pos+int64(n) >= md.Length
		if err := w.WriteFileChunk(ctx, md, pos, buf[:n], last); err != nil {
			return err
		}
		pos += int64(n)
	}
	return nil
}

func (s *RemoteStoreSource) Description() string {
	return "remote-store:" + shardPrefix(s.shardID)
}

// LatestManifest returns the newest manifest uploaded for a shard.
func LatestManifest(ctx context.Context, blobs blobstore.BlobStore, id checkpoint.ShardID) (*SegmentManifest, error) {
	names, err := blobs.List(ctx, manifestPrefix(id))
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoManifest, id)
	}
	data, err := blobstore.ReadAll(ctx, blobs, names[len(names)-1])
	if err != nil {
		return nil, err
	}
	var m SegmentManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", store.ErrCorruptIndex, names[len(names)-1], err)
	}
	if m.Metadata == nil {
		m.Metadata = store.MetadataSnapshot{}
	}
	return &m, nil
}

// RemoteSegmentUploader copies a primary's commits to the blob store so replicas of
// remote-backed indices can replicate without contacting it.
type RemoteSegmentUploader struct {
	blobs   blobstore.BlobStore
	logger  logging.Logger
	metrics *metrics.Registry

	mu       sync.Mutex
	uploaded map[checkpoint.ShardID]map[string]store.FileMetadata
}

// NewRemoteSegmentUploader creates an uploader.
func NewRemoteSegmentUploader(blobs blobstore.BlobStore, logger logging.Logger, reg *metrics.Registry) *RemoteSegmentUploader {
	return &RemoteSegmentUploader{
		blobs:    blobs,
		logger:   logging.OrDefault(logger, "replication"),
		metrics:  metrics.OrDefault(reg),
		uploaded: make(map[checkpoint.ShardID]map[string]store.FileMetadata),
	}
}

// Upload copies the files of the shard's latest commit that are not uploaded yet, then
// writes the manifest of that commit's checkpoint. The manifest is written last so a
// reader never sees a checkpoint whose files are missing.
func (u *RemoteSegmentUploader) Upload(ctx context.Context, shardID checkpoint.ShardID, st store.Store) (checkpoint.ReplicationCheckpoint, error) {
	snap, err := st.AcquireSnapshot()
	if err != nil {
		return checkpoint.ReplicationCheckpoint{}, err
	}
	defer snap.Close()
	cp := shard.CheckpointFromCommit(shardID, snap.Commit())

	u.mu.Lock()
	done := u.uploaded[cp.ShardID]
	if done == nil {
		done = make(map[string]store.FileMetadata)
		u.uploaded[cp.ShardID] = done
	}
	var pending []store.FileMetadata
	for _, name := range snap.Metadata().Names() {
		md := snap.Metadata()[name]
		if prev, ok := done[name]; !ok || !prev.IsSame(md) {
			pending = append(pending, md)
		}
	}
	u.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(remoteCopyParallelism)
	for _, md := range pending {
		md := md
		g.Go(func() error {
			data, err := st.ReadFile(md.Name)
			if err != nil {
				return err
			}
			if err := u.blobs.Put(gctx, segmentBlobName(cp.ShardID, md.Name), data); err != nil {
				return fmt.Errorf("upload %s: %w", md.Name, err)
			}
			u.metrics.RemoteStoreBytesTotal.WithLabelValues("upload").Add(float64(len(data)))
			u.mu.Lock()
			done[md.Name] = md
			u.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return cp, err
	}

	infos, err := snap.Commit().Encode()
	if err != nil {
		return cp, err
	}
	manifest, err := json.Marshal(SegmentManifest{Checkpoint: cp, Metadata: snap.Metadata(), InfosBytes: infos})
	if err != nil {
		return cp, err
	}
	if err := u.blobs.Put(ctx, manifestBlobName(cp), manifest); err != nil {
		return cp, fmt.Errorf("upload manifest for %s: %w", cp, err)
	}
	u.logger.Debug("uploaded checkpoint to remote store",
		logging.Checkpoint(cp),
		logging.Count(len(pending)))
	return cp, nil
}
