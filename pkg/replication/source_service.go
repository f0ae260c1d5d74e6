package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

// ShardLookup resolves shards hosted on this node. *shard.Indices implements it.
type ShardLookup interface {
	GetShard(id checkpoint.ShardID) *shard.IndexShard
}

var _ ShardLookup = (*shard.Indices)(nil)

type copyKey struct {
	node          string
	replicationID int64
}

// ongoingCopy is a commit pinned on the primary for one replica's replication.
type ongoingCopy struct {
	shardID      checkpoint.ShardID
	allocationID string
	checkpoint   checkpoint.ReplicationCheckpoint
	snapshot     *store.Snapshot
	target       transport.NodeRef

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *ongoingCopy) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

func (c *ongoingCopy) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SourceServiceOptions configures a SourceService.
type SourceServiceOptions struct {
	Shards    ShardLookup
	Transport transport.Transport
	// Client sends FILE_CHUNK requests to replicas.
	Client   *transport.RetryableClient
	Tracker  *ReplicationTracker
	Settings RecoverySettings
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

// SourceService serves replications from the primaries hosted on this node. A replica first
// asks for the checkpoint metadata, which pins the commit, then asks for the files it lacks,
// which are pushed back to it chunk by chunk. The pin is released once the files are sent.
type SourceService struct {
	shards    ShardLookup
	transport transport.Transport
	client    *transport.RetryableClient
	tracker   *ReplicationTracker
	settings  RecoverySettings
	codec     transport.Codec
	logger    logging.Logger
	metrics   *metrics.Registry

	mu     sync.Mutex
	copies map[copyKey]*ongoingCopy
	closed bool
}

// NewSourceService creates the service and registers its handlers on opts.Transport.
func NewSourceService(opts SourceServiceOptions) (*SourceService, error) {
	if opts.Shards == nil || opts.Transport == nil {
		return nil, fmt.Errorf("source service needs shards and a transport")
	}
	opts.Settings.ApplyDefaults()
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	reg := metrics.OrDefault(opts.Metrics)
	logger := logging.OrDefault(opts.Logger, "replication-source")
	if opts.Client == nil {
		opts.Client = transport.NewRetryableClient(opts.Transport, opts.Settings.RetryConfig(), logger, reg)
	}
	if opts.Tracker == nil {
		opts.Tracker = NewReplicationTracker(reg)
	}
	s := &SourceService{
		shards:    opts.Shards,
		transport: opts.Transport,
		client:    opts.Client,
		tracker:   opts.Tracker,
		settings:  opts.Settings,
		codec:     opts.Settings.Codec(),
		logger:    logger,
		metrics:   reg,
		copies:    make(map[copyKey]*ongoingCopy),
	}
	s.transport.Register(transport.ActionGetCheckpointInfo, transport.HandlerFunc(s.handleGetCheckpointInfo))
	s.transport.Register(transport.ActionGetSegmentFiles, transport.HandlerFunc(s.handleGetSegmentFiles))
	s.transport.Register(transport.ActionUpdateVisibleCheckpoint, transport.HandlerFunc(s.handleUpdateVisibleCheckpoint))
	return s, nil
}

// Tracker returns the replica lag tracker fed by this service.
func (s *SourceService) Tracker() *ReplicationTracker { return s.tracker }

func (s *SourceService) primaryShard(id checkpoint.ShardID) (*shard.IndexShard, error) {
	sh := s.shards.GetShard(id)
	if sh == nil {
		return nil, fmt.Errorf("%w: %s", shard.ErrShardNotFound, id)
	}
	if !sh.IsPrimaryMode() {
		return nil, fmt.Errorf("%w: %s", ErrNotPrimary, id)
	}
	return sh, nil
}

func (s *SourceService) handleGetCheckpointInfo(ctx context.Context, _ transport.NodeRef,
	req *transport.CheckpointInfoRequest) (*transport.CheckpointInfoResponse, error) {
	id := req.Checkpoint.ShardID
	sh, err := s.primaryShard(id)
	if err != nil {
		return nil, err
	}
	snap, err := sh.AcquireSnapshot()
	if err != nil {
		return nil, err
	}
	infos, err := snap.Commit().Encode()
	if err != nil {
		_ = snap.Close()
		return nil, err
	}

	target := req.TargetNode
	c := &ongoingCopy{
		shardID:      id,
		allocationID: req.TargetAllocationID,
		checkpoint:   shard.CheckpointFromCommit(id, snap.Commit()),
		snapshot:     snap,
		target:       target,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = snap.Close()
		return nil, transport.ErrTransportClosed
	}
	// A replica runs one replication per shard, so anything still pinned for the same
	// allocation belongs to a replication it abandoned.
	key := copyKey{node: target.ID, replicationID: req.ReplicationID}
	var stale []*ongoingCopy
	for k, other := range s.copies {
		if k == key || (other.shardID == id && other.allocationID == req.TargetAllocationID) {
			stale = append(stale, other)
			delete(s.copies, k)
		}
	}
	s.copies[key] = c
	s.mu.Unlock()
	s.metrics.ActiveSnapshots.Inc()
	for _, other := range stale {
		s.closeCopy(other, req.ReplicationID)
	}

	s.logger.Debug("serving checkpoint to replica",
		logging.ShardID(id),
		logging.ReplicationID(req.ReplicationID),
		logging.Node(target.ID),
		logging.Checkpoint(c.checkpoint))
	return &transport.CheckpointInfoResponse{
		Checkpoint: c.checkpoint,
		Metadata:   snap.Metadata(),
		InfosBytes: infos,
	}, nil
}

func (s *SourceService) handleGetSegmentFiles(ctx context.Context, _ transport.NodeRef,
	req *transport.GetSegmentFilesRequest) (*transport.GetSegmentFilesResponse, error) {
	node := req.TargetNode.ID
	key := copyKey{node: node, replicationID: req.ReplicationID}
	s.mu.Lock()
	c := s.copies[key]
	s.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %d from %s", ErrNoCheckpointLease, req.ReplicationID, node)
	}
	defer s.release(key, c)

	pinned := c.snapshot.Metadata()
	for _, md := range req.Files {
		have, ok := pinned[md.Name]
		if !ok || !have.IsSame(md) {
			return nil, fmt.Errorf("%w: %s is not part of %s", transport.ErrInvalidRequest, md.Name, c.checkpoint)
		}
	}

	sh, err := s.primaryShard(c.shardID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setCancel(cancel)

	timer := logging.StartTimer(s.logger, "sent segment files",
		logging.ShardID(c.shardID),
		logging.ReplicationID(req.ReplicationID))
	var sent int64
	for _, md := range req.Files {
		n, err := s.sendFile(ctx, sh.Store(), c, req.ReplicationID, md)
		sent += n
		if err != nil {
			return nil, err
		}
	}
	timer.End(logging.Count(len(req.Files)), logging.Bytes(sent))
	return &transport.GetSegmentFilesResponse{Files: req.Files}, nil
}

func (s *SourceService) sendFile(ctx context.Context, st store.Store, c *ongoingCopy, replicationID int64, md store.FileMetadata) (int64, error) {
	send := func(pos int64, data []byte, last bool) error {
		chunk, err := transport.NewFileChunkRequest(replicationID, c.shardID, md, pos, data, last, s.codec)
		if err != nil {
			return err
		}
		if err := s.client.Send(ctx, c.target, transport.ActionFileChunk, chunk, nil); err != nil {
			return fmt.Errorf("send chunk of %s at %d to %s: %w", md.Name, pos, c.target.ID, err)
		}
		s.metrics.RecordBytes("sent", int64(len(data)))
		return nil
	}
	if md.Length == 0 {
		return 0, send(0, nil, true)
	}

	in, err := st.OpenInput(md.Name)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if int64(in.Len()) != md.Length {
		return 0, fmt.Errorf("%w: %s is %d bytes on the primary, expected %d", store.ErrCorruptIndex, md.Name, in.Len(), md.Length)
	}

	buf := make([]byte, s.settings.ChunkSize)
	var sent int64
	for pos := int64(0); pos < md.Length; {
		n := md.Length - pos
		if n > int64(len(buf)) {
			n = int64(len(buf))
		}
		if _, err := in.ReadAt(buf[:n], pos); err != nil {
			return sent, fmt.Errorf("read %s at %d: %w", md.Name, pos, err)
		}
		last := pos+n == md.Length
		if err := send(pos, buf[:n], last); err != nil {
			return sent, err
		}
		pos += n
		sent += n
	}
	return sent, nil
}

func (s *SourceService) handleUpdateVisibleCheckpoint(ctx context.Context, from transport.NodeRef,
	req *transport.UpdateVisibleCheckpointRequest) (*transport.Empty, error) {
	if _, err := s.primaryShard(req.ShardID); err != nil {
		return nil, err
	}
	s.tracker.UpdateVisibleCheckpoint(req.ShardID, req.TargetAllocationID, from.ID, req.Checkpoint)
	s.logger.Trace("replica updated visible checkpoint",
		logging.ShardID(req.ShardID),
		logging.Node(from.ID),
		logging.Checkpoint(req.Checkpoint))
	return &transport.Empty{}, nil
}

// release unpins the copy under key. When want is not nil only that copy is released.
func (s *SourceService) release(key copyKey, want *ongoingCopy) {
	s.mu.Lock()
	c := s.copies[key]
	if c == nil || (want != nil && c != want) {
		s.mu.Unlock()
		return
	}
	delete(s.copies, key)
	s.mu.Unlock()
	s.closeCopy(c, key.replicationID)
}

func (s *SourceService) closeCopy(c *ongoingCopy, replicationID int64) {
	c.stop()
	if err := c.snapshot.Close(); err != nil {
		s.logger.Warn("failed to release checkpoint snapshot",
			logging.ShardID(c.shardID),
			logging.ReplicationID(replicationID),
			logging.Error(err))
	}
	s.metrics.ActiveSnapshots.Dec()
}

// CancelForShard stops and releases every copy served from a shard.
func (s *SourceService) CancelForShard(id checkpoint.ShardID) int {
	s.mu.Lock()
	var keys []copyKey
	for k, c := range s.copies {
		if c.shardID == id {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.release(k, nil)
	}
	return len(keys)
}

// OngoingCopies returns the number of commits currently pinned for replicas.
func (s *SourceService) OngoingCopies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.copies)
}

// CopyTargets lists the nodes replicating from a shard, sorted.
func (s *SourceService) CopyTargets(id checkpoint.ShardID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var nodes []string
	for k, c := range s.copies {
		if c.shardID == id {
			nodes = append(nodes, k.node)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func (s *SourceService) AfterShardStarted(*shard.IndexShard) {}

// BeforeShardClosed releases what the closing shard pinned.
func (s *SourceService) BeforeShardClosed(id checkpoint.ShardID, _ *shard.IndexShard) {
	if n := s.CancelForShard(id); n > 0 {
		s.logger.Debug("released copies of closing shard", logging.ShardID(id), logging.Count(n))
	}
	s.tracker.Remove(id)
}

// ShardRoutingChanged drops primary state when this node stops being the primary.
func (s *SourceService) ShardRoutingChanged(sh *shard.IndexShard, old, new cluster.ShardRouting) {
	node := sh.NodeID()
	if old.IsPrimary(node) && !new.IsPrimary(node) {
		s.CancelForShard(sh.ShardID())
		s.tracker.Remove(sh.ShardID())
		return
	}
	if !new.IsPrimary(node) {
		return
	}
	for _, r := range old.Replicas {
		if _, still := new.AllocationID(r.NodeID); !still {
			s.tracker.RemoveReplica(sh.ShardID(), r.AllocationID)
		}
	}
}

// Close releases every pinned commit. Later metadata requests fail.
func (s *SourceService) Close() error {
	s.mu.Lock()
	s.closed = true
	keys := make([]copyKey, 0, len(s.copies))
	for k := range s.copies {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.release(k, nil)
	}
	return nil
}

var _ shard.EventListener = (*SourceService)(nil)
