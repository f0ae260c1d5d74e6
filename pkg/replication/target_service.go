// Package replication copies segment files from primary shards to their replicas. A
// replica learns about new primary checkpoints, starts one Target per shard to copy the
// files it lacks, and installs the primary's commit once every file is verified.
// SourceService serves those copies on the primary side.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/parallel"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

var errServiceClosed = errors.New("replication target service is closed")

// TargetServiceOptions configures a TargetService.
type TargetServiceOptions struct {
	Shards    ShardLookup
	Routing   *cluster.RoutingTable
	Transport transport.Transport
	// Client reaches primaries. It defaults to a RetryableClient over Transport.
	Client *transport.RetryableClient
	// Sources picks where a replica copies from. It defaults to the primary.
	Sources *SourceFactory
	// Pool runs replications. It defaults to a pool of Settings.Workers owned by the service.
	Pool     *parallel.WorkerPool
	Settings RecoverySettings
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

// TargetService drives segment replication on the replicas hosted by this node.
type TargetService struct {
	shards    ShardLookup
	routing   *cluster.RoutingTable
	transport transport.Transport
	client    *transport.RetryableClient
	sources   *SourceFactory
	pool      *parallel.WorkerPool
	ownPool   bool
	settings  RecoverySettings
	limiter   *RateLimiter
	logger    logging.Logger
	metrics   *metrics.Registry

	collection *Collection
	latest     *checkpoint.LatestTracker

	// mu serializes checkpoint decisions.
	mu sync.Mutex

	completedMu sync.RWMutex
	completed   map[checkpoint.ShardID]*Target

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTargetService creates the service and registers the replica-side handlers on
// opts.Transport.
func NewTargetService(opts TargetServiceOptions) (*TargetService, error) {
	if opts.Shards == nil || opts.Routing == nil || opts.Transport == nil {
		return nil, fmt.Errorf("target service needs shards, routing and a transport")
	}
	opts.Settings.ApplyDefaults()
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	reg := metrics.OrDefault(opts.Metrics)
	logger := logging.OrDefault(opts.Logger, "replication-target")

	if opts.Client == nil {
		opts.Client = transport.NewRetryableClient(opts.Transport, opts.Settings.RetryConfig(), logger, reg)
	}
	if opts.Sources == nil {
		opts.Sources = NewSourceFactory(SourceFactoryOptions{
			Client:    opts.Client,
			Local:     opts.Transport.LocalNode(),
			Routing:   opts.Routing,
			ChunkSize: opts.Settings.ChunkSize,
			Logger:    logger,
			Metrics:   reg,
		})
	}
	ownPool := false
	if opts.Pool == nil {
		pool, err := parallel.NewWorkerPool(opts.Settings.Workers,
			parallel.WithName("segment-replication"),
			parallel.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts.Pool = pool
		ownPool = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TargetService{
		shards:     opts.Shards,
		routing:    opts.Routing,
		transport:  opts.Transport,
		client:     opts.Client,
		sources:    opts.Sources,
		pool:       opts.Pool,
		ownPool:    ownPool,
		settings:   opts.Settings,
		limiter:    NewRateLimiter(opts.Settings.MaxBytesPerSec),
		logger:     logger,
		metrics:    reg,
		collection: NewCollection(opts.Settings.CancelWaitTimeout, logger, reg),
		latest:     checkpoint.NewLatestTracker(),
		completed:  make(map[checkpoint.ShardID]*Target),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.transport.Register(transport.ActionFileChunk, transport.HandlerFunc(s.handleFileChunk))
	s.transport.Register(transport.ActionForceSync, transport.HandlerFunc(s.handleForceSync))
	s.transport.Register(transport.ActionPublishCheckpoint, transport.HandlerFunc(s.handlePublishCheckpoint))
	return s, nil
}

// Collection returns the registry of ongoing replications.
func (s *TargetService) Collection() *Collection { return s.collection }

// LatestReceivedCheckpoint returns the newest checkpoint announced for a shard.
func (s *TargetService) LatestReceivedCheckpoint(id checkpoint.ShardID) (checkpoint.ReplicationCheckpoint, bool) {
	return s.latest.Get(id)
}

// OnNewCheckpoint reacts to a checkpoint published by the primary of sh. It starts a
// replication unless one is running, in which case the checkpoint is kept and replicated
// once the running one completes. A running replication that started under an older
// primary term is cancelled and replaced.
func (s *TargetService) OnNewCheckpoint(cp checkpoint.ReplicationCheckpoint, sh Shard) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := sh.ShardID()
	logger := s.logger.With(logging.ShardID(id), logging.Checkpoint(cp))
	if sh.State() == shard.StateClosed {
		logger.Trace("ignoring checkpoint, shard is closed")
		s.metrics.RecordCheckpoint("ignored")
		return
	}
	s.latest.Merge(cp)
	if sh.State() != shard.StateStarted {
		logger.Trace("shard is not started, checkpoint will be replayed once it is")
		s.metrics.RecordCheckpoint("deferred")
		return
	}

	decision := "started"
	if ongoing := s.collection.GetOngoingTarget(id); ongoing != nil {
		if ongoing.Checkpoint().PrimaryTerm >= cp.PrimaryTerm {
			logger.Trace("ignoring checkpoint, replication already running",
				logging.ReplicationID(ongoing.ID()),
				logging.Stage(ongoing.Stage().String()))
			s.metrics.RecordCheckpoint("deferred")
			return
		}
		logger.Debug("cancelling stuck target after new primary",
			logging.ReplicationID(ongoing.ID()),
			logging.PrimaryTerm(ongoing.Checkpoint().PrimaryTerm))
		s.collection.Cancel(ongoing.ID(), "cancelling stuck target after new primary")
		s.putCompleted(ongoing)
		decision = "superseded"
	}

	latest, ok := s.latest.Get(id)
	if !ok {
		latest = cp
	}
	if !sh.ShouldProcessCheckpoint(latest) {
		s.metrics.RecordCheckpoint("ignored")
		return
	}
	if _, err := s.startReplication(sh, latest, s.checkpointListener(sh)); err != nil {
		logger.Warn("failed to start replication", logging.Error(err))
		s.metrics.RecordCheckpoint("ignored")
		return
	}
	s.metrics.RecordCheckpoint(decision)
}

// StartReplication replicates sh from its source now, to whatever the source currently
// serves. listener receives the outcome.
func (s *TargetService) StartReplication(sh Shard, listener Listener) (*Target, error) {
	cp, ok := s.latest.Get(sh.ShardID())
	if !ok {
		cp = sh.LatestReplicationCheckpoint()
	}
	return s.startReplication(sh, cp, listener)
}

func (s *TargetService) startReplication(sh Shard, cp checkpoint.ReplicationCheckpoint, listener Listener) (*Target, error) {
	if s.ctx.Err() != nil {
		return nil, errServiceClosed
	}
	source, err := s.sources.Get(sh)
	if err != nil {
		return nil, err
	}
	t := NewTarget(sh, cp, source, listener, TargetOptions{
		Limiter: s.limiter,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	id, err := s.collection.Start(t, s.settings.ActivityTimeout)
	if err != nil {
		return nil, err
	}
	if !s.pool.Submit(func() { s.runReplication(id) }) {
		s.collection.Fail(id, errServiceClosed, false)
	}
	return t, nil
}

// runReplication runs a registered target and delivers its outcome. The reference taken
// for the run is released before the outcome so a listener that fails the shard never
// waits on this goroutine.
func (s *TargetService) runReplication(id int64) {
	ref := s.collection.Get(id)
	if ref == nil {
		return
	}
	t := ref.Target()
	err := t.Run()
	ref.Close()

	if err == nil {
		st := t.State()
		if st.Index.RecoveredFiles > 0 && st.Index.RecoveredBytes > 0 {
			s.putCompleted(t)
		}
		s.collection.MarkAsDone(id)
		return
	}

	if IsCancellation(err) {
		// Cancelled locally: whoever cancelled already delivered the outcome. Still
		// registered means the source cancelled it.
		if s.collection.GetTarget(id) != nil {
			s.putCompleted(t)
			s.collection.Fail(id, err, false)
		}
		return
	}
	s.putCompleted(t)
	s.collection.Fail(id, err, Classify(err) == FailureCorruption)
}

func (s *TargetService) putCompleted(t *Target) {
	s.completedMu.Lock()
	s.completed[t.ShardID()] = t
	s.completedMu.Unlock()
}

// checkpointListener handles the outcome of a replication started by a checkpoint.
func (s *TargetService) checkpointListener(sh Shard) Listener {
	return func(t *Target, o Outcome) {
		logger := s.logger.With(logging.ShardID(sh.ShardID()), logging.ReplicationID(t.ID()))
		if o.Succeeded() {
			logger.Trace("replication complete", logging.Checkpoint(t.Checkpoint()))
			s.updateVisibleCheckpoint(t.ID(), sh, t.Checkpoint())
			s.processLatestReceivedCheckpoint(sh)
			return
		}
		if o.Kind() == FailureCancelled {
			logger.Trace("replication cancelled", logging.Error(o.Err))
			return
		}
		logger.Warn("replication failed",
			logging.String("kind", o.Kind().String()),
			logging.Error(o.Err))
		if o.ShardFailureRequired {
			sh.FailShard("replication failure", o.Err)
		}
	}
}

// forceSyncListener answers a FORCE_SYNC request on done.
func (s *TargetService) forceSyncListener(sh Shard, done chan<- error) Listener {
	return func(t *Target, o Outcome) {
		if o.Succeeded() {
			var err error
			if sh.IsPrimaryRelocationTarget() {
				err = sh.ResetToWriteableEngine()
			} else {
				s.updateVisibleCheckpoint(t.ID(), sh, t.Checkpoint())
			}
			done <- err
			return
		}
		if o.ShardFailureRequired || o.Kind() == FailureLocalIO {
			sh.FailShard("replication failure", o.Err)
		}
		done <- o.Err
	}
}

// updateVisibleCheckpoint tells the primary which checkpoint the replica now serves. It
// does not wait for the answer.
func (s *TargetService) updateVisibleCheckpoint(replicationID int64, sh Shard, cp checkpoint.ReplicationCheckpoint) {
	primary, err := s.routing.PrimaryNode(sh.ShardID())
	if err != nil {
		s.logger.Debug("no primary to notify of visible checkpoint",
			logging.ShardID(sh.ShardID()),
			logging.Error(err))
		return
	}
	req := &transport.UpdateVisibleCheckpointRequest{
		ReplicationID:      replicationID,
		ShardID:            sh.ShardID(),
		TargetAllocationID: sh.AllocationID(),
		Checkpoint:         cp,
	}
	to := transport.NodeRef{ID: primary.ID, Address: primary.Addr}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.client.Send(s.ctx, to, transport.ActionUpdateVisibleCheckpoint, req, nil); err != nil {
			s.logger.Debug("failed to update visible checkpoint on primary",
				logging.ShardID(req.ShardID),
				logging.Node(to.ID),
				logging.Checkpoint(cp),
				logging.Error(err))
		}
	}()
}

// processLatestReceivedCheckpoint replays the newest announced checkpoint if the shard
// has not reached it yet.
func (s *TargetService) processLatestReceivedCheckpoint(sh Shard) {
	latest, ok := s.latest.Get(sh.ShardID())
	if !ok {
		return
	}
	local := sh.LatestReplicationCheckpoint()
	if !latest.IsAheadOf(&local) {
		return
	}
	s.pool.Submit(func() { s.OnNewCheckpoint(latest, sh) })
}

// GetOngoingState returns the progress of the running replication of a shard.
func (s *TargetService) GetOngoingState(id checkpoint.ShardID) (StateSnapshot, bool) {
	t := s.collection.GetOngoingTarget(id)
	if t == nil {
		return StateSnapshot{}, false
	}
	return t.State(), true
}

// GetLatestCompletedState returns the last finished replication of a shard that was
// worth recording: one that copied something, or one that failed or was cancelled.
func (s *TargetService) GetLatestCompletedState(id checkpoint.ShardID) (StateSnapshot, bool) {
	s.completedMu.RLock()
	t := s.completed[id]
	s.completedMu.RUnlock()
	if t == nil {
		return StateSnapshot{}, false
	}
	return t.State(), true
}

// GetSegmentReplicationState returns the ongoing replication of a shard, or else the
// latest completed one.
func (s *TargetService) GetSegmentReplicationState(id checkpoint.ShardID) (StateSnapshot, bool) {
	if st, ok := s.GetOngoingState(id); ok {
		return st, true
	}
	return s.GetLatestCompletedState(id)
}

func (s *TargetService) handleFileChunk(ctx context.Context, _ transport.NodeRef,
	req *transport.FileChunkRequest) (*transport.Empty, error) {
	ref, err := s.collection.GetSafe(req.ReplicationID, req.ShardID)
	if err != nil {
		return nil, err
	}
	defer ref.Close()
	data, err := req.Payload()
	if err != nil {
		return nil, err
	}
	if err := ref.Target().WriteFileChunk(ctx, req.File, req.Position, data, req.LastChunk); err != nil {
		return nil, err
	}
	return &transport.Empty{}, nil
}

func (s *TargetService) handleForceSync(ctx context.Context, _ transport.NodeRef,
	req *transport.ForceSyncRequest) (*transport.Empty, error) {
	sh := s.shards.GetShard(req.ShardID)
	if sh == nil || !sh.HasReplicationEngine() {
		return &transport.Empty{}, nil
	}
	done := make(chan error, 1)
	if _, err := s.forceReplication(sh, s.forceSyncListener(sh, done)); err != nil {
		return nil, err
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return &transport.Empty{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forceReplication cancels any replication of sh that is running and starts one to the
// source's current state. The cancelled round is kept as the latest completed one.
func (s *TargetService) forceReplication(sh Shard, listener Listener) (*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ongoing := s.collection.GetOngoingTarget(sh.ShardID()); ongoing != nil {
		s.logger.Debug("cancelling replication for force sync",
			logging.ShardID(sh.ShardID()),
			logging.ReplicationID(ongoing.ID()),
			logging.Stage(ongoing.Stage().String()))
		s.collection.Cancel(ongoing.ID(), "force sync requested")
		s.putCompleted(ongoing)
	}
	return s.StartReplication(sh, listener)
}

func (s *TargetService) handlePublishCheckpoint(_ context.Context, _ transport.NodeRef,
	req *transport.PublishCheckpointRequest) (*transport.Empty, error) {
	sh := s.shards.GetShard(req.Checkpoint.ShardID)
	if sh == nil {
		return nil, fmt.Errorf("%w: %s", shard.ErrShardNotFound, req.Checkpoint.ShardID)
	}
	if sh.IsPrimaryMode() {
		return &transport.Empty{}, nil
	}
	s.OnNewCheckpoint(req.Checkpoint, sh)
	return &transport.Empty{}, nil
}

// AfterShardStarted replays the newest checkpoint received while the replica was starting.
func (s *TargetService) AfterShardStarted(sh *shard.IndexShard) {
	if sh.Routing().IsPrimary(sh.NodeID()) {
		return
	}
	s.processLatestReceivedCheckpoint(sh)
}

// BeforeShardClosed cancels the shard's replication and forgets its checkpoints.
func (s *TargetService) BeforeShardClosed(id checkpoint.ShardID, _ *shard.IndexShard) {
	s.collection.CancelForShard(id, "shard closed")
	s.latest.Remove(id)
}

// ShardRoutingChanged cancels replication of a replica that was promoted to primary.
func (s *TargetService) ShardRoutingChanged(sh *shard.IndexShard, old, new cluster.ShardRouting) {
	node := sh.NodeID()
	if !old.IsPrimary(node) && new.IsPrimary(node) {
		s.collection.CancelForShard(sh.ShardID(), "shard has been promoted to primary")
		s.latest.Remove(sh.ShardID())
	}
}

// Close cancels every replication and waits for background work to stop.
func (s *TargetService) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.collection.CancelAll("replication service closed")
		if s.ownPool {
			s.pool.Close()
		}
		s.wg.Wait()
	})
	return nil
}

var _ shard.EventListener = (*TargetService)(nil)
