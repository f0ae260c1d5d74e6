package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/parallel"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

// PublisherOptions configures a CheckpointPublisher.
type PublisherOptions struct {
	Client  *transport.RetryableClient
	Routing *cluster.RoutingTable
	Tracker *ReplicationTracker
	// Uploader copies commits of remote-backed indices before they are announced. It may
	// be nil when no index is remote-backed.
	Uploader      *RemoteSegmentUploader
	RemoteIndices []string
	// Pool runs publishes off the refreshing goroutine. Without one, OnRefresh publishes
	// synchronously.
	Pool    *parallel.WorkerPool
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// CheckpointPublisher announces every new primary checkpoint to the shard's replicas.
type CheckpointPublisher struct {
	client        *transport.RetryableClient
	routing       *cluster.RoutingTable
	tracker       *ReplicationTracker
	uploader      *RemoteSegmentUploader
	remoteIndices map[string]bool
	pool          *parallel.WorkerPool
	logger        logging.Logger
	metrics       *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// NewCheckpointPublisher creates a publisher.
func NewCheckpointPublisher(opts PublisherOptions) *CheckpointPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	remote := make(map[string]bool, len(opts.RemoteIndices))
	for _, idx := range opts.RemoteIndices {
		remote[idx] = true
	}
	reg := metrics.OrDefault(opts.Metrics)
	if opts.Tracker == nil {
		opts.Tracker = NewReplicationTracker(reg)
	}
	return &CheckpointPublisher{
		client:        opts.Client,
		routing:       opts.Routing,
		tracker:       opts.Tracker,
		uploader:      opts.Uploader,
		remoteIndices: remote,
		pool:          opts.Pool,
		logger:        logging.OrDefault(opts.Logger, "replication-publisher"),
		metrics:       reg,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// OnRefresh is installed as the refresh listener of primary shards.
func (p *CheckpointPublisher) OnRefresh(s *shard.IndexShard, cp checkpoint.ReplicationCheckpoint) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	publish := func() {
		if err := p.Publish(p.ctx, s, cp); err != nil {
			p.logger.Warn("failed to publish checkpoint",
				logging.ShardID(s.ShardID()),
				logging.Checkpoint(cp),
				logging.Error(err))
		}
	}
	if p.pool == nil || !p.pool.Submit(publish) {
		publish()
	}
}

// Publish records cp as the primary's latest and sends it to every replica. For
// remote-backed indices the commit is uploaded first and the uploaded checkpoint is the
// one announced. Replicas that could not be reached are reported in the joined error.
func (p *CheckpointPublisher) Publish(ctx context.Context, s *shard.IndexShard, cp checkpoint.ReplicationCheckpoint) error {
	id := s.ShardID()
	if snap, err := s.AcquireSnapshot(); err == nil {
		cp = checkpoint.Max(cp, shard.CheckpointFromCommit(id, snap.Commit()))
		p.tracker.MarkPrimaryCheckpoint(shard.CheckpointFromCommit(id, snap.Commit()), snap.Metadata())
		_ = snap.Close()
	}

	if p.remoteIndices[id.Index] {
		if p.uploader == nil {
			return fmt.Errorf("index %s is remote-backed but no uploader is configured", id.Index)
		}
		uploaded, err := p.uploader.Upload(ctx, id, s.Store())
		if err != nil {
			p.metrics.CheckpointsPublishedTotal.WithLabelValues("upload_failed").Inc()
			return fmt.Errorf("upload %s: %w", cp, err)
		}
		cp = uploaded
	}

	replicas, err := p.routing.ReplicaNodes(id)
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		p.metrics.CheckpointsPublishedTotal.WithLabelValues("no_replicas").Inc()
		return nil
	}

	var g errgroup.Group
	errs := make([]error, len(replicas))
	req := &transport.PublishCheckpointRequest{Checkpoint: cp}
	for i, node := range replicas {
		to := transport.NodeRef{ID: node.ID, Address: node.Addr}
		g.Go(func() error {
			if err := p.client.Send(ctx, to, transport.ActionPublishCheckpoint, req, nil); err != nil {
				p.metrics.CheckpointsPublishedTotal.WithLabelValues("failed").Inc()
				errs[i] = fmt.Errorf("publish to %s: %w", to.ID, err)
				return errs[i]
			}
			p.metrics.CheckpointsPublishedTotal.WithLabelValues("success").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Wait reports the first failure only; every replica is still attempted.
		err = errors.Join(errs...)
		p.logger.Debug("checkpoint not published to every replica",
			logging.ShardID(id),
			logging.Checkpoint(cp),
			logging.Error(err))
		return err
	}

	p.logger.Trace("published checkpoint",
		logging.ShardID(id),
		logging.Checkpoint(cp),
		logging.Count(len(replicas)))
	return nil
}

// Close stops in-flight publishes. Refreshes after Close are not announced.
func (p *CheckpointPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}
