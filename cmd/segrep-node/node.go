package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-segrep/pkg/auth"
	"github.com/dd0wney/cluso-segrep/pkg/blobstore"
	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/config"
	"github.com/dd0wney/cluso-segrep/pkg/health"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/parallel"
	"github.com/dd0wney/cluso-segrep/pkg/pressure"
	"github.com/dd0wney/cluso-segrep/pkg/replication"
	"github.com/dd0wney/cluso-segrep/pkg/server"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
	"github.com/dd0wney/cluso-segrep/pkg/transport"
)

// node holds every service of a running segrep node.
type node struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry

	routing   *cluster.RoutingTable
	transport transport.NetworkTransport
	indices   *shard.Indices
	pool      *parallel.WorkerPool
	source    *replication.SourceService
	target    *replication.TargetService
	publisher *replication.CheckpointPublisher
	stats     *pressure.Service
	health    *health.HealthChecker
	admin     *server.GracefulServer

	// resources are closed in reverse order on shutdown.
	resources *transport.ResourceCleanup

	closed       atomic.Bool
	failedShards atomic.Int64
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newNode(ctx context.Context, cfg *config.Config, logger logging.Logger) (_ *node, err error) {
	n := &node{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.NewRegistry(),
		resources: transport.NewResourceCleanup(logger),
	}
	defer func() {
		if err != nil {
			n.resources.Cleanup()
		}
	}()

	membership, err := cluster.NewClusterMembershipFromConfig(cfg.ClusterConfig(), n.metrics)
	if err != nil {
		return nil, err
	}
	n.routing = cluster.NewRoutingTable(membership, n.metrics)
	for _, s := range cfg.Shards {
		if err := n.routing.Set(s.Routing()); err != nil {
			return nil, err
		}
	}

	blobs, err := openBlobStore(ctx, cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}

	n.indices = shard.NewIndices(cfg.Node.ID, cfg.Node.DataDir, n.routing, logger, n.metrics)
	n.resources.Add(closerFunc(n.indices.Close), "indices")

	n.transport, err = transport.NewNetworkTransport(cfg.Transport.Backend, cfg.TransportConfig(), logger, n.metrics)
	if err != nil {
		return nil, err
	}
	n.resources.Add(n.transport, "transport")

	n.pool, err = parallel.NewWorkerPool(cfg.Recovery.Workers,
		parallel.WithName("segment-replication"),
		parallel.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	n.resources.Add(closerFunc(func() error { n.pool.Close(); return nil }), "worker pool")

	if err := n.buildReplication(blobs); err != nil {
		return nil, err
	}

	n.stats, err = pressure.New(cfg.Pressure, n.target, n.source.Tracker(), n.metrics)
	if err != nil {
		return nil, err
	}
	n.buildHealth()
	var tokens auth.TokenValidator
	if cfg.Admin.JWTSecret != "" {
		jwtManager, err := auth.NewJWTManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("admin auth: %w", err)
		}
		tokens = jwtManager
	} else {
		logger.Warn("segment ingestion is unauthenticated, set admin.jwt_secret to require bearer tokens")
	}
	n.admin = server.NewGracefulServer(cfg.Admin.Addr, server.NewAdminHandler(server.AdminOptions{
		NodeID:   cfg.Node.ID,
		Metrics:  n.metrics,
		Stats:    n.stats,
		Shards:   n.hostedShards,
		Health:   n.health,
		Segments: n,
		Auth:     tokens,
		Logger:   logger,
	}), logger)

	if err := n.transport.Start(); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}
	n.resources.Add(closerFunc(func() error { n.closed.Store(true); return nil }), "transport state")
	if err := n.openShards(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *node) buildReplication(blobs blobstore.BlobStore) error {
	cfg := n.cfg
	client := transport.NewRetryableClient(n.transport, cfg.Recovery.RetryConfig(), n.logger, n.metrics)

	var err error
	n.source, err = replication.NewSourceService(replication.SourceServiceOptions{
		Shards:    n.indices,
		Transport: n.transport,
		Client:    client,
		Settings:  cfg.Recovery,
		Logger:    n.logger,
		Metrics:   n.metrics,
	})
	if err != nil {
		return err
	}
	n.resources.Add(n.source, "source service")

	sources := replication.NewSourceFactory(replication.SourceFactoryOptions{
		Client:        client,
		Local:         n.transport.LocalNode(),
		Routing:       n.routing,
		Blobs:         blobs,
		RemoteIndices: cfg.Remote.Indices,
		ChunkSize:     cfg.Recovery.ChunkSize,
		Logger:        n.logger,
		Metrics:       n.metrics,
	})
	n.target, err = replication.NewTargetService(replication.TargetServiceOptions{
		Shards:    n.indices,
		Routing:   n.routing,
		Transport: n.transport,
		Client:    client,
		Sources:   sources,
		Pool:      n.pool,
		Settings:  cfg.Recovery,
		Logger:    n.logger,
		Metrics:   n.metrics,
	})
	if err != nil {
		return err
	}
	n.resources.Add(n.target, "target service")

	var uploader *replication.RemoteSegmentUploader
	if blobs != nil {
		uploader = replication.NewRemoteSegmentUploader(blobs, n.logger, n.metrics)
	}
	n.publisher = replication.NewCheckpointPublisher(replication.PublisherOptions{
		Client:        client,
		Routing:       n.routing,
		Tracker:       n.source.Tracker(),
		Uploader:      uploader,
		RemoteIndices: cfg.Remote.Indices,
		Pool:          n.pool,
		Logger:        n.logger,
		Metrics:       n.metrics,
	})
	n.resources.Add(closerFunc(func() error { n.publisher.Close(); return nil }), "checkpoint publisher")

	n.indices.AddListener(n.target)
	n.indices.AddListener(n.source)
	return nil
}

func (n *node) buildHealth() {
	n.health = health.NewHealthChecker(n.cfg.Node.ID)
	n.health.RegisterReadinessCheck("transport", health.TransportCheck(n.closed.Load))
	n.health.RegisterReadinessCheck("shards", health.ShardsCheck(n.shardCounts))
	n.health.RegisterCheck("replication", health.ReplicationCheck(n.replicationCounts))
	n.health.RegisterLivenessCheck("memory", health.MemoryCheck(health.RuntimeMemory))
}

// openShards creates and starts the local copy of every configured shard on this node.
func (n *node) openShards() error {
	for _, s := range n.cfg.Shards {
		if !s.HostedBy(n.cfg.Node.ID) {
			continue
		}
		r := s.Routing()
		sh, err := n.indices.CreateShard(r.ShardID)
		if err != nil {
			return err
		}
		sh.OnRefresh(n.publisher.OnRefresh)
		sh.OnFailure(func(*shard.IndexShard, string, error) {
			n.failedShards.Add(1)
		})
		if err := n.indices.StartShard(r.ShardID); err != nil {
			return err
		}
		n.logger.Info("shard started",
			logging.ShardID(r.ShardID),
			logging.Bool("primary", r.IsPrimary(n.cfg.Node.ID)),
			logging.PrimaryTerm(r.PrimaryTerm))
	}
	return nil
}

func (n *node) hostedShards() []checkpoint.ShardID {
	shards := n.indices.Shards()
	ids := make([]checkpoint.ShardID, 0, len(shards))
	for _, s := range shards {
		ids = append(ids, s.ShardID())
	}
	return ids
}

// shardCounts counts failed shards as well, which Indices no longer holds.
func (n *node) shardCounts() (started, failed, total int) {
	shards := n.indices.Shards()
	for _, s := range shards {
		if s.State() == shard.StateStarted {
			started++
		}
	}
	failed = int(n.failedShards.Load())
	return started, failed, len(shards) + failed
}

func (n *node) replicationCounts() (ongoing, failedRecently, staleReplicas int) {
	ongoing = n.target.Collection().Size() + n.source.OngoingCopies()
	for _, id := range n.hostedShards() {
		if st, ok := n.target.GetLatestCompletedState(id); ok && st.Stage == replication.StageFailed {
			failedRecently++
		}
		staleReplicas += n.stats.ShardStats(id).StaleReplicas
	}
	return ongoing, failedRecently, staleReplicas
}

// WriteSegment adds a segment to a local primary, subject to replication backpressure.
func (n *node) WriteSegment(id checkpoint.ShardID, data []byte) (store.FileMetadata, error) {
	sh := n.indices.GetShard(id)
	if sh == nil {
		return store.FileMetadata{}, fmt.Errorf("%w: %s", shard.ErrShardNotFound, id)
	}
	if err := n.stats.CheckWrite(id); err != nil {
		return store.FileMetadata{}, err
	}
	return sh.WriteSegment(data)
}

// refreshLoop refreshes every local primary so new segments are published to replicas.
func (n *node) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Node.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for _, sh := range n.indices.Shards() {
			if !sh.IsPrimaryMode() || sh.State() != shard.StateStarted {
				continue
			}
			if _, err := sh.Refresh(); err != nil &&
				!errors.Is(err, shard.ErrNothingToRefresh) && !errors.Is(err, shard.ErrNotPrimary) {
				n.logger.Warn("refresh failed", logging.ShardID(sh.ShardID()), logging.Error(err))
			}
		}
	}
}

// run serves until ctx is done, then shuts every service down.
func (n *node) run(ctx context.Context) error {
	n.logger.Info("node started",
		logging.String("address", n.cfg.Node.Address),
		logging.String("admin", n.cfg.Admin.Addr),
		logging.Count(len(n.hostedShards())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.admin.Start(gctx, n.cfg.Admin.ShutdownTimeout) })
	g.Go(func() error { return n.refreshLoop(gctx) })
	err := g.Wait()

	n.logger.Info("shutting down")
	if cerr := n.resources.CloseAll(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
