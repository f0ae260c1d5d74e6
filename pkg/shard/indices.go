package shard

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// EventListener observes shard lifecycle events on this node. Callbacks run synchronously
// on the goroutine that caused the event.
type EventListener interface {
	// AfterShardStarted is called once a shard reaches STARTED.
	AfterShardStarted(s *IndexShard)
	// BeforeShardClosed is called before a shard is closed or failed. s may already be
	// CLOSED when the shard failed.
	BeforeShardClosed(id checkpoint.ShardID, s *IndexShard)
	// ShardRoutingChanged is called after a hosted shard installed a new routing entry.
	ShardRoutingChanged(s *IndexShard, old, new cluster.ShardRouting)
}

// StoreFactory opens the segment directory for a shard.
type StoreFactory func(id checkpoint.ShardID) (store.Store, error)

// Indices holds the shards hosted on one node and keeps them in step with the routing table.
type Indices struct {
	nodeID    string
	routing   *cluster.RoutingTable
	openStore StoreFactory
	codec     string
	logger    logging.Logger
	metrics   *metrics.Registry

	mu        sync.RWMutex
	shards    map[checkpoint.ShardID]*IndexShard
	listeners []EventListener
}

// IndicesOption configures Indices.
type IndicesOption func(*Indices)

// WithStoreFactory replaces the default per-shard FSStore under the data directory.
func WithStoreFactory(f StoreFactory) IndicesOption {
	return func(ix *Indices) { ix.openStore = f }
}

// WithCodec sets the codec recorded in commits written by primaries.
func WithCodec(codec string) IndicesOption {
	return func(ix *Indices) { ix.codec = codec }
}

// NewIndices creates the shard registry for nodeID and subscribes it to routing changes.
// Shard stores live under dataDir/<index>/<shard>.
func NewIndices(nodeID, dataDir string, routing *cluster.RoutingTable, logger logging.Logger, reg *metrics.Registry, opts ...IndicesOption) *Indices {
	ix := &Indices{
		nodeID:  nodeID,
		routing: routing,
		codec:   "segrep-json",
		logger:  logging.OrDefault(logger, "indices"),
		metrics: metrics.OrDefault(reg),
		shards:  make(map[checkpoint.ShardID]*IndexShard),
	}
	ix.openStore = func(id checkpoint.ShardID) (store.Store, error) {
		dir := filepath.Join(dataDir, id.Index, strconv.Itoa(id.ID))
		return store.Open(dir, ix.logger.With(logging.ShardID(id)))
	}
	for _, opt := range opts {
		opt(ix)
	}
	routing.Subscribe(ix.onRoutingChange)
	return ix
}

// NodeID returns the local node id.
func (ix *Indices) NodeID() string { return ix.nodeID }

// AddListener registers a lifecycle listener.
func (ix *Indices) AddListener(l EventListener) {
	ix.mu.Lock()
	ix.listeners = append(ix.listeners, l)
	ix.mu.Unlock()
}

func (ix *Indices) snapshotListeners() []EventListener {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]EventListener(nil), ix.listeners...)
}

// CreateShard opens the local copy of a routed shard in CREATED state.
func (ix *Indices) CreateShard(id checkpoint.ShardID) (*IndexShard, error) {
	r, ok := ix.routing.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", cluster.ErrShardNotRouted, id)
	}
	if !r.IsPrimary(ix.nodeID) && !r.IsReplica(ix.nodeID) {
		return nil, fmt.Errorf("%w: %s has no copy on %s", cluster.ErrInvalidRouting, id, ix.nodeID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.shards[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrShardExists, id)
	}
	st, err := ix.openStore(id)
	if err != nil {
		return nil, err
	}
	s, err := New(Options{
		ShardID: id,
		NodeID:  ix.nodeID,
		Store:   st,
		Routing: r,
		Codec:   ix.codec,
		Logger:  ix.logger,
		Metrics: ix.metrics,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	s.OnFailure(ix.onShardFailed)
	ix.shards[id] = s
	ix.logger.Info("shard created",
		logging.ShardID(id),
		logging.Bool("primary", r.IsPrimary(ix.nodeID)),
		logging.Checkpoint(s.LatestReplicationCheckpoint()))
	return s, nil
}

// GetShard returns the hosted shard, or nil.
func (ix *Indices) GetShard(id checkpoint.ShardID) *IndexShard {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.shards[id]
}

// Shards lists the hosted shards in index, id order.
func (ix *Indices) Shards() []*IndexShard {
	ix.mu.RLock()
	out := make([]*IndexShard, 0, len(ix.shards))
	for _, s := range ix.shards {
		out = append(out, s)
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ShardID(), out[j].ShardID()
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.ID < b.ID
	})
	return out
}

// StartShard moves a created shard to STARTED and notifies listeners.
func (ix *Indices) StartShard(id checkpoint.ShardID) error {
	s := ix.GetShard(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}
	if err := s.Start(); err != nil {
		return err
	}
	for _, l := range ix.snapshotListeners() {
		l.AfterShardStarted(s)
	}
	return nil
}

// CloseShard notifies listeners, closes the shard and its store and forgets it.
func (ix *Indices) CloseShard(id checkpoint.ShardID, reason string) error {
	ix.mu.Lock()
	s, ok := ix.shards[id]
	delete(ix.shards, id)
	ix.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrShardNotFound, id)
	}

	for _, l := range ix.snapshotListeners() {
		l.BeforeShardClosed(id, s)
	}
	_ = s.Close()
	ix.logger.Info("shard closed", logging.ShardID(id), logging.Reason(reason))
	return s.Store().Close()
}

// Close closes every hosted shard.
func (ix *Indices) Close() error {
	var first error
	for _, s := range ix.Shards() {
		if err := ix.CloseShard(s.ShardID(), "node shutting down"); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ix *Indices) onShardFailed(s *IndexShard, reason string, err error) {
	ix.mu.Lock()
	current, ok := ix.shards[s.ShardID()]
	if ok && current == s {
		delete(ix.shards, s.ShardID())
	}
	ix.mu.Unlock()
	if !ok || current != s {
		return
	}
	for _, l := range ix.snapshotListeners() {
		l.BeforeShardClosed(s.ShardID(), s)
	}
	if cerr := s.Store().Close(); cerr != nil {
		ix.logger.Warn("failed to close store of failed shard", logging.ShardID(s.ShardID()), logging.Error(cerr))
	}
}

func (ix *Indices) onRoutingChange(change cluster.RoutingChange) {
	s := ix.GetShard(change.ShardID)
	if s == nil {
		return
	}
	if change.New == nil || (!change.New.IsPrimary(ix.nodeID) && !change.New.IsReplica(ix.nodeID)) {
		if err := ix.CloseShard(change.ShardID, "shard no longer allocated to this node"); err != nil {
			ix.logger.Warn("failed to close deallocated shard", logging.ShardID(change.ShardID), logging.Error(err))
		}
		return
	}
	old := s.UpdateRouting(*change.New)
	for _, l := range ix.snapshotListeners() {
		l.ShardRoutingChanged(s, old, *change.New)
	}
}
