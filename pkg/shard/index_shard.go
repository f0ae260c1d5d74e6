package shard

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// FailureListener is told when a shard has been failed.
type FailureListener func(s *IndexShard, reason string, err error)

// RefreshListener is told about every checkpoint a primary refresh produces.
type RefreshListener func(s *IndexShard, cp checkpoint.ReplicationCheckpoint)

// Options configures an IndexShard.
type Options struct {
	ShardID checkpoint.ShardID
	// NodeID is the node hosting this copy.
	NodeID  string
	Store   store.Store
	Routing cluster.ShardRouting
	// Codec is recorded in the commits this shard writes as a primary.
	Codec   string
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// IndexShard is one copy of a shard hosted on this node.
type IndexShard struct {
	id      checkpoint.ShardID
	nodeID  string
	store   store.Store
	codec   string
	logger  logging.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	state     State
	routing   cluster.ShardRouting
	writeable bool
	latest    checkpoint.ReplicationCheckpoint
	failure   error

	failListeners    []FailureListener
	refreshListeners []RefreshListener

	// refreshMu serializes segment writes and refreshes on a primary.
	refreshMu sync.Mutex
	pending   store.MetadataSnapshot
	dropped   map[string]struct{}
	nextSeg   int64
}

// New opens a shard over its store. The applied checkpoint is read from the latest
// commit; a store without one starts at the empty checkpoint.
func New(opts Options) (*IndexShard, error) {
	if opts.ShardID.Index == "" {
		return nil, fmt.Errorf("%w: missing index name", ErrIllegalState)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: missing store", ErrIllegalState)
	}
	if opts.Routing.ShardID.IsZero() {
		opts.Routing.ShardID = opts.ShardID
	}

	s := &IndexShard{
		id:      opts.ShardID,
		nodeID:  opts.NodeID,
		store:   opts.Store,
		codec:   opts.Codec,
		metrics: metrics.OrDefault(opts.Metrics),
		state:   StateCreated,
		routing: opts.Routing,
		pending: store.MetadataSnapshot{},
		dropped: map[string]struct{}{},
	}
	s.logger = logging.OrDefault(opts.Logger, "shard").With(logging.ShardID(s.id))
	s.writeable = opts.Routing.IsPrimary(opts.NodeID)

	commit, err := opts.Store.LatestCommit()
	switch {
	case errors.Is(err, store.ErrNoCommit):
		s.latest = checkpoint.Empty(s.id)
	case err != nil:
		return nil, err
	default:
		s.latest = CheckpointFromCommit(s.id, commit)
		s.nextSeg = int64(len(commit.Files))
	}
	return s, nil
}

// CheckpointFromCommit describes a commit point as a replication checkpoint.
func CheckpointFromCommit(id checkpoint.ShardID, c *store.Commit) checkpoint.ReplicationCheckpoint {
	return checkpoint.New(id, c.PrimaryTerm, c.Generation, c.Version, c.Files.TotalLength(), c.Codec)
}

func (s *IndexShard) ShardID() checkpoint.ShardID { return s.id }

func (s *IndexShard) NodeID() string { return s.nodeID }

func (s *IndexShard) Store() store.Store { return s.store }

// State returns the lifecycle state.
func (s *IndexShard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *IndexShard) moveTo(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	s.logger.Debug("shard state changed",
		logging.String("from", s.state.String()),
		logging.String("to", to.String()))
	s.state = to
	return nil
}

// MarkRecovering moves a created shard into recovery.
func (s *IndexShard) MarkRecovering() error { return s.moveTo(StateRecovering) }

// MarkPostRecovery records that recovery finished.
func (s *IndexShard) MarkPostRecovery() error { return s.moveTo(StatePostRecovery) }

// MarkStarted makes the shard active.
func (s *IndexShard) MarkStarted() error { return s.moveTo(StateStarted) }

// Start walks a created shard through recovery to STARTED.
func (s *IndexShard) Start() error {
	for _, st := range []State{StateRecovering, StatePostRecovery, StateStarted} {
		if err := s.moveTo(st); err != nil {
			return err
		}
	}
	return nil
}

// Close moves the shard to CLOSED. Closing a closed shard is a no-op.
func (s *IndexShard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return nil
}

// Routing returns the shard's current routing entry.
func (s *IndexShard) Routing() cluster.ShardRouting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing
}

// UpdateRouting installs a new routing entry and returns the previous one. A copy that
// becomes primary switches to a writeable engine.
func (s *IndexShard) UpdateRouting(r cluster.ShardRouting) cluster.ShardRouting {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.routing
	s.routing = r
	if r.IsPrimary(s.nodeID) && !old.IsPrimary(s.nodeID) {
		s.writeable = true
		s.logger.Info("shard promoted to primary", logging.PrimaryTerm(r.PrimaryTerm))
	}
	return old
}

// AllocationID returns the allocation id of this copy.
func (s *IndexShard) AllocationID() string {
	id, _ := s.Routing().AllocationID(s.nodeID)
	return id
}

// IsPrimary reports whether routing names this copy the primary.
func (s *IndexShard) IsPrimary() bool {
	return s.Routing().IsPrimary(s.nodeID)
}

// IsPrimaryMode reports whether this copy accepts writes.
func (s *IndexShard) IsPrimaryMode() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.routing.IsPrimary(s.nodeID) && s.writeable
}

// IsPrimaryRelocationTarget reports whether this copy is taking over as primary.
func (s *IndexShard) IsPrimaryRelocationTarget() bool {
	return s.Routing().IsRelocationTarget(s.nodeID)
}

// HasReplicationEngine reports whether the shard runs the read-only engine that applies
// replicated segments.
func (s *IndexShard) HasReplicationEngine() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.writeable && s.state != StateClosed
}

// ResetToWriteableEngine switches a relocation target (or a promoted copy) to a writeable
// engine once it holds the primary's segments.
func (s *IndexShard) ResetToWriteableEngine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrShardClosed
	}
	if !s.routing.IsRelocationTarget(s.nodeID) && !s.routing.IsPrimary(s.nodeID) {
		return ErrNotRelocating
	}
	s.writeable = true
	s.logger.Info("reset to writeable engine", logging.Checkpoint(s.latest))
	return nil
}

// LatestReplicationCheckpoint returns the checkpoint of the segments the shard serves.
func (s *IndexShard) LatestReplicationCheckpoint() checkpoint.ReplicationCheckpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// ShouldProcessCheckpoint reports whether a replica should replicate to cp: it must be a
// started, non-primary copy and cp must be ahead of what it serves.
func (s *IndexShard) ShouldProcessCheckpoint(cp checkpoint.ReplicationCheckpoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.state != StateStarted:
		s.logger.Trace("ignoring checkpoint, shard not started", logging.Checkpoint(cp))
		return false
	case s.routing.IsPrimary(s.nodeID) && s.writeable:
		s.logger.Trace("ignoring checkpoint, shard is in primary mode", logging.Checkpoint(cp))
		return false
	case !cp.IsAheadOf(&s.latest):
		s.logger.Trace("ignoring checkpoint, shard is already on it or ahead",
			logging.Checkpoint(cp),
			logging.String("local", s.latest.String()))
		return false
	}
	return true
}

// FinalizeReplication publishes a replicated commit and makes cp the applied checkpoint.
// Files that fell out of the commit are deleted unless a snapshot still leases them.
func (s *IndexShard) FinalizeReplication(commit store.Commit, cp checkpoint.ReplicationCheckpoint) error {
	if s.State() == StateClosed {
		return ErrShardClosed
	}
	committed, err := s.store.CommitSegmentInfos(commit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.latest = cp
	if s.latest.SegmentsGen == 0 {
		s.latest.SegmentsGen = committed.Generation
	}
	s.mu.Unlock()

	deleted, err := s.store.DeleteUnreferenced()
	if err != nil {
		s.logger.Warn("failed to delete unreferenced files", logging.Error(err))
	}
	s.logger.Debug("replicated commit applied",
		logging.Checkpoint(cp),
		logging.Count(len(committed.Files)),
		logging.Int("deleted", len(deleted)))
	return nil
}

// OnFailure registers a listener for FailShard.
func (s *IndexShard) OnFailure(l FailureListener) {
	s.mu.Lock()
	s.failListeners = append(s.failListeners, l)
	s.mu.Unlock()
}

// OnRefresh registers a listener for checkpoints produced by Refresh.
func (s *IndexShard) OnRefresh(l RefreshListener) {
	s.mu.Lock()
	s.refreshListeners = append(s.refreshListeners, l)
	s.mu.Unlock()
}

// FailShard closes the shard because of err. Only the first failure is recorded and
// reported to listeners.
func (s *IndexShard) FailShard(reason string, err error) {
	s.mu.Lock()
	if s.failure != nil {
		s.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New(reason)
	}
	s.failure = err
	s.state = StateClosed
	listeners := append([]FailureListener(nil), s.failListeners...)
	s.mu.Unlock()

	s.metrics.ShardFailuresTotal.WithLabelValues(reason).Inc()
	s.logger.Error("shard failed", logging.Reason(reason), logging.Error(err))
	for _, l := range listeners {
		l(s, reason, err)
	}
}

// Failure returns the error the shard was failed with, if any.
func (s *IndexShard) Failure() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// AcquireSnapshot leases the current commit for a point-in-time reader.
func (s *IndexShard) AcquireSnapshot() (*store.Snapshot, error) {
	if s.State() == StateClosed {
		return nil, ErrShardClosed
	}
	return s.store.AcquireSnapshot()
}

// WriteSegment writes a new segment file on a primary under a generated name. It becomes
// visible with the next Refresh.
func (s *IndexShard) WriteSegment(data []byte) (store.FileMetadata, error) {
	s.refreshMu.Lock()
	name := s.nextSegmentName()
	s.refreshMu.Unlock()
	return s.WriteSegmentFile(name, data)
}

// WriteSegmentFile writes a named segment file on a primary.
func (s *IndexShard) WriteSegmentFile(name string, data []byte) (store.FileMetadata, error) {
	if !s.IsPrimaryMode() {
		return store.FileMetadata{}, ErrNotPrimary
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	md, err := s.store.WriteFile(name, data)
	if err != nil {
		return store.FileMetadata{}, err
	}
	s.pending[name] = md
	delete(s.dropped, name)
	return md, nil
}

// DropSegment removes a segment from the next commit, as a merge would.
func (s *IndexShard) DropSegment(name string) error {
	if !s.IsPrimaryMode() {
		return ErrNotPrimary
	}
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	delete(s.pending, name)
	s.dropped[name] = struct{}{}
	return nil
}

// Refresh commits the segments written since the last refresh under a new segment infos
// version and notifies refresh listeners. It returns ErrNothingToRefresh if nothing
// changed.
func (s *IndexShard) Refresh() (checkpoint.ReplicationCheckpoint, error) {
	if !s.IsPrimaryMode() {
		return checkpoint.ReplicationCheckpoint{}, ErrNotPrimary
	}
	if s.State() != StateStarted {
		return checkpoint.ReplicationCheckpoint{}, fmt.Errorf("%w: refresh on %s shard", ErrIllegalState, s.State())
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if len(s.pending) == 0 && len(s.dropped) == 0 {
		return checkpoint.ReplicationCheckpoint{}, ErrNothingToRefresh
	}

	files, err := s.store.Metadata()
	if err != nil {
		return checkpoint.ReplicationCheckpoint{}, err
	}
	next := store.MetadataSnapshot{}
	for name, md := range files {
		if _, gone := s.dropped[name]; !gone {
			next[name] = md
		}
	}
	for name, md := range s.pending {
		next[name] = md
	}

	prev := s.LatestReplicationCheckpoint()
	routing := s.Routing()
	committed, err := s.store.CommitSegmentInfos(store.Commit{
		Generation:  prev.SegmentsGen + 1,
		Version:     prev.SegmentInfosVersion + 1,
		PrimaryTerm: routing.PrimaryTerm,
		Codec:       s.codec,
		Files:       next,
	})
	if err != nil {
		return checkpoint.ReplicationCheckpoint{}, err
	}
	s.pending = store.MetadataSnapshot{}
	s.dropped = map[string]struct{}{}

	cp := CheckpointFromCommit(s.id, committed)
	s.mu.Lock()
	s.latest = cp
	listeners := append([]RefreshListener(nil), s.refreshListeners...)
	s.mu.Unlock()

	if _, err := s.store.DeleteUnreferenced(); err != nil {
		s.logger.Warn("failed to delete unreferenced files", logging.Error(err))
	}
	s.logger.Debug("refreshed", logging.Checkpoint(cp), logging.Count(len(next)))

	for _, l := range listeners {
		l(s, cp)
	}
	return cp, nil
}

// nextSegmentName returns an unused segment name. Names carry the primary term so a
// promoted primary never reuses a name another copy already holds. Callers hold refreshMu.
func (s *IndexShard) nextSegmentName() string {
	files, _ := s.store.Metadata()
	term := strconv.FormatUint(s.Routing().PrimaryTerm, 36)
	for {
		name := "_" + term + "_" + strconv.FormatInt(s.nextSeg, 36) + ".seg"
		s.nextSeg++
		if _, used := files[name]; used {
			continue
		}
		if _, used := s.pending[name]; used {
			continue
		}
		return name
	}
}
