package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/cluster"
	"github.com/dd0wney/cluso-segrep/pkg/logging"
	"github.com/dd0wney/cluso-segrep/pkg/metrics"
	"github.com/dd0wney/cluso-segrep/pkg/shard"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// Shard is the local copy a replication writes into. *shard.IndexShard implements it.
type Shard interface {
	ShardID() checkpoint.ShardID
	NodeID() string
	State() shard.State
	Store() store.Store
	Routing() cluster.ShardRouting
	AllocationID() string
	IsPrimaryMode() bool
	IsPrimaryRelocationTarget() bool
	HasReplicationEngine() bool
	LatestReplicationCheckpoint() checkpoint.ReplicationCheckpoint
	ShouldProcessCheckpoint(cp checkpoint.ReplicationCheckpoint) bool
	FinalizeReplication(commit store.Commit, cp checkpoint.ReplicationCheckpoint) error
	ResetToWriteableEngine() error
	FailShard(reason string, err error)
}

var _ Shard = (*shard.IndexShard)(nil)

// Outcome is the terminal result of a replication.
type Outcome struct {
	State StateSnapshot
	// Err is nil on success and a *ReplicationFailedError otherwise.
	Err                  error
	ShardFailureRequired bool
}

// Succeeded reports whether the replication completed.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// Kind classifies the failure. It is FailureUnknown on success.
func (o Outcome) Kind() FailureKind {
	if o.Err == nil {
		return FailureUnknown
	}
	return Classify(o.Err)
}

// Listener receives the outcome of a replication exactly once.
type Listener func(t *Target, o Outcome)

// TargetOptions carries the node-wide collaborators of a Target.
type TargetOptions struct {
	Limiter *RateLimiter
	Logger  logging.Logger
	Metrics *metrics.Registry
}

// Target copies one checkpoint's segment files from a Source into a shard, then installs
// them. A Target runs once and reports exactly one Outcome.
type Target struct {
	id       int64
	shard    Shard
	source   Source
	listener Listener
	limiter  *RateLimiter
	logger   logging.Logger
	metrics  *metrics.Registry
	state    *State

	ctx        context.Context
	cancel     context.CancelCauseFunc
	lastAccess atomic.Int64

	refMu      sync.Mutex
	refs       int
	released   bool
	drained    chan struct{}
	drainOnce  sync.Once
	finishOnce sync.Once
	done       chan struct{}
	outcome    Outcome

	outMu      sync.Mutex
	tempPrefix string
	outputs    map[string]*pendingFile
}

type pendingFile struct {
	meta store.FileMetadata
	out  *store.TempOutput
}

// NewTarget creates a replication of s to cp pulling from source. It does nothing until
// registered with a Collection and run.
func NewTarget(s Shard, cp checkpoint.ReplicationCheckpoint, source Source, listener Listener, opts TargetOptions) *Target {
	ctx, cancel := context.WithCancelCause(context.Background())
	t := &Target{
		shard:      s,
		source:     source,
		listener:   listener,
		limiter:    opts.Limiter,
		metrics:    metrics.OrDefault(opts.Metrics),
		state:      newState(s.ShardID(), source.Description(), cp),
		ctx:        ctx,
		cancel:     cancel,
		drained:    make(chan struct{}),
		done:       make(chan struct{}),
		tempPrefix: store.TempFilePrefix + uuid.NewString() + ".",
		outputs:    make(map[string]*pendingFile),
	}
	t.logger = logging.OrDefault(opts.Logger, "replication").With(logging.ShardID(s.ShardID()))
	t.touch()
	return t
}

func (t *Target) setID(id int64) {
	t.id = id
	t.state.setReplicationID(id)
	t.logger = t.logger.With(logging.ReplicationID(id))
}

// ID returns the replication id, zero until the target is registered.
func (t *Target) ID() int64 { return t.id }

func (t *Target) ShardID() checkpoint.ShardID { return t.shard.ShardID() }

func (t *Target) Shard() Shard { return t.shard }

func (t *Target) Source() Source { return t.source }

// Checkpoint returns the checkpoint being replicated. It is replaced by the source's
// checkpoint once metadata has been fetched.
func (t *Target) Checkpoint() checkpoint.ReplicationCheckpoint {
	return t.State().Checkpoint
}

// State returns a copy of the progress.
func (t *Target) State() StateSnapshot { return t.state.Snapshot() }

// Stage returns the current stage.
func (t *Target) Stage() Stage { return t.state.Stage() }

// Done is closed once the outcome is known.
func (t *Target) Done() <-chan struct{} { return t.done }

// Outcome returns the terminal outcome and whether it is known yet.
func (t *Target) Outcome() (Outcome, bool) {
	select {
	case <-t.done:
		return t.outcome, true
	default:
		return Outcome{}, false
	}
}

// Description identifies the target in logs and errors.
func (t *Target) Description() string {
	return fmt.Sprintf("Id:[%d] Checkpoint [%s] Shard:[%s] Source:[%s]",
		t.id, t.Checkpoint(), t.ShardID(), t.source.Description())
}

// LastAccess returns the time progress was last made.
func (t *Target) LastAccess() time.Time {
	return time.Unix(0, t.lastAccess.Load())
}

func (t *Target) touch() {
	t.lastAccess.Store(time.Now().UnixNano())
}

// Run fetches the source's metadata, copies the files this shard lacks and installs the
// new commit. The error is a *ReplicationFailedError. Run does not deliver the outcome;
// the owning Collection does.
func (t *Target) Run() error {
	if err := t.moveTo(StageFetchingMetadata); err != nil {
		return t.failure(err)
	}
	info, err := t.source.GetCheckpointMetadata(t.ctx, t.id, t.Checkpoint())
	if err != nil {
		return t.failure(err)
	}
	t.touch()
	t.state.setCheckpoint(info.Checkpoint)

	if err := t.moveTo(StageComparingFiles); err != nil {
		return t.failure(err)
	}
	missing, err := t.diff(info.Metadata)
	if err != nil {
		return t.failure(err)
	}

	// The source is asked even when nothing is missing so it can release what it pinned
	// for this replication.
	if err := t.moveTo(StageCopyingFiles); err != nil {
		return t.failure(err)
	}
	if err := t.openOutputs(missing); err != nil {
		return t.failure(err)
	}
	if err := t.source.GetSegmentFiles(t.ctx, t.id, info.Checkpoint, missing, t); err != nil {
		return t.failure(err)
	}
	t.touch()

	if err := t.moveTo(StageFinalizing); err != nil {
		return t.failure(err)
	}
	if err := t.finalize(info); err != nil {
		return t.failure(err)
	}
	return nil
}

func (t *Target) moveTo(stage Stage) error {
	if err := t.checkCancelled(); err != nil {
		return err
	}
	prev, took, err := t.state.moveTo(stage)
	if err != nil {
		return err
	}
	t.metrics.RecordStage(prev.String(), took)
	t.logger.Trace("replication stage changed",
		logging.Stage(stage.String()),
		logging.Latency(took))
	return nil
}

func (t *Target) checkCancelled() error {
	if t.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(t.ctx)
	if cause == nil {
		cause = ErrReplicationCancelled
	}
	return cause
}

// failure wraps err with its classification. Errors seen after the target was cancelled
// are reported as the cancellation.
func (t *Target) failure(err error) error {
	if cerr := t.checkCancelled(); cerr != nil {
		err = cerr
	}
	return newFailure(Classify(err), t.ShardID(), t.id, err)
}

// diff compares the source's files with what the shard already holds. Local state is the
// latest commit plus any uncommitted file on disk under a name the source lists.
func (t *Target) diff(source store.MetadataSnapshot) ([]store.FileMetadata, error) {
	st := t.shard.Store()
	committed, err := st.Metadata()
	if err != nil {
		return nil, err
	}
	local := make(store.MetadataSnapshot, len(committed))
	for name, md := range committed {
		local[name] = md
	}
	for name := range source {
		if _, ok := local[name]; ok {
			continue
		}
		if md, err := st.Checksum(name); err == nil {
			local[name] = md
		}
	}

	d := source.Diff(local)
	missing := append([]store.FileMetadata(nil), d.Missing...)
	for _, md := range d.Different {
		if _, ok := committed[md.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDifferentSegments, md.Name)
		}
		if st.FileLeaseCount(md.Name) > 0 {
			return nil, fmt.Errorf("%w: %s differs from the primary", store.ErrFileLeased, md.Name)
		}
		missing = append(missing, md)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })

	for _, md := range d.Identical {
		t.state.addFile(md, true)
	}
	for _, md := range missing {
		t.state.addFile(md, false)
	}
	t.metrics.RecordFiles(len(missing), len(d.Identical))
	t.logger.Debug("compared segment files",
		logging.Int("missing", len(missing)),
		logging.Int("identical", len(d.Identical)))
	return missing, nil
}

func (t *Target) openOutputs(files []store.FileMetadata) error {
	st := t.shard.Store()
	t.outMu.Lock()
	defer t.outMu.Unlock()
	for _, md := range files {
		out, err := st.CreateTempOutput(t.tempPrefix + md.Name)
		if err != nil {
			return err
		}
		t.outputs[md.Name] = &pendingFile{meta: md, out: out}
	}
	return nil
}

// WriteFileChunk writes one piece of a requested file. Chunks of different files may
// arrive concurrently.
func (t *Target) WriteFileChunk(ctx context.Context, file store.FileMetadata, position int64, data []byte, last bool) error {
	if err := t.checkCancelled(); err != nil {
		return err
	}
	t.outMu.Lock()
	pf, ok := t.outputs[file.Name]
	t.outMu.Unlock()
	if !ok || !pf.meta.IsSame(file) {
		return fmt.Errorf("%w: %s", ErrUnexpectedFile, file.Name)
	}
	if position < 0 || position+int64(len(data)) > pf.meta.Length {
		return fmt.Errorf("%w: chunk [%d, %d) outside %s of length %d",
			ErrUnexpectedFile, position, position+int64(len(data)), file.Name, pf.meta.Length)
	}

	if err := t.limiter.Wait(ctx, len(data)); err != nil {
		return err
	}
	n, err := pf.out.WriteAt(data, position)
	t.state.addRecoveredBytes(file.Name, int64(n))
	t.metrics.RecordBytes("received", int64(n))
	t.touch()
	if err != nil {
		return err
	}
	if last {
		t.logger.Trace("received last chunk", logging.File(file.Name), logging.Bytes(pf.out.Written()))
	}
	return nil
}

// finalize verifies every temp file, renames them into place and installs the commit.
func (t *Target) finalize(info *CheckpointInfo) error {
	st := t.shard.Store()

	t.outMu.Lock()
	renames := make(map[string]string, len(t.outputs))
	for name, pf := range t.outputs {
		if err := pf.out.Close(); err != nil {
			t.outMu.Unlock()
			return err
		}
		if err := st.VerifyFile(pf.out.Name(), pf.meta); err != nil {
			t.outMu.Unlock()
			return err
		}
		if st.FileLeaseCount(name) > 0 {
			t.outMu.Unlock()
			return fmt.Errorf("%w: cannot replace %s", store.ErrFileLeased, name)
		}
		renames[pf.out.Name()] = name
	}
	t.outMu.Unlock()

	if err := t.checkCancelled(); err != nil {
		return err
	}
	if err := st.RenameTempFiles(renames); err != nil {
		return err
	}
	t.outMu.Lock()
	t.outputs = make(map[string]*pendingFile)
	t.outMu.Unlock()

	commit, err := store.DecodeCommit(info.InfosBytes)
	if err != nil {
		return err
	}
	if err := t.shard.FinalizeReplication(*commit, info.Checkpoint); err != nil {
		return err
	}
	t.logger.Debug("replication finalized", logging.Checkpoint(info.Checkpoint), logging.Count(len(renames)))
	return nil
}

// finish records the outcome, stops in-flight work and tells the listener. Only the first
// call has any effect.
func (t *Target) finish(stage Stage, err error, shardFailure bool) bool {
	finished := false
	t.finishOnce.Do(func() {
		finished = true
		prev, took, _ := t.state.moveTo(stage)
		t.metrics.RecordStage(prev.String(), took)

		cause := err
		if cause == nil {
			cause = errors.New("replication completed")
		}
		t.cancel(cause)

		t.outcome = Outcome{State: t.state.Snapshot(), Err: err, ShardFailureRequired: shardFailure}
		t.metrics.RecordReplication(resultLabel(stage), t.outcome.State.Elapsed)
		t.release()

		if t.listener != nil {
			t.listener(t, t.outcome)
		}
		close(t.done)
	})
	return finished
}

func resultLabel(stage Stage) string {
	switch stage {
	case StageDone:
		return "done"
	case StageCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (t *Target) markAsDone() bool {
	return t.finish(StageDone, nil, false)
}

func (t *Target) cancelWith(reason string) bool {
	err := newFailure(FailureCancelled, t.ShardID(), t.id, fmt.Errorf("%w: %s", ErrReplicationCancelled, reason))
	return t.finish(StageCancelled, err, false)
}

func (t *Target) fail(err error, shardFailure bool) bool {
	rfe := newFailure(Classify(err), t.ShardID(), t.id, err)
	stage := StageFailed
	if rfe.Kind == FailureCancelled {
		stage = StageCancelled
		shardFailure = false
	}
	return t.finish(stage, rfe, shardFailure)
}

func (t *Target) tryIncRef() bool {
	t.refMu.Lock()
	defer t.refMu.Unlock()
	if t.released {
		return false
	}
	t.refs++
	return true
}

func (t *Target) decRef() {
	t.refMu.Lock()
	t.refs--
	zero := t.refs == 0 && t.released
	t.refMu.Unlock()
	if zero {
		t.onDrained()
	}
}

// release drops the owner's hold. No new references can be taken afterwards.
func (t *Target) release() {
	t.refMu.Lock()
	t.released = true
	zero := t.refs == 0
	t.refMu.Unlock()
	if zero {
		t.onDrained()
	}
}

func (t *Target) onDrained() {
	t.drainOnce.Do(func() {
		if t.state.Stage() != StageDone {
			t.cleanupTempFiles()
		}
		close(t.drained)
	})
}

// awaitDrained waits until no reference is outstanding.
func (t *Target) awaitDrained(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.drained:
		return true
	case <-timer.C:
		return false
	}
}

// cleanupTempFiles removes the temp outputs of an unfinished copy. Leased files are kept.
func (t *Target) cleanupTempFiles() {
	st := t.shard.Store()
	t.outMu.Lock()
	outputs := t.outputs
	t.outputs = make(map[string]*pendingFile)
	t.outMu.Unlock()

	for _, pf := range outputs {
		_ = pf.out.Close()
		if st.FileLeaseCount(pf.out.Name()) > 0 {
			continue
		}
		st.DeleteQuietly(pf.out.Name())
	}
}

// Ref is a counted reference to a registered Target. While any Ref is open, cancellation
// of the target waits and its temp files stay in place.
type Ref struct {
	target *Target
	once   sync.Once
}

// Target returns the referenced target.
func (r *Ref) Target() *Target { return r.target }

// Close releases the reference. It is safe to call more than once.
func (r *Ref) Close() {
	r.once.Do(r.target.decRef)
}
