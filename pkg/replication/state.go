package replication

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-segrep/pkg/checkpoint"
	"github.com/dd0wney/cluso-segrep/pkg/store"
)

// Stage is a step of a replication event.
type Stage int

const (
	StageCreated Stage = iota
	StageFetchingMetadata
	StageComparingFiles
	StageCopyingFiles
	StageFinalizing
	StageDone
	StageCancelled
	StageFailed
)

// String returns the string representation of a Stage
func (s Stage) String() string {
	switch s {
	case StageCreated:
		return "CREATED"
	case StageFetchingMetadata:
		return "FETCHING_METADATA"
	case StageComparingFiles:
		return "COMPARING_FILES"
	case StageCopyingFiles:
		return "COPYING_FILES"
	case StageFinalizing:
		return "FINALIZING"
	case StageDone:
		return "DONE"
	case StageCancelled:
		return "CANCELLED"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name written by MarshalText.
func (s *Stage) UnmarshalText(text []byte) error {
	for st := StageCreated; st <= StageFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown replication stage %q", text)
}

// Terminal reports whether no further stage can follow.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageCancelled || s == StageFailed
}

// IndexProgress counts the files and bytes of one replication.
type IndexProgress struct {
	TotalFiles     int   `json:"total_files"`
	ReusedFiles    int   `json:"reused_files"`
	RecoveredFiles int   `json:"recovered_files"`
	TotalBytes     int64 `json:"total_bytes"`
	ReusedBytes    int64 `json:"reused_bytes"`
	RecoveredBytes int64 `json:"recovered_bytes"`
}

// FileProgress is the copy progress of one file.
type FileProgress struct {
	Name      string `json:"name"`
	Length    int64  `json:"length"`
	Recovered int64  `json:"recovered"`
	Reused    bool   `json:"reused"`
}

// Complete reports whether every byte of the file is present.
func (f FileProgress) Complete() bool {
	return f.Reused || f.Recovered >= f.Length
}

// StateSnapshot is a copy of a replication's progress, safe to keep after the
// replication moves on.
type StateSnapshot struct {
	ReplicationID int64                            `json:"replication_id"`
	ShardID       checkpoint.ShardID               `json:"shard_id"`
	Stage         Stage                            `json:"stage"`
	Source        string                           `json:"source"`
	Checkpoint    checkpoint.ReplicationCheckpoint `json:"checkpoint"`
	Index         IndexProgress                    `json:"index"`
	Files         []FileProgress                   `json:"files,omitempty"`
	StartTime     time.Time                        `json:"start_time"`
	StopTime      time.Time                        `json:"stop_time,omitempty"`
	Elapsed       time.Duration                    `json:"elapsed"`
	// StageTimes holds the time spent in every stage that has been left.
	StageTimes map[string]time.Duration `json:"stage_times,omitempty"`
}

// State is the mutable progress of one replication. Only the owning Target writes it.
type State struct {
	mu         sync.RWMutex
	id         int64
	shardID    checkpoint.ShardID
	source     string
	stage      Stage
	checkpoint checkpoint.ReplicationCheckpoint
	files      map[string]*FileProgress
	start      time.Time
	stageStart time.Time
	stop       time.Time
	stageTimes map[string]time.Duration
	now        func() time.Time
}

func newState(shardID checkpoint.ShardID, source string, cp checkpoint.ReplicationCheckpoint) *State {
	now := time.Now()
	return &State{
		shardID:    shardID,
		source:     source,
		checkpoint: cp,
		files:      make(map[string]*FileProgress),
		start:      now,
		stageStart: now,
		stageTimes: make(map[string]time.Duration),
		now:        time.Now,
	}
}

func (s *State) setReplicationID(id int64) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *State) setCheckpoint(cp checkpoint.ReplicationCheckpoint) {
	s.mu.Lock()
	s.checkpoint = cp
	s.mu.Unlock()
}

// Stage returns the current stage.
func (s *State) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// moveTo advances to next and returns how long the previous stage took. Stages only move
// forward; a terminal stage is final.
func (s *State) moveTo(next Stage) (Stage, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stage
	if prev.Terminal() || (next <= prev && !next.Terminal()) {
		return prev, 0, fmt.Errorf("illegal replication stage change from %s to %s", prev, next)
	}
	now := s.now()
	took := now.Sub(s.stageStart)
	s.stageTimes[prev.String()] += took
	s.stage = next
	s.stageStart = now
	if next.Terminal() {
		s.stop = now
	}
	return prev, took, nil
}

func (s *State) addFile(md store.FileMetadata, reused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[md.Name] = &FileProgress{Name: md.Name, Length: md.Length, Reused: reused}
}

func (s *State) addRecoveredBytes(name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[name]; ok {
		f.Recovered += n
	}
}

// Snapshot copies the state.
func (s *State) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StateSnapshot{
		ReplicationID: s.id,
		ShardID:       s.shardID,
		Stage:         s.stage,
		Source:        s.source,
		Checkpoint:    s.checkpoint,
		StartTime:     s.start,
		StopTime:      s.stop,
		StageTimes:    make(map[string]time.Duration, len(s.stageTimes)),
		Files:         make([]FileProgress, 0, len(s.files)),
	}
	if s.stop.IsZero() {
		snap.Elapsed = s.now().Sub(s.start)
	} else {
		snap.Elapsed = s.stop.Sub(s.start)
	}
	for k, v := range s.stageTimes {
		snap.StageTimes[k] = v
	}
	for _, f := range s.files {
		snap.Files = append(snap.Files, *f)
		snap.Index.TotalFiles++
		snap.Index.TotalBytes += f.Length
		if f.Reused {
			snap.Index.ReusedFiles++
			snap.Index.ReusedBytes += f.Length
			continue
		}
		snap.Index.RecoveredBytes += f.Recovered
		if f.Complete() {
			snap.Index.RecoveredFiles++
		}
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Name < snap.Files[j].Name })
	return snap
}
