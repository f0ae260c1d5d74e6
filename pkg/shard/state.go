// Package shard implements the index shard collaborator of segment replication: a shard's
// lifecycle state, routing entry, applied checkpoint and segment directory, plus the
// Indices registry that emits shard lifecycle events.
package shard

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of an index shard.
type State int

const (
	StateCreated State = iota
	StateRecovering
	StatePostRecovery
	StateStarted
	StateClosed
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRecovering:
		return "RECOVERING"
	case StatePostRecovery:
		return "POST_RECOVERY"
	case StateStarted:
		return "STARTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrIllegalState     = errors.New("illegal shard state")
	ErrShardClosed      = errors.New("shard is closed")
	ErrNotPrimary       = errors.New("shard is not in primary mode")
	ErrShardNotFound    = errors.New("shard not found")
	ErrShardExists      = errors.New("shard already exists")
	ErrNotRelocating    = errors.New("shard is not a primary relocation target")
	ErrNothingToRefresh = errors.New("no changes since the last refresh")
)

// transitions lists the states each state may move to.
var transitions = map[State][]State{
	StateCreated:      {StateRecovering, StateClosed},
	StateRecovering:   {StatePostRecovery, StateClosed},
	StatePostRecovery: {StateStarted, StateClosed},
	StateStarted:      {StateClosed},
}

func checkTransition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	if from == StateClosed {
		return ErrShardClosed
	}
	return fmt.Errorf("%w: cannot move from %s to %s", ErrIllegalState, from, to)
}
