package cluster

import "errors"

// Configuration errors
var (
	ErrInvalidNodeID   = errors.New("node ID cannot be empty")
	ErrInvalidNodeAddr = errors.New("node address cannot be empty")
)

// Membership errors
var (
	ErrNodeNotFound      = errors.New("node not found in membership")
	ErrNodeAlreadyExists = errors.New("node already exists in membership")
	ErrCannotRemoveSelf  = errors.New("cannot remove self from cluster")
)

// Routing errors
var (
	ErrShardNotRouted = errors.New("shard not present in routing table")
	ErrNoPrimary      = errors.New("shard has no assigned primary")
	ErrNotAReplica    = errors.New("node does not hold a replica of the shard")
	ErrInvalidRouting = errors.New("invalid shard routing")
)
