package cluster

import (
	"fmt"

	"github.com/dd0wney/cluso-segrep/pkg/validation"
)

// ClusterConfig describes this node and the peers it starts out knowing.
type ClusterConfig struct {
	NodeID   string     // Unique identifier for this node
	NodeAddr string     // Transport address other nodes dial
	Peers    []NodeInfo // Statically configured peers; may include this node
}

func (c *ClusterConfig) Validate() error {
	if c.NodeID == "" {
		return ErrInvalidNodeID
	}
	if c.NodeAddr == "" {
		return ErrInvalidNodeAddr
	}
	v := validation.NewConfigValidator("ClusterConfig")
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		peer := p
		v.Custom("Peers", func() error {
			switch {
			case peer.ID == "":
				return ErrInvalidNodeID
			case peer.Addr == "":
				return ErrInvalidNodeAddr
			case seen[peer.ID]:
				return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, peer.ID)
			}
			seen[peer.ID] = true
			return nil
		})
	}
	return v.Validate()
}
