package cluster

import (
	"fmt"
	"time"
)

// ElectorConfig defines the static membership and timing of the bully election
type ElectorConfig struct {
	SelfID  int   // this node's rank; the highest live rank wins
	PeerIDs []int // every other node in the fixed membership

	// ElectionTimeout bounds one election broadcast (default: 2s).
	// A higher peer that does not answer in time does not object.
	ElectionTimeout time.Duration
}

// DefaultElectorConfig returns the default timing for the given membership
func DefaultElectorConfig(self int, peers []int) ElectorConfig {
	return ElectorConfig{
		SelfID:          self,
		PeerIDs:         peers,
		ElectionTimeout: 2 * time.Second,
	}
}

// Validate checks the membership is well formed
func (c *ElectorConfig) Validate() error {
	if c.SelfID <= 0 {
		return ErrInvalidNodeID
	}
	seen := make(map[int]bool, len(c.PeerIDs))
	for _, id := range c.PeerIDs {
		switch {
		case id <= 0:
			return fmt.Errorf("%w: peer %d", ErrInvalidNodeID, id)
		case id == c.SelfID:
			return ErrSelfInPeers
		case seen[id]:
			return fmt.Errorf("%w: %d", ErrDuplicateNode, id)
		}
		seen[id] = true
	}
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 2 * time.Second
	}
	return nil
}

// higherPeers returns the peers that outrank this node
func (c *ElectorConfig) higherPeers() []int {
	var out []int
	for _, id := range c.PeerIDs {
		if id > c.SelfID {
			out = append(out, id)
		}
	}
	return out
}
