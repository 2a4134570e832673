package consensus

import (
	"errors"
	"time"
)

// Defaults for cluster-level consensus timing.
const (
	DefaultElectionTimeoutMin = 1500 * time.Millisecond
	DefaultElectionTimeoutMax = 3000 * time.Millisecond
	DefaultHeartbeatInterval  = 500 * time.Millisecond
	DefaultTickInterval       = 50 * time.Millisecond
	DefaultMaxAppendEntries   = 64
)

// Config configures one cluster consensus node.
type Config struct {
	// ID is this node's identity inside the cluster group.
	ID string

	// URL is the base URL peers use to reach this node.
	URL string

	// Peers maps every other member's id to its base URL.
	Peers map[string]string

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often a leader sends AppendEntries.
	HeartbeatInterval time.Duration

	// TickInterval is how often deadlines are evaluated.
	TickInterval time.Duration

	// MaxAppendEntries caps the entries carried by one AppendEntries call.
	MaxAppendEntries int

	// Bootstrap makes a node without peers assume leadership at startup
	// instead of waiting for an election timeout.
	Bootstrap bool
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = DefaultElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		c.ElectionTimeoutMax = 2 * c.ElectionTimeoutMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MaxAppendEntries <= 0 {
		c.MaxAppendEntries = DefaultMaxAppendEntries
	}
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("consensus: node id required")
	}
	if _, ok := c.Peers[c.ID]; ok {
		return errors.New("consensus: peer list must not contain the local node")
	}
	return nil
}
