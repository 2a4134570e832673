package federation

import (
	"errors"
	"time"
)

// Defaults for federation timing.
const (
	DefaultElectionTimeoutMin = 1500 * time.Millisecond
	DefaultElectionTimeoutMax = 3000 * time.Millisecond
	DefaultHeartbeatInterval  = 500 * time.Millisecond
	DefaultTickInterval       = 50 * time.Millisecond
	DefaultSolitaryCycles     = 3
	DefaultMaxJoinRedirects   = 3
)

// Config configures one federation member.
type Config struct {
	// ID names this member; peers learn it through votes, heartbeats and joins.
	ID string
	// URL is the base URL other members use to reach this member. Members
	// are identified by URL inside the group.
	URL string
	// Peers lists the other members' base URLs.
	Peers []string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	TickInterval       time.Duration

	// SolitaryCycles is how many consecutive election timeouts without a
	// single peer response turn a candidate into leader.
	SolitaryCycles int

	// MaxJoinRedirects bounds how many redirects Join follows.
	MaxJoinRedirects int

	// Bootstrap makes a member without peers lead immediately at startup.
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
	if c.SolitaryCycles <= 0 {
		c.SolitaryCycles = DefaultSolitaryCycles
	}
	if c.MaxJoinRedirects <= 0 {
		c.MaxJoinRedirects = DefaultMaxJoinRedirects
	}
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("federation: member id required")
	}
	if c.URL == "" {
		return errors.New("federation: member url required")
	}
	return nil
}
