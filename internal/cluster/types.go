package cluster

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Role is the position a node holds inside one consensus group.
type Role int

const (
	// Follower is the initial role; it accepts entries from a leader.
	Follower Role = iota
	// Candidate is campaigning for leadership in its current term.
	Candidate
	// Leader replicates entries and sends heartbeats.
	Leader
)

// String returns the lower-case role name used in logs and status payloads.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// MarshalText encodes the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name produced by MarshalText.
func (r *Role) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "follower":
		*r = Follower
	case "candidate":
		*r = Candidate
	case "leader":
		*r = Leader
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}

// Majority returns the quorum size for a group of n voting members,
// floor(n/2)+1. The count must include the local node.
func Majority(n int) int {
	return n/2 + 1
}

// RandomTimeout picks a duration uniformly in [min, max). When max is not
// greater than min, min is returned unchanged.
func RandomTimeout(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// NodeInfo identifies a database node to the federation registry.
type NodeInfo struct {
	ID  string `json:"nodeId"`
	URL string `json:"url"`
}

// RegisterRequest is the body of POST /federated/register.
type RegisterRequest = NodeInfo

// NormalizeURL prepends http:// to bare host:port addresses and strips any
// trailing slash so URLs can be compared and concatenated with paths.
func NormalizeURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}
