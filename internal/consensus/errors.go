package consensus

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is matched by *NotLeaderError.
	ErrNotLeader = errors.New("not the cluster leader")
	// ErrLeadershipLost is returned to proposals pending when the node
	// stepped down; the entry may or may not eventually commit.
	ErrLeadershipLost = errors.New("leadership lost before commit")
	// ErrStopped is returned once the node has been stopped.
	ErrStopped = errors.New("consensus node stopped")
	// ErrUnknownPeer is returned when removing a peer that isn't a member.
	ErrUnknownPeer = errors.New("unknown peer")
)

// NotLeaderError carries the leader hint a client should retry against.
type NotLeaderError struct {
	LeaderID  string
	LeaderURL string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return ErrNotLeader.Error() + " (leader unknown)"
	}
	return fmt.Sprintf("%s (leader %s at %s)", ErrNotLeader, e.LeaderID, e.LeaderURL)
}

// Is matches ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }
