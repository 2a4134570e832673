package federation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
)

// ErrJoinFailed is returned when no seed accepted the join.
var ErrJoinFailed = errors.New("federation join failed")

// HandleJoin answers a join request.
//
// The leader records the joiner and returns the full member list. A
// follower that knows the leader redirects there. Without a known leader
// the joiner is recorded anyway so a later election can include it.
func (m *Member) HandleJoin(req JoinRequest) (JoinResponse, error) {
	url := cluster.NormalizeURL(req.URL)
	if url == "" {
		return JoinResponse{}, errors.New("join: url required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.role == cluster.Leader:
		if m.addPeerLocked(url, req.NodeID) {
			m.savePeersLocked()
		}
		// Let the joiner learn the leader before its election timer fires.
		m.nextHeartbeat = m.clock.Now()
		all := append(m.peerURLsLocked(), m.cfg.URL)
		return JoinResponse{Success: true, LeaderID: m.cfg.ID, AllPeers: all}, nil

	case m.leaderURL != "" && m.leaderURL != url:
		m.logger.Info("Redirecting join to leader", zap.String("joiner", url), zap.String("leader", m.leaderURL))
		return JoinResponse{Redirect: m.leaderURL, LeaderID: m.leaderID}, nil

	default:
		if m.addPeerLocked(url, req.NodeID) {
			m.savePeersLocked()
		}
		return JoinResponse{Success: true}, nil
	}
}

// Join asks seedURL to admit this member, following redirects up to the
// configured limit. On success the seed, the leader and every member it
// reports are added to the peer list.
func (m *Member) Join(ctx context.Context, seedURL string) error {
	req := JoinRequest{URL: m.cfg.URL, NodeID: m.cfg.ID}
	target := cluster.NormalizeURL(seedURL)

	for hop := 0; hop <= m.cfg.MaxJoinRedirects; hop++ {
		resp, err := m.transport.Join(ctx, target, req)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrJoinFailed, target, err)
		}
		if resp.Success {
			m.mu.Lock()
			changed := m.addPeerLocked(target, "")
			for _, url := range resp.AllPeers {
				if m.addPeerLocked(url, "") {
					changed = true
				}
			}
			if resp.LeaderID != "" {
				if p, ok := m.peers[target]; ok {
					p.id = resp.LeaderID
				}
			}
			if changed {
				m.savePeersLocked()
			}
			m.mu.Unlock()
			m.logger.Info("Joined federation", zap.String("via", target), zap.Int("members", len(resp.AllPeers)))
			return nil
		}
		if resp.Redirect == "" {
			return fmt.Errorf("%w: %s refused without redirect", ErrJoinFailed, target)
		}
		m.logger.Info("Join redirected", zap.String("from", target), zap.String("to", resp.Redirect))
		target = cluster.NormalizeURL(resp.Redirect)
	}
	return fmt.Errorf("%w: too many redirects", ErrJoinFailed)
}
