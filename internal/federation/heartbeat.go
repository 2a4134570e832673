package federation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/coordinator"
)

// broadcastHeartbeatLocked sends the registry and member view to every peer.
func (m *Member) broadcastHeartbeatLocked() {
	m.nextHeartbeat = m.clock.Now().Add(m.cfg.HeartbeatInterval)

	req := AppendRequest{
		Term:         m.term,
		LeaderID:     m.cfg.ID,
		LeaderURL:    m.cfg.URL,
		PeerIDs:      make(map[string]string, len(m.peers)),
		PeerStates:   make(map[string]string, len(m.peers)),
		PeerLastSeen: make(map[string]time.Time, len(m.peers)),
		Peers:        append(m.peerURLsLocked(), m.cfg.URL),
	}
	if m.registry != nil {
		req.ClusterState = m.registry.Snapshot()
	}
	for url, p := range m.peers {
		if p.id != "" {
			req.PeerIDs[url] = p.id
		}
		req.PeerStates[url] = p.state
		if !p.lastSeen.IsZero() {
			req.PeerLastSeen[url] = p.lastSeen
		}
	}

	for url := range m.peers {
		go m.sendHeartbeat(url, req)
	}
}

func (m *Member) sendHeartbeat(peerURL string, req AppendRequest) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HeartbeatInterval)
	defer cancel()

	resp, err := m.transport.AppendEntries(ctx, peerURL, req)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.metrics.RPCFailed("append")
		if p, ok := m.peers[peerURL]; ok && p.state != PeerInactive {
			p.state = PeerInactive
			m.logger.Debug("Federation peer unreachable", zap.String("peer", peerURL), zap.Error(err))
		}
		return
	}

	m.heardFromLocked(peerURL, resp.ID)
	if resp.Term > m.term {
		m.stepDownLocked(resp.Term)
	}
}

// HandleAppendEntries accepts a leader heartbeat: it records the leader,
// merges the member list and mirrors the registry.
func (m *Member) HandleAppendEntries(req AppendRequest) AppendResponse {
	m.mu.Lock()

	if req.Term < m.term {
		resp := AppendResponse{Term: m.term, ID: m.cfg.ID}
		m.mu.Unlock()
		return resp
	}
	if req.Term > m.term || m.role != cluster.Follower {
		m.stepDownLocked(req.Term)
	}

	leaderURL := cluster.NormalizeURL(req.LeaderURL)
	if m.leaderURL != leaderURL {
		m.leaderID, m.leaderURL = req.LeaderID, leaderURL
		m.logger.Info("Following federation leader", zap.String("leader", req.LeaderID), zap.String("url", leaderURL))
		m.notifyLocked()
	}
	m.resetElectionTimerLocked()

	changed := m.addPeerLocked(leaderURL, req.LeaderID)
	if p, ok := m.peers[leaderURL]; ok {
		p.state = PeerActive
		p.lastSeen = m.clock.Now()
	}
	for _, url := range req.Peers {
		if m.addPeerLocked(url, req.PeerIDs[url]) {
			changed = true
		}
	}
	for url, id := range req.PeerIDs {
		if p, ok := m.peers[url]; ok && p.id == "" {
			p.id = id
		}
	}
	for url, state := range req.PeerStates {
		if p, ok := m.peers[url]; ok && url != leaderURL {
			p.state = state
			if seen, ok := req.PeerLastSeen[url]; ok {
				p.lastSeen = seen
			}
		}
	}
	if changed {
		m.savePeersLocked()
	}
	// Mirrored under m.mu so a snapshot from a superseded term can never
	// land after the current leader's.
	if m.registry != nil {
		m.registry.ApplyMirror(req.ClusterState)
	}
	resp := AppendResponse{Term: m.term, Success: true, ID: m.cfg.ID}
	m.mu.Unlock()
	return resp
}

// RegistrySnapshot returns the registry this member serves, which on a
// follower is the leader's mirror.
func (m *Member) RegistrySnapshot() coordinator.Snapshot {
	if m.registry == nil {
		return coordinator.Snapshot{}
	}
	return m.registry.Snapshot()
}
