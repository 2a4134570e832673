package federation

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
)

func (m *Member) startElectionLocked() {
	m.role = cluster.Candidate
	m.term++
	m.votedFor = m.cfg.URL
	m.leaderID, m.leaderURL = "", ""
	m.votes = map[string]bool{m.cfg.URL: true}
	m.respondedInCycle = false
	m.resetElectionTimerLocked()
	m.metrics.ElectionStarted()
	if err := m.persistLocked(); err != nil {
		m.role = cluster.Follower
		m.notifyLocked()
		return
	}
	m.notifyLocked()

	m.logger.Info("Starting federation election",
		zap.Uint64("term", m.term),
		zap.Int("members", len(m.peers)+1),
		zap.Int("silentCycles", m.silentCycles))

	if len(m.peers) == 0 {
		m.becomeLeaderLocked()
		return
	}

	req := VoteRequest{Term: m.term, CandidateID: m.cfg.ID, CandidateURL: m.cfg.URL}
	for url := range m.peers {
		go m.requestVote(url, req)
	}
}

func (m *Member) requestVote(peerURL string, req VoteRequest) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HeartbeatInterval)
	defer cancel()

	resp, err := m.transport.RequestVote(ctx, peerURL, req)
	if err != nil {
		m.metrics.RPCFailed("vote")
		m.logger.Debug("Vote request failed", zap.String("peer", peerURL), zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.heardFromLocked(peerURL, "")
	if resp.Term > m.term {
		m.stepDownLocked(resp.Term)
		return
	}
	if m.role != cluster.Candidate || m.term != req.Term || !resp.VoteGranted {
		return
	}
	if _, ok := m.peers[peerURL]; !ok {
		return
	}
	m.votes[peerURL] = true
	if len(m.votes) >= cluster.Majority(len(m.peers)+1) {
		m.becomeLeaderLocked()
	}
}

// HandleRequestVote applies the federation vote rules. A candidate whose URL
// is not a known member is refused whenever the member list is non-empty,
// before any term comparison.
func (m *Member) HandleRequestVote(req VoteRequest) VoteResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidate := cluster.NormalizeURL(req.CandidateURL)
	if len(m.peers) > 0 {
		if _, known := m.peers[candidate]; !known {
			m.logger.Warn("Rejected vote from unknown member",
				zap.String("candidate", req.CandidateID),
				zap.String("url", candidate))
			return VoteResponse{Term: m.term}
		}
	}

	if req.Term < m.term {
		return VoteResponse{Term: m.term}
	}
	if req.Term > m.term {
		m.stepDownLocked(req.Term)
	}
	if m.votedFor != "" && m.votedFor != candidate {
		return VoteResponse{Term: m.term}
	}

	prev := m.votedFor
	m.votedFor = candidate
	if err := m.persistLocked(); err != nil {
		m.votedFor = prev
		return VoteResponse{Term: m.term}
	}
	if p, ok := m.peers[candidate]; ok && req.CandidateID != "" {
		p.id = req.CandidateID
	}
	m.resetElectionTimerLocked()
	m.logger.Debug("Granted federation vote", zap.String("candidate", candidate), zap.Uint64("term", m.term))
	return VoteResponse{Term: m.term, VoteGranted: true}
}

// becomeLeaderLocked takes leadership, heartbeats at once and runs one
// registry sweep so an assignment orphaned without an authoritative member
// is repaired.
func (m *Member) becomeLeaderLocked() {
	m.role = cluster.Leader
	m.leaderID, m.leaderURL = m.cfg.ID, m.cfg.URL
	m.votes = nil
	m.silentCycles = 0

	m.metrics.BecameLeader()
	m.logger.Info("Became federation leader", zap.Uint64("term", m.term))
	m.notifyLocked()

	m.broadcastHeartbeatLocked()

	if m.registry != nil {
		go m.registry.Sweep(m.ctx)
	}
}
