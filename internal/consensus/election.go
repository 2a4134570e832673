package consensus

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/raftlog"
)

// bootstrapLocked makes a peerless node leader of a fresh term.
func (n *Node) bootstrapLocked() {
	if n.term == 0 || (n.votedFor != "" && n.votedFor != n.cfg.ID) {
		n.term++
	}
	n.votedFor = n.cfg.ID
	if err := n.persistLocked(); err != nil {
		return
	}
	n.logger.Info("Bootstrapping as sole cluster member", zap.Uint64("term", n.term))
	n.becomeLeaderLocked()
}

// startElectionLocked moves to a new term as candidate and solicits votes.
func (n *Node) startElectionLocked() {
	n.role = cluster.Candidate
	n.term++
	n.votedFor = n.cfg.ID
	n.leaderID = ""
	n.votes = map[string]bool{n.cfg.ID: true}
	n.resetElectionTimerLocked()
	n.metrics.ElectionStarted()
	if err := n.persistLocked(); err != nil {
		// Without a durable self-vote the node could vote twice in this term.
		n.role = cluster.Follower
		n.notifyLocked()
		return
	}
	n.notifyLocked()

	n.logger.Info("Starting election",
		zap.Uint64("term", n.term),
		zap.Int("clusterSize", len(n.peers)+1))

	if len(n.peers) == 0 {
		n.becomeLeaderLocked()
		return
	}

	req := VoteRequest{
		Term:         n.term,
		CandidateID:  n.cfg.ID,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
	for id, url := range n.peers {
		go n.requestVote(id, url, req)
	}
}

func (n *Node) requestVote(peerID, peerURL string, req VoteRequest) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HeartbeatInterval)
	defer cancel()

	resp, err := n.transport.RequestVote(ctx, peerURL, req)
	if err != nil {
		n.metrics.RPCFailed("vote")
		n.logger.Debug("Vote request failed", zap.String("peer", peerID), zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != cluster.Candidate || n.term != req.Term || !resp.VoteGranted {
		return
	}
	if _, member := n.peers[peerID]; !member {
		return
	}
	n.votes[peerID] = true
	if len(n.votes) >= cluster.Majority(len(n.peers)+1) {
		n.becomeLeaderLocked()
	}
}

// HandleRequestVote applies the vote rules and returns the reply.
func (n *Node) HandleRequestVote(req VoteRequest) VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return VoteResponse{Term: n.term}
	}
	if req.Term > n.term {
		n.stepDownLocked(req.Term)
	}

	if n.votedFor != "" && n.votedFor != req.CandidateID {
		return VoteResponse{Term: n.term}
	}
	if !n.candidateUpToDateLocked(req.LastLogIndex, req.LastLogTerm) {
		return VoteResponse{Term: n.term}
	}

	prev := n.votedFor
	n.votedFor = req.CandidateID
	if err := n.persistLocked(); err != nil {
		n.votedFor = prev
		return VoteResponse{Term: n.term}
	}
	n.resetElectionTimerLocked()
	n.logger.Debug("Granted vote",
		zap.String("candidate", req.CandidateID),
		zap.Uint64("term", n.term))
	return VoteResponse{Term: n.term, VoteGranted: true}
}

func (n *Node) candidateUpToDateLocked(lastIndex, lastTerm uint64) bool {
	myTerm := n.log.LastTerm()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= n.log.LastIndex()
}

// becomeLeaderLocked initializes replication state, appends a NOOP for the
// new term and starts heartbeating.
func (n *Node) becomeLeaderLocked() {
	n.role = cluster.Leader
	n.leaderID = n.cfg.ID
	n.votes = nil

	last := n.log.LastIndex()
	n.nextIndex = make(map[string]uint64, len(n.peers))
	n.matchIndex = make(map[string]uint64, len(n.peers))
	for id := range n.peers {
		n.nextIndex[id] = last + 1
		n.matchIndex[id] = 0
	}

	noop := raftlog.Entry{Index: last + 1, Term: n.term, Type: raftlog.EntryNoop}
	if err := n.log.Append(noop); err != nil {
		n.logger.Error("Failed to append leader no-op", zap.Error(err))
	}

	n.metrics.BecameLeader()
	n.logger.Info("Became cluster leader",
		zap.Uint64("term", n.term),
		zap.Uint64("lastLogIndex", n.log.LastIndex()))
	n.notifyLocked()

	n.advanceCommitLocked()
	n.broadcastAppendLocked()
}
