package consensus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/raftlog"
)

// broadcastAppendLocked sends AppendEntries to every peer and schedules the
// next heartbeat.
func (n *Node) broadcastAppendLocked() {
	n.nextHeartbeat = n.clock.Now().Add(n.cfg.HeartbeatInterval)
	for id, url := range n.peers {
		req, ok := n.appendRequestLocked(id)
		if !ok {
			continue
		}
		go n.replicate(id, url, req)
	}
}

func (n *Node) appendRequestLocked(peerID string) (AppendRequest, bool) {
	next := n.nextIndex[peerID]
	if next == 0 {
		next = 1
	}
	prev := next - 1
	req := AppendRequest{
		Term:         n.term,
		LeaderID:     n.cfg.ID,
		PrevLogIndex: prev,
		PrevLogTerm:  n.log.TermAt(prev),
		LeaderCommit: n.commitIndex,
	}

	last := n.log.LastIndex()
	if next <= last {
		to := last
		if limit := next + uint64(n.cfg.MaxAppendEntries) - 1; to > limit {
			to = limit
		}
		entries, err := n.log.Range(next, to)
		if err != nil {
			n.logger.Error("Failed to read log for replication",
				zap.String("peer", peerID),
				zap.Uint64("from", next),
				zap.Error(err))
			return AppendRequest{}, false
		}
		req.Entries = entries
	}
	return req, true
}

func (n *Node) replicate(peerID, peerURL string, req AppendRequest) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.HeartbeatInterval)
	defer cancel()

	resp, err := n.transport.AppendEntries(ctx, peerURL, req)
	if err != nil {
		n.metrics.RPCFailed("append")
		n.logger.Debug("AppendEntries failed", zap.String("peer", peerID), zap.Error(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != cluster.Leader || n.term != req.Term {
		return
	}
	if _, member := n.peers[peerID]; !member {
		return
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > n.matchIndex[peerID] {
			n.matchIndex[peerID] = match
		}
		if match+1 > n.nextIndex[peerID] {
			n.nextIndex[peerID] = match + 1
		}
		n.advanceCommitLocked()
		return
	}

	// Consistency check failed; back off one entry and retry on the next
	// heartbeat. A stale reply must not move nextIndex twice.
	if n.nextIndex[peerID] == req.PrevLogIndex+1 && n.nextIndex[peerID] > 1 {
		n.nextIndex[peerID]--
	}
}

// advanceCommitLocked commits the highest current-term index stored on a
// strict majority.
func (n *Node) advanceCommitLocked() {
	quorum := cluster.Majority(len(n.peers) + 1)
	for idx := n.log.LastIndex(); idx > n.commitIndex; idx-- {
		if n.log.TermAt(idx) != n.term {
			if n.log.TermAt(idx) < n.term {
				break
			}
			continue
		}
		count := 1
		for id := range n.peers {
			if n.matchIndex[id] >= idx {
				count++
			}
		}
		if count >= quorum {
			n.setCommitIndexLocked(idx)
			return
		}
	}
}

func (n *Node) setCommitIndexLocked(idx uint64) {
	if idx <= n.commitIndex {
		return
	}
	n.commitIndex = idx
	n.metrics.SetCommitIndex(idx)
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

// HandleAppendEntries applies the follower side of log replication.
func (n *Node) HandleAppendEntries(req AppendRequest) AppendResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return AppendResponse{Term: n.term}
	}
	if req.Term > n.term || n.role != cluster.Follower {
		n.stepDownLocked(req.Term)
	}
	if n.leaderID != req.LeaderID {
		n.leaderID = req.LeaderID
		n.logger.Info("Following leader", zap.String("leader", req.LeaderID), zap.Uint64("term", n.term))
		n.notifyLocked()
	}
	n.resetElectionTimerLocked()

	if req.PrevLogIndex > n.log.LastIndex() {
		return AppendResponse{Term: n.term}
	}
	if req.PrevLogIndex > 0 && n.log.TermAt(req.PrevLogIndex) != req.PrevLogTerm {
		return AppendResponse{Term: n.term}
	}

	if err := n.mergeEntriesLocked(req.Entries); err != nil {
		n.logger.Error("Failed to store replicated entries", zap.Error(err))
		return AppendResponse{Term: n.term}
	}

	if req.LeaderCommit > n.commitIndex {
		lastNew := req.PrevLogIndex + uint64(len(req.Entries))
		commit := req.LeaderCommit
		if lastNew < commit {
			commit = lastNew
		}
		n.setCommitIndexLocked(commit)
	}
	return AppendResponse{Term: n.term, Success: true}
}

// mergeEntriesLocked skips entries already present, truncates at the first
// term conflict and appends the rest.
func (n *Node) mergeEntriesLocked(entries []raftlog.Entry) error {
	for i, e := range entries {
		if e.Index <= n.log.LastIndex() {
			if n.log.TermAt(e.Index) == e.Term {
				continue
			}
			if e.Index <= n.commitIndex {
				return fmt.Errorf("conflict at committed index %d", e.Index)
			}
			if err := n.log.TruncateFrom(e.Index); err != nil {
				return err
			}
		}
		return n.log.Append(entries[i:]...)
	}
	return nil
}
