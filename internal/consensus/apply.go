package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/raftlog"
	"github.com/dreamware/docfed/internal/storage"
)

// Membership change actions carried by CONFIG entries.
const (
	ConfigAddPeer    = "add"
	ConfigRemovePeer = "remove"
)

// ConfigChange is the payload of a CONFIG log entry.
type ConfigChange struct {
	Action string `json:"action"`
	ID     string `json:"id"`
	URL    string `json:"url,omitempty"`
}

func (n *Node) applyLoop() {
	defer n.wg.Done()
	var retry <-chan time.Time
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.applyCh:
		case <-retry:
		}
		retry = nil
		if !n.applyCommitted() {
			retry = n.clock.After(n.cfg.TickInterval)
		}
	}
}

// applyCommitted applies every committed, unapplied entry in index order.
// Only the apply goroutine advances lastApplied. It reports false when a
// committed entry could not be read and applying must be retried.
func (n *Node) applyCommitted() bool {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return true
		}
		idx := n.lastApplied + 1
		n.mu.Unlock()

		entry, err := n.log.Get(idx)
		if err != nil {
			n.logger.Error("Failed to read committed entry", zap.Uint64("index", idx), zap.Error(err))
			return false
		}
		applyErr := n.applyEntry(entry)

		n.mu.Lock()
		n.lastApplied = idx
		if ch, ok := n.waiters[idx]; ok {
			ch <- applyErr
			delete(n.waiters, idx)
		}
		n.mu.Unlock()
	}
}

func (n *Node) applyEntry(e raftlog.Entry) error {
	switch e.Type {
	case raftlog.EntryNoop:
		return nil
	case raftlog.EntryConfig:
		var change ConfigChange
		if err := json.Unmarshal(e.Command, &change); err != nil {
			n.logger.Error("Malformed membership entry", zap.Uint64("index", e.Index), zap.Error(err))
			return err
		}
		n.applyConfig(change)
		return nil
	default:
		cmd, err := storage.DecodeCommand(e.Command)
		if err != nil {
			n.logger.Error("Malformed command entry", zap.Uint64("index", e.Index), zap.Error(err))
			return err
		}
		if err := n.applier.Apply(cmd); err != nil {
			// Deterministic rejections (missing document, duplicate database)
			// are reported to the proposer; replicas reach the same outcome.
			n.logger.Debug("Command rejected by storage",
				zap.Uint64("index", e.Index),
				zap.String("op", string(cmd.Op)),
				zap.Error(err))
			return err
		}
		return nil
	}
}

func (n *Node) applyConfig(change ConfigChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch change.Action {
	case ConfigAddPeer:
		if change.ID == n.cfg.ID {
			return
		}
		url := cluster.NormalizeURL(change.URL)
		n.peers[change.ID] = url
		if n.role == cluster.Leader {
			if _, ok := n.nextIndex[change.ID]; !ok {
				n.nextIndex[change.ID] = n.log.LastIndex() + 1
				n.matchIndex[change.ID] = 0
			}
		}
		n.logger.Info("Peer added", zap.String("peer", change.ID), zap.String("url", url))
	case ConfigRemovePeer:
		delete(n.peers, change.ID)
		delete(n.nextIndex, change.ID)
		delete(n.matchIndex, change.ID)
		n.logger.Info("Peer removed", zap.String("peer", change.ID))
		if n.role == cluster.Leader {
			n.advanceCommitLocked()
		}
	default:
		n.logger.Warn("Unknown membership action", zap.String("action", change.Action))
		return
	}

	if n.membership != nil {
		peers := make(map[string]string, len(n.peers))
		for id, url := range n.peers {
			peers[id] = url
		}
		if err := n.membership.SavePeers(peers); err != nil {
			n.logger.Error("Failed to persist membership", zap.Error(err))
		}
	}
}

// Propose replicates cmd and waits until it is applied locally. Non-leaders
// return a *NotLeaderError with the known leader.
func (n *Node) Propose(ctx context.Context, cmd storage.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	return n.propose(ctx, raftlog.EntryCommand, data)
}

// AddPeer replicates a membership change adding id at url.
func (n *Node) AddPeer(ctx context.Context, id, url string) error {
	if id == "" || url == "" {
		return fmt.Errorf("add peer: id and url required")
	}
	data, _ := json.Marshal(ConfigChange{Action: ConfigAddPeer, ID: id, URL: url})
	return n.propose(ctx, raftlog.EntryConfig, data)
}

// RemovePeer replicates a membership change removing id.
func (n *Node) RemovePeer(ctx context.Context, id string) error {
	n.mu.Lock()
	_, ok := n.peers[id]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove peer %q: %w", id, ErrUnknownPeer)
	}
	data, _ := json.Marshal(ConfigChange{Action: ConfigRemovePeer, ID: id})
	return n.propose(ctx, raftlog.EntryConfig, data)
}

func (n *Node) propose(ctx context.Context, typ raftlog.EntryType, data []byte) error {
	n.mu.Lock()
	select {
	case <-n.ctx.Done():
		n.mu.Unlock()
		return ErrStopped
	default:
	}
	if n.role != cluster.Leader {
		err := &NotLeaderError{LeaderID: n.leaderID, LeaderURL: n.leaderURLLocked()}
		n.mu.Unlock()
		return err
	}

	entry := raftlog.Entry{
		Index:   n.log.LastIndex() + 1,
		Term:    n.term,
		Type:    typ,
		Command: data,
	}
	if err := n.log.Append(entry); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("append entry: %w", err)
	}
	done := make(chan error, 1)
	n.waiters[entry.Index] = done
	n.advanceCommitLocked()
	n.broadcastAppendLocked()
	n.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		n.mu.Lock()
		delete(n.waiters, entry.Index)
		n.mu.Unlock()
		return ctx.Err()
	}
}
