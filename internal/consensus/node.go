package consensus

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/metrics"
	"github.com/dreamware/docfed/internal/raftlog"
	"github.com/dreamware/docfed/internal/storage"
)

// MembershipStore persists the peer map whenever a CONFIG entry is applied.
type MembershipStore interface {
	SavePeers(peers map[string]string) error
}

// Status is a point-in-time view of a node, served by status endpoints.
type Status struct {
	ID           string            `json:"id"`
	Role         cluster.Role      `json:"role"`
	Term         uint64            `json:"term"`
	VotedFor     string            `json:"votedFor,omitempty"`
	LeaderID     string            `json:"leaderId,omitempty"`
	LeaderURL    string            `json:"leaderUrl,omitempty"`
	CommitIndex  uint64            `json:"commitIndex"`
	LastApplied  uint64            `json:"lastApplied"`
	LastLogIndex uint64            `json:"lastLogIndex"`
	LastLogTerm  uint64            `json:"lastLogTerm"`
	Peers        map[string]string `json:"peers"`
}

// Option customizes a Node.
type Option func(*Node)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

// WithMetrics attaches prometheus recorders.
func WithMetrics(m *metrics.Consensus) Option {
	return func(n *Node) { n.metrics = m }
}

// WithMembershipStore persists membership changes.
func WithMembershipStore(s MembershipStore) Option {
	return func(n *Node) { n.membership = s }
}

// WithObserver registers a callback invoked, with the node lock held, after
// every role or term change. The callback must not call back into the node.
func WithObserver(fn func(Status)) Option {
	return func(n *Node) { n.observer = fn }
}

// Node is one member of a cluster consensus group.
type Node struct {
	cfg        Config
	log        raftlog.Log
	stable     raftlog.StableStore
	applier    storage.Applier
	transport  Transport
	membership MembershipStore
	logger     *zap.Logger
	clock      clock.Clock
	metrics    *metrics.Consensus
	observer   func(Status)

	// mu guards every field below.
	mu               sync.Mutex
	rng              *rand.Rand
	role             cluster.Role
	term             uint64
	votedFor         string
	leaderID         string
	peers            map[string]string
	nextIndex        map[string]uint64
	matchIndex       map[string]uint64
	votes            map[string]bool
	commitIndex      uint64
	lastApplied      uint64
	electionDeadline time.Time
	nextHeartbeat    time.Time
	waiters          map[uint64]chan error
	started          bool

	applyCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a node. The log must already hold any entries persisted by a
// previous run; term and vote are loaded from stable on Start.
func New(cfg Config, log raftlog.Log, stable raftlog.StableStore, applier storage.Applier, transport Transport, opts ...Option) (*Node, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(cfg.ID))

	n := &Node{
		cfg:        cfg,
		log:        log,
		stable:     stable,
		applier:    applier,
		transport:  transport,
		logger:     zap.NewNop(),
		clock:      clock.New(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64()))),
		role:       cluster.Follower,
		peers:      make(map[string]string, len(cfg.Peers)),
		nextIndex:  make(map[string]uint64),
		matchIndex: make(map[string]uint64),
		waiters:    make(map[uint64]chan error),
		applyCh:    make(chan struct{}, 1),
	}
	for id, url := range cfg.Peers {
		n.peers[id] = cluster.NormalizeURL(url)
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(zap.String("service", "cluster-raft"), zap.String("node", cfg.ID))
	n.ctx, n.cancel = context.WithCancel(context.Background())

	st, err := stable.LoadState()
	if err != nil {
		return nil, err
	}
	n.term, n.votedFor = st.Term, st.VotedFor
	n.resetElectionTimerLocked()
	return n, nil
}

// Start launches the tick and apply loops. With Bootstrap set and no peers
// the node becomes leader immediately.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.resetElectionTimerLocked()
	if n.cfg.Bootstrap {
		if len(n.peers) == 0 {
			n.bootstrapLocked()
		} else {
			n.startElectionLocked()
		}
	}
	n.mu.Unlock()

	n.logger.Info("Cluster consensus started",
		zap.Int("peers", len(n.cfg.Peers)),
		zap.Bool("bootstrap", n.cfg.Bootstrap),
		zap.Uint64("term", n.Status().Term))

	n.wg.Add(2)
	go n.run(ctx)
	go n.applyLoop()
	return nil
}

// Stop halts the loops and fails pending proposals. It does not close the log.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	n.mu.Lock()
	n.failWaitersLocked(ErrStopped)
	n.mu.Unlock()
	n.logger.Info("Cluster consensus stopped")
}

func (n *Node) run(ctx context.Context) {
	defer n.wg.Done()
	defer n.cancel()

	ticker := n.clock.Ticker(n.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

// tick evaluates the heartbeat or election deadline once.
func (n *Node) tick() {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if n.role == cluster.Leader {
		if !now.Before(n.nextHeartbeat) {
			n.broadcastAppendLocked()
		}
		return
	}
	if !now.Before(n.electionDeadline) {
		n.startElectionLocked()
	}
}

// Status returns a snapshot of the node's consensus state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusLocked()
}

func (n *Node) statusLocked() Status {
	peers := make(map[string]string, len(n.peers))
	for id, url := range n.peers {
		peers[id] = url
	}
	return Status{
		ID:           n.cfg.ID,
		Role:         n.role,
		Term:         n.term,
		VotedFor:     n.votedFor,
		LeaderID:     n.leaderID,
		LeaderURL:    n.leaderURLLocked(),
		CommitIndex:  n.commitIndex,
		LastApplied:  n.lastApplied,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
		Peers:        peers,
	}
}

// IsLeader reports whether this node currently believes it leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == cluster.Leader
}

// Leader returns the known leader id and URL, empty when unknown.
func (n *Node) Leader() (id, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.leaderURLLocked()
}

func (n *Node) leaderURLLocked() string {
	if n.leaderID == n.cfg.ID {
		return n.cfg.URL
	}
	return n.peers[n.leaderID]
}

// Campaign starts an election immediately unless already leader. It is the
// hook the federation's promotion call drives.
func (n *Node) Campaign() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == cluster.Leader {
		return
	}
	n.logger.Info("Campaigning on request")
	n.startElectionLocked()
}

func (n *Node) resetElectionTimerLocked() {
	timeout := cluster.RandomTimeout(n.rng, n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax)
	n.electionDeadline = n.clock.Now().Add(timeout)
}

// persistLocked writes term and vote. Failures are logged; the in-memory
// state is kept and retried on the next change.
func (n *Node) persistLocked() error {
	err := n.stable.SaveState(raftlog.HardState{Term: n.term, VotedFor: n.votedFor})
	if err != nil {
		n.logger.Error("Failed to persist term and vote", zap.Uint64("term", n.term), zap.Error(err))
	}
	return err
}

// adoptTermLocked moves to a higher term and clears the vote.
func (n *Node) adoptTermLocked(term uint64) {
	if term <= n.term {
		return
	}
	n.term = term
	n.votedFor = ""
	n.persistLocked()
	n.metrics.SetTerm(term)
}

// stepDownLocked reverts to follower, adopting term when it is higher. The
// election timer is only restarted for a former leader; followers and
// candidates keep their deadline unless a vote is granted or a valid
// AppendEntries arrives.
func (n *Node) stepDownLocked(term uint64) {
	prevRole, prevTerm := n.role, n.term
	n.adoptTermLocked(term)
	n.role = cluster.Follower
	if prevRole == cluster.Leader {
		n.leaderID = ""
		n.failWaitersLocked(ErrLeadershipLost)
		n.resetElectionTimerLocked()
	}
	if term > prevTerm {
		n.leaderID = ""
	}
	if prevRole != cluster.Follower || term > prevTerm {
		n.logger.Info("Stepped down",
			zap.Stringer("from", prevRole),
			zap.Uint64("term", n.term))
		n.notifyLocked()
	}
}

func (n *Node) notifyLocked() {
	n.metrics.SetRole(n.role)
	n.metrics.SetTerm(n.term)
	if n.observer != nil {
		n.observer(n.statusLocked())
	}
}

func (n *Node) failWaitersLocked(err error) {
	for idx, ch := range n.waiters {
		ch <- err
		delete(n.waiters, idx)
	}
}
