package federation

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/coordinator"
	"github.com/dreamware/docfed/internal/metrics"
	"github.com/dreamware/docfed/internal/raftlog"
)

// Peer liveness as seen by the leader.
const (
	PeerActive   = "ACTIVE"
	PeerInactive = "INACTIVE"
)

// Registry is the node registry view a member mirrors and sweeps.
type Registry interface {
	Snapshot() coordinator.Snapshot
	ApplyMirror(coordinator.Snapshot)
	Sweep(ctx context.Context) []string
}

// PeerStore persists the member URL list whenever it changes.
type PeerStore interface {
	SavePeers(peers []string) error
}

// PeerStatus describes one known member.
type PeerStatus struct {
	URL      string    `json:"url"`
	ID       string    `json:"id,omitempty"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Status is a point-in-time view of a member.
type Status struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Role      cluster.Role `json:"state"`
	Term      uint64       `json:"term"`
	VotedFor  string       `json:"votedFor,omitempty"`
	LeaderID  string       `json:"leaderId,omitempty"`
	LeaderURL string       `json:"leaderUrl,omitempty"`
	Peers     []PeerStatus `json:"peers"`
}

// Option customizes a Member.
type Option func(*Member)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option { return func(m *Member) { m.logger = l } }

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option { return func(m *Member) { m.clock = c } }

// WithMetrics records term, role and elections.
func WithMetrics(c *metrics.Consensus) Option { return func(m *Member) { m.metrics = c } }

// WithStableStore persists term and vote across restarts.
func WithStableStore(s raftlog.StableStore) Option { return func(m *Member) { m.stable = s } }

// WithPeerStore persists the member list whenever it changes.
func WithPeerStore(s PeerStore) Option { return func(m *Member) { m.peerStore = s } }

// WithRegistry attaches the node registry carried by heartbeats.
func WithRegistry(r Registry) Option { return func(m *Member) { m.registry = r } }

// WithObserver registers a callback invoked with the member lock held after
// every role or term change.
func WithObserver(fn func(Status)) Option { return func(m *Member) { m.observer = fn } }

type peer struct {
	id       string
	state    string
	lastSeen time.Time
}

// Member is one participant of the federation consensus group.
type Member struct {
	cfg       Config
	transport Transport
	registry  Registry
	peerStore PeerStore
	stable    raftlog.StableStore
	logger    *zap.Logger
	clock     clock.Clock
	metrics   *metrics.Consensus
	observer  func(Status)

	mu               sync.Mutex
	rng              *rand.Rand
	role             cluster.Role
	term             uint64
	votedFor         string
	leaderID         string
	leaderURL        string
	peers            map[string]*peer
	votes            map[string]bool
	silentCycles     int
	respondedInCycle bool
	electionDeadline time.Time
	nextHeartbeat    time.Time
	started          bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a member. Term and vote are restored from the stable store
// when one is configured.
func New(cfg Config, transport Transport, opts ...Option) (*Member, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.URL = cluster.NormalizeURL(cfg.URL)

	h := fnv.New64a()
	h.Write([]byte(cfg.URL))

	m := &Member{
		cfg:       cfg,
		transport: transport,
		logger:    zap.NewNop(),
		clock:     clock.New(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(h.Sum64()))),
		role:      cluster.Follower,
		peers:     make(map[string]*peer),
	}
	for _, url := range cfg.Peers {
		url = cluster.NormalizeURL(url)
		if url != "" && url != cfg.URL {
			m.peers[url] = &peer{state: PeerActive}
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("service", "federation-raft"), zap.String("member", cfg.ID))
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.stable != nil {
		st, err := m.stable.LoadState()
		if err != nil {
			return nil, err
		}
		m.term, m.votedFor = st.Term, st.VotedFor
	}
	m.resetElectionTimerLocked()
	return m, nil
}

// Start launches the tick loop. A bootstrap member without peers leads
// immediately.
func (m *Member) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.resetElectionTimerLocked()
	if m.cfg.Bootstrap && len(m.peers) == 0 {
		m.bootstrapLocked()
	}
	peers := len(m.peers)
	m.mu.Unlock()

	m.logger.Info("Federation consensus started", zap.String("url", m.cfg.URL), zap.Int("peers", peers))

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

// bootstrapLocked claims leadership without peers. A term whose vote went
// to another member is never reused.
func (m *Member) bootstrapLocked() {
	if m.term == 0 || (m.votedFor != "" && m.votedFor != m.cfg.URL) {
		m.term++
	}
	m.votedFor = m.cfg.URL
	if err := m.persistLocked(); err != nil {
		return
	}
	m.logger.Info("Bootstrapping as sole federation member", zap.Uint64("term", m.term))
	m.becomeLeaderLocked()
}

// Stop halts the tick loop and in-flight RPCs.
func (m *Member) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Federation consensus stopped")
}

func (m *Member) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := m.clock.Ticker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Member) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.role == cluster.Leader {
		if !now.Before(m.nextHeartbeat) {
			m.broadcastHeartbeatLocked()
		}
		return
	}
	if now.Before(m.electionDeadline) {
		return
	}
	if m.role == cluster.Candidate {
		if m.respondedInCycle {
			m.silentCycles = 0
		} else {
			m.silentCycles++
		}
		if m.silentCycles >= m.cfg.SolitaryCycles {
			m.logger.Warn("No peer answered for consecutive elections, assuming solitary leadership",
				zap.Int("cycles", m.silentCycles),
				zap.Uint64("term", m.term))
			m.becomeLeaderLocked()
			return
		}
	}
	m.startElectionLocked()
}

// Status returns a snapshot of the member's consensus state.
func (m *Member) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Member) statusLocked() Status {
	st := Status{
		ID:        m.cfg.ID,
		URL:       m.cfg.URL,
		Role:      m.role,
		Term:      m.term,
		VotedFor:  m.votedFor,
		LeaderID:  m.leaderID,
		LeaderURL: m.leaderURL,
		Peers:     make([]PeerStatus, 0, len(m.peers)),
	}
	for _, url := range m.peerURLsLocked() {
		p := m.peers[url]
		st.Peers = append(st.Peers, PeerStatus{URL: url, ID: p.id, State: p.state, LastSeen: p.lastSeen})
	}
	return st
}

// IsLeader reports whether this member leads the federation.
func (m *Member) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role == cluster.Leader
}

// Leader returns the known federation leader's id and URL.
func (m *Member) Leader() (id, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID, m.leaderURL
}

// peerURLsLocked returns peer URLs in sorted order.
func (m *Member) peerURLsLocked() []string {
	urls := make([]string, 0, len(m.peers))
	for url := range m.peers {
		urls = append(urls, url)
	}
	slices.Sort(urls)
	return urls
}

// addPeerLocked records url as a member and reports whether it was new.
func (m *Member) addPeerLocked(url, id string) bool {
	url = cluster.NormalizeURL(url)
	if url == "" || url == m.cfg.URL {
		return false
	}
	if p, ok := m.peers[url]; ok {
		if id != "" {
			p.id = id
		}
		return false
	}
	m.peers[url] = &peer{id: id, state: PeerActive}
	m.logger.Info("Federation peer added", zap.String("url", url), zap.String("id", id))
	return true
}

// savePeersLocked persists the peer list. Failures are logged only.
func (m *Member) savePeersLocked() {
	if m.peerStore == nil {
		return
	}
	if err := m.peerStore.SavePeers(m.peerURLsLocked()); err != nil {
		m.logger.Error("Failed to persist federation peers", zap.Error(err))
	}
}

func (m *Member) resetElectionTimerLocked() {
	timeout := cluster.RandomTimeout(m.rng, m.cfg.ElectionTimeoutMin, m.cfg.ElectionTimeoutMax)
	m.electionDeadline = m.clock.Now().Add(timeout)
}

func (m *Member) persistLocked() error {
	if m.stable == nil {
		return nil
	}
	err := m.stable.SaveState(raftlog.HardState{Term: m.term, VotedFor: m.votedFor})
	if err != nil {
		m.logger.Error("Failed to persist federation term and vote", zap.Error(err))
	}
	return err
}

func (m *Member) notifyLocked() {
	m.metrics.SetRole(m.role)
	m.metrics.SetTerm(m.term)
	if m.observer != nil {
		m.observer(m.statusLocked())
	}
}

// stepDownLocked reverts to follower, adopting term when it is higher.
func (m *Member) stepDownLocked(term uint64) {
	prevRole, prevTerm := m.role, m.term
	if term > m.term {
		m.term = term
		m.votedFor = ""
		m.leaderID, m.leaderURL = "", ""
		m.persistLocked()
	}
	m.role = cluster.Follower
	m.votes = nil
	m.silentCycles = 0
	if prevRole == cluster.Leader && m.leaderURL == m.cfg.URL {
		m.leaderID, m.leaderURL = "", ""
	}
	m.resetElectionTimerLocked()
	if prevRole != cluster.Follower || term > prevTerm {
		m.logger.Info("Stepped down", zap.Stringer("from", prevRole), zap.Uint64("term", m.term))
		m.notifyLocked()
	}
}

// heardFromLocked records a response from a peer.
func (m *Member) heardFromLocked(url, id string) {
	m.respondedInCycle = true
	m.silentCycles = 0
	if p, ok := m.peers[url]; ok {
		p.state = PeerActive
		p.lastSeen = m.clock.Now()
		if id != "" {
			p.id = id
		}
	}
}
