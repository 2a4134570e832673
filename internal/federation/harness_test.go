package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/coordinator"
)

var errUnreachable = errors.New("unreachable")

func memberURL(id string) string { return "http://" + id }

// memNetwork routes RPCs between in-process members.
type memNetwork struct {
	mu       sync.Mutex
	members  map[string]*Member
	isolated map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{members: make(map[string]*Member), isolated: make(map[string]bool)}
}

func (n *memNetwork) register(m *Member) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[m.cfg.URL] = m
}

func (n *memNetwork) isolate(url string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[url] = down
}

func (n *memNetwork) route(from, to string) (*Member, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.members[to]
	if !ok || n.isolated[from] || n.isolated[to] {
		return nil, errUnreachable
	}
	return m, nil
}

func (n *memNetwork) transport(from string) Transport {
	return &memTransport{net: n, from: from}
}

type memTransport struct {
	net  *memNetwork
	from string
}

func (t *memTransport) RequestVote(ctx context.Context, url string, req VoteRequest) (VoteResponse, error) {
	m, err := t.net.route(t.from, url)
	if err != nil {
		return VoteResponse{}, err
	}
	return m.HandleRequestVote(req), nil
}

func (t *memTransport) AppendEntries(ctx context.Context, url string, req AppendRequest) (AppendResponse, error) {
	m, err := t.net.route(t.from, url)
	if err != nil {
		return AppendResponse{}, err
	}
	return m.HandleAppendEntries(req), nil
}

func (t *memTransport) Join(ctx context.Context, url string, req JoinRequest) (JoinResponse, error) {
	m, err := t.net.route(t.from, url)
	if err != nil {
		return JoinResponse{}, err
	}
	return m.HandleJoin(req)
}

// scriptedTransport answers every RPC from fixed replies or fails them all.
type scriptedTransport struct {
	mu     sync.Mutex
	vote   VoteResponse
	append AppendResponse
	err    error
}

func (s *scriptedTransport) RequestVote(context.Context, string, VoteRequest) (VoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vote, s.err
}

func (s *scriptedTransport) AppendEntries(context.Context, string, AppendRequest) (AppendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append, s.err
}

func (s *scriptedTransport) Join(context.Context, string, JoinRequest) (JoinResponse, error) {
	return JoinResponse{}, errUnreachable
}

// fakeRegistry records mirror and sweep calls.
type fakeRegistry struct {
	mu      sync.Mutex
	snap    coordinator.Snapshot
	mirrors int
	sweeps  int
}

func (f *fakeRegistry) Snapshot() coordinator.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeRegistry) ApplyMirror(s coordinator.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
	f.mirrors++
}

func (f *fakeRegistry) Sweep(context.Context) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return nil
}

func (f *fakeRegistry) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

type peerRecorder struct {
	mu    sync.Mutex
	saved [][]string
}

func (p *peerRecorder) SavePeers(peers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, peers)
	return nil
}

func (p *peerRecorder) last() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) == 0 {
		return nil
	}
	return p.saved[len(p.saved)-1]
}

func fastConfig(id string, peers ...string) Config {
	cfg := Config{
		ID:                 id,
		URL:                memberURL(id),
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	}
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, memberURL(p))
	}
	return cfg
}

func newTestMember(t *testing.T, cfg Config, tr Transport, opts ...Option) *Member {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	m, err := New(cfg, tr, opts...)
	require.NoError(t, err)
	return m
}

func startFederation(t *testing.T, size int, opts ...Option) (*memNetwork, []*Member, []*fakeRegistry) {
	t.Helper()
	net := newMemNetwork()
	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("f%d", i+1)
	}
	members := make([]*Member, size)
	registries := make([]*fakeRegistry, size)
	for i, id := range ids {
		var peers []string
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		registries[i] = &fakeRegistry{}
		memberOpts := append([]Option{WithRegistry(registries[i])}, opts...)
		members[i] = newTestMember(t, fastConfig(id, peers...), net.transport(memberURL(id)), memberOpts...)
		net.register(members[i])
	}
	for _, m := range members {
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(m.Stop)
	}
	return net, members, registries
}

func waitLeader(t *testing.T, members []*Member) *Member {
	t.Helper()
	var leader *Member
	require.Eventually(t, func() bool {
		leader = nil
		for _, m := range members {
			if m.Status().Role == cluster.Leader {
				if leader != nil {
					return false
				}
				leader = m
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond)
	return leader
}
