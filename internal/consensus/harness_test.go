package consensus

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
	"github.com/dreamware/docfed/internal/raftlog"
	"github.com/dreamware/docfed/internal/storage"
)

var errUnreachable = errors.New("unreachable")

// memNetwork routes RPCs between in-process nodes and can isolate nodes.
type memNetwork struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	isolated map[string]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[string]*Node), isolated: make(map[string]bool)}
}

func memURL(id string) string { return "mem://" + id }

func (m *memNetwork) transport(from string) Transport {
	return &memTransport{net: m, from: from}
}

func (m *memNetwork) register(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[memURL(n.cfg.ID)] = n
}

func (m *memNetwork) isolate(id string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isolated[id] = down
}

func (m *memNetwork) route(from, url string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[url]
	if !ok || m.isolated[from] || m.isolated[n.cfg.ID] {
		return nil, errUnreachable
	}
	return n, nil
}

type memTransport struct {
	net  *memNetwork
	from string
}

func (t *memTransport) RequestVote(ctx context.Context, url string, req VoteRequest) (VoteResponse, error) {
	n, err := t.net.route(t.from, url)
	if err != nil {
		return VoteResponse{}, err
	}
	return n.HandleRequestVote(req), nil
}

func (t *memTransport) AppendEntries(ctx context.Context, url string, req AppendRequest) (AppendResponse, error) {
	n, err := t.net.route(t.from, url)
	if err != nil {
		return AppendResponse{}, err
	}
	// Copy entries so the follower never aliases the leader's slices.
	req.Entries = append([]raftlog.Entry(nil), req.Entries...)
	return n.HandleAppendEntries(req), nil
}

// stubTransport answers every RPC with fixed replies.
type stubTransport struct {
	mu     sync.Mutex
	vote   VoteResponse
	append AppendResponse
}

func (s *stubTransport) setAppend(resp AppendResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append = resp
}

func (s *stubTransport) RequestVote(context.Context, string, VoteRequest) (VoteResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vote, nil
}

func (s *stubTransport) AppendEntries(context.Context, string, AppendRequest) (AppendResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append, nil
}

type testNode struct {
	*Node
	log    *raftlog.MemoryLog
	engine *storage.Engine
}

// fastConfig keeps elections short enough for tests to converge quickly.
func fastConfig(id string, peers ...string) Config {
	cfg := Config{
		ID:                 id,
		URL:                memURL(id),
		Peers:              make(map[string]string),
		ElectionTimeoutMin: 80 * time.Millisecond,
		ElectionTimeoutMax: 160 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
	}
	for _, p := range peers {
		cfg.Peers[p] = memURL(p)
	}
	return cfg
}

func newTestNode(t *testing.T, cfg Config, transport Transport, opts ...Option) *testNode {
	t.Helper()
	log := raftlog.NewMemoryLog()
	engine := storage.NewEngine()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	n, err := New(cfg, log, log, engine, transport, opts...)
	require.NoError(t, err)
	return &testNode{Node: n, log: log, engine: engine}
}

// startCluster builds and starts size fully connected nodes.
func startCluster(t *testing.T, size int, opts ...Option) (*memNetwork, []*testNode) {
	t.Helper()
	net := newMemNetwork()
	ids := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("n%d", i+1)
	}
	nodes := make([]*testNode, size)
	for i, id := range ids {
		var peers []string
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		nodes[i] = newTestNode(t, fastConfig(id, peers...), net.transport(id), opts...)
		net.register(nodes[i].Node)
	}
	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(n.Stop)
	}
	return net, nodes
}

// waitLeader returns the single leader among the reachable nodes.
func waitLeader(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		leader = nil
		for _, n := range nodes {
			if n.Status().Role == cluster.Leader {
				if leader != nil {
					return false
				}
				leader = n
			}
		}
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, "no single leader elected")
	return leader
}

func saveCmd(id, body string) storage.Command {
	return storage.Command{
		Op:         storage.OpSave,
		Database:   "app",
		Collection: "users",
		ID:         id,
		Payload:    []byte(body),
	}
}
