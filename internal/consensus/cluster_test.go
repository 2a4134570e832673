package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/docfed/internal/cluster"
)

func TestThreeNodeReplication(t *testing.T) {
	_, nodes := startCluster(t, 3)
	leader := waitLeader(t, nodes)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, leader.Propose(ctx, saveCmd(fmt.Sprintf("u%d", i), fmt.Sprintf(`{"n":%d}`, i))))
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			ids, err := n.engine.List("app", "users")
			if err != nil || len(ids) != 5 {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	want := leader.Status().CommitIndex
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Status().LastApplied != want {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

// TestFollowerCatchesUpAfterPartition verifies a lagging follower is
// repaired by nextIndex back-off.
func TestFollowerCatchesUpAfterPartition(t *testing.T) {
	net, nodes := startCluster(t, 3)
	leader := waitLeader(t, nodes)

	var lagging *testNode
	for _, n := range nodes {
		if n != leader {
			lagging = n
			break
		}
	}
	net.isolate(lagging.cfg.ID, true)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		err := leader.Propose(ctx, saveCmd(fmt.Sprintf("u%d", i), `{}`))
		require.NoError(t, err)
	}
	net.isolate(lagging.cfg.ID, false)

	require.Eventually(t, func() bool {
		ids, err := lagging.engine.List("app", "users")
		return err == nil && len(ids) == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLeaderFailover(t *testing.T) {
	net, nodes := startCluster(t, 3)
	old := waitLeader(t, nodes)
	oldTerm := old.Status().Term

	net.isolate(old.cfg.ID, true)
	var rest []*testNode
	for _, n := range nodes {
		if n != old {
			rest = append(rest, n)
		}
	}
	leader := waitLeader(t, rest)
	assert.Greater(t, leader.Status().Term, oldTerm)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, leader.Propose(ctx, saveCmd("after", `{}`)))

	net.isolate(old.cfg.ID, false)
	require.Eventually(t, func() bool {
		s := old.Status()
		return s.Role == cluster.Follower && s.Term >= leader.Status().Term
	}, 5*time.Second, 10*time.Millisecond)
}

type termRecorder struct {
	mu       sync.Mutex
	leaders  map[uint64]map[string]bool
	lastTerm map[string]uint64
	errs     []string
}

func (r *termRecorder) observe(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Term < r.lastTerm[s.ID] {
		r.errs = append(r.errs, fmt.Sprintf("%s term went from %d to %d", s.ID, r.lastTerm[s.ID], s.Term))
	}
	r.lastTerm[s.ID] = s.Term
	if s.Role == cluster.Leader {
		if r.leaders[s.Term] == nil {
			r.leaders[s.Term] = make(map[string]bool)
		}
		r.leaders[s.Term][s.ID] = true
	}
}

// TestSafetyUnderChurn isolates random nodes while five nodes elect and
// checks that terms never decrease and no term has two leaders.
func TestSafetyUnderChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping churn test in short mode")
	}
	rec := &termRecorder{leaders: make(map[uint64]map[string]bool), lastTerm: make(map[string]uint64)}
	net, nodes := startCluster(t, 5, WithObserver(rec.observe))

	rng := rand.New(rand.NewSource(42))
	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		victim := nodes[rng.Intn(len(nodes))].cfg.ID
		net.isolate(victim, true)
		time.Sleep(time.Duration(100+rng.Intn(150)) * time.Millisecond)
		net.isolate(victim, false)
	}
	waitLeader(t, nodes)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.errs)
	for term, ids := range rec.leaders {
		assert.LessOrEqual(t, len(ids), 1, "term %d had leaders %v", term, ids)
	}
	assert.NotEmpty(t, rec.leaders)
}

type peerRecorder struct {
	mu    sync.Mutex
	saved []map[string]string
}

func (p *peerRecorder) SavePeers(peers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, peers)
	return nil
}

func (p *peerRecorder) last() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saved) == 0 {
		return nil
	}
	return p.saved[len(p.saved)-1]
}

func TestMembershipChange(t *testing.T) {
	net := newMemNetwork()
	store := &peerRecorder{}

	cfgA := fastConfig("a")
	cfgA.Bootstrap = true
	a := newTestNode(t, cfgA, net.transport("a"), WithMembershipStore(store))

	// b never times out during the test so it cannot disrupt a.
	cfgB := fastConfig("b", "a")
	cfgB.ElectionTimeoutMin = time.Minute
	cfgB.ElectionTimeoutMax = 2 * time.Minute
	b := newTestNode(t, cfgB, net.transport("b"))

	net.register(a.Node)
	net.register(b.Node)
	for _, n := range []*testNode{a, b} {
		require.NoError(t, n.Start(context.Background()))
		t.Cleanup(n.Stop)
	}
	require.True(t, a.IsLeader())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, a.AddPeer(ctx, "b", memURL("b")))
	assert.Equal(t, map[string]string{"b": memURL("b")}, store.last())
	assert.Contains(t, a.Status().Peers, "b")

	require.NoError(t, a.Propose(ctx, saveCmd("u1", `{"x":1}`)))
	require.Eventually(t, func() bool {
		_, err := b.engine.Get("app", "users", "u1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.RemovePeer(ctx, "b"))
	assert.Empty(t, a.Status().Peers)
	assert.Empty(t, store.last())

	assert.ErrorIs(t, a.RemovePeer(ctx, "b"), ErrUnknownPeer)
}
