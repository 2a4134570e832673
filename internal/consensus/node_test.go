package consensus

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/raftlog"
	"github.com/dreamware/docfed/internal/storage"
)

func TestNewValidatesConfig(t *testing.T) {
	log := raftlog.NewMemoryLog()
	_, err := New(Config{}, log, log, storage.NewEngine(), &stubTransport{})
	assert.Error(t, err)

	cfg := fastConfig("a", "b")
	cfg.Peers["a"] = memURL("a")
	_, err = New(cfg, log, log, storage.NewEngine(), &stubTransport{})
	assert.Error(t, err)
}

// TestBootstrapSoloLeader verifies a peerless bootstrap node leads without
// an election round and applies its own proposals.
func TestBootstrapSoloLeader(t *testing.T) {
	cfg := fastConfig("solo")
	cfg.Bootstrap = true
	n := newTestNode(t, cfg, &stubTransport{})
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	st := n.Status()
	assert.Equal(t, cluster.Leader, st.Role)
	assert.Equal(t, uint64(1), st.Term)
	assert.Equal(t, "solo", st.VotedFor)
	assert.Equal(t, "solo", st.LeaderID)

	hs, err := n.log.LoadState()
	require.NoError(t, err)
	assert.Equal(t, raftlog.HardState{Term: 1, VotedFor: "solo"}, hs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Propose(ctx, saveCmd("u1", `{"name":"ada"}`)))

	doc, err := n.engine.Get("app", "users", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, string(doc))

	// NOOP at 1, command at 2.
	assert.Equal(t, uint64(2), n.Status().CommitIndex)
	e, err := n.log.Get(1)
	require.NoError(t, err)
	assert.Equal(t, raftlog.EntryNoop, e.Type)
}

// flakyLog fails the first read of one index.
type flakyLog struct {
	*raftlog.MemoryLog
	index  uint64
	failed atomic.Bool
}

func (f *flakyLog) Get(index uint64) (raftlog.Entry, error) {
	if index == f.index && f.failed.CompareAndSwap(false, true) {
		return raftlog.Entry{}, errors.New("transient read error")
	}
	return f.MemoryLog.Get(index)
}

func TestApplyRetriesFailedRead(t *testing.T) {
	mem := raftlog.NewMemoryLog()
	log := &flakyLog{MemoryLog: mem, index: 2}
	engine := storage.NewEngine()
	cfg := fastConfig("solo")
	cfg.Bootstrap = true
	n, err := New(cfg, log, mem, engine, &stubTransport{}, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Propose(ctx, saveCmd("u1", `{"name":"ada"}`)))
	assert.True(t, log.failed.Load())

	doc, err := engine.Get("app", "users", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"ada"}`, string(doc))
}

// TestBootstrapKeepsHigherTerm verifies bootstrap never lowers a stored term.
func TestBootstrapKeepsHigherTerm(t *testing.T) {
	log := raftlog.NewMemoryLog()
	require.NoError(t, log.SaveState(raftlog.HardState{Term: 4, VotedFor: "solo"}))

	cfg := fastConfig("solo")
	cfg.Bootstrap = true
	n, err := New(cfg, log, log, storage.NewEngine(), &stubTransport{})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	assert.Equal(t, uint64(4), n.Status().Term)
	assert.True(t, n.IsLeader())
}

func TestProposeOnFollowerReturnsLeaderHint(t *testing.T) {
	n := newTestNode(t, fastConfig("b", "a"), &stubTransport{})
	resp := n.HandleAppendEntries(AppendRequest{Term: 2, LeaderID: "a"})
	require.True(t, resp.Success)

	err := n.Propose(context.Background(), saveCmd("u1", `{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotLeader))

	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
	assert.Equal(t, "a", nle.LeaderID)
	assert.Equal(t, memURL("a"), nle.LeaderURL)
}

func TestProposeRejectsInvalidCommand(t *testing.T) {
	cfg := fastConfig("solo")
	cfg.Bootstrap = true
	n := newTestNode(t, cfg, &stubTransport{})
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	err := n.Propose(context.Background(), storage.Command{Op: storage.OpSave})
	assert.ErrorIs(t, err, storage.ErrInvalidCommand)
}

// TestTwoNodeElection walks through the first election of a fresh pair.
func TestTwoNodeElection(t *testing.T) {
	net := newMemNetwork()
	a := newTestNode(t, fastConfig("a", "b"), net.transport("a"))
	b := newTestNode(t, fastConfig("b", "a"), net.transport("b"))
	net.register(a.Node)
	net.register(b.Node)

	a.Campaign()

	require.Eventually(t, func() bool { return a.IsLeader() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		id, _ := b.Leader()
		return id == "a"
	}, time.Second, 5*time.Millisecond)

	sa, sb := a.Status(), b.Status()
	assert.Equal(t, uint64(1), sa.Term)
	assert.Equal(t, uint64(1), sb.Term)
	assert.Equal(t, "a", sb.VotedFor)
	assert.Equal(t, cluster.Follower, sb.Role)

	// The leader's NOOP reaches the follower and commits.
	require.Eventually(t, func() bool {
		return a.Status().CommitIndex == 1 && b.Status().LastLogIndex == 1
	}, time.Second, 5*time.Millisecond)
}

func TestStaleAppendEntriesRejected(t *testing.T) {
	log := raftlog.NewMemoryLog()
	require.NoError(t, log.SaveState(raftlog.HardState{Term: 3}))
	n, err := New(fastConfig("b", "a"), log, log, storage.NewEngine(), &stubTransport{})
	require.NoError(t, err)

	resp := n.HandleAppendEntries(AppendRequest{Term: 2, LeaderID: "a"})
	assert.Equal(t, AppendResponse{Term: 3, Success: false}, resp)

	id, _ := n.Leader()
	assert.Empty(t, id)
}

// TestLeaderStepsDownOnHigherTerm verifies a leader receiving a reply with
// a greater term reverts to follower and adopts that term.
func TestLeaderStepsDownOnHigherTerm(t *testing.T) {
	st := &stubTransport{vote: VoteResponse{Term: 1, VoteGranted: true}}
	n := newTestNode(t, fastConfig("a", "b"), st)

	n.Campaign()
	require.Eventually(t, n.IsLeader, time.Second, 5*time.Millisecond)

	st.setAppend(AppendResponse{Term: 3})
	n.mu.Lock()
	n.broadcastAppendLocked()
	n.mu.Unlock()

	require.Eventually(t, func() bool {
		s := n.Status()
		return s.Role == cluster.Follower && s.Term == 3
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, n.Status().VotedFor)
}

func TestPendingProposalFailsOnStepDown(t *testing.T) {
	st := &stubTransport{vote: VoteResponse{Term: 1, VoteGranted: true}}
	n := newTestNode(t, fastConfig("a", "b"), st)
	n.Campaign()
	require.Eventually(t, n.IsLeader, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- n.Propose(context.Background(), saveCmd("u1", `{}`)) }()

	require.Eventually(t, func() bool { return n.Status().LastLogIndex == 2 }, time.Second, 5*time.Millisecond)
	n.HandleAppendEntries(AppendRequest{Term: 5, LeaderID: "b", PrevLogIndex: 0})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLeadershipLost)
	case <-time.After(time.Second):
		t.Fatal("proposal did not fail after step-down")
	}
}

func TestHandleRequestVote(t *testing.T) {
	tests := []struct {
		name     string
		term     uint64
		votedFor string
		logTerms []uint64
		req      VoteRequest
		want     VoteResponse
	}{
		{
			name: "grant to first candidate",
			req:  VoteRequest{Term: 1, CandidateID: "c"},
			want: VoteResponse{Term: 1, VoteGranted: true},
		},
		{
			name: "reject stale term",
			term: 5,
			req:  VoteRequest{Term: 4, CandidateID: "c"},
			want: VoteResponse{Term: 5},
		},
		{
			name:     "reject second candidate in same term",
			term:     2,
			votedFor: "other",
			req:      VoteRequest{Term: 2, CandidateID: "c"},
			want:     VoteResponse{Term: 2},
		},
		{
			name:     "repeat grant to same candidate",
			term:     2,
			votedFor: "c",
			req:      VoteRequest{Term: 2, CandidateID: "c"},
			want:     VoteResponse{Term: 2, VoteGranted: true},
		},
		{
			name:     "higher term clears previous vote",
			term:     2,
			votedFor: "other",
			req:      VoteRequest{Term: 3, CandidateID: "c"},
			want:     VoteResponse{Term: 3, VoteGranted: true},
		},
		{
			name:     "reject candidate with older last term",
			term:     2,
			logTerms: []uint64{1, 2},
			req:      VoteRequest{Term: 3, CandidateID: "c", LastLogIndex: 5, LastLogTerm: 1},
			want:     VoteResponse{Term: 3},
		},
		{
			name:     "reject candidate with shorter log in same term",
			term:     2,
			logTerms: []uint64{1, 2, 2},
			req:      VoteRequest{Term: 3, CandidateID: "c", LastLogIndex: 2, LastLogTerm: 2},
			want:     VoteResponse{Term: 3},
		},
		{
			name:     "grant candidate with newer last term",
			term:     2,
			logTerms: []uint64{1, 2, 2},
			req:      VoteRequest{Term: 3, CandidateID: "c", LastLogIndex: 1, LastLogTerm: 3},
			want:     VoteResponse{Term: 3, VoteGranted: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := raftlog.NewMemoryLog()
			require.NoError(t, log.SaveState(raftlog.HardState{Term: tt.term, VotedFor: tt.votedFor}))
			for i, term := range tt.logTerms {
				require.NoError(t, log.Append(raftlog.Entry{Index: uint64(i + 1), Term: term, Type: raftlog.EntryNoop}))
			}
			n, err := New(fastConfig("v", "c", "other"), log, log, storage.NewEngine(), &stubTransport{})
			require.NoError(t, err)

			assert.Equal(t, tt.want, n.HandleRequestVote(tt.req))

			if tt.want.VoteGranted {
				hs, err := log.LoadState()
				require.NoError(t, err)
				assert.Equal(t, tt.req.CandidateID, hs.VotedFor)
				assert.Equal(t, tt.req.Term, hs.Term)
			}
		})
	}
}

// TestRefusedVoteKeepsElectionDeadline verifies a candidate with a stale log
// cannot postpone this node's election by carrying a higher term.
func TestRefusedVoteKeepsElectionDeadline(t *testing.T) {
	log := raftlog.NewMemoryLog()
	require.NoError(t, log.Append(raftlog.Entry{Index: 1, Term: 2, Type: raftlog.EntryNoop}))
	require.NoError(t, log.SaveState(raftlog.HardState{Term: 2}))
	mock := clock.NewMock()
	n, err := New(fastConfig("v", "c"), log, log, storage.NewEngine(), &stubTransport{}, WithClock(mock))
	require.NoError(t, err)

	deadline := func() time.Time {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.electionDeadline
	}
	before := deadline()
	mock.Add(200 * time.Millisecond)

	resp := n.HandleRequestVote(VoteRequest{Term: 3, CandidateID: "c", LastLogIndex: 1, LastLogTerm: 1})
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, uint64(3), n.Status().Term)
	assert.Equal(t, before, deadline())

	resp = n.HandleRequestVote(VoteRequest{Term: 4, CandidateID: "c", LastLogIndex: 1, LastLogTerm: 2})
	assert.True(t, resp.VoteGranted)
	assert.True(t, deadline().After(before))
}

type failingStable struct{ raftlog.StableStore }

func (failingStable) SaveState(raftlog.HardState) error { return errors.New("disk full") }

func TestVoteRefusedWhenPersistFails(t *testing.T) {
	log := raftlog.NewMemoryLog()
	n, err := New(fastConfig("v", "c"), log, failingStable{log}, storage.NewEngine(), &stubTransport{}, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	resp := n.HandleRequestVote(VoteRequest{Term: 1, CandidateID: "c"})
	assert.False(t, resp.VoteGranted)
	assert.Empty(t, n.Status().VotedFor)
}

func TestAppendEntriesConsistency(t *testing.T) {
	e := func(index, term uint64) raftlog.Entry {
		return raftlog.Entry{Index: index, Term: term, Type: raftlog.EntryNoop}
	}

	t.Run("missing prev entry", func(t *testing.T) {
		n := newTestNode(t, fastConfig("f", "l"), &stubTransport{})
		resp := n.HandleAppendEntries(AppendRequest{Term: 1, LeaderID: "l", PrevLogIndex: 3, PrevLogTerm: 1})
		assert.False(t, resp.Success)
		id, _ := n.Leader()
		assert.Equal(t, "l", id)
	})

	t.Run("prev term mismatch", func(t *testing.T) {
		n := newTestNode(t, fastConfig("f", "l"), &stubTransport{})
		require.NoError(t, n.log.Append(e(1, 1), e(2, 1)))
		resp := n.HandleAppendEntries(AppendRequest{Term: 2, LeaderID: "l", PrevLogIndex: 2, PrevLogTerm: 2})
		assert.False(t, resp.Success)
	})

	t.Run("conflict truncates suffix", func(t *testing.T) {
		n := newTestNode(t, fastConfig("f", "l"), &stubTransport{})
		require.NoError(t, n.log.Append(e(1, 1), e(2, 1), e(3, 1)))

		resp := n.HandleAppendEntries(AppendRequest{
			Term: 2, LeaderID: "l",
			PrevLogIndex: 1, PrevLogTerm: 1,
			Entries: []raftlog.Entry{e(2, 2)},
		})
		require.True(t, resp.Success)
		assert.Equal(t, uint64(2), n.log.LastIndex())
		assert.Equal(t, uint64(2), n.log.TermAt(2))
	})

	t.Run("duplicate entries are idempotent", func(t *testing.T) {
		n := newTestNode(t, fastConfig("f", "l"), &stubTransport{})
		req := AppendRequest{Term: 1, LeaderID: "l", Entries: []raftlog.Entry{e(1, 1), e(2, 1)}}
		require.True(t, n.HandleAppendEntries(req).Success)
		require.True(t, n.HandleAppendEntries(req).Success)
		assert.Equal(t, uint64(2), n.log.LastIndex())
	})

	t.Run("leader commit bounded by last new entry", func(t *testing.T) {
		n := newTestNode(t, fastConfig("f", "l"), &stubTransport{})
		resp := n.HandleAppendEntries(AppendRequest{
			Term: 1, LeaderID: "l",
			Entries:      []raftlog.Entry{e(1, 1)},
			LeaderCommit: 10,
		})
		require.True(t, resp.Success)
		assert.Equal(t, uint64(1), n.Status().CommitIndex)
	})

	t.Run("candidate reverts on same-term append", func(t *testing.T) {
		n := newTestNode(t, fastConfig("f", "l"), &stubTransport{})
		n.Campaign()
		require.Equal(t, cluster.Candidate, n.Status().Role)

		resp := n.HandleAppendEntries(AppendRequest{Term: 1, LeaderID: "l"})
		assert.True(t, resp.Success)
		assert.Equal(t, cluster.Follower, n.Status().Role)
		assert.Equal(t, "f", n.Status().VotedFor)
	})
}

// TestRestartKeepsTermAndVote verifies hard state survives reopening the
// bolt-backed log.
func TestRestartKeepsTermAndVote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")

	log, err := raftlog.OpenBoltLog(path)
	require.NoError(t, err)
	n, err := New(fastConfig("v", "c"), log, log, storage.NewEngine(), &stubTransport{})
	require.NoError(t, err)
	require.True(t, n.HandleRequestVote(VoteRequest{Term: 7, CandidateID: "c"}).VoteGranted)
	require.NoError(t, log.Close())

	log, err = raftlog.OpenBoltLog(path)
	require.NoError(t, err)
	defer log.Close()
	n, err = New(fastConfig("v", "c", "d"), log, log, storage.NewEngine(), &stubTransport{})
	require.NoError(t, err)

	st := n.Status()
	assert.Equal(t, uint64(7), st.Term)
	assert.Equal(t, "c", st.VotedFor)
	assert.False(t, n.HandleRequestVote(VoteRequest{Term: 7, CandidateID: "d"}).VoteGranted)
}

func TestStopFailsPendingProposals(t *testing.T) {
	st := &stubTransport{vote: VoteResponse{Term: 1, VoteGranted: true}}
	n := newTestNode(t, fastConfig("a", "b"), st)
	require.NoError(t, n.Start(context.Background()))
	n.Campaign()
	require.Eventually(t, n.IsLeader, time.Second, 5*time.Millisecond)

	errCh := make(chan error, 1)
	go func() { errCh <- n.Propose(context.Background(), saveCmd("u1", `{}`)) }()
	require.Eventually(t, func() bool { return n.Status().LastLogIndex == 2 }, time.Second, 5*time.Millisecond)

	n.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("proposal did not fail after stop")
	}
	assert.ErrorIs(t, n.Propose(context.Background(), saveCmd("u2", `{}`)), ErrStopped)
}
