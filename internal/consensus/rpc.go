package consensus

import (
	"context"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/raftlog"
)

// VoteRequest is the body of POST /raft/vote.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// AppendRequest is the body of POST /raft/append. An empty Entries slice is
// a heartbeat.
type AppendRequest struct {
	Term         uint64          `json:"term"`
	LeaderID     string          `json:"leaderId"`
	PrevLogIndex uint64          `json:"prevLogIndex"`
	PrevLogTerm  uint64          `json:"prevLogTerm"`
	Entries      []raftlog.Entry `json:"entries"`
	LeaderCommit uint64          `json:"leaderCommit"`
}

// AppendResponse answers an AppendRequest.
type AppendResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
}

// Transport delivers consensus RPCs to a peer. Any error means "no answer".
type Transport interface {
	RequestVote(ctx context.Context, peerURL string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, peerURL string, req AppendRequest) (AppendResponse, error)
}

// HTTPTransport speaks the /raft/* JSON endpoints.
type HTTPTransport struct {
	client *cluster.Client
}

// NewHTTPTransport returns a transport whose calls time out after the
// client's per-call deadline.
func NewHTTPTransport(client *cluster.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// RequestVote posts req to peerURL/raft/vote.
func (t *HTTPTransport) RequestVote(ctx context.Context, peerURL string, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	err := t.client.PostJSON(ctx, peerURL+"/raft/vote", req, &resp)
	return resp, err
}

// AppendEntries posts req to peerURL/raft/append.
func (t *HTTPTransport) AppendEntries(ctx context.Context, peerURL string, req AppendRequest) (AppendResponse, error) {
	var resp AppendResponse
	err := t.client.PostJSON(ctx, peerURL+"/raft/append", req, &resp)
	return resp, err
}
