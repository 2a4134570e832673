package federation

import (
	"context"
	"time"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/coordinator"
)

// VoteRequest is the body of POST /federated/raft/vote. Federation members
// keep no log, so only the term and candidate identity are compared.
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	CandidateURL string `json:"candidateUrl"`
}

// VoteResponse answers a VoteRequest.
type VoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// AppendRequest is the federation heartbeat. It carries the leader's node
// registry and its view of every member.
type AppendRequest struct {
	Term         uint64               `json:"term"`
	LeaderID     string               `json:"leaderId"`
	LeaderURL    string               `json:"leaderUrl"`
	ClusterState coordinator.Snapshot `json:"clusterState"`
	PeerIDs      map[string]string    `json:"peerIds,omitempty"`
	PeerStates   map[string]string    `json:"peerStates,omitempty"`
	PeerLastSeen map[string]time.Time `json:"peerLastSeen,omitempty"`
	Peers        []string             `json:"peers"`
}

// AppendResponse answers an AppendRequest.
type AppendResponse struct {
	Term    uint64 `json:"term"`
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
}

// JoinRequest is the body of POST /federated/raft/join.
type JoinRequest struct {
	URL    string `json:"url"`
	NodeID string `json:"nodeId"`
}

// JoinResponse answers a JoinRequest. A follower that knows the leader sets
// Redirect instead of Success.
type JoinResponse struct {
	Success  bool     `json:"success"`
	Redirect string   `json:"redirect,omitempty"`
	LeaderID string   `json:"leaderId,omitempty"`
	AllPeers []string `json:"allPeers,omitempty"`
}

// Transport delivers federation RPCs. Any error means "no answer".
type Transport interface {
	RequestVote(ctx context.Context, peerURL string, req VoteRequest) (VoteResponse, error)
	AppendEntries(ctx context.Context, peerURL string, req AppendRequest) (AppendResponse, error)
	Join(ctx context.Context, peerURL string, req JoinRequest) (JoinResponse, error)
}

// HTTPTransport speaks the /federated/raft/* endpoints. Votes and
// heartbeats use the short rpc client; joins use the longer join client.
type HTTPTransport struct {
	rpc  *cluster.Client
	join *cluster.Client
}

// NewHTTPTransport returns a transport over the two clients.
func NewHTTPTransport(rpc, join *cluster.Client) *HTTPTransport {
	return &HTTPTransport{rpc: rpc, join: join}
}

// RequestVote posts req to the member's vote endpoint.
func (t *HTTPTransport) RequestVote(ctx context.Context, peerURL string, req VoteRequest) (VoteResponse, error) {
	var resp VoteResponse
	err := t.rpc.PostJSON(ctx, peerURL+"/federated/raft/vote", req, &resp)
	return resp, err
}

// AppendEntries posts a heartbeat to the member.
func (t *HTTPTransport) AppendEntries(ctx context.Context, peerURL string, req AppendRequest) (AppendResponse, error) {
	var resp AppendResponse
	err := t.rpc.PostJSON(ctx, peerURL+"/federated/raft/appendEntries", req, &resp)
	return resp, err
}

// Join asks the member at peerURL to admit req.URL. A follower answers
// with a redirect to its leader, which the caller follows.
func (t *HTTPTransport) Join(ctx context.Context, peerURL string, req JoinRequest) (JoinResponse, error) {
	var resp JoinResponse
	err := t.join.PostJSON(ctx, peerURL+"/federated/raft/join", req, &resp)
	return resp, err
}
