package consensus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/docfed/internal/cluster"
)

func TestHTTPTransportRoundTrip(t *testing.T) {
	n := newTestNode(t, fastConfig("b", "a"), &stubTransport{})
	r := chi.NewRouter()
	n.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	tr := NewHTTPTransport(cluster.NewClient(300 * time.Millisecond))
	ctx := context.Background()

	vote, err := tr.RequestVote(ctx, srv.URL, VoteRequest{Term: 1, CandidateID: "a"})
	require.NoError(t, err)
	assert.Equal(t, VoteResponse{Term: 1, VoteGranted: true}, vote)

	app, err := tr.AppendEntries(ctx, srv.URL, AppendRequest{Term: 1, LeaderID: "a"})
	require.NoError(t, err)
	assert.Equal(t, AppendResponse{Term: 1, Success: true}, app)

	id, _ := n.Leader()
	assert.Equal(t, "a", id)
}

func TestHTTPHandlersRejectMalformedJSON(t *testing.T) {
	n := newTestNode(t, fastConfig("b", "a"), &stubTransport{})
	r := chi.NewRouter()
	n.RegisterRoutes(r)

	for _, path := range []string{"/raft/vote", "/raft/append"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{not json"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestHTTPTransportUnreachablePeer(t *testing.T) {
	tr := NewHTTPTransport(cluster.NewClient(100 * time.Millisecond))
	_, err := tr.RequestVote(context.Background(), "http://127.0.0.1:1", VoteRequest{Term: 1})
	assert.Error(t, err)
}
