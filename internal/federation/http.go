package federation

import (
	"net/http"

	"github.com/go-chi/chi"

	"github.com/dreamware/docfed/internal/cluster"
)

// RegisterRoutes mounts the member-to-member endpoints.
func (m *Member) RegisterRoutes(r chi.Router) {
	r.Route("/federated/raft", func(r chi.Router) {
		r.Post("/vote", m.handleVote)
		r.Post("/appendEntries", m.handleAppend)
		r.Post("/join", m.handleJoin)
	})
}

func (m *Member) handleVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, m.HandleRequestVote(req))
}

func (m *Member) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, m.HandleAppendEntries(req))
}

func (m *Member) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := m.HandleJoin(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}
