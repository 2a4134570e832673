package consensus

import (
	"net/http"

	"github.com/go-chi/chi"

	"github.com/dreamware/docfed/internal/cluster"
)

// RegisterRoutes mounts the peer-to-peer consensus endpoints.
func (n *Node) RegisterRoutes(r chi.Router) {
	r.Post("/raft/vote", n.handleVote)
	r.Post("/raft/append", n.handleAppend)
}

func (n *Node) handleVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, n.HandleRequestVote(req))
}

func (n *Node) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, n.HandleAppendEntries(req))
}
