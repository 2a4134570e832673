package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/consensus"
	"github.com/dreamware/docfed/internal/coordinator"
	"github.com/dreamware/docfed/internal/storage"
)

// defaultWriteTimeout bounds how long a write waits for commit and apply.
const defaultWriteTimeout = 5 * time.Second

// Server exposes one database node over HTTP: the consensus RPCs, the
// cluster management API driven by the federation, and the document API.
//
// Writes are proposed through consensus and answered once applied locally.
// Reads are served from the local engine without a leadership check.
type Server struct {
	node   *consensus.Node
	engine *storage.Engine
	logger *zap.Logger

	// writeTimeout bounds each proposal.
	writeTimeout time.Duration

	// registry is the last registry snapshot pushed by the federation.
	registry coordinator.Snapshot
	mu       sync.RWMutex
}

// NewServer wires the HTTP layer to a consensus node and the engine it
// applies to.
//
// Parameters:
//   - node: Consensus node; must use engine as its applier
//   - engine: Document engine serving reads
//   - logger: Structured logger for request failures
//
// Returns:
//   - Server ready to produce its router via Routes
//
// Example:
//
//	srv := NewServer(node, engine, logger)
//	http.ListenAndServe(":9001", srv.Routes(prometheus.NewRegistry()))
func NewServer(node *consensus.Node, engine *storage.Engine, logger *zap.Logger) *Server {
	return &Server{
		node:         node,
		engine:       engine,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
}

// Routes builds the node's router. gatherer backs GET /metrics.
//
// Endpoints:
//   - POST /raft/vote, POST /raft/append: consensus RPCs between nodes
//   - POST /api/cluster/promote: federation asks this node to lead
//   - POST /api/cluster/register: federation pushes the registry
//   - GET /api/cluster/status: consensus, registry and storage view
//   - POST /api/cluster/peers, DELETE /api/cluster/peers/{id}: membership
//   - /api/db/...: databases, collections and documents
//   - GET /health, GET /metrics
func (s *Server) Routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s.node.RegisterRoutes(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/cluster", func(r chi.Router) {
		r.Post("/promote", s.handlePromote)
		r.Post("/register", s.handleRegistryPush)
		r.Get("/status", s.handleStatus)
		r.Post("/peers", s.handleAddPeer)
		r.Delete("/peers/{id}", s.handleRemovePeer)
	})

	r.Route("/api/db", func(r chi.Router) {
		r.Get("/", s.handleListDatabases)
		r.Post("/{db}", s.handleCreateDatabase)
		r.Delete("/{db}", s.handleDeleteDatabase)
		r.Post("/{db}/{coll}", s.handleCreateCollection)
		r.Delete("/{db}/{coll}", s.handleDeleteCollection)
		r.Get("/{db}/{coll}", s.handleListDocuments)
		r.Get("/{db}/{coll}/{id}", s.handleGetDocument)
		r.Put("/{db}/{coll}/{id}", s.handleWriteDocument(storage.OpSave))
		r.Patch("/{db}/{coll}/{id}", s.handleWriteDocument(storage.OpUpdate))
		r.Delete("/{db}/{coll}/{id}", s.handleDeleteDocument)
	})
	return r
}

// Registry returns the last registry snapshot pushed by the federation.
func (s *Server) Registry() coordinator.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// handlePromote starts an election on this node. The reply reports the
// state right after the request; leadership is confirmed asynchronously.
//
// Endpoint: POST /api/cluster/promote
//
// Response:
//   - 200 OK: {"success": true, "term": 4, "role": "candidate", "leaderId": ""}
func (s *Server) handlePromote(w http.ResponseWriter, _ *http.Request) {
	s.node.Campaign()
	st := s.node.Status()
	s.logger.Info("Promotion requested by federation",
		zap.Uint64("term", st.Term),
		zap.Stringer("role", st.Role))
	cluster.WriteJSON(w, http.StatusOK, coordinator.PromoteResponse{
		Success:  true,
		Term:     st.Term,
		Role:     st.Role,
		LeaderID: st.LeaderID,
	})
}

func (s *Server) handleRegistryPush(w http.ResponseWriter, r *http.Request) {
	var snap coordinator.Snapshot
	if err := cluster.DecodeJSON(r, &snap); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.registry = snap
	s.mu.Unlock()
	s.logger.Debug("Registry snapshot received",
		zap.String("leader", snap.LeaderID),
		zap.Int("nodes", len(snap.Nodes)))
	cluster.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Node        consensus.Status         `json:"node"`
		Registry    coordinator.Snapshot     `json:"registry"`
		Databases   []string                 `json:"databases"`
		Collections []storage.CollectionInfo `json:"collections"`
	}{
		Node:        s.node.Status(),
		Registry:    s.Registry(),
		Databases:   s.engine.Databases(),
		Collections: s.engine.Collections(),
	})
}

func (s *Server) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req cluster.NodeInfo
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.URL == "" {
		http.Error(w, "nodeId and url are required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := s.node.AddPeer(ctx, req.ID, cluster.NormalizeURL(req.URL)); err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := s.node.RemovePeer(ctx, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleListDatabases(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, map[string][]string{"databases": s.engine.Databases()})
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, http.StatusCreated, storage.Command{
		Op:       storage.OpCreateDB,
		Database: chi.URLParam(r, "db"),
	})
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, http.StatusNoContent, storage.Command{
		Op:       storage.OpDeleteDB,
		Database: chi.URLParam(r, "db"),
	})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, http.StatusCreated, storage.Command{
		Op:         storage.OpCreateCollection,
		Database:   chi.URLParam(r, "db"),
		Collection: chi.URLParam(r, "coll"),
	})
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, http.StatusNoContent, storage.Command{
		Op:         storage.OpDeleteCollection,
		Database:   chi.URLParam(r, "db"),
		Collection: chi.URLParam(r, "coll"),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.List(chi.URLParam(r, "db"), chi.URLParam(r, "coll"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		IDs   []string `json:"ids"`
		Count int      `json:"count"`
	}{IDs: ids, Count: len(ids)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Get(chi.URLParam(r, "db"), chi.URLParam(r, "coll"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(doc); err != nil {
		s.logger.Debug("Failed to write document", zap.Error(err))
	}
}

// handleWriteDocument returns the handler for PUT (save) and PATCH (update).
// The body must be a JSON document.
func (s *Server) handleWriteDocument(op storage.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if !json.Valid(body) {
			http.Error(w, "body must be a JSON document", http.StatusBadRequest)
			return
		}
		s.propose(w, r, http.StatusNoContent, storage.Command{
			Op:         op,
			Database:   chi.URLParam(r, "db"),
			Collection: chi.URLParam(r, "coll"),
			ID:         chi.URLParam(r, "id"),
			Payload:    body,
		})
	}
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	s.propose(w, r, http.StatusNoContent, storage.Command{
		Op:         storage.OpDelete,
		Database:   chi.URLParam(r, "db"),
		Collection: chi.URLParam(r, "coll"),
		ID:         chi.URLParam(r, "id"),
	})
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request, status int, cmd storage.Command) {
	ctx, cancel := context.WithTimeout(r.Context(), s.writeTimeout)
	defer cancel()
	if err := s.node.Propose(ctx, cmd); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(status)
}

// writeError maps consensus and storage errors to status codes. A follower
// answers 421 Misdirected Request with the leader it knows about.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var notLeader *consensus.NotLeaderError
	switch {
	case errors.As(err, &notLeader):
		if notLeader.LeaderURL != "" {
			w.Header().Set("X-Leader-URL", notLeader.LeaderURL)
		}
		cluster.WriteJSON(w, http.StatusMisdirectedRequest, map[string]string{
			"error":     err.Error(),
			"leaderId":  notLeader.LeaderID,
			"leaderUrl": notLeader.LeaderURL,
		})
	case errors.Is(err, storage.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrDatabaseNotFound),
		errors.Is(err, storage.ErrCollectionNotFound),
		errors.Is(err, storage.ErrDocumentNotFound),
		errors.Is(err, consensus.ErrUnknownPeer):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrDatabaseExists),
		errors.Is(err, storage.ErrCollectionExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, consensus.ErrLeadershipLost),
		errors.Is(err, consensus.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "timed out waiting for commit", http.StatusGatewayTimeout)
	default:
		s.logger.Error("Request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
