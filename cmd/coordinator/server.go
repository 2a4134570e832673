package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/auth"
	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/coordinator"
	"github.com/dreamware/docfed/internal/federation"
)

// promotionTimeout bounds the promotion calls a registration may trigger.
const promotionTimeout = 5 * time.Second

type server struct {
	member   *federation.Member
	registry *coordinator.NodeRegistry
	auth     *auth.Store
	logger   *zap.Logger

	// stop ends the process; only /federated/stop calls it.
	stop func()
}

func newServer(member *federation.Member, registry *coordinator.NodeRegistry, creds *auth.Store, logger *zap.Logger, stop func()) *server {
	return &server{
		member:   member,
		registry: registry,
		auth:     creds,
		logger:   logger,
		stop:     stop,
	}
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	s.member.RegisterRoutes(r)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/federated", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.leaderOnly)
			r.Post("/register", s.handleRegister)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Delete("/nodes/{id}", s.handleDeregister)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticated)
			r.Post("/change-password", s.handleChangePassword)
			r.Post("/stop", s.handleStop)
		})
	})
	return r
}

// leaderOnly sends registry mutations to the federation leader with a 307
// so the client replays the same method and body there.
func (s *server) leaderOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.member.IsLeader() {
			next.ServeHTTP(w, r)
			return
		}
		_, leaderURL := s.member.Leader()
		if leaderURL == "" {
			http.Error(w, "no federation leader elected", http.StatusServiceUnavailable)
			return
		}
		http.Redirect(w, r, leaderURL+r.URL.RequestURI(), http.StatusTemporaryRedirect)
	})
}

type userKey struct{}

func (s *server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, err := s.auth.Validate(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Member   federation.Status    `json:"member"`
		Registry coordinator.Snapshot `json:"registry"`
	}{
		Member:   s.member.Status(),
		Registry: s.registry.Snapshot(),
	})
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), promotionTimeout)
	defer cancel()

	err := s.registry.RegisterNode(ctx, req.ID, req.URL)
	switch {
	case errors.Is(err, coordinator.ErrInvalidNode):
		http.Error(w, "nodeId and url are required", http.StatusBadRequest)
		return
	case err != nil:
		// The node is registered; only its promotion failed.
		s.logger.Warn("Registered node could not be promoted", zap.String("node", req.ID), zap.Error(err))
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"leaderId": s.registry.LeaderID(),
	})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("nodeId")
	if id == "" {
		http.Error(w, "nodeId is required", http.StatusBadRequest)
		return
	}
	if err := s.registry.Heartbeat(id); err != nil {
		if errors.Is(err, coordinator.ErrNodeNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), promotionTimeout)
	defer cancel()

	id := chi.URLParam(r, "id")
	if err := s.registry.Deregister(ctx, id); err != nil {
		if errors.Is(err, coordinator.ErrNodeNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.logger.Warn("Deregistration left no promoted leader", zap.String("node", id), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := cluster.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, _ := r.Context().Value(userKey{}).(string)
	err := s.auth.ChangePassword(user, req.CurrentPassword, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrPasswordTooShort):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, auth.ErrInvalidCredentials):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case err != nil:
		s.logger.Error("Failed to change password", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	user, _ := r.Context().Value(userKey{}).(string)
	s.logger.Warn("Stop requested", zap.String("user", user))
	w.WriteHeader(http.StatusAccepted)
	s.stop()
}
