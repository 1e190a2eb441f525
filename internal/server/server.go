// ABOUTME: HTTP server wiring routes, middleware, and shared JSON helpers
// ABOUTME: Thin transport over the registry, dispatcher, and store

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/trendhub/trendhub/internal/auth"
	"github.com/trendhub/trendhub/internal/dispatch"
	"github.com/trendhub/trendhub/internal/registry"
	"github.com/trendhub/trendhub/internal/store"
)

// Stable API error codes. Clients match on these, not on messages.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeAuth          = "AUTH_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeAgentNotFound = "AGENT_NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeInternal      = "INTERNAL_ERROR"
)

// Server holds the HTTP handler dependencies.
type Server struct {
	store    store.Store
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	verifier *auth.JWTVerifier
	tokenTTL time.Duration
	logger   *slog.Logger
}

// New creates a Server over the given components.
func New(s store.Store, reg *registry.Registry, disp *dispatch.Dispatcher, verifier *auth.JWTVerifier, tokenTTL time.Duration, logger *slog.Logger) *Server {
	return &Server{
		store:    s,
		registry: reg,
		dispatch: disp,
		verifier: verifier,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "http"),
	}
}

// Handler builds the full route table. Agent routes take API key auth,
// dashboard routes take either an API key or a JWT.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	mux.HandleFunc("POST /api/auth/register", s.handleSignup)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	apiKey := auth.APIKeyMiddleware(s.store)
	mux.Handle("POST /api/agent/register", apiKey(http.HandlerFunc(s.handleAgentRegister)))
	mux.Handle("POST /api/agent/heartbeat", apiKey(http.HandlerFunc(s.handleAgentHeartbeat)))
	mux.Handle("POST /api/agent/get-task", apiKey(http.HandlerFunc(s.handleGetTask)))
	mux.Handle("POST /api/agent/task-status", apiKey(http.HandlerFunc(s.handleTaskStatus)))
	mux.Handle("POST /api/agent/add-platform", apiKey(http.HandlerFunc(s.handleAddPlatform)))

	dash := s.dashboardAuth
	mux.Handle("POST /api/tasks", dash(http.HandlerFunc(s.handleCreateTask)))
	mux.Handle("GET /api/tasks", dash(http.HandlerFunc(s.handleListTasks)))
	mux.Handle("GET /api/tasks/{id}", dash(http.HandlerFunc(s.handleGetTaskDetail)))
	mux.Handle("GET /api/tasks/{id}/logs", dash(http.HandlerFunc(s.handleTaskLogs)))
	mux.Handle("POST /api/tasks/{id}/cancel", dash(http.HandlerFunc(s.handleCancelTask)))
	mux.Handle("POST /api/tasks/preview", dash(http.HandlerFunc(s.handlePreview)))
	mux.Handle("GET /api/agents", dash(http.HandlerFunc(s.handleListAgents)))
	mux.Handle("GET /api/stats", dash(http.HandlerFunc(s.handleStats)))

	return s.requestLog(mux)
}

// requestLog tags every request with a request id, echoes it in the
// response, and logs the outcome.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// dashboardAuth accepts either credential type so producers can script
// against the API with their key while the dashboard uses session JWTs.
func (s *Server) dashboardAuth(next http.Handler) http.Handler {
	withKey := auth.APIKeyMiddleware(s.store)(next)
	withJWT := auth.JWTMiddleware(s.store, s.verifier)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "" {
			withKey.ServeHTTP(w, r)
			return
		}
		withJWT.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness by touching the datastore.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetUser(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusServiceUnavailable, CodeInternal, "datastore unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// sendJSON writes a JSON response with the given status.
func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

// sendError writes a JSON error response with a stable code.
func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, map[string]string{"error": message, "code": code})
}

// decodeJSON parses a request body into dst, limited to 1 MiB.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "invalid JSON body")
		return false
	}
	return true
}
