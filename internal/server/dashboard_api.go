// ABOUTME: HTTP handlers for the dashboard API (signup, login, tasks, agents, stats)
// ABOUTME: Producers create and inspect tasks here; agents never call these routes

package server

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/trendhub/trendhub/internal/auth"
	"github.com/trendhub/trendhub/internal/store"
	"github.com/trendhub/trendhub/internal/task"
)

// SignupRequest is the JSON request body for POST /api/auth/register.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// SignupResponse is the JSON response for POST /api/auth/register.
type SignupResponse struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
	Plan   string `json:"plan"`
}

// LoginRequest is the JSON request body for POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/auth/login.
type LoginResponse struct {
	Token  string `json:"token"`
	APIKey string `json:"api_key"`
}

// CreateTaskRequest is the JSON request body for POST /api/tasks.
type CreateTaskRequest struct {
	Platform    string   `json:"platform"`
	Type        string   `json:"task_type"`
	Content     string   `json:"content"`
	TargetURL   string   `json:"target_url,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	ScheduledAt string   `json:"scheduled_at,omitempty"`
}

// TaskResponse is the JSON representation of a task for the dashboard.
// Unlike the agent payload it exposes the server-side bookkeeping.
type TaskResponse struct {
	ID          string   `json:"id"`
	Platform    string   `json:"platform"`
	Type        string   `json:"task_type"`
	Status      string   `json:"status"`
	Priority    int      `json:"priority"`
	Content     string   `json:"content"`
	TargetURL   string   `json:"target_url,omitempty"`
	MediaURLs   []string `json:"media_urls,omitempty"`
	AgentID     *string  `json:"agent_id"`
	RetryCount  int      `json:"retry_count"`
	MaxRetries  int      `json:"max_retries"`
	ErrorMsg    string   `json:"error_message,omitempty"`
	Result      string   `json:"result,omitempty"`
	ScheduledAt string   `json:"scheduled_at,omitempty"`
	CreatedAt   string   `json:"created_at"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// AgentResponse is the JSON representation of an agent for the dashboard.
type AgentResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Online        bool     `json:"online"`
	LastHeartbeat string   `json:"last_heartbeat,omitempty"`
	Capabilities  []string `json:"capabilities"`
	RegisteredAt  string   `json:"registered_at"`
}

// TaskLogResponse is one audit entry for GET /api/tasks/{id}/logs.
type TaskLogResponse struct {
	EventType string  `json:"event_type"`
	Message   string  `json:"message"`
	AgentID   *string `json:"agent_id"`
	CreatedAt string  `json:"created_at"`
}

// PreviewRequest is the JSON request body for POST /api/tasks/preview.
type PreviewRequest struct {
	Content string `json:"content"`
}

// PreviewResponse is the JSON response for POST /api/tasks/preview.
type PreviewResponse struct {
	HTML string `json:"html"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "valid email is required")
		return
	}
	if len(req.Password) < 8 {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "password must be at least 8 characters")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			s.sendError(w, http.StatusConflict, CodeConflict, "email already registered")
			return
		}
		s.logger.Error("signup failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "signup failed")
		return
	}

	s.logger.Info("user registered", "user_id", user.ID, "email", user.Email)
	s.sendJSON(w, http.StatusCreated, SignupResponse{
		UserID: user.ID,
		APIKey: user.APIKey,
		Plan:   user.Plan,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil || !store.VerifyPassword(user, req.Password) || !user.Active {
		// Uniform rejection: no hint whether the email exists.
		s.sendError(w, http.StatusUnauthorized, CodeAuth, "invalid credentials")
		return
	}

	token, err := s.verifier.Generate(user.ID, user.Plan, s.tokenTTL)
	if err != nil {
		s.logger.Error("token generation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "login failed")
		return
	}

	if err := s.store.TouchLastLogin(r.Context(), user.ID); err != nil {
		s.logger.Warn("stamping last login failed", "user_id", user.ID, "error", err)
	}

	s.sendJSON(w, http.StatusOK, LoginResponse{Token: token, APIKey: user.APIKey})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req CreateTaskRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	tk := &task.Task{
		UserID:    authCtx.UserID,
		Platform:  task.Platform(req.Platform),
		Type:      task.Type(req.Type),
		Content:   req.Content,
		TargetURL: req.TargetURL,
		MediaURLs: req.MediaURLs,
		Priority:  req.Priority,
	}
	if req.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, CodeValidation, "scheduled_at must be RFC3339")
			return
		}
		tk.ScheduledAt = &at
	}

	if err := s.store.CreateTask(r.Context(), tk); err != nil {
		var verr *task.ValidationError
		if errors.As(err, &verr) {
			s.sendError(w, http.StatusBadRequest, CodeValidation, verr.Error())
			return
		}
		s.logger.Error("task creation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "task creation failed")
		return
	}

	s.logger.Info("task created",
		"task_id", tk.ID,
		"user_id", authCtx.UserID,
		"platform", tk.Platform,
		"type", tk.Type,
	)
	s.sendJSON(w, http.StatusCreated, taskResponse(tk))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	status := task.Status(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.sendError(w, http.StatusBadRequest, CodeValidation, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	tasks, err := s.store.ListTasks(r.Context(), authCtx.UserID, status, limit)
	if err != nil {
		s.logger.Error("listing tasks failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "listing tasks failed")
		return
	}

	resp := make([]TaskResponse, 0, len(tasks))
	for _, tk := range tasks {
		resp = append(resp, taskResponse(tk))
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"tasks": resp})
}

func (s *Server) handleGetTaskDetail(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	tk, ok := s.ownedTask(w, r, authCtx.UserID)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(tk))
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	tk, ok := s.ownedTask(w, r, authCtx.UserID)
	if !ok {
		return
	}

	logs, err := s.store.ListTaskLogs(r.Context(), tk.ID)
	if err != nil {
		s.logger.Error("listing task logs failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "listing task logs failed")
		return
	}

	resp := make([]TaskLogResponse, 0, len(logs))
	for _, entry := range logs {
		resp = append(resp, TaskLogResponse{
			EventType: entry.EventType,
			Message:   entry.Message,
			AgentID:   entry.AgentID,
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		})
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"logs": resp})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	err := s.store.CancelTask(r.Context(), r.PathValue("id"), authCtx.UserID, time.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, CodeNotFound, "task not found")
	case errors.Is(err, store.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, CodeConflict, "task already finished")
	case err != nil:
		s.logger.Error("cancelling task failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "cancelling task failed")
	default:
		s.sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// handlePreview renders task content markdown to HTML so the dashboard
// can show what a post will look like before queueing it.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Content) > task.MaxContentLength {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "content exceeds maximum length")
		return
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(req.Content), &buf); err != nil {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "content is not renderable markdown")
		return
	}
	s.sendJSON(w, http.StatusOK, PreviewResponse{HTML: buf.String()})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	agents, err := s.store.ListAgents(r.Context(), authCtx.UserID)
	if err != nil {
		s.logger.Error("listing agents failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "listing agents failed")
		return
	}

	now := time.Now().UTC()
	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		ar := AgentResponse{
			ID:           a.ID,
			Name:         a.Name,
			Version:      a.Version,
			Online:       a.Online(now, s.registry.Window()),
			Capabilities: a.Capabilities,
			RegisteredAt: a.RegisteredAt.Format(time.RFC3339),
		}
		if a.LastHeartbeat != nil {
			ar.LastHeartbeat = a.LastHeartbeat.Format(time.RFC3339)
		}
		resp = append(resp, ar)
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"agents": resp})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	stats, err := s.store.UserStats(r.Context(), authCtx.UserID, time.Now().UTC(), s.registry.Window())
	if err != nil {
		s.logger.Error("computing stats failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "computing stats failed")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// ownedTask loads the task from the path id and enforces ownership.
// Foreign tasks 404 the same as missing ones.
func (s *Server) ownedTask(w http.ResponseWriter, r *http.Request, userID string) (*task.Task, bool) {
	tk, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, CodeNotFound, "task not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("loading task failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "loading task failed")
		return nil, false
	}
	if tk.UserID != userID {
		s.sendError(w, http.StatusNotFound, CodeNotFound, "task not found")
		return nil, false
	}
	return tk, true
}

func taskResponse(tk *task.Task) TaskResponse {
	resp := TaskResponse{
		ID:         tk.ID,
		Platform:   string(tk.Platform),
		Type:       string(tk.Type),
		Status:     string(tk.Status),
		Priority:   tk.Priority,
		Content:    tk.Content,
		TargetURL:  tk.TargetURL,
		MediaURLs:  tk.MediaURLs,
		AgentID:    tk.AgentID,
		RetryCount: tk.RetryCount,
		MaxRetries: tk.MaxRetries,
		ErrorMsg:   tk.ErrorMsg,
		Result:     tk.Result,
		CreatedAt:  tk.CreatedAt.Format(time.RFC3339),
	}
	if tk.ScheduledAt != nil {
		resp.ScheduledAt = tk.ScheduledAt.Format(time.RFC3339)
	}
	if tk.CompletedAt != nil {
		resp.CompletedAt = tk.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
