// ABOUTME: HTTP handlers for the agent-facing API (register, heartbeat, poll, report)
// ABOUTME: All routes require API key auth; agent ownership is enforced per request

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/trendhub/trendhub/internal/auth"
	"github.com/trendhub/trendhub/internal/dispatch"
	"github.com/trendhub/trendhub/internal/registry"
	"github.com/trendhub/trendhub/internal/store"
	"github.com/trendhub/trendhub/internal/task"
)

// RegisterAgentRequest is the JSON request body for POST /api/agent/register.
type RegisterAgentRequest struct {
	Name         string   `json:"name"`
	HWIDHash     string   `json:"hwid_hash"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// RegisterAgentResponse is the JSON response for POST /api/agent/register.
type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// HeartbeatRequest is the JSON request body for POST /api/agent/heartbeat.
type HeartbeatRequest struct {
	AgentID   string   `json:"agent_id"`
	Platforms []string `json:"platforms"`
}

// HeartbeatResponse is the JSON response for POST /api/agent/heartbeat.
type HeartbeatResponse struct {
	ServerTime   string `json:"server_time"`
	PendingTasks int    `json:"pending_tasks"`
}

// GetTaskRequest is the JSON request body for POST /api/agent/get-task.
// Platforms is the set the agent can execute on right now.
type GetTaskRequest struct {
	AgentID   string   `json:"agent_id"`
	Platforms []string `json:"platforms"`
}

// GetTaskResponse is the JSON response for POST /api/agent/get-task.
// Task is present only when HasTask is true.
type GetTaskResponse struct {
	HasTask bool       `json:"has_task"`
	Task    *task.Task `json:"task,omitempty"`
}

// TaskStatusRequest is the JSON request body for POST /api/agent/task-status.
type TaskStatusRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Result  string `json:"result,omitempty"`
}

// AddPlatformRequest is the JSON request body for POST /api/agent/add-platform.
type AddPlatformRequest struct {
	AgentID     string `json:"agent_id"`
	Platform    string `json:"platform"`
	AccountName string `json:"account_name"`
}

// AddPlatformResponse is the JSON response for POST /api/agent/add-platform.
type AddPlatformResponse struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req RegisterAgentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.HWIDHash == "" {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "name and hwid_hash are required")
		return
	}
	for _, c := range req.Capabilities {
		if !task.ValidPlatform(task.Platform(c)) {
			s.sendError(w, http.StatusBadRequest, CodeValidation, "unsupported platform capability: "+c)
			return
		}
	}

	agent, err := s.registry.Register(r.Context(), authCtx.UserID, req.Name, req.HWIDHash, req.Version, req.Capabilities)
	if err != nil {
		s.logger.Error("agent registration failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "registration failed")
		return
	}

	s.sendJSON(w, http.StatusCreated, RegisterAgentResponse{
		AgentID: agent.ID,
		Status:  string(agent.Status),
	})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req HeartbeatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "agent_id is required")
		return
	}
	for _, c := range req.Platforms {
		if !task.ValidPlatform(task.Platform(c)) {
			s.sendError(w, http.StatusBadRequest, CodeValidation, "unsupported platform: "+c)
			return
		}
	}

	pending, err := s.registry.Heartbeat(r.Context(), req.AgentID, authCtx.UserID, req.Platforms)
	if err != nil {
		s.sendAgentErr(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, HeartbeatResponse{
		ServerTime:   time.Now().UTC().Format(time.RFC3339),
		PendingTasks: pending,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req GetTaskRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "agent_id is required")
		return
	}
	if len(req.Platforms) == 0 {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "platforms is required")
		return
	}
	for _, c := range req.Platforms {
		if !task.ValidPlatform(task.Platform(c)) {
			s.sendError(w, http.StatusBadRequest, CodeValidation, "unsupported platform: "+c)
			return
		}
	}

	claimed, err := s.dispatch.GetNextTask(r.Context(), authCtx.UserID, req.AgentID, req.Platforms)
	if err != nil {
		s.sendAgentErr(w, err)
		return
	}

	resp := GetTaskResponse{HasTask: claimed != nil, Task: claimed}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req TaskStatusRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" || req.TaskID == "" || req.Status == "" {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "agent_id, task_id, and status are required")
		return
	}

	err := s.dispatch.ReportStatus(r.Context(), authCtx.UserID, req.AgentID, dispatch.Report{
		TaskID:   req.TaskID,
		Status:   task.Status(req.Status),
		Result:   req.Result,
		ErrorMsg: req.Error,
	})
	if err != nil {
		s.sendAgentErr(w, err)
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAddPlatform(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req AddPlatformRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if !task.ValidPlatform(task.Platform(req.Platform)) {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "unsupported platform: "+req.Platform)
		return
	}
	if req.AccountName == "" {
		s.sendError(w, http.StatusBadRequest, CodeValidation, "account_name is required")
		return
	}

	if _, err := s.registry.Resolve(r.Context(), req.AgentID, authCtx.UserID); err != nil {
		s.sendAgentErr(w, err)
		return
	}

	acct := &store.PlatformAccount{
		UserID:      authCtx.UserID,
		AgentID:     req.AgentID,
		Platform:    task.Platform(req.Platform),
		AccountName: req.AccountName,
		Active:      true,
		AddedAt:     time.Now().UTC(),
	}
	if err := s.store.AddPlatformAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrDuplicateAccount) {
			s.sendError(w, http.StatusConflict, CodeConflict, "platform account already exists")
			return
		}
		s.logger.Error("adding platform account failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "adding platform account failed")
		return
	}

	s.sendJSON(w, http.StatusCreated, AddPlatformResponse{AccountID: acct.ID})
}

// sendAgentErr maps agent-path errors to stable codes. Unknown and
// not-owned agents get the identical response.
func (s *Server) sendAgentErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound):
		s.sendError(w, http.StatusNotFound, CodeAgentNotFound, "agent not found")
	case errors.Is(err, dispatch.ErrTaskNotFound):
		s.sendError(w, http.StatusNotFound, CodeNotFound, "task not found")
	case errors.Is(err, dispatch.ErrUnknownStatus):
		s.sendError(w, http.StatusBadRequest, CodeValidation, "unknown report status")
	case errors.Is(err, store.ErrInvalidTransition):
		s.sendError(w, http.StatusConflict, CodeConflict, "invalid task status transition")
	default:
		s.logger.Error("agent request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
