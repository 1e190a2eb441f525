// ABOUTME: HTTP client for the gateway's agent API
// ABOUTME: Thin JSON wrapper; transport errors are returned, never fatal

package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trendhub/trendhub/internal/task"
)

// Client talks to the gateway's agent endpoints. All methods are safe
// to call from the polling loop; failures surface as errors and the
// loop decides what to do with them.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client for the gateway at baseURL.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type registerRequest struct {
	Name         string   `json:"name"`
	HWIDHash     string   `json:"hwid_hash"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
}

type heartbeatRequest struct {
	AgentID   string   `json:"agent_id"`
	Platforms []string `json:"platforms"`
}

type heartbeatResponse struct {
	PendingTasks int `json:"pending_tasks"`
}

type getTaskRequest struct {
	AgentID   string   `json:"agent_id"`
	Platforms []string `json:"platforms"`
}

type getTaskResponse struct {
	HasTask bool       `json:"has_task"`
	Task    *task.Task `json:"task"`
}

type taskStatusRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Result  string `json:"result,omitempty"`
}

type addPlatformRequest struct {
	AgentID     string `json:"agent_id"`
	Platform    string `json:"platform"`
	AccountName string `json:"account_name"`
}

type addPlatformResponse struct {
	AccountID string `json:"account_id"`
}

type apiError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

// Register creates this agent on the gateway and returns its id.
func (c *Client) Register(ctx context.Context, name, hwidHash, version string, capabilities []string) (string, error) {
	var resp registerResponse
	err := c.post(ctx, "/api/agent/register", registerRequest{
		Name:         name,
		HWIDHash:     hwidHash,
		Version:      version,
		Capabilities: capabilities,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// Heartbeat reports liveness and returns the pending-task count.
func (c *Client) Heartbeat(ctx context.Context, agentID string, platforms []string) (int, error) {
	var resp heartbeatResponse
	err := c.post(ctx, "/api/agent/heartbeat", heartbeatRequest{AgentID: agentID, Platforms: platforms}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.PendingTasks, nil
}

// GetTask polls for work on the given platforms. Returns nil when the
// queue is empty. The gateway rejects an empty platform list.
func (c *Client) GetTask(ctx context.Context, agentID string, platforms []string) (*task.Task, error) {
	var resp getTaskResponse
	err := c.post(ctx, "/api/agent/get-task", getTaskRequest{AgentID: agentID, Platforms: platforms}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.HasTask {
		return nil, nil
	}
	return resp.Task, nil
}

// ReportStatus sends a task progress or outcome report.
func (c *Client) ReportStatus(ctx context.Context, agentID, taskID string, status task.Status, errMsg, result string) error {
	return c.post(ctx, "/api/agent/task-status", taskStatusRequest{
		AgentID: agentID,
		TaskID:  taskID,
		Status:  string(status),
		Error:   errMsg,
		Result:  result,
	}, nil)
}

// AddPlatform binds a platform account to this agent.
func (c *Client) AddPlatform(ctx context.Context, agentID, platform, accountName string) (string, error) {
	var resp addPlatformResponse
	err := c.post(ctx, "/api/agent/add-platform", addPlatformRequest{
		AgentID:     agentID,
		Platform:    platform,
		AccountName: accountName,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AccountID, nil
}

// post sends a JSON POST and decodes the response into out. Non-2xx
// responses become errors carrying the server's stable code.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s (%s)", path, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}
