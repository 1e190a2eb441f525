// ABOUTME: Store interface and data types for trendhub-gateway persistence
// ABOUTME: Defines User, Agent, PlatformAccount, TaskLogEntry and the Store interface

package store

import (
	"context"
	"errors"
	"time"

	"github.com/trendhub/trendhub/internal/task"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned when creating a user with an email that
// is already registered.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrDuplicateAccount is returned when adding a platform account that
// already exists for the agent.
var ErrDuplicateAccount = errors.New("platform account already exists")

// ErrInvalidTransition is returned when a task status change violates
// the state machine.
var ErrInvalidTransition = errors.New("invalid task status transition")

// User is a tenant owning agents and tasks. The API key is the
// long-lived capability token agents authenticate with.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Plan         string
	APIKey       string
	CreatedAt    time.Time
	LastLogin    *time.Time
	Active       bool
}

// AgentStatus is the display-only cached agent status. Dispatch logic
// derives liveness from LastHeartbeat and never trusts this column.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered desktop worker. ID and HWIDHash are immutable
// after registration.
type Agent struct {
	ID            string
	UserID        string
	Name          string
	HWIDHash      string
	Version       string
	Status        AgentStatus
	LastHeartbeat *time.Time
	RegisteredAt  time.Time
	Capabilities  []string
}

// Online reports whether the agent heartbeated within the liveness
// window, computed against now. This is the authoritative check.
func (a *Agent) Online(now time.Time, window time.Duration) bool {
	return a.LastHeartbeat != nil && now.Sub(*a.LastHeartbeat) < window
}

// PlatformAccount is a social account bound to an agent for one platform.
type PlatformAccount struct {
	ID          string
	UserID      string
	AgentID     string
	Platform    task.Platform
	AccountName string
	Active      bool
	LastUsed    *time.Time
	AddedAt     time.Time
}

// Task log event types.
const (
	EventCreated   = "created"
	EventAssigned  = "assigned"
	EventStarted   = "started"
	EventCompleted = "status_completed"
	EventFailed    = "status_failed"
	EventRetry     = "retry"
	EventCancelled = "cancelled"
)

// TaskLogEntry is an append-only audit record for a task. Entries are
// never mutated or deleted except by cascade with their task.
type TaskLogEntry struct {
	ID        int64
	TaskID    string
	AgentID   *string
	EventType string
	Message   string
	CreatedAt time.Time
}

// UserStats summarizes a user's tasks and agents for the dashboard.
type UserStats struct {
	TasksTotal    int                 `json:"tasks_total"`
	TasksByStatus map[task.Status]int `json:"tasks_by_status"`
	AgentsTotal   int                 `json:"agents_total"`
	AgentsOnline  int                 `json:"agents_online"`
}

// Store defines the persistence interface for the gateway. All task
// mutation goes through the state-machine methods below; there is no
// direct field-write path.
type Store interface {
	// Users
	CreateUser(ctx context.Context, email, password, name string) (*User, error)
	GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	TouchLastLogin(ctx context.Context, userID string) error

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, agentID string, now time.Time) error
	UpdateAgentCapabilities(ctx context.Context, agentID string, capabilities []string) error
	ListOnlineAgents(ctx context.Context, userID string, platform task.Platform, now time.Time, window time.Duration) ([]*Agent, error)
	MarkStaleOffline(ctx context.Context, now time.Time, window time.Duration) (int, error)

	// Platform accounts
	AddPlatformAccount(ctx context.Context, acct *PlatformAccount) error
	ListAgentPlatforms(ctx context.Context, agentID string) ([]*PlatformAccount, error)

	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, userID string, status task.Status, limit int) ([]*task.Task, error)
	CountTasks(ctx context.Context, userID string, status task.Status) (int, error)
	ClaimNextTask(ctx context.Context, userID, agentID string, platforms []string, now time.Time) (*task.Task, error)
	MarkStarted(ctx context.Context, taskID, agentID string, now time.Time) error
	MarkCompleted(ctx context.Context, taskID, agentID, result string, now time.Time) error
	MarkFailed(ctx context.Context, taskID, agentID, errMsg string, now time.Time) error
	ResetForRetry(ctx context.Context, taskID string, now time.Time) error
	CancelTask(ctx context.Context, taskID, userID string, now time.Time) error
	UserStats(ctx context.Context, userID string, now time.Time, window time.Duration) (*UserStats, error)

	// Task logs
	AppendTaskLog(ctx context.Context, entry *TaskLogEntry) error
	ListTaskLogs(ctx context.Context, taskID string) ([]*TaskLogEntry, error)

	// Close releases any resources held by the store.
	Close() error
}
