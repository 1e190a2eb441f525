package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendhub/trendhub/internal/task"
)

// createTask inserts a pending task with explicit priority and creation time.
func createTask(t *testing.T, s *SQLiteStore, userID string, priority int, createdAt time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		UserID:    userID,
		Platform:  task.PlatformFacebook,
		Type:      task.TypePost,
		Priority:  priority,
		Content:   "content",
		CreatedAt: createdAt,
	}
	require.NoError(t, s.CreateTask(context.Background(), tk))
	return tk
}

func TestTasks_Create(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s)
	tk := createTask(t, s, user.ID, 5, time.Now().UTC())

	assert.Equal(t, "task_", tk.ID[:5])
	assert.Equal(t, task.StatusPending, tk.Status)

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Equal(t, task.DefaultMaxRetries, got.MaxRetries)

	logs, err := s.ListTaskLogs(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, EventCreated, logs[0].EventType)
}

func TestTasks_Create_Invalid(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	tk := &task.Task{
		UserID:    user.ID,
		Platform:  task.PlatformFacebook,
		Type:      task.TypePost,
		Priority:  5,
		MediaURLs: []string{"http://example.com/x.jpg"},
	}
	err := s.CreateTask(ctx, tk)
	require.Error(t, err)

	var verr *task.ValidationError
	assert.ErrorAs(t, err, &verr)

	// Nothing was persisted
	tasks, err := s.ListTasks(ctx, user.ID, "", 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTasks_Create_Scheduled(t *testing.T) {
	s := setupTestStore(t)
	user := createTestUser(t, s)

	notBefore := time.Now().UTC().Add(time.Hour)
	tk := &task.Task{
		UserID:      user.ID,
		Platform:    task.PlatformFacebook,
		Type:        task.TypePost,
		Priority:    5,
		ScheduledAt: &notBefore,
	}
	require.NoError(t, s.CreateTask(context.Background(), tk))
	assert.Equal(t, task.StatusScheduled, tk.Status)
}

func TestClaim_PriorityOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	// B was created first but has lower priority than A.
	b := createTask(t, s, user.ID, 3, now.Add(-2*time.Minute))
	a := createTask(t, s, user.ID, 8, now.Add(-1*time.Minute))

	claimed, err := s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, a.ID, claimed.ID)
	assert.Equal(t, task.StatusAssigned, claimed.Status)
	require.NotNil(t, claimed.AgentID)
	assert.Equal(t, agent.ID, *claimed.AgentID)
	assert.NotNil(t, claimed.AssignedAt)

	claimed, err = s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, b.ID, claimed.ID)
}

func TestClaim_FIFOTieBreak(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	first := createTask(t, s, user.ID, 5, now.Add(-2*time.Minute))
	createTask(t, s, user.ID, 5, now.Add(-1*time.Minute))

	claimed, err := s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestClaim_PlatformFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	createTask(t, s, user.ID, 5, now)

	claimed, err := s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"twitter"}, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"twitter", "facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestClaim_ScheduledGating(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	notBefore := now.Add(30 * time.Minute)
	tk := &task.Task{
		UserID:      user.ID,
		Platform:    task.PlatformFacebook,
		Type:        task.TypePost,
		Priority:    9,
		ScheduledAt: &notBefore,
	}
	require.NoError(t, s.CreateTask(ctx, tk))

	// Not yet due: never dispatched
	claimed, err := s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	// Once the time passes it becomes eligible
	claimed, err = s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now.Add(31*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, tk.ID, claimed.ID)
}

func TestClaim_AtMostOneAssignment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	createTask(t, s, user.ID, 5, now)

	const numAgents = 8
	agents := make([]*Agent, numAgents)
	for i := range agents {
		agent := &Agent{
			UserID:       user.ID,
			Name:         fmt.Sprintf("desk-%02d", i),
			Capabilities: []string{"facebook"},
		}
		require.NoError(t, s.CreateAgent(ctx, agent))
		agents[i] = agent
	}

	var wg sync.WaitGroup
	results := make([]*task.Task, numAgents)
	errs := make([]error, numAgents)

	for i := range agents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ClaimNextTask(ctx, user.ID, agents[i].ID, []string{"facebook"}, now)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
			require.NotNil(t, results[i].AgentID)
			assert.Equal(t, agents[i].ID, *results[i].AgentID)
		}
	}
	assert.Equal(t, 1, winners, "exactly one agent should claim the single task")
}

func TestTransitions_HappyPath(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)
	createTask(t, s, user.ID, 5, now)

	claimed, err := s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.MarkStarted(ctx, claimed.ID, agent.ID, now))
	// Idempotent start
	require.NoError(t, s.MarkStarted(ctx, claimed.ID, agent.ID, now))

	require.NoError(t, s.MarkCompleted(ctx, claimed.ID, agent.ID, "posted", now))

	got, err := s.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "posted", got.Result)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestTransitions_Illegal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)
	tk := createTask(t, s, user.ID, 5, now)

	// Complete before claiming: pending -> completed is illegal
	err := s.MarkCompleted(ctx, tk.ID, agent.ID, "", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Unknown task id
	err = s.MarkStarted(ctx, "task_missing", agent.ID, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitions_WrongAgent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	owner := createTestAgent(t, s, user.ID)
	other := &Agent{UserID: user.ID, Name: "desk-02", Capabilities: []string{"facebook"}}
	require.NoError(t, s.CreateAgent(ctx, other))

	createTask(t, s, user.ID, 5, now)
	claimed, err := s.ClaimNextTask(ctx, user.ID, owner.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A different agent cannot start the assigned task
	err = s.MarkStarted(ctx, claimed.ID, other.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTasks_FailAndRetryReset(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)
	createTask(t, s, user.ID, 5, now)

	claimed, err := s.ClaimNextTask(ctx, user.ID, agent.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Failing from assigned (never started) is legal
	require.NoError(t, s.MarkFailed(ctx, claimed.ID, agent.ID, "login expired", now))

	got, err := s.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "login expired", got.ErrorMsg)

	require.NoError(t, s.ResetForRetry(ctx, claimed.ID, now))

	got, err = s.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.AgentID)
	assert.Nil(t, got.AssignedAt)
	assert.Nil(t, got.StartedAt)
	assert.Empty(t, got.ErrorMsg)
}

func TestTasks_Cancel(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	tk := createTask(t, s, user.ID, 5, now)

	require.NoError(t, s.CancelTask(ctx, tk.ID, user.ID, now))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// Cancelled is terminal
	err = s.CancelTask(ctx, tk.ID, user.ID, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Another user's task is invisible: same error as a missing id, so
	// probing the cancel endpoint reveals nothing.
	other, err := s.CreateUser(ctx, "other@example.com", "pw", "Other")
	require.NoError(t, err)
	tk2 := createTask(t, s, user.ID, 5, now)
	err = s.CancelTask(ctx, tk2.ID, other.ID, now)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = s.GetTask(ctx, tk2.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
}

func TestTransitions_ForeignTenantReadsAsMissing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	owner := createTestAgent(t, s, user.ID)

	other, err := s.CreateUser(ctx, "intruder@example.com", "pw", "Intruder")
	require.NoError(t, err)
	foreign := &Agent{UserID: other.ID, Name: "desk-x", Capabilities: []string{"facebook"}}
	require.NoError(t, s.CreateAgent(ctx, foreign))

	createTask(t, s, user.ID, 5, now)
	claimed, err := s.ClaimNextTask(ctx, user.ID, owner.ID, []string{"facebook"}, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Reports against another tenant's task match a missing id, never
	// a conflict.
	assert.ErrorIs(t, s.MarkStarted(ctx, claimed.ID, foreign.ID, now), ErrNotFound)
	assert.ErrorIs(t, s.MarkCompleted(ctx, claimed.ID, foreign.ID, "", now), ErrNotFound)
	assert.ErrorIs(t, s.MarkFailed(ctx, claimed.ID, foreign.ID, "nope", now), ErrNotFound)

	got, err := s.GetTask(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, got.Status)
}

func TestTasks_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	createTask(t, s, user.ID, 5, now.Add(-2*time.Minute))
	createTask(t, s, user.ID, 5, now.Add(-1*time.Minute))

	tasks, err := s.ListTasks(ctx, user.ID, task.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	// Newest first
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt))

	n, err := s.CountTasks(ctx, user.ID, task.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTasks_UserStats(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, agent.ID, now))

	createTask(t, s, user.ID, 5, now)
	tk := createTask(t, s, user.ID, 5, now)
	require.NoError(t, s.CancelTask(ctx, tk.ID, user.ID, now))

	stats, err := s.UserStats(ctx, user.ID, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TasksTotal)
	assert.Equal(t, 1, stats.TasksByStatus[task.StatusPending])
	assert.Equal(t, 1, stats.TasksByStatus[task.StatusCancelled])
	assert.Equal(t, 1, stats.AgentsTotal)
	assert.Equal(t, 1, stats.AgentsOnline)
}

func TestTaskLogs_AppendOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)
	tk := createTask(t, s, user.ID, 5, now)

	require.NoError(t, s.AppendTaskLog(ctx, &TaskLogEntry{
		TaskID:    tk.ID,
		AgentID:   &agent.ID,
		EventType: EventAssigned,
		Message:   "assigned to desk-01",
	}))

	logs, err := s.ListTaskLogs(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, EventCreated, logs[0].EventType)
	assert.Equal(t, EventAssigned, logs[1].EventType)
	require.NotNil(t, logs[1].AgentID)
	assert.Equal(t, agent.ID, *logs[1].AgentID)
}
