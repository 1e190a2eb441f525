// ABOUTME: Tests for task handout and status reporting through the dispatcher
// ABOUTME: Covers assignment, completion, failure, and the retry budget

package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendhub/trendhub/internal/registry"
	"github.com/trendhub/trendhub/internal/store"
	"github.com/trendhub/trendhub/internal/task"
)

type fixture struct {
	store    store.Store
	registry *registry.Registry
	dispatch *Dispatcher
	user     *store.User
	agent    *store.Agent
}

func setupDispatch(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(s, logger, 0)

	ctx := context.Background()
	user, err := s.CreateUser(ctx, "dispatch@example.com", "hunter22", "Dispatch User")
	require.NoError(t, err)
	agent, err := reg.Register(ctx, user.ID, "desktop-01", "hwid", "1.0.0", []string{"instagram"})
	require.NoError(t, err)

	return &fixture{
		store:    s,
		registry: reg,
		dispatch: New(s, reg, logger),
		user:     user,
		agent:    agent,
	}
}

func (f *fixture) createTask(t *testing.T, priority int) *task.Task {
	t.Helper()
	tk := &task.Task{
		UserID:   f.user.ID,
		Platform: task.PlatformInstagram,
		Type:     task.TypePost,
		Priority: priority,
		Content:  "hello",
	}
	require.NoError(t, f.store.CreateTask(context.Background(), tk))
	return tk
}

func TestGetNextTask_AssignsAndLogs(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()
	tk := f.createTask(t, 5)

	got, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, task.StatusAssigned, got.Status)

	logs, err := f.store.ListTaskLogs(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, store.EventCreated, logs[0].EventType)
	assert.Equal(t, store.EventAssigned, logs[1].EventType)
}

func TestGetNextTask_EmptyQueue(t *testing.T) {
	f := setupDispatch(t)

	got, err := f.dispatch.GetNextTask(context.Background(), f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetNextTask_UnknownAgent(t *testing.T) {
	f := setupDispatch(t)
	f.createTask(t, 5)

	_, err := f.dispatch.GetNextTask(context.Background(), f.user.ID, "agent_nope", []string{"instagram"})
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestGetNextTask_PlatformFiltered(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()

	tk := &task.Task{
		UserID:   f.user.ID,
		Platform: task.PlatformTikTok,
		Type:     task.TypePost,
		Content:  "hello",
	}
	require.NoError(t, f.store.CreateTask(ctx, tk))

	// The poll only offers an instagram session, so the tiktok task
	// stays queued.
	got, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram", "tiktok"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tk.ID, got.ID)
}

func TestGetNextTask_NoPlatformsGetsNothing(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()
	tk := f.createTask(t, 5)

	// An agent holding no sessions must never be handed work, whatever
	// its registration said.
	got, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	reloaded, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, reloaded.Status)
	assert.Nil(t, reloaded.AgentID)
}

func TestGetNextTask_RefreshesHeartbeat(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()

	before, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)

	_, err = f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)

	after, err := f.store.GetAgent(ctx, f.agent.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastHeartbeat)
	assert.False(t, after.LastHeartbeat.Before(*before.LastHeartbeat))
}

func TestReportStatus_HappyPath(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()
	tk := f.createTask(t, 5)

	_, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)

	err = f.dispatch.ReportStatus(ctx, f.user.ID, f.agent.ID, Report{TaskID: tk.ID, Status: task.StatusInProgress})
	require.NoError(t, err)

	err = f.dispatch.ReportStatus(ctx, f.user.ID, f.agent.ID, Report{TaskID: tk.ID, Status: task.StatusCompleted, Result: "posted"})
	require.NoError(t, err)

	got, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, "posted", got.Result)
	require.NotNil(t, got.CompletedAt)

	logs, err := f.store.ListTaskLogs(ctx, tk.ID)
	require.NoError(t, err)
	events := make([]string, 0, len(logs))
	for _, l := range logs {
		events = append(events, l.EventType)
	}
	assert.Equal(t, []string{store.EventCreated, store.EventAssigned, store.EventStarted, store.EventCompleted}, events)
}

func TestReportStatus_FailedRequeuesUntilExhausted(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()
	tk := f.createTask(t, 5)

	// Fail three times: each failure inside the budget requeues at once.
	for attempt := 1; attempt <= task.DefaultMaxRetries; attempt++ {
		got, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
		require.NoError(t, err)
		require.NotNil(t, got, "attempt %d should find the requeued task", attempt)

		err = f.dispatch.ReportStatus(ctx, f.user.ID, f.agent.ID, Report{
			TaskID:   tk.ID,
			Status:   task.StatusFailed,
			ErrorMsg: fmt.Sprintf("boom %d", attempt),
		})
		require.NoError(t, err)

		reloaded, err := f.store.GetTask(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, reloaded.Status)
		assert.Equal(t, attempt, reloaded.RetryCount)
		assert.Nil(t, reloaded.AgentID)
	}

	// Fourth failure exhausts the budget and the task stays failed.
	got, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)
	require.NotNil(t, got)
	err = f.dispatch.ReportStatus(ctx, f.user.ID, f.agent.ID, Report{
		TaskID:   tk.ID,
		Status:   task.StatusFailed,
		ErrorMsg: "boom final",
	})
	require.NoError(t, err)

	final, err := f.store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, task.DefaultMaxRetries, final.RetryCount)
	assert.Equal(t, "boom final", final.ErrorMsg)
}

func TestReportStatus_UnknownStatus(t *testing.T) {
	f := setupDispatch(t)
	tk := f.createTask(t, 5)

	err := f.dispatch.ReportStatus(context.Background(), f.user.ID, f.agent.ID, Report{TaskID: tk.ID, Status: "exploded"})
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestReportStatus_UnknownTask(t *testing.T) {
	f := setupDispatch(t)

	err := f.dispatch.ReportStatus(context.Background(), f.user.ID, f.agent.ID, Report{TaskID: "task_nope", Status: task.StatusCompleted})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReportStatus_PriorityOrderAcrossPolls(t *testing.T) {
	f := setupDispatch(t)
	ctx := context.Background()
	low := f.createTask(t, 1)
	high := f.createTask(t, 9)

	first, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)

	second, err := f.dispatch.GetNextTask(ctx, f.user.ID, f.agent.ID, []string{"instagram"})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID)
}
