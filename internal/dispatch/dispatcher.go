// ABOUTME: Dispatcher hands tasks to polling agents and applies status reports
// ABOUTME: Claim is atomic at the store layer; retry policy lives here

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trendhub/trendhub/internal/registry"
	"github.com/trendhub/trendhub/internal/store"
	"github.com/trendhub/trendhub/internal/task"
)

// Dispatcher sentinel errors, mapped to stable API error codes by the
// HTTP layer.
var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrUnknownStatus   = errors.New("unknown report status")
	ErrNotTaskAssignee = errors.New("task not assigned to this agent")
)

// Report is an agent's status update for a task it holds.
type Report struct {
	TaskID   string
	Status   task.Status
	Result   string
	ErrorMsg string
}

// Dispatcher owns task handout and completion accounting. A claimed
// task is visible to exactly one agent; concurrent polls for the same
// queue are resolved by the store's conditional update.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Dispatcher over the given store and registry.
func New(s store.Store, reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    s,
		registry: reg,
		logger:   logger.With("component", "dispatch"),
		now:      time.Now,
	}
}

// GetNextTask assigns the highest-priority eligible task to the agent,
// or returns (nil, nil) when the queue is empty. The poll doubles as a
// heartbeat. platforms is the set the agent holds live sessions for
// right now; an empty set matches no task, since the agent could not
// execute anything it was handed.
func (d *Dispatcher) GetNextTask(ctx context.Context, userID, agentID string, platforms []string) (*task.Task, error) {
	agent, err := d.registry.Resolve(ctx, agentID, userID)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	if err := d.store.UpdateAgentHeartbeat(ctx, agent.ID, now); err != nil {
		return nil, fmt.Errorf("refreshing heartbeat: %w", err)
	}

	claimed, err := d.store.ClaimNextTask(ctx, userID, agent.ID, platforms, now)
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	d.appendLog(ctx, claimed.ID, agent.ID, store.EventAssigned, "assigned to "+agent.Name)
	d.logger.Info("task assigned",
		"task_id", claimed.ID,
		"agent_id", agent.ID,
		"platform", claimed.Platform,
		"priority", claimed.Priority,
	)
	return claimed, nil
}

// ReportStatus applies an agent's progress report. Completed and failed
// release the task; a failed task under its retry budget goes straight
// back to pending with no backoff.
func (d *Dispatcher) ReportStatus(ctx context.Context, userID, agentID string, rep Report) error {
	agent, err := d.registry.Resolve(ctx, agentID, userID)
	if err != nil {
		return err
	}
	now := d.now().UTC()

	switch rep.Status {
	case task.StatusInProgress:
		if err := d.store.MarkStarted(ctx, rep.TaskID, agent.ID, now); err != nil {
			return d.mapTransitionErr(err)
		}
		d.appendLog(ctx, rep.TaskID, agent.ID, store.EventStarted, "execution started")
		return nil

	case task.StatusCompleted:
		if err := d.store.MarkCompleted(ctx, rep.TaskID, agent.ID, rep.Result, now); err != nil {
			return d.mapTransitionErr(err)
		}
		d.appendLog(ctx, rep.TaskID, agent.ID, store.EventCompleted, "completed")
		d.logger.Info("task completed", "task_id", rep.TaskID, "agent_id", agent.ID)
		return nil

	case task.StatusFailed:
		if err := d.store.MarkFailed(ctx, rep.TaskID, agent.ID, rep.ErrorMsg, now); err != nil {
			return d.mapTransitionErr(err)
		}
		d.appendLog(ctx, rep.TaskID, agent.ID, store.EventFailed, "failed: "+rep.ErrorMsg)
		return d.maybeRetry(ctx, rep.TaskID, agent.ID, now)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, rep.Status)
	}
}

// maybeRetry requeues a failed task while attempts remain. Exhausted
// tasks stay failed; only a retry consumes an attempt.
func (d *Dispatcher) maybeRetry(ctx context.Context, taskID, agentID string, now time.Time) error {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading failed task: %w", err)
	}
	if t.RetryCount >= t.MaxRetries {
		d.logger.Warn("task retries exhausted",
			"task_id", taskID,
			"retry_count", t.RetryCount,
		)
		return nil
	}

	if err := d.store.ResetForRetry(ctx, taskID, now); err != nil {
		// Lost a race with a cancel; the task is no longer retryable.
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("requeueing task: %w", err)
	}

	attempt := t.RetryCount + 1
	d.appendLog(ctx, taskID, agentID, store.EventRetry,
		fmt.Sprintf("requeued, attempt %d of %d", attempt, t.MaxRetries))
	d.logger.Info("task requeued for retry",
		"task_id", taskID,
		"attempt", attempt,
		"max_retries", t.MaxRetries,
	)
	return nil
}

func (d *Dispatcher) mapTransitionErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrTaskNotFound
	default:
		return err
	}
}

func (d *Dispatcher) appendLog(ctx context.Context, taskID, agentID, event, msg string) {
	entry := &store.TaskLogEntry{
		TaskID:    taskID,
		AgentID:   &agentID,
		EventType: event,
		Message:   msg,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.AppendTaskLog(ctx, entry); err != nil {
		// The audit trail is best-effort; the state change already landed.
		d.logger.Warn("appending task log failed", "task_id", taskID, "error", err)
	}
}
