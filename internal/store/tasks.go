// ABOUTME: Task persistence and the status state machine over SQLite
// ABOUTME: ClaimNextTask is the atomic select-and-assign used by the dispatcher

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trendhub/trendhub/internal/task"
)

const taskColumns = `id, user_id, agent_id, platform, task_type, status, priority, content,
	target_url, media_urls, scheduled_at, assigned_at, started_at, completed_at,
	created_at, error_message, result, retry_count, max_retries`

// createdAtLayout keeps a fixed-width fractional second so the TEXT
// column sorts lexicographically in chronological order, which the
// FIFO tie-break in ClaimNextTask relies on.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CreateTask persists a validated task. Status is pending, or scheduled
// when scheduled_at is set in the future. Emits a "created" log entry.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *task.Task) error {
	task.Normalize(t)
	if err := task.Validate(t); err != nil {
		return err
	}

	if t.ID == "" {
		t.ID = "task_" + randomHex(12)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = task.DefaultMaxRetries
	}

	t.Status = task.StatusPending
	if t.ScheduledAt != nil && t.ScheduledAt.After(t.CreatedAt) {
		t.Status = task.StatusScheduled
	}

	media, err := json.Marshal(t.MediaURLs)
	if err != nil {
		return fmt.Errorf("encoding media URLs: %w", err)
	}

	query := `
		INSERT INTO tasks (id, user_id, platform, task_type, status, priority,
			content, target_url, media_urls, scheduled_at, created_at, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		string(t.Platform),
		string(t.Type),
		string(t.Status),
		t.Priority,
		nullString(t.Content),
		nullString(t.TargetURL),
		string(media),
		nullTime(t.ScheduledAt),
		t.CreatedAt.UTC().Format(createdAtLayout),
		t.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", t.ID, "platform", t.Platform, "type", t.Type, "status", t.Status)

	return s.AppendTaskLog(ctx, &TaskLogEntry{
		TaskID:    t.ID,
		EventType: EventCreated,
		Message:   fmt.Sprintf("Task created: %s on %s", t.Type, t.Platform),
	})
}

func scanTaskRow(scan func(dest ...any) error) (*task.Task, error) {
	var t task.Task
	var agentID, content, targetURL, errorMsg, result sql.NullString
	var scheduledAt, assignedAt, startedAt, completedAt sql.NullString
	var media, createdAt string

	err := scan(&t.ID, &t.UserID, &agentID, (*string)(&t.Platform), (*string)(&t.Type),
		(*string)(&t.Status), &t.Priority, &content, &targetURL, &media,
		&scheduledAt, &assignedAt, &startedAt, &completedAt,
		&createdAt, &errorMsg, &result, &t.RetryCount, &t.MaxRetries)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	if agentID.Valid {
		t.AgentID = &agentID.String
	}
	t.Content = content.String
	t.TargetURL = targetURL.String
	t.ErrorMsg = errorMsg.String
	t.Result = result.String
	t.ScheduledAt = parseNullTime(scheduledAt)
	t.AssignedAt = parseNullTime(assignedAt)
	t.StartedAt = parseNullTime(startedAt)
	t.CompletedAt = parseNullTime(completedAt)

	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if err := json.Unmarshal([]byte(media), &t.MediaURLs); err != nil {
		return nil, fmt.Errorf("decoding media URLs: %w", err)
	}
	return &t, nil
}

// GetTask retrieves a task by ID. Returns ErrNotFound if unknown.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTaskRow(row.Scan)
}

// ListTasks returns a user's tasks, newest first, optionally filtered
// by status. Limit defaults to 50 and caps at 500.
func (s *SQLiteStore) ListTasks(ctx context.Context, userID string, status task.Status, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			 WHERE user_id = ? AND status = ?
			 ORDER BY created_at DESC LIMIT ?`, userID, string(status), limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			 WHERE user_id = ?
			 ORDER BY created_at DESC LIMIT ?`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasks counts a user's tasks with the given status.
func (s *SQLiteStore) CountTasks(ctx context.Context, userID string, status task.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE user_id = ? AND status = ?`,
		userID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return n, nil
}

// ClaimNextTask selects the highest-priority eligible task for the user
// and atomically assigns it to the agent. Eligible means: platform in
// the agent's active set, status pending (or scheduled with its time
// due), and scheduled_at null or elapsed. Ordering is priority
// descending with creation-time FIFO tie-break.
//
// The claim is a conditional UPDATE keyed on the candidate's id and its
// unchanged status, so two agents racing for the same row cannot both
// win: the loser's UPDATE affects zero rows and it moves to the next
// candidate. Returns (nil, nil) when no task is eligible.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context, userID, agentID string, platforms []string, now time.Time) (*task.Task, error) {
	if len(platforms) == 0 {
		return nil, nil
	}

	nowStr := now.UTC().Format(time.RFC3339)

	placeholders := ""
	args := []any{userID}
	for i, p := range platforms {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, p)
	}
	args = append(args, string(task.StatusPending), string(task.StatusScheduled), nowStr, nowStr)

	// A handful of candidates is plenty: each iteration below either
	// wins the claim or another agent took that row concurrently.
	query := fmt.Sprintf(`
		SELECT id, status FROM tasks
		WHERE user_id = ?
		AND platform IN (%s)
		AND (status = ? OR (status = ? AND scheduled_at <= ?))
		AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 10
	`, placeholders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dispatch candidates: %w", err)
	}

	type candidate struct {
		id     string
		status string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating candidates: %w", err)
	}
	rows.Close()

	for _, c := range candidates {
		result, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, agent_id = ?, assigned_at = ?
			WHERE id = ? AND status = ?
		`, string(task.StatusAssigned), agentID, nowStr, c.id, c.status)
		if err != nil {
			return nil, fmt.Errorf("claiming task: %w", err)
		}

		claimed, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("getting rows affected: %w", err)
		}
		if claimed == 0 {
			// Lost the race for this row; try the next candidate.
			continue
		}

		t, err := s.GetTask(ctx, c.id)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("claimed task", "id", t.ID, "agent_id", agentID, "priority", t.Priority)
		return t, nil
	}

	return nil, nil
}

// MarkStarted transitions a task to in_progress. Legal from assigned
// and, idempotently, from in_progress, and only by the assigned agent.
func (s *SQLiteStore) MarkStarted(ctx context.Context, taskID, agentID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE id = ? AND agent_id = ? AND status IN (?, ?)
	`, string(task.StatusInProgress), now.UTC().Format(time.RFC3339),
		taskID, agentID, string(task.StatusAssigned), string(task.StatusInProgress))
	if err != nil {
		return fmt.Errorf("marking task started: %w", err)
	}
	return s.transitionOutcome(ctx, result, taskExistsForAgent, taskID, agentID)
}

// MarkCompleted transitions a task from in_progress to completed.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, taskID, agentID, res string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?, result = ?
		WHERE id = ? AND agent_id = ? AND status = ?
	`, string(task.StatusCompleted), now.UTC().Format(time.RFC3339), nullString(res),
		taskID, agentID, string(task.StatusInProgress))
	if err != nil {
		return fmt.Errorf("marking task completed: %w", err)
	}
	return s.transitionOutcome(ctx, result, taskExistsForAgent, taskID, agentID)
}

// MarkFailed transitions a task to failed from in_progress, or from
// assigned when execution never started.
func (s *SQLiteStore) MarkFailed(ctx context.Context, taskID, agentID, errMsg string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND agent_id = ? AND status IN (?, ?)
	`, string(task.StatusFailed), now.UTC().Format(time.RFC3339), nullString(errMsg),
		taskID, agentID, string(task.StatusAssigned), string(task.StatusInProgress))
	if err != nil {
		return fmt.Errorf("marking task failed: %w", err)
	}
	return s.transitionOutcome(ctx, result, taskExistsForAgent, taskID, agentID)
}

// Existence checks for transitionOutcome. Each carries the caller's
// ownership scope: a task outside it must read as missing, never as a
// conflict, or the error alone would reveal a foreign task exists.
const (
	taskExistsForUser  = `SELECT 1 FROM tasks WHERE id = ? AND user_id = ?`
	taskExistsForAgent = `SELECT 1 FROM tasks t JOIN agents a ON a.user_id = t.user_id WHERE t.id = ? AND a.id = ?`
	taskExistsAny      = `SELECT 1 FROM tasks WHERE id = ?`
)

// transitionOutcome distinguishes "no such task" from "illegal
// transition" after a guarded UPDATE affected zero rows.
func (s *SQLiteStore) transitionOutcome(ctx context.Context, result sql.Result, existsQuery string, args ...any) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, existsQuery, args...).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking task existence: %w", err)
	}
	return ErrInvalidTransition
}

// ResetForRetry returns a failed task to the pending pool: status back
// to pending, retry count bumped, assignment and execution timestamps
// cleared so any agent may pick it up again.
func (s *SQLiteStore) ResetForRetry(ctx context.Context, taskID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = retry_count + 1,
			agent_id = NULL, assigned_at = NULL, started_at = NULL,
			completed_at = NULL, error_message = NULL
		WHERE id = ? AND status = ? AND retry_count < max_retries
	`, string(task.StatusPending), taskID, string(task.StatusFailed))
	if err != nil {
		return fmt.Errorf("resetting task for retry: %w", err)
	}
	return s.transitionOutcome(ctx, result, taskExistsAny, taskID)
}

// CancelTask moves a user's task to cancelled from any non-terminal state.
func (s *SQLiteStore) CancelTask(ctx context.Context, taskID, userID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?
		WHERE id = ? AND user_id = ? AND status NOT IN (?, ?)
	`, string(task.StatusCancelled), now.UTC().Format(time.RFC3339),
		taskID, userID, string(task.StatusCompleted), string(task.StatusCancelled))
	if err != nil {
		return fmt.Errorf("cancelling task: %w", err)
	}
	if err := s.transitionOutcome(ctx, result, taskExistsForUser, taskID, userID); err != nil {
		return err
	}

	return s.AppendTaskLog(ctx, &TaskLogEntry{
		TaskID:    taskID,
		EventType: EventCancelled,
		Message:   "Task cancelled by user",
	})
}

// UserStats aggregates the dashboard counters for one user.
func (s *SQLiteStore) UserStats(ctx context.Context, userID string, now time.Time, window time.Duration) (*UserStats, error) {
	stats := &UserStats{TasksByStatus: make(map[task.Status]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying task stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task stats: %w", err)
		}
		stats.TasksByStatus[task.Status(status)] = n
		stats.TasksTotal += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE user_id = ?`, userID).Scan(&stats.AgentsTotal); err != nil {
		return nil, fmt.Errorf("counting agents: %w", err)
	}

	cutoff := now.Add(-window).UTC().Format(time.RFC3339)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE user_id = ? AND last_heartbeat > ?`,
		userID, cutoff).Scan(&stats.AgentsOnline); err != nil {
		return nil, fmt.Errorf("counting online agents: %w", err)
	}

	return stats, nil
}

// AppendTaskLog writes an append-only audit entry for a task.
func (s *SQLiteStore) AppendTaskLog(ctx context.Context, entry *TaskLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var agentID any
	if entry.AgentID != nil {
		agentID = *entry.AgentID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, agent_id, event_type, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.TaskID, agentID, entry.EventType, nullString(entry.Message),
		entry.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns a task's audit entries in chronological order.
func (s *SQLiteStore) ListTaskLogs(ctx context.Context, taskID string) ([]*TaskLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, event_type, message, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task logs: %w", err)
	}
	defer rows.Close()

	var entries []*TaskLogEntry
	for rows.Next() {
		var e TaskLogEntry
		var agentID, message sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.TaskID, &agentID, &e.EventType, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task log: %w", err)
		}
		if agentID.Valid {
			e.AgentID = &agentID.String
		}
		e.Message = message.String
		e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
