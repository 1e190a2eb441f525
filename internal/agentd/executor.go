// ABOUTME: Task executors for the agent: script hook, noop, and timeout wrapper
// ABOUTME: Browser automation plugs in behind the Executor interface

package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/trendhub/trendhub/internal/task"
	"github.com/trendhub/trendhub/internal/vault"
)

// Executor performs one task with the platform session loaded from the
// vault. sess is nil when no session is stored. The returned session,
// when non-nil, replaces the stored one; platforms rotate cookies
// mid-session and a stale copy means re-authenticating.
type Executor interface {
	Execute(ctx context.Context, t *task.Task, sess *vault.Session) (result string, rotated *vault.Session, err error)
}

// NoopExecutor acknowledges tasks without doing anything. Useful for
// dry runs and for soak-testing the dispatch loop.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, t *task.Task, sess *vault.Session) (string, *vault.Session, error) {
	return fmt.Sprintf("noop: %s %s on %s", t.Type, t.ID, t.Platform), nil, nil
}

// scriptInput is what the automation script reads on stdin.
type scriptInput struct {
	Task    *task.Task     `json:"task"`
	Cookies []vault.Cookie `json:"cookies,omitempty"`
}

// scriptOutput is the structured form a script may print. Plain text
// stdout is also accepted and taken verbatim as the result.
type scriptOutput struct {
	Result  string         `json:"result"`
	Cookies []vault.Cookie `json:"cookies,omitempty"`
}

// ScriptExecutor shells out to an external automation script. The task
// and session cookies go in as JSON on stdin. Stdout becomes the
// result; a script that prints a JSON object can also hand back
// rotated cookies for the vault.
type ScriptExecutor struct {
	Command string
	Args    []string
}

func (e *ScriptExecutor) Execute(ctx context.Context, t *task.Task, sess *vault.Session) (string, *vault.Session, error) {
	input := scriptInput{Task: t}
	if sess != nil {
		input.Cookies = sess.Cookies
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return "", nil, fmt.Errorf("encoding task: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", nil, fmt.Errorf("script failed: %s", msg)
	}

	out := strings.TrimSpace(stdout.String())
	var parsed scriptOutput
	if strings.HasPrefix(out, "{") && json.Unmarshal([]byte(out), &parsed) == nil {
		if parsed.Cookies != nil {
			return parsed.Result, &vault.Session{Cookies: parsed.Cookies}, nil
		}
		return parsed.Result, nil, nil
	}
	return out, nil, nil
}

// WithTimeout bounds an executor by wall clock. A task that overruns is
// cancelled and reported failed.
func WithTimeout(inner Executor, limit time.Duration) Executor {
	return &timeoutExecutor{inner: inner, limit: limit}
}

type timeoutExecutor struct {
	inner Executor
	limit time.Duration
}

func (e *timeoutExecutor) Execute(ctx context.Context, t *task.Task, sess *vault.Session) (string, *vault.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limit)
	defer cancel()

	result, rotated, err := e.inner.Execute(ctx, t, sess)
	if ctx.Err() == context.DeadlineExceeded {
		return "", nil, fmt.Errorf("execution exceeded %s", e.limit)
	}
	return result, rotated, err
}
