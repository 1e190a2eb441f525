// ABOUTME: Jittered polling loop driving heartbeats, task fetch, and execution
// ABOUTME: At most one task in flight; heartbeats continue while it runs

package agentd

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/trendhub/trendhub/internal/task"
	"github.com/trendhub/trendhub/internal/vault"
)

// Poll interval bounds. Every cycle sleeps a fresh random duration in
// this range so a fleet of agents never synchronizes against the
// gateway.
const (
	PollMin = 8 * time.Second
	PollMax = 18 * time.Second
)

// Poller runs the agent's main loop: sleep a jittered interval, send a
// heartbeat, and fetch work when idle. Execution happens on a separate
// goroutine; while a task runs, polling continues for heartbeats only.
type Poller struct {
	client    *Client
	executor  Executor
	vault     *vault.Vault
	logger    *slog.Logger
	agentID   string
	platforms []string

	pollMin time.Duration
	pollMax time.Duration
	rng     *rand.Rand

	executing atomic.Bool
}

// NewPoller creates a Poller for a registered agent. platforms is the
// set the agent currently holds sessions for; v supplies the session
// for each task and receives rotated cookies back. A nil vault runs
// the executor without sessions.
func NewPoller(client *Client, executor Executor, v *vault.Vault, agentID string, platforms []string, logger *slog.Logger) *Poller {
	return &Poller{
		client:    client,
		executor:  executor,
		vault:     v,
		logger:    logger.With("component", "poller"),
		agentID:   agentID,
		platforms: platforms,
		pollMin:   PollMin,
		pollMax:   PollMax,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run polls until the context is cancelled. Transport errors are logged
// and the loop continues on the next tick.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("polling started",
		"agent_id", p.agentID,
		"poll_min", p.pollMin,
		"poll_max", p.pollMax,
	)

	for {
		delay := p.jitter()
		select {
		case <-ctx.Done():
			p.logger.Info("polling stopped")
			return
		case <-time.After(delay):
		}

		p.cycle(ctx)
	}
}

// jitter returns a fresh random delay in [pollMin, pollMax].
func (p *Poller) jitter() time.Duration {
	span := p.pollMax - p.pollMin
	if span <= 0 {
		return p.pollMin
	}
	return p.pollMin + time.Duration(p.rng.Int63n(int64(span)+1))
}

// cycle performs one heartbeat and, when idle, one task fetch.
func (p *Poller) cycle(ctx context.Context) {
	pending, err := p.client.Heartbeat(ctx, p.agentID, p.platforms)
	if err != nil {
		p.logger.Warn("heartbeat failed", "error", err)
		return
	}

	if p.executing.Load() {
		// A task is in flight; do not fetch more work this cycle.
		return
	}
	if len(p.platforms) == 0 {
		// No sessions, nothing we could execute. Keep heartbeating.
		return
	}
	p.logger.Debug("queue state", "pending", pending)

	// Always poll even when pending reads zero: scheduled tasks coming
	// due are claimable without ever being counted as pending.
	t, err := p.client.GetTask(ctx, p.agentID, p.platforms)
	if err != nil {
		p.logger.Warn("task fetch failed", "error", err)
		return
	}
	if t == nil {
		return
	}

	// Re-validate before touching it. The server already validated at
	// creation, but an agent never executes a payload it cannot verify.
	task.Normalize(t)
	if err := task.Validate(t); err != nil {
		p.logger.Error("received invalid task", "task_id", t.ID, "error", err)
		p.report(ctx, t.ID, task.StatusFailed, "validation failed: "+err.Error(), "")
		return
	}

	p.executing.Store(true)
	go p.execute(ctx, t)
}

// execute runs one task to a terminal report. Any failure path still
// reports failed; a task is never silently dropped.
func (p *Poller) execute(ctx context.Context, t *task.Task) {
	defer p.executing.Store(false)

	p.logger.Info("executing task", "task_id", t.ID, "platform", t.Platform, "type", t.Type)
	p.report(ctx, t.ID, task.StatusInProgress, "", "")

	result, rotated, err := p.executor.Execute(ctx, t, p.loadSession(t.Platform))
	if err != nil {
		p.logger.Warn("task failed", "task_id", t.ID, "error", err)
		p.report(ctx, t.ID, task.StatusFailed, err.Error(), "")
		return
	}

	// Persist rotated cookies before the terminal report so a crash
	// between the two never loses a fresh session.
	p.saveSession(t.Platform, rotated)

	p.logger.Info("task completed", "task_id", t.ID)
	p.report(ctx, t.ID, task.StatusCompleted, "", result)
}

func (p *Poller) loadSession(platform task.Platform) *vault.Session {
	if p.vault == nil {
		return nil
	}
	sess, err := p.vault.Load(platform)
	if err != nil {
		p.logger.Warn("loading session failed", "platform", platform, "error", err)
		return nil
	}
	return sess
}

func (p *Poller) saveSession(platform task.Platform, sess *vault.Session) {
	if p.vault == nil || sess == nil {
		return
	}
	if err := p.vault.Save(platform, sess.Cookies); err != nil {
		p.logger.Error("saving rotated session failed", "platform", platform, "error", err)
	}
}

func (p *Poller) report(ctx context.Context, taskID string, status task.Status, errMsg, result string) {
	if err := p.client.ReportStatus(ctx, p.agentID, taskID, status, errMsg, result); err != nil {
		p.logger.Error("status report failed", "task_id", taskID, "status", status, "error", err)
	}
}
