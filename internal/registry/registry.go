// ABOUTME: Agent registry over the datastore, handles registration and liveness
// ABOUTME: "Online" is always derived from the last heartbeat, never a cached flag

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trendhub/trendhub/internal/store"
	"github.com/trendhub/trendhub/internal/task"
)

// LivenessWindow is the default span after which a non-heartbeating
// agent counts as offline.
const LivenessWindow = 2 * time.Minute

// ErrAgentNotFound indicates the agent is unknown or not owned by the
// caller. The two cases are deliberately indistinguishable.
var ErrAgentNotFound = errors.New("agent not found")

// Registry coordinates agent registration and liveness tracking. It is
// a constructed dependency: callers inject the store, tests inject a
// temp-dir SQLite store.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	window time.Duration
	now    func() time.Time
}

// New creates a Registry backed by the given store. window bounds
// agent liveness; zero selects the default.
func New(s store.Store, logger *slog.Logger, window time.Duration) *Registry {
	if window <= 0 {
		window = LivenessWindow
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "registry"),
		window: window,
		now:    time.Now,
	}
}

// Window returns the liveness window in effect.
func (r *Registry) Window() time.Duration {
	return r.window
}

// Register creates a new agent for the user and marks it online.
// The returned agent carries the freshly allocated id; id and hwid are
// immutable from here on.
func (r *Registry) Register(ctx context.Context, userID, name, hwidHash, version string, capabilities []string) (*store.Agent, error) {
	now := r.now().UTC()
	agent := &store.Agent{
		UserID:        userID,
		Name:          name,
		HWIDHash:      hwidHash,
		Version:       version,
		Status:        store.AgentOnline,
		LastHeartbeat: &now,
		RegisteredAt:  now,
		Capabilities:  capabilities,
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"user_id", userID,
		"name", name,
		"capabilities", capabilities,
	)
	return agent, nil
}

// Resolve returns the agent if it exists and belongs to userID,
// otherwise ErrAgentNotFound. Ownership failures look identical to
// missing agents so existence is never leaked across tenants.
func (r *Registry) Resolve(ctx context.Context, agentID, userID string) (*store.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving agent: %w", err)
	}
	if agent.UserID != userID {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

// Heartbeat stamps the agent's liveness and returns the owning user's
// pending-task count, which the client surfaces in its status display.
// A non-nil platforms replaces the agent's declared set; sessions come
// and go on the agent machine and each heartbeat reports what it holds.
func (r *Registry) Heartbeat(ctx context.Context, agentID, userID string, platforms []string) (pending int, err error) {
	agent, err := r.Resolve(ctx, agentID, userID)
	if err != nil {
		return 0, err
	}

	if err := r.store.UpdateAgentHeartbeat(ctx, agent.ID, r.now().UTC()); err != nil {
		return 0, fmt.Errorf("updating heartbeat: %w", err)
	}
	if platforms != nil {
		if err := r.store.UpdateAgentCapabilities(ctx, agent.ID, platforms); err != nil {
			return 0, fmt.Errorf("updating capabilities: %w", err)
		}
	}

	pending, err = r.store.CountTasks(ctx, userID, task.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("counting pending tasks: %w", err)
	}
	return pending, nil
}

// ListOnline returns the user's agents inside the liveness window,
// optionally filtered to those declaring the platform capability.
func (r *Registry) ListOnline(ctx context.Context, userID string, platform task.Platform) ([]*store.Agent, error) {
	return r.store.ListOnlineAgents(ctx, userID, platform, r.now().UTC(), r.window)
}

// Sweep flips the display status of stale agents to offline. Dispatch
// never consults that column; this exists so agent lists look right.
func (r *Registry) Sweep(ctx context.Context) {
	n, err := r.store.MarkStaleOffline(ctx, r.now().UTC(), r.window)
	if err != nil {
		// Non-critical: the derived check stays correct either way.
		r.logger.Warn("offline sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("marked agents offline", "count", n)
	}
}

// RunSweeper runs Sweep on a ticker until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
