package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trendhub/trendhub/internal/task"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// createTestUser inserts a user and returns it.
func createTestUser(t *testing.T, s *SQLiteStore) *User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), "test@example.com", "hunter22", "Test User")
	require.NoError(t, err)
	return user
}

// createTestAgent registers an agent for the user and returns it.
func createTestAgent(t *testing.T, s *SQLiteStore, userID string) *Agent {
	t.Helper()
	agent := &Agent{
		UserID:       userID,
		Name:         "desk-01",
		HWIDHash:     "abc123",
		Version:      "2.0.0",
		Capabilities: []string{"facebook", "twitter"},
	}
	require.NoError(t, s.CreateAgent(context.Background(), agent))
	return agent
}

func TestStore_CreateUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s)
	assert.NotEmpty(t, user.ID)
	assert.True(t, user.Active)
	assert.Equal(t, "free", user.Plan)
	require.NotEmpty(t, user.APIKey)
	assert.Equal(t, "tm_", user.APIKey[:3])

	// API key resolves back to the user
	resolved, err := s.GetUserByAPIKey(ctx, user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)

	// Password hash verifies, wrong password does not
	assert.True(t, VerifyPassword(resolved, "hunter22"))
	assert.False(t, VerifyPassword(resolved, "wrong"))
}

func TestStore_CreateUser_DuplicateEmail(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createTestUser(t, s)
	_, err := s.CreateUser(ctx, "test@example.com", "other", "Other")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestStore_GetUserByAPIKey_Unknown(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetUserByAPIKey(context.Background(), "tm_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateAgent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "agent_", agent.ID[:6])

	retrieved, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, retrieved.UserID)
	assert.Equal(t, []string{"facebook", "twitter"}, retrieved.Capabilities)
	assert.Equal(t, AgentOnline, retrieved.Status)
}

func TestStore_GetAgent_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetAgent(context.Background(), "agent_nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Heartbeat(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, agent.ID, now))

	retrieved, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved.LastHeartbeat)
	assert.Equal(t, now, retrieved.LastHeartbeat.UTC())

	err = s.UpdateAgentHeartbeat(ctx, "agent_unknown", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListOnlineAgents_DerivedLiveness(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	window := 2 * time.Minute

	user := createTestUser(t, s)

	fresh := createTestAgent(t, s, user.ID)
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, fresh.ID, now.Add(-30*time.Second)))

	stale := &Agent{UserID: user.ID, Name: "desk-02", Capabilities: []string{"facebook"}}
	require.NoError(t, s.CreateAgent(ctx, stale))
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, stale.ID, now.Add(-3*time.Minute)))

	online, err := s.ListOnlineAgents(ctx, user.ID, "", now, window)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, fresh.ID, online[0].ID)

	// A stale cached status column must not override the timestamp:
	// the stale agent still says "online" in its status column.
	got, err := s.GetAgent(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentOnline, got.Status)
	assert.False(t, got.Online(now, window))
}

func TestStore_ListOnlineAgents_PlatformFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID) // facebook, twitter
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, agent.ID, now))

	online, err := s.ListOnlineAgents(ctx, user.ID, task.PlatformFacebook, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Len(t, online, 1)

	online, err = s.ListOnlineAgents(ctx, user.ID, task.PlatformTikTok, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestStore_MarkStaleOffline(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)
	require.NoError(t, s.UpdateAgentHeartbeat(ctx, agent.ID, now.Add(-10*time.Minute)))

	n, err := s.MarkStaleOffline(ctx, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, AgentOffline, got.Status)

	// Second sweep is a no-op
	n, err = s.MarkStaleOffline(ctx, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_AddPlatformAccount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	user := createTestUser(t, s)
	agent := createTestAgent(t, s, user.ID)

	acct := &PlatformAccount{
		UserID:      user.ID,
		AgentID:     agent.ID,
		Platform:    task.PlatformFacebook,
		AccountName: "brandpage",
	}
	require.NoError(t, s.AddPlatformAccount(ctx, acct))
	assert.Equal(t, "acc_", acct.ID[:4])

	// Same triple again is a duplicate
	err := s.AddPlatformAccount(ctx, &PlatformAccount{
		UserID:      user.ID,
		AgentID:     agent.ID,
		Platform:    task.PlatformFacebook,
		AccountName: "brandpage",
	})
	assert.ErrorIs(t, err, ErrDuplicateAccount)

	accounts, err := s.ListAgentPlatforms(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, task.PlatformFacebook, accounts[0].Platform)
}
