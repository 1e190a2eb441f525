// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/agent/platform-account persistence with automatic schema creation

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/trendhub/trendhub/internal/task"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Concurrent dispatchers race on the claim UPDATE; wait out the
	// writer lock instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name          TEXT,
			plan          TEXT NOT NULL DEFAULT 'free',
			api_key       TEXT UNIQUE NOT NULL,
			created_at    TEXT NOT NULL,
			last_login    TEXT,
			is_active     INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_users_api_key ON users(api_key);

		CREATE TABLE IF NOT EXISTS agents (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			name           TEXT NOT NULL,
			hwid_hash      TEXT,
			version        TEXT,
			status         TEXT NOT NULL DEFAULT 'offline',
			last_heartbeat TEXT,
			registered_at  TEXT NOT NULL,
			capabilities   TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(user_id);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS platform_accounts (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			agent_id     TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			platform     TEXT NOT NULL,
			account_name TEXT,
			is_active    INTEGER NOT NULL DEFAULT 1,
			last_used    TEXT,
			added_at     TEXT NOT NULL,

			UNIQUE(agent_id, platform, account_name)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			agent_id      TEXT REFERENCES agents(id) ON DELETE SET NULL,
			platform      TEXT NOT NULL,
			task_type     TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			priority      INTEGER NOT NULL DEFAULT 5,
			content       TEXT,
			target_url    TEXT,
			media_urls    TEXT NOT NULL DEFAULT '[]',
			scheduled_at  TEXT,
			assigned_at   TEXT,
			started_at    TEXT,
			completed_at  TEXT,
			created_at    TEXT NOT NULL,
			error_message TEXT,
			result        TEXT,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			max_retries   INTEGER NOT NULL DEFAULT 3,

			CHECK (status IN ('scheduled', 'pending', 'assigned', 'in_progress', 'completed', 'failed', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_scheduled ON tasks(scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(user_id, status, priority DESC, created_at);

		CREATE TABLE IF NOT EXISTS task_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_id   TEXT,
			event_type TEXT NOT NULL,
			message    TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for a nil time, otherwise the RFC3339 string.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime converts a scanned nullable RFC3339 column back to *time.Time.
func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

// CreateUser creates a new user with a bcrypt password hash and a fresh
// API key. Returns ErrDuplicateEmail if the email is taken.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, password, name string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &User{
		ID:           randomHex(16),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		Name:         name,
		Plan:         "free",
		APIKey:       "tm_" + randomHex(24),
		CreatedAt:    time.Now().UTC(),
		Active:       true,
	}

	query := `
		INSERT INTO users (id, email, password_hash, name, plan, api_key, created_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	`

	_, err = s.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		nullString(user.Name),
		user.Plan,
		user.APIKey,
		user.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user", "id", user.ID, "email", user.Email)
	return user, nil
}

const userColumns = `id, email, password_hash, name, plan, api_key, created_at, last_login, is_active`

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var u User
	var name sql.NullString
	var createdAt string
	var lastLogin sql.NullString
	var active int

	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &name, &u.Plan, &u.APIKey, &createdAt, &lastLogin, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.Name = name.String
	u.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	u.LastLogin = parseNullTime(lastLogin)
	u.Active = active == 1
	return &u, nil
}

// GetUserByAPIKey resolves an API key to its active user.
// Returns ErrNotFound for unknown or inactive keys.
func (s *SQLiteStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE api_key = ? AND is_active = 1`, apiKey)
	return s.scanUser(row)
}

// GetUserByEmail retrieves a user by email.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	return s.scanUser(row)
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return s.scanUser(row)
}

// VerifyPassword checks a plaintext password against the stored hash.
func VerifyPassword(user *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// TouchLastLogin stamps the user's last login time.
func (s *SQLiteStore) TouchLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), userID)
	if err != nil {
		return fmt.Errorf("updating last_login: %w", err)
	}
	return nil
}

// CreateAgent inserts a newly registered agent. The caller supplies a
// zero ID; a fresh one is allocated here.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = "agent_" + randomHex(12)
	}
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = time.Now().UTC()
	}
	if agent.Status == "" {
		agent.Status = AgentOnline
	}

	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (id, user_id, name, hwid_hash, version, status, last_heartbeat, registered_at, capabilities)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.UserID,
		agent.Name,
		nullString(agent.HWIDHash),
		nullString(agent.Version),
		string(agent.Status),
		nullTime(agent.LastHeartbeat),
		agent.RegisteredAt.UTC().Format(time.RFC3339),
		string(caps),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Info("created agent", "id", agent.ID, "user_id", agent.UserID, "name", agent.Name)
	return nil
}

const agentColumns = `id, user_id, name, hwid_hash, version, status, last_heartbeat, registered_at, capabilities`

func scanAgentRow(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var hwid, version sql.NullString
	var lastHeartbeat sql.NullString
	var registeredAt, caps string

	err := scan(&a.ID, &a.UserID, &a.Name, &hwid, &version, (*string)(&a.Status), &lastHeartbeat, &registeredAt, &caps)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.HWIDHash = hwid.String
	a.Version = version.String
	a.LastHeartbeat = parseNullTime(lastHeartbeat)
	a.RegisteredAt, err = time.Parse(time.RFC3339, registeredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound if unknown.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgentRow(row.Scan)
}

// ListAgents returns all agents for a user, most recently registered first.
func (s *SQLiteStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = ? ORDER BY registered_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgentRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentHeartbeat stamps the agent's last heartbeat and refreshes
// the display status. Returns ErrNotFound for unknown agents.
func (s *SQLiteStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ?, status = ? WHERE id = ?`,
		now.UTC().Format(time.RFC3339), string(AgentOnline), agentID)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentCapabilities replaces the agent's declared platform set.
// Returns ErrNotFound for unknown agents.
func (s *SQLiteStore) UpdateAgentCapabilities(ctx context.Context, agentID string, capabilities []string) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET capabilities = ? WHERE id = ?`,
		string(caps), agentID)
	if err != nil {
		return fmt.Errorf("updating capabilities: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOnlineAgents returns agents whose last heartbeat falls inside the
// liveness window, optionally filtered by a capability platform.
// Liveness is derived from the timestamp; the status column is ignored.
func (s *SQLiteStore) ListOnlineAgents(ctx context.Context, userID string, platform task.Platform, now time.Time, window time.Duration) ([]*Agent, error) {
	cutoff := now.Add(-window).UTC().Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE user_id = ? AND last_heartbeat > ?
		 ORDER BY last_heartbeat DESC`, userID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying online agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgentRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		if platform != "" && !hasCapability(a.Capabilities, string(platform)) {
			continue
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func hasCapability(caps []string, platform string) bool {
	for _, c := range caps {
		if c == platform {
			return true
		}
	}
	return false
}

// MarkStaleOffline flips the display status of agents that have not
// heartbeated within the window. This is cosmetic; dispatch never reads
// the status column.
func (s *SQLiteStore) MarkStaleOffline(ctx context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window).UTC().Format(time.RFC3339)

	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		string(AgentOffline), string(AgentOnline), cutoff)
	if err != nil {
		return 0, fmt.Errorf("marking stale agents offline: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("marked stale agents offline", "count", n)
	}
	return int(n), nil
}

// AddPlatformAccount inserts a platform account for an agent.
// Returns ErrDuplicateAccount if the (agent, platform, account) triple exists.
func (s *SQLiteStore) AddPlatformAccount(ctx context.Context, acct *PlatformAccount) error {
	if acct.ID == "" {
		acct.ID = "acc_" + randomHex(8)
	}
	if acct.AddedAt.IsZero() {
		acct.AddedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO platform_accounts (id, user_id, agent_id, platform, account_name, is_active, added_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		acct.ID,
		acct.UserID,
		acct.AgentID,
		string(acct.Platform),
		nullString(acct.AccountName),
		acct.AddedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("inserting platform account: %w", err)
	}

	s.logger.Debug("added platform account", "id", acct.ID, "agent_id", acct.AgentID, "platform", acct.Platform)
	return nil
}

// ListAgentPlatforms returns active platform accounts for an agent.
func (s *SQLiteStore) ListAgentPlatforms(ctx context.Context, agentID string) ([]*PlatformAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, agent_id, platform, account_name, is_active, last_used, added_at
		FROM platform_accounts
		WHERE agent_id = ? AND is_active = 1
		ORDER BY added_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying platform accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*PlatformAccount
	for rows.Next() {
		var a PlatformAccount
		var accountName, lastUsed sql.NullString
		var active int
		var addedAt string

		if err := rows.Scan(&a.ID, &a.UserID, &a.AgentID, (*string)(&a.Platform), &accountName, &active, &lastUsed, &addedAt); err != nil {
			return nil, fmt.Errorf("scanning platform account: %w", err)
		}

		a.AccountName = accountName.String
		a.Active = active == 1
		a.LastUsed = parseNullTime(lastUsed)
		a.AddedAt, err = time.Parse(time.RFC3339, addedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing added_at: %w", err)
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
