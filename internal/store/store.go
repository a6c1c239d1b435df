// Package store persists the orchestrator's durable control state to SQLite:
// idempotency keys, issue-sync cursors, issue and label snapshots, per-task
// op-states, label-write backoff, and run accounting. All multi-write
// operations go through RunInTransaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is bumped on incompatible schema changes. A database whose
// version is newer than this constant was written by a newer ralphd; refuse
// to touch it.
const schemaVersion = 1

var (
	// ErrForwardIncompatible means the database schema is newer than this
	// build understands.
	ErrForwardIncompatible = errors.New("state database schema is newer than this version of ralphd")
	// ErrLockTimeout means SQLite could not acquire a lock within the busy
	// timeout.
	ErrLockTimeout = errors.New("state database lock timeout")
)

// Store provides durable storage for the orchestrator using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// Tx is the transaction-scoped view of the store handed to
// RunInTransaction callbacks.
type Tx struct {
	queries
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type queries struct {
	q execer
}

// Open opens (or creates) the state database at dataPath/state.db and runs
// migrations.
func Open(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}

	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a fresh in-memory database. Used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	s := &Store{queries: queries{q: db}, db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w (db=%d, code=%d)", ErrForwardIncompatible, version, schemaVersion)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			payload_json TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS repo_sync_cursors (
			repo TEXT PRIMARY KEY,
			last_sync_at TEXT,
			bootstrap_next_url TEXT DEFAULT '',
			bootstrap_high_watermark TEXT DEFAULT '',
			label_scheme_error TEXT DEFAULT '',
			label_scheme_detail TEXT DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS repo_done_cursors (
			repo TEXT PRIMARY KEY,
			last_merged_at TEXT NOT NULL,
			last_pr_number INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS repo_label_write_state (
			repo TEXT PRIMARY KEY,
			blocked_until_ms INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS issue_snapshots (
			repo TEXT NOT NULL,
			number INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'OPEN',
			labels_json TEXT NOT NULL DEFAULT '[]',
			github_node_id TEXT DEFAULT '',
			github_updated_at TEXT DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (repo, number)
		)`,
		`CREATE TABLE IF NOT EXISTS issue_labels_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repo TEXT NOT NULL,
			number INTEGER NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '[]',
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_labels_history_issue ON issue_labels_history(repo, number)`,
		`CREATE TABLE IF NOT EXISTS task_op_states (
			repo TEXT NOT NULL,
			issue_number INTEGER NOT NULL,
			task_path TEXT NOT NULL DEFAULT '',
			session_id TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			heartbeat_at TEXT DEFAULT '',
			released_at_ms INTEGER,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (repo, issue_number)
		)`,
		`CREATE TABLE IF NOT EXISTS worker_checkpoint_states (
			worker_id TEXT PRIMARY KEY,
			last_checkpoint TEXT NOT NULL DEFAULT '',
			checkpoint_seq INTEGER NOT NULL DEFAULT 0,
			paused_at_checkpoint TEXT NOT NULL DEFAULT '',
			pause_requested INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL DEFAULT '',
			issue_number INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0,
			tokens_total INTEGER NOT NULL DEFAULT 0,
			trace_path TEXT DEFAULT '',
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS run_session_use (
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			used_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, session_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repo ON runs(repo, issue_number)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTransaction runs fn inside a single SQLite transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Lock
// contention surfaces as ErrLockTimeout.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapLockErr(err)
	}
	if err := fn(&Tx{queries{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapLockErr(err)
	}
	return nil
}

func mapLockErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %s", ErrLockTimeout, msg)
	}
	return err
}

// --- idempotency keys ---

// HasKey reports whether an idempotency key has been recorded.
func (c *queries) HasKey(ctx context.Context, key string) (bool, error) {
	var one int
	err := c.q.QueryRowContext(ctx, "SELECT 1 FROM idempotency_keys WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapLockErr(err)
	}
	return true, nil
}

// RecordKeyIfAbsent atomically inserts key if it does not exist. The returned
// bool is true when this call claimed the key.
func (c *queries) RecordKeyIfAbsent(ctx context.Context, key, scope, payload string) (bool, error) {
	res, err := c.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO idempotency_keys (key, scope, payload_json) VALUES (?, ?, ?)",
		key, scope, nullable(payload))
	if err != nil {
		return false, mapLockErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpsertKey records or replaces an idempotency key and its payload.
func (c *queries) UpsertKey(ctx context.Context, key, scope, payload string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, scope, payload_json) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET scope = excluded.scope, payload_json = excluded.payload_json`,
		key, scope, nullable(payload))
	return mapLockErr(err)
}

// GetPayload returns the payload recorded for key, or "" when the key is
// absent or has no payload.
func (c *queries) GetPayload(ctx context.Context, key string) (string, error) {
	var payload sql.NullString
	err := c.q.QueryRowContext(ctx, "SELECT payload_json FROM idempotency_keys WHERE key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapLockErr(err)
	}
	return payload.String, nil
}

// DeleteKey removes an idempotency key. Deleting an absent key is a no-op.
func (c *queries) DeleteKey(ctx context.Context, key string) error {
	_, err := c.q.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE key = ?", key)
	return mapLockErr(err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- sync cursors ---

// SyncCursor is the per-repo issue-mirror cursor.
type SyncCursor struct {
	Repo                   string
	LastSyncAt             string // RFC3339, "" when never synced
	BootstrapNextURL       string
	BootstrapHighWatermark string
}

// GetRepoIssueSyncCursor returns the cursor for repo; a zero cursor when the
// repo has never been polled.
func (c *queries) GetRepoIssueSyncCursor(ctx context.Context, repo string) (SyncCursor, error) {
	cur := SyncCursor{Repo: repo}
	var lastSyncAt sql.NullString
	err := c.q.QueryRowContext(ctx,
		"SELECT last_sync_at, bootstrap_next_url, bootstrap_high_watermark FROM repo_sync_cursors WHERE repo = ?",
		repo).Scan(&lastSyncAt, &cur.BootstrapNextURL, &cur.BootstrapHighWatermark)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return cur, mapLockErr(err)
	}
	cur.LastSyncAt = lastSyncAt.String
	return cur, nil
}

// RecordRepoIssueSync sets last_sync_at for repo.
func (c *queries) RecordRepoIssueSync(ctx context.Context, repo, lastSyncAt string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO repo_sync_cursors (repo, last_sync_at, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo) DO UPDATE SET last_sync_at = excluded.last_sync_at, updated_at = CURRENT_TIMESTAMP`,
		repo, lastSyncAt)
	return mapLockErr(err)
}

// RecordRepoIssueBootstrapCursor persists the bootstrap resume point.
func (c *queries) RecordRepoIssueBootstrapCursor(ctx context.Context, repo, nextURL, highWatermark string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO repo_sync_cursors (repo, bootstrap_next_url, bootstrap_high_watermark, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo) DO UPDATE SET
			bootstrap_next_url = excluded.bootstrap_next_url,
			bootstrap_high_watermark = excluded.bootstrap_high_watermark,
			updated_at = CURRENT_TIMESTAMP`,
		repo, nextURL, highWatermark)
	return mapLockErr(err)
}

// ClearRepoIssueBootstrapCursor erases the bootstrap resume point.
func (c *queries) ClearRepoIssueBootstrapCursor(ctx context.Context, repo string) error {
	_, err := c.q.ExecContext(ctx,
		"UPDATE repo_sync_cursors SET bootstrap_next_url = '', bootstrap_high_watermark = '', updated_at = CURRENT_TIMESTAMP WHERE repo = ?",
		repo)
	return mapLockErr(err)
}

// DoneCursor tracks the done-reconciler position per repo.
type DoneCursor struct {
	LastMergedAt string
	LastPRNumber int
}

// GetRepoDoneReconcileCursor returns the done cursor, with found=false when
// the repo has never been reconciled.
func (c *queries) GetRepoDoneReconcileCursor(ctx context.Context, repo string) (DoneCursor, bool, error) {
	var cur DoneCursor
	err := c.q.QueryRowContext(ctx,
		"SELECT last_merged_at, last_pr_number FROM repo_done_cursors WHERE repo = ?",
		repo).Scan(&cur.LastMergedAt, &cur.LastPRNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, false, nil
	}
	if err != nil {
		return cur, false, mapLockErr(err)
	}
	return cur, true, nil
}

// RecordRepoDoneReconcileCursor persists the done cursor.
func (c *queries) RecordRepoDoneReconcileCursor(ctx context.Context, repo string, cur DoneCursor) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO repo_done_cursors (repo, last_merged_at, last_pr_number, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo) DO UPDATE SET
			last_merged_at = excluded.last_merged_at,
			last_pr_number = excluded.last_pr_number,
			updated_at = CURRENT_TIMESTAMP`,
		repo, cur.LastMergedAt, cur.LastPRNumber)
	return mapLockErr(err)
}

// --- label scheme state ---

// SetRepoLabelSchemeError marks repo as using an unsupported legacy label
// scheme, disabling downstream reconcilers until cleared.
func (c *queries) SetRepoLabelSchemeError(ctx context.Context, repo, kind, detail string) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO repo_sync_cursors (repo, label_scheme_error, label_scheme_detail, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo) DO UPDATE SET
			label_scheme_error = excluded.label_scheme_error,
			label_scheme_detail = excluded.label_scheme_detail,
			updated_at = CURRENT_TIMESTAMP`,
		repo, kind, detail)
	return mapLockErr(err)
}

// GetRepoLabelSchemeError returns the scheme error kind, "" when none.
func (c *queries) GetRepoLabelSchemeError(ctx context.Context, repo string) (string, error) {
	var kind string
	err := c.q.QueryRowContext(ctx,
		"SELECT label_scheme_error FROM repo_sync_cursors WHERE repo = ?", repo).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapLockErr(err)
	}
	return kind, nil
}

// ClearRepoLabelSchemeError clears a previously detected scheme error.
func (c *queries) ClearRepoLabelSchemeError(ctx context.Context, repo string) error {
	_, err := c.q.ExecContext(ctx,
		"UPDATE repo_sync_cursors SET label_scheme_error = '', label_scheme_detail = '' WHERE repo = ?", repo)
	return mapLockErr(err)
}

// --- label write backoff ---

// LabelWriteState is the per-repo transient-failure backoff window.
type LabelWriteState struct {
	BlockedUntilMs      int64
	ConsecutiveFailures int
}

// GetRepoLabelWriteState returns the backoff window for repo.
func (c *queries) GetRepoLabelWriteState(ctx context.Context, repo string) (LabelWriteState, error) {
	var st LabelWriteState
	err := c.q.QueryRowContext(ctx,
		"SELECT blocked_until_ms, consecutive_failures FROM repo_label_write_state WHERE repo = ?",
		repo).Scan(&st.BlockedUntilMs, &st.ConsecutiveFailures)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, mapLockErr(err)
	}
	return st, nil
}

// SetRepoLabelWriteState persists the backoff window for repo.
func (c *queries) SetRepoLabelWriteState(ctx context.Context, repo string, st LabelWriteState) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO repo_label_write_state (repo, blocked_until_ms, consecutive_failures, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo) DO UPDATE SET
			blocked_until_ms = excluded.blocked_until_ms,
			consecutive_failures = excluded.consecutive_failures,
			updated_at = CURRENT_TIMESTAMP`,
		repo, st.BlockedUntilMs, st.ConsecutiveFailures)
	return mapLockErr(err)
}

// --- issue snapshots ---

// IssueSnapshot mirrors a GitHub issue's queue-relevant fields.
type IssueSnapshot struct {
	Repo            string
	Number          int
	Title           string
	State           string // OPEN or CLOSED
	Labels          []string
	GithubNodeID    string
	GithubUpdatedAt string
}

// RecordIssueSnapshot upserts the current mirror row for an issue.
func (c *queries) RecordIssueSnapshot(ctx context.Context, snap IssueSnapshot) error {
	labels, err := json.Marshal(snap.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO issue_snapshots (repo, number, title, state, labels_json, github_node_id, github_updated_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo, number) DO UPDATE SET
			title = excluded.title,
			state = excluded.state,
			labels_json = excluded.labels_json,
			github_node_id = excluded.github_node_id,
			github_updated_at = excluded.github_updated_at,
			updated_at = CURRENT_TIMESTAMP`,
		snap.Repo, snap.Number, snap.Title, snap.State, string(labels), snap.GithubNodeID, snap.GithubUpdatedAt)
	return mapLockErr(err)
}

// RecordIssueLabelsSnapshot appends a row to the labels history.
func (c *queries) RecordIssueLabelsSnapshot(ctx context.Context, repo string, number int, labels []string) error {
	raw, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	_, err = c.q.ExecContext(ctx,
		"INSERT INTO issue_labels_history (repo, number, labels_json) VALUES (?, ?, ?)",
		repo, number, string(raw))
	return mapLockErr(err)
}

// HasIssueSnapshot reports whether a mirror row exists for the issue.
func (c *queries) HasIssueSnapshot(ctx context.Context, repo string, number int) (bool, error) {
	var one int
	err := c.q.QueryRowContext(ctx,
		"SELECT 1 FROM issue_snapshots WHERE repo = ? AND number = ?", repo, number).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapLockErr(err)
	}
	return true, nil
}

// GetIssueLabels returns the mirrored label set for the issue.
func (c *queries) GetIssueLabels(ctx context.Context, repo string, number int) ([]string, error) {
	var raw string
	err := c.q.QueryRowContext(ctx,
		"SELECT labels_json FROM issue_snapshots WHERE repo = ? AND number = ?", repo, number).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapLockErr(err)
	}
	var labels []string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil, fmt.Errorf("failed to decode labels: %w", err)
	}
	return labels, nil
}

// GetIssueSnapshot returns the full mirror row, with found=false when absent.
func (c *queries) GetIssueSnapshot(ctx context.Context, repo string, number int) (IssueSnapshot, bool, error) {
	snap := IssueSnapshot{Repo: repo, Number: number}
	var raw string
	err := c.q.QueryRowContext(ctx, `
		SELECT title, state, labels_json, github_node_id, github_updated_at
		FROM issue_snapshots WHERE repo = ? AND number = ?`,
		repo, number).Scan(&snap.Title, &snap.State, &raw, &snap.GithubNodeID, &snap.GithubUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, mapLockErr(err)
	}
	if err := json.Unmarshal([]byte(raw), &snap.Labels); err != nil {
		return snap, false, fmt.Errorf("failed to decode labels: %w", err)
	}
	return snap, true, nil
}

// --- op-states ---

// TaskOpState ties an issue to a worker session and its heartbeat.
type TaskOpState struct {
	Repo         string
	IssueNumber  int
	TaskPath     string
	SessionID    string
	Status       string
	HeartbeatAt  string // RFC3339
	ReleasedAtMs int64  // 0 when not released
}

// UpsertTaskOpState records or replaces the op-state for an issue.
func (c *queries) UpsertTaskOpState(ctx context.Context, st TaskOpState) error {
	var released any
	if st.ReleasedAtMs > 0 {
		released = st.ReleasedAtMs
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO task_op_states (repo, issue_number, task_path, session_id, status, heartbeat_at, released_at_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo, issue_number) DO UPDATE SET
			task_path = excluded.task_path,
			session_id = excluded.session_id,
			status = excluded.status,
			heartbeat_at = excluded.heartbeat_at,
			released_at_ms = excluded.released_at_ms,
			updated_at = CURRENT_TIMESTAMP`,
		st.Repo, st.IssueNumber, st.TaskPath, st.SessionID, st.Status, st.HeartbeatAt, released)
	return mapLockErr(err)
}

// ListTaskOpStatesByRepo returns all op-states for repo.
func (c *queries) ListTaskOpStatesByRepo(ctx context.Context, repo string) ([]TaskOpState, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT repo, issue_number, task_path, session_id, status, heartbeat_at, released_at_ms
		FROM task_op_states WHERE repo = ? ORDER BY issue_number`, repo)
	if err != nil {
		return nil, mapLockErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskOpState
	for rows.Next() {
		var st TaskOpState
		var released sql.NullInt64
		if err := rows.Scan(&st.Repo, &st.IssueNumber, &st.TaskPath, &st.SessionID, &st.Status, &st.HeartbeatAt, &released); err != nil {
			return nil, err
		}
		st.ReleasedAtMs = released.Int64
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteTaskOpState removes the op-state for an issue.
func (c *queries) DeleteTaskOpState(ctx context.Context, repo string, issueNumber int) error {
	_, err := c.q.ExecContext(ctx,
		"DELETE FROM task_op_states WHERE repo = ? AND issue_number = ?", repo, issueNumber)
	return mapLockErr(err)
}

// ParseHeartbeat converts the stored heartbeat to a time; the zero time when
// unset or malformed.
func (st TaskOpState) ParseHeartbeat() time.Time {
	if st.HeartbeatAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, st.HeartbeatAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
