package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Run records one worker run against an issue.
type Run struct {
	ID           string
	Repo         string
	IssueNumber  int
	Status       string // running, completed, failed, aborted
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	TracePath    string
	StartedAt    string
	CompletedAt  string
}

// CreateRun inserts a new running run and returns its generated id.
func (c *queries) CreateRun(ctx context.Context, repo string, issueNumber int) (string, error) {
	id := uuid.NewString()
	_, err := c.q.ExecContext(ctx,
		"INSERT INTO runs (id, repo, issue_number, status) VALUES (?, ?, ?, 'running')",
		id, repo, issueNumber)
	if err != nil {
		return "", mapLockErr(err)
	}
	return id, nil
}

// RecordRunTokenTotals overwrites the token counters for a run. Totals are
// cumulative per run, so callers pass the latest absolute values.
func (c *queries) RecordRunTokenTotals(ctx context.Context, runID string, input, output int64) error {
	_, err := c.q.ExecContext(ctx,
		"UPDATE runs SET tokens_input = ?, tokens_output = ?, tokens_total = ? WHERE id = ?",
		input, output, input+output, runID)
	return mapLockErr(err)
}

// RecordRunSessionUse links a worker session to a run. Repeated links are
// no-ops.
func (c *queries) RecordRunSessionUse(ctx context.Context, runID, sessionID string) error {
	_, err := c.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO run_session_use (run_id, session_id) VALUES (?, ?)",
		runID, sessionID)
	return mapLockErr(err)
}

// RecordRunTracePointer stores the path of the run's trace file.
func (c *queries) RecordRunTracePointer(ctx context.Context, runID, tracePath string) error {
	_, err := c.q.ExecContext(ctx,
		"UPDATE runs SET trace_path = ? WHERE id = ?", tracePath, runID)
	return mapLockErr(err)
}

// CompleteRun marks a run finished with the given terminal status.
func (c *queries) CompleteRun(ctx context.Context, runID, status string) error {
	res, err := c.q.ExecContext(ctx,
		"UPDATE runs SET status = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, runID)
	if err != nil {
		return mapLockErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun returns a run by id, with found=false when absent.
func (c *queries) GetRun(ctx context.Context, runID string) (Run, bool, error) {
	var r Run
	var trace, completed sql.NullString
	err := c.q.QueryRowContext(ctx, `
		SELECT id, repo, issue_number, status, tokens_input, tokens_output, tokens_total, trace_path, started_at, COALESCE(completed_at, '')
		FROM runs WHERE id = ?`, runID).Scan(
		&r.ID, &r.Repo, &r.IssueNumber, &r.Status,
		&r.TokensInput, &r.TokensOutput, &r.TokensTotal,
		&trace, &r.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, mapLockErr(err)
	}
	r.TracePath = trace.String
	r.CompletedAt = completed.String
	return r, true, nil
}

// ListRunSessions returns the session ids linked to a run.
func (c *queries) ListRunSessions(ctx context.Context, runID string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx,
		"SELECT session_id FROM run_session_use WHERE run_id = ? ORDER BY used_at, session_id", runID)
	if err != nil {
		return nil, mapLockErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRecentRuns returns up to limit runs for repo, newest first.
func (c *queries) ListRecentRuns(ctx context.Context, repo string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, repo, issue_number, status, tokens_input, tokens_output, tokens_total, trace_path, started_at, COALESCE(completed_at, '')
		FROM runs WHERE repo = ? ORDER BY started_at DESC, id LIMIT ?`, repo, limit)
	if err != nil {
		return nil, mapLockErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		var trace, completed sql.NullString
		if err := rows.Scan(&r.ID, &r.Repo, &r.IssueNumber, &r.Status,
			&r.TokensInput, &r.TokensOutput, &r.TokensTotal,
			&trace, &r.StartedAt, &completed); err != nil {
			return nil, err
		}
		r.TracePath = trace.String
		r.CompletedAt = completed.String
		out = append(out, r)
	}
	return out, rows.Err()
}
