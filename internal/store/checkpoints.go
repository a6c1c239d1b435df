package store

import (
	"context"
	"database/sql"
	"errors"
)

// WorkerCheckpointState is the durable per-worker checkpoint machine state.
type WorkerCheckpointState struct {
	WorkerID           string
	LastCheckpoint     string
	CheckpointSeq      int64
	PausedAtCheckpoint string // "" when not paused
	PauseRequested     bool
}

// GetWorkerCheckpointState returns the persisted checkpoint state for a
// worker, with found=false when the worker has never checkpointed.
func (c *queries) GetWorkerCheckpointState(ctx context.Context, workerID string) (WorkerCheckpointState, bool, error) {
	st := WorkerCheckpointState{WorkerID: workerID}
	var paused int
	err := c.q.QueryRowContext(ctx, `
		SELECT last_checkpoint, checkpoint_seq, paused_at_checkpoint, pause_requested
		FROM worker_checkpoint_states WHERE worker_id = ?`,
		workerID).Scan(&st.LastCheckpoint, &st.CheckpointSeq, &st.PausedAtCheckpoint, &paused)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, mapLockErr(err)
	}
	st.PauseRequested = paused == 1
	return st, true, nil
}

// UpsertWorkerCheckpointState records or replaces a worker's checkpoint state.
func (c *queries) UpsertWorkerCheckpointState(ctx context.Context, st WorkerCheckpointState) error {
	paused := 0
	if st.PauseRequested {
		paused = 1
	}
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO worker_checkpoint_states (worker_id, last_checkpoint, checkpoint_seq, paused_at_checkpoint, pause_requested, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(worker_id) DO UPDATE SET
			last_checkpoint = excluded.last_checkpoint,
			checkpoint_seq = excluded.checkpoint_seq,
			paused_at_checkpoint = excluded.paused_at_checkpoint,
			pause_requested = excluded.pause_requested,
			updated_at = CURRENT_TIMESTAMP`,
		st.WorkerID, st.LastCheckpoint, st.CheckpointSeq, st.PausedAtCheckpoint, paused)
	return mapLockErr(err)
}
