// Package checkpoint drives the per-worker checkpoint state machine: ordered,
// idempotent emission of checkpoint and pause events, with a wait effect that
// parks the worker while an operator pause is in force.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ralphd/ralphd/internal/bus"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/logging"
)

// State is the per-worker machine state. PausedAt non-empty implies
// PauseRequested.
type State struct {
	LastCheckpoint events.Checkpoint
	Seq            int64
	PausedAt       events.Checkpoint // "" when not paused
	PauseRequested bool
}

// Persister stores checkpoint states durably.
type Persister interface {
	SaveCheckpointState(ctx context.Context, workerID string, st State) error
}

// Keys provides the record-if-absent idempotency primitive so event emission
// is safely re-entrant after a crash between persist and publish.
type Keys interface {
	RecordKeyIfAbsent(ctx context.Context, key, scope, payload string) (bool, error)
}

// PauseProbe is how the runtime observes and honors operator pauses.
type PauseProbe struct {
	// IsPauseRequested reports whether an operator pause is in force.
	IsPauseRequested func() bool
	// WaitUntilCleared blocks until the pause is lifted or ctx is done.
	WaitUntilCleared func(ctx context.Context) error
}

// Runtime is the checkpoint state machine for all workers of one daemon.
type Runtime struct {
	persist Persister
	keys    Keys
	bus     *bus.Bus
	logger  *slog.Logger

	// pauseAt, when set, restricts waiting to this one checkpoint; other
	// checkpoints record pause intent without parking the worker.
	pauseAt events.Checkpoint

	mu     sync.Mutex
	states map[string]State
}

// Option adjusts runtime construction.
type Option func(*Runtime)

// WithPauseAtCheckpoint makes the runtime wait only at cp; pause intent at
// other checkpoints is recorded but does not park the worker.
func WithPauseAtCheckpoint(cp events.Checkpoint) Option {
	return func(r *Runtime) { r.pauseAt = cp }
}

// New creates a runtime persisting through p, de-duplicating emits through k,
// and publishing to b.
func New(p Persister, k Keys, b *bus.Bus, opts ...Option) *Runtime {
	r := &Runtime{
		persist: p,
		keys:    k,
		bus:     b,
		logger:  logging.WithComponent("checkpoint"),
		states:  make(map[string]State),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Restore seeds a worker's in-memory state from a persisted record. Called on
// daemon startup before any checkpoint arrives.
func (r *Runtime) Restore(workerID string, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[workerID] = st
}

// StateOf returns the current in-memory state for a worker.
func (r *Runtime) StateOf(workerID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[workerID]
}

// Result reports what ApplyCheckpointReached did, for callers and tests.
type Result struct {
	Advanced bool
	Waited   bool
	Emitted  []events.Type
}

// ApplyCheckpointReached processes one checkpoint-reached callback from a
// worker. For a full pause cycle from an idle state the observable event
// order is exactly: checkpoint.reached, pause.requested, pause.reached,
// (wait), pause.cleared.
func (r *Runtime) ApplyCheckpointReached(ctx context.Context, workerID string, cp events.Checkpoint, probe PauseProbe) (Result, error) {
	if !events.KnownCheckpoint(cp) {
		return Result{}, fmt.Errorf("unrecognized checkpoint %q", cp)
	}

	pauseRequested := probe.IsPauseRequested != nil && probe.IsPauseRequested()

	r.mu.Lock()
	st := r.states[workerID]

	// Re-delivery of the checkpoint we are already paused at: just park
	// again. No seq advance, nothing new emitted.
	if pauseRequested && st.PausedAt == cp && st.PausedAt != "" {
		r.mu.Unlock()
		if err := r.waitCleared(ctx, probe); err != nil {
			return Result{Waited: true}, err
		}
		return Result{Waited: true}, r.ClearPause(ctx, workerID)
	}

	// Pause-at-specific-checkpoint: record intent at other checkpoints but
	// do not park and do not mutate the pause flag.
	holdHere := r.pauseAt == "" || r.pauseAt == cp

	next := State{
		LastCheckpoint: cp,
		Seq:            st.Seq + 1,
		PauseRequested: st.PauseRequested,
	}
	if holdHere {
		next.PauseRequested = pauseRequested
		if pauseRequested {
			next.PausedAt = cp
		}
	}
	enteringPause := pauseRequested && holdHere && !st.PauseRequested
	r.states[workerID] = next
	r.mu.Unlock()

	if err := r.persist.SaveCheckpointState(ctx, workerID, next); err != nil {
		return Result{}, fmt.Errorf("failed to persist checkpoint state: %w", err)
	}

	res := Result{Advanced: true}
	emit := func(typ events.Type, data map[string]any) error {
		emitted, err := r.emitOnce(ctx, typ, workerID, cp, next.Seq, data)
		if err != nil {
			return err
		}
		if emitted {
			res.Emitted = append(res.Emitted, typ)
		}
		return nil
	}

	if err := emit(events.TypeWorkerCheckpointReached, map[string]any{"checkpoint": string(cp)}); err != nil {
		return res, err
	}
	if enteringPause {
		if err := emit(events.TypeWorkerPauseRequested, nil); err != nil {
			return res, err
		}
	} else if pauseRequested && !holdHere {
		// Intent only: the operator asked to pause at a different checkpoint.
		if err := emit(events.TypeWorkerPauseRequested, nil); err != nil {
			return res, err
		}
	}
	if pauseRequested && holdHere {
		if err := emit(events.TypeWorkerPauseReached, map[string]any{"checkpoint": string(cp)}); err != nil {
			return res, err
		}
		res.Waited = true
		if err := r.waitCleared(ctx, probe); err != nil {
			return res, err
		}
		if err := r.ClearPause(ctx, workerID); err != nil {
			return res, err
		}
		res.Emitted = append(res.Emitted, events.TypeWorkerPauseCleared)
	}
	return res, nil
}

func (r *Runtime) waitCleared(ctx context.Context, probe PauseProbe) error {
	if probe.WaitUntilCleared == nil {
		return nil
	}
	return probe.WaitUntilCleared(ctx)
}

// ClearPause lifts a pause: persists the un-paused state and emits
// worker.pause.cleared. A worker that was not paused is a no-op.
func (r *Runtime) ClearPause(ctx context.Context, workerID string) error {
	r.mu.Lock()
	st := r.states[workerID]
	if st.PausedAt == "" {
		r.mu.Unlock()
		return nil
	}
	pausedAt := st.PausedAt
	next := st
	next.PausedAt = ""
	next.PauseRequested = false
	r.states[workerID] = next
	r.mu.Unlock()

	if err := r.persist.SaveCheckpointState(ctx, workerID, next); err != nil {
		return fmt.Errorf("failed to persist pause clear: %w", err)
	}
	_, err := r.emitOnce(ctx, events.TypeWorkerPauseCleared, workerID, pausedAt, next.Seq, nil)
	return err
}

// emitOnce publishes typ exactly once per (worker, checkpoint, seq) using the
// idempotency key store. Returns whether this call published.
func (r *Runtime) emitOnce(ctx context.Context, typ events.Type, workerID string, cp events.Checkpoint, seq int64, data map[string]any) (bool, error) {
	key := fmt.Sprintf("%s:%s:%s:%d", typ, workerID, cp, seq)
	claimed, err := r.keys.RecordKeyIfAbsent(ctx, key, "checkpoint", "")
	if err != nil {
		return false, fmt.Errorf("failed to claim emit key: %w", err)
	}
	if !claimed {
		r.logger.Debug("suppressing duplicate emit", slog.String("key", key))
		return false, nil
	}
	e := events.New(typ, events.LevelInfo, data)
	e.WorkerID = workerID
	if err := r.bus.Publish(e); err != nil {
		return false, fmt.Errorf("failed to publish %s: %w", typ, err)
	}
	return true, nil
}
