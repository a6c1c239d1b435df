// Package daemon wires the orchestrator together: state store, event bus and
// persistence, GitHub client, label coordinator, writeback engine, per-repo
// issue mirrors and done reconcilers, and the control plane server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ralphd/ralphd/internal/bus"
	"github.com/ralphd/ralphd/internal/checkpoint"
	"github.com/ralphd/ralphd/internal/config"
	"github.com/ralphd/ralphd/internal/controlplane"
	"github.com/ralphd/ralphd/internal/events"
	gh "github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/labels"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/mirror"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/reconcile"
	"github.com/ralphd/ralphd/internal/store"
	"github.com/ralphd/ralphd/internal/writeback"
)

// Daemon is the assembled orchestrator process.
type Daemon struct {
	cfg         *config.Config
	bus         *bus.Bus
	persister   *bus.Persister
	store       *store.Store
	github      *gh.Client
	labels      *labels.Coordinator
	writeback   *writeback.Engine
	pollers     []*mirror.Poller
	reconcilers []*reconcile.Reconciler
	checkpoints *checkpoint.Runtime
	control     *controlplane.Server
	logger      *slog.Logger

	pauseMu      sync.Mutex
	paused       bool
	pauseCleared chan struct{}

	wg sync.WaitGroup
}

// New builds a daemon from cfg. Nothing is started until Run.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logging.WithComponent("daemon"),
	}

	st, err := store.Open(cfg.Store.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	d.store = st

	d.bus = bus.New(cfg.Bus.BufferSize)
	persister, err := bus.NewPersister(bus.PersisterConfig{
		Dir:           cfg.Persistence.Dir,
		RetentionDays: cfg.Persistence.RetentionDays,
		FlushTimeout:  cfg.Persistence.FlushTimeout(),
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create event persister: %w", err)
	}
	d.persister = persister
	d.persister.Attach(d.bus)

	d.github = gh.NewClient(cfg.GitHub.Token, gh.WithBus(d.bus))

	d.labels = labels.NewCoordinator(d.github, st,
		labels.WithCoalesceWindow(cfg.Labels.CoalesceWindow()),
		labels.WithEnsureLabels(d.ensureWorkflowLabels),
		labels.WithActiveOpStateProbe(d.hasActiveOpState),
	)

	homeDir, _ := os.UserHomeDir()
	d.writeback = writeback.NewEngine(d.github, st, d.labels,
		writeback.WithHomeDir(homeDir))

	var cpOpts []checkpoint.Option
	if cfg.Checkpoint != nil && cfg.Checkpoint.PauseAtCheckpoint != "" {
		cpOpts = append(cpOpts, checkpoint.WithPauseAtCheckpoint(events.Checkpoint(cfg.Checkpoint.PauseAtCheckpoint)))
	}
	d.checkpoints = checkpoint.New(checkpointPersister{st}, st, d.bus, cpOpts...)

	sem := mirror.NewSemaphore(cfg.Sync.MaxInFlight)
	for _, repo := range cfg.GitHub.Repos {
		d.pollers = append(d.pollers, mirror.NewPoller(repo, d.github, st, sem, mirror.Config{
			BaseInterval:     cfg.Sync.BaseInterval(),
			MaxPagesPerTick:  cfg.Sync.MaxPagesPerTick,
			MaxIssuesPerTick: cfg.Sync.MaxIssuesPerTick,
			AllOpen:          cfg.Sync.AllOpen,
		}))
		d.reconcilers = append(d.reconcilers, reconcile.New(repo, d.github, d.labels, st, reconcile.Config{
			MaxPrsPerRun: cfg.Reconciler.MaxPrsPerRun,
			BaseInterval: cfg.Reconciler.BaseInterval(),
		}))
	}

	d.control = controlplane.NewServer(*cfg.ControlPlane, d.bus, d.snapshot, d.commandHandlers(),
		controlplane.WithHomeDir(homeDir))

	return d, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = d.bus.Publish(events.New(events.TypeDaemonStarted, events.LevelInfo, map[string]any{
		"repos": d.cfg.GitHub.Repos,
	}))
	d.logger.Info("daemon started", slog.Int("repos", len(d.cfg.GitHub.Repos)))

	for _, p := range d.pollers {
		p := p
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			p.Run(ctx)
		}()
	}
	for _, r := range d.reconcilers {
		r := r
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			r.Run(ctx)
		}()
	}

	controlErr := make(chan error, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.control.Start(ctx); err != nil {
			controlErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-controlErr:
		d.logger.Error("control plane failed", slog.Any("error", runErr))
		cancel()
	}

	_ = d.bus.Publish(events.New(events.TypeDaemonStopped, events.LevelInfo, nil))
	d.persister.Flush()
	d.wg.Wait()
	d.labels.Close()
	d.persister.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("failed to close store", slog.Any("error", err))
	}
	d.logger.Info("daemon stopped")
	return runErr
}

// ensureWorkflowLabels creates the ralph workflow label set on a repo. The
// coordinator calls this once per repo when a write fails on a missing label.
func (d *Daemon) ensureWorkflowLabels(ctx context.Context, repo string) error {
	for _, name := range queue.WorkflowLabels {
		if err := d.github.CreateRepoLabel(ctx, repo, name, "ededed", "Managed by ralphd"); err != nil {
			return err
		}
	}
	return nil
}

// hasActiveOpState reports whether an unreleased worker currently holds the
// issue. Used by the coordinator's single-status heal.
func (d *Daemon) hasActiveOpState(ctx context.Context, repo string, number int) bool {
	states, err := d.store.ListTaskOpStatesByRepo(ctx, repo)
	if err != nil {
		return false
	}
	for _, st := range states {
		if st.IssueNumber == number && st.ReleasedAtMs == 0 {
			return true
		}
	}
	return false
}

// snapshot assembles the control plane state view: per-repo cursors, label
// write health, and derived task views for every active op state.
func (d *Daemon) snapshot(ctx context.Context) (any, error) {
	repos := make(map[string]any, len(d.cfg.GitHub.Repos))
	now := time.Now().UTC().Format(time.RFC3339)

	for _, repo := range d.cfg.GitHub.Repos {
		entry := map[string]any{}

		if cur, err := d.store.GetRepoIssueSyncCursor(ctx, repo); err == nil {
			entry["lastSyncAt"] = cur.LastSyncAt
			entry["bootstrapping"] = cur.LastSyncAt == ""
		}
		if kind, err := d.store.GetRepoLabelSchemeError(ctx, repo); err == nil && kind != "" {
			entry["labelSchemeError"] = kind
		}
		if lw, err := d.store.GetRepoLabelWriteState(ctx, repo); err == nil && lw.BlockedUntilMs > 0 {
			entry["labelWriteBlockedUntilMs"] = lw.BlockedUntilMs
		}

		var tasks []queue.TaskView
		states, err := d.store.ListTaskOpStatesByRepo(ctx, repo)
		if err == nil {
			for _, st := range states {
				snap, ok, err := d.store.GetIssueSnapshot(ctx, repo, st.IssueNumber)
				if err != nil || !ok {
					continue
				}
				heartbeat, _ := time.Parse(time.RFC3339, st.HeartbeatAt)
				op := &queue.OpState{
					SessionID:   st.SessionID,
					Status:      st.Status,
					HeartbeatAt: heartbeat,
					Released:    st.ReleasedAtMs != 0,
				}
				tasks = append(tasks, queue.DeriveTaskView(queue.Issue{
					Repo:   snap.Repo,
					Number: snap.Number,
					Title:  snap.Title,
					Open:   snap.State == "OPEN",
					Labels: snap.Labels,
				}, op))
			}
		}
		entry["tasks"] = tasks
		repos[repo] = entry
	}

	return map[string]any{
		"paused":      d.Paused(),
		"repos":       repos,
		"subscribers": d.bus.SubscriberCount(),
		"ts":          now,
	}, nil
}

// commandHandlers maps control plane commands onto the queue and coordinator.
func (d *Daemon) commandHandlers() controlplane.Handlers {
	return controlplane.Handlers{
		Pause: func(ctx context.Context) error {
			if d.requestPause() {
				return d.bus.Publish(events.New(events.TypeWorkerPauseRequested, events.LevelInfo, nil))
			}
			return nil
		},
		Resume: func(ctx context.Context) error {
			if d.clearPause() {
				return d.bus.Publish(events.New(events.TypeWorkerPauseCleared, events.LevelInfo, nil))
			}
			return nil
		},
		EnqueueMessage: func(ctx context.Context, cmd controlplane.MessageCommand) error {
			e := events.New(events.TypeMessageQueued, events.LevelInfo, map[string]any{
				"text": cmd.Text,
			})
			e.SessionID = cmd.SessionID
			return d.bus.Publish(e)
		},
		SetIssuePriority: func(ctx context.Context, cmd controlplane.IssueCommand) error {
			if !validPriority(cmd.Priority) {
				return controlplane.Errorf(http.StatusBadRequest, "bad_request",
					"unknown priority %q", cmd.Priority)
			}
			_, err := d.labels.Execute(ctx, labels.Request{
				Repo:          cmd.Repo,
				IssueNumber:   cmd.Number,
				Ops:           []queue.Op{queue.Add(cmd.Priority)},
				WriteClass:    labels.WriteClassImmediate,
				AllowNonRalph: true,
			})
			return commandError(err)
		},
		IssueCmd: func(ctx context.Context, cmd controlplane.IssueCommand) error {
			_, err := d.labels.Execute(ctx, labels.Request{
				Repo:        cmd.Repo,
				IssueNumber: cmd.Number,
				Ops:         []queue.Op{queue.Add(queue.CmdPrefix + cmd.Cmd)},
				WriteClass:  labels.WriteClassImmediate,
			})
			return commandError(err)
		},
		SetTaskStatus: func(ctx context.Context, cmd controlplane.TaskCommand) error {
			repo, number, err := parseTaskID(cmd.TaskID)
			if err != nil {
				return controlplane.Errorf(http.StatusNotFound, "not_found", "unknown task %q", cmd.TaskID)
			}
			if !validTaskStatus(cmd.Status) {
				return controlplane.Errorf(http.StatusBadRequest, "bad_request",
					"unknown status %q", cmd.Status)
			}
			current, err := d.store.GetIssueLabels(ctx, repo, number)
			if err != nil {
				return commandError(err)
			}
			delta := queue.StatusToLabelDelta(queue.Status(cmd.Status), current)
			var ops []queue.Op
			for _, l := range delta.Add {
				ops = append(ops, queue.Add(l))
			}
			for _, l := range delta.Remove {
				ops = append(ops, queue.Remove(l))
			}
			if len(ops) == 0 {
				return nil
			}
			_, err = d.labels.Execute(ctx, labels.Request{
				Repo:        repo,
				IssueNumber: number,
				Ops:         ops,
				WriteClass:  labels.WriteClassImmediate,
			})
			return commandError(err)
		},
		SetTaskPriority: func(ctx context.Context, cmd controlplane.TaskCommand) error {
			repo, number, err := parseTaskID(cmd.TaskID)
			if err != nil {
				return controlplane.Errorf(http.StatusNotFound, "not_found", "unknown task %q", cmd.TaskID)
			}
			if !validPriority(cmd.Priority) {
				return controlplane.Errorf(http.StatusBadRequest, "bad_request",
					"unknown priority %q", cmd.Priority)
			}
			_, err = d.labels.Execute(ctx, labels.Request{
				Repo:          repo,
				IssueNumber:   number,
				Ops:           []queue.Op{queue.Add(cmd.Priority)},
				WriteClass:    labels.WriteClassImmediate,
				AllowNonRalph: true,
			})
			return commandError(err)
		},
	}
}

// parseTaskID splits an "owner/name#number" task identifier.
func parseTaskID(taskID string) (repo string, number int, err error) {
	repo, num, ok := strings.Cut(taskID, "#")
	if !ok || strings.Count(repo, "/") != 1 {
		return "", 0, fmt.Errorf("malformed task id %q", taskID)
	}
	number, err = strconv.Atoi(num)
	if err != nil || number <= 0 {
		return "", 0, fmt.Errorf("malformed task id %q", taskID)
	}
	return repo, number, nil
}

// validTaskStatus reports whether s is a status an operator can set through
// labels. Derived-only statuses (paused, throttled, starting) are not.
func validTaskStatus(s string) bool {
	switch queue.Status(s) {
	case queue.StatusQueued, queue.StatusInProgress, queue.StatusBlocked,
		queue.StatusEscalated, queue.StatusDone:
		return true
	}
	return false
}

// validPriority reports whether p is one of the recognized priority labels.
func validPriority(p string) bool {
	switch queue.Priority(p) {
	case queue.PriorityP0, queue.PriorityP1, queue.PriorityP2, queue.PriorityP3, queue.PriorityP4:
		return true
	}
	return false
}

// commandError maps coordinator failures onto typed control plane errors.
func commandError(err error) error {
	if err == nil {
		return nil
	}
	switch labels.KindOf(err) {
	case labels.FailurePolicy:
		return controlplane.Errorf(http.StatusBadRequest, "bad_request", "%v", err)
	case labels.FailureAuth:
		return controlplane.Errorf(http.StatusBadGateway, "upstream_auth", "%v", err)
	case labels.FailureTransient:
		return controlplane.Errorf(http.StatusServiceUnavailable, "upstream_unavailable", "%v", err)
	default:
		return err
	}
}

// checkpointPersister adapts the state store to the checkpoint runtime.
type checkpointPersister struct {
	store *store.Store
}

func (p checkpointPersister) SaveCheckpointState(ctx context.Context, workerID string, st checkpoint.State) error {
	return p.store.UpsertWorkerCheckpointState(ctx, store.WorkerCheckpointState{
		WorkerID:           workerID,
		LastCheckpoint:     string(st.LastCheckpoint),
		CheckpointSeq:      st.Seq,
		PausedAtCheckpoint: string(st.PausedAt),
		PauseRequested:     st.PauseRequested,
	})
}

// requestPause marks the daemon paused. Returns false when already paused.
func (d *Daemon) requestPause() bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	if d.paused {
		return false
	}
	d.paused = true
	d.pauseCleared = make(chan struct{})
	return true
}

// clearPause lifts the pause and releases every parked worker. Returns false
// when not paused.
func (d *Daemon) clearPause() bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	if !d.paused {
		return false
	}
	d.paused = false
	close(d.pauseCleared)
	d.pauseCleared = nil
	return true
}

// Paused reports whether the operator paused scheduling.
func (d *Daemon) Paused() bool {
	d.pauseMu.Lock()
	defer d.pauseMu.Unlock()
	return d.paused
}

// PauseProbe returns the probe worker runtimes hand to the checkpoint runtime
// so checkpoints honor operator pauses.
func (d *Daemon) PauseProbe() checkpoint.PauseProbe {
	return checkpoint.PauseProbe{
		IsPauseRequested: d.Paused,
		WaitUntilCleared: func(ctx context.Context) error {
			for {
				d.pauseMu.Lock()
				if !d.paused {
					d.pauseMu.Unlock()
					return nil
				}
				cleared := d.pauseCleared
				d.pauseMu.Unlock()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-cleared:
				}
			}
		},
	}
}

// Checkpoints exposes the checkpoint runtime for worker runtimes embedding
// the daemon.
func (d *Daemon) Checkpoints() *checkpoint.Runtime { return d.checkpoints }

// RestoreWorker seeds the checkpoint runtime from the persisted state, if
// any. Called by worker runtimes when a session resumes after a restart.
func (d *Daemon) RestoreWorker(ctx context.Context, workerID string) error {
	st, found, err := d.store.GetWorkerCheckpointState(ctx, workerID)
	if err != nil || !found {
		return err
	}
	d.checkpoints.Restore(workerID, checkpoint.State{
		LastCheckpoint: events.Checkpoint(st.LastCheckpoint),
		Seq:            st.CheckpointSeq,
		PausedAt:       events.Checkpoint(st.PausedAtCheckpoint),
		PauseRequested: st.PauseRequested,
	})
	return nil
}

// Writeback exposes the writeback engine for worker runtimes embedding the
// daemon.
func (d *Daemon) Writeback() *writeback.Engine { return d.writeback }
