// Package reconcile closes the loop between merged pull requests and the
// issue queue: when a PR merged into the default branch closes a ralph-managed
// issue, the issue is moved to the done status label. The cursor only advances
// past PRs whose label writes succeeded, so a failed write is retried on the
// next tick.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	gh "github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/labels"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/store"
)

const (
	// DefaultMaxPrsPerRun bounds how many merged PRs one tick processes.
	DefaultMaxPrsPerRun = 20
	// DefaultBaseInterval is the tick cadence when PRs are landing.
	DefaultBaseInterval = 5 * time.Minute
	// defaultBranchTTL caches the repo's default branch lookup.
	defaultBranchTTL = 10 * time.Minute
)

// labelDefs are the workflow label definitions ensured on each repo.
var labelDefs = map[string]struct{ color, description string }{
	queue.LabelQueued:     {"0e8a16", "Queued for an autonomous worker"},
	queue.LabelInProgress: {"fbca04", "An autonomous worker is on it"},
	queue.LabelBlocked:    {"d93f0b", "Blocked on a dependency"},
	queue.LabelEscalated:  {"b60205", "Escalated to a human"},
	queue.LabelDone:       {"5319e7", "Merged and verified"},
}

// GitHub is the slice of the client the reconciler needs.
type GitHub interface {
	SearchMergedPRs(ctx context.Context, repo, base, since string) ([]gh.MergedPR, error)
	GetRepoDefaultBranch(ctx context.Context, repo string) (string, error)
	CreateRepoLabel(ctx context.Context, repo, name, color, description string) error
}

// LabelWriter applies label deltas through the coordinator.
type LabelWriter interface {
	Execute(ctx context.Context, req labels.Request) (labels.Result, error)
}

// Config tunes one reconciler.
type Config struct {
	MaxPrsPerRun int
	BaseInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPrsPerRun <= 0 {
		c.MaxPrsPerRun = DefaultMaxPrsPerRun
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
}

// TickStatus classifies one tick's outcome.
type TickStatus string

const (
	TickOK          TickStatus = "ok"
	TickSkipped     TickStatus = "skipped"
	TickInitialized TickStatus = "initialized"
	TickAborted     TickStatus = "aborted"
	TickError       TickStatus = "error"
)

// TickResult summarizes one reconcile tick.
type TickResult struct {
	Status TickStatus
	// Processed counts PRs whose closing issues were fully relabeled.
	Processed int
	// Relabeled counts issues moved to done.
	Relabeled  int
	SkipReason string
}

// Reconciler drives the done reconciliation for one repo.
type Reconciler struct {
	repo   string
	github GitHub
	writer LabelWriter
	store  *store.Store
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time
	rng    *rand.Rand

	mu            sync.Mutex
	labelsEnsured bool
	branch        string
	branchExpires time.Time
}

// Option adjusts reconciler construction.
type Option func(*Reconciler)

// WithClock replaces the time source. Used by tests.
func WithClock(fn func() time.Time) Option {
	return func(r *Reconciler) { r.clock = fn }
}

// New creates a reconciler for repo.
func New(repo string, client GitHub, writer LabelWriter, st *store.Store, cfg Config, opts ...Option) *Reconciler {
	cfg.applyDefaults()
	r := &Reconciler{
		repo:   repo,
		github: client,
		writer: writer,
		store:  st,
		cfg:    cfg,
		logger: logging.WithComponent("reconcile").With(slog.String("repo", repo)),
		clock:  time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tick performs one reconcile pass. The cursor advances only past PRs whose
// closing issues were all relabeled, so failures are retried next tick.
func (r *Reconciler) Tick(ctx context.Context) (TickResult, error) {
	if ctx.Err() != nil {
		return TickResult{Status: TickAborted}, nil
	}

	kind, err := r.store.GetRepoLabelSchemeError(ctx, r.repo)
	if err != nil {
		return TickResult{Status: TickError}, err
	}
	if kind != "" {
		return TickResult{Status: TickSkipped, SkipReason: kind}, nil
	}

	if err := r.ensureLabels(ctx); err != nil {
		return TickResult{Status: TickError}, fmt.Errorf("failed to ensure workflow labels: %w", err)
	}

	cursor, ok, err := r.store.GetRepoDoneReconcileCursor(ctx, r.repo)
	if err != nil {
		return TickResult{Status: TickError}, err
	}
	if !ok {
		// First run: start from now so historical merges are not replayed.
		cursor = store.DoneCursor{LastMergedAt: r.clock().UTC().Format(time.RFC3339)}
		if err := r.store.RecordRepoDoneReconcileCursor(ctx, r.repo, cursor); err != nil {
			return TickResult{Status: TickError}, err
		}
		return TickResult{Status: TickInitialized}, nil
	}

	branch, err := r.defaultBranch(ctx)
	if err != nil {
		if gh.IsStatus(err, http.StatusNotFound) {
			return TickResult{Status: TickSkipped, SkipReason: "repo not found"}, nil
		}
		return TickResult{Status: TickError}, err
	}

	prs, err := r.github.SearchMergedPRs(ctx, r.repo, branch, cursor.LastMergedAt)
	if err != nil {
		return TickResult{Status: TickError}, fmt.Errorf("merged-PR search failed: %w", err)
	}
	sort.Slice(prs, func(i, j int) bool {
		if prs[i].MergedAt != prs[j].MergedAt {
			return prs[i].MergedAt < prs[j].MergedAt
		}
		return prs[i].Number < prs[j].Number
	})

	res := TickResult{Status: TickOK}
	for _, pr := range prs {
		if res.Processed >= r.cfg.MaxPrsPerRun {
			break
		}
		if !afterCursor(pr, cursor) {
			continue
		}
		if ctx.Err() != nil {
			res.Status = TickAborted
			return res, nil
		}

		relabeled, err := r.processPR(ctx, pr)
		res.Relabeled += relabeled
		if err != nil {
			// Leave the cursor at the last fully processed PR so this one
			// is retried.
			res.Status = TickError
			return res, fmt.Errorf("failed to reconcile PR #%d: %w", pr.Number, err)
		}

		cursor = store.DoneCursor{LastMergedAt: pr.MergedAt, LastPRNumber: pr.Number}
		if err := r.store.RecordRepoDoneReconcileCursor(ctx, r.repo, cursor); err != nil {
			res.Status = TickError
			return res, err
		}
		res.Processed++
	}
	return res, nil
}

func afterCursor(pr gh.MergedPR, cur store.DoneCursor) bool {
	if pr.MergedAt != cur.LastMergedAt {
		return pr.MergedAt > cur.LastMergedAt
	}
	return pr.Number > cur.LastPRNumber
}

// processPR relabels every open, ralph-managed closing issue in this repo.
func (r *Reconciler) processPR(ctx context.Context, pr gh.MergedPR) (int, error) {
	relabeled := 0
	for _, issue := range pr.ClosingIssues {
		if issue.Repo != r.repo || issue.State != "OPEN" {
			continue
		}
		managed := false
		for _, l := range issue.Labels {
			if queue.IsRalphLabel(l) {
				managed = true
				break
			}
		}
		if !managed {
			continue
		}

		ops := []queue.Op{queue.Add(queue.LabelDone)}
		for _, l := range queue.TransitionStatusLabels {
			ops = append(ops, queue.Remove(l))
		}
		if _, err := r.writer.Execute(ctx, labels.Request{
			Repo:        r.repo,
			IssueNumber: issue.Number,
			Ops:         ops,
			WriteClass:  labels.WriteClassImmediate,
		}); err != nil {
			return relabeled, fmt.Errorf("issue #%d: %w", issue.Number, err)
		}
		r.logger.Info("issue closed by merged PR",
			slog.Int("issue", issue.Number), slog.Int("pr", pr.Number))
		relabeled++
	}
	return relabeled, nil
}

// ensureLabels creates the workflow label definitions once per process. A
// failure leaves the flag unset so the next tick retries.
func (r *Reconciler) ensureLabels(ctx context.Context) error {
	r.mu.Lock()
	done := r.labelsEnsured
	r.mu.Unlock()
	if done {
		return nil
	}
	for _, name := range queue.WorkflowLabels {
		def := labelDefs[name]
		if err := r.github.CreateRepoLabel(ctx, r.repo, name, def.color, def.description); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.labelsEnsured = true
	r.mu.Unlock()
	return nil
}

// defaultBranch resolves and caches the repo's default branch.
func (r *Reconciler) defaultBranch(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.branch != "" && r.clock().Before(r.branchExpires) {
		b := r.branch
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	branch, err := r.github.GetRepoDefaultBranch(ctx, r.repo)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.branch = branch
	r.branchExpires = r.clock().Add(defaultBranchTTL)
	r.mu.Unlock()
	return branch, nil
}

// Run ticks the reconciler until ctx is cancelled, with the same adaptive
// jittered schedule the issue mirror uses.
func (r *Reconciler) Run(ctx context.Context) {
	delay := r.cfg.BaseInterval
	for {
		res, err := r.Tick(ctx)
		switch {
		case res.Status == TickAborted:
			return
		case err != nil:
			r.logger.Warn("reconcile tick failed", slog.Any("error", err))
			if delay = delay * 2; delay > 10*r.cfg.BaseInterval {
				delay = 10 * r.cfg.BaseInterval
			}
		case res.Processed > 0:
			delay = r.cfg.BaseInterval
		default:
			if delay = delay * 3 / 2; delay > 10*r.cfg.BaseInterval {
				delay = 10 * r.cfg.BaseInterval
			}
		}

		jittered := delay + time.Duration((r.rng.Float64()*2-1)*float64(delay)*0.2)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
	}
}
