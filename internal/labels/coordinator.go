package labels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/store"
)

const (
	// DefaultCoalesceWindow is how long best-effort ops for one issue wait to
	// merge before a single flush.
	DefaultCoalesceWindow = 500 * time.Millisecond

	// Per-issue cooldown after a transient failure on a best-effort write.
	issueCooldownBase = 30 * time.Second
	issueCooldownMax  = 5 * time.Minute

	// Repo-level backoff window after transient failures.
	repoBackoffBase = 30 * time.Second
	repoBackoffMax  = 30 * time.Minute
)

var missingLabelRe = regexp.MustCompile(`(?i)label.*does not exist`)

// Request is one batch of label ops for a single issue.
type Request struct {
	Repo        string
	IssueNumber int
	Ops         []queue.Op
	// WriteClass defaults to immediate. Best-effort requests coalesce unless
	// they carry a ralph:cmd:* label.
	WriteClass WriteClass
	// CoalesceWindow overrides the coordinator default for this request.
	CoalesceWindow time.Duration
	// AllowNonRalph disables the ralph-prefix policy gate.
	AllowNonRalph bool
}

// Result reports what a successful Execute did.
type Result struct {
	// Applied is the trimmed op list actually sent to GitHub.
	Applied []queue.Op
	// Coalesced is set when the request was merged into a shared flush.
	Coalesced bool
	// Healed is set when the single-status invariant heal ran and changed
	// labels.
	Healed bool
}

// Coordinator serializes and applies label ops. One per daemon.
type Coordinator struct {
	github  GitHub
	backoff BackoffStore
	logger  *slog.Logger

	// ensureLabels, when set, is invoked once to create missing workflow
	// labels before a single replay of a failed write.
	ensureLabels func(ctx context.Context, repo string) error
	// activeOpState, when set, informs the heal's status inference.
	activeOpState func(ctx context.Context, repo string, number int) bool

	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	tails     map[string]chan struct{}  // per-issue lock chain
	pending   map[string]*pendingFlush  // per-issue coalescing entries
	cooldowns map[string]issueCooldown  // per-issue best-effort cooldown
	closed    bool
}

type issueCooldown struct {
	until    time.Time
	failures int
}

type pendingFlush struct {
	actions map[string]string // label -> add|remove; add wins on conflict
	timer   *time.Timer
	done    chan struct{}
	res     Result
	err     error
}

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithEnsureLabels installs the one-shot missing-label recovery hook.
func WithEnsureLabels(fn func(ctx context.Context, repo string) error) Option {
	return func(c *Coordinator) { c.ensureLabels = fn }
}

// WithActiveOpStateProbe informs the invariant heal whether an issue has an
// active worker lease.
func WithActiveOpStateProbe(fn func(ctx context.Context, repo string, number int) bool) Option {
	return func(c *Coordinator) { c.activeOpState = fn }
}

// WithCoalesceWindow overrides the default best-effort window.
func WithCoalesceWindow(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithClock injects a clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator writing through gh and persisting
// backoff state in backoff.
func NewCoordinator(gh GitHub, backoff BackoffStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		github:    gh,
		backoff:   backoff,
		logger:    logging.WithComponent("labels"),
		window:    DefaultCoalesceWindow,
		now:       time.Now,
		tails:     make(map[string]chan struct{}),
		pending:   make(map[string]*pendingFlush),
		cooldowns: make(map[string]issueCooldown),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func issueKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

// Execute runs one batch of label ops through the full pipeline: policy
// check, per-issue serialization, optional coalescing, repo backoff, apply
// with rollback, and the single-status heal. For a given issue all mutations
// are totally ordered.
func (c *Coordinator) Execute(ctx context.Context, req Request) (Result, error) {
	if len(req.Ops) == 0 {
		return Result{}, nil
	}
	if !req.AllowNonRalph {
		for _, op := range req.Ops {
			if !queue.IsRalphLabel(op.Label) {
				return Result{}, failf(FailurePolicy, "refusing to mutate non-ralph label %q", op.Label)
			}
		}
	}

	if req.WriteClass == WriteClassBestEffort && !hasCmdOp(req.Ops) {
		return c.coalesce(ctx, req)
	}

	unlock := c.lockIssue(ctx, issueKey(req.Repo, req.IssueNumber))
	defer unlock()
	return c.applyLocked(ctx, req.Repo, req.IssueNumber, req.Ops)
}

func hasCmdOp(ops []queue.Op) bool {
	for _, op := range ops {
		if queue.IsCmdLabel(op.Label) {
			return true
		}
	}
	return false
}

// lockIssue appends this caller to the issue's serialization chain and blocks
// until every earlier caller released.
func (c *Coordinator) lockIssue(ctx context.Context, key string) func() {
	c.mu.Lock()
	prev := c.tails[key]
	ch := make(chan struct{})
	c.tails[key] = ch
	c.mu.Unlock()

	if prev != nil {
		<-prev
	}
	return func() {
		close(ch)
		c.mu.Lock()
		if c.tails[key] == ch {
			delete(c.tails, key)
		}
		c.mu.Unlock()
	}
}

// --- coalescing ---

func (c *Coordinator) coalesce(ctx context.Context, req Request) (Result, error) {
	key := issueKey(req.Repo, req.IssueNumber)
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, failf(FailureTransient, "coordinator closed")
	}
	if cd, ok := c.cooldowns[key]; ok && now.Before(cd.until) {
		c.mu.Unlock()
		return Result{}, failf(FailureTransient, "issue %s cooling down until %s", key, cd.until.Format(time.RFC3339))
	}

	entry := c.pending[key]
	if entry == nil {
		entry = &pendingFlush{
			actions: make(map[string]string),
			done:    make(chan struct{}),
		}
		c.pending[key] = entry
		window := req.CoalesceWindow
		if window <= 0 {
			window = c.window
		}
		entry.timer = time.AfterFunc(window, func() { c.flush(req.Repo, req.IssueNumber, key) })
	}
	for _, op := range req.Ops {
		// Add wins over remove on conflict.
		if existing, ok := entry.actions[op.Label]; ok && existing == queue.ActionAdd {
			continue
		}
		entry.actions[op.Label] = op.Action
	}
	c.mu.Unlock()

	select {
	case <-entry.done:
		res := entry.res
		res.Coalesced = true
		return res, entry.err
	case <-ctx.Done():
		return Result{}, failf(FailureTransient, "caller cancelled before flush: %v", ctx.Err())
	}
}

func (c *Coordinator) flush(repo string, number int, key string) {
	c.mu.Lock()
	entry := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if entry == nil {
		return
	}

	labels := make([]string, 0, len(entry.actions))
	for l := range entry.actions {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	ops := make([]queue.Op, 0, len(labels))
	for _, l := range labels {
		ops = append(ops, queue.Op{Action: entry.actions[l], Label: l})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	unlock := c.lockIssue(ctx, key)
	entry.res, entry.err = c.applyLocked(ctx, repo, number, ops)
	unlock()

	if entry.err != nil && KindOf(entry.err) == FailureTransient {
		c.bumpCooldown(key)
	} else if entry.err == nil {
		c.mu.Lock()
		delete(c.cooldowns, key)
		c.mu.Unlock()
	}
	close(entry.done)
}

func (c *Coordinator) bumpCooldown(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cd := c.cooldowns[key]
	cd.failures++
	window := issueCooldownBase << uint(cd.failures-1)
	if window > issueCooldownMax {
		window = issueCooldownMax
	}
	cd.until = c.now().Add(window)
	c.cooldowns[key] = cd
}

// Close resolves all pending coalesced writes with a transient failure and
// rejects new best-effort requests.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	entries := c.pending
	c.pending = make(map[string]*pendingFlush)
	c.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.err = failf(FailureTransient, "coordinator shutting down")
		close(entry.done)
	}
}

// --- apply ---

func (c *Coordinator) applyLocked(ctx context.Context, repo string, number int, ops []queue.Op) (Result, error) {
	if err := c.checkRepoBackoff(ctx, repo); err != nil {
		return Result{}, err
	}
	res, err := c.applyOnce(ctx, repo, number, ops, false)
	if err != nil {
		return res, err
	}
	if touchesStatus(ops) {
		res.Healed = c.healSingleStatus(ctx, repo, number, statusHint(ops))
	}
	return res, nil
}

func (c *Coordinator) applyOnce(ctx context.Context, repo string, number int, ops []queue.Op, retried bool) (Result, error) {
	live, err := c.github.ListIssueLabels(ctx, repo, number)
	if err != nil {
		return Result{}, c.classified(ctx, repo, err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, l := range live {
		liveSet[l] = true
	}

	// Trim ops that would be no-ops against the live list.
	var adds []string
	var trimmed []queue.Op
	for _, op := range ops {
		switch op.Action {
		case queue.ActionAdd:
			if !liveSet[op.Label] {
				adds = append(adds, op.Label)
				trimmed = append(trimmed, op)
			}
		case queue.ActionRemove:
			if liveSet[op.Label] {
				trimmed = append(trimmed, op)
			}
		}
	}
	if len(trimmed) == 0 {
		return Result{}, nil
	}

	var applied []queue.Op
	rollback := func() {
		// Best effort, reverse order.
		for i := len(applied) - 1; i >= 0; i-- {
			op := applied[i]
			var rerr error
			if op.Action == queue.ActionAdd {
				rerr = c.github.RemoveIssueLabel(ctx, repo, number, op.Label)
			} else {
				rerr = c.github.AddIssueLabels(ctx, repo, number, []string{op.Label})
			}
			if rerr != nil {
				c.logger.Warn("rollback step failed",
					slog.String("repo", repo), slog.Int("issue", number),
					slog.String("label", op.Label), slog.Any("error", rerr))
			}
		}
	}

	fail := func(err error) (Result, error) {
		cerr := c.classified(ctx, repo, err)
		if missing, ok := isMissingLabel(err); ok && missing && c.ensureLabels != nil && !retried {
			if eerr := c.ensureLabels(ctx, repo); eerr != nil {
				c.logger.Warn("ensure labels failed", slog.String("repo", repo), slog.Any("error", eerr))
				return Result{Applied: applied}, cerr
			}
			rollback()
			return c.applyOnce(ctx, repo, number, ops, true)
		}
		// Transient failures skip rollback so the retry can converge.
		if KindOf(cerr) != FailureTransient {
			rollback()
		}
		return Result{Applied: applied}, cerr
	}

	if len(adds) > 0 {
		if err := c.github.AddIssueLabels(ctx, repo, number, adds); err != nil {
			return fail(err)
		}
		for _, op := range trimmed {
			if op.Action == queue.ActionAdd {
				applied = append(applied, op)
			}
		}
	}
	for _, op := range trimmed {
		if op.Action != queue.ActionRemove {
			continue
		}
		if err := c.github.RemoveIssueLabel(ctx, repo, number, op.Label); err != nil {
			return fail(err)
		}
		applied = append(applied, op)
	}

	c.resetRepoBackoff(ctx, repo)
	return Result{Applied: applied}, nil
}

func touchesStatus(ops []queue.Op) bool {
	for _, op := range ops {
		if queue.IsStatusLabel(op.Label) {
			return true
		}
	}
	return false
}

// statusHint is the status label the ops tried to establish, "" when none.
func statusHint(ops []queue.Op) string {
	hint := ""
	for _, op := range ops {
		if op.Action == queue.ActionAdd && queue.IsStatusLabel(op.Label) {
			hint = op.Label
		}
	}
	return hint
}

// healSingleStatus restores the exactly-one-status invariant after an apply
// that touched status labels. Returns whether labels changed.
func (c *Coordinator) healSingleStatus(ctx context.Context, repo string, number int, hint string) bool {
	live, err := c.github.ListIssueLabels(ctx, repo, number)
	if err != nil {
		c.logger.Warn("heal: list labels failed",
			slog.String("repo", repo), slog.Int("issue", number), slog.Any("error", err))
		return false
	}
	statuses := queue.StatusLabels(live)
	if len(statuses) == 1 {
		return false
	}

	target := hint
	if target == "" || !queue.IsStatusLabel(target) {
		if c.activeOpState != nil && c.activeOpState(ctx, repo, number) {
			target = queue.LabelInProgress
		} else {
			target = queue.LabelQueued
		}
	}

	c.logger.Warn("healing status labels",
		slog.String("repo", repo), slog.Int("issue", number),
		slog.Int("count", len(statuses)), slog.String("target", target))

	if !contains(statuses, target) {
		if err := c.github.AddIssueLabels(ctx, repo, number, []string{target}); err != nil {
			c.logger.Warn("heal: add target failed", slog.String("repo", repo), slog.Any("error", err))
			return false
		}
	}
	changed := !contains(statuses, target)
	for _, l := range statuses {
		if l == target {
			continue
		}
		if err := c.github.RemoveIssueLabel(ctx, repo, number, l); err != nil {
			c.logger.Warn("heal: remove failed",
				slog.String("repo", repo), slog.String("label", l), slog.Any("error", err))
			continue
		}
		changed = true
	}
	return changed
}

func contains(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// --- classification and backoff ---

func (c *Coordinator) classified(ctx context.Context, repo string, err error) error {
	kind := classify(err)
	if kind == FailureTransient {
		c.recordTransient(ctx, repo)
	}
	return &Error{Kind: kind, Err: err}
}

func classify(err error) FailureKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureAborted
	}
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 429 || github.IsSecondaryRateLimit(err):
			return FailureTransient
		case apiErr.Status >= 500:
			return FailureTransient
		case apiErr.Status == 401 || apiErr.Status == 403 || apiErr.Status == 404:
			return FailureAuth
		default:
			return FailureUnknown
		}
	}
	if github.IsNetworkError(err) {
		return FailureTransient
	}
	return FailureUnknown
}

func isMissingLabel(err error) (bool, bool) {
	var apiErr *github.APIError
	if !errors.As(err, &apiErr) {
		return false, false
	}
	if apiErr.Status != 422 {
		return false, true
	}
	return missingLabelRe.MatchString(apiErr.ResponseText), true
}

func (c *Coordinator) checkRepoBackoff(ctx context.Context, repo string) error {
	st, err := c.backoff.GetRepoLabelWriteState(ctx, repo)
	if err != nil {
		c.logger.Warn("failed to read label backoff state", slog.String("repo", repo), slog.Any("error", err))
		return nil
	}
	if nowMs := c.now().UnixMilli(); nowMs < st.BlockedUntilMs {
		return failf(FailureTransient, "repo %s label writes blocked for %dms",
			repo, st.BlockedUntilMs-nowMs)
	}
	return nil
}

func (c *Coordinator) recordTransient(ctx context.Context, repo string) {
	st, err := c.backoff.GetRepoLabelWriteState(ctx, repo)
	if err != nil {
		c.logger.Warn("failed to read label backoff state", slog.String("repo", repo), slog.Any("error", err))
		st = store.LabelWriteState{}
	}
	st.ConsecutiveFailures++
	window := repoBackoffBase << uint(st.ConsecutiveFailures-1)
	if window > repoBackoffMax || window <= 0 {
		window = repoBackoffMax
	}
	st.BlockedUntilMs = c.now().Add(window).UnixMilli()
	if err := c.backoff.SetRepoLabelWriteState(ctx, repo, st); err != nil {
		c.logger.Warn("failed to persist label backoff", slog.String("repo", repo), slog.Any("error", err))
	}
}

func (c *Coordinator) resetRepoBackoff(ctx context.Context, repo string) {
	st, err := c.backoff.GetRepoLabelWriteState(ctx, repo)
	if err != nil || (st.BlockedUntilMs == 0 && st.ConsecutiveFailures == 0) {
		return
	}
	if err := c.backoff.SetRepoLabelWriteState(ctx, repo, store.LabelWriteState{}); err != nil {
		c.logger.Warn("failed to reset label backoff", slog.String("repo", repo), slog.Any("error", err))
	}
}
