// Package mirror keeps a per-repo local mirror of GitHub issues: bootstrap
// backfill, incremental since-polling, cursor persistence, and legacy
// label-scheme detection. The mirror is the authoritative local copy of
// issue labels for the queue engine.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	gh "github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/store"
)

const (
	// DefaultBaseInterval is the poll cadence when issues are changing.
	DefaultBaseInterval = 15 * time.Second
	// DefaultMaxPagesPerTick bounds how many pages one tick ingests.
	DefaultMaxPagesPerTick = 2
	// DefaultMaxIssuesPerTick bounds how many rows one tick ingests.
	DefaultMaxIssuesPerTick = 200
	// DefaultMaxInFlight is the process-wide sync concurrency.
	DefaultMaxInFlight = 2

	// sinceSkew is subtracted from the cursor to absorb clock skew between
	// us and GitHub.
	sinceSkew = 5 * time.Second

	// LabelSchemeErrorLegacy disables downstream reconcilers for a repo
	// still using the pre-vNext label scheme.
	LabelSchemeErrorLegacy = "legacy-workflow-labels"
)

// GitHub is the slice of the client the poller needs.
type GitHub interface {
	ListIssuesPage(ctx context.Context, pageURL, source string) ([]gh.Issue, string, error)
}

// Config tunes one poller.
type Config struct {
	BaseInterval     time.Duration
	MaxPagesPerTick  int
	MaxIssuesPerTick int
	// AllOpen stores every open issue, not just ralph-labeled or known ones.
	AllOpen bool
}

func (c *Config) applyDefaults() {
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxPagesPerTick <= 0 {
		c.MaxPagesPerTick = DefaultMaxPagesPerTick
	}
	if c.MaxIssuesPerTick <= 0 {
		c.MaxIssuesPerTick = DefaultMaxIssuesPerTick
	}
}

// TickStatus classifies one tick's outcome.
type TickStatus string

const (
	TickOK      TickStatus = "ok"
	TickAborted TickStatus = "aborted"
	TickError   TickStatus = "error"
)

// TickResult summarizes one poll tick.
type TickResult struct {
	Status  TickStatus
	Fetched int
	Stored  int
	// Changed is set when any snapshot row was written.
	Changed bool
	// Bootstrapping is set while the initial backfill is still running.
	Bootstrapping bool
	MaxUpdatedAt  string
}

// Poller mirrors one repo. Run ticks it on an adaptive, jittered schedule;
// Tick can also be driven directly.
type Poller struct {
	repo   string
	github GitHub
	store  *store.Store
	sem    chan struct{}
	cfg    Config
	logger *slog.Logger
	onSync func(TickResult)

	rng *rand.Rand
}

// Option adjusts poller construction.
type Option func(*Poller)

// WithOnSync registers a callback invoked after every successful tick; the
// scheduler uses it to plan claims.
func WithOnSync(fn func(TickResult)) Option {
	return func(p *Poller) { p.onSync = fn }
}

// NewPoller creates a poller for repo. sem is the process-wide in-flight
// gate shared by all pollers; pass nil to run ungated.
func NewPoller(repo string, client GitHub, st *store.Store, sem chan struct{}, cfg Config) *Poller {
	cfg.applyDefaults()
	return &Poller{
		repo:   repo,
		github: client,
		store:  st,
		sem:    sem,
		cfg:    cfg,
		logger: logging.WithComponent("mirror").With(slog.String("repo", repo)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewSemaphore builds the shared in-flight gate.
func NewSemaphore(maxInFlight int) chan struct{} {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return make(chan struct{}, maxInFlight)
}

// Tick performs one poll: bootstrap pagination until the backfill finishes,
// then incremental since-mode. Cancellation between pages returns an aborted
// result with no further state mutation.
func (p *Poller) Tick(ctx context.Context) (TickResult, error) {
	if ctx.Err() != nil {
		return TickResult{Status: TickAborted}, nil
	}
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			return TickResult{Status: TickAborted}, nil
		}
	}

	cursor, err := p.store.GetRepoIssueSyncCursor(ctx, p.repo)
	if err != nil {
		return TickResult{Status: TickError}, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	if cursor.LastSyncAt == "" {
		return p.bootstrapTick(ctx, cursor)
	}
	return p.incrementalTick(ctx, cursor)
}

func (p *Poller) bootstrapTick(ctx context.Context, cursor store.SyncCursor) (TickResult, error) {
	res := TickResult{Status: TickOK, Bootstrapping: true}

	pageURL := gh.IssuesBootstrapURL(p.repo)
	if cursor.BootstrapNextURL != "" {
		if gh.ValidIssuesCursorURL(cursor.BootstrapNextURL, p.repo) {
			pageURL = cursor.BootstrapNextURL
		} else {
			// Stale or tampered cursor: restart the backfill from page 1.
			p.logger.Warn("invalid bootstrap cursor, restarting backfill",
				slog.String("url", cursor.BootstrapNextURL))
			if err := p.store.ClearRepoIssueBootstrapCursor(ctx, p.repo); err != nil {
				return TickResult{Status: TickError}, err
			}
		}
	}
	highWatermark := cursor.BootstrapHighWatermark

	for page := 0; page < p.cfg.MaxPagesPerTick && res.Fetched < p.cfg.MaxIssuesPerTick; page++ {
		if ctx.Err() != nil {
			return TickResult{Status: TickAborted}, nil
		}
		issues, next, err := p.github.ListIssuesPage(ctx, pageURL, "mirror")
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return TickResult{Status: TickAborted}, nil
			}
			return TickResult{Status: TickError}, fmt.Errorf("bootstrap page fetch failed: %w", err)
		}
		res.Fetched += len(issues)
		if max := maxUpdatedAt(issues); max > highWatermark {
			highWatermark = max
		}

		stored, err := p.ingestPage(ctx, issues, next, highWatermark, true)
		if err != nil {
			return TickResult{Status: TickError}, err
		}
		res.Stored += stored
		res.Changed = res.Changed || stored > 0

		if next == "" {
			// Backfill complete: flip to incremental mode.
			lastSync := highWatermark
			if lastSync == "" {
				lastSync = time.Now().UTC().Format(time.RFC3339)
			}
			err := p.store.RunInTransaction(ctx, func(tx *store.Tx) error {
				if err := tx.RecordRepoIssueSync(ctx, p.repo, lastSync); err != nil {
					return err
				}
				return tx.ClearRepoIssueBootstrapCursor(ctx, p.repo)
			})
			if err != nil {
				return TickResult{Status: TickError}, err
			}
			res.Bootstrapping = false
			res.MaxUpdatedAt = highWatermark
			p.notify(res)
			return res, nil
		}
		pageURL = next
	}

	res.MaxUpdatedAt = highWatermark
	p.notify(res)
	return res, nil
}

func (p *Poller) incrementalTick(ctx context.Context, cursor store.SyncCursor) (TickResult, error) {
	res := TickResult{Status: TickOK}

	since := cursor.LastSyncAt
	if t, err := time.Parse(time.RFC3339, cursor.LastSyncAt); err == nil {
		since = t.Add(-sinceSkew).UTC().Format(time.RFC3339)
	}

	pageURL := gh.IssuesSinceURL(p.repo, since)
	var maxUpdated string

	for page := 0; page < p.cfg.MaxPagesPerTick && res.Fetched < p.cfg.MaxIssuesPerTick; page++ {
		if ctx.Err() != nil {
			return TickResult{Status: TickAborted}, nil
		}
		issues, next, err := p.github.ListIssuesPage(ctx, pageURL, "mirror")
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return TickResult{Status: TickAborted}, nil
			}
			return TickResult{Status: TickError}, fmt.Errorf("incremental page fetch failed: %w", err)
		}
		res.Fetched += len(issues)
		if max := maxUpdatedAt(issues); max > maxUpdated {
			maxUpdated = max
		}

		stored, err := p.ingestPage(ctx, issues, "", "", false)
		if err != nil {
			return TickResult{Status: TickError}, err
		}
		res.Stored += stored
		res.Changed = res.Changed || stored > 0

		// Sorted by updated desc: once a page's last row predates the
		// cursor, later pages are all older.
		if next == "" || len(issues) == 0 || issues[len(issues)-1].UpdatedAt < since {
			break
		}
		pageURL = next
	}

	newLastSync := cursor.LastSyncAt
	if res.Fetched > 0 {
		if maxUpdated != "" {
			newLastSync = maxUpdated
		} else {
			newLastSync = time.Now().UTC().Format(time.RFC3339)
		}
		// The skew window re-fetches rows older than the cursor; those must
		// never move it backwards.
		if newLastSync < cursor.LastSyncAt {
			newLastSync = cursor.LastSyncAt
		}
	}
	if err := p.store.RecordRepoIssueSync(ctx, p.repo, newLastSync); err != nil {
		return TickResult{Status: TickError}, err
	}

	res.MaxUpdatedAt = maxUpdated
	p.notify(res)
	return res, nil
}

// ingestPage stores the page's selected rows in one transaction, along with
// the bootstrap cursor when backfilling, and flags legacy label schemes.
func (p *Poller) ingestPage(ctx context.Context, issues []gh.Issue, bootstrapNext, highWatermark string, bootstrapping bool) (int, error) {
	var legacyDetail string
	stored := 0
	err := p.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		stored = 0
		for _, issue := range issues {
			if issue.IsPullRequest {
				continue
			}
			keep, err := p.shouldStore(ctx, tx, issue)
			if err != nil {
				return err
			}
			if !keep {
				continue
			}
			snap := store.IssueSnapshot{
				Repo:            p.repo,
				Number:          issue.Number,
				Title:           issue.Title,
				State:           issue.State,
				Labels:          issue.Labels,
				GithubNodeID:    issue.NodeID,
				GithubUpdatedAt: issue.UpdatedAt,
			}
			if err := tx.RecordIssueSnapshot(ctx, snap); err != nil {
				return err
			}
			if err := tx.RecordIssueLabelsSnapshot(ctx, p.repo, issue.Number, issue.Labels); err != nil {
				return err
			}
			stored++

			if issue.State == "OPEN" {
				for _, l := range issue.Labels {
					if queue.IsLegacyWorkflowLabel(l) {
						legacyDetail = fmt.Sprintf("issue #%d carries %q", issue.Number, l)
					}
				}
			}
		}
		if bootstrapping && bootstrapNext != "" {
			return tx.RecordRepoIssueBootstrapCursor(ctx, p.repo, bootstrapNext, highWatermark)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to ingest page: %w", err)
	}

	if legacyDetail != "" {
		p.logger.Warn("legacy workflow labels detected; disabling reconcilers",
			slog.String("detail", legacyDetail))
		if err := p.store.SetRepoLabelSchemeError(ctx, p.repo, LabelSchemeErrorLegacy, legacyDetail); err != nil {
			return stored, err
		}
	}
	return stored, nil
}

// shouldStore applies the selection rule: ralph-labeled, already known, or
// all-open for open issues.
func (p *Poller) shouldStore(ctx context.Context, tx *store.Tx, issue gh.Issue) (bool, error) {
	for _, l := range issue.Labels {
		if queue.IsRalphLabel(l) || queue.IsLegacyWorkflowLabel(l) {
			return true, nil
		}
	}
	if p.cfg.AllOpen && issue.State == "OPEN" {
		return true, nil
	}
	return tx.HasIssueSnapshot(ctx, p.repo, issue.Number)
}

func (p *Poller) notify(res TickResult) {
	if p.onSync != nil {
		p.onSync(res)
	}
}

// maxUpdatedAt is the newest update time across the page's issue rows; PR
// rows do not advance the watermark.
func maxUpdatedAt(issues []gh.Issue) string {
	max := ""
	for _, issue := range issues {
		if issue.IsPullRequest {
			continue
		}
		if issue.UpdatedAt > max {
			max = issue.UpdatedAt
		}
	}
	return max
}

// Run ticks the poller until ctx is cancelled. The delay doubles on errors,
// stretches 1.5x when idle, resets to base on changes, and is capped at ten
// times base; every delay is jittered ±20%.
func (p *Poller) Run(ctx context.Context) {
	delay := p.cfg.BaseInterval
	for {
		res, err := p.Tick(ctx)
		switch {
		case res.Status == TickAborted:
			return
		case err != nil:
			p.logger.Warn("sync tick failed", slog.Any("error", err))
			delay = minDuration(delay*2, 10*p.cfg.BaseInterval)
			if wait := rateLimitWait(err); wait > delay {
				delay = wait
			}
		case res.Changed || res.Bootstrapping:
			delay = p.cfg.BaseInterval
		default:
			delay = minDuration(delay*3/2, 10*p.cfg.BaseInterval)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.jitter(delay)):
		}
	}
}

// rateLimitWait floors the next tick delay when GitHub rate limited us: the
// later of the quota reset boundary and a minute, so the poller does not
// immediately re-burn the budget on its next tick.
func rateLimitWait(err error) time.Duration {
	if !gh.IsRateLimited(err) {
		return 0
	}
	wait := gh.RetryAfterDelay(err)
	if wait < time.Minute {
		wait = time.Minute
	}
	return wait
}

// jitter spreads d by ±20% so pollers do not thunder together.
func (p *Poller) jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((p.rng.Float64()*2-1)*spread)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
