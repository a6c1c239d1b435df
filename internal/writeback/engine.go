package writeback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/labels"
	"github.com/ralphd/ralphd/internal/logging"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/redact"
)

// DefaultCommentScanLimit is how many recent comments the marker scan reads.
const DefaultCommentScanLimit = 100

// GitHub is the slice of the GitHub client the engine needs.
type GitHub interface {
	ListRecentIssueComments(ctx context.Context, repo string, number, last int) ([]github.IssueComment, bool, error)
	CreateIssueComment(ctx context.Context, repo string, number int, body string) (int64, error)
	UpdateIssueComment(ctx context.Context, repo string, commentID int64, body string) error
	CloseIssue(ctx context.Context, repo string, number int) error
}

// KeyStore is the idempotency-key surface of the state store.
type KeyStore interface {
	HasKey(ctx context.Context, key string) (bool, error)
	RecordKeyIfAbsent(ctx context.Context, key, scope, payload string) (bool, error)
	UpsertKey(ctx context.Context, key, scope, payload string) error
	GetPayload(ctx context.Context, key string) (string, error)
	DeleteKey(ctx context.Context, key string) error
}

// LabelWriter applies label deltas; satisfied by the labels coordinator.
type LabelWriter interface {
	Execute(ctx context.Context, req labels.Request) (labels.Result, error)
}

// Plan is a fully-resolved writeback ready to apply.
type Plan struct {
	Kind        string
	Repo        string
	IssueNumber int
	MarkerID    string
	// CommentBody always begins with the marker line. It is redacted on
	// apply, not here.
	CommentBody    string
	AddLabels      []string
	RemoveLabels   []string
	IdempotencyKey string
}

// Result reports what Apply did.
type Result struct {
	PostedComment  bool
	PatchedComment bool
	SkippedComment bool
	MarkerFound    bool
}

// keyPayload is persisted with each idempotency key so incomplete scans can
// compare the prior body against the desired one.
type keyPayload struct {
	BodyHash string `json:"bodyHash"`
}

// Engine executes writeback plans.
type Engine struct {
	github GitHub
	keys   KeyStore
	labels LabelWriter
	logger *slog.Logger

	scanLimit int
	homeDir   string
}

// EngineOption adjusts engine construction.
type EngineOption func(*Engine)

// WithCommentScanLimit overrides the marker-scan depth.
func WithCommentScanLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.scanLimit = n
		}
	}
}

// WithHomeDir sets the home directory scrubbed from comment bodies.
func WithHomeDir(dir string) EngineOption {
	return func(e *Engine) { e.homeDir = dir }
}

// NewEngine creates a writeback engine.
func NewEngine(gh GitHub, keys KeyStore, lw LabelWriter, opts ...EngineOption) *Engine {
	e := &Engine{
		github:    gh,
		keys:      keys,
		labels:    lw,
		logger:    logging.WithComponent("writeback"),
		scanLimit: DefaultCommentScanLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply executes one plan: label delta first (best-effort), then the
// marker-keyed comment create/patch/noop with idempotency-key reconciliation.
// Re-applying an identical plan is a no-op that reports the marker as found.
func (e *Engine) Apply(ctx context.Context, plan Plan) (Result, error) {
	e.applyLabels(ctx, plan)

	body := redact.SensitiveText(plan.CommentBody, redact.Options{HomeDir: e.homeDir})
	desiredHash := bodyHash(body)

	hasKey, err := e.keys.HasKey(ctx, plan.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	comments, scanComplete, err := e.github.ListRecentIssueComments(ctx, plan.Repo, plan.IssueNumber, e.scanLimit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to scan comments: %w", err)
	}
	match := newestMarkerMatch(comments, plan.Kind, plan.MarkerID)

	var res Result
	switch {
	case match != nil:
		res.MarkerFound = true
		if normalizeBody(match.Body) == normalizeBody(body) {
			// Comment already says exactly this; refresh the key and skip.
			res.SkippedComment = true
			return res, e.upsertKey(ctx, plan, desiredHash)
		}
		if match.DatabaseID == 0 {
			// Can't patch without a database id; post a replacement.
			return e.post(ctx, plan, body, desiredHash, res)
		}
		return e.patch(ctx, plan, body, desiredHash, match.DatabaseID, res)

	case hasKey && scanComplete:
		// The scan is authoritative and the comment is gone: the key is
		// stale. Reconcile and treat as new.
		if err := e.keys.DeleteKey(ctx, plan.IdempotencyKey); err != nil {
			return res, fmt.Errorf("failed to delete stale key: %w", err)
		}
		return e.post(ctx, plan, body, desiredHash, res)

	case hasKey && !scanComplete:
		// Inconclusive scan. If the recorded body matches what we want,
		// assume the comment exists beyond the scan horizon.
		prior, perr := e.keys.GetPayload(ctx, plan.IdempotencyKey)
		if perr == nil && priorHashMatches(prior, desiredHash) {
			res.SkippedComment = true
			return res, nil
		}
		// Desired content changed; post even though a key exists.
		return e.post(ctx, plan, body, desiredHash, res)

	default:
		return e.post(ctx, plan, body, desiredHash, res)
	}
}

func (e *Engine) applyLabels(ctx context.Context, plan Plan) {
	if len(plan.AddLabels) == 0 && len(plan.RemoveLabels) == 0 {
		return
	}
	var ops []queue.Op
	for _, l := range plan.RemoveLabels {
		ops = append(ops, queue.Remove(l))
	}
	for _, l := range plan.AddLabels {
		ops = append(ops, queue.Add(l))
	}
	if _, err := e.labels.Execute(ctx, labels.Request{
		Repo:        plan.Repo,
		IssueNumber: plan.IssueNumber,
		Ops:         ops,
	}); err != nil {
		// Label failure never blocks the comment writeback.
		e.logger.Warn("writeback label delta failed",
			slog.String("kind", plan.Kind), slog.String("repo", plan.Repo),
			slog.Int("issue", plan.IssueNumber), slog.Any("error", err))
	}
}

// post creates the comment with delete-on-failure key handling: the key is
// claimed before the network call and released if the call fails, so a crash
// or error always leaves the system retryable.
func (e *Engine) post(ctx context.Context, plan Plan, body, hash string, res Result) (Result, error) {
	if _, err := e.keys.RecordKeyIfAbsent(ctx, plan.IdempotencyKey, plan.Kind, ""); err != nil {
		return res, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	if _, err := e.github.CreateIssueComment(ctx, plan.Repo, plan.IssueNumber, body); err != nil {
		if derr := e.keys.DeleteKey(ctx, plan.IdempotencyKey); derr != nil {
			e.logger.Warn("failed to release key after post failure",
				slog.String("key", plan.IdempotencyKey), slog.Any("error", derr))
		}
		return res, fmt.Errorf("failed to post %s comment: %w", plan.Kind, err)
	}
	res.PostedComment = true
	return res, e.upsertKey(ctx, plan, hash)
}

func (e *Engine) patch(ctx context.Context, plan Plan, body, hash string, commentID int64, res Result) (Result, error) {
	if _, err := e.keys.RecordKeyIfAbsent(ctx, plan.IdempotencyKey, plan.Kind, ""); err != nil {
		return res, fmt.Errorf("failed to record idempotency key: %w", err)
	}
	if err := e.github.UpdateIssueComment(ctx, plan.Repo, commentID, body); err != nil {
		if derr := e.keys.DeleteKey(ctx, plan.IdempotencyKey); derr != nil {
			e.logger.Warn("failed to release key after patch failure",
				slog.String("key", plan.IdempotencyKey), slog.Any("error", derr))
		}
		return res, fmt.Errorf("failed to patch %s comment: %w", plan.Kind, err)
	}
	res.PatchedComment = true
	return res, e.upsertKey(ctx, plan, hash)
}

func (e *Engine) upsertKey(ctx context.Context, plan Plan, hash string) error {
	payload, _ := json.Marshal(keyPayload{BodyHash: hash})
	if err := e.keys.UpsertKey(ctx, plan.IdempotencyKey, plan.Kind, string(payload)); err != nil {
		return fmt.Errorf("failed to upsert idempotency key: %w", err)
	}
	return nil
}

// newestMarkerMatch picks the newest comment (by createdAt) carrying the
// plan's marker id.
func newestMarkerMatch(comments []github.IssueComment, kind, markerID string) *github.IssueComment {
	var best *github.IssueComment
	for i := range comments {
		c := &comments[i]
		id, ok := FindMarkerID(c.Body, kind)
		if !ok || !strings.EqualFold(id, markerID) {
			continue
		}
		if best == nil || c.CreatedAt > best.CreatedAt {
			best = c
		}
	}
	return best
}

func normalizeBody(s string) string {
	return strings.TrimRight(s, "\n")
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(normalizeBody(body)))
	return hex.EncodeToString(sum[:])
}

func priorHashMatches(payload, desired string) bool {
	if payload == "" {
		return false
	}
	var p keyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return false
	}
	return p.BodyHash == desired
}

// capBody truncates a comment body to max bytes, preserving the marker line
// at the top.
func capBody(body string, max int) string {
	if len(body) <= max {
		return body
	}
	cut := body[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + "\n\n_(truncated)_"
}
