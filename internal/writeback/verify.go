package writeback

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralphd/ralphd/internal/labels"
	"github.com/ralphd/ralphd/internal/queue"
)

// VerifyContext identifies a parent-verification writeback.
type VerifyContext struct {
	Repo        string
	IssueNumber int
	Summary     string
	SessionID   string
}

// PlanParentVerification builds the verification comment for a parent whose
// rollup checks passed.
func PlanParentVerification(vc VerifyContext) Plan {
	base := fmt.Sprintf("%s:%s:%d:session=%s",
		KindParentVerify, vc.Repo, vc.IssueNumber, vc.SessionID)
	markerID := MarkerID(base)

	var b strings.Builder
	b.WriteString(MarkerLine(KindParentVerify, markerID))
	b.WriteString("\n\n## Parent verified\n\n")
	b.WriteString("All child tasks merged and the rollup verification passed; closing.\n")
	if vc.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", truncateField(vc.Summary, maxDetailsChars))
	}

	return Plan{
		Kind:        KindParentVerify,
		Repo:        vc.Repo,
		IssueNumber: vc.IssueNumber,
		MarkerID:    markerID,
		CommentBody: b.String(),
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s",
			KindParentVerify, vc.Repo, vc.IssueNumber, markerID),
	}
}

// WriteParentVerification posts or updates the verification comment, closes
// the issue, and strips any transition status labels. The comment is written
// first so a failure partway leaves a visible trail.
func (e *Engine) WriteParentVerification(ctx context.Context, vc VerifyContext) (Result, error) {
	res, err := e.Apply(ctx, PlanParentVerification(vc))
	if err != nil {
		return res, err
	}

	if err := e.github.CloseIssue(ctx, vc.Repo, vc.IssueNumber); err != nil {
		return res, fmt.Errorf("failed to close verified parent: %w", err)
	}

	// Done is the terminal status; setting it before stripping transitions
	// keeps the single-status invariant satisfied without a heal.
	ops := []queue.Op{queue.Add(queue.LabelDone)}
	for _, l := range queue.TransitionStatusLabels {
		ops = append(ops, queue.Remove(l))
	}
	if _, err := e.labels.Execute(ctx, labels.Request{
		Repo:        vc.Repo,
		IssueNumber: vc.IssueNumber,
		Ops:         ops,
	}); err != nil {
		return res, fmt.Errorf("failed to strip status labels from verified parent: %w", err)
	}
	return res, nil
}
