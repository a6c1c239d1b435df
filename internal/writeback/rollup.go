package writeback

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralphd/ralphd/internal/queue"
)

const maxRollupBody = 8 * 1024

// ChildSummary is one child task line in a rollup-ready comment.
type ChildSummary struct {
	Number int
	Title  string
	Status queue.Status
}

// RollupContext identifies a rollup-ready writeback on a parent issue.
type RollupContext struct {
	Repo         string
	ParentNumber int
	Children     []ChildSummary
	SessionID    string
}

// PlanRollupReady builds the comment telling the operator all children of a
// parent are done and the parent is ready for rollup verification.
func PlanRollupReady(rc RollupContext) Plan {
	base := fmt.Sprintf("%s:%s:%d:session=%s",
		KindRollupReady, rc.Repo, rc.ParentNumber, rc.SessionID)
	markerID := MarkerID(base)

	var b strings.Builder
	b.WriteString(MarkerLine(KindRollupReady, markerID))
	b.WriteString("\n\n## All child tasks complete\n\n")
	b.WriteString("This parent is ready for rollup verification.\n\n")
	if len(rc.Children) > 0 {
		b.WriteString("| Task | Status |\n|---|---|\n")
		for _, c := range rc.Children {
			fmt.Fprintf(&b, "| #%d %s | %s |\n", c.Number, truncateField(c.Title, 80), c.Status)
		}
	}

	return Plan{
		Kind:        KindRollupReady,
		Repo:        rc.Repo,
		IssueNumber: rc.ParentNumber,
		MarkerID:    markerID,
		CommentBody: capBody(b.String(), maxRollupBody),
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s",
			KindRollupReady, rc.Repo, rc.ParentNumber, markerID),
	}
}

// WriteRollupReady plans and applies a rollup-ready comment.
func (e *Engine) WriteRollupReady(ctx context.Context, rc RollupContext) (Result, error) {
	return e.Apply(ctx, PlanRollupReady(rc))
}
