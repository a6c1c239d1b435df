package writeback

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralphd/ralphd/internal/queue"
)

const (
	// ResolutionTriggerPhrase in an issue comment resolves an escalation.
	ResolutionTriggerPhrase = "ralph resolve"

	maxReasonChars  = 500
	maxDetailsChars = 5000
)

// EscalationContext identifies one escalation writeback.
type EscalationContext struct {
	Repo        string
	IssueNumber int
	// Owner is the GitHub login mentioned in the comment.
	Owner      string
	Reason     string
	Details    string
	SessionID  string
	RetryIndex int
}

// PlanEscalation builds the escalation plan: swap the status label to
// escalated and post a marker-keyed comment explaining why and how to
// resolve.
func PlanEscalation(ec EscalationContext) Plan {
	base := fmt.Sprintf("%s:%s:%d:retry=%d:session=%s",
		KindEscalation, ec.Repo, ec.IssueNumber, ec.RetryIndex, ec.SessionID)
	markerID := MarkerID(base)

	var b strings.Builder
	b.WriteString(MarkerLine(KindEscalation, markerID))
	b.WriteString("\n\n## Escalated to a human\n\n")
	fmt.Fprintf(&b, "**Reason:** %s\n\n", truncateField(ec.Reason, maxReasonChars))
	if ec.Details != "" {
		fmt.Fprintf(&b, "%s\n\n", truncateField(ec.Details, maxDetailsChars))
	}
	if ec.Owner != "" {
		fmt.Fprintf(&b, "@%s please take a look.\n\n", ec.Owner)
	}
	b.WriteString("### To resolve\n\n")
	fmt.Fprintf(&b, "- Comment `%s` on this issue once the blocker is cleared, or\n", ResolutionTriggerPhrase)
	fmt.Fprintf(&b, "- Re-add the `%s` label to send the task back to the queue.\n", queue.LabelQueued)

	return Plan{
		Kind:        KindEscalation,
		Repo:        ec.Repo,
		IssueNumber: ec.IssueNumber,
		MarkerID:    markerID,
		CommentBody: b.String(),
		AddLabels:   []string{queue.LabelEscalated},
		RemoveLabels: []string{
			queue.LabelInProgress, queue.LabelQueued,
		},
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s", KindEscalation, ec.Repo, ec.IssueNumber, markerID),
	}
}

// WriteEscalation plans and applies an escalation. Calling it twice with the
// same context is a no-op on the second call.
func (e *Engine) WriteEscalation(ctx context.Context, ec EscalationContext) (Result, error) {
	return e.Apply(ctx, PlanEscalation(ec))
}
