package writeback

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MergeConflictState is the structured state embedded in a merge-conflict
// comment's state line. Readers parse it to decide whether to take the lease
// and retry the rebase.
type MergeConflictState struct {
	Version  int               `json:"version"`
	Lease    *ConflictLease    `json:"lease,omitempty"`
	Attempts []ConflictAttempt `json:"attempts"`
}

// ConflictLease records which worker currently owns conflict resolution.
type ConflictLease struct {
	Holder    string `json:"holder"`
	ExpiresAt string `json:"expiresAt"`
}

// ConflictAttempt is one logged resolution attempt.
type ConflictAttempt struct {
	SessionID string `json:"sessionId"`
	At        string `json:"at"`
	Outcome   string `json:"outcome"` // resolved, failed, abandoned
}

// Expired reports whether the lease has lapsed at now.
func (l *ConflictLease) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	exp, err := time.Parse(time.RFC3339, l.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// ConflictContext identifies a merge-conflict writeback.
type ConflictContext struct {
	Repo        string
	IssueNumber int
	Branch      string
	State       MergeConflictState
}

// PlanMergeConflict builds the comment carrying the conflict state. The
// marker id is stable per (repo, issue, branch) so every update patches the
// same comment.
func PlanMergeConflict(cc ConflictContext) (Plan, error) {
	if cc.State.Version == 0 {
		cc.State.Version = 1
	}
	base := fmt.Sprintf("%s:%s:%d:branch=%s", KindMergeConflict, cc.Repo, cc.IssueNumber, cc.Branch)
	markerID := MarkerID(base)

	stateLine, err := StateLine(KindMergeConflict, cc.State)
	if err != nil {
		return Plan{}, err
	}

	var b strings.Builder
	b.WriteString(MarkerLine(KindMergeConflict, markerID))
	b.WriteString("\n")
	b.WriteString(stateLine)
	b.WriteString("\n\n## Merge conflict\n\n")
	fmt.Fprintf(&b, "Branch `%s` no longer merges cleanly.\n", cc.Branch)
	if n := len(cc.State.Attempts); n > 0 {
		fmt.Fprintf(&b, "\nResolution attempts so far: %d (latest: %s).\n",
			n, cc.State.Attempts[n-1].Outcome)
	}

	return Plan{
		Kind:        KindMergeConflict,
		Repo:        cc.Repo,
		IssueNumber: cc.IssueNumber,
		MarkerID:    markerID,
		CommentBody: b.String(),
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s:attempts=%d",
			KindMergeConflict, cc.Repo, cc.IssueNumber, markerID, len(cc.State.Attempts)),
	}, nil
}

// WriteMergeConflict posts or patches the conflict state comment.
func (e *Engine) WriteMergeConflict(ctx context.Context, cc ConflictContext) (Result, error) {
	plan, err := PlanMergeConflict(cc)
	if err != nil {
		return Result{}, err
	}
	return e.Apply(ctx, plan)
}

// ReadMergeConflictState scans recent comments for the branch's conflict
// state. found is false when no conflict comment exists.
func (e *Engine) ReadMergeConflictState(ctx context.Context, repo string, number int, branch string) (MergeConflictState, bool, error) {
	var st MergeConflictState
	base := fmt.Sprintf("%s:%s:%d:branch=%s", KindMergeConflict, repo, number, branch)
	markerID := MarkerID(base)

	comments, _, err := e.github.ListRecentIssueComments(ctx, repo, number, e.scanLimit)
	if err != nil {
		return st, false, err
	}
	match := newestMarkerMatch(comments, KindMergeConflict, markerID)
	if match == nil {
		return st, false, nil
	}
	if _, err := ParseStateLine(match.Body, KindMergeConflict, &st); err != nil {
		return st, true, err
	}
	return st, true, nil
}

// CmdDecision records that an operator command label was processed, so a
// re-appearing label is not executed twice.
type CmdDecision struct {
	Key         string `json:"key"`
	Decision    string `json:"decision"`
	ProcessedAt string `json:"processedAt"`
}

// CmdContext identifies a cmd-decision writeback.
type CmdContext struct {
	Repo        string
	IssueNumber int
	Decision    CmdDecision
}

// PlanCmdDecision builds the comment recording a processed command.
func PlanCmdDecision(cc CmdContext) (Plan, error) {
	base := fmt.Sprintf("%s:%s:%d:key=%s", KindCmd, cc.Repo, cc.IssueNumber, cc.Decision.Key)
	markerID := MarkerID(base)

	stateLine, err := StateLine(KindCmd, cc.Decision)
	if err != nil {
		return Plan{}, err
	}

	var b strings.Builder
	b.WriteString(MarkerLine(KindCmd, markerID))
	b.WriteString("\n")
	b.WriteString(stateLine)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Processed command `%s`: %s.\n", cc.Decision.Key, cc.Decision.Decision)

	return Plan{
		Kind:        KindCmd,
		Repo:        cc.Repo,
		IssueNumber: cc.IssueNumber,
		MarkerID:    markerID,
		CommentBody: b.String(),
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s",
			KindCmd, cc.Repo, cc.IssueNumber, markerID),
	}, nil
}

// WriteCmdDecision posts or patches a cmd-decision comment.
func (e *Engine) WriteCmdDecision(ctx context.Context, cc CmdContext) (Result, error) {
	plan, err := PlanCmdDecision(cc)
	if err != nil {
		return Result{}, err
	}
	return e.Apply(ctx, plan)
}

// ReadCmdDecision returns the processed decision for a command key, when one
// was recorded.
func (e *Engine) ReadCmdDecision(ctx context.Context, repo string, number int, key string) (CmdDecision, bool, error) {
	var d CmdDecision
	base := fmt.Sprintf("%s:%s:%d:key=%s", KindCmd, repo, number, key)
	markerID := MarkerID(base)

	comments, _, err := e.github.ListRecentIssueComments(ctx, repo, number, e.scanLimit)
	if err != nil {
		return d, false, err
	}
	match := newestMarkerMatch(comments, KindCmd, markerID)
	if match == nil {
		return d, false, nil
	}
	if _, err := ParseStateLine(match.Body, KindCmd, &d); err != nil {
		return d, true, err
	}
	return d, true, nil
}
