// Package queue derives task state from GitHub labels and worker op-state and
// plans the label deltas that move a task through the workflow. Everything
// here is a pure function over its inputs; no I/O.
package queue

import (
	"strconv"
	"strings"
	"time"
)

// Status is the derived workflow state of a task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusEscalated  Status = "escalated"
	StatusDone       Status = "done"
	StatusPaused     Status = "paused"
	StatusThrottled  Status = "throttled"
	StatusStarting   Status = "starting"
	StatusNone       Status = ""
)

// Priority buckets, highest first.
type Priority string

const (
	PriorityP0 Priority = "p0-critical"
	PriorityP1 Priority = "p1-high"
	PriorityP2 Priority = "p2-medium"
	PriorityP3 Priority = "p3-low"
	PriorityP4 Priority = "p4-backlog"
)

var priorityByDigit = map[byte]Priority{
	'0': PriorityP0, '1': PriorityP1, '2': PriorityP2, '3': PriorityP3, '4': PriorityP4,
}

// OpState is the queue engine's view of a worker lease on an issue.
type OpState struct {
	SessionID   string
	Status      string
	HeartbeatAt time.Time
	// Released is set when the worker voluntarily gave the task back; a
	// released lease is treated as queued and exempt from stale recovery.
	Released bool
}

// Issue is the minimal issue shape the engine derives from.
type Issue struct {
	Repo   string
	Number int
	Title  string
	Open   bool
	Labels []string
}

// TaskView is the composed dashboard-facing view of a task.
type TaskView struct {
	Repo        string
	Number      int
	Title       string
	Status      Status
	Priority    Priority
	SessionID   string
	HeartbeatAt time.Time
}

// Op is one label mutation.
type Op struct {
	Action string // ActionAdd or ActionRemove
	Label  string
}

const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// Add returns an add op for label.
func Add(label string) Op { return Op{Action: ActionAdd, Label: label} }

// Remove returns a remove op for label.
func Remove(label string) Op { return Op{Action: ActionRemove, Label: label} }

// DeriveRalphStatus maps an issue's labels (plus its op-state, when one
// exists) to a workflow status. Precedence: done, then escalated, then
// in-progress (downgraded to queued when the lease was released), then
// blocked unless queued is also present, then queued.
func DeriveRalphStatus(labels []string, opState *OpState) Status {
	queued := hasLabel(labels, LabelQueued)
	switch {
	case hasLabel(labels, LabelDone):
		return StatusDone
	case hasLabel(labels, LabelEscalated):
		return StatusEscalated
	case hasLabel(labels, LabelInProgress):
		if opState != nil && opState.Released {
			return StatusQueued
		}
		return StatusInProgress
	case hasLabel(labels, LabelBlocked):
		// A task that is both blocked and queued has been un-blocked and
		// waits for the blocked label to be cleaned up; treat as queued.
		if queued {
			return StatusQueued
		}
		return StatusBlocked
	case queued:
		return StatusQueued
	}
	return StatusNone
}

// DerivePriority picks the highest-priority p-label, case-insensitive.
// "p1", "p1-high", "p1:anything", and "p1 whatever" all count as p1.
// Issues without a priority label default to p2-medium.
func DerivePriority(labels []string) Priority {
	best := byte(0)
	found := false
	for _, l := range labels {
		d, ok := parsePriorityLabel(l)
		if !ok {
			continue
		}
		if !found || d < best {
			best = d
			found = true
		}
	}
	if !found {
		return PriorityP2
	}
	return priorityByDigit[best]
}

func parsePriorityLabel(label string) (byte, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	if len(l) < 2 || l[0] != 'p' {
		return 0, false
	}
	d := l[1]
	if _, ok := priorityByDigit[d]; !ok {
		return 0, false
	}
	if len(l) == 2 {
		return d, true
	}
	switch l[2] {
	case '-', ':', ' ':
		return d, true
	}
	return 0, false
}

// DeriveTaskView composes the dashboard view of a task from its mirrored
// issue and (optional) op-state.
func DeriveTaskView(issue Issue, opState *OpState) TaskView {
	view := TaskView{
		Repo:     issue.Repo,
		Number:   issue.Number,
		Title:    issue.Title,
		Priority: DerivePriority(issue.Labels),
		Status:   DeriveRalphStatus(issue.Labels, opState),
	}
	if view.Status == StatusNone {
		view.Status = StatusQueued
	}
	if opState != nil {
		view.SessionID = opState.SessionID
		view.HeartbeatAt = opState.HeartbeatAt
	}
	return view
}

// ClaimPlan is the outcome of PlanClaim.
type ClaimPlan struct {
	Claimable bool
	Steps     []Op
}

// PlanClaim decides whether the issue can be claimed and, when it can, the
// label steps that claim it. Claimable iff queued and neither in-progress nor
// done. Applying the steps and re-planning yields claimable=false.
func PlanClaim(labels []string) ClaimPlan {
	if !hasLabel(labels, LabelQueued) ||
		hasLabel(labels, LabelInProgress) ||
		hasLabel(labels, LabelDone) {
		return ClaimPlan{}
	}
	steps := []Op{Add(LabelInProgress), Remove(LabelQueued)}
	if hasLabel(labels, LabelBlocked) {
		steps = append(steps, Remove(LabelBlocked))
	}
	return ClaimPlan{Claimable: true, Steps: steps}
}

// LabelDelta is a minimal add/remove set over ralph labels.
type LabelDelta struct {
	Add    []string
	Remove []string
}

// StatusToLabelDelta computes the minimal ralph-label delta that moves an
// issue with the given labels to targetStatus. Only ralph:* labels are
// touched. Transitioning to blocked keeps queued (a blocked task stays
// queueable for priority on unblock); transitioning to queued clears blocked.
func StatusToLabelDelta(targetStatus Status, labels []string) LabelDelta {
	var target string
	switch targetStatus {
	case StatusQueued:
		target = LabelQueued
	case StatusInProgress:
		target = LabelInProgress
	case StatusBlocked:
		target = LabelBlocked
	case StatusEscalated:
		target = LabelEscalated
	case StatusDone:
		target = LabelDone
	default:
		return LabelDelta{}
	}

	var delta LabelDelta
	if !hasLabel(labels, target) {
		delta.Add = append(delta.Add, target)
	}
	for _, l := range StatusLabels(labels) {
		if l == target {
			continue
		}
		if targetStatus == StatusBlocked && l == LabelQueued {
			continue
		}
		if targetStatus == StatusEscalated && l == LabelBlocked {
			continue
		}
		delta.Remove = append(delta.Remove, l)
	}
	return delta
}

// StaleLeaseInput feeds ShouldRecoverStaleInProgress.
type StaleLeaseInput struct {
	Labels  []string
	OpState *OpState
	Now     time.Time
	TTL     time.Duration
}

// ShouldRecoverStaleInProgress reports whether an in-progress lease has gone
// stale and should be recovered: labeled in-progress, an op-state exists,
// its heartbeat is older than the TTL, and the worker did not release it.
func ShouldRecoverStaleInProgress(in StaleLeaseInput) bool {
	if !hasLabel(in.Labels, LabelInProgress) {
		return false
	}
	if in.OpState == nil || in.OpState.Released {
		return false
	}
	hb := in.OpState.HeartbeatAt
	if hb.IsZero() {
		return true
	}
	return in.Now.Sub(hb) > in.TTL
}

// PriorityRank returns the numeric rank of p (0 highest). Unknown priorities
// rank as p2.
func PriorityRank(p Priority) int {
	s := string(p)
	if len(s) >= 2 && s[0] == 'p' {
		if n, err := strconv.Atoi(s[1:2]); err == nil {
			return n
		}
	}
	return 2
}
