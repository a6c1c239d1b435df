package queue

import "strings"

// Ralph-owned label taxonomy. All labels the orchestrator mutates carry the
// "ralph:" prefix; exactly one "ralph:status:*" label is active per open issue.
const (
	LabelPrefix  = "ralph:"
	StatusPrefix = "ralph:status:"
	CmdPrefix    = "ralph:cmd:"

	LabelQueued     = "ralph:status:queued"
	LabelInProgress = "ralph:status:in-progress"
	LabelBlocked    = "ralph:status:blocked"
	LabelEscalated  = "ralph:status:escalated"
	LabelDone       = "ralph:status:done"

	// LabelStuck aliases to in-progress in the vNext taxonomy: a stuck task
	// is still leased, the watchdog comment carries the stuck signal.
	LabelStuck = LabelInProgress
)

// WorkflowLabels is the full set the done-reconciler ensures exists on a repo.
var WorkflowLabels = []string{
	LabelQueued, LabelInProgress, LabelBlocked, LabelEscalated, LabelDone,
}

// TransitionStatusLabels are the non-terminal status labels stripped when a
// task reaches a terminal state (done, verified-closed).
var TransitionStatusLabels = []string{
	LabelQueued, LabelInProgress, LabelBlocked,
}

// legacyWorkflowLabels is the pre-vNext scheme: workflow state directly under
// "ralph:" without the "status:" segment. Finding any of these on an open
// issue means the repo has not been migrated and reconcilers must stand down.
var legacyWorkflowLabels = map[string]bool{
	"ralph:queued":      true,
	"ralph:in-progress": true,
	"ralph:wip":         true,
	"ralph:blocked":     true,
	"ralph:done":        true,
	"ralph:escalated":   true,
}

// IsRalphLabel reports whether label is owned by the orchestrator.
func IsRalphLabel(label string) bool {
	return strings.HasPrefix(label, LabelPrefix)
}

// IsStatusLabel reports whether label is a workflow status label.
func IsStatusLabel(label string) bool {
	return strings.HasPrefix(label, StatusPrefix)
}

// IsCmdLabel reports whether label is an operator command label. Command
// labels are never coalesced by the label write coordinator.
func IsCmdLabel(label string) bool {
	return strings.HasPrefix(label, CmdPrefix)
}

// IsLegacyWorkflowLabel reports whether label belongs to the pre-vNext
// workflow scheme.
func IsLegacyWorkflowLabel(label string) bool {
	return legacyWorkflowLabels[label]
}

// StatusLabels returns the workflow status labels present in labels,
// preserving input order.
func StatusLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if IsStatusLabel(l) {
			out = append(out, l)
		}
	}
	return out
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
