// Package labels coordinates all GitHub label writes: per-issue serial
// ordering, best-effort coalescing, repo-level backoff after transient
// failures, rollback on partial failure, and the single-status invariant
// heal. Nothing else in the orchestrator mutates labels directly.
package labels

import (
	"context"
	"errors"
	"fmt"

	"github.com/ralphd/ralphd/internal/store"
)

// WriteClass selects how eagerly ops reach GitHub.
type WriteClass string

const (
	// WriteClassImmediate applies ops as soon as the per-issue lock is free.
	WriteClassImmediate WriteClass = "immediate"
	// WriteClassBestEffort merges ops for the same issue inside a short
	// coalescing window before a single flush.
	WriteClassBestEffort WriteClass = "best-effort"
)

// FailureKind classifies a label-write failure. The taxonomy is shared with
// the rest of the orchestrator (see the writeback engine and pollers).
type FailureKind string

const (
	// FailurePolicy is refused before any network call and never retried.
	FailurePolicy FailureKind = "policy"
	// FailureAuth covers 401/403/404; surfaced without tripping backoff.
	FailureAuth FailureKind = "auth"
	// FailureTransient covers 429, secondary rate limits, 5xx, and network
	// errors; it trips the repo-level backoff and skips rollback so a retry
	// can converge.
	FailureTransient FailureKind = "transient"
	// FailureUnknown is everything untyped.
	FailureUnknown FailureKind = "unknown"
	// FailureAborted is cancellation; no state advanced.
	FailureAborted FailureKind = "aborted"
)

// Error is a classified label-write failure.
type Error struct {
	Kind FailureKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("label write failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failf(kind FailureKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err; FailureUnknown when err carries
// no classification.
func KindOf(err error) FailureKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return FailureUnknown
}

// GitHub is the slice of the GitHub client the coordinator needs.
type GitHub interface {
	// ListIssueLabels returns the issue's current labels.
	ListIssueLabels(ctx context.Context, repo string, number int) ([]string, error)
	// AddIssueLabels adds labels in one call.
	AddIssueLabels(ctx context.Context, repo string, number int, labels []string) error
	// RemoveIssueLabel removes one label; an absent label is success.
	RemoveIssueLabel(ctx context.Context, repo string, number int, label string) error
}

// BackoffStore persists the per-repo transient-failure backoff window.
type BackoffStore interface {
	GetRepoLabelWriteState(ctx context.Context, repo string) (store.LabelWriteState, error)
	SetRepoLabelWriteState(ctx context.Context, repo string, st store.LabelWriteState) error
}
