// Package writeback performs idempotent GitHub mutations keyed by comment
// markers: escalation, watchdog, rollup-ready, parent-verification, and
// merge-conflict state comments. The GitHub comment is the source-of-truth
// replica of the idempotency key; keys are reconciled whenever a scan proves
// the comment absent.
package writeback

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// Writeback kinds, used in marker lines and idempotency key scopes.
const (
	KindEscalation    = "escalation"
	KindWatchdog      = "watchdog"
	KindWatchdogStuck = "watchdog-stuck"
	KindRollupReady   = "rollup-ready"
	KindParentVerify  = "parent-verify"
	KindMergeConflict = "merge-conflict"
	KindCmd           = "cmd"
)

// MarkerID derives the deterministic 12-hex-char id for a writeback identity
// tuple: two FNV-1a passes, forward and reversed, concatenated and truncated.
func MarkerID(base string) string {
	fwd := fnv.New32a()
	_, _ = fwd.Write([]byte(base))
	rev := fnv.New32a()
	_, _ = rev.Write([]byte(reverse(base)))
	return fmt.Sprintf("%08x%08x", fwd.Sum32(), rev.Sum32())[:12]
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// MarkerLine renders the HTML comment that identifies "the same" writeback
// comment across runs.
func MarkerLine(kind, id string) string {
	return fmt.Sprintf("<!-- ralph-%s:id=%s -->", kind, id)
}

// StateLine renders the secondary marker line carrying structured in-comment
// state.
func StateLine(kind string, state any) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s state: %w", kind, err)
	}
	return fmt.Sprintf("<!-- ralph-%s:state=%s -->", kind, raw), nil
}

var (
	markerRe = regexp.MustCompile(`(?i)<!--\s*ralph-([a-z0-9-]+):id=([0-9a-f]{12})\s*-->`)
	stateRe  = regexp.MustCompile(`(?i)<!--\s*ralph-([a-z0-9-]+):state=(\{.*?\})\s*-->`)
)

// FindMarkerID scans body for a marker of the given kind, case-insensitive.
func FindMarkerID(body, kind string) (string, bool) {
	for _, m := range markerRe.FindAllStringSubmatch(body, -1) {
		if strings.EqualFold(m[1], kind) {
			return strings.ToLower(m[2]), true
		}
	}
	return "", false
}

// ParseStateLine extracts and decodes the state JSON for kind from body into
// out. Returns false when no state line for the kind is present.
func ParseStateLine(body, kind string, out any) (bool, error) {
	for _, m := range stateRe.FindAllStringSubmatch(body, -1) {
		if !strings.EqualFold(m[1], kind) {
			continue
		}
		if err := json.Unmarshal([]byte(m[2]), out); err != nil {
			return true, fmt.Errorf("failed to decode %s state: %w", kind, err)
		}
		return true, nil
	}
	return false, nil
}

// truncateField caps a user-supplied text field with an ellipsis.
func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
