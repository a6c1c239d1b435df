package writeback

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/redact"
)

const (
	// WatchdogKindStuck is the first timeout: one retry with a fresh session.
	WatchdogKindStuck = "stuck"
	// WatchdogKindEscalated is the second timeout: hand off to a human.
	WatchdogKindEscalated = "escalated"

	maxWatchdogBody = 60 * 1024
	maxSnippetChars = 1200

	// Event tail read bounds.
	maxEventTailBytes = 64 * 1024
	maxEventLines     = 30
)

// WatchdogContext identifies one watchdog writeback.
type WatchdogContext struct {
	Repo        string
	IssueNumber int
	// Kind is WatchdogKindStuck or WatchdogKindEscalated.
	Kind      string
	WorkerID  string
	SessionID string
	Reason    string
	// EventsFile is the session's event log; its tail is embedded, redacted.
	EventsFile string
	RetryIndex int
}

// PlanWatchdog builds the watchdog plan. A stuck watchdog keeps the task
// leased (stuck aliases to in-progress); an escalated one moves it to
// escalated.
func PlanWatchdog(wc WatchdogContext) Plan {
	markerKind := KindWatchdog
	if wc.Kind == WatchdogKindStuck {
		markerKind = KindWatchdogStuck
	}
	base := fmt.Sprintf("%s:%s:%d:retry=%d:session=%s",
		markerKind, wc.Repo, wc.IssueNumber, wc.RetryIndex, wc.SessionID)
	markerID := MarkerID(base)

	var b strings.Builder
	b.WriteString(MarkerLine(markerKind, markerID))
	if wc.Kind == WatchdogKindStuck {
		b.WriteString("\n\n## Worker appears stuck\n\n")
		fmt.Fprintf(&b, "**Reason:** %s\n\n", truncateField(wc.Reason, maxReasonChars))
		b.WriteString("Ralph will retry once with a fresh session.\n")
	} else {
		b.WriteString("\n\n## Worker stuck again — escalating\n\n")
		fmt.Fprintf(&b, "**Reason:** %s\n\n", truncateField(wc.Reason, maxReasonChars))
		b.WriteString("The retry with a fresh session also stalled; a human needs to step in.\n")
	}

	lines, snippet := readEventTail(wc.EventsFile)
	if snippet != "" {
		b.WriteString("\n### Last anomaly\n\n```\n")
		b.WriteString(truncateField(snippet, maxSnippetChars))
		b.WriteString("\n```\n")
	}
	if len(lines) > 0 {
		b.WriteString("\n### Recent session events\n\n```\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n```\n")
	}

	plan := Plan{
		Kind:        markerKind,
		Repo:        wc.Repo,
		IssueNumber: wc.IssueNumber,
		MarkerID:    markerID,
		CommentBody: capBody(b.String(), maxWatchdogBody),
		IdempotencyKey: fmt.Sprintf("%s:%s#%d:%s",
			markerKind, wc.Repo, wc.IssueNumber, markerID),
	}
	if wc.Kind == WatchdogKindStuck {
		plan.AddLabels = []string{queue.LabelStuck}
	} else {
		plan.AddLabels = []string{queue.LabelEscalated}
		plan.RemoveLabels = []string{queue.LabelInProgress, queue.LabelQueued}
	}
	return plan
}

// WriteWatchdog plans and applies a watchdog comment.
func (e *Engine) WriteWatchdog(ctx context.Context, wc WatchdogContext) (Result, error) {
	return e.Apply(ctx, PlanWatchdog(wc))
}

// readEventTail returns the redacted last lines of the session events file
// plus the most recent anomaly or error line as the snippet. A missing or
// unreadable file yields nothing; the watchdog still posts.
func readEventTail(path string) (lines []string, snippet string) {
	if path == "" {
		return nil, ""
	}
	raw, err := tailBytes(path, maxEventTailBytes)
	if err != nil {
		return nil, ""
	}
	all := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(all) > maxEventLines {
		all = all[len(all)-maxEventLines:]
	}
	for _, line := range all {
		if line == "" {
			continue
		}
		clean := redact.SensitiveText(line, redact.Options{})
		lines = append(lines, clean)
		lower := strings.ToLower(clean)
		if strings.Contains(lower, "anomaly") || strings.Contains(lower, "error") {
			snippet = clean
		}
	}
	return lines, snippet
}

// tailBytes reads up to max bytes from the end of the file, starting at a
// line boundary when possible.
func tailBytes(path string, max int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(0)
	if info.Size() > max {
		offset = info.Size() - max
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		// Drop the partial first line.
		if i := strings.IndexByte(string(raw), '\n'); i >= 0 {
			raw = raw[i+1:]
		}
	}
	return raw, nil
}
