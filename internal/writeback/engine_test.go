package writeback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/labels"
	"github.com/ralphd/ralphd/internal/queue"
)

type fakeGitHub struct {
	mu           sync.Mutex
	comments     []github.IssueComment
	nextID       int64
	scanComplete bool
	createErr    error
	updateErr    error
	closed       []int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{nextID: 1000, scanComplete: true}
}

func (f *fakeGitHub) ListRecentIssueComments(context.Context, string, int, int) ([]github.IssueComment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]github.IssueComment, len(f.comments))
	copy(out, f.comments)
	return out, f.scanComplete, nil
}

func (f *fakeGitHub) CreateIssueComment(_ context.Context, _ string, _ int, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.comments = append(f.comments, github.IssueComment{
		DatabaseID: f.nextID,
		Body:       body,
		CreatedAt:  fmt.Sprintf("2026-01-11T00:00:%02dZ", len(f.comments)),
	})
	return f.nextID, nil
}

func (f *fakeGitHub) UpdateIssueComment(_ context.Context, _ string, commentID int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.comments {
		if f.comments[i].DatabaseID == commentID {
			f.comments[i].Body = body
			return nil
		}
	}
	return fmt.Errorf("comment %d not found", commentID)
}

func (f *fakeGitHub) CloseIssue(_ context.Context, _ string, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeGitHub) commentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments)
}

type fakeKeys struct {
	mu       sync.Mutex
	keys     map[string]string
}

func newFakeKeys() *fakeKeys { return &fakeKeys{keys: make(map[string]string)} }

func (f *fakeKeys) HasKey(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok, nil
}

func (f *fakeKeys) RecordKeyIfAbsent(_ context.Context, key, _, payload string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = payload
	return true, nil
}

func (f *fakeKeys) UpsertKey(_ context.Context, key, _, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[key] = payload
	return nil
}

func (f *fakeKeys) GetPayload(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keys[key], nil
}

func (f *fakeKeys) DeleteKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type fakeLabels struct {
	mu   sync.Mutex
	reqs []labels.Request
	err  error
}

func (f *fakeLabels) Execute(_ context.Context, req labels.Request) (labels.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return labels.Result{}, f.err
}

func TestMarkerID(t *testing.T) {
	id := MarkerID("escalation:acme/widgets:7:retry=0:session=s1")
	if len(id) != 12 {
		t.Fatalf("marker id %q has length %d, want 12", id, len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("marker id %q is not lowercase hex", id)
		}
	}
	if id != MarkerID("escalation:acme/widgets:7:retry=0:session=s1") {
		t.Error("marker id is not deterministic")
	}
	if id == MarkerID("escalation:acme/widgets:8:retry=0:session=s1") {
		t.Error("different identity tuples must produce different ids")
	}
}

func TestFindMarkerIDCaseInsensitive(t *testing.T) {
	id := MarkerID("x")
	body := "prefix\n<!-- RALPH-ESCALATION:ID=" + strings.ToUpper(id) + " -->\nrest"
	got, ok := FindMarkerID(body, KindEscalation)
	if !ok || got != id {
		t.Errorf("FindMarkerID = %q, %v; want %q, true", got, ok, id)
	}
	if _, ok := FindMarkerID(body, KindWatchdog); ok {
		t.Error("marker of a different kind must not match")
	}
}

func TestStateLineRoundTrip(t *testing.T) {
	st := MergeConflictState{
		Version: 1,
		Lease:   &ConflictLease{Holder: "w1", ExpiresAt: "2026-01-11T01:00:00Z"},
		Attempts: []ConflictAttempt{
			{SessionID: "s1", At: "2026-01-11T00:30:00Z", Outcome: "failed"},
		},
	}
	line, err := StateLine(KindMergeConflict, st)
	if err != nil {
		t.Fatal(err)
	}
	body := MarkerLine(KindMergeConflict, MarkerID("b")) + "\n" + line + "\n\ntext"

	var got MergeConflictState
	found, err := ParseStateLine(body, KindMergeConflict, &got)
	if err != nil || !found {
		t.Fatalf("ParseStateLine: found=%v err=%v", found, err)
	}
	if got.Lease == nil || got.Lease.Holder != "w1" || len(got.Attempts) != 1 {
		t.Errorf("state round trip lost data: %+v", got)
	}
}

func escalationCtx() EscalationContext {
	return EscalationContext{
		Repo:        "acme/widgets",
		IssueNumber: 7,
		Owner:       "octocat",
		Reason:      "Need guidance",
		SessionID:   "s1",
	}
}

func TestEscalationIdempotence(t *testing.T) {
	gh := newFakeGitHub()
	keys := newFakeKeys()
	lw := &fakeLabels{}
	e := NewEngine(gh, keys, lw)

	res, err := e.WriteEscalation(context.Background(), escalationCtx())
	if err != nil {
		t.Fatalf("first escalation: %v", err)
	}
	if !res.PostedComment || res.SkippedComment {
		t.Errorf("first call = %+v, want posted", res)
	}
	if gh.commentCount() != 1 {
		t.Fatalf("comment count = %d", gh.commentCount())
	}
	if !strings.Contains(gh.comments[0].Body, "<!-- ralph-escalation:id=") {
		t.Error("comment missing marker line")
	}
	if !strings.Contains(gh.comments[0].Body, "@octocat") {
		t.Error("comment missing owner mention")
	}
	if !strings.Contains(gh.comments[0].Body, ResolutionTriggerPhrase) {
		t.Error("comment missing resolution trigger phrase")
	}

	// Second identical call must not touch GitHub comments.
	res, err = e.WriteEscalation(context.Background(), escalationCtx())
	if err != nil {
		t.Fatalf("second escalation: %v", err)
	}
	if res.PostedComment || !res.SkippedComment || !res.MarkerFound {
		t.Errorf("second call = %+v, want skipped with marker found", res)
	}
	if gh.commentCount() != 1 {
		t.Errorf("comment count after repeat = %d, want 1", gh.commentCount())
	}

	// Label delta: escalated added, transitions removed.
	req := lw.reqs[0]
	var adds, removes []string
	for _, op := range req.Ops {
		if op.Action == queue.ActionAdd {
			adds = append(adds, op.Label)
		} else {
			removes = append(removes, op.Label)
		}
	}
	if len(adds) != 1 || adds[0] != queue.LabelEscalated {
		t.Errorf("adds = %v", adds)
	}
	if len(removes) != 2 {
		t.Errorf("removes = %v", removes)
	}
}

func TestChangedBodyPatchesExistingComment(t *testing.T) {
	gh := newFakeGitHub()
	keys := newFakeKeys()
	e := NewEngine(gh, keys, &fakeLabels{})

	ec := escalationCtx()
	if _, err := e.WriteEscalation(context.Background(), ec); err != nil {
		t.Fatal(err)
	}

	ec.Reason = "Different guidance needed"
	res, err := e.WriteEscalation(context.Background(), ec)
	if err != nil {
		t.Fatal(err)
	}
	if !res.PatchedComment || res.PostedComment {
		t.Errorf("result = %+v, want patched", res)
	}
	if gh.commentCount() != 1 {
		t.Errorf("patch created a new comment: count = %d", gh.commentCount())
	}
	if !strings.Contains(gh.comments[0].Body, "Different guidance needed") {
		t.Error("patched body not updated")
	}
}

func TestStaleKeyReconciled(t *testing.T) {
	gh := newFakeGitHub()
	keys := newFakeKeys()
	e := NewEngine(gh, keys, &fakeLabels{})

	// A key exists but the complete scan finds no marker: the comment was
	// deleted out from under us. The key must be reconciled and a fresh
	// comment posted.
	plan := PlanEscalation(escalationCtx())
	_ = keys.UpsertKey(context.Background(), plan.IdempotencyKey, plan.Kind, `{"bodyHash":"stale"}`)

	res, err := e.Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !res.PostedComment || res.MarkerFound {
		t.Errorf("result = %+v, want fresh post", res)
	}
}

func TestIncompleteScanTrustsMatchingHash(t *testing.T) {
	gh := newFakeGitHub()
	gh.scanComplete = false
	keys := newFakeKeys()
	e := NewEngine(gh, keys, &fakeLabels{})

	plan := PlanEscalation(escalationCtx())
	// Seed the key with the hash Apply will compute for this plan.
	if _, err := e.Apply(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	gh.mu.Lock()
	gh.comments = nil // simulate marker beyond the scan horizon
	gh.mu.Unlock()

	res, err := e.Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !res.SkippedComment || res.PostedComment {
		t.Errorf("result = %+v, want skip (assume exists)", res)
	}
	if gh.commentCount() != 1 {
		t.Errorf("comment count = %d, want 1", gh.commentCount())
	}
}

func TestIncompleteScanPostsOnHashMismatch(t *testing.T) {
	gh := newFakeGitHub()
	gh.scanComplete = false
	keys := newFakeKeys()
	e := NewEngine(gh, keys, &fakeLabels{})

	plan := PlanEscalation(escalationCtx())
	_ = keys.UpsertKey(context.Background(), plan.IdempotencyKey, plan.Kind, `{"bodyHash":"different"}`)

	res, err := e.Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !res.PostedComment {
		t.Errorf("result = %+v, want post despite existing key", res)
	}
}

func TestPostFailureReleasesKey(t *testing.T) {
	gh := newFakeGitHub()
	gh.createErr = errors.New("boom")
	keys := newFakeKeys()
	e := NewEngine(gh, keys, &fakeLabels{})

	plan := PlanEscalation(escalationCtx())
	if _, err := e.Apply(context.Background(), plan); err == nil {
		t.Fatal("expected post failure")
	}
	has, _ := keys.HasKey(context.Background(), plan.IdempotencyKey)
	if has {
		t.Error("key must be released after a failed post so retry can converge")
	}

	// Retry after the failure clears succeeds.
	gh.createErr = nil
	res, err := e.Apply(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if !res.PostedComment {
		t.Errorf("retry result = %+v", res)
	}
}

func TestCommentBodyIsRedacted(t *testing.T) {
	gh := newFakeGitHub()
	e := NewEngine(gh, newFakeKeys(), &fakeLabels{})

	ec := escalationCtx()
	ec.Reason = "token ghp_abcdef1234567890 leaked in /home/ralph/workdir"
	if _, err := e.WriteEscalation(context.Background(), ec); err != nil {
		t.Fatal(err)
	}
	body := gh.comments[0].Body
	if strings.Contains(body, "ghp_abcdef1234567890") {
		t.Error("token not redacted from comment body")
	}
	if !strings.Contains(body, "ghp_[REDACTED]") {
		t.Error("redaction placeholder missing")
	}
	if strings.Contains(body, "/home/ralph") {
		t.Error("home path not redacted")
	}
}

func TestParentVerificationClosesAndRelabels(t *testing.T) {
	gh := newFakeGitHub()
	lw := &fakeLabels{}
	e := NewEngine(gh, newFakeKeys(), lw)

	res, err := e.WriteParentVerification(context.Background(), VerifyContext{
		Repo: "acme/widgets", IssueNumber: 42, Summary: "All 3 children merged.", SessionID: "s9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.PostedComment {
		t.Errorf("result = %+v", res)
	}
	if len(gh.closed) != 1 || gh.closed[0] != 42 {
		t.Errorf("closed = %v, want [42]", gh.closed)
	}
	final := lw.reqs[len(lw.reqs)-1]
	hasDoneAdd := false
	removes := 0
	for _, op := range final.Ops {
		if op.Action == queue.ActionAdd && op.Label == queue.LabelDone {
			hasDoneAdd = true
		}
		if op.Action == queue.ActionRemove {
			removes++
		}
	}
	if !hasDoneAdd || removes != len(queue.TransitionStatusLabels) {
		t.Errorf("final label ops = %v", final.Ops)
	}
}

func TestWatchdogStuckKeepsLease(t *testing.T) {
	plan := PlanWatchdog(WatchdogContext{
		Repo: "acme/widgets", IssueNumber: 7, Kind: WatchdogKindStuck,
		WorkerID: "w1", SessionID: "s1", Reason: "no activity for 20m",
	})
	if len(plan.AddLabels) != 1 || plan.AddLabels[0] != queue.LabelStuck {
		t.Errorf("stuck labels = %v", plan.AddLabels)
	}
	if len(plan.RemoveLabels) != 0 {
		t.Errorf("stuck must not strip labels: %v", plan.RemoveLabels)
	}
	if !strings.Contains(plan.CommentBody, "retry once with a fresh session") {
		t.Error("stuck body missing retry notice")
	}
	if !strings.Contains(plan.CommentBody, "<!-- ralph-watchdog-stuck:id=") {
		t.Error("stuck marker kind wrong")
	}
}

func TestCmdDecisionRoundTrip(t *testing.T) {
	gh := newFakeGitHub()
	e := NewEngine(gh, newFakeKeys(), &fakeLabels{})

	decision := CmdDecision{Key: "retry", Decision: "accepted", ProcessedAt: "2026-01-11T00:00:00Z"}
	if _, err := e.WriteCmdDecision(context.Background(), CmdContext{
		Repo: "acme/widgets", IssueNumber: 7, Decision: decision,
	}); err != nil {
		t.Fatal(err)
	}

	got, found, err := e.ReadCmdDecision(context.Background(), "acme/widgets", 7, "retry")
	if err != nil || !found {
		t.Fatalf("ReadCmdDecision: found=%v err=%v", found, err)
	}
	if got != decision {
		t.Errorf("decision = %+v, want %+v", got, decision)
	}
}

func TestCapBody(t *testing.T) {
	long := strings.Repeat("line of padding text\n", 1000)
	capped := capBody(long, 1024)
	if len(capped) > 1024+40 {
		t.Errorf("capped length = %d", len(capped))
	}
	if !strings.HasSuffix(capped, "_(truncated)_") {
		t.Errorf("missing truncation suffix: %q", capped[len(capped)-40:])
	}
	if capBody("short", 1024) != "short" {
		t.Error("short bodies must pass through")
	}
}
