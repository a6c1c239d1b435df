package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	gh "github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/labels"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/store"
)

type fakeGitHub struct {
	prs          []gh.MergedPR
	searchErr    error
	branch       string
	branchErr    error
	branchCalls  int
	created      []string
	createErr    error
	searchCalled int
}

func (f *fakeGitHub) SearchMergedPRs(ctx context.Context, repo, base, since string) ([]gh.MergedPR, error) {
	f.searchCalled++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.prs, nil
}

func (f *fakeGitHub) GetRepoDefaultBranch(ctx context.Context, repo string) (string, error) {
	f.branchCalls++
	if f.branchErr != nil {
		return "", f.branchErr
	}
	return f.branch, nil
}

func (f *fakeGitHub) CreateRepoLabel(ctx context.Context, repo, name, color, description string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, name)
	return nil
}

type fakeWriter struct {
	requests []labels.Request
	failOn   int // 1-based call index to fail at, 0 = never
}

func (f *fakeWriter) Execute(ctx context.Context, req labels.Request) (labels.Result, error) {
	f.requests = append(f.requests, req)
	if f.failOn > 0 && len(f.requests) == f.failOn {
		return labels.Result{}, errors.New("label write failed")
	}
	return labels.Result{Applied: req.Ops}, nil
}

func newTestReconciler(t *testing.T, fake *fakeGitHub, writer *fakeWriter, cfg Config, opts ...Option) (*Reconciler, *store.Store) {
	t.Helper()
	st, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New("octo/widgets", fake, writer, st, cfg, opts...), st
}

func seedCursor(t *testing.T, st *store.Store, mergedAt string, pr int) {
	t.Helper()
	err := st.RecordRepoDoneReconcileCursor(context.Background(), "octo/widgets",
		store.DoneCursor{LastMergedAt: mergedAt, LastPRNumber: pr})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFirstTickInitializesCursorToNow(t *testing.T) {
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	fake := &fakeGitHub{branch: "main"}
	r, st := newTestReconciler(t, fake, &fakeWriter{}, Config{},
		WithClock(func() time.Time { return now }))

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != TickInitialized {
		t.Fatalf("status = %q", res.Status)
	}
	if fake.searchCalled != 0 {
		t.Error("initializing tick should not search")
	}
	cur, ok, _ := st.GetRepoDoneReconcileCursor(context.Background(), "octo/widgets")
	if !ok || cur.LastMergedAt != "2026-01-11T12:00:00Z" {
		t.Errorf("cursor = %+v ok=%v", cur, ok)
	}
}

func TestRelabelsOpenRalphClosingIssues(t *testing.T) {
	fake := &fakeGitHub{
		branch: "main",
		prs: []gh.MergedPR{{
			Number:   2,
			MergedAt: "2026-01-11T13:00:00Z",
			ClosingIssues: []gh.ClosingIssue{
				{Repo: "octo/widgets", Number: 9, State: "OPEN",
					Labels: []string{"ralph:status:in-progress"}},
				{Repo: "octo/widgets", Number: 10, State: "CLOSED",
					Labels: []string{"ralph:status:in-progress"}},
				{Repo: "octo/other", Number: 3, State: "OPEN",
					Labels: []string{"ralph:status:in-progress"}},
				{Repo: "octo/widgets", Number: 11, State: "OPEN",
					Labels: []string{"bug"}},
			},
		}},
	}
	writer := &fakeWriter{}
	r, st := newTestReconciler(t, fake, writer, Config{})
	seedCursor(t, st, "2026-01-11T12:00:00Z", 0)

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 || res.Relabeled != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(writer.requests) != 1 {
		t.Fatalf("writes = %d, want 1 (only the open ralph-managed issue)", len(writer.requests))
	}
	req := writer.requests[0]
	if req.IssueNumber != 9 {
		t.Errorf("wrote to issue #%d", req.IssueNumber)
	}
	wantOps := []queue.Op{queue.Add(queue.LabelDone)}
	for _, l := range queue.TransitionStatusLabels {
		wantOps = append(wantOps, queue.Remove(l))
	}
	if len(req.Ops) != len(wantOps) {
		t.Fatalf("ops = %v", req.Ops)
	}
	for i, op := range wantOps {
		if req.Ops[i] != op {
			t.Errorf("ops[%d] = %v, want %v", i, req.Ops[i], op)
		}
	}

	cur, _, _ := st.GetRepoDoneReconcileCursor(context.Background(), "octo/widgets")
	if cur.LastMergedAt != "2026-01-11T13:00:00Z" || cur.LastPRNumber != 2 {
		t.Errorf("cursor = %+v", cur)
	}
}

func TestSkipsPRsAtOrBelowCursor(t *testing.T) {
	issue := []gh.ClosingIssue{{Repo: "octo/widgets", Number: 1, State: "OPEN",
		Labels: []string{"ralph:status:queued"}}}
	fake := &fakeGitHub{
		branch: "main",
		prs: []gh.MergedPR{
			{Number: 4, MergedAt: "2026-01-11T13:00:00Z", ClosingIssues: issue},
			{Number: 5, MergedAt: "2026-01-11T13:00:00Z", ClosingIssues: issue},
			{Number: 6, MergedAt: "2026-01-11T13:00:00Z", ClosingIssues: issue},
		},
	}
	writer := &fakeWriter{}
	r, st := newTestReconciler(t, fake, writer, Config{})
	seedCursor(t, st, "2026-01-11T13:00:00Z", 5)

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 {
		t.Errorf("processed = %d, want only PR #6", res.Processed)
	}
	cur, _, _ := st.GetRepoDoneReconcileCursor(context.Background(), "octo/widgets")
	if cur.LastPRNumber != 6 {
		t.Errorf("cursor PR = %d", cur.LastPRNumber)
	}
}

func TestWriteFailureStopsCursor(t *testing.T) {
	issue := func(n int) []gh.ClosingIssue {
		return []gh.ClosingIssue{{Repo: "octo/widgets", Number: n, State: "OPEN",
			Labels: []string{"ralph:status:queued"}}}
	}
	fake := &fakeGitHub{
		branch: "main",
		prs: []gh.MergedPR{
			{Number: 1, MergedAt: "2026-01-11T13:00:00Z", ClosingIssues: issue(21)},
			{Number: 2, MergedAt: "2026-01-11T13:05:00Z", ClosingIssues: issue(22)},
		},
	}
	writer := &fakeWriter{failOn: 2}
	r, st := newTestReconciler(t, fake, writer, Config{})
	seedCursor(t, st, "2026-01-11T12:00:00Z", 0)

	res, err := r.Tick(context.Background())
	if err == nil {
		t.Fatal("want error")
	}
	if res.Processed != 1 {
		t.Errorf("processed = %d", res.Processed)
	}
	cur, _, _ := st.GetRepoDoneReconcileCursor(context.Background(), "octo/widgets")
	if cur.LastPRNumber != 1 {
		t.Errorf("cursor PR = %d, want the last successful one", cur.LastPRNumber)
	}

	// Next tick retries PR #2.
	writer.failOn = 0
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	cur, _, _ = st.GetRepoDoneReconcileCursor(context.Background(), "octo/widgets")
	if cur.LastPRNumber != 2 {
		t.Errorf("cursor PR = %d after retry", cur.LastPRNumber)
	}
}

func TestLegacySchemeSkipsRepo(t *testing.T) {
	fake := &fakeGitHub{branch: "main"}
	r, st := newTestReconciler(t, fake, &fakeWriter{}, Config{})
	if err := st.SetRepoLabelSchemeError(context.Background(), "octo/widgets",
		"legacy-workflow-labels", "issue #1 carries ralph:wip"); err != nil {
		t.Fatal(err)
	}

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != TickSkipped {
		t.Errorf("status = %q", res.Status)
	}
	if len(fake.created) != 0 || fake.searchCalled != 0 {
		t.Error("skipped repo should see no GitHub traffic")
	}
}

func TestEnsureLabelsMemoizedAndRetried(t *testing.T) {
	fake := &fakeGitHub{branch: "main", createErr: errors.New("503")}
	r, st := newTestReconciler(t, fake, &fakeWriter{}, Config{})
	seedCursor(t, st, "2026-01-11T12:00:00Z", 0)

	if _, err := r.Tick(context.Background()); err == nil {
		t.Fatal("want ensure failure")
	}

	fake.createErr = nil
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fake.created) != len(queue.WorkflowLabels) {
		t.Fatalf("created = %v", fake.created)
	}
	if _, err := r.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fake.created) != len(queue.WorkflowLabels) {
		t.Error("ensure should run once after success")
	}
}

func TestDefaultBranchCachedWithTTL(t *testing.T) {
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	fake := &fakeGitHub{branch: "main"}
	r, st := newTestReconciler(t, fake, &fakeWriter{}, Config{},
		WithClock(func() time.Time { return now }))
	seedCursor(t, st, "2026-01-11T11:00:00Z", 0)

	ctx := context.Background()
	if _, err := r.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.branchCalls != 1 {
		t.Errorf("branch lookups = %d, want cached", fake.branchCalls)
	}

	now = now.Add(11 * time.Minute)
	if _, err := r.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.branchCalls != 2 {
		t.Errorf("branch lookups = %d, want refresh after TTL", fake.branchCalls)
	}
}

func TestMaxPrsPerRunBoundsTick(t *testing.T) {
	issue := []gh.ClosingIssue{{Repo: "octo/widgets", Number: 1, State: "OPEN",
		Labels: []string{"ralph:status:queued"}}}
	fake := &fakeGitHub{
		branch: "main",
		prs: []gh.MergedPR{
			{Number: 1, MergedAt: "2026-01-11T13:00:00Z", ClosingIssues: issue},
			{Number: 2, MergedAt: "2026-01-11T13:01:00Z", ClosingIssues: issue},
			{Number: 3, MergedAt: "2026-01-11T13:02:00Z", ClosingIssues: issue},
		},
	}
	r, st := newTestReconciler(t, fake, &fakeWriter{}, Config{MaxPrsPerRun: 2})
	seedCursor(t, st, "2026-01-11T12:00:00Z", 0)

	res, err := r.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 2 {
		t.Errorf("processed = %d", res.Processed)
	}
	cur, _, _ := st.GetRepoDoneReconcileCursor(context.Background(), "octo/widgets")
	if cur.LastPRNumber != 2 {
		t.Errorf("cursor PR = %d", cur.LastPRNumber)
	}
}
