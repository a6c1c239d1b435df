package labels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ralphd/ralphd/internal/github"
	"github.com/ralphd/ralphd/internal/queue"
	"github.com/ralphd/ralphd/internal/store"
)

type fakeGitHub struct {
	mu     sync.Mutex
	labels map[string]bool
	calls  []string

	listErr   error
	addErr    error
	removeErr map[string]error
	// addErrOnce makes addErr fire only on the first add.
	addErrOnce bool
	addCount   int
}

func newFakeGitHub(initial ...string) *fakeGitHub {
	f := &fakeGitHub{labels: make(map[string]bool), removeErr: make(map[string]error)}
	for _, l := range initial {
		f.labels[l] = true
	}
	return f
}

func (f *fakeGitHub) ListIssueLabels(context.Context, string, int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for l := range f.labels {
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeGitHub) AddIssueLabels(_ context.Context, _ string, _ int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("add:%v", labels))
	f.addCount++
	if f.addErr != nil && (!f.addErrOnce || f.addCount == 1) {
		return f.addErr
	}
	for _, l := range labels {
		f.labels[l] = true
	}
	return nil
}

func (f *fakeGitHub) RemoveIssueLabel(_ context.Context, _ string, _ int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "remove:"+label)
	if err := f.removeErr[label]; err != nil {
		return err
	}
	delete(f.labels, label)
	return nil
}

func (f *fakeGitHub) has(label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.labels[label]
}

func (f *fakeGitHub) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memBackoff struct {
	mu sync.Mutex
	st map[string]store.LabelWriteState
}

func newMemBackoff() *memBackoff { return &memBackoff{st: make(map[string]store.LabelWriteState)} }

func (m *memBackoff) GetRepoLabelWriteState(_ context.Context, repo string) (store.LabelWriteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st[repo], nil
}

func (m *memBackoff) SetRepoLabelWriteState(_ context.Context, repo string, st store.LabelWriteState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st[repo] = st
	return nil
}

const testRepo = "acme/widgets"

func TestPolicyGateRejectsNonRalphLabels(t *testing.T) {
	gh := newFakeGitHub()
	c := NewCoordinator(gh, newMemBackoff())
	_, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Add("bug")},
	})
	if KindOf(err) != FailurePolicy {
		t.Fatalf("kind = %v, want policy", KindOf(err))
	}
	if gh.callCount() != 0 {
		t.Errorf("policy rejection must not contact GitHub, saw %v", gh.calls)
	}
}

func TestApplyAddAndRemove(t *testing.T) {
	gh := newFakeGitHub(queue.LabelQueued)
	c := NewCoordinator(gh, newMemBackoff())
	res, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Add(queue.LabelInProgress), queue.Remove(queue.LabelQueued)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Applied) != 2 {
		t.Errorf("applied = %v", res.Applied)
	}
	if !gh.has(queue.LabelInProgress) || gh.has(queue.LabelQueued) {
		t.Errorf("final labels wrong: %v", gh.labels)
	}
}

func TestNoopOpsAreTrimmed(t *testing.T) {
	gh := newFakeGitHub(queue.LabelQueued)
	c := NewCoordinator(gh, newMemBackoff())
	res, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Add(queue.LabelQueued), queue.Remove(queue.LabelInProgress)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Applied) != 0 {
		t.Errorf("expected all ops trimmed, applied %v", res.Applied)
	}
	// Only the live-list read should have hit GitHub.
	if gh.callCount() != 1 {
		t.Errorf("calls = %v", gh.calls)
	}
}

func TestRollbackOnUnknownFailure(t *testing.T) {
	gh := newFakeGitHub(queue.LabelQueued, queue.LabelBlocked)
	gh.removeErr[queue.LabelBlocked] = &github.APIError{Status: 400, ResponseText: "bad request"}
	c := NewCoordinator(gh, newMemBackoff())

	_, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{
			queue.Add(queue.LabelInProgress),
			queue.Remove(queue.LabelQueued),
			queue.Remove(queue.LabelBlocked),
		},
	})
	if KindOf(err) != FailureUnknown {
		t.Fatalf("kind = %v, want unknown", KindOf(err))
	}
	// The add and the first remove were applied then rolled back.
	if !gh.has(queue.LabelQueued) {
		t.Error("queued should have been restored by rollback")
	}
	if gh.has(queue.LabelInProgress) {
		t.Error("in-progress should have been rolled back")
	}
}

func TestTransientFailureSkipsRollbackAndTripsBackoff(t *testing.T) {
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	gh := newFakeGitHub(queue.LabelQueued)
	gh.removeErr[queue.LabelQueued] = &github.APIError{Status: 429, ResponseText: "rate limited"}
	backoff := newMemBackoff()
	c := NewCoordinator(gh, backoff, WithClock(func() time.Time { return now }))

	_, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Add(queue.LabelInProgress), queue.Remove(queue.LabelQueued)},
	})
	if KindOf(err) != FailureTransient {
		t.Fatalf("kind = %v, want transient", KindOf(err))
	}
	// Applied add stays in place for the retry to converge.
	if !gh.has(queue.LabelInProgress) {
		t.Error("transient failure must not roll back")
	}
	st, _ := backoff.GetRepoLabelWriteState(context.Background(), testRepo)
	if st.BlockedUntilMs <= now.UnixMilli() || st.ConsecutiveFailures != 1 {
		t.Errorf("backoff not recorded: %+v", st)
	}

	// The whole repo is now gated.
	before := gh.callCount()
	_, err = c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 2,
		Ops: []queue.Op{queue.Add(queue.LabelQueued)},
	})
	if KindOf(err) != FailureTransient {
		t.Fatalf("backoff gate kind = %v, want transient", KindOf(err))
	}
	if gh.callCount() != before {
		t.Error("backoff-gated write must not contact GitHub")
	}
}

func TestMissingLabelTriggersEnsureAndReplay(t *testing.T) {
	gh := newFakeGitHub()
	gh.addErr = &github.APIError{Status: 422, ResponseText: `{"message":"Label 'ralph:status:queued' does not exist"}`}
	gh.addErrOnce = true

	ensured := 0
	c := NewCoordinator(gh, newMemBackoff(),
		WithEnsureLabels(func(context.Context, string) error { ensured++; return nil }))

	res, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Add(queue.LabelQueued)},
	})
	if err != nil {
		t.Fatalf("Execute after ensure should succeed: %v", err)
	}
	if ensured != 1 {
		t.Errorf("ensureLabels called %d times, want 1", ensured)
	}
	if len(res.Applied) != 1 || !gh.has(queue.LabelQueued) {
		t.Errorf("replay did not apply: %+v labels=%v", res, gh.labels)
	}
}

func TestSingleStatusHeal(t *testing.T) {
	// Seed a violated invariant: two status labels before the write.
	gh := newFakeGitHub(queue.LabelQueued, queue.LabelBlocked, queue.LabelEscalated)
	c := NewCoordinator(gh, newMemBackoff())

	res, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Add(queue.LabelInProgress), queue.Remove(queue.LabelQueued)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Healed {
		t.Error("expected heal to run")
	}
	var statuses []string
	for l := range gh.labels {
		if queue.IsStatusLabel(l) {
			statuses = append(statuses, l)
		}
	}
	if len(statuses) != 1 || statuses[0] != queue.LabelInProgress {
		t.Errorf("statuses after heal = %v, want exactly in-progress", statuses)
	}
}

func TestHealInfersFromOpState(t *testing.T) {
	gh := newFakeGitHub(queue.LabelQueued, queue.LabelBlocked)
	c := NewCoordinator(gh, newMemBackoff(),
		WithActiveOpStateProbe(func(context.Context, string, int) bool { return true }))

	// Remove-only op leaves zero statuses; the heal must pick in-progress
	// because an active op-state exists.
	_, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1,
		Ops: []queue.Op{queue.Remove(queue.LabelQueued), queue.Remove(queue.LabelBlocked)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !gh.has(queue.LabelInProgress) {
		t.Errorf("heal should have added in-progress, labels=%v", gh.labels)
	}
}

func TestCoalescingMergesOps(t *testing.T) {
	gh := newFakeGitHub(queue.LabelBlocked)
	c := NewCoordinator(gh, newMemBackoff(), WithCoalesceWindow(40*time.Millisecond))
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	reqs := []Request{
		{Repo: testRepo, IssueNumber: 1, WriteClass: WriteClassBestEffort,
			Ops: []queue.Op{queue.Add(queue.LabelQueued)}},
		{Repo: testRepo, IssueNumber: 1, WriteClass: WriteClassBestEffort,
			Ops: []queue.Op{queue.Remove(queue.LabelBlocked), queue.Remove(queue.LabelQueued)}},
	}
	for i, req := range reqs {
		i, req := i, req
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Execute(context.Background(), req)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !results[i].Coalesced {
			t.Errorf("request %d not coalesced", i)
		}
	}
	// Add wins over remove for queued; blocked is removed.
	if !gh.has(queue.LabelQueued) || gh.has(queue.LabelBlocked) {
		t.Errorf("labels = %v", gh.labels)
	}
	// One flush means exactly one live-list read before the writes, plus the
	// heal's read.
	gh.mu.Lock()
	lists := 0
	for _, call := range gh.calls {
		if call == "list" {
			lists++
		}
	}
	gh.mu.Unlock()
	if lists != 2 {
		t.Errorf("expected 2 list calls (apply + heal), got %d: %v", lists, gh.calls)
	}
}

func TestCmdLabelsBypassCoalescing(t *testing.T) {
	gh := newFakeGitHub()
	c := NewCoordinator(gh, newMemBackoff(), WithCoalesceWindow(time.Hour))
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), Request{
			Repo: testRepo, IssueNumber: 1, WriteClass: WriteClassBestEffort,
			Ops: []queue.Op{queue.Add("ralph:cmd:retry")},
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cmd write: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cmd label write waited for the coalesce window")
	}
	if !gh.has("ralph:cmd:retry") {
		t.Error("cmd label not applied")
	}
}

func TestCooldownGatesBestEffortWrites(t *testing.T) {
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	gh := newFakeGitHub()
	gh.addErr = &github.APIError{Status: 429, ResponseText: "secondary rate limit"}
	c := NewCoordinator(gh, newMemBackoff(),
		WithCoalesceWindow(10*time.Millisecond),
		WithClock(func() time.Time { return now }))
	defer c.Close()

	_, err := c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1, WriteClass: WriteClassBestEffort,
		Ops: []queue.Op{queue.Add(queue.LabelQueued)},
	})
	if KindOf(err) != FailureTransient {
		t.Fatalf("kind = %v, want transient", KindOf(err))
	}

	// The per-issue cooldown rejects the next best-effort write up front.
	before := gh.callCount()
	_, err = c.Execute(context.Background(), Request{
		Repo: testRepo, IssueNumber: 1, WriteClass: WriteClassBestEffort,
		Ops: []queue.Op{queue.Add(queue.LabelQueued)},
	})
	if KindOf(err) != FailureTransient {
		t.Fatalf("cooldown kind = %v, want transient", KindOf(err))
	}
	if gh.callCount() != before {
		t.Error("cooldown-gated write must not contact GitHub")
	}
}

func TestPerIssueSerialization(t *testing.T) {
	gh := newFakeGitHub()
	c := NewCoordinator(gh, newMemBackoff())

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Execute(context.Background(), Request{
				Repo: testRepo, IssueNumber: 1,
				Ops: []queue.Op{queue.Add(queue.LabelQueued)},
			})
		}()
	}
	wg.Wait()

	// The fake records every call under one mutex; with the per-issue lock
	// each Execute's list either precedes or follows another's writes, never
	// interleaves. The first Execute applies the add, the rest trim it.
	adds := 0
	gh.mu.Lock()
	for _, call := range gh.calls {
		if call == fmt.Sprintf("add:%v", []string{queue.LabelQueued}) {
			adds++
		}
	}
	gh.mu.Unlock()
	if adds != 1 {
		t.Errorf("expected exactly 1 add across %d serialized writes, got %d", n, adds)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{&github.APIError{Status: 429}, FailureTransient},
		{&github.APIError{Status: 403, ResponseText: "secondary rate limit hit"}, FailureTransient},
		{&github.APIError{Status: 502}, FailureTransient},
		{&github.APIError{Status: 401}, FailureAuth},
		{&github.APIError{Status: 403}, FailureAuth},
		{&github.APIError{Status: 404}, FailureAuth},
		{&github.APIError{Status: 422}, FailureUnknown},
		{errors.New("dial tcp 1.2.3.4: connection refused"), FailureTransient},
		{errors.New("something odd"), FailureUnknown},
		{context.Canceled, FailureAborted},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
