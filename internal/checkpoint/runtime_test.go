package checkpoint

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/ralphd/ralphd/internal/bus"
	"github.com/ralphd/ralphd/internal/events"
)

type fakePersister struct {
	mu    sync.Mutex
	saved []State
}

func (f *fakePersister) SaveCheckpointState(_ context.Context, _ string, st State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, st)
	return nil
}

type fakeKeys struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeKeys() *fakeKeys { return &fakeKeys{keys: make(map[string]bool)} }

func (f *fakeKeys) RecordKeyIfAbsent(_ context.Context, key, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys[key] {
		return false, nil
	}
	f.keys[key] = true
	return true, nil
}

func collectTypes(b *bus.Bus) *[]events.Type {
	var got []events.Type
	b.Subscribe(func(e events.Event) { got = append(got, e.Type) }, bus.SubscribeOptions{})
	return &got
}

func TestFullPauseCycle(t *testing.T) {
	b := bus.New(16)
	got := collectTypes(b)
	persist := &fakePersister{}
	rt := New(persist, newFakeKeys(), b)

	probe := PauseProbe{
		IsPauseRequested: func() bool { return true },
		WaitUntilCleared: func(context.Context) error { return nil },
	}
	res, err := rt.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPlanned, probe)
	if err != nil {
		t.Fatalf("ApplyCheckpointReached: %v", err)
	}
	if !res.Advanced || !res.Waited {
		t.Errorf("result = %+v, want advanced and waited", res)
	}

	wantEvents := []events.Type{
		events.TypeWorkerCheckpointReached,
		events.TypeWorkerPauseRequested,
		events.TypeWorkerPauseReached,
		events.TypeWorkerPauseCleared,
	}
	if !reflect.DeepEqual(*got, wantEvents) {
		t.Errorf("events = %v, want %v", *got, wantEvents)
	}

	wantStates := []State{
		{LastCheckpoint: events.CheckpointPlanned, Seq: 1, PausedAt: events.CheckpointPlanned, PauseRequested: true},
		{LastCheckpoint: events.CheckpointPlanned, Seq: 1, PausedAt: "", PauseRequested: false},
	}
	if !reflect.DeepEqual(persist.saved, wantStates) {
		t.Errorf("persisted states = %+v, want %+v", persist.saved, wantStates)
	}
}

func TestCheckpointWithoutPause(t *testing.T) {
	b := bus.New(16)
	got := collectTypes(b)
	rt := New(&fakePersister{}, newFakeKeys(), b)

	probe := PauseProbe{IsPauseRequested: func() bool { return false }}
	for i, cp := range []events.Checkpoint{events.CheckpointPlanned, events.CheckpointRouted} {
		res, err := rt.ApplyCheckpointReached(context.Background(), "w1", cp, probe)
		if err != nil {
			t.Fatalf("checkpoint %s: %v", cp, err)
		}
		if res.Waited {
			t.Errorf("checkpoint %s should not wait", cp)
		}
		if st := rt.StateOf("w1"); st.Seq != int64(i+1) || st.LastCheckpoint != cp {
			t.Errorf("state after %s = %+v", cp, st)
		}
	}
	want := []events.Type{events.TypeWorkerCheckpointReached, events.TypeWorkerCheckpointReached}
	if !reflect.DeepEqual(*got, want) {
		t.Errorf("events = %v, want %v", *got, want)
	}
}

func TestUnrecognizedCheckpointRejected(t *testing.T) {
	rt := New(&fakePersister{}, newFakeKeys(), bus.New(16))
	if _, err := rt.ApplyCheckpointReached(context.Background(), "w1", "warp_speed", PauseProbe{}); err == nil {
		t.Fatal("expected error for unrecognized checkpoint")
	}
	if st := rt.StateOf("w1"); st.Seq != 0 {
		t.Errorf("seq advanced on rejected checkpoint: %+v", st)
	}
}

func TestDuplicateEmitSuppressed(t *testing.T) {
	b := bus.New(16)
	got := collectTypes(b)
	keys := newFakeKeys()
	rt := New(&fakePersister{}, keys, b)

	probe := PauseProbe{IsPauseRequested: func() bool { return false }}
	if _, err := rt.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPlanned, probe); err != nil {
		t.Fatal(err)
	}

	// A crash after persist re-runs the same checkpoint with the same seq:
	// rebuild a runtime over the same key store and replay.
	rt2 := New(&fakePersister{}, keys, b)
	if _, err := rt2.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPlanned, probe); err != nil {
		t.Fatal(err)
	}
	if len(*got) != 1 {
		t.Errorf("expected 1 published event, got %d: %v", len(*got), *got)
	}
}

func TestPauseAtSpecificCheckpoint(t *testing.T) {
	b := bus.New(16)
	got := collectTypes(b)
	waited := false
	rt := New(&fakePersister{}, newFakeKeys(), b, WithPauseAtCheckpoint(events.CheckpointPRReady))

	probe := PauseProbe{
		IsPauseRequested: func() bool { return true },
		WaitUntilCleared: func(context.Context) error { waited = true; return nil },
	}

	// Not the target checkpoint: intent recorded, no wait, pause flag untouched.
	res, err := rt.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPlanned, probe)
	if err != nil {
		t.Fatal(err)
	}
	if res.Waited || waited {
		t.Error("should not wait at a non-target checkpoint")
	}
	if st := rt.StateOf("w1"); st.PauseRequested || st.PausedAt != "" {
		t.Errorf("pause state mutated at non-target checkpoint: %+v", st)
	}
	want := []events.Type{events.TypeWorkerCheckpointReached, events.TypeWorkerPauseRequested}
	if !reflect.DeepEqual(*got, want) {
		t.Errorf("events = %v, want %v", *got, want)
	}

	// The target checkpoint parks the worker.
	res, err = rt.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPRReady, probe)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Waited || !waited {
		t.Error("should wait at the target checkpoint")
	}
}

func TestRedeliveryWhilePausedDoesNotAdvance(t *testing.T) {
	b := bus.New(16)
	rt := New(&fakePersister{}, newFakeKeys(), b)

	cleared := make(chan struct{})
	probe := PauseProbe{
		IsPauseRequested: func() bool { return true },
		WaitUntilCleared: func(context.Context) error { <-cleared; return nil },
	}

	parked := make(chan struct{})
	firstProbe := PauseProbe{
		IsPauseRequested: probe.IsPauseRequested,
		WaitUntilCleared: func(context.Context) error {
			close(parked)
			<-cleared
			return nil
		},
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rt.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPlanned, firstProbe)
	}()

	// Wait until the worker is parked, then re-deliver the same checkpoint.
	<-parked
	seqBefore := rt.StateOf("w1").Seq

	reParked := make(chan struct{})
	redeliverProbe := PauseProbe{
		IsPauseRequested: probe.IsPauseRequested,
		WaitUntilCleared: func(context.Context) error {
			close(reParked)
			<-cleared
			return nil
		},
	}
	redelivered := make(chan Result, 1)
	go func() {
		res, _ := rt.ApplyCheckpointReached(context.Background(), "w1", events.CheckpointPlanned, redeliverProbe)
		redelivered <- res
	}()

	// The re-delivery must park again before anything is cleared.
	<-reParked
	close(cleared)
	<-done
	res := <-redelivered
	if res.Advanced {
		t.Error("re-delivery while paused must not advance the machine")
	}
	if got := rt.StateOf("w1").Seq; got != seqBefore {
		t.Errorf("seq moved from %d to %d on re-delivery", seqBefore, got)
	}
}

func TestClearPauseNoopWhenNotPaused(t *testing.T) {
	persist := &fakePersister{}
	rt := New(persist, newFakeKeys(), bus.New(16))
	if err := rt.ClearPause(context.Background(), "w1"); err != nil {
		t.Fatal(err)
	}
	if len(persist.saved) != 0 {
		t.Errorf("no persist expected, got %+v", persist.saved)
	}
}
