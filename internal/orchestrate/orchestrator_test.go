package orchestrate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/swarmguard/inquest/internal/investigation"
	"github.com/swarmguard/inquest/internal/progress"
	"github.com/swarmguard/inquest/internal/store"
	"github.com/swarmguard/inquest/internal/worker"
)

// fakeAdapter is a scriptable worker for lifecycle tests.
type fakeAdapter struct {
	kind  investigation.WorkerKind
	score float64
	fail  *worker.Failure
	delay time.Duration

	// empty makes Execute return a zero Result, violating the payload
	// contract without reporting a failure.
	empty bool

	mu    sync.Mutex
	calls int
	// failFirst makes only the first call fail, so retry paths can be
	// exercised deterministically.
	failFirst *worker.Failure
	order     *[]investigation.WorkerKind
	params    worker.Params
}

func (f *fakeAdapter) Kind() investigation.WorkerKind { return f.kind }

func (f *fakeAdapter) Execute(ctx context.Context, _ string, _ investigation.EntityRef, params worker.Params) worker.Result {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.params = params
	if f.order != nil {
		*f.order = append(*f.order, f.kind)
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return worker.Result{Failure: &worker.Failure{Kind: investigation.FailureTimeout, Detail: ctx.Err().Error()}}
		case <-time.After(f.delay):
		}
	}
	if f.failFirst != nil && call == 1 {
		return worker.Result{Failure: f.failFirst}
	}
	if f.fail != nil {
		return worker.Result{Failure: f.fail}
	}
	if f.empty {
		return worker.Result{}
	}
	return worker.Result{Payload: map[string]any{
		"score":    f.score,
		"entities": map[string]string{},
	}}
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestOrchestrator(t *testing.T, opts Options, adapters ...worker.Adapter) (*Orchestrator, *progress.Hub, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := progress.NewHub(64)
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(st, hub, worker.NewRegistry(adapters...), opts, log), hub, st
}

func userEntity() investigation.EntityRef {
	return investigation.EntityRef{Type: "user_id", ID: "12345"}
}

// waitTerminal blocks until the investigation emits its terminal event.
func waitTerminal(t *testing.T, hub *progress.Hub, id string) []investigation.ProgressEvent {
	t.Helper()
	ch, cancel := hub.Subscribe(id, 0)
	defer cancel()

	var events []investigation.ProgressEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed before terminal event")
			}
			events = append(events, ev)
			if ev.Final {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestParallelRunCompletes(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 4},
		&fakeAdapter{kind: investigation.WorkerRisk, score: 8},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.Mode != investigation.ModeParallel {
		t.Fatalf("default mode = %s, want parallel", inv.Mode)
	}

	events := waitTerminal(t, hub, inv.ID)
	last := events[len(events)-1]
	if last.Kind != investigation.EventInvestigationCompleted {
		t.Fatalf("terminal kind = %s, want investigation_completed", last.Kind)
	}

	snap, err := o.Snapshot(context.Background(), inv.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Investigation.Status != investigation.StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Investigation.Status)
	}
	if snap.Investigation.Progress != 100 {
		t.Fatalf("progress = %d, want 100", snap.Investigation.Progress)
	}
	if len(snap.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(snap.Tasks))
	}
	if snap.Verdict == nil {
		t.Fatal("verdict missing")
	}
	if snap.Verdict.Succeeded != 2 || snap.Verdict.Scheduled != 2 {
		t.Fatalf("verdict counts = %d/%d, want 2/2", snap.Verdict.Succeeded, snap.Verdict.Scheduled)
	}
	if snap.Verdict.Confidence != 1.0 {
		t.Fatalf("confidence = %v, want 1.0", snap.Verdict.Confidence)
	}
}

func TestEventSequenceGapFreeWithSingleTerminal(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 2},
		&fakeAdapter{kind: investigation.WorkerNetwork, score: 3},
		&fakeAdapter{kind: investigation.WorkerRisk, score: 5},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := waitTerminal(t, hub, inv.ID)

	finals := 0
	for i, ev := range events {
		if ev.Sequence != uint64(i)+1 {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
		if ev.Final {
			finals++
			if i != len(events)-1 {
				t.Fatal("terminal event is not last")
			}
		}
	}
	if finals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", finals)
	}
	if !hub.Verify(inv.ID) {
		t.Fatal("event chain verification failed")
	}
}

func TestPartialWhenSomeWorkersFail(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 4},
		&fakeAdapter{kind: investigation.WorkerLogs, fail: &worker.Failure{
			Kind: investigation.FailureUnsupportedEntity, Detail: "logs worker cannot analyze ipv4",
		}},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := waitTerminal(t, hub, inv.ID)
	if events[len(events)-1].Kind != investigation.EventInvestigationCompleted {
		t.Fatalf("terminal kind = %s, want investigation_completed", events[len(events)-1].Kind)
	}

	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Investigation.Status != investigation.StatusPartial {
		t.Fatalf("status = %s, want partial", snap.Investigation.Status)
	}
	if snap.Verdict == nil || snap.Verdict.Confidence >= 1.0 {
		t.Fatalf("partial verdict should have reduced confidence, got %+v", snap.Verdict)
	}

	var failed *investigation.WorkerTask
	for i := range snap.Tasks {
		if snap.Tasks[i].Kind == investigation.WorkerLogs {
			failed = &snap.Tasks[i]
		}
	}
	if failed == nil || failed.Status != investigation.TaskFailed {
		t.Fatalf("logs task = %+v, want failed", failed)
	}
	if failed.FailureKind != investigation.FailureUnsupportedEntity {
		t.Fatalf("failure kind = %s, want unsupported_entity", failed.FailureKind)
	}
}

func TestFailedWhenAllWorkersFail(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, fail: &worker.Failure{
			Kind: investigation.FailureInvalidResponse, Detail: "garbled payload",
		}},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := waitTerminal(t, hub, inv.ID)
	if events[len(events)-1].Kind != investigation.EventInvestigationFailed {
		t.Fatalf("terminal kind = %s, want investigation_failed", events[len(events)-1].Kind)
	}

	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Investigation.Status != investigation.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Investigation.Status)
	}
	// Even a fully failed run produces a verdict at the confidence floor.
	if snap.Verdict == nil || snap.Verdict.Confidence != 0.25 {
		t.Fatalf("verdict = %+v, want confidence at floor", snap.Verdict)
	}
}

func TestRetriesUpstreamFailureOnce(t *testing.T) {
	adapter := &fakeAdapter{
		kind:  investigation.WorkerRisk,
		score: 7,
		failFirst: &worker.Failure{
			Kind: investigation.FailureUpstreamUnavailable, Detail: "connection refused",
		},
	}
	o, hub, _ := newTestOrchestrator(t, Options{RetryBackoff: time.Millisecond}, adapter)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)

	if got := adapter.callCount(); got != 2 {
		t.Fatalf("adapter called %d times, want 2", got)
	}
	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Investigation.Status != investigation.StatusCompleted {
		t.Fatalf("status = %s, want completed after retry", snap.Investigation.Status)
	}
	if snap.Tasks[0].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", snap.Tasks[0].Attempts)
	}
}

func TestNoRetryForNonTransientFailure(t *testing.T) {
	adapter := &fakeAdapter{kind: investigation.WorkerRisk, fail: &worker.Failure{
		Kind: investigation.FailureUnsupportedEntity, Detail: "entity type not handled",
	}}
	o, hub, _ := newTestOrchestrator(t, Options{RetryBackoff: time.Millisecond}, adapter)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)

	if got := adapter.callCount(); got != 1 {
		t.Fatalf("adapter called %d times, want 1", got)
	}
}

func TestWorkerTimeoutBecomesTimedOutTask(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{WorkerTimeout: 20 * time.Millisecond},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 4, delay: time.Second},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)

	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Tasks[0].Status != investigation.TaskTimedOut {
		t.Fatalf("task status = %s, want timed_out", snap.Tasks[0].Status)
	}
	if snap.Tasks[0].FailureKind != investigation.FailureTimeout {
		t.Fatalf("failure kind = %s, want timeout", snap.Tasks[0].FailureKind)
	}
}

func TestGlobalTimeoutBoundsInvestigation(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{GlobalTimeout: 50 * time.Millisecond},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 4, delay: 5 * time.Second},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	events := waitTerminal(t, hub, inv.ID)

	finals := 0
	for _, ev := range events {
		if ev.Final {
			finals++
		}
	}
	if finals != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", finals)
	}
	if last := events[len(events)-1]; last.Kind != investigation.EventInvestigationFailed {
		t.Fatalf("terminal kind = %s, want investigation_failed", last.Kind)
	}

	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Investigation.Status != investigation.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Investigation.Status)
	}
	if snap.Tasks[0].Status != investigation.TaskTimedOut {
		t.Fatalf("task status = %s, want timed_out", snap.Tasks[0].Status)
	}
}

func TestEmptyResultBecomesInvalidResponse(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, empty: true},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)

	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Tasks[0].Status != investigation.TaskFailed {
		t.Fatalf("task status = %s, want failed", snap.Tasks[0].Status)
	}
	if snap.Tasks[0].FailureKind != investigation.FailureInvalidResponse {
		t.Fatalf("failure kind = %s, want invalid_response", snap.Tasks[0].FailureKind)
	}
}

func TestContextEntitiesReachWorkers(t *testing.T) {
	device := &fakeAdapter{kind: investigation.WorkerDevice, score: 4}
	o, hub, _ := newTestOrchestrator(t, Options{}, device)

	inv, err := o.Create(context.Background(), CreateRequest{
		Entity:  userEntity(),
		Context: map[string]string{"ipv4": "10.9.8.7"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)

	device.mu.Lock()
	got := device.params.Entities["ipv4"]
	device.mu.Unlock()
	if got != "10.9.8.7" {
		t.Fatalf("companion ipv4 = %q, want 10.9.8.7", got)
	}
}

func TestCancelMarksInvestigationFailed(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 4, delay: 5 * time.Second},
	)

	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Give the run a moment to start its task.
	time.Sleep(50 * time.Millisecond)
	if err := o.Cancel(context.Background(), inv.ID, "analyst aborted"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events := waitTerminal(t, hub, inv.ID)
	last := events[len(events)-1]
	if last.Kind != investigation.EventInvestigationFailed {
		t.Fatalf("terminal kind = %s, want investigation_failed", last.Kind)
	}
	if last.Payload["reason"] != "analyst aborted" {
		t.Fatalf("reason = %v, want analyst aborted", last.Payload["reason"])
	}

	snap, _ := o.Snapshot(context.Background(), inv.ID)
	if snap.Investigation.Status != investigation.StatusFailed {
		t.Fatalf("status = %s, want failed", snap.Investigation.Status)
	}
}

func TestCancelTerminalReturnsErrTerminal(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 1},
	)
	inv, err := o.Create(context.Background(), CreateRequest{Entity: userEntity()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)
	o.Drain(context.Background())

	if err := o.Cancel(context.Background(), inv.ID, "late"); !errors.Is(err, investigation.ErrTerminal) {
		t.Fatalf("cancel terminal: err = %v, want ErrTerminal", err)
	}
	if err := o.Cancel(context.Background(), "missing", ""); !errors.Is(err, investigation.ErrNotFound) {
		t.Fatalf("cancel missing: err = %v, want ErrNotFound", err)
	}
}

func TestSequentialModeRunsInCanonicalOrder(t *testing.T) {
	var order []investigation.WorkerKind
	o, hub, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerRisk, score: 5, order: &order},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 3, order: &order},
		&fakeAdapter{kind: investigation.WorkerNetwork, score: 2, order: &order},
	)

	inv, err := o.Create(context.Background(), CreateRequest{
		Entity: userEntity(),
		Mode:   investigation.ModeSequential,
		Workers: []investigation.WorkerKind{
			investigation.WorkerRisk, investigation.WorkerNetwork, investigation.WorkerDevice,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitTerminal(t, hub, inv.ID)
	o.Drain(context.Background())

	want := []investigation.WorkerKind{investigation.WorkerDevice, investigation.WorkerNetwork, investigation.WorkerRisk}
	if len(order) != len(want) {
		t.Fatalf("executed %d workers, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", order, want)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Options{},
		&fakeAdapter{kind: investigation.WorkerDevice, score: 1},
	)
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"empty entity", CreateRequest{}},
		{"blank entity id", CreateRequest{Entity: investigation.EntityRef{Type: "user_id", ID: "  "}}},
		{"explicit empty worker set", CreateRequest{Entity: userEntity(), Workers: []investigation.WorkerKind{}}},
		{"unknown worker", CreateRequest{Entity: userEntity(), Workers: []investigation.WorkerKind{"dns"}}},
		{"unregistered worker", CreateRequest{Entity: userEntity(), Workers: []investigation.WorkerKind{investigation.WorkerRisk}}},
		{"duplicate worker", CreateRequest{Entity: userEntity(), Workers: []investigation.WorkerKind{investigation.WorkerDevice, investigation.WorkerDevice}}},
		{"bad mode", CreateRequest{Entity: userEntity(), Mode: "burst"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := o.Create(ctx, tc.req); !errors.Is(err, investigation.ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
