// Package orchestrate drives investigations through their lifecycle: plan
// worker tasks, execute them under timeouts and a global concurrency cap,
// join, aggregate, and emit exactly one terminal event per investigation.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/swarmguard/inquest/internal/aggregate"
	"github.com/swarmguard/inquest/internal/investigation"
	"github.com/swarmguard/inquest/internal/progress"
	"github.com/swarmguard/inquest/internal/resilience"
	"github.com/swarmguard/inquest/internal/store"
	"github.com/swarmguard/inquest/internal/worker"
)

// Options tune execution. Zero values fall back to conservative defaults.
type Options struct {
	WorkerTimeout      time.Duration // per-task execution deadline
	GlobalTimeout      time.Duration // whole-investigation deadline
	MaxConcurrentCalls int64         // adapter calls in flight, across all investigations
	RetryBackoff       time.Duration // initial backoff before the single retry
}

func (o *Options) normalize() {
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = 15 * time.Second
	}
	if o.GlobalTimeout <= 0 {
		o.GlobalTimeout = 2 * time.Minute
	}
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = 32
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
}

// CreateRequest is the validated input for a new investigation.
type CreateRequest struct {
	Entity   investigation.EntityRef
	Workers  []investigation.WorkerKind // nil means every registered kind; an explicit empty set is invalid
	Mode     investigation.Mode         // empty means parallel
	Priority investigation.Priority
	Category string
	Context  map[string]string // companion entities forwarded to workers
}

// Snapshot is the full read view of one investigation.
type Snapshot struct {
	Investigation investigation.Investigation     `json:"investigation"`
	Tasks         []investigation.WorkerTask      `json:"tasks,omitempty"`
	Verdict       *investigation.CompositeVerdict `json:"verdict,omitempty"`
}

// activeRun tracks a running investigation for cancellation.
type activeRun struct {
	cancel    context.CancelFunc
	cancelled bool
	reason    string
}

// Orchestrator owns the investigation lifecycle. It is the single writer of
// investigation state and the single appender of progress events.
type Orchestrator struct {
	store    *store.Store
	hub      *progress.Hub
	registry *worker.Registry
	opts     Options

	sem *semaphore.Weighted
	log *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup

	tracer        trace.Tracer
	started       metric.Int64Counter
	finished      metric.Int64Counter
	cancellations metric.Int64Counter
	taskLatency   metric.Float64Histogram
}

func New(st *store.Store, hub *progress.Hub, registry *worker.Registry, opts Options, log *slog.Logger) *Orchestrator {
	opts.normalize()
	meter := otel.Meter("inquest")
	started, _ := meter.Int64Counter("swarm_investigation_started_total")
	finished, _ := meter.Int64Counter("swarm_investigation_finished_total")
	cancellations, _ := meter.Int64Counter("swarm_investigation_cancellations_total")
	taskLatency, _ := meter.Float64Histogram("swarm_investigation_task_ms")

	return &Orchestrator{
		store:         st,
		hub:           hub,
		registry:      registry,
		opts:          opts,
		sem:           semaphore.NewWeighted(opts.MaxConcurrentCalls),
		log:           log,
		active:        make(map[string]*activeRun),
		tracer:        otel.Tracer("inquest/orchestrate"),
		started:       started,
		finished:      finished,
		cancellations: cancellations,
		taskLatency:   taskLatency,
	}
}

// Create validates the request, persists the investigation in created state
// and launches its run. The run proceeds on a detached context so the
// creating HTTP request can return immediately.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (investigation.Investigation, error) {
	if err := req.Entity.Validate(); err != nil {
		return investigation.Investigation{}, err
	}

	kinds := req.Workers
	if kinds == nil {
		kinds = o.registry.Kinds()
	}
	if len(kinds) == 0 {
		return investigation.Investigation{}, fmt.Errorf("%w: empty worker set", investigation.ErrInvalidRequest)
	}
	seen := make(map[investigation.WorkerKind]bool, len(kinds))
	for _, k := range kinds {
		if _, err := investigation.ParseWorkerKind(string(k)); err != nil {
			return investigation.Investigation{}, err
		}
		if _, ok := o.registry.Lookup(k); !ok {
			return investigation.Investigation{}, fmt.Errorf("%w: worker %s not registered", investigation.ErrInvalidRequest, k)
		}
		if seen[k] {
			return investigation.Investigation{}, fmt.Errorf("%w: duplicate worker %s", investigation.ErrInvalidRequest, k)
		}
		seen[k] = true
	}

	mode := req.Mode
	if mode == "" {
		mode = investigation.ModeParallel
	}
	if mode != investigation.ModeParallel && mode != investigation.ModeSequential {
		return investigation.Investigation{}, fmt.Errorf("%w: unknown mode %q", investigation.ErrInvalidRequest, mode)
	}

	now := time.Now().UTC()
	inv := investigation.Investigation{
		ID:        uuid.NewString(),
		Entity:    req.Entity,
		Workers:   canonicalOrder(kinds),
		Mode:      mode,
		Status:    investigation.StatusCreated,
		Priority:  req.Priority,
		Category:  req.Category,
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.PutInvestigation(ctx, inv); err != nil {
		return investigation.Investigation{}, err
	}

	o.started.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))

	runCtx, cancel := context.WithTimeout(context.Background(), o.opts.GlobalTimeout)
	o.mu.Lock()
	o.active[inv.ID] = &activeRun{cancel: cancel}
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, cancel, inv)

	return inv, nil
}

// Cancel aborts a running investigation. Its terminal status becomes failed
// with the given reason. Terminal investigations return ErrTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	_, span := o.tracer.Start(ctx, "orchestrate.cancel",
		trace.WithAttributes(attribute.String("investigation_id", id)))
	defer span.End()

	o.mu.Lock()
	run, ok := o.active[id]
	if ok && !run.cancelled {
		run.cancelled = true
		run.reason = reason
		run.cancel()
	}
	o.mu.Unlock()

	if !ok {
		inv, err := o.store.GetInvestigation(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status.Terminal() {
			return investigation.ErrTerminal
		}
		return investigation.ErrNotFound
	}

	o.cancellations.Add(ctx, 1)
	return nil
}

// Snapshot assembles the investigation, its tasks and verdict.
func (o *Orchestrator) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	inv, err := o.store.GetInvestigation(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	tasks, err := o.store.Tasks(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Investigation: inv, Tasks: tasks}
	if verdict, found, err := o.store.Verdict(ctx, id); err == nil && found {
		snap.Verdict = &verdict
	}
	return snap, nil
}

// Drain waits for in-flight investigations to finish, up to ctx.
func (o *Orchestrator) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, inv investigation.Investigation) {
	defer o.wg.Done()
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "orchestrate.run",
		trace.WithAttributes(
			attribute.String("investigation_id", inv.ID),
			attribute.String("mode", string(inv.Mode)),
		),
	)
	defer span.End()

	defer func() {
		o.mu.Lock()
		delete(o.active, inv.ID)
		o.mu.Unlock()
	}()

	log := o.log.With("investigation_id", inv.ID)

	// Planning: materialize one queued task per scheduled worker.
	inv = o.transition(ctx, inv, investigation.StatusPlanning)
	for _, kind := range inv.Workers {
		task := investigation.WorkerTask{
			InvestigationID: inv.ID,
			Kind:            kind,
			Status:          investigation.TaskQueued,
		}
		if err := o.store.PutTask(ctx, task); err != nil {
			log.Error("persist queued task failed", "kind", kind, "error", err)
		}
	}

	inv = o.transition(ctx, inv, investigation.StatusRunning)

	results := o.execute(ctx, &inv)

	// Join barrier passed. Decide the terminal state.
	cancelled, reason := o.cancelState(inv.ID)

	inv = o.transition(ctx, inv, investigation.StatusAggregating)

	verdict, aggErr := aggregate.Aggregate(inv.ID, results)
	if aggErr == nil {
		if err := o.store.PutVerdict(ctx, *verdict); err != nil {
			log.Error("persist verdict failed", "error", err)
		}
	}

	succeeded := 0
	for _, task := range results {
		if task.Status == investigation.TaskSucceeded {
			succeeded++
		}
	}

	var terminal investigation.Status
	payload := map[string]any{
		"succeeded": succeeded,
		"scheduled": len(results),
	}
	switch {
	case cancelled:
		terminal = investigation.StatusFailed
		payload["reason"] = reason
	case aggErr != nil:
		terminal = investigation.StatusFailed
		payload["reason"] = aggErr.Error()
	case succeeded == len(results):
		terminal = investigation.StatusCompleted
	case succeeded > 0:
		terminal = investigation.StatusPartial
	default:
		terminal = investigation.StatusFailed
		payload["reason"] = "all workers failed"
	}
	if verdict != nil {
		payload["verdict"] = verdict
	}

	inv.Progress = 100
	inv = o.transition(ctx, inv, terminal)

	kind := investigation.EventInvestigationCompleted
	if terminal == investigation.StatusFailed {
		kind = investigation.EventInvestigationFailed
	}
	payload["status"] = string(terminal)
	if _, err := o.hub.Append(inv.ID, kind, payload); err != nil {
		log.Error("terminal event append failed", "error", err)
	}

	o.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(terminal))))
	log.Info("investigation finished", "status", terminal, "succeeded", succeeded, "scheduled", len(results))
}

// execute runs every task and blocks until all have reached a terminal
// status. The returned slice is in canonical kind order.
func (o *Orchestrator) execute(ctx context.Context, inv *investigation.Investigation) []investigation.WorkerTask {
	results := make([]investigation.WorkerTask, len(inv.Workers))

	if inv.Mode == investigation.ModeSequential {
		for i, kind := range inv.Workers {
			results[i] = o.runTask(ctx, *inv, kind)
			o.updateProgress(ctx, inv, i+1)
		}
		return results
	}

	var wg sync.WaitGroup
	var done int
	var mu sync.Mutex
	for i, kind := range inv.Workers {
		wg.Add(1)
		go func(i int, kind investigation.WorkerKind) {
			defer wg.Done()
			results[i] = o.runTask(ctx, *inv, kind)
			mu.Lock()
			done++
			n := done
			mu.Unlock()
			o.updateProgress(ctx, inv, n)
		}(i, kind)
	}
	wg.Wait()
	return results
}

// runTask executes one worker under the per-task timeout, retrying once on
// upstream unavailability with jittered backoff.
func (o *Orchestrator) runTask(ctx context.Context, inv investigation.Investigation, kind investigation.WorkerKind) investigation.WorkerTask {
	task := investigation.WorkerTask{
		InvestigationID: inv.ID,
		Kind:            kind,
		Status:          investigation.TaskExecuting,
		StartedAt:       time.Now().UTC(),
	}
	o.persistTask(ctx, task)
	o.hub.Append(inv.ID, investigation.EventTaskStarted, map[string]any{"worker": string(kind)})

	params := worker.Params{Category: inv.Category, Priority: inv.Priority, Entities: inv.Context}

	var res worker.Result
	if err := o.sem.Acquire(ctx, 1); err != nil {
		res = worker.Result{} // classified below via ctx
	} else {
		taskCtx, cancel := context.WithTimeout(ctx, o.opts.WorkerTimeout)
		attempts := 0
		_, _ = resilience.Retry(taskCtx, 2, o.opts.RetryBackoff, func() (struct{}, error) {
			attempts++
			res = o.registry.Execute(taskCtx, kind, inv.ID, inv.Entity, params)
			if !res.OK() && res.Failure.Kind == investigation.FailureUpstreamUnavailable {
				return struct{}{}, fmt.Errorf("upstream unavailable: %s", res.Failure.Detail)
			}
			return struct{}{}, nil
		})
		task.Attempts = attempts
		cancel()
		o.sem.Release(1)
	}

	task.EndedAt = time.Now().UTC()
	o.taskLatency.Record(ctx, float64(task.EndedAt.Sub(task.StartedAt).Milliseconds()),
		metric.WithAttributes(attribute.String("worker_kind", string(kind))))

	if res.OK() && res.Payload != nil {
		task.Status = investigation.TaskSucceeded
		task.Result = res.Payload
		o.persistTask(ctx, task)
		o.hub.Append(inv.ID, investigation.EventTaskCompleted, map[string]any{
			"worker": string(kind),
			"score":  res.Payload["score"],
		})
		return task
	}

	fail := res.Failure
	if fail == nil {
		if err := ctx.Err(); err != nil {
			// Semaphore acquire aborted: global timeout or cancellation.
			fail = &worker.Failure{Kind: investigation.FailureTimeout, Detail: "execution slot unavailable: " + err.Error()}
		} else {
			// Adapter claimed success without a payload.
			fail = &worker.Failure{Kind: investigation.FailureInvalidResponse, Detail: "worker returned success without payload"}
		}
	}
	task.FailureKind = fail.Kind
	task.Error = fail.Detail
	if fail.Kind == investigation.FailureTimeout {
		task.Status = investigation.TaskTimedOut
	} else {
		task.Status = investigation.TaskFailed
	}
	o.persistTask(ctx, task)
	o.hub.Append(inv.ID, investigation.EventTaskFailed, map[string]any{
		"worker":       string(kind),
		"failure_kind": string(fail.Kind),
		"error":        fail.Detail,
	})
	return task
}

func (o *Orchestrator) updateProgress(ctx context.Context, inv *investigation.Investigation, done int) {
	pct := done * 100 / len(inv.Workers)
	o.mu.Lock()
	if pct > inv.Progress {
		inv.Progress = pct
	}
	snapshot := *inv
	o.mu.Unlock()
	o.store.PutInvestigation(ctx, snapshot)
	o.hub.Append(inv.ID, investigation.EventTaskProgress, map[string]any{"progress": pct})
}

// transition advances the state machine and persists the new status.
// Invalid transitions are a programming error; they are logged and the
// current state kept.
func (o *Orchestrator) transition(ctx context.Context, inv investigation.Investigation, to investigation.Status) investigation.Investigation {
	if !investigation.CanTransition(inv.Status, to) {
		o.log.Error("invalid status transition", "investigation_id", inv.ID, "from", inv.Status, "to", to)
		return inv
	}
	inv.Status = to
	inv.UpdatedAt = time.Now().UTC()
	if err := o.store.PutInvestigation(ctx, inv); err != nil {
		o.log.Error("persist status failed", "investigation_id", inv.ID, "status", to, "error", err)
	}
	return inv
}

func (o *Orchestrator) persistTask(ctx context.Context, task investigation.WorkerTask) {
	if err := o.store.PutTask(ctx, task); err != nil {
		o.log.Error("persist task failed", "investigation_id", task.InvestigationID, "kind", task.Kind, "error", err)
	}
}

func (o *Orchestrator) cancelState(id string) (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run, ok := o.active[id]; ok && run.cancelled {
		reason := run.reason
		if reason == "" {
			reason = "cancelled"
		}
		return true, reason
	}
	return false, ""
}

func canonicalOrder(kinds []investigation.WorkerKind) []investigation.WorkerKind {
	requested := make(map[investigation.WorkerKind]bool, len(kinds))
	for _, k := range kinds {
		requested[k] = true
	}
	out := make([]investigation.WorkerKind, 0, len(kinds))
	for _, k := range investigation.AllWorkerKinds {
		if requested[k] {
			out = append(out, k)
		}
	}
	return out
}
