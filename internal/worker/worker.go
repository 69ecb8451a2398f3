// Package worker defines the uniform adapter contract for analysis
// capabilities and the registry the orchestrator selects from. Each adapter
// wraps one external capability (device reputation, geolocation, network
// intel, event-log search, risk scoring) behind the same Execute signature.
package worker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/inquest/internal/investigation"
)

// Params carries request context into an adapter execution.
type Params struct {
	Category string
	Priority investigation.Priority
	Entities map[string]string
}

// Failure is a structured non-success outcome. Adapter internals never leak
// panics or raw errors across the boundary; everything becomes one of these.
type Failure struct {
	Kind   investigation.FailureKind
	Detail string
}

// Result is either a success payload or a structured failure, never both.
// Success payloads always carry "score" (float64, 0-10) and "entities"
// (map[string]string) keys so the aggregator can combine them uniformly.
type Result struct {
	Payload map[string]any
	Failure *Failure
}

// OK reports whether the execution succeeded.
func (r Result) OK() bool { return r.Failure == nil }

func failure(kind investigation.FailureKind, format string, args ...any) Result {
	return Result{Failure: &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}}
}

// Adapter is the contract every analysis capability satisfies. Execute must
// be idempotent under the orchestrator's single retry and must honor ctx
// cancellation promptly.
type Adapter interface {
	Kind() investigation.WorkerKind
	Execute(ctx context.Context, investigationID string, entity investigation.EntityRef, params Params) Result
}

// Registry maps worker kinds to adapter implementations. It is built once at
// process start and injected; there is no ambient global directory.
type Registry struct {
	adapters map[investigation.WorkerKind]Adapter
	tracer   trace.Tracer
}

// NewRegistry wraps each adapter with panic recovery and tracing.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[investigation.WorkerKind]Adapter, len(adapters)),
		tracer:   otel.Tracer("inquest-worker"),
	}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Lookup returns the adapter for a kind.
func (r *Registry) Lookup(kind investigation.WorkerKind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

// Kinds lists registered kinds in the canonical declaration order.
func (r *Registry) Kinds() []investigation.WorkerKind {
	kinds := make([]investigation.WorkerKind, 0, len(r.adapters))
	for _, k := range investigation.AllWorkerKinds {
		if _, ok := r.adapters[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Execute runs the adapter for kind with panic containment: an internal
// fault is converted to an invalid_response failure instead of crossing the
// boundary.
func (r *Registry) Execute(ctx context.Context, kind investigation.WorkerKind, investigationID string, entity investigation.EntityRef, params Params) (res Result) {
	adapter, ok := r.adapters[kind]
	if !ok {
		return failure(investigation.FailureUnsupportedEntity, "no adapter registered for kind %s", kind)
	}

	ctx, span := r.tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(
			attribute.String("worker_kind", string(kind)),
			attribute.String("investigation_id", investigationID),
		),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			span.AddEvent("adapter_panic")
			res = failure(investigation.FailureInvalidResponse, "adapter panic: %v", rec)
		}
	}()

	return adapter.Execute(ctx, investigationID, entity, params)
}

// classifyErr maps provider errors to failure kinds. Context expiry always
// wins so a timed-out call is never reported as upstream trouble.
func classifyErr(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return failure(investigation.FailureTimeout, "provider call aborted: %v", ctx.Err())
	}
	return failure(investigation.FailureUpstreamUnavailable, "provider call failed: %v", err)
}
