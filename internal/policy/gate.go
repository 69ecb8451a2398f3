// Package policy gates investigation admission through OPA. Operators drop
// .rego files into a directory; requests are evaluated against
// data.inquest.allow before an investigation is created.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const decisionQuery = "data.inquest.allow"

// Gate evaluates admission policies. A Gate with no policy directory admits
// everything, so deployments without OPA configured keep working.
type Gate struct {
	mu        sync.RWMutex
	prepared  *rego.PreparedEvalQuery
	moduleCnt int
	policyDir string

	log            *slog.Logger
	tracer         trace.Tracer
	compileLatency metric.Float64Histogram
	evalLatency    metric.Float64Histogram
	denied         metric.Int64Counter
}

// NewGate builds a gate for policyDir. An empty policyDir yields an
// allow-all gate.
func NewGate(policyDir string, log *slog.Logger) *Gate {
	meter := otel.Meter("inquest")
	compileLatency, _ := meter.Float64Histogram("swarm_policy_compile_latency_ms")
	evalLatency, _ := meter.Float64Histogram("swarm_policy_eval_latency_ms")
	denied, _ := meter.Int64Counter("swarm_policy_denied_total")

	return &Gate{
		policyDir:      policyDir,
		log:            log,
		tracer:         otel.Tracer("inquest/policy"),
		compileLatency: compileLatency,
		evalLatency:    evalLatency,
		denied:         denied,
	}
}

// Load compiles every .rego file in the policy directory and swaps the
// prepared query in atomically. Missing directory or zero files leaves the
// gate in allow-all mode.
func (g *Gate) Load(ctx context.Context) error {
	if g.policyDir == "" {
		return nil
	}
	ctx, span := g.tracer.Start(ctx, "policy.load")
	defer span.End()
	start := time.Now()

	files, err := filepath.Glob(filepath.Join(g.policyDir, "*.rego"))
	if err != nil {
		return fmt.Errorf("glob policies: %w", err)
	}
	if len(files) == 0 {
		g.mu.Lock()
		g.prepared = nil
		g.moduleCnt = 0
		g.mu.Unlock()
		g.log.Warn("no policy files found, admitting all requests", "dir", g.policyDir)
		return nil
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read policy %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("parse policy %s: %w", file, err)
		}
		modules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(modules)
	if compiler.Failed() {
		var msgs []string
		for _, cerr := range compiler.Errors {
			msgs = append(msgs, cerr.Error())
		}
		return fmt.Errorf("compile failed: %s", strings.Join(msgs, "; "))
	}

	prepared, err := rego.New(
		rego.Query(decisionQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare query: %w", err)
	}

	g.mu.Lock()
	g.prepared = &prepared
	g.moduleCnt = len(modules)
	g.mu.Unlock()

	g.compileLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("policy_count", len(files))))
	span.SetAttributes(attribute.Int("policy_count", len(files)))
	g.log.Info("admission policies loaded", "files", len(files))
	return nil
}

// Admit evaluates the decision query against the request input. allow=false
// comes back with the reason "denied by policy"; evaluation errors fail
// closed only when policies are loaded.
func (g *Gate) Admit(ctx context.Context, input map[string]any) (bool, error) {
	g.mu.RLock()
	prepared := g.prepared
	g.mu.RUnlock()
	if prepared == nil {
		return true, nil
	}

	ctx, span := g.tracer.Start(ctx, "policy.admit")
	defer span.End()
	start := time.Now()

	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	g.evalLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return false, fmt.Errorf("eval failed: %w", err)
	}

	decision := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if allow, ok := results[0].Expressions[0].Value.(bool); ok {
			decision = allow
		}
	}
	span.SetAttributes(attribute.Bool("decision", decision))
	if !decision {
		g.denied.Add(ctx, 1)
	}
	return decision, nil
}

// Ready reports whether policies are loaded. An unconfigured gate is ready.
func (g *Gate) Ready() bool {
	if g.policyDir == "" {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.prepared != nil || g.moduleCnt == 0
}

// Watch reloads policies when the directory changes, until ctx is done.
// Reload failures keep the previous policy set active.
func (g *Gate) Watch(ctx context.Context) error {
	if g.policyDir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(g.policyDir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", g.policyDir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".rego") {
					continue
				}
				if err := g.Load(ctx); err != nil {
					g.log.Error("policy reload failed, keeping previous set", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.log.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
