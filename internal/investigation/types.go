// Package investigation holds the core domain records shared by the
// orchestrator, aggregator, store and progress log.
package investigation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityRef is a typed identifier naming the subject of an investigation,
// e.g. {Type: "user_id", ID: "12345"}.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (e EntityRef) String() string { return e.Type + ":" + e.ID }

// Validate rejects malformed references before any record is created.
func (e EntityRef) Validate() error {
	if strings.TrimSpace(e.Type) == "" || strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: entity reference requires type and id", ErrInvalidRequest)
	}
	return nil
}

// Mode selects how scheduled workers execute.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// WorkerKind enumerates the analysis capabilities that can be scheduled.
type WorkerKind string

const (
	WorkerDevice   WorkerKind = "device"
	WorkerLocation WorkerKind = "location"
	WorkerNetwork  WorkerKind = "network"
	WorkerLogs     WorkerKind = "logs"
	WorkerRisk     WorkerKind = "risk"
)

// AllWorkerKinds lists every kind in declaration order. Sequential mode
// schedules in this order filtered to the requested set.
var AllWorkerKinds = []WorkerKind{WorkerDevice, WorkerLocation, WorkerNetwork, WorkerLogs, WorkerRisk}

// ParseWorkerKind validates a wire value.
func ParseWorkerKind(s string) (WorkerKind, error) {
	k := WorkerKind(s)
	for _, known := range AllWorkerKinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown worker kind %q", ErrInvalidRequest, s)
}

// Status is the investigation lifecycle state.
type Status string

const (
	StatusCreated     Status = "created"
	StatusPlanning    Status = "planning"
	StatusRunning     Status = "running"
	StatusAggregating Status = "aggregating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusPartial     Status = "partial"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// forward transitions along the lifecycle; failed/partial are reachable from
// any non-terminal state past created.
var transitions = map[Status][]Status{
	StatusCreated:     {StatusPlanning, StatusFailed},
	StatusPlanning:    {StatusRunning, StatusFailed},
	StatusRunning:     {StatusAggregating, StatusFailed, StatusPartial},
	StatusAggregating: {StatusCompleted, StatusFailed, StatusPartial},
}

// CanTransition enforces the monotonic state machine. A terminal status never
// transitions again.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority of an investigation request.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Investigation is the unit of work tracked through the lifecycle.
type Investigation struct {
	ID        string       `json:"id"`
	Entity    EntityRef    `json:"entity"`
	Workers   []WorkerKind `json:"workers"`
	Mode      Mode         `json:"mode"`
	Status    Status       `json:"status"`
	Priority  Priority     `json:"priority,omitempty"`
	Category  string       `json:"category,omitempty"`
	// Context carries companion entities extracted alongside the subject;
	// workers receive them as auxiliary query parameters.
	Context map[string]string `json:"context,omitempty"`
	Progress  int          `json:"progress"` // 0-100, monotone while running
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Archived  bool         `json:"archived,omitempty"`
}

// TaskStatus is the per-worker assignment state.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskExecuting TaskStatus = "executing"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether the task has reached its single final status.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskTimedOut
}

// FailureKind classifies structured worker failures crossing the adapter
// boundary.
type FailureKind string

const (
	FailureUpstreamUnavailable FailureKind = "upstream_unavailable"
	FailureInvalidResponse     FailureKind = "invalid_response"
	FailureTimeout             FailureKind = "timeout"
	FailureUnsupportedEntity   FailureKind = "unsupported_entity"
)

// WorkerTask is one worker's assignment within an investigation. Result is
// immutable once Status is terminal.
type WorkerTask struct {
	InvestigationID string         `json:"investigation_id"`
	Kind            WorkerKind     `json:"kind"`
	Status          TaskStatus     `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	FailureKind     FailureKind    `json:"failure_kind,omitempty"`
	Error           string         `json:"error,omitempty"`
	Attempts        int            `json:"attempts,omitempty"`
	StartedAt       time.Time      `json:"started_at,omitempty"`
	EndedAt         time.Time      `json:"ended_at,omitempty"`
}

// Contribution is one worker kind's share of a composite verdict.
type Contribution struct {
	SubScore float64 `json:"sub_score"`
	Weight   float64 `json:"weight"`
}

// CorrelationFinding records an entity value surfaced by more than one worker.
type CorrelationFinding struct {
	EntityType string       `json:"entity_type"`
	Value      string       `json:"value"`
	Workers    []WorkerKind `json:"workers"`
	Key        string       `json:"key"` // stable hash over type+value
}

// CompositeVerdict is the aggregator's output. It carries no wall-clock
// fields: re-running aggregation over the same tasks must be bit-for-bit
// identical.
type CompositeVerdict struct {
	InvestigationID string                      `json:"investigation_id"`
	RiskScore       float64                     `json:"risk_score"` // 0-10
	Contributions   map[WorkerKind]Contribution `json:"contributions"`
	Correlations    []CorrelationFinding        `json:"correlations,omitempty"`
	Confidence      float64                     `json:"confidence"` // 0-1
	Scheduled       int                         `json:"scheduled"`
	Succeeded       int                         `json:"succeeded"`
}

// EventKind names a progress event type.
type EventKind string

const (
	EventTaskStarted            EventKind = "task_started"
	EventTaskProgress           EventKind = "task_progress"
	EventTaskCompleted          EventKind = "task_completed"
	EventTaskFailed             EventKind = "task_failed"
	EventInvestigationCompleted EventKind = "investigation_completed"
	EventInvestigationFailed    EventKind = "investigation_failed"
)

// TerminalEvent reports whether this kind closes the event sequence.
func (k EventKind) TerminalEvent() bool {
	return k == EventInvestigationCompleted || k == EventInvestigationFailed
}

// ProgressEvent is an ordered, append-only record of investigation state
// change. Sequence numbers are 1-based, gap-free and unique per
// investigation. Hash chains to the previous event for tamper evidence.
type ProgressEvent struct {
	InvestigationID string         `json:"investigation_id"`
	Sequence        uint64         `json:"sequence"`
	Kind            EventKind      `json:"type"`
	Payload         map[string]any `json:"payload,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Final           bool           `json:"final,omitempty"` // explicit completion marker
	PrevHash        string         `json:"prev_hash,omitempty"`
	Hash            string         `json:"hash,omitempty"`
}

// InferredRequest is the entity extractor's output for a natural-language
// request. Immutable once built.
type InferredRequest struct {
	Text       string            `json:"text"`
	Category   string            `json:"category"`
	Priority   Priority          `json:"priority"`
	Entities   map[string]string `json:"entities"`
	Confidence float64           `json:"confidence"`
	Overrides  []string          `json:"overrides,omitempty"`
}

// Error taxonomy. Per-task failures are absorbed into task records; only
// these conditions surface at the investigation or request level.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("investigation not found")
	ErrTerminal       = errors.New("investigation already terminal")
	ErrAggregation    = errors.New("aggregation failure")
)
