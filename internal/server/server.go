// Package server exposes the investigation API over HTTP: create (direct or
// inferred from free text), snapshot, poll events, stream events over SSE,
// and cancel.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/inquest/internal/extract"
	"github.com/swarmguard/inquest/internal/investigation"
	"github.com/swarmguard/inquest/internal/orchestrate"
	"github.com/swarmguard/inquest/internal/policy"
	"github.com/swarmguard/inquest/internal/progress"
	"github.com/swarmguard/inquest/internal/store"
)

// entityPreference decides which extracted entity becomes the subject when
// a request is inferred from text. Strong identifiers outrank network ones.
var entityPreference = []string{"user_id", "account_id", "device_id", "ipv4", "ipv6", "email"}

// Server wires the HTTP surface to the orchestrator.
type Server struct {
	orch      *orchestrate.Orchestrator
	hub       *progress.Hub
	store     *store.Store
	extractor *extract.Extractor
	gate      *policy.Gate
	log       *slog.Logger

	requests metric.Int64Counter
	denied   metric.Int64Counter
}

func New(orch *orchestrate.Orchestrator, hub *progress.Hub, st *store.Store, gate *policy.Gate, log *slog.Logger) *Server {
	meter := otel.Meter("inquest")
	requests, _ := meter.Int64Counter("swarm_investigation_http_requests_total")
	denied, _ := meter.Int64Counter("swarm_investigation_admission_denied_total")

	return &Server{
		orch:      orch,
		hub:       hub,
		store:     st,
		extractor: extract.New(),
		gate:      gate,
		log:       log,
		requests:  requests,
		denied:    denied,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/investigations", s.handleCreate)
	mux.HandleFunc("POST /v1/investigations/infer", s.handleInfer)
	mux.HandleFunc("GET /v1/investigations/{id}", s.handleSnapshot)
	mux.HandleFunc("GET /v1/investigations/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/investigations/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /v1/investigations/{id}/cancel", s.handleCancel)
	return mux
}

type createRequest struct {
	Entity   investigation.EntityRef    `json:"entity"`
	Workers  []investigation.WorkerKind `json:"workers,omitempty"`
	Mode     investigation.Mode         `json:"mode,omitempty"`
	Priority investigation.Priority     `json:"priority,omitempty"`
	Category string                     `json:"category,omitempty"`
	Context  map[string]string          `json:"context,omitempty"`
}

type inferRequest struct {
	Text      string             `json:"text"`
	Hints     map[string]string  `json:"hints,omitempty"`
	Overrides map[string]any     `json:"overrides,omitempty"`
	Mode      investigation.Mode `json:"mode,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"store":  s.store.Stats(),
	}
	if s.gate != nil {
		body["policy_ready"] = s.gate.Ready()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("op", "create")))

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if !s.admit(w, r, map[string]any{
		"entity":   map[string]any{"type": req.Entity.Type, "id": req.Entity.ID},
		"priority": string(req.Priority),
		"category": req.Category,
	}) {
		return
	}

	inv, err := s.orch.Create(r.Context(), orchestrate.CreateRequest{
		Entity:   req.Entity,
		Workers:  req.Workers,
		Mode:     req.Mode,
		Priority: req.Priority,
		Category: req.Category,
		Context:  req.Context,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inv)
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("op", "infer")))

	var req inferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	inferred := s.extractor.Infer(req.Text, req.Hints, req.Overrides)
	entity, ok := subjectEntity(inferred.Entities)
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "no investigable entity found in text",
			"inferred": inferred,
		})
		return
	}

	if !s.admit(w, r, map[string]any{
		"entity":     map[string]any{"type": entity.Type, "id": entity.ID},
		"priority":   string(inferred.Priority),
		"category":   inferred.Category,
		"confidence": inferred.Confidence,
	}) {
		return
	}

	inv, err := s.orch.Create(r.Context(), orchestrate.CreateRequest{
		Entity:   entity,
		Mode:     req.Mode,
		Priority: inferred.Priority,
		Category: inferred.Category,
		Context:  inferred.Entities,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"investigation": inv,
		"inferred":      inferred,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetInvestigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	since := queryUint(r, "since_sequence")
	limit := int(queryUint(r, "limit"))
	var sinceTime time.Time
	if v := r.URL.Query().Get("since_time"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since_time must be RFC3339", http.StatusBadRequest)
			return
		}
		sinceTime = ts
	}
	events := s.hub.EventsSince(id, since, sinceTime, limit)
	if events == nil {
		// The in-memory log may have been expired; fall back to the store.
		var err error
		events, err = s.store.Events(r.Context(), id, since)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"investigation_id": id,
		"events":           events,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetInvestigation(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.hub.Subscribe(id, queryUint(r, "since_sequence"))
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("id: " + strconv.FormatUint(ev.Sequence, 10) + "\n"))
			w.Write([]byte("event: " + string(ev.Kind) + "\n"))
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			if ev.Final {
				return
			}
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(r.Context(), 1, metric.WithAttributes(attribute.String("op", "cancel")))

	var req cancelRequest
	if r.Body != nil {
		// Body is optional; ignore decode errors on an empty body.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.orch.Cancel(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling"})
}

// admit runs the policy gate, writing the denial response itself. Returns
// true when the request may proceed.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, input map[string]any) bool {
	if s.gate == nil {
		return true
	}
	allowed, err := s.gate.Admit(r.Context(), input)
	if err != nil {
		s.log.Error("admission evaluation failed", "error", err)
		http.Error(w, "policy evaluation failed", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		s.denied.Add(r.Context(), 1)
		http.Error(w, "request denied by policy", http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, investigation.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, investigation.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, investigation.ErrTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func subjectEntity(entities map[string]string) (investigation.EntityRef, bool) {
	for _, typ := range entityPreference {
		if id, ok := entities[typ]; ok {
			return investigation.EntityRef{Type: typ, ID: id}, true
		}
	}
	return investigation.EntityRef{}, false
}

func queryUint(r *http.Request, key string) uint64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
