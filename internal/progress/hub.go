// Package progress implements the per-investigation append-only event log
// and its fan-out hub. Streaming subscribers and poll queries are two read
// views over the same log, so both transports observe the same sequence.
//
// Events are hash-chained (hash over the previous hash and the event body)
// so a replayed sequence can be verified gap-free and untampered.
package progress

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/inquest/internal/investigation"
)

// Sink receives every appended event, after it is committed to the log.
// Used to bridge events into NATS and the durable store.
type Sink func(investigation.ProgressEvent)

// Hub is the single-publisher-per-investigation broadcast. The orchestrator
// is the only appender; any number of subscribers consume.
type Hub struct {
	mu            sync.RWMutex
	logs          map[string]*invLog
	subscriberBuf int
	sinks         []Sink

	eventsAppended metric.Int64Counter
	droppedSubs    metric.Int64Counter
}

type invLog struct {
	mu       sync.Mutex
	events   []investigation.ProgressEvent
	subs     map[int]chan investigation.ProgressEvent
	nextSub  int
	terminal bool
	closedAt time.Time
}

// NewHub creates a hub. subscriberBuf is the per-subscriber channel buffer; a
// subscriber that falls further behind than its buffer is disconnected and
// must re-subscribe with since_sequence.
func NewHub(subscriberBuf int) *Hub {
	if subscriberBuf <= 0 {
		subscriberBuf = 64
	}
	meter := otel.Meter("inquest")
	appended, _ := meter.Int64Counter("swarm_investigation_events_total")
	dropped, _ := meter.Int64Counter("swarm_investigation_dropped_subscribers_total")
	return &Hub{
		logs:           make(map[string]*invLog),
		subscriberBuf:  subscriberBuf,
		eventsAppended: appended,
		droppedSubs:    dropped,
	}
}

// AddSink registers a post-commit sink. Must be called before events flow.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// ErrTerminalEmitted rejects appends after the terminal event: the terminal
// event is always last and emitted exactly once.
var ErrTerminalEmitted = fmt.Errorf("progress log closed by terminal event")

// Append assigns the next sequence number, chains the hash, commits the
// event and fans it out. The caller (orchestrator) is the single
// serialization point per investigation.
func (h *Hub) Append(invID string, kind investigation.EventKind, payload map[string]any) (investigation.ProgressEvent, error) {
	log := h.logFor(invID, true)

	log.mu.Lock()
	if log.terminal {
		log.mu.Unlock()
		return investigation.ProgressEvent{}, ErrTerminalEmitted
	}

	ev := investigation.ProgressEvent{
		InvestigationID: invID,
		Sequence:        uint64(len(log.events)) + 1,
		Kind:            kind,
		Payload:         payload,
		Timestamp:       time.Now().UTC(),
		Final:           kind.TerminalEvent(),
	}
	if n := len(log.events); n > 0 {
		ev.PrevHash = log.events[n-1].Hash
	}
	ev.Hash = hashEvent(ev)

	log.events = append(log.events, ev)
	if ev.Final {
		log.terminal = true
		log.closedAt = ev.Timestamp
	}

	for id, ch := range log.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber fell behind its buffer; disconnect it.
			delete(log.subs, id)
			close(ch)
			h.droppedSubs.Add(context.Background(), 1)
		}
	}
	log.mu.Unlock()

	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()
	for _, s := range sinks {
		s(ev)
	}

	h.eventsAppended.Add(context.Background(), 1)
	return ev, nil
}

// Subscribe returns a channel delivering events with sequence > sinceSeq in
// order: first the retained backlog, then live events. The cancel func must
// be called when done.
func (h *Hub) Subscribe(invID string, sinceSeq uint64) (<-chan investigation.ProgressEvent, func()) {
	log := h.logFor(invID, true)

	log.mu.Lock()
	defer log.mu.Unlock()

	var backlog []investigation.ProgressEvent
	for _, ev := range log.events {
		if ev.Sequence > sinceSeq {
			backlog = append(backlog, ev)
		}
	}

	ch := make(chan investigation.ProgressEvent, len(backlog)+h.subscriberBuf)
	for _, ev := range backlog {
		ch <- ev
	}

	if log.terminal {
		// Nothing further will arrive; close after backlog drains.
		close(ch)
		return ch, func() {}
	}

	id := log.nextSub
	log.nextSub++
	log.subs[id] = ch

	cancel := func() {
		log.mu.Lock()
		defer log.mu.Unlock()
		if c, ok := log.subs[id]; ok {
			delete(log.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// EventsSince is the poll view: events with sequence > sinceSeq and
// timestamp after sinceTime (zero means no time filter), capped at limit
// (<=0 means no cap), in sequence order.
func (h *Hub) EventsSince(invID string, sinceSeq uint64, sinceTime time.Time, limit int) []investigation.ProgressEvent {
	log := h.logFor(invID, false)
	if log == nil {
		return nil
	}
	log.mu.Lock()
	defer log.mu.Unlock()

	var out []investigation.ProgressEvent
	for _, ev := range log.events {
		if ev.Sequence <= sinceSeq {
			continue
		}
		if !sinceTime.IsZero() && !ev.Timestamp.After(sinceTime) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Terminal returns the terminal event if one has been emitted.
func (h *Hub) Terminal(invID string) (investigation.ProgressEvent, bool) {
	log := h.logFor(invID, false)
	if log == nil {
		return investigation.ProgressEvent{}, false
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if !log.terminal || len(log.events) == 0 {
		return investigation.ProgressEvent{}, false
	}
	return log.events[len(log.events)-1], true
}

// Verify checks the hash chain and gap-free numbering of a log.
func (h *Hub) Verify(invID string) bool {
	log := h.logFor(invID, false)
	if log == nil {
		return true
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	for i, ev := range log.events {
		if ev.Sequence != uint64(i)+1 {
			return false
		}
		if i > 0 && ev.PrevHash != log.events[i-1].Hash {
			return false
		}
		if hashEvent(ev) != ev.Hash {
			return false
		}
	}
	return true
}

// Expire drops logs whose terminal event is older than the retention
// window, and returns how many were dropped. Live logs are never dropped.
func (h *Hub) Expire(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for id, log := range h.logs {
		log.mu.Lock()
		expired := log.terminal && log.closedAt.Before(cutoff)
		log.mu.Unlock()
		if expired {
			delete(h.logs, id)
			dropped++
		}
	}
	return dropped
}

func (h *Hub) logFor(invID string, create bool) *invLog {
	h.mu.RLock()
	log, ok := h.logs[invID]
	h.mu.RUnlock()
	if ok || !create {
		return log
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if log, ok = h.logs[invID]; ok {
		return log
	}
	log = &invLog{subs: make(map[int]chan investigation.ProgressEvent)}
	h.logs[invID] = log
	return log
}

// hashEvent covers the previous hash and every field that defines the
// event's position and content.
func hashEvent(ev investigation.ProgressEvent) string {
	h := sha256.New()
	h.Write([]byte(ev.PrevHash))
	h.Write([]byte(ev.InvestigationID))
	h.Write([]byte(strconv.FormatUint(ev.Sequence, 10)))
	h.Write([]byte(ev.Kind))
	h.Write([]byte(ev.Timestamp.Format(time.RFC3339Nano)))
	if ev.Payload != nil {
		body, _ := json.Marshal(ev.Payload)
		h.Write(body)
	}
	return hex.EncodeToString(h.Sum(nil))
}
