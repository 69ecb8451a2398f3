package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker protects one external provider. It opens after a failure
// rate threshold is crossed over a rolling window, cools down, then admits a
// limited number of half-open probes.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples      int
	failureRateOpen float64
	halfOpenAfter   time.Duration
	maxProbes       int

	state    breakerState
	openedAt time.Time
	probes   int
	window   *slidingWindow
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker evaluating failure rate over
// windowSize split into buckets.
func NewCircuitBreaker(windowSize time.Duration, buckets, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxProbes int) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	if failureRateOpen <= 0 || failureRateOpen > 1 {
		failureRateOpen = 0.5
	}
	return &CircuitBreaker{
		minSamples:      minSamples,
		failureRateOpen: failureRateOpen,
		halfOpenAfter:   halfOpenAfter,
		maxProbes:       maxProbes,
		state:           stateClosed,
		window:          newSlidingWindow(windowSize, buckets),
	}
}

// Allow reports whether a call may proceed now.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.state = stateHalfOpen
		c.probes = 0
		fallthrough
	case stateHalfOpen:
		if c.probes >= c.maxProbes {
			return false
		}
		c.probes++
	}
	return true
}

// RecordResult feeds an outcome back into the breaker.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window.add(success)

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples && float64(failures)/float64(total) >= c.failureRateOpen {
			c.open()
		}
	case stateHalfOpen:
		if !success {
			c.open()
		} else if c.probes >= c.maxProbes {
			c.state = stateClosed
			c.openedAt = time.Time{}
			c.window.reset()
		}
	}
}

func (c *CircuitBreaker) open() {
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := otel.Meter("inquest").Int64Counter("swarm_investigation_circuit_open_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow keeps success/failure counts in fixed time buckets.
type slidingWindow struct {
	buckets  int
	interval time.Duration
	data     []bucket
	lastSlot []int64
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		lastSlot: make([]int64, buckets),
	}
}

func (w *slidingWindow) add(success bool) {
	slot := time.Now().UnixNano() / w.interval.Nanoseconds()
	idx := int(slot) % w.buckets
	if w.lastSlot[idx] != slot {
		w.data[idx] = bucket{}
		w.lastSlot[idx] = slot
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total, failures int) {
	for _, b := range w.data {
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
		w.lastSlot[i] = 0
	}
}
