// Package resilience provides the retry and circuit-breaker primitives that
// guard calls to external analysis providers.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry executes fn up to attempts times with exponential backoff and full
// jitter between tries. The worker contract caps attempts at 2 (one retry);
// other callers may pass more. Context cancellation aborts the wait.
func Retry[T any](ctx context.Context, attempts int, initial time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("inquest")
	attemptCounter, _ := meter.Int64Counter("swarm_investigation_retry_attempts_total")
	failCounter, _ := meter.Int64Counter("swarm_investigation_retry_fail_total")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall clock

	var result T
	op := func() error {
		attemptCounter.Add(ctx, 1)
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx))
	if err != nil {
		failCounter.Add(ctx, 1)
		return zero, err
	}
	return result, nil
}
