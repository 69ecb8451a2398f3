package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmguard/inquest/internal/resilience"
)

// Provider is an opaque external data source consumed by adapters. The core
// makes no assumption about its wire protocol beyond this call.
type Provider interface {
	Fetch(ctx context.Context, query map[string]string) (map[string]any, error)
}

// HTTPProvider posts the query as JSON to a fixed endpoint and decodes a
// JSON object back. Calls go through a circuit breaker so a failing upstream
// sheds load instead of stacking timeouts.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
}

// ErrCircuitOpen wraps breaker rejections so adapters can classify them.
var ErrCircuitOpen = fmt.Errorf("provider circuit open")

func NewHTTPProvider(endpoint string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPProvider{
		endpoint: endpoint,
		client:   client,
		breaker:  resilience.NewCircuitBreaker(30*time.Second, 6, 8, 0.5, 5*time.Second, 2),
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, query map[string]string) (map[string]any, error) {
	if !p.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.breaker.RecordResult(false)
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		p.breaker.RecordResult(false)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		p.breaker.RecordResult(false)
		return nil, fmt.Errorf("provider status %d: %s", resp.StatusCode, string(respBody))
	}
	p.breaker.RecordResult(true)

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

// FetchWithRetry wraps Fetch with a short provider-level retry for transient
// transport errors. Breaker rejections abort immediately.
func FetchWithRetry(ctx context.Context, p Provider, query map[string]string) (map[string]any, error) {
	return resilience.Retry(ctx, 2, 200*time.Millisecond, func() (map[string]any, error) {
		return p.Fetch(ctx, query)
	})
}

// StaticProvider serves deterministic canned payloads keyed by the "subject"
// query field. Used in development mode and tests; it stands in for any
// upstream that is not configured.
type StaticProvider struct {
	payloads map[string]map[string]any
	fallback map[string]any
}

func NewStaticProvider(fallback map[string]any) *StaticProvider {
	return &StaticProvider{
		payloads: make(map[string]map[string]any),
		fallback: fallback,
	}
}

// Seed registers a canned payload for a subject value.
func (p *StaticProvider) Seed(subject string, payload map[string]any) {
	p.payloads[subject] = payload
}

func (p *StaticProvider) Fetch(ctx context.Context, query map[string]string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if payload, ok := p.payloads[query["subject"]]; ok {
		return payload, nil
	}
	if p.fallback != nil {
		return p.fallback, nil
	}
	return map[string]any{}, nil
}
