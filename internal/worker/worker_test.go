package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/swarmguard/inquest/internal/investigation"
)

func userRef() investigation.EntityRef {
	return investigation.EntityRef{Type: "user_id", ID: "12345"}
}

func TestAdapterNormalizesProviderPayload(t *testing.T) {
	provider := NewStaticProvider(nil)
	provider.Seed("12345", map[string]any{
		"score":    7.5,
		"entities": map[string]any{"device_id": "dev-9", "ignored": 3},
		"matches":  12,
	})
	adapter := NewLogsAdapter(provider)

	res := adapter.Execute(context.Background(), "inv-1", userRef(), Params{})
	if !res.OK() {
		t.Fatalf("execute failed: %+v", res.Failure)
	}
	if got := res.Payload["score"].(float64); got != 7.5 {
		t.Errorf("score = %v, want 7.5", got)
	}
	entities := res.Payload["entities"].(map[string]string)
	if entities["device_id"] != "dev-9" {
		t.Errorf("entities = %v, want device_id dev-9", entities)
	}
	if _, ok := entities["ignored"]; ok {
		t.Error("non-string entity value should be dropped")
	}
	if res.Payload["matches"].(int) != 12 {
		t.Errorf("extra field matches not carried through: %v", res.Payload["matches"])
	}
}

func TestAdapterClampsScore(t *testing.T) {
	provider := NewStaticProvider(map[string]any{"score": 42.0})
	adapter := NewRiskAdapter(provider)
	res := adapter.Execute(context.Background(), "inv-1", userRef(), Params{})
	if !res.OK() {
		t.Fatalf("execute failed: %+v", res.Failure)
	}
	if got := res.Payload["score"].(float64); got != 10 {
		t.Errorf("score = %v, want clamp to 10", got)
	}
}

func TestAdapterInvalidResponse(t *testing.T) {
	provider := NewStaticProvider(map[string]any{"status": "ok"}) // no score
	adapter := NewRiskAdapter(provider)
	res := adapter.Execute(context.Background(), "inv-1", userRef(), Params{})
	if res.OK() {
		t.Fatal("expected failure for scoreless payload")
	}
	if res.Failure.Kind != investigation.FailureInvalidResponse {
		t.Errorf("failure kind = %s, want invalid_response", res.Failure.Kind)
	}
}

func TestAdapterUnsupportedEntity(t *testing.T) {
	adapter := NewDeviceAdapter(NewStaticProvider(map[string]any{"score": 1.0}))
	res := adapter.Execute(context.Background(), "inv-1",
		investigation.EntityRef{Type: "email", ID: "a@b.example"}, Params{})
	if res.OK() {
		t.Fatal("expected unsupported_entity failure")
	}
	if res.Failure.Kind != investigation.FailureUnsupportedEntity {
		t.Errorf("failure kind = %s, want unsupported_entity", res.Failure.Kind)
	}
}

func TestAdapterTimeoutClassification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adapter := NewLogsAdapter(NewStaticProvider(map[string]any{"score": 1.0}))
	res := adapter.Execute(ctx, "inv-1", userRef(), Params{})
	if res.OK() {
		t.Fatal("expected timeout failure")
	}
	if res.Failure.Kind != investigation.FailureTimeout {
		t.Errorf("failure kind = %s, want timeout", res.Failure.Kind)
	}
}

func TestRegistryContainsPanic(t *testing.T) {
	reg := NewRegistry(panicAdapter{})
	res := reg.Execute(context.Background(), investigation.WorkerRisk, "inv-1", userRef(), Params{})
	if res.OK() {
		t.Fatal("expected failure from panicking adapter")
	}
	if res.Failure.Kind != investigation.FailureInvalidResponse {
		t.Errorf("failure kind = %s, want invalid_response", res.Failure.Kind)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	reg := NewRegistry()
	res := reg.Execute(context.Background(), investigation.WorkerDevice, "inv-1", userRef(), Params{})
	if res.OK() || res.Failure.Kind != investigation.FailureUnsupportedEntity {
		t.Fatalf("expected unsupported failure, got %+v", res)
	}
}

func TestRegistryKindsCanonicalOrder(t *testing.T) {
	provider := NewStaticProvider(map[string]any{"score": 1.0})
	reg := NewRegistry(NewRiskAdapter(provider), NewDeviceAdapter(provider), NewLogsAdapter(provider))
	kinds := reg.Kinds()
	want := []investigation.WorkerKind{investigation.WorkerDevice, investigation.WorkerLogs, investigation.WorkerRisk}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestHTTPProviderRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score": 3.5, "entities": {"ipv4": "10.0.0.9"}}`))
	}))
	defer srv.Close()

	adapter := NewNetworkAdapter(NewHTTPProvider(srv.URL, srv.Client()))
	res := adapter.Execute(context.Background(), "inv-1",
		investigation.EntityRef{Type: "ipv4", ID: "10.0.0.9"}, Params{})
	if !res.OK() {
		t.Fatalf("execute failed: %+v", res.Failure)
	}
	if got := res.Payload["score"].(float64); got != 3.5 {
		t.Errorf("score = %v, want 3.5", got)
	}
}

func TestHTTPProviderUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := NewNetworkAdapter(NewHTTPProvider(srv.URL, srv.Client()))
	res := adapter.Execute(context.Background(), "inv-1",
		investigation.EntityRef{Type: "ipv4", ID: "10.0.0.9"}, Params{})
	if res.OK() {
		t.Fatal("expected failure from 502 upstream")
	}
	if res.Failure.Kind != investigation.FailureUpstreamUnavailable {
		t.Errorf("failure kind = %s, want upstream_unavailable", res.Failure.Kind)
	}
}

type panicAdapter struct{}

func (panicAdapter) Kind() investigation.WorkerKind { return investigation.WorkerRisk }

func (panicAdapter) Execute(context.Context, string, investigation.EntityRef, Params) Result {
	panic("internal fault")
}
