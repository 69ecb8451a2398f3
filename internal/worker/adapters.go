package worker

import (
	"context"
	"strings"

	"github.com/swarmguard/inquest/internal/investigation"
)

// The five built-in adapters differ in which entity types they accept, the
// capability they ask their provider for, and how they normalize the
// response. Everything else is shared in providerAdapter.

// providerAdapter is the common execution path: query the provider, classify
// transport errors, normalize the payload into the canonical score+entities
// shape.
type providerAdapter struct {
	kind       investigation.WorkerKind
	capability string
	provider   Provider
	supported  map[string]bool // entity types; empty means any
}

func (a *providerAdapter) Kind() investigation.WorkerKind { return a.kind }

func (a *providerAdapter) Execute(ctx context.Context, investigationID string, entity investigation.EntityRef, params Params) Result {
	if len(a.supported) > 0 && !a.supported[entity.Type] {
		return failure(investigation.FailureUnsupportedEntity,
			"%s adapter does not support entity type %s", a.kind, entity.Type)
	}

	query := map[string]string{
		"capability":       a.capability,
		"subject":          entity.ID,
		"entity_type":      entity.Type,
		"investigation_id": investigationID,
		"category":         params.Category,
	}
	for k, v := range params.Entities {
		if k != entity.Type {
			query["ctx_"+k] = v
		}
	}

	raw, err := FetchWithRetry(ctx, a.provider, query)
	if err != nil {
		return classifyErr(ctx, err)
	}
	return a.normalize(raw)
}

// normalize validates the provider response. A missing or malformed score is
// an invalid_response failure, not a zero score: silently scoring garbage
// would skew the composite verdict.
func (a *providerAdapter) normalize(raw map[string]any) Result {
	score, ok := numericField(raw, "score")
	if !ok {
		return failure(investigation.FailureInvalidResponse, "%s provider returned no usable score", a.kind)
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}

	payload := map[string]any{
		"score":    score,
		"entities": stringMapField(raw, "entities"),
	}
	for k, v := range raw {
		if k == "score" || k == "entities" {
			continue
		}
		payload[k] = v
	}
	return Result{Payload: payload}
}

func numericField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func stringMapField(m map[string]any, key string) map[string]string {
	out := make(map[string]string)
	raw, ok := m[key].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out[k] = s
		}
	}
	return out
}

// NewDeviceAdapter analyzes device reputation and fingerprints.
func NewDeviceAdapter(provider Provider) Adapter {
	return &providerAdapter{
		kind:       investigation.WorkerDevice,
		capability: "device_reputation",
		provider:   provider,
		supported:  map[string]bool{"device_id": true, "user_id": true, "account_id": true},
	}
}

// NewLocationAdapter resolves geolocation and travel-consistency signals.
func NewLocationAdapter(provider Provider) Adapter {
	return &providerAdapter{
		kind:       investigation.WorkerLocation,
		capability: "geo_resolution",
		provider:   provider,
		supported:  map[string]bool{"ipv4": true, "ipv6": true, "user_id": true, "account_id": true},
	}
}

// NewNetworkAdapter checks network reputation (proxy/VPN/botnet membership).
func NewNetworkAdapter(provider Provider) Adapter {
	return &providerAdapter{
		kind:       investigation.WorkerNetwork,
		capability: "network_reputation",
		provider:   provider,
		supported:  map[string]bool{"ipv4": true, "ipv6": true, "device_id": true, "user_id": true, "account_id": true},
	}
}

// NewLogsAdapter searches event-log history; any entity type is a valid
// search key.
func NewLogsAdapter(provider Provider) Adapter {
	return &providerAdapter{
		kind:       investigation.WorkerLogs,
		capability: "event_log_search",
		provider:   provider,
	}
}

// NewRiskAdapter calls the ML risk-scoring service; any entity type.
func NewRiskAdapter(provider Provider) Adapter {
	return &providerAdapter{
		kind:       investigation.WorkerRisk,
		capability: "risk_scoring",
		provider:   provider,
	}
}
