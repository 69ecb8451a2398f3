// Package extract turns free-text investigation requests into structured
// parameters. Inference never fails: unrecognized input yields a
// low-confidence result with an empty entity map, and callers act on the
// confidence score.
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/swarmguard/inquest/internal/investigation"
)

// Investigation categories in tie-break priority order. fraud_detection is
// the most general and doubles as the fallback.
const (
	CategoryFraud    = "fraud_detection"
	CategoryDevice   = "device_analysis"
	CategoryNetwork  = "network_analysis"
	CategoryLocation = "location_analysis"
	CategoryLogs     = "log_analysis"
)

var categoryOrder = []string{CategoryFraud, CategoryDevice, CategoryNetwork, CategoryLocation, CategoryLogs}

var categoryKeywords = map[string][]string{
	CategoryFraud:    {"fraud", "fraudulent", "scam", "chargeback", "stolen", "account takeover", "suspicious activity"},
	CategoryDevice:   {"device", "fingerprint", "emulator", "rooted", "jailbreak", "hardware"},
	CategoryNetwork:  {"network", "ip", "proxy", "vpn", "botnet", "traffic", "connection"},
	CategoryLocation: {"location", "geo", "country", "impossible travel", "region"},
	CategoryLogs:     {"log", "logs", "event history", "audit", "activity trail"},
}

var priorityKeywords = map[investigation.Priority][]string{
	investigation.PriorityHigh: {"urgent", "urgently", "immediately", "critical", "asap", "high priority"},
	investigation.PriorityLow:  {"low priority", "routine", "when possible", "background"},
}

// Typed entity matchers. Each pattern's first capture group (when present) is
// the extracted value; otherwise the whole match.
var entityPatterns = []struct {
	entityType string
	re         *regexp.Regexp
}{
	{"user_id", regexp.MustCompile(`(?i)\buser(?:[ _-]?id)?[ :#=]*(\d{2,})`)},
	{"account_id", regexp.MustCompile(`(?i)\baccount(?:[ _-]?id)?[ :#=]*(\d{2,})`)},
	{"ipv4", regexp.MustCompile(`\b((?:\d{1,3}\.){3}\d{1,3})\b`)},
	{"ipv6", regexp.MustCompile(`\b((?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4})\b`)},
	{"email", regexp.MustCompile(`\b([A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`)},
	{"device_id", regexp.MustCompile(`(?i)\b(?:device[ :#=]*|dev[-_])([A-Za-z0-9-]{4,})`)},
}

// Extractor infers structured investigation parameters from text. Stateless
// and safe for concurrent use.
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

// Infer parses text into an InferredRequest. hints entities win over
// extracted ones on key collision; overrides replace inferred scalar fields
// unconditionally and are echoed back in the result.
func (e *Extractor) Infer(text string, hints map[string]string, overrides map[string]any) investigation.InferredRequest {
	lower := strings.ToLower(text)

	category, categoryMatched := detectCategory(lower)
	priority := detectPriority(lower)

	entities := extractEntities(text)
	for k, v := range hints {
		entities[k] = v
	}

	req := investigation.InferredRequest{
		Text:       text,
		Category:   category,
		Priority:   priority,
		Entities:   entities,
		Confidence: confidence(categoryMatched, len(entities), len(hints) > 0),
	}

	applied := applyOverrides(&req, overrides)
	sort.Strings(applied)
	req.Overrides = applied
	return req
}

// detectCategory counts keyword hits per category; highest count wins, ties
// broken by the fixed categoryOrder. Returns the fallback and false when
// nothing matches.
func detectCategory(lower string) (string, bool) {
	best := CategoryFraud
	bestCount := 0
	for _, cat := range categoryOrder {
		count := 0
		for _, kw := range categoryKeywords[cat] {
			count += strings.Count(lower, kw)
		}
		if count > bestCount {
			best = cat
			bestCount = count
		}
	}
	return best, bestCount > 0
}

func detectPriority(lower string) investigation.Priority {
	// Check low first: "low priority" contains no high keyword, but scanning
	// high first would never see low anyway; order is fixed for determinism.
	for _, kw := range priorityKeywords[investigation.PriorityHigh] {
		if strings.Contains(lower, kw) {
			return investigation.PriorityHigh
		}
	}
	for _, kw := range priorityKeywords[investigation.PriorityLow] {
		if strings.Contains(lower, kw) {
			return investigation.PriorityLow
		}
	}
	return investigation.PriorityMedium
}

func extractEntities(text string) map[string]string {
	entities := make(map[string]string)
	for _, p := range entityPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value := m[0]
		if len(m) > 1 && m[1] != "" {
			value = m[1]
		}
		if _, exists := entities[p.entityType]; !exists {
			entities[p.entityType] = value
		}
	}
	return entities
}

// confidence is a transparent deterministic formula, not a learned score:
// base 0.2, +0.35 for a category match, +0.1 per entity up to 0.3,
// +0.15 when the caller supplied hints. Clamped to 1.0.
func confidence(categoryMatched bool, entityCount int, hasHints bool) float64 {
	score := 0.2
	if categoryMatched {
		score += 0.35
	}
	entityBonus := 0.1 * float64(entityCount)
	if entityBonus > 0.3 {
		entityBonus = 0.3
	}
	score += entityBonus
	if hasHints {
		score += 0.15
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func applyOverrides(req *investigation.InferredRequest, overrides map[string]any) []string {
	applied := make([]string, 0, len(overrides))
	for key, raw := range overrides {
		switch key {
		case "category":
			if v, ok := raw.(string); ok {
				req.Category = v
				applied = append(applied, key)
			}
		case "priority":
			if v, ok := raw.(string); ok {
				req.Priority = investigation.Priority(v)
				applied = append(applied, key)
			}
		case "confidence":
			if v, ok := raw.(float64); ok {
				req.Confidence = v
				applied = append(applied, key)
			}
		}
	}
	return applied
}
