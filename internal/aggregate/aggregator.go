// Package aggregate merges terminal worker tasks into a composite risk
// verdict. Aggregate is a pure function of its inputs: no clock, no stores,
// no external calls, so replaying the same tasks yields a bit-for-bit
// identical verdict.
package aggregate

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/swarmguard/inquest/internal/investigation"
)

// kindWeights is the fixed per-worker-kind weight table. Weights are
// renormalized over the kinds that actually succeeded, keeping the composite
// in the 0-10 range regardless of how many workers ran.
var kindWeights = map[investigation.WorkerKind]float64{
	investigation.WorkerRisk:     0.30,
	investigation.WorkerDevice:   0.20,
	investigation.WorkerNetwork:  0.20,
	investigation.WorkerLogs:     0.15,
	investigation.WorkerLocation: 0.15,
}

// confidenceFloor is reported when zero workers succeeded. Partial results
// are never presented at full confidence.
const confidenceFloor = 0.25

// Aggregate combines terminal tasks into a CompositeVerdict. It tolerates
// empty and all-failed input, producing a zero-score, floor-confidence
// verdict. An error indicates a violated invariant (a non-terminal or
// malformed task), which the orchestrator treats as AggregationFailure.
func Aggregate(investigationID string, tasks []investigation.WorkerTask) (*investigation.CompositeVerdict, error) {
	// Deterministic processing order regardless of completion order.
	ordered := make([]investigation.WorkerTask, len(tasks))
	copy(ordered, tasks)
	sort.Slice(ordered, func(i, j int) bool { return kindRank(ordered[i].Kind) < kindRank(ordered[j].Kind) })

	verdict := &investigation.CompositeVerdict{
		InvestigationID: investigationID,
		Contributions:   make(map[investigation.WorkerKind]investigation.Contribution),
		Scheduled:       len(ordered),
	}

	seen := make(map[investigation.WorkerKind]bool, len(ordered))
	var weightSum, weighted float64
	entitySightings := make(map[string][]investigation.WorkerKind) // "type\x00value" -> kinds

	for _, task := range ordered {
		if !task.Status.Terminal() {
			return nil, fmt.Errorf("%w: task %s/%s is not terminal (%s)",
				investigation.ErrAggregation, task.InvestigationID, task.Kind, task.Status)
		}
		if seen[task.Kind] {
			return nil, fmt.Errorf("%w: duplicate task for kind %s", investigation.ErrAggregation, task.Kind)
		}
		seen[task.Kind] = true

		if task.Status != investigation.TaskSucceeded {
			continue
		}

		score, ok := taskScore(task)
		if !ok {
			return nil, fmt.Errorf("%w: succeeded task %s carries no numeric score",
				investigation.ErrAggregation, task.Kind)
		}
		weight := kindWeights[task.Kind]
		verdict.Contributions[task.Kind] = investigation.Contribution{SubScore: score, Weight: weight}
		weighted += score * weight
		weightSum += weight
		verdict.Succeeded++

		for entityType, value := range taskEntities(task) {
			key := entityType + "\x00" + value
			entitySightings[key] = append(entitySightings[key], task.Kind)
		}
	}

	if weightSum > 0 {
		verdict.RiskScore = weighted / weightSum
	}
	verdict.Correlations = correlate(entitySightings)
	verdict.Confidence = confidence(verdict.Succeeded, verdict.Scheduled)
	return verdict, nil
}

// confidence degrades linearly with failed workers and never drops below the
// floor: conf = floor + (1-floor) * succeeded/scheduled.
func confidence(succeeded, scheduled int) float64 {
	if scheduled == 0 || succeeded == 0 {
		return confidenceFloor
	}
	return confidenceFloor + (1-confidenceFloor)*float64(succeeded)/float64(scheduled)
}

// correlate turns entities sighted by more than one worker into findings,
// sorted by key for deterministic output.
func correlate(sightings map[string][]investigation.WorkerKind) []investigation.CorrelationFinding {
	var findings []investigation.CorrelationFinding
	for key, kinds := range sightings {
		if len(kinds) < 2 {
			continue
		}
		sort.Slice(kinds, func(i, j int) bool { return kindRank(kinds[i]) < kindRank(kinds[j]) })
		entityType, value := splitKey(key)
		findings = append(findings, investigation.CorrelationFinding{
			EntityType: entityType,
			Value:      value,
			Workers:    kinds,
			Key:        correlationKey(entityType, value),
		})
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Key < findings[j].Key })
	if len(findings) == 0 {
		return nil
	}
	return findings
}

// correlationKey is a stable short identifier for an entity linkage,
// murmur3-mixed for cheap diffusion over similar values.
func correlationKey(entityType, value string) string {
	h := murmur3.Sum64([]byte(entityType + ":" + value))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return hex.EncodeToString(buf[:])
}

func splitKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func kindRank(k investigation.WorkerKind) int {
	for i, known := range investigation.AllWorkerKinds {
		if k == known {
			return i
		}
	}
	return len(investigation.AllWorkerKinds)
}

func taskScore(task investigation.WorkerTask) (float64, bool) {
	v, ok := task.Result["score"].(float64)
	return v, ok
}

func taskEntities(task investigation.WorkerTask) map[string]string {
	switch raw := task.Result["entities"].(type) {
	case map[string]string:
		return raw
	case map[string]any:
		out := make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}
