package geofence

import (
	"time"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

// EvaluateBatch evaluates one reading against every geofence in the order
// given. Each fence is evaluated independently; there is no atomicity
// guarantee across the batch beyond that ordering.
func (e *Engine) EvaluateBatch(defs []Definition, reading geo.Reading, opts Options, priorStates map[string]State, now time.Time) BatchResult {
	result := BatchResult{
		Evaluations:          make([]EvaluationResult, 0, len(defs)),
		UpdatedStates:        make(map[string]State, len(defs)),
		GlobalRecommendation: RecommendContinue,
		Summary:              BatchSummary{Total: len(defs)},
	}

	for _, def := range defs {
		var prior *State
		if priorStates != nil {
			if s, ok := priorStates[def.ID]; ok {
				prior = &s
			}
		}

		eval := e.Evaluate(def, reading, opts, prior, now)
		result.Evaluations = append(result.Evaluations, eval)
		result.UpdatedStates[def.ID] = eval.UpdatedState

		switch eval.Status {
		case StatusInside, StatusLeaving:
			result.Summary.Inside++
		case StatusOutside, StatusApproaching:
			result.Summary.Outside++
		default:
			result.Summary.Uncertain++
		}
		if eval.Triggered != TriggerNone {
			result.Summary.TriggeredCount++
		}

		if recommendationUrgency[eval.Recommendation] > recommendationUrgency[result.GlobalRecommendation] {
			result.GlobalRecommendation = eval.Recommendation
		}
	}

	return result
}
