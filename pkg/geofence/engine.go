package geofence

import (
	"math"
	"time"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/logx"
	"github.com/perimeterhq/perimeter/pkg/quality"
)

// Engine evaluates readings against geofences. Stateless: all cross-call
// state lives in the State value the caller passes in and gets back.
type Engine struct {
	scorer *quality.Scorer
	logger *logx.Logger
}

// NewEngine creates a geofence engine
func NewEngine(scorer *quality.Scorer, logger *logx.Logger) *Engine {
	if scorer == nil {
		scorer = quality.NewScorer(nil, nil)
	}
	return &Engine{scorer: scorer, logger: logger}
}

// Evaluate computes zone status, confidence, trigger and the updated state
// for one geofence. prior is nil on the first evaluation of a fence.
func (e *Engine) Evaluate(def Definition, reading geo.Reading, opts Options, prior *State, now time.Time) EvaluationResult {
	if opts.BufferStrategy == "" {
		opts.BufferStrategy = StrategyModerate
	}
	if opts.ExitPolicy == "" {
		opts.ExitPolicy = ExitPolicyCount
	}

	distance := geo.Haversine(reading.Latitude, reading.Longitude, def.Latitude, def.Longitude)
	distance = geo.Sanitize(distance, math.MaxFloat64)
	zone := computeBufferZone(def, reading, opts.BufferStrategy)

	status := resolveStatus(distance, zone, prior)
	confidence, detail := e.confidence(distance, zone, reading, now)

	state := advanceState(def, status, prior, opts, now)
	trigger := detectTrigger(def, status, prior, &state, opts, now)

	assessment := e.scorer.Evaluate(reading, now)
	detail.QualityGrade = assessment.Grade
	detail.QualityScore = assessment.Score
	detail.Strategy = opts.BufferStrategy
	detail.Platform = geo.NormalizePlatform(string(reading.Platform))

	recommendation := recommend(confidence, status, reading.Accuracy, zone, opts)

	result := EvaluationResult{
		GeofenceID:           def.ID,
		Status:               status,
		Confidence:           confidence,
		Distance:             distance,
		DistanceFromBoundary: distance - def.Radius,
		BufferZone:           zone,
		Triggered:            trigger,
		Recommendation:       recommendation,
		NeedsSecondCheck:     needsSecondCheck(status, confidence),
		Detail:               detail,
		UpdatedState:         state,
	}

	if e.logger != nil {
		e.logger.LogDebugVerbose("geofence_evaluated", map[string]interface{}{
			"geofence_id": def.ID,
			"status":      string(status),
			"confidence":  confidence,
			"distance_m":  distance,
			"buffer_m":    zone.Buffer,
			"triggered":   string(trigger),
		})
		if trigger != TriggerNone {
			e.logger.Info("geofence_trigger",
				"geofence_id", def.ID,
				"trigger", string(trigger),
				"distance_m", distance,
				"confidence", confidence,
			)
		}
	}

	return result
}

// resolveStatus applies the zone rule with the 0.3-buffer hysteresis margin.
// Only the immediately prior state is consulted; history never reaches the
// status decision.
func resolveStatus(distance float64, zone BufferZone, prior *State) Status {
	if distance <= zone.InnerRadius {
		return StatusInside
	}
	if distance >= zone.OuterRadius {
		return StatusOutside
	}

	// Uncertainty band: the prior state decides which side we lean toward
	if prior == nil {
		return StatusUncertain
	}

	margin := hysteresisMargin * zone.Buffer
	switch prior.Status {
	case StatusInside, StatusApproaching:
		if distance > zone.InnerRadius+margin {
			return StatusLeaving
		}
		return StatusInside
	case StatusOutside, StatusLeaving:
		if distance < zone.OuterRadius-margin {
			return StatusApproaching
		}
		return StatusOutside
	default:
		return StatusUncertain
	}
}

// confidence combines the zone-position base value with platform, accuracy
// and age factors, clamped to [0.1, 1.0]
func (e *Engine) confidence(distance float64, zone BufferZone, reading geo.Reading, now time.Time) (float64, Detail) {
	base := zoneConfidence(distance, zone)

	platformFactor := platformConfidenceBoost[geo.NormalizePlatform(string(reading.Platform))]

	accuracyFactor := 1.0
	if reading.Accuracy > 50 {
		accuracyFactor *= 0.8
	}
	if reading.Accuracy > 100 {
		accuracyFactor *= 0.6
	}

	ageFactor := 1.0
	if ageSeconds := reading.Age(now).Seconds(); ageSeconds > 10 {
		ageFactor = math.Max(0.5, math.Exp(-(ageSeconds-10)/60))
	}

	confidence := base * platformFactor * accuracyFactor * ageFactor
	confidence = geo.Clamp(geo.Sanitize(confidence, 0.1), 0.1, 1.0)

	return confidence, Detail{
		PlatformFactor: platformFactor,
		AccuracyFactor: accuracyFactor,
		AgeFactor:      ageFactor,
	}
}

// advanceState rolls the caller-owned state forward one evaluation
func advanceState(def Definition, status Status, prior *State, opts Options, now time.Time) State {
	var state State
	if prior != nil {
		state = *prior
	} else {
		state = State{Status: status, LastTransitionTime: now}
	}

	elapsed := 0.0
	if prior != nil && !prior.LastEvaluationTime.IsZero() {
		elapsed = now.Sub(prior.LastEvaluationTime).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
	}

	if isInsideVariant(status) {
		if prior == nil || !isInsideVariant(prior.Status) {
			// Fresh entry: dwell starts over. A re-entry while an exit is
			// still pending keeps the reported flag so flicker across the
			// boundary cannot duplicate the entry event.
			state.DwellTimeInside = 0
			if !state.EntryReported {
				entered := now
				state.EntryTime = &entered
			}
			state.ExitTime = nil
		} else {
			state.DwellTimeInside += elapsed
		}
		state.ConsecutiveOutsideCount = 0
		state.OutsideSince = nil
	} else if status == StatusOutside {
		if prior != nil && isInsideVariant(prior.Status) {
			state.ConsecutiveOutsideCount = 1
			since := now
			state.OutsideSince = &since
		} else {
			state.ConsecutiveOutsideCount++
			if state.OutsideSince == nil {
				since := now
				state.OutsideSince = &since
			}
		}
		state.DwellTimeInside = 0
	}

	if prior == nil || prior.Status != status {
		state.LastTransitionTime = now
	}
	state.Status = status
	state.LastEvaluationTime = now
	return state
}

// detectTrigger fires entry and exit events with dwell and grace-period
// damping so GPS flicker cannot generate spurious transitions
func detectTrigger(def Definition, status Status, prior *State, state *State, opts Options, now time.Time) Trigger {
	// Entry: either an immediate transition into the fence, or a deferred
	// confirmation once the configured dwell time has accumulated
	if isInsideVariant(status) && !state.EntryReported {
		transitionedIn := prior == nil || !isInsideVariant(prior.Status)
		if def.MinDwellTime <= 0 {
			if transitionedIn {
				state.EntryReported = true
				return TriggerEntry
			}
			// Inside-variant with no dwell requirement and no report yet
			// happens only for states created before tracking began
			state.EntryReported = true
			return TriggerEntry
		}
		if state.DwellTimeInside >= def.MinDwellTime {
			state.EntryReported = true
			return TriggerEntry
		}
		return TriggerNone
	}

	// Exit: requires sustained outside readings, never a single one
	if status == StatusOutside && state.EntryReported {
		grace := def.ExitGracePeriod
		confirmed := false

		switch opts.ExitPolicy {
		case ExitPolicyDuration:
			if grace <= 0 {
				confirmed = true
			} else if state.OutsideSince != nil {
				confirmed = now.Sub(*state.OutsideSince).Seconds() >= grace
			}
		default: // ExitPolicyCount
			// Grace arrives as a float on the wire; a fractional count
			// rounds to the nearest whole evaluation.
			graceCount := int(math.Round(grace))
			if graceCount <= 0 {
				graceCount = 1
			}
			confirmed = state.ConsecutiveOutsideCount >= graceCount
		}

		if confirmed {
			exited := now
			state.ExitTime = &exited
			state.EntryTime = nil
			state.EntryReported = false
			return TriggerExit
		}
	}

	return TriggerNone
}

// recommend maps confidence and zone position to the caller's next action
func recommend(confidence float64, status Status, accuracy float64, zone BufferZone, opts Options) Recommendation {
	if confidence < 0.3 {
		return RecommendFusion
	}
	if confidence < 0.5 && status == StatusUncertain {
		if accuracy > 30 {
			return RecommendHighAccuracy
		}
		return RecommendWait
	}
	if status == StatusApproaching || status == StatusLeaving {
		if accuracy > zone.Buffer/2 {
			return RecommendHighAccuracy
		}
		return RecommendWait
	}
	if opts.RequireHighAccuracy && accuracy > 20 {
		return RecommendHighAccuracy
	}
	return RecommendContinue
}

// needsSecondCheck marks results that should not be acted on from a single
// reading
func needsSecondCheck(status Status, confidence float64) bool {
	if status == StatusUncertain || status == StatusApproaching || status == StatusLeaving {
		return true
	}
	return confidence < 0.7
}
