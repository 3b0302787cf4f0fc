// Package anomaly rejects physically implausible movement between two GPS
// readings before they reach fusion or geofence evaluation.
package anomaly

import (
	"fmt"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Type classifies why movement between two readings is implausible
type Type string

const (
	TypeTimeInconsistency Type = "time_inconsistency"
	TypeTeleportation     Type = "teleportation"
	TypeImpossibleSpeed   Type = "impossible_speed"
	TypeGPSDrift          Type = "gps_drift"
)

// Hints carries optional caller context that narrows the plausibility bounds
type Hints struct {
	TransportMode TransportMode `json:"transportMode,omitempty"`
	Environment   Environment   `json:"environment,omitempty"`
}

// Verdict is the outcome of classifying one movement step
type Verdict struct {
	Accepted       bool    `json:"accepted"`
	Distance       float64 `json:"distance"`     // meters
	TimeElapsed    float64 `json:"timeElapsed"`  // seconds
	ImpliedSpeed   float64 `json:"impliedSpeed"` // km/h
	AnomalyType    *Type   `json:"anomalyType,omitempty"`
	Confidence     float64 `json:"confidence"` // 0.0-1.0
	Reason         string  `json:"reason"`
	Recommendation string  `json:"recommendation"`
}

const (
	// teleportDistanceMeters is the hard cap on a single movement step; no
	// ground transport covers more between consecutive fixes
	teleportDistanceMeters = 20000.0

	// poorAccuracyMeters marks an endpoint too uncertain to trust fully
	poorAccuracyMeters = 100.0

	// minElapsedSeconds filters update storms that arrive faster than the
	// GPS subsystem can produce independent fixes
	minElapsedSeconds = 1.0
)

// Classifier validates movement steps. Pure; a nil logger is allowed.
type Classifier struct {
	logger *logx.Logger
}

// NewClassifier creates a movement anomaly classifier
func NewClassifier(logger *logx.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify runs the decision cascade on a previous/current reading pair. The
// cascade only ever lowers confidence; penalties compose multiplicatively and
// are never reset by a later rule.
func (c *Classifier) Classify(previous, current geo.Reading, maxSpeedKmh *float64, hints *Hints) Verdict {
	if hints == nil {
		hints = &Hints{}
	}

	distance := previous.DistanceTo(current)
	elapsed := float64(current.Timestamp-previous.Timestamp) / 1000.0

	verdict := Verdict{
		Distance:    distance,
		TimeElapsed: elapsed,
	}

	// Time ordering comes before everything else: a speed computed from a
	// non-positive interval is meaningless
	if elapsed <= 0 {
		return c.finish(rejected(verdict, TypeTimeInconsistency,
			"current reading is not newer than the previous reading",
			"discard the older reading and re-evaluate"))
	}
	if elapsed < minElapsedSeconds {
		return c.finish(rejected(verdict, TypeTimeInconsistency,
			fmt.Sprintf("readings only %.2fs apart, below the %.0fs minimum", elapsed, minElapsedSeconds),
			"throttle location updates to at most one per second"))
	}

	verdict.ImpliedSpeed = (distance / elapsed) * 3.6

	if hints.TransportMode == ModeStationary {
		return c.finish(c.classifyStationary(verdict, previous, current, hints))
	}
	return c.finish(c.classifyMoving(verdict, previous, current, maxSpeedKmh, hints))
}

// classifyStationary compares drift distance against the environment-indexed
// three-tier drift table
func (c *Classifier) classifyStationary(v Verdict, previous, current geo.Reading, hints *Hints) Verdict {
	drift := DriftThresholdsFor(hints.Environment)

	switch {
	case v.Distance > drift.Anomaly:
		v = rejected(v, TypeGPSDrift,
			fmt.Sprintf("stationary subject drifted %.1fm, above the %.1fm anomaly threshold", v.Distance, drift.Anomaly),
			"hold position until the fix stabilizes or disable stationary mode")
	case v.Distance > drift.Warning:
		// Flagged but not hard-rejected: drift this large occasionally
		// happens under multipath without the subject moving
		t := TypeGPSDrift
		v.Accepted = false
		v.AnomalyType = &t
		v.Confidence = 0.3
		v.Reason = fmt.Sprintf("stationary drift %.1fm exceeds the %.1fm warning threshold", v.Distance, drift.Warning)
		v.Recommendation = "treat position as uncertain until confirmed by another reading"
	case v.Distance > drift.Normal:
		v.Accepted = true
		v.Confidence = 0.7
		v.Reason = fmt.Sprintf("stationary drift %.1fm is above normal jitter (%.1fm)", v.Distance, drift.Normal)
		v.Recommendation = "continue"
	default:
		v.Accepted = true
		v.Confidence = 0.95
		v.Reason = "drift within normal stationary jitter"
		v.Recommendation = "continue"
	}

	if previous.Accuracy > poorAccuracyMeters || current.Accuracy > poorAccuracyMeters {
		v.Confidence *= 0.5
		v.Reason += "; reading accuracy is poor"
	}
	v.Confidence = geo.Clamp01(geo.Sanitize(v.Confidence, 0))
	return v
}

// classifyMoving validates a moving subject against its contextual speed
// ceiling
func (c *Classifier) classifyMoving(v Verdict, previous, current geo.Reading, maxSpeedKmh *float64, hints *Hints) Verdict {
	if v.Distance > teleportDistanceMeters {
		return rejected(v, TypeTeleportation,
			fmt.Sprintf("moved %.0fm in one step, beyond the %.0fm plausibility cap", v.Distance, teleportDistanceMeters),
			"discard this reading and wait for the next fix")
	}

	ceiling := SpeedCeilingFor(hints.TransportMode, hints.Environment, maxSpeedKmh)

	if ceiling > 0 && v.ImpliedSpeed > ceiling {
		anomalyType := TypeImpossibleSpeed
		if v.ImpliedSpeed/ceiling > 3 {
			anomalyType = TypeTeleportation
		}
		return rejected(v, anomalyType,
			fmt.Sprintf("implied speed %.1f km/h exceeds the %.1f km/h ceiling", v.ImpliedSpeed, ceiling),
			"discard this reading; if the subject changed transport mode, update the context hints")
	}

	switch {
	case ceiling > 0 && v.ImpliedSpeed > 0.8*ceiling:
		v.Accepted = true
		v.Confidence = 0.7
		v.Reason = fmt.Sprintf("implied speed %.1f km/h is approaching the %.1f km/h ceiling", v.ImpliedSpeed, ceiling)
		v.Recommendation = "verify transport mode hint"
	case v.Distance < 3 && v.TimeElapsed > 30:
		v.Accepted = true
		v.Confidence = 0.9
		v.Reason = "movement is stationary-like"
		v.Recommendation = "continue"
	default:
		v.Accepted = true
		v.Confidence = 1.0
		v.Reason = "movement within plausible bounds"
		v.Recommendation = "continue"
	}

	// Indoor positioning exaggerates movement; large indoor steps are
	// trusted less even when the speed is plausible
	if hints.Environment == EnvIndoor {
		drift := DriftThresholdsFor(EnvIndoor)
		if v.Distance > drift.Warning {
			v.Confidence *= 0.7
			v.Reason += "; large step for an indoor environment"
		}
	}

	if previous.Accuracy > poorAccuracyMeters || current.Accuracy > poorAccuracyMeters {
		v.Confidence *= 0.5
		v.Reason += "; reading accuracy is poor"
	}

	v.Confidence = geo.Clamp01(geo.Sanitize(v.Confidence, 0))
	return v
}

func (c *Classifier) finish(v Verdict) Verdict {
	if c.logger != nil {
		fields := map[string]interface{}{
			"accepted":      v.Accepted,
			"distance_m":    v.Distance,
			"elapsed_s":     v.TimeElapsed,
			"implied_speed": v.ImpliedSpeed,
			"confidence":    v.Confidence,
		}
		if v.AnomalyType != nil {
			fields["anomaly_type"] = string(*v.AnomalyType)
		}
		c.logger.LogDebugVerbose("movement_classified", fields)
	}
	return v
}

func rejected(v Verdict, t Type, reason, recommendation string) Verdict {
	v.Accepted = false
	v.AnomalyType = &t
	v.Confidence = 0
	v.Reason = reason
	v.Recommendation = recommendation
	return v
}
