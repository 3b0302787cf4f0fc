// Package geofence converts a (possibly fused) position into a containment
// status, a confidence value and a hysteresis-controlled state transition.
package geofence

import (
	"time"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/quality"
)

// Status is the containment state of a subject relative to one geofence
type Status string

const (
	StatusInside      Status = "inside"
	StatusOutside     Status = "outside"
	StatusUncertain   Status = "uncertain"
	StatusApproaching Status = "approaching"
	StatusLeaving     Status = "leaving"
)

// isInsideVariant reports whether a status counts as being in the fence for
// dwell and counter bookkeeping
func isInsideVariant(s Status) bool {
	return s == StatusInside || s == StatusLeaving
}

// Trigger is the event fired by a state transition
type Trigger string

const (
	TriggerEntry Trigger = "entry"
	TriggerExit  Trigger = "exit"
	TriggerNone  Trigger = "none"
)

// Recommendation tells the caller what to do next
type Recommendation string

const (
	RecommendContinue     Recommendation = "continue"
	RecommendHighAccuracy Recommendation = "request_high_accuracy"
	RecommendWait         Recommendation = "wait"
	RecommendFusion       Recommendation = "fusion_needed"
)

// recommendationUrgency orders recommendations for batch aggregation
var recommendationUrgency = map[Recommendation]int{
	RecommendFusion:       3,
	RecommendHighAccuracy: 2,
	RecommendWait:         1,
	RecommendContinue:     0,
}

// ExitPolicy selects how a sustained exit is confirmed
type ExitPolicy string

const (
	// ExitPolicyCount confirms an exit after N consecutive outside
	// evaluations
	ExitPolicyCount ExitPolicy = "count"

	// ExitPolicyDuration confirms an exit after the subject has been
	// continuously outside for the grace period in seconds
	ExitPolicyDuration ExitPolicy = "duration"
)

// Definition is a circular monitored region. Owned by the caller and treated
// as read-only input.
type Definition struct {
	ID        string  `json:"id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Radius    float64 `json:"radius"` // meters, 10-10000

	// Optional behavior metadata
	MinDwellTime    float64 `json:"minDwellTime,omitempty"`    // seconds inside before entry fires
	ExitGracePeriod float64 `json:"exitGracePeriod,omitempty"` // count or seconds, per ExitPolicy
	Priority        int     `json:"priority,omitempty"`
	Type            string  `json:"type,omitempty"`
}

// State is the per-(geofence, subject) evaluation state. The engine never
// stores it; the caller passes the prior state in and persists the updated
// state that comes back.
type State struct {
	Status                  Status     `json:"status"`
	ConsecutiveOutsideCount int        `json:"consecutiveOutsideCount"`
	DwellTimeInside         float64    `json:"dwellTimeInside"` // seconds
	LastTransitionTime      time.Time  `json:"lastTransitionTime"`
	LastEvaluationTime      time.Time  `json:"lastEvaluationTime"`
	EntryTime               *time.Time `json:"entryTime,omitempty"`
	ExitTime                *time.Time `json:"exitTime,omitempty"`
	OutsideSince            *time.Time `json:"outsideSince,omitempty"`

	// EntryReported guards against re-firing an entry while dwell time
	// accumulates toward a configured minimum
	EntryReported bool `json:"entryReported"`
}

// Options controls one evaluation pass
type Options struct {
	BufferStrategy      BufferStrategy `json:"bufferStrategy"`
	ExitPolicy          ExitPolicy     `json:"exitPolicy"`
	RequireHighAccuracy bool           `json:"requireHighAccuracy"`
}

// DefaultOptions returns moderate buffering with count-based exit grace
func DefaultOptions() Options {
	return Options{
		BufferStrategy: StrategyModerate,
		ExitPolicy:     ExitPolicyCount,
	}
}

// BufferZone describes the adaptive uncertainty band around the boundary
type BufferZone struct {
	Buffer      float64 `json:"buffer"`      // meters either side of the boundary
	InnerRadius float64 `json:"innerRadius"` // radius - buffer, floored at 0
	OuterRadius float64 `json:"outerRadius"` // radius + buffer
}

// Detail carries diagnostic context for operators and tests
type Detail struct {
	QualityGrade   quality.Grade  `json:"qualityGrade,omitempty"`
	QualityScore   int            `json:"qualityScore,omitempty"`
	PlatformFactor float64        `json:"platformFactor"`
	AccuracyFactor float64        `json:"accuracyFactor"`
	AgeFactor      float64        `json:"ageFactor"`
	Platform       geo.Platform   `json:"platform"`
	Strategy       BufferStrategy `json:"strategy"`
}

// EvaluationResult is the outcome of evaluating one reading against one
// geofence. Ephemeral; produced fresh per call.
type EvaluationResult struct {
	GeofenceID           string         `json:"geofenceId"`
	Status               Status         `json:"status"`
	Confidence           float64        `json:"confidence"` // 0.1-1.0
	Distance             float64        `json:"distance"`   // meters to center
	DistanceFromBoundary float64        `json:"distanceFromBoundary"` // negative inside
	BufferZone           BufferZone     `json:"bufferZone"`
	Triggered            Trigger        `json:"triggered"`
	Recommendation       Recommendation `json:"recommendation"`
	NeedsSecondCheck     bool           `json:"needsSecondCheck"`
	Detail               Detail         `json:"detail"`
	UpdatedState         State          `json:"updatedState"`
}

// BatchResult is the outcome of evaluating one reading against many fences
type BatchResult struct {
	Evaluations          []EvaluationResult `json:"evaluations"`
	UpdatedStates        map[string]State   `json:"updatedStates"`
	GlobalRecommendation Recommendation     `json:"globalRecommendation"`
	Summary              BatchSummary       `json:"summary"`
}

// BatchSummary aggregates a batch evaluation for quick inspection
type BatchSummary struct {
	Total          int `json:"total"`
	Inside         int `json:"inside"`
	Outside        int `json:"outside"`
	Uncertain      int `json:"uncertain"`
	TriggeredCount int `json:"triggeredCount"`
}
