// Package advisor provides a best-effort external advisory layer used to
// explain anomalies and suggest geofence radii. Every call is bounded by a
// timeout and falls back to the deterministic result on any failure; the
// advisory path can never block or degrade the primary pipeline.
package advisor

import (
	"context"
	"time"

	"github.com/perimeterhq/perimeter/pkg/anomaly"
	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Kind selects what the advisor is being asked for
type Kind string

const (
	KindExplainAnomaly Kind = "explain_anomaly"
	KindSuggestRadius  Kind = "suggest_radius"
	KindPlausibility   Kind = "plausibility"
)

// Query is the single advisory request shape
type Query struct {
	Kind Kind

	// Populated per kind; unused fields stay nil
	Verdict    *anomaly.Verdict
	Evaluation *geofence.EvaluationResult
	Geofence   *geofence.Definition
	Previous   *geo.Reading
	Current    *geo.Reading

	// GeoContext is an optional human-readable description of the area,
	// resolved by a Geocoder when one is configured
	GeoContext string
}

// Advice is the advisory response. All fields are optional; absent fields
// mean the advisor had nothing to add.
type Advice struct {
	Explanation     string   `json:"explanation,omitempty"`
	SuggestedRadius *float64 `json:"suggestedRadius,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
}

// Advisor is the injected plausibility advisor abstraction. Implementations
// may call external services; callers own the context deadline.
type Advisor interface {
	Advise(ctx context.Context, q Query) (*Advice, error)
}

// Noop is the advisor used when no external advisory is configured
type Noop struct{}

// Advise returns empty advice
func (Noop) Advise(ctx context.Context, q Query) (*Advice, error) {
	return &Advice{}, nil
}

// Guard wraps an Advisor with the timeout and fallback semantics the
// pipeline requires: one bounded attempt, no retries, failure is silent.
type Guard struct {
	advisor Advisor
	timeout time.Duration
	logger  *logx.Logger
	onError func() // optional failure hook, used for metrics
}

// NewGuard creates a guarded advisor. A nil advisor behaves like Noop.
func NewGuard(advisor Advisor, timeout time.Duration, logger *logx.Logger, onError func()) *Guard {
	if advisor == nil {
		advisor = Noop{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Guard{advisor: advisor, timeout: timeout, logger: logger, onError: onError}
}

// Active reports whether a real advisor sits behind the guard. Callers skip
// optional advisory consultations when it is false.
func (g *Guard) Active() bool {
	_, noop := g.advisor.(Noop)
	return !noop
}

// Advise runs one bounded advisory attempt. On any error or timeout it
// returns empty advice and nil error.
func (g *Guard) Advise(ctx context.Context, q Query) *Advice {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	advice, err := g.advisor.Advise(ctx, q)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("advisory_call_failed", "kind", string(q.Kind), "error", err.Error())
		}
		if g.onError != nil {
			g.onError()
		}
		return &Advice{}
	}
	if advice == nil {
		return &Advice{}
	}
	return advice
}

// ImproveConfidence applies advisory confidence to a deterministic value.
// The advisory result only ever overrides when it strictly improves the
// computed confidence.
func ImproveConfidence(deterministic float64, advice *Advice) float64 {
	if advice == nil || advice.Confidence == nil {
		return deterministic
	}
	improved := geo.Clamp01(geo.Sanitize(*advice.Confidence, deterministic))
	if improved > deterministic {
		return improved
	}
	return deterministic
}
