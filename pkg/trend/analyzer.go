// Package trend runs regression analysis over a reading history to tell
// whether positioning quality is improving or degrading, feeding the batch
// summary and high-accuracy recommendations.
package trend

import (
	"sort"
	"time"

	"github.com/sajari/regression"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Direction classifies the accuracy trajectory
type Direction string

const (
	DirectionImproving Direction = "improving"
	DirectionDegrading Direction = "degrading"
	DirectionStable    Direction = "stable"
)

// Report is the outcome of one trend analysis
type Report struct {
	AccuracySlope     float64   `json:"accuracySlope"`     // meters per second, negative is improving
	PredictedAccuracy float64   `json:"predictedAccuracy"` // extrapolated 30s ahead
	Direction         Direction `json:"direction"`
	Confidence        float64   `json:"confidence"` // 0.0-1.0, grows with sample count and fit
	Samples           int       `json:"samples"`
}

const (
	// minSamples below which no trend is computed
	minSamples = 3

	// stableSlopeMps bounds the slope band reported as stable
	stableSlopeMps = 0.05

	// predictionHorizon is how far ahead accuracy is extrapolated
	predictionHorizon = 30 * time.Second
)

// Analyzer fits accuracy-over-time regressions. A nil logger is allowed.
type Analyzer struct {
	logger *logx.Logger
}

// NewAnalyzer creates a trend analyzer
func NewAnalyzer(logger *logx.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Analyze fits a linear regression of accuracy against reading age. Returns
// a stable zero-slope report when there is not enough usable history.
func (a *Analyzer) Analyze(history []geo.Reading, now time.Time) Report {
	report := Report{Direction: DirectionStable, Samples: len(history)}
	if len(history) < minSamples {
		return report
	}

	// Callers pass history in arbitrary order; the origin baseline and the
	// prediction anchor both need chronological order.
	ordered := make([]geo.Reading, len(history))
	copy(ordered, history)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	r := new(regression.Regression)
	r.SetObserved("accuracy_m")
	r.SetVar(0, "elapsed_s")

	origin := ordered[0].Timestamp
	latestAccuracy := ordered[len(ordered)-1].Accuracy
	for _, h := range ordered {
		elapsed := float64(h.Timestamp-origin) / 1000.0
		r.Train(regression.DataPoint(h.Accuracy, []float64{elapsed}))
	}

	if err := r.Run(); err != nil {
		if a.logger != nil {
			a.logger.Debug("trend_regression_failed", "error", err.Error(), "samples", len(history))
		}
		return report
	}

	slope := geo.Sanitize(r.Coeff(1), 0)
	report.AccuracySlope = slope
	report.PredictedAccuracy = latestAccuracy + slope*predictionHorizon.Seconds()
	if report.PredictedAccuracy < 1 {
		report.PredictedAccuracy = 1
	}

	switch {
	case slope < -stableSlopeMps:
		report.Direction = DirectionImproving
	case slope > stableSlopeMps:
		report.Direction = DirectionDegrading
	default:
		report.Direction = DirectionStable
	}

	// R-squared measures fit quality; sample count caps how much we trust
	// a short window
	fit := geo.Clamp01(geo.Sanitize(r.R2, 0))
	sampleFactor := geo.Clamp01(float64(len(history)) / 8.0)
	report.Confidence = geo.Clamp01(fit * sampleFactor)

	if a.logger != nil {
		a.logger.LogDebugVerbose("trend_analyzed", map[string]interface{}{
			"slope":              slope,
			"direction":          string(report.Direction),
			"predicted_accuracy": report.PredictedAccuracy,
			"r2":                 fit,
			"samples":            len(history),
		})
	}

	return report
}
