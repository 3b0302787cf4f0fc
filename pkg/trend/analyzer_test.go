package trend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

func series(now time.Time, accuracies ...float64) []geo.Reading {
	readings := make([]geo.Reading, len(accuracies))
	for i, acc := range accuracies {
		readings[i] = geo.Reading{
			Accuracy:  acc,
			Timestamp: now.Add(time.Duration(i-len(accuracies)) * 10 * time.Second).UnixMilli(),
		}
	}
	return readings
}

func TestAnalyzeTooFewSamples(t *testing.T) {
	a := NewAnalyzer(nil)
	now := time.Now()

	report := a.Analyze(series(now, 20, 15), now)

	assert.Equal(t, DirectionStable, report.Direction)
	assert.Equal(t, 0.0, report.AccuracySlope)
	assert.Equal(t, 0.0, report.Confidence)
	assert.Equal(t, 2, report.Samples)
}

func TestAnalyzeImprovingAccuracy(t *testing.T) {
	a := NewAnalyzer(nil)
	now := time.Now()

	report := a.Analyze(series(now, 50, 40, 30, 20, 10), now)

	assert.Equal(t, DirectionImproving, report.Direction)
	assert.InDelta(t, -1.0, report.AccuracySlope, 0.01)
	assert.Greater(t, report.Confidence, 0.5)
	// Extrapolation is floored, accuracy cannot predict below 1m
	assert.GreaterOrEqual(t, report.PredictedAccuracy, 1.0)
}

func TestAnalyzeDegradingAccuracy(t *testing.T) {
	a := NewAnalyzer(nil)
	now := time.Now()

	report := a.Analyze(series(now, 5, 10, 20, 40, 80), now)

	assert.Equal(t, DirectionDegrading, report.Direction)
	assert.Greater(t, report.AccuracySlope, 0.0)
	assert.Greater(t, report.PredictedAccuracy, 80.0)
}

func TestAnalyzeStableAccuracy(t *testing.T) {
	a := NewAnalyzer(nil)
	now := time.Now()

	report := a.Analyze(series(now, 10, 10, 10, 10), now)

	assert.Equal(t, DirectionStable, report.Direction)
	assert.InDelta(t, 0, report.AccuracySlope, 0.001)
}

func TestAnalyzeOrderIndependent(t *testing.T) {
	a := NewAnalyzer(nil)
	now := time.Now()

	sorted := series(now, 50, 40, 30, 20, 10)
	shuffled := []geo.Reading{sorted[3], sorted[0], sorted[4], sorted[1], sorted[2]}

	want := a.Analyze(sorted, now)
	got := a.Analyze(shuffled, now)

	assert.Equal(t, want.Direction, got.Direction)
	assert.InDelta(t, want.AccuracySlope, got.AccuracySlope, 0.0001)
	assert.InDelta(t, want.PredictedAccuracy, got.PredictedAccuracy, 0.0001)
}

func TestAnalyzeConfidenceGrowsWithSamples(t *testing.T) {
	a := NewAnalyzer(nil)
	now := time.Now()

	short := a.Analyze(series(now, 30, 25, 20), now)
	long := a.Analyze(series(now, 45, 40, 35, 30, 25, 20, 15, 10), now)

	assert.Greater(t, long.Confidence, short.Confidence)
	assert.LessOrEqual(t, long.Confidence, 1.0)
}
