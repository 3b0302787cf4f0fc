package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

func freshReading(accuracy float64, now time.Time) geo.Reading {
	return geo.Reading{
		Latitude:  59.3293,
		Longitude: 18.0686,
		Accuracy:  accuracy,
		Timestamp: now.UnixMilli(),
		Platform:  geo.PlatformAndroid,
	}
}

func TestEvaluatePerfectReading(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	a := scorer.Evaluate(freshReading(3, now), now)

	assert.Equal(t, 100, a.Score)
	assert.Equal(t, GradeExcellent, a.Grade)
	assert.Empty(t, a.Issues)
}

func TestEvaluateAccuracyTiers(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	tests := []struct {
		name     string
		accuracy float64
		score    int
		grade    Grade
	}{
		{"sub 5m", 4, 100, GradeExcellent},
		{"5 to 10m", 8, 95, GradeExcellent},
		{"10 to 20m", 15, 90, GradeExcellent},
		{"20 to 50m", 35, 80, GradeGood},
		{"50 to 100m", 80, 60, GradeFair},
		{"100 to 200m", 150, 40, GradePoor},
		{"above 200m", 500, 15, GradeUnusable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := scorer.Evaluate(freshReading(tt.accuracy, now), now)
			assert.Equal(t, tt.score, a.Score)
			assert.Equal(t, tt.grade, a.Grade)
		})
	}
}

func TestEvaluateAgePenalties(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	tests := []struct {
		name  string
		age   time.Duration
		score int
	}{
		{"fresh", 10 * time.Second, 100},
		{"over a minute", 90 * time.Second, 95},
		{"over two minutes", 3 * time.Minute, 85},
		{"over five minutes", 7 * time.Minute, 75},
		{"over ten minutes", 15 * time.Minute, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := freshReading(3, now)
			r.Timestamp = now.Add(-tt.age).UnixMilli()
			a := scorer.Evaluate(r, now)
			assert.Equal(t, tt.score, a.Score)
		})
	}
}

func TestEvaluateSpeedPenalty(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	speed := 120.0
	r := freshReading(3, now)
	r.Speed = &speed

	a := scorer.Evaluate(r, now)
	assert.Equal(t, 80, a.Score)
	assert.Contains(t, a.Issues, "reported speed above 100 km/h")
}

func TestEvaluateWebAccuracyBonus(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	// Bonus applies only when web accuracy beats the ceiling; the score
	// stays clamped at 100
	r := freshReading(15, now)
	r.Platform = geo.PlatformWeb
	withBonus := scorer.Evaluate(r, now)
	assert.Equal(t, 95, withBonus.Score)

	r.Accuracy = 60
	withoutBonus := scorer.Evaluate(r, now)
	assert.Equal(t, 60, withoutBonus.Score)
}

func TestEvaluateScoreNeverNegative(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	speed := 200.0
	r := freshReading(5000, now)
	r.Speed = &speed
	r.Timestamp = now.Add(-time.Hour).UnixMilli()

	a := scorer.Evaluate(r, now)
	require.GreaterOrEqual(t, a.Score, 0)
	assert.Equal(t, GradeUnusable, a.Grade)
}

func TestEvaluatePenaltiesAccumulate(t *testing.T) {
	scorer := NewScorer(nil, nil)
	now := time.Now()

	// 100m accuracy bucket (-40) and 3-minute age (-15) stack
	r := freshReading(80, now)
	r.Timestamp = now.Add(-3 * time.Minute).UnixMilli()

	a := scorer.Evaluate(r, now)
	assert.Equal(t, 45, a.Score)
	assert.Equal(t, GradeModerate, a.Grade)
	assert.Len(t, a.Issues, 2)
}

func TestGradeForScoreBoundaries(t *testing.T) {
	tests := []struct {
		score int
		grade Grade
	}{
		{100, GradeExcellent},
		{90, GradeExcellent},
		{89, GradeGood},
		{75, GradeGood},
		{60, GradeFair},
		{45, GradeModerate},
		{35, GradePoor},
		{25, GradeVeryPoor},
		{24, GradeUnusable},
		{0, GradeUnusable},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.grade, gradeForScore(tt.score), "score %d", tt.score)
	}
}
