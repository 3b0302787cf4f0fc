package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

// readingAt builds a reading offset north of the origin by the given number
// of meters, at the given time
func readingAt(meters float64, at time.Time, accuracy float64) geo.Reading {
	return geo.Reading{
		Latitude:  meters / geo.EarthRadiusMeters * 180 / math.Pi,
		Longitude: 0,
		Accuracy:  accuracy,
		Timestamp: at.UnixMilli(),
		Platform:  geo.PlatformAndroid,
	}
}

func TestClassifyRejectsNonPositiveElapsed(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 10)
	curr := readingAt(50, now.Add(-5*time.Second), 10)

	v := c.Classify(prev, curr, nil, nil)

	assert.False(t, v.Accepted)
	require.NotNil(t, v.AnomalyType)
	assert.Equal(t, TypeTimeInconsistency, *v.AnomalyType)
	assert.Equal(t, 0.0, v.Confidence)
}

func TestClassifyRejectsSubSecondInterval(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 10)
	curr := readingAt(5, now.Add(500*time.Millisecond), 10)

	v := c.Classify(prev, curr, nil, nil)

	assert.False(t, v.Accepted)
	require.NotNil(t, v.AnomalyType)
	assert.Equal(t, TypeTimeInconsistency, *v.AnomalyType)
}

func TestClassifyRejectsTeleportation(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 10)
	curr := readingAt(25000, now.Add(10*time.Second), 10)

	v := c.Classify(prev, curr, nil, nil)

	assert.False(t, v.Accepted)
	require.NotNil(t, v.AnomalyType)
	assert.Equal(t, TypeTeleportation, *v.AnomalyType)
}

func TestClassifyCrossTownJumpInOneSecond(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := geo.Reading{
		Latitude:  40.7125,
		Longitude: -74.0055,
		Accuracy:  15,
		Timestamp: now.UnixMilli(),
		Platform:  geo.PlatformIOS,
	}
	curr := geo.Reading{
		Latitude:  40.8000,
		Longitude: -73.9000,
		Accuracy:  20,
		Timestamp: now.Add(time.Second).UnixMilli(),
		Platform:  geo.PlatformIOS,
	}

	v := c.Classify(prev, curr, nil, nil)

	assert.False(t, v.Accepted)
	require.NotNil(t, v.AnomalyType)
	assert.Equal(t, TypeTeleportation, *v.AnomalyType)
	assert.Equal(t, 0.0, v.Confidence)
}

func TestClassifyImpossibleSpeedForMode(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	// 500m in 60s is 30 km/h, fine when driving, impossible when walking
	prev := readingAt(0, now, 10)
	curr := readingAt(500, now.Add(60*time.Second), 10)

	driving := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeDriving})
	assert.True(t, driving.Accepted)

	walking := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeWalking})
	assert.False(t, walking.Accepted)
	require.NotNil(t, walking.AnomalyType)
	assert.Equal(t, TypeImpossibleSpeed, *walking.AnomalyType)
}

func TestClassifyExtremeSpeedBecomesTeleportation(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	// 5 km in 60s is 300 km/h, twenty times the walking ceiling
	prev := readingAt(0, now, 10)
	curr := readingAt(5000, now.Add(60*time.Second), 10)

	v := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeWalking})

	assert.False(t, v.Accepted)
	require.NotNil(t, v.AnomalyType)
	assert.Equal(t, TypeTeleportation, *v.AnomalyType)
}

func TestClassifyMaxSpeedOverrideBeatsTables(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 10)
	curr := readingAt(500, now.Add(60*time.Second), 10) // 30 km/h

	override := 25.0
	v := c.Classify(prev, curr, &override, &Hints{TransportMode: ModeDriving})
	assert.False(t, v.Accepted)
}

func TestClassifyEnvironmentNarrowsCeiling(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	// 100 km/h: plausible for driving, implausible for urban driving
	prev := readingAt(0, now, 10)
	curr := readingAt(1667, now.Add(60*time.Second), 10)

	open := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeDriving})
	assert.True(t, open.Accepted)

	urban := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeDriving, Environment: EnvUrban})
	assert.False(t, urban.Accepted)
}

func TestClassifyStationaryDriftTiers(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()
	hints := &Hints{TransportMode: ModeStationary, Environment: EnvUrban}

	tests := []struct {
		name       string
		drift      float64
		accepted   bool
		confidence float64
		anomalous  bool
	}{
		{"normal jitter", 6, true, 0.95, false},
		{"above normal", 12, true, 0.7, false},
		{"above warning", 20, false, 0.3, true},
		{"above anomaly", 40, false, 0.0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := readingAt(0, now, 10)
			curr := readingAt(tt.drift, now.Add(10*time.Second), 10)

			v := c.Classify(prev, curr, nil, hints)

			assert.Equal(t, tt.accepted, v.Accepted)
			assert.InDelta(t, tt.confidence, v.Confidence, 0.001)
			if tt.anomalous {
				require.NotNil(t, v.AnomalyType)
				assert.Equal(t, TypeGPSDrift, *v.AnomalyType)
			} else {
				assert.Nil(t, v.AnomalyType)
			}
		})
	}
}

func TestClassifyPoorAccuracyHalvesConfidence(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 150)
	curr := readingAt(50, now.Add(60*time.Second), 150)

	v := c.Classify(prev, curr, nil, nil)

	assert.True(t, v.Accepted)
	assert.InDelta(t, 0.5, v.Confidence, 0.001)
	assert.Contains(t, v.Reason, "accuracy is poor")
}

func TestClassifyIndoorLargeStepReducesConfidence(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	// 12m indoors in 10s: plausible speed, but past the indoor warning
	prev := readingAt(0, now, 10)
	curr := readingAt(12, now.Add(10*time.Second), 10)

	v := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeWalking, Environment: EnvIndoor})

	assert.True(t, v.Accepted)
	assert.InDelta(t, 0.7, v.Confidence, 0.001)
}

func TestClassifyNearCeilingLowersConfidence(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	// 13 km/h walking is above 80% of the 15 km/h ceiling
	prev := readingAt(0, now, 10)
	curr := readingAt(217, now.Add(60*time.Second), 10)

	v := c.Classify(prev, curr, nil, &Hints{TransportMode: ModeWalking})

	assert.True(t, v.Accepted)
	assert.InDelta(t, 0.7, v.Confidence, 0.001)
}

func TestClassifyStationaryLikeMovement(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 10)
	curr := readingAt(2, now.Add(60*time.Second), 10)

	v := c.Classify(prev, curr, nil, nil)

	assert.True(t, v.Accepted)
	assert.InDelta(t, 0.9, v.Confidence, 0.001)
}

func TestClassifyVerdictCarriesMeasurements(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Now()

	prev := readingAt(0, now, 10)
	curr := readingAt(100, now.Add(10*time.Second), 10)

	v := c.Classify(prev, curr, nil, nil)

	assert.InDelta(t, 100, v.Distance, 1)
	assert.InDelta(t, 10, v.TimeElapsed, 0.01)
	assert.InDelta(t, 36, v.ImpliedSpeed, 0.5)
}
