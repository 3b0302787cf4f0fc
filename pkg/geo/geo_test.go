package geo

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHaversineZeroDistance(t *testing.T) {
	d := Haversine(59.3293, 18.0686, 59.3293, 18.0686)
	assert.Equal(t, 0.0, d)
}

func TestHaversineSymmetry(t *testing.T) {
	d1 := Haversine(59.3293, 18.0686, 57.7089, 11.9746)
	d2 := Haversine(57.7089, 11.9746, 59.3293, 18.0686)
	assert.InDelta(t, d1, d2, 0.0001)
}

func TestHaversineKnownDistance(t *testing.T) {
	// Stockholm to Gothenburg, roughly 398 km
	d := Haversine(59.3293, 18.0686, 57.7089, 11.9746)
	assert.InDelta(t, 398000, d, 5000)
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	// One degree of latitude along a meridian
	d := Haversine(0, 0, 1, 0)
	expected := EarthRadiusMeters * math.Pi / 180
	assert.InDelta(t, expected, d, 1)
}

func TestNormalizePlatform(t *testing.T) {
	tests := []struct {
		input    string
		expected Platform
	}{
		{"ios", PlatformIOS},
		{"iOS", PlatformIOS},
		{"ANDROID", PlatformAndroid},
		{"web", PlatformWeb},
		{"", PlatformUnknown},
		{"windows_phone", PlatformUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePlatform(tt.input))
		})
	}
}

func TestReadingAge(t *testing.T) {
	now := time.Now()
	r := Reading{Timestamp: now.Add(-30 * time.Second).UnixMilli()}
	assert.InDelta(t, 30, r.Age(now).Seconds(), 0.01)
}

func TestReadingDistanceTo(t *testing.T) {
	a := Reading{Latitude: 0, Longitude: 0}
	b := Reading{Latitude: 0, Longitude: 0}
	assert.Equal(t, 0.0, a.DistanceTo(b))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 5.0, Clamp(3, 5, 10))
	assert.Equal(t, 10.0, Clamp(12, 5, 10))
	assert.Equal(t, 7.0, Clamp(7, 5, 10))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-1))
	assert.Equal(t, 1.0, Clamp01(2))
	assert.Equal(t, 0.5, Clamp01(0.5))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, 1.5, Sanitize(1.5, 0))
	assert.Equal(t, 0.0, Sanitize(math.NaN(), 0))
	assert.Equal(t, 0.0, Sanitize(math.Inf(1), 0))
	assert.Equal(t, 0.0, Sanitize(math.Inf(-1), 0))
}

func TestBearingCardinalDirections(t *testing.T) {
	// Due north and due east from the equator
	assert.InDelta(t, 0, Bearing(0, 0, 1, 0), 0.5)
	assert.InDelta(t, 90, Bearing(0, 0, 0, 1), 0.5)
}
