// Package geo holds the shared location types and the great-circle math used
// by every stage of the containment pipeline.
package geo

import (
	"math"
	"time"
)

const (
	// EarthRadiusMeters is the mean Earth radius used for haversine distance
	EarthRadiusMeters = 6371000.0

	// MetersPerDegree approximates one degree of latitude in meters
	MetersPerDegree = 111000.0
)

// Platform identifies the device platform a reading came from
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformUnknown Platform = "unknown"
)

// NormalizePlatform maps arbitrary input to a known platform value
func NormalizePlatform(p string) Platform {
	switch Platform(p) {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return Platform(p)
	default:
		return PlatformUnknown
	}
}

// Source identifies the positioning subsystem that produced a reading
type Source string

const (
	SourceGPS     Source = "gps"
	SourceNetwork Source = "network"
	SourcePassive Source = "passive"
)

// Reading is a single immutable GPS fix. Corrections never mutate a reading;
// they produce new values.
type Reading struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`           // meters, 1-sigma horizontal
	Timestamp int64    `json:"timestamp"`          // epoch milliseconds
	Speed     *float64 `json:"speed,omitempty"`    // km/h, as reported by the device
	Heading   *float64 `json:"heading,omitempty"`  // degrees from true north
	Altitude  *float64 `json:"altitude,omitempty"` // meters
	Platform  Platform `json:"platform"`
	Source    Source   `json:"source"`
}

// Time returns the reading timestamp as a time.Time
func (r Reading) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Age returns how old the reading is relative to now
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.Time())
}

// DistanceTo returns the great-circle distance in meters to another reading
func (r Reading) DistanceTo(other Reading) float64 {
	return Haversine(r.Latitude, r.Longitude, other.Latitude, other.Longitude)
}

// Haversine calculates the great-circle distance in meters between two
// coordinates on a spherical Earth
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing in degrees from point 1 to point 2
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(deltaLon) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) -
		math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(deltaLon)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// Clamp bounds v to [min, max]
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamp01 bounds v to [0, 1]
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Sanitize replaces NaN and infinite values with the given fallback so bad
// arithmetic can never leak out of a result
func Sanitize(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
