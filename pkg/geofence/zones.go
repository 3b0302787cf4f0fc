package geofence

import (
	"math"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

// BufferStrategy selects how aggressively accuracy widens the buffer zone
type BufferStrategy string

const (
	StrategyConservative BufferStrategy = "conservative"
	StrategyModerate     BufferStrategy = "moderate"
	StrategyAggressive   BufferStrategy = "aggressive"
)

// bufferParams sizes the uncertainty band around a boundary
type bufferParams struct {
	Multiplier float64 // accuracy -> buffer scale
	MinBuffer  float64 // meters, floor for tight-accuracy readings
	MaxRatio   float64 // cap relative to the fence radius
}

// bufferStrategyTable is immutable tuning data; conservative keeps the widest
// band and therefore flips state the least
var bufferStrategyTable = map[BufferStrategy]bufferParams{
	StrategyConservative: {Multiplier: 2.0, MinBuffer: 15, MaxRatio: 0.5},
	StrategyModerate:     {Multiplier: 1.5, MinBuffer: 10, MaxRatio: 0.4},
	StrategyAggressive:   {Multiplier: 1.0, MinBuffer: 5, MaxRatio: 0.3},
}

// platformBufferMultipliers widen the band on platforms whose reported
// accuracy tends to be optimistic
var platformBufferMultipliers = map[geo.Platform]float64{
	geo.PlatformIOS:     0.95,
	geo.PlatformAndroid: 1.0,
	geo.PlatformWeb:     1.25,
	geo.PlatformUnknown: 1.1,
}

// platformConfidenceBoost nudges confidence by platform GPS stack quality
var platformConfidenceBoost = map[geo.Platform]float64{
	geo.PlatformIOS:     1.05,
	geo.PlatformAndroid: 1.0,
	geo.PlatformWeb:     0.9,
	geo.PlatformUnknown: 0.95,
}

// hysteresisMargin is the fraction of the buffer a reading must travel past
// the inner/outer edge before the band status flips between the
// approaching/leaving sub-states. Prevents one-reading flips exactly at the
// buffer edge.
const hysteresisMargin = 0.3

// computeBufferZone sizes the adaptive buffer from reading accuracy, the
// strategy table and the platform multiplier, capped relative to the radius
func computeBufferZone(def Definition, reading geo.Reading, strategy BufferStrategy) BufferZone {
	params, ok := bufferStrategyTable[strategy]
	if !ok {
		params = bufferStrategyTable[StrategyModerate]
	}

	buffer := math.Max(params.MinBuffer, reading.Accuracy*params.Multiplier)
	buffer *= platformBufferMultipliers[geo.NormalizePlatform(string(reading.Platform))]

	maxBuffer := def.Radius * params.MaxRatio
	if buffer > maxBuffer {
		buffer = maxBuffer
	}
	buffer = geo.Sanitize(buffer, params.MinBuffer)
	if buffer < 0 {
		buffer = 0
	}

	return BufferZone{
		Buffer:      buffer,
		InnerRadius: math.Max(0, def.Radius-buffer),
		OuterRadius: def.Radius + buffer,
	}
}

// zoneConfidence computes the base confidence from where the distance falls
// relative to the zone radii
func zoneConfidence(distance float64, zone BufferZone) float64 {
	switch {
	case distance <= zone.InnerRadius:
		// Deep inside is certain; the bonus grows as distance shrinks
		if zone.InnerRadius <= 0 {
			return 1.0
		}
		return 0.9 + 0.1*(1-distance/zone.InnerRadius)
	case distance >= zone.OuterRadius:
		// Just past the outer edge is a clear outside; the floor of 0.7
		// is reached once the excess exceeds a full buffer width
		if zone.Buffer <= 0 {
			return 1.0
		}
		excess := distance - zone.OuterRadius
		return math.Max(0.7, 1.0-0.3*excess/zone.Buffer)
	default:
		// Inside the uncertainty band: interpolate between 0.7 at the
		// inner edge and 0.3 at the outer edge
		span := zone.OuterRadius - zone.InnerRadius
		if span <= 0 {
			return 0.3
		}
		return 0.3 + 0.4*(zone.OuterRadius-distance)/span
	}
}
