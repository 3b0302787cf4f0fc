// Package fusion combines a bounded window of recent readings with the
// current reading to produce a more accurate position estimate.
package fusion

import (
	"math"
	"sort"
	"time"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Aggressiveness picks how strongly fusion is allowed to move a position
type Aggressiveness string

const (
	Conservative Aggressiveness = "conservative"
	Moderate     Aggressiveness = "moderate"
	Aggressive   Aggressiveness = "aggressive"
)

// Options selects which correction algorithms run and how hard they push
type Options struct {
	EnableWeightedAveraging bool           `json:"enableWeightedAveraging"`
	EnableKalmanFilter      bool           `json:"enableKalmanFilter"`
	Aggressiveness          Aggressiveness `json:"aggressiveness"`
	MaxHistoryAge           time.Duration  `json:"maxHistoryAge"`
}

// DefaultOptions returns moderate fusion with both algorithms enabled
func DefaultOptions() Options {
	return Options{
		EnableWeightedAveraging: true,
		EnableKalmanFilter:      true,
		Aggressiveness:          Moderate,
		MaxHistoryAge:           5 * time.Minute,
	}
}

// aggressivenessParams are the per-level tuning knobs
type aggressivenessParams struct {
	Decay          float64 // weighted-average age decay per minute
	ProcessNoise   float64 // kalman process noise, in degrees
	MaxCorrectionM float64 // cap on how far smoothing may move a position
}

var aggressivenessTable = map[Aggressiveness]aggressivenessParams{
	Conservative: {Decay: 0.7, ProcessNoise: 0.1, MaxCorrectionM: 20},
	Moderate:     {Decay: 0.5, ProcessNoise: 0.5, MaxCorrectionM: 50},
	Aggressive:   {Decay: 0.3, ProcessNoise: 1.0, MaxCorrectionM: 100},
}

// platformWeights bias the averaging toward platforms with better GPS stacks
var platformWeights = map[geo.Platform]float64{
	geo.PlatformIOS:     1.1,
	geo.PlatformAndroid: 1.0,
	geo.PlatformWeb:     0.8,
	geo.PlatformUnknown: 0.9,
}

// platformBias is the fixed per-platform accuracy correction applied last
type platformBias struct {
	Multiplier float64
	Additive   float64
}

var platformBiasTable = map[geo.Platform]platformBias{
	geo.PlatformIOS:     {Multiplier: 0.85, Additive: -2},
	geo.PlatformAndroid: {Multiplier: 1.1, Additive: 1},
	geo.PlatformWeb:     {Multiplier: 1.3, Additive: 5},
	geo.PlatformUnknown: {Multiplier: 1.0, Additive: 0},
}

// Correction labels appended to FusionResult.AppliedCorrections
const (
	CorrectionWeightedAverage = "weighted_average"
	CorrectionKalmanSmoothing = "kalman_smoothing"
	CorrectionPlatformBias    = "platform_bias"
)

// Metadata describes how a fused position was produced
type Metadata struct {
	Algorithm          string            `json:"algorithm"`
	LocationsUsed      int               `json:"locationsUsed"`
	WeightDistribution []float64         `json:"weightDistribution,omitempty"`
	Gain               *float64          `json:"gain,omitempty"`
	VelocityEstimate   *VelocityEstimate `json:"velocityEstimate,omitempty"`
}

// VelocityEstimate is the per-axis velocity derived from history, in
// degrees per second
type VelocityEstimate struct {
	LatPerSecond float64 `json:"latPerSecond"`
	LonPerSecond float64 `json:"lonPerSecond"`
}

// Result is the outcome of one fusion pass
type Result struct {
	OriginalLocation      geo.Reading `json:"originalLocation"`
	FusedLocation         geo.Reading `json:"fusedLocation"`
	AppliedCorrections    []string    `json:"appliedCorrections"`
	ConfidenceImprovement float64     `json:"confidenceImprovement"` // 0.0-1.0
	Metadata              Metadata    `json:"metadata"`
}

// Engine fuses location readings. Pure; a nil logger is allowed.
type Engine struct {
	logger *logx.Logger
}

// NewEngine creates a fusion engine
func NewEngine(logger *logx.Logger) *Engine {
	return &Engine{logger: logger}
}

// FilterHistory keeps only usable history entries: strictly older than the
// current reading, no older than maxAge, with sane accuracy, sorted ascending
// by time and capped to the most recent 4.
func FilterHistory(current geo.Reading, history []geo.Reading, maxAge time.Duration) []geo.Reading {
	filtered := make([]geo.Reading, 0, len(history))
	for _, h := range history {
		age := current.Timestamp - h.Timestamp
		if age <= 0 || age > maxAge.Milliseconds() {
			continue
		}
		if h.Accuracy >= 1000 {
			continue
		}
		filtered = append(filtered, h)
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp < filtered[j].Timestamp
	})
	if len(filtered) > 4 {
		filtered = filtered[len(filtered)-4:]
	}
	return filtered
}

// Fuse combines the current reading with recent history. With an empty
// usable history the reading passes through unchanged except for the
// platform bias correction.
func (e *Engine) Fuse(current geo.Reading, history []geo.Reading, opts Options) Result {
	if opts.MaxHistoryAge <= 0 {
		opts.MaxHistoryAge = DefaultOptions().MaxHistoryAge
	}
	params, ok := aggressivenessTable[opts.Aggressiveness]
	if !ok {
		params = aggressivenessTable[Moderate]
	}

	usable := FilterHistory(current, history, opts.MaxHistoryAge)

	result := Result{
		OriginalLocation:   current,
		FusedLocation:      current,
		AppliedCorrections: []string{},
		Metadata: Metadata{
			Algorithm:     "passthrough",
			LocationsUsed: 1,
		},
	}

	if opts.EnableWeightedAveraging && len(usable) > 0 {
		result.FusedLocation, result.Metadata.WeightDistribution = e.weightedAverage(result.FusedLocation, usable, params)
		result.AppliedCorrections = append(result.AppliedCorrections, CorrectionWeightedAverage)
		result.Metadata.Algorithm = CorrectionWeightedAverage
		result.Metadata.LocationsUsed = len(usable) + 1
	}

	if opts.EnableKalmanFilter && len(usable) >= 2 {
		fused, gain, velocity := e.kalmanSmooth(result.FusedLocation, usable, params)
		result.FusedLocation = fused
		result.AppliedCorrections = append(result.AppliedCorrections, CorrectionKalmanSmoothing)
		result.Metadata.Algorithm = CorrectionKalmanSmoothing
		result.Metadata.Gain = &gain
		result.Metadata.VelocityEstimate = &velocity
		if result.Metadata.LocationsUsed < len(usable)+1 {
			result.Metadata.LocationsUsed = len(usable) + 1
		}
	}

	// Platform bias runs unconditionally last
	result.FusedLocation = applyPlatformBias(result.FusedLocation)
	result.AppliedCorrections = append(result.AppliedCorrections, CorrectionPlatformBias)

	result.ConfidenceImprovement = confidenceGain(current.Accuracy, result.FusedLocation.Accuracy)

	if e.logger != nil {
		e.logger.LogDebugVerbose("location_fused", map[string]interface{}{
			"algorithm":       result.Metadata.Algorithm,
			"locations_used":  result.Metadata.LocationsUsed,
			"corrections":     result.AppliedCorrections,
			"orig_accuracy":   current.Accuracy,
			"fused_accuracy":  result.FusedLocation.Accuracy,
			"confidence_gain": result.ConfidenceImprovement,
		})
	}

	return result
}

// weightedAverage blends history and the current reading with age, accuracy,
// platform and recency weights
func (e *Engine) weightedAverage(current geo.Reading, history []geo.Reading, params aggressivenessParams) (geo.Reading, []float64) {
	samples := append(append([]geo.Reading{}, history...), current)

	weights := make([]float64, len(samples))
	var totalWeight, lat, lon, acc float64
	var simpleAcc float64

	for i, s := range samples {
		ageSeconds := float64(current.Timestamp-s.Timestamp) / 1000.0
		ageWeight := math.Exp(-ageSeconds * params.Decay / 60.0)
		accuracyWeight := 1.0 / (1.0 + s.Accuracy/10.0)
		platformWeight := platformWeights[geo.NormalizePlatform(string(s.Platform))]

		positionWeight := 1.0
		if i == len(samples)-1 {
			positionWeight = 1.5 // the newest sample anchors the estimate
		}

		w := ageWeight * accuracyWeight * platformWeight * positionWeight
		weights[i] = w
		totalWeight += w

		lat += s.Latitude * w
		lon += s.Longitude * w
		acc += s.Accuracy * w
		simpleAcc += s.Accuracy
	}

	if totalWeight <= 0 {
		return current, weights
	}

	fused := current
	fused.Latitude = lat / totalWeight
	fused.Longitude = lon / totalWeight

	// The fused fix must never claim worse accuracy than a simple average
	weightedAcc := acc / totalWeight
	simpleAvgAcc := simpleAcc / float64(len(samples))
	fused.Accuracy = math.Min(weightedAcc, 0.8*simpleAvgAcc)
	if fused.Accuracy < 1 {
		fused.Accuracy = 1
	}

	// Normalize the reported weight distribution
	for i := range weights {
		weights[i] /= totalWeight
	}

	return fused, weights
}

// kalmanSmooth runs a single-step predictive blend: velocity from the last
// two history points, a linear position prediction at the current timestamp,
// and a gain-weighted correction toward the prediction.
func (e *Engine) kalmanSmooth(current geo.Reading, history []geo.Reading, params aggressivenessParams) (geo.Reading, float64, VelocityEstimate) {
	prev := history[len(history)-2]
	last := history[len(history)-1]

	dt := float64(last.Timestamp-prev.Timestamp) / 1000.0
	if dt <= 0 {
		return current, 0, VelocityEstimate{}
	}

	velocity := VelocityEstimate{
		LatPerSecond: (last.Latitude - prev.Latitude) / dt,
		LonPerSecond: (last.Longitude - prev.Longitude) / dt,
	}

	predictAhead := float64(current.Timestamp-last.Timestamp) / 1000.0
	predictedLat := last.Latitude + velocity.LatPerSecond*predictAhead
	predictedLon := last.Longitude + velocity.LonPerSecond*predictAhead

	measurementNoise := current.Accuracy / geo.MetersPerDegree
	gain := params.ProcessNoise / (params.ProcessNoise + measurementNoise)
	gain = geo.Clamp01(geo.Sanitize(gain, 0))

	fused := current
	fused.Latitude = current.Latitude + gain*(predictedLat-current.Latitude)
	fused.Longitude = current.Longitude + gain*(predictedLon-current.Longitude)

	// Cap the total correction so an outlier prediction cannot drag the
	// position further than the aggressiveness level allows
	correction := geo.Haversine(current.Latitude, current.Longitude, fused.Latitude, fused.Longitude)
	if correction > params.MaxCorrectionM && correction > 0 {
		scale := params.MaxCorrectionM / correction
		fused.Latitude = current.Latitude + (fused.Latitude-current.Latitude)*scale
		fused.Longitude = current.Longitude + (fused.Longitude-current.Longitude)*scale
		correction = params.MaxCorrectionM
	}

	// Smoothing earns an accuracy credit proportional to the correction,
	// floored at 70% of the measured accuracy
	fused.Accuracy = math.Max(current.Accuracy-correction, current.Accuracy*0.7)
	if fused.Accuracy < 1 {
		fused.Accuracy = 1
	}

	return fused, gain, velocity
}

// applyPlatformBias adjusts accuracy for known per-platform reporting bias
func applyPlatformBias(r geo.Reading) geo.Reading {
	bias := platformBiasTable[geo.NormalizePlatform(string(r.Platform))]
	r.Accuracy = r.Accuracy*bias.Multiplier + bias.Additive
	if r.Accuracy < 1 {
		r.Accuracy = 1
	}
	return r
}

// confidenceGain expresses the relative accuracy improvement on a 0-1 scale
func confidenceGain(originalAccuracy, fusedAccuracy float64) float64 {
	if originalAccuracy <= 0 {
		return 0
	}
	gain := (originalAccuracy - fusedAccuracy) / originalAccuracy * 0.3
	return geo.Clamp01(geo.Sanitize(gain, 0))
}
