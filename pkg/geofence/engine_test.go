package geofence

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

// fenceReading builds a reading the given number of meters due north of the
// fence center at (0, 0)
func fenceReading(meters, accuracy float64, at time.Time, platform geo.Platform) geo.Reading {
	return geo.Reading{
		Latitude:  meters / geo.EarthRadiusMeters * 180 / math.Pi,
		Longitude: 0,
		Accuracy:  accuracy,
		Timestamp: at.UnixMilli(),
		Platform:  platform,
	}
}

func testFence(radius float64) Definition {
	return Definition{ID: "fence-1", Latitude: 0, Longitude: 0, Radius: radius}
}

func TestEvaluateClearInside(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	// Conservative strategy, 5m accuracy: buffer 15, inner radius 35
	result := e.Evaluate(testFence(50), fenceReading(30, 5, now, geo.PlatformAndroid),
		Options{BufferStrategy: StrategyConservative}, nil, now)

	assert.Equal(t, StatusInside, result.Status)
	assert.InDelta(t, 0.914, result.Confidence, 0.005)
	assert.Equal(t, TriggerEntry, result.Triggered)
	assert.Equal(t, RecommendContinue, result.Recommendation)
	assert.False(t, result.NeedsSecondCheck)
	assert.InDelta(t, 30, result.Distance, 0.5)
	assert.InDelta(t, -20, result.DistanceFromBoundary, 0.5)
}

func TestEvaluateUncertainInBand(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	// Moderate strategy, 40m accuracy on a 50m fence: buffer capped at 20,
	// a reading at 48m lands in the band with no prior to lean on
	result := e.Evaluate(testFence(50), fenceReading(48, 40, now, geo.PlatformAndroid),
		Options{BufferStrategy: StrategyModerate}, nil, now)

	assert.Equal(t, StatusUncertain, result.Status)
	assert.InDelta(t, 0.52, result.Confidence, 0.01)
	assert.Equal(t, TriggerNone, result.Triggered)
	assert.True(t, result.NeedsSecondCheck)
}

func TestEvaluateClearOutside(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	result := e.Evaluate(testFence(50), fenceReading(500, 5, now, geo.PlatformAndroid),
		DefaultOptions(), nil, now)

	assert.Equal(t, StatusOutside, result.Status)
	assert.GreaterOrEqual(t, result.Confidence, 0.69)
	assert.Equal(t, TriggerNone, result.Triggered)
}

func TestEvaluateConfidenceBounds(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	distances := []float64{0, 30, 48, 60, 75, 500, 10000}
	accuracies := []float64{3, 40, 120}

	for _, d := range distances {
		for _, acc := range accuracies {
			result := e.Evaluate(testFence(50), fenceReading(d, acc, now, geo.PlatformWeb),
				DefaultOptions(), nil, now)
			assert.GreaterOrEqual(t, result.Confidence, 0.1)
			assert.LessOrEqual(t, result.Confidence, 1.0)
		}
	}
}

func TestEvaluateStaleReadingLowersConfidence(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	fresh := e.Evaluate(testFence(50), fenceReading(10, 5, now, geo.PlatformAndroid),
		DefaultOptions(), nil, now)

	stale := fenceReading(10, 5, now.Add(-3*time.Minute), geo.PlatformAndroid)
	old := e.Evaluate(testFence(50), stale, DefaultOptions(), nil, now)

	assert.Less(t, old.Confidence, fresh.Confidence)
	assert.InDelta(t, 0.5, old.Detail.AgeFactor, 0.001)
}

func TestEvaluatePoorAccuracyLowersConfidence(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	result := e.Evaluate(testFence(500), fenceReading(100, 120, now, geo.PlatformAndroid),
		DefaultOptions(), nil, now)

	// Both accuracy factors stack past 100m
	assert.InDelta(t, 0.48, result.Detail.AccuracyFactor, 0.001)
}

func TestResolveStatusHysteresis(t *testing.T) {
	zone := BufferZone{Buffer: 15, InnerRadius: 85, OuterRadius: 115}
	inside := &State{Status: StatusInside}
	outside := &State{Status: StatusOutside}

	tests := []struct {
		name     string
		distance float64
		prior    *State
		expected Status
	}{
		{"inside stays inside within margin", 88, inside, StatusInside},
		{"inside flips to leaving past margin", 92, inside, StatusLeaving},
		{"outside stays outside within margin", 112, outside, StatusOutside},
		{"outside flips to approaching past margin", 108, outside, StatusApproaching},
		{"no prior in band is uncertain", 100, nil, StatusUncertain},
		{"below inner is always inside", 80, outside, StatusInside},
		{"past outer is always outside", 120, inside, StatusOutside},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveStatus(tt.distance, zone, tt.prior))
		})
	}
}

func TestEvaluateSameInputSameOutput(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	reading := fenceReading(30, 5, now, geo.PlatformIOS)
	prior := &State{Status: StatusInside, EntryReported: true, LastEvaluationTime: now.Add(-10 * time.Second)}

	a := e.Evaluate(testFence(50), reading, DefaultOptions(), prior, now)
	b := e.Evaluate(testFence(50), reading, DefaultOptions(), prior, now)

	assert.Equal(t, a, b)
}

func TestEntryTriggerFiresOnceImmediately(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	reading := fenceReading(10, 5, now, geo.PlatformAndroid)

	first := e.Evaluate(def, reading, DefaultOptions(), nil, now)
	require.Equal(t, TriggerEntry, first.Triggered)
	assert.True(t, first.UpdatedState.EntryReported)
	require.NotNil(t, first.UpdatedState.EntryTime)

	second := e.Evaluate(def, fenceReading(10, 5, now.Add(10*time.Second), geo.PlatformAndroid),
		DefaultOptions(), &first.UpdatedState, now.Add(10*time.Second))
	assert.Equal(t, TriggerNone, second.Triggered)
}

func TestEntryTriggerWaitsForDwellTime(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	def.MinDwellTime = 30

	state := (*State)(nil)
	var results []EvaluationResult
	for i := 0; i < 4; i++ {
		at := now.Add(time.Duration(i) * 15 * time.Second)
		r := e.Evaluate(def, fenceReading(10, 5, at, geo.PlatformAndroid), DefaultOptions(), state, at)
		results = append(results, r)
		s := r.UpdatedState
		state = &s
	}

	// Dwell after each pass: 0s, 15s, 30s
	assert.Equal(t, TriggerNone, results[0].Triggered)
	assert.Equal(t, TriggerNone, results[1].Triggered)
	assert.Equal(t, TriggerEntry, results[2].Triggered)
	assert.Equal(t, TriggerNone, results[3].Triggered)
}

func TestDwellResetsWhenSubjectLeaves(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	def.MinDwellTime = 60

	inside := e.Evaluate(def, fenceReading(10, 5, now, geo.PlatformAndroid), DefaultOptions(), nil, now)
	require.Equal(t, TriggerNone, inside.Triggered)

	t1 := now.Add(30 * time.Second)
	still := e.Evaluate(def, fenceReading(10, 5, t1, geo.PlatformAndroid), DefaultOptions(), &inside.UpdatedState, t1)
	assert.InDelta(t, 30, still.UpdatedState.DwellTimeInside, 0.001)

	t2 := t1.Add(10 * time.Second)
	out := e.Evaluate(def, fenceReading(500, 5, t2, geo.PlatformAndroid), DefaultOptions(), &still.UpdatedState, t2)
	assert.Equal(t, 0.0, out.UpdatedState.DwellTimeInside)

	t3 := t2.Add(10 * time.Second)
	back := e.Evaluate(def, fenceReading(10, 5, t3, geo.PlatformAndroid), DefaultOptions(), &out.UpdatedState, t3)
	assert.Equal(t, 0.0, back.UpdatedState.DwellTimeInside)
	assert.Equal(t, TriggerNone, back.Triggered)
}

func TestExitTriggerRequiresConsecutiveCount(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	def.ExitGracePeriod = 3

	entry := e.Evaluate(def, fenceReading(10, 5, now, geo.PlatformAndroid), DefaultOptions(), nil, now)
	require.Equal(t, TriggerEntry, entry.Triggered)

	state := &entry.UpdatedState
	var triggers []Trigger
	for i := 1; i <= 3; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		r := e.Evaluate(def, fenceReading(500, 5, at, geo.PlatformAndroid), DefaultOptions(), state, at)
		triggers = append(triggers, r.Triggered)
		s := r.UpdatedState
		state = &s
	}

	assert.Equal(t, []Trigger{TriggerNone, TriggerNone, TriggerExit}, triggers)
	assert.False(t, state.EntryReported)
	assert.NotNil(t, state.ExitTime)
	assert.Nil(t, state.EntryTime)
}

func TestExitTriggerFractionalGraceRounds(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	def.ExitGracePeriod = 2.9 // rounds to 3, never truncates to 2

	entry := e.Evaluate(def, fenceReading(10, 5, now, geo.PlatformAndroid), DefaultOptions(), nil, now)
	require.Equal(t, TriggerEntry, entry.Triggered)

	state := &entry.UpdatedState
	var triggers []Trigger
	for i := 1; i <= 3; i++ {
		at := now.Add(time.Duration(i) * 10 * time.Second)
		r := e.Evaluate(def, fenceReading(500, 5, at, geo.PlatformAndroid), DefaultOptions(), state, at)
		triggers = append(triggers, r.Triggered)
		s := r.UpdatedState
		state = &s
	}

	assert.Equal(t, []Trigger{TriggerNone, TriggerNone, TriggerExit}, triggers)
}

func TestExitTriggerCountInterruptedByReentry(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	def.ExitGracePeriod = 3

	entry := e.Evaluate(def, fenceReading(10, 5, now, geo.PlatformAndroid), DefaultOptions(), nil, now)
	state := &entry.UpdatedState

	step := func(meters float64, offset time.Duration) EvaluationResult {
		at := now.Add(offset)
		r := e.Evaluate(def, fenceReading(meters, 5, at, geo.PlatformAndroid), DefaultOptions(), state, at)
		s := r.UpdatedState
		state = &s
		return r
	}

	assert.Equal(t, TriggerNone, step(500, 10*time.Second).Triggered)
	assert.Equal(t, TriggerNone, step(500, 20*time.Second).Triggered)

	// Back inside: the outside counter resets, no spurious entry fires
	back := step(10, 30*time.Second)
	assert.Equal(t, TriggerNone, back.Triggered)
	assert.Equal(t, 0, state.ConsecutiveOutsideCount)

	// Leaving again starts the count from scratch
	assert.Equal(t, TriggerNone, step(500, 40*time.Second).Triggered)
	assert.Equal(t, TriggerNone, step(500, 50*time.Second).Triggered)
	assert.Equal(t, TriggerExit, step(500, 60*time.Second).Triggered)
}

func TestExitTriggerDurationPolicy(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()
	def := testFence(50)
	def.ExitGracePeriod = 30 // seconds under the duration policy

	opts := Options{BufferStrategy: StrategyModerate, ExitPolicy: ExitPolicyDuration}

	entry := e.Evaluate(def, fenceReading(10, 5, now, geo.PlatformAndroid), opts, nil, now)
	require.Equal(t, TriggerEntry, entry.Triggered)

	t1 := now.Add(10 * time.Second)
	first := e.Evaluate(def, fenceReading(500, 5, t1, geo.PlatformAndroid), opts, &entry.UpdatedState, t1)
	assert.Equal(t, TriggerNone, first.Triggered)
	require.NotNil(t, first.UpdatedState.OutsideSince)

	// Still within the grace window
	t2 := t1.Add(20 * time.Second)
	second := e.Evaluate(def, fenceReading(500, 5, t2, geo.PlatformAndroid), opts, &first.UpdatedState, t2)
	assert.Equal(t, TriggerNone, second.Triggered)

	// Past the window
	t3 := t1.Add(35 * time.Second)
	third := e.Evaluate(def, fenceReading(500, 5, t3, geo.PlatformAndroid), opts, &second.UpdatedState, t3)
	assert.Equal(t, TriggerExit, third.Triggered)
}

func TestNoExitWithoutPriorEntry(t *testing.T) {
	e := NewEngine(nil, nil)
	now := time.Now()

	result := e.Evaluate(testFence(50), fenceReading(500, 5, now, geo.PlatformAndroid),
		DefaultOptions(), nil, now)
	assert.Equal(t, TriggerNone, result.Triggered)

	second := e.Evaluate(testFence(50), fenceReading(500, 5, now.Add(10*time.Second), geo.PlatformAndroid),
		DefaultOptions(), &result.UpdatedState, now.Add(10*time.Second))
	assert.Equal(t, TriggerNone, second.Triggered)
}

func TestRecommendations(t *testing.T) {
	zone := BufferZone{Buffer: 20, InnerRadius: 80, OuterRadius: 120}

	tests := []struct {
		name       string
		confidence float64
		status     Status
		accuracy   float64
		opts       Options
		expected   Recommendation
	}{
		{"very low confidence wants fusion", 0.2, StatusInside, 5, Options{}, RecommendFusion},
		{"uncertain with coarse fix wants accuracy", 0.4, StatusUncertain, 50, Options{}, RecommendHighAccuracy},
		{"uncertain with tight fix waits", 0.4, StatusUncertain, 10, Options{}, RecommendWait},
		{"leaving with coarse fix wants accuracy", 0.8, StatusLeaving, 15, Options{}, RecommendHighAccuracy},
		{"approaching with tight fix waits", 0.8, StatusApproaching, 5, Options{}, RecommendWait},
		{"high accuracy demanded", 0.9, StatusInside, 25, Options{RequireHighAccuracy: true}, RecommendHighAccuracy},
		{"confident inside continues", 0.9, StatusInside, 25, Options{}, RecommendContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, recommend(tt.confidence, tt.status, tt.accuracy, zone, tt.opts))
		})
	}
}

func TestNeedsSecondCheck(t *testing.T) {
	assert.True(t, needsSecondCheck(StatusUncertain, 0.9))
	assert.True(t, needsSecondCheck(StatusApproaching, 0.9))
	assert.True(t, needsSecondCheck(StatusLeaving, 0.9))
	assert.True(t, needsSecondCheck(StatusInside, 0.6))
	assert.False(t, needsSecondCheck(StatusInside, 0.8))
	assert.False(t, needsSecondCheck(StatusOutside, 0.7))
}
