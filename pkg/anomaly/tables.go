package anomaly

// TransportMode is the caller's hint about how the subject is moving
type TransportMode string

const (
	ModeWalking    TransportMode = "walking"
	ModeCycling    TransportMode = "cycling"
	ModeDriving    TransportMode = "driving"
	ModeFlying     TransportMode = "flying"
	ModeStationary TransportMode = "stationary"
)

// Environment is the caller's hint about the surroundings of the subject
type Environment string

const (
	EnvUrban   Environment = "urban"
	EnvHighway Environment = "highway"
	EnvIndoor  Environment = "indoor"
	EnvRural   Environment = "rural"
)

// SpeedCeilings maps transport mode to the maximum plausible speed in km/h
var SpeedCeilings = map[TransportMode]float64{
	ModeWalking:    15,
	ModeCycling:    40,
	ModeDriving:    200,
	ModeFlying:     1000,
	ModeStationary: 0.5,
}

// environmentCeilings narrows the mode ceiling for specific surroundings.
// Driving through a city never legitimately hits autobahn speeds, and indoor
// movement is slower than open-air movement.
var environmentCeilings = map[TransportMode]map[Environment]float64{
	ModeDriving: {
		EnvUrban:   80,
		EnvHighway: 160,
	},
	ModeWalking: {
		EnvIndoor: 8,
	},
	ModeCycling: {
		EnvIndoor: 15,
	},
}

// DriftThresholds are the three-tier stationary GPS drift bounds in meters
type DriftThresholds struct {
	Normal  float64 `json:"normal"`  // expected jitter, full confidence
	Warning float64 `json:"warning"` // suspicious, confidence reduced
	Anomaly float64 `json:"anomaly"` // implausible for a stationary subject
}

// driftTable indexes drift tolerance by environment. Indoor multipath is
// tighter than open-sky highway jitter.
var driftTable = map[Environment]DriftThresholds{
	EnvIndoor:  {Normal: 5, Warning: 10, Anomaly: 20},
	EnvUrban:   {Normal: 8, Warning: 15, Anomaly: 30},
	EnvRural:   {Normal: 6, Warning: 12, Anomaly: 25},
	EnvHighway: {Normal: 10, Warning: 20, Anomaly: 40},
}

// defaultDrift is used when no environment hint is supplied
var defaultDrift = DriftThresholds{Normal: 8, Warning: 15, Anomaly: 30}

// SpeedCeilingFor resolves the effective speed ceiling for a mode/environment
// pair. An explicit override beats the tables entirely.
func SpeedCeilingFor(mode TransportMode, env Environment, override *float64) float64 {
	if override != nil && *override > 0 {
		return *override
	}

	ceiling, ok := SpeedCeilings[mode]
	if !ok {
		ceiling = SpeedCeilings[ModeDriving]
	}

	if envTable, ok := environmentCeilings[mode]; ok {
		if narrowed, ok := envTable[env]; ok {
			ceiling = narrowed
		}
	}

	return ceiling
}

// DriftThresholdsFor resolves stationary drift tolerance for an environment
func DriftThresholdsFor(env Environment) DriftThresholds {
	if t, ok := driftTable[env]; ok {
		return t
	}
	return defaultDrift
}
