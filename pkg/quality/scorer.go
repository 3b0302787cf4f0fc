// Package quality grades raw GPS readings so downstream stages can calibrate
// how much uncertainty to attach to a fix.
package quality

import (
	"time"

	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/logx"
)

// Grade is the 7-tier quality classification of a reading
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradeModerate  Grade = "moderate"
	GradePoor      Grade = "poor"
	GradeVeryPoor  Grade = "very_poor"
	GradeUnusable  Grade = "unusable"
)

// Assessment is the result of scoring a single reading
type Assessment struct {
	Score           int      `json:"score"` // 0-100
	Grade           Grade    `json:"grade"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// accuracyPenalty maps an accuracy floor (meters, exclusive) to a score
// penalty. Evaluated worst-first.
type accuracyPenalty struct {
	AboveMeters float64
	Penalty     int
	Issue       string
	Advice      string
}

// agePenalty maps a reading age floor to a score penalty
type agePenalty struct {
	OlderThan time.Duration
	Penalty   int
	Issue     string
	Advice    string
}

// speedPenalty maps an implausible reported speed floor (km/h) to a penalty
type speedPenalty struct {
	AboveKmh float64
	Penalty  int
	Issue    string
}

// ScoringConfig holds the penalty tables. Tables are data so they can be
// tuned and tested independently of the scoring walk.
type ScoringConfig struct {
	AccuracyPenalties []accuracyPenalty
	AgePenalties      []agePenalty
	SpeedPenalties    []speedPenalty

	// WebAccuracyBonus rewards web readings that beat the platform's usual
	// coarse network positioning
	WebAccuracyBonus        int
	WebAccuracyBonusCeiling float64
}

// DefaultScoringConfig returns the standard penalty tables
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		AccuracyPenalties: []accuracyPenalty{
			{AboveMeters: 200, Penalty: 85, Issue: "accuracy worse than 200m", Advice: "wait for a better fix or move to open sky"},
			{AboveMeters: 100, Penalty: 60, Issue: "accuracy worse than 100m", Advice: "request high-accuracy positioning"},
			{AboveMeters: 50, Penalty: 40, Issue: "accuracy worse than 50m", Advice: "request high-accuracy positioning"},
			{AboveMeters: 20, Penalty: 20, Issue: "accuracy worse than 20m", Advice: "acceptable for coarse geofences only"},
			{AboveMeters: 10, Penalty: 10, Issue: "accuracy worse than 10m", Advice: ""},
			{AboveMeters: 5, Penalty: 5, Issue: "", Advice: ""},
		},
		AgePenalties: []agePenalty{
			{OlderThan: 10 * time.Minute, Penalty: 40, Issue: "reading older than 10 minutes", Advice: "request a fresh location fix"},
			{OlderThan: 5 * time.Minute, Penalty: 25, Issue: "reading older than 5 minutes", Advice: "request a fresh location fix"},
			{OlderThan: 2 * time.Minute, Penalty: 15, Issue: "reading older than 2 minutes", Advice: ""},
			{OlderThan: 1 * time.Minute, Penalty: 5, Issue: "reading older than 1 minute", Advice: ""},
		},
		SpeedPenalties: []speedPenalty{
			{AboveKmh: 100, Penalty: 20, Issue: "reported speed above 100 km/h"},
			{AboveKmh: 50, Penalty: 10, Issue: "reported speed above 50 km/h"},
			{AboveKmh: 25, Penalty: 5, Issue: "reported speed above 25 km/h"},
		},
		WebAccuracyBonus:        5,
		WebAccuracyBonusCeiling: 20,
	}
}

// gradeThreshold maps a minimum score to a grade, best-first
type gradeThreshold struct {
	MinScore int
	Grade    Grade
}

var gradeThresholds = []gradeThreshold{
	{90, GradeExcellent},
	{75, GradeGood},
	{60, GradeFair},
	{45, GradeModerate},
	{35, GradePoor},
	{25, GradeVeryPoor},
	{0, GradeUnusable},
}

// Scorer grades readings. Pure and deterministic; a nil logger is allowed.
type Scorer struct {
	config *ScoringConfig
	logger *logx.Logger
}

// NewScorer creates a quality scorer
func NewScorer(config *ScoringConfig, logger *logx.Logger) *Scorer {
	if config == nil {
		config = DefaultScoringConfig()
	}
	return &Scorer{config: config, logger: logger}
}

// Evaluate scores one reading against the penalty tables. Numeric validity of
// the reading is the caller's responsibility.
func (s *Scorer) Evaluate(reading geo.Reading, now time.Time) Assessment {
	score := 100
	issues := []string{}
	recommendations := []string{}

	// Accuracy penalties, worst bucket wins
	for _, p := range s.config.AccuracyPenalties {
		if reading.Accuracy > p.AboveMeters {
			score -= p.Penalty
			if p.Issue != "" {
				issues = append(issues, p.Issue)
			}
			if p.Advice != "" {
				recommendations = append(recommendations, p.Advice)
			}
			break
		}
	}

	// Age penalties, oldest bucket wins
	age := reading.Age(now)
	for _, p := range s.config.AgePenalties {
		if age > p.OlderThan {
			score -= p.Penalty
			if p.Issue != "" {
				issues = append(issues, p.Issue)
			}
			if p.Advice != "" {
				recommendations = append(recommendations, p.Advice)
			}
			break
		}
	}

	// Reported-speed plausibility, fastest bucket wins
	if reading.Speed != nil {
		for _, p := range s.config.SpeedPenalties {
			if *reading.Speed > p.AboveKmh {
				score -= p.Penalty
				issues = append(issues, p.Issue)
				break
			}
		}
	}

	// Web readings with tight accuracy earn a small bonus: browser
	// positioning that good is almost certainly GPS-backed
	if reading.Platform == geo.PlatformWeb && reading.Accuracy <= s.config.WebAccuracyBonusCeiling {
		score += s.config.WebAccuracyBonus
	}

	score = int(geo.Clamp(float64(score), 0, 100))
	grade := gradeForScore(score)

	if s.logger != nil {
		s.logger.LogDebugVerbose("quality_evaluated", map[string]interface{}{
			"score":    score,
			"grade":    string(grade),
			"accuracy": reading.Accuracy,
			"age_s":    age.Seconds(),
			"platform": string(reading.Platform),
		})
	}

	return Assessment{
		Score:           score,
		Grade:           grade,
		Issues:          issues,
		Recommendations: recommendations,
	}
}

func gradeForScore(score int) Grade {
	for _, t := range gradeThresholds {
		if score >= t.MinScore {
			return t.Grade
		}
	}
	return GradeUnusable
}
