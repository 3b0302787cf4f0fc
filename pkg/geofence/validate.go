package geofence

import (
	"fmt"
	"math"
	"strings"

	"github.com/perimeterhq/perimeter/pkg/geo"
)

// Request limits. A request that exceeds either fails validation outright.
const (
	MaxGeofencesPerRequest = 20
	MaxHistoryPerRequest   = 10

	MinRadiusMeters = 10
	MaxRadiusMeters = 10000
)

// FieldError describes one violated constraint
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the itemized list of violated constraints.
// Validation never partially applies: any invalid field fails the whole
// request and no computation is performed.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// add records a violation
func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// orNil returns the error only when violations were recorded
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ValidateReading checks one reading. prefix namespaces the field names when
// the reading is nested in a larger request.
func ValidateReading(prefix string, r geo.Reading) error {
	verr := &ValidationError{}
	validateReadingInto(verr, prefix, r)
	return verr.orNil()
}

func validateReadingInto(verr *ValidationError, prefix string, r geo.Reading) {
	name := func(field string) string {
		if prefix == "" {
			return field
		}
		return prefix + "." + field
	}

	if math.IsNaN(r.Latitude) || r.Latitude < -90 || r.Latitude > 90 {
		verr.add(name("latitude"), "must be between -90 and 90, got %v", r.Latitude)
	}
	if math.IsNaN(r.Longitude) || r.Longitude < -180 || r.Longitude > 180 {
		verr.add(name("longitude"), "must be between -180 and 180, got %v", r.Longitude)
	}
	if math.IsNaN(r.Accuracy) || r.Accuracy < 0 {
		verr.add(name("accuracy"), "must be a non-negative number of meters, got %v", r.Accuracy)
	}
	if r.Timestamp <= 0 {
		verr.add(name("timestamp"), "must be a positive epoch-millisecond value, got %d", r.Timestamp)
	}
}

// ValidateDefinition checks one geofence definition
func ValidateDefinition(prefix string, def Definition) error {
	verr := &ValidationError{}
	validateDefinitionInto(verr, prefix, def)
	return verr.orNil()
}

func validateDefinitionInto(verr *ValidationError, prefix string, def Definition) {
	name := func(field string) string {
		if prefix == "" {
			return field
		}
		return prefix + "." + field
	}

	if def.ID == "" {
		verr.add(name("id"), "must not be empty")
	}
	if math.IsNaN(def.Latitude) || def.Latitude < -90 || def.Latitude > 90 {
		verr.add(name("latitude"), "must be between -90 and 90, got %v", def.Latitude)
	}
	if math.IsNaN(def.Longitude) || def.Longitude < -180 || def.Longitude > 180 {
		verr.add(name("longitude"), "must be between -180 and 180, got %v", def.Longitude)
	}
	if math.IsNaN(def.Radius) || def.Radius < MinRadiusMeters || def.Radius > MaxRadiusMeters {
		verr.add(name("radius"), "must be between %d and %d meters, got %v", MinRadiusMeters, MaxRadiusMeters, def.Radius)
	}
	if def.MinDwellTime < 0 {
		verr.add(name("minDwellTime"), "must not be negative, got %v", def.MinDwellTime)
	}
	if def.ExitGracePeriod < 0 {
		verr.add(name("exitGracePeriod"), "must not be negative, got %v", def.ExitGracePeriod)
	}
}

// ValidateEvaluation checks a single-fence evaluation request
func ValidateEvaluation(def Definition, reading geo.Reading) error {
	verr := &ValidationError{}
	validateDefinitionInto(verr, "geofence", def)
	validateReadingInto(verr, "reading", reading)
	return verr.orNil()
}

// ValidateBatch checks a batch evaluation request, including the request
// size limits
func ValidateBatch(defs []Definition, reading geo.Reading, history []geo.Reading) error {
	verr := &ValidationError{}

	validateReadingInto(verr, "reading", reading)

	if len(defs) == 0 {
		verr.add("geofences", "must contain at least one geofence")
	}
	if len(defs) > MaxGeofencesPerRequest {
		verr.add("geofences", "must contain at most %d geofences, got %d", MaxGeofencesPerRequest, len(defs))
	}
	if len(history) > MaxHistoryPerRequest {
		verr.add("history", "must contain at most %d entries, got %d", MaxHistoryPerRequest, len(history))
	}

	for i, def := range defs {
		if i >= MaxGeofencesPerRequest {
			break
		}
		validateDefinitionInto(verr, fmt.Sprintf("geofences[%d]", i), def)
	}
	for i, h := range history {
		if i >= MaxHistoryPerRequest {
			break
		}
		validateReadingInto(verr, fmt.Sprintf("history[%d]", i), h)
	}

	return verr.orNil()
}
