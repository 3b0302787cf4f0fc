package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/perimeterhq/perimeter/pkg/advisor"
	"github.com/perimeterhq/perimeter/pkg/anomaly"
	"github.com/perimeterhq/perimeter/pkg/fusion"
	"github.com/perimeterhq/perimeter/pkg/geo"
	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/mqtt"
	"github.com/perimeterhq/perimeter/pkg/quality"
	"github.com/perimeterhq/perimeter/pkg/trend"
)

// plausibilityFloor is the confidence below which a configured advisor gets
// a second opinion on a containment decision
const plausibilityFloor = 0.5

// qualityRequest asks for a standalone quality assessment
type qualityRequest struct {
	Reading geo.Reading `json:"reading"`
}

type qualityResponse struct {
	Assessment quality.Assessment `json:"assessment"`
	Reading    geo.Reading        `json:"reading"`
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req qualityRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := geofence.ValidateReading("reading", req.Reading); err != nil {
		s.respondValidation(w, err)
		return
	}

	assessment := s.scorer.Evaluate(req.Reading, time.Now())
	writeJSON(w, http.StatusOK, qualityResponse{Assessment: assessment, Reading: req.Reading})
}

// movementRequest asks whether a movement step is physically plausible
type movementRequest struct {
	Previous geo.Reading    `json:"previous"`
	Current  geo.Reading    `json:"current"`
	MaxSpeed *float64       `json:"maxSpeed,omitempty"` // km/h override
	Hints    *anomaly.Hints `json:"hints,omitempty"`
	Explain  bool           `json:"explain,omitempty"` // ask the advisor to explain a rejection
}

type movementResponse struct {
	Verdict     anomaly.Verdict `json:"verdict"`
	Explanation string          `json:"explanation,omitempty"`
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req movementRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	verr := &geofence.ValidationError{}
	if err := geofence.ValidateReading("previous", req.Previous); err != nil {
		s.collectValidation(verr, err)
	}
	if err := geofence.ValidateReading("current", req.Current); err != nil {
		s.collectValidation(verr, err)
	}
	if len(verr.Fields) > 0 {
		writeValidationError(w, verr)
		return
	}

	verdict := s.classifier.Classify(req.Previous, req.Current, req.MaxSpeed, req.Hints)

	resp := movementResponse{Verdict: verdict}
	if verdict.AnomalyType != nil {
		s.metrics.RejectionsTotal.WithLabelValues(string(*verdict.AnomalyType)).Inc()

		if req.Explain {
			advice := s.guard.Advise(r.Context(), advisor.Query{
				Kind:     advisor.KindExplainAnomaly,
				Verdict:  &verdict,
				Previous: &req.Previous,
				Current:  &req.Current,
			})
			resp.Explanation = advice.Explanation
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// fusionOptionsBody overrides individual fusion options. Omitted fields keep
// the configured defaults, so a bag like {"aggressiveness":"aggressive"}
// cannot silently disable the algorithms.
type fusionOptionsBody struct {
	EnableWeightedAveraging *bool         `json:"enableWeightedAveraging,omitempty"`
	EnableKalmanFilter      *bool         `json:"enableKalmanFilter,omitempty"`
	Aggressiveness          string        `json:"aggressiveness,omitempty"`
	MaxHistoryAge           time.Duration `json:"maxHistoryAge,omitempty"`
}

// fusionRequest asks for a fused position estimate
type fusionRequest struct {
	Current geo.Reading        `json:"current"`
	History []geo.Reading      `json:"history"`
	Options *fusionOptionsBody `json:"options,omitempty"`
}

func (s *Server) handleFusion(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req fusionRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	verr := &geofence.ValidationError{}
	if err := geofence.ValidateReading("current", req.Current); err != nil {
		s.collectValidation(verr, err)
	}
	if len(req.History) > geofence.MaxHistoryPerRequest {
		verr.Fields = append(verr.Fields, geofence.FieldError{
			Field:   "history",
			Message: "too many history entries",
		})
	}
	if len(verr.Fields) > 0 {
		writeValidationError(w, verr)
		return
	}

	result := s.fuser.Fuse(req.Current, req.History, s.fusionOptions(req.Options))
	s.recordFusion(result)
	writeJSON(w, http.StatusOK, result)
}

// evaluateRequest evaluates one reading against one geofence. PriorState and
// DeviceID are alternative state channels: callers either round-trip the
// state themselves or name a device and let the server keep it.
type evaluateRequest struct {
	Geofence   geofence.Definition `json:"geofence"`
	Reading    geo.Reading         `json:"reading"`
	Options    *geofence.Options   `json:"options,omitempty"`
	PriorState *geofence.State     `json:"priorState,omitempty"`
	DeviceID   string              `json:"deviceId,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req evaluateRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := geofence.ValidateEvaluation(req.Geofence, req.Reading); err != nil {
		s.respondValidation(w, err)
		return
	}

	now := time.Now()
	prior := req.PriorState
	if prior == nil && s.usesServerState(req.DeviceID) {
		stored, err := s.states.Get(req.DeviceID, req.Geofence.ID)
		if err != nil {
			s.writeInternalError(w, "state_load", err)
			return
		}
		prior = stored
	}

	result := s.engine.Evaluate(req.Geofence, req.Reading, s.geofenceOptions(req.Options), prior, now)
	if result.Confidence < plausibilityFloor && s.guard.Active() {
		advice := s.guard.Advise(r.Context(), advisor.Query{
			Kind:       advisor.KindPlausibility,
			Evaluation: &result,
			Geofence:   &req.Geofence,
			Current:    &req.Reading,
		})
		result.Confidence = advisor.ImproveConfidence(result.Confidence, advice)
	}
	s.recordEvaluation(result)

	if s.usesServerState(req.DeviceID) {
		if err := s.states.Put(req.DeviceID, req.Geofence.ID, result.UpdatedState); err != nil {
			s.writeInternalError(w, "state_store", err)
			return
		}
	}
	s.recordSideEffects(req.DeviceID, req.Reading, []geofence.EvaluationResult{result}, now)

	writeJSON(w, http.StatusOK, result)
}

// batchRequest evaluates one reading against many geofences, optionally
// fusing it with recent history first
type batchRequest struct {
	Geofences   []geofence.Definition     `json:"geofences"`
	Reading     geo.Reading               `json:"reading"`
	History     []geo.Reading             `json:"history,omitempty"`
	Options     *geofence.Options         `json:"options,omitempty"`
	Fusion      *fusionOptionsBody        `json:"fusion,omitempty"` // nil skips pre-fusion
	PriorStates map[string]geofence.State `json:"priorStates,omitempty"`
	DeviceID    string                    `json:"deviceId,omitempty"`
}

type batchResponse struct {
	geofence.BatchResult
	Fusion *fusion.Result `json:"fusion,omitempty"`
	Trend  *trend.Report  `json:"trend,omitempty"`
}

func (s *Server) handleEvaluateBatch(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req batchRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := geofence.ValidateBatch(req.Geofences, req.Reading, req.History); err != nil {
		s.respondValidation(w, err)
		return
	}

	now := time.Now()
	reading := req.Reading
	history := req.History
	if len(history) == 0 && s.readings != nil && req.DeviceID != "" {
		stored, err := s.readings.RecentReadings(req.DeviceID, geofence.MaxHistoryPerRequest)
		if err != nil {
			s.logger.Warn("history_load_failed", "device_id", req.DeviceID, "error", err.Error())
		} else {
			history = stored
		}
	}

	resp := batchResponse{}
	if req.Fusion != nil && len(history) > 0 {
		fused := s.fuser.Fuse(reading, history, s.fusionOptions(req.Fusion))
		s.recordFusion(fused)
		reading = fused.FusedLocation
		resp.Fusion = &fused
	}
	if len(history) > 0 {
		report := s.trends.Analyze(append(history, reading), now)
		resp.Trend = &report
	}

	priors := req.PriorStates
	if priors == nil && s.usesServerState(req.DeviceID) {
		stored, err := s.states.GetAll(req.DeviceID)
		if err != nil {
			s.writeInternalError(w, "state_load", err)
			return
		}
		priors = stored
	}

	result := s.engine.EvaluateBatch(req.Geofences, reading, s.geofenceOptions(req.Options), priors, now)
	for _, eval := range result.Evaluations {
		s.recordEvaluation(eval)
	}

	if s.usesServerState(req.DeviceID) {
		if err := s.states.PutAll(req.DeviceID, result.UpdatedStates); err != nil {
			s.writeInternalError(w, "state_store", err)
			return
		}
	}
	s.recordSideEffects(req.DeviceID, req.Reading, result.Evaluations, now)

	resp.BatchResult = result
	writeJSON(w, http.StatusOK, resp)
}

// radiusRequest asks the advisor for a radius suggestion for a fence
type radiusRequest struct {
	Geofence geofence.Definition `json:"geofence"`
}

func (s *Server) handleRadiusSuggestion(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}

	var req radiusRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := geofence.ValidateDefinition("geofence", req.Geofence); err != nil {
		s.respondValidation(w, err)
		return
	}

	advice := s.guard.Advise(r.Context(), advisor.Query{
		Kind:     advisor.KindSuggestRadius,
		Geofence: &req.Geofence,
	})
	writeJSON(w, http.StatusOK, advice)
}

// respondValidation writes 400 for validation errors, 500 for anything else
func (s *Server) respondValidation(w http.ResponseWriter, err error) {
	var verr *geofence.ValidationError
	if errors.As(err, &verr) {
		writeValidationError(w, verr)
		return
	}
	s.writeInternalError(w, "validate", err)
}

// collectValidation merges one validation error into an accumulator
func (s *Server) collectValidation(into *geofence.ValidationError, err error) {
	var verr *geofence.ValidationError
	if errors.As(err, &verr) {
		into.Fields = append(into.Fields, verr.Fields...)
	}
}

// usesServerState reports whether server-side state should apply to a request
func (s *Server) usesServerState(deviceID string) bool {
	return deviceID != "" && s.cfg.StatePersistence && s.states != nil
}

// geofenceOptions resolves request options against configured defaults
func (s *Server) geofenceOptions(reqOpts *geofence.Options) geofence.Options {
	opts := geofence.DefaultOptions()
	if s.cfg.Engine.BufferStrategy != "" {
		opts.BufferStrategy = geofence.BufferStrategy(s.cfg.Engine.BufferStrategy)
	}
	if s.cfg.Engine.ExitPolicy != "" {
		opts.ExitPolicy = geofence.ExitPolicy(s.cfg.Engine.ExitPolicy)
	}
	if reqOpts == nil {
		return opts
	}
	if reqOpts.BufferStrategy != "" {
		opts.BufferStrategy = reqOpts.BufferStrategy
	}
	if reqOpts.ExitPolicy != "" {
		opts.ExitPolicy = reqOpts.ExitPolicy
	}
	opts.RequireHighAccuracy = reqOpts.RequireHighAccuracy
	return opts
}

// fusionOptions resolves request fusion options against configured defaults,
// field by field
func (s *Server) fusionOptions(reqOpts *fusionOptionsBody) fusion.Options {
	opts := fusion.DefaultOptions()
	if s.cfg.Engine.Aggressiveness != "" {
		opts.Aggressiveness = fusion.Aggressiveness(s.cfg.Engine.Aggressiveness)
	}
	if reqOpts == nil {
		return opts
	}
	if reqOpts.EnableWeightedAveraging != nil {
		opts.EnableWeightedAveraging = *reqOpts.EnableWeightedAveraging
	}
	if reqOpts.EnableKalmanFilter != nil {
		opts.EnableKalmanFilter = *reqOpts.EnableKalmanFilter
	}
	if reqOpts.Aggressiveness != "" {
		opts.Aggressiveness = fusion.Aggressiveness(reqOpts.Aggressiveness)
	}
	if reqOpts.MaxHistoryAge > 0 {
		opts.MaxHistoryAge = reqOpts.MaxHistoryAge
	}
	return opts
}

// recordEvaluation updates the evaluation metrics
func (s *Server) recordEvaluation(result geofence.EvaluationResult) {
	s.metrics.EvaluationsTotal.WithLabelValues(string(result.Status)).Inc()
	s.metrics.EvaluationConfidence.Observe(result.Confidence)
	if result.Triggered != geofence.TriggerNone {
		s.metrics.TriggersTotal.WithLabelValues(string(result.Triggered)).Inc()
	}
}

// recordFusion updates the fusion metrics
func (s *Server) recordFusion(result fusion.Result) {
	s.metrics.FusionGain.Observe(result.ConfidenceImprovement)
	for _, correction := range result.AppliedCorrections {
		s.metrics.CorrectionsTotal.WithLabelValues(correction).Inc()
	}
}

// recordSideEffects persists readings, audit rows and trigger events for a
// named device. All best-effort; failures are logged, never surfaced.
func (s *Server) recordSideEffects(deviceID string, reading geo.Reading, evals []geofence.EvaluationResult, now time.Time) {
	if deviceID == "" {
		return
	}

	if s.readings != nil {
		if err := s.readings.AppendReading(deviceID, reading); err != nil {
			s.logger.Warn("reading_append_failed", "device_id", deviceID, "error", err.Error())
		}
		for _, eval := range evals {
			if err := s.readings.RecordEvaluation(deviceID, eval); err != nil {
				s.logger.Warn("evaluation_record_failed", "device_id", deviceID, "error", err.Error())
			}
		}
	}

	if s.publisher != nil && s.publisher.IsConnected() {
		for _, eval := range evals {
			if eval.Triggered == geofence.TriggerNone {
				continue
			}
			event := mqtt.TriggerEvent{
				DeviceID:   deviceID,
				GeofenceID: eval.GeofenceID,
				Trigger:    eval.Triggered,
				Status:     eval.Status,
				Confidence: eval.Confidence,
				Distance:   eval.Distance,
				OccurredAt: now,
			}
			if err := s.publisher.PublishTrigger(event); err != nil {
				s.logger.Warn("trigger_publish_failed", "geofence_id", eval.GeofenceID, "error", err.Error())
			}
		}
	}
}
