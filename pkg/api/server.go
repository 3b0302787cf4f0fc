// Package api exposes the location-processing pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/perimeterhq/perimeter/pkg/advisor"
	"github.com/perimeterhq/perimeter/pkg/anomaly"
	"github.com/perimeterhq/perimeter/pkg/config"
	"github.com/perimeterhq/perimeter/pkg/fusion"
	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/history"
	"github.com/perimeterhq/perimeter/pkg/logx"
	"github.com/perimeterhq/perimeter/pkg/metrics"
	"github.com/perimeterhq/perimeter/pkg/mqtt"
	"github.com/perimeterhq/perimeter/pkg/quality"
	"github.com/perimeterhq/perimeter/pkg/store"
	"github.com/perimeterhq/perimeter/pkg/trend"
)

// Server is the perimeter HTTP API server
type Server struct {
	cfg        *config.Config
	logger     *logx.Logger
	metrics    *metrics.Metrics
	scorer     *quality.Scorer
	classifier *anomaly.Classifier
	fuser      *fusion.Engine
	engine     *geofence.Engine
	trends     *trend.Analyzer
	guard      *advisor.Guard

	// Optional collaborators; nil disables the feature
	states    *store.StateStore
	readings  *history.Store
	publisher *mqtt.Client

	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires the pipeline components behind the HTTP surface
func NewServer(cfg *config.Config, logger *logx.Logger, m *metrics.Metrics, guard *advisor.Guard,
	states *store.StateStore, readings *history.Store, publisher *mqtt.Client,
) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logx.NewLogger(cfg.LogLevel, "api")
	}
	if m == nil {
		m = metrics.New()
	}
	if guard == nil {
		guard = advisor.NewGuard(nil, 0, logger, nil)
	}

	scorer := quality.NewScorer(nil, logger)
	return &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		scorer:     scorer,
		classifier: anomaly.NewClassifier(logger),
		fuser:      fusion.NewEngine(logger),
		engine:     geofence.NewEngine(scorer, logger),
		trends:     trend.NewAnalyzer(logger),
		guard:      guard,
		states:     states,
		readings:   readings,
		publisher:  publisher,
		startTime:  time.Now(),
	}
}

// Handler builds the routed HTTP handler for the API surface
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/quality", s.instrumented("quality", s.authMiddleware(s.handleQuality)))
	mux.HandleFunc("/api/v1/movement", s.instrumented("movement", s.authMiddleware(s.handleMovement)))
	mux.HandleFunc("/api/v1/fusion", s.instrumented("fusion", s.authMiddleware(s.handleFusion)))
	mux.HandleFunc("/api/v1/geofence/evaluate", s.instrumented("evaluate", s.authMiddleware(s.handleEvaluate)))
	mux.HandleFunc("/api/v1/geofence/evaluate-batch", s.instrumented("evaluate_batch", s.authMiddleware(s.handleEvaluateBatch)))
	mux.HandleFunc("/api/v1/advisor/radius", s.instrumented("advisor_radius", s.authMiddleware(s.handleRadiusSuggestion)))
	mux.HandleFunc("/api/v1/strategies", s.instrumented("strategies", s.authMiddleware(s.handleStrategies)))

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	return mux
}

// Start starts the HTTP listener. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware handles optional key authentication. With no key configured
// anonymous access is allowed.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authKey := r.Header.Get("X-API-Key")
		if authKey == "" {
			authKey = r.URL.Query().Get("auth")
		}

		if authKey != s.cfg.Server.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	}
}

// instrumented records request latency per endpoint
func (s *Server) instrumented(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// handleHealth reports liveness and collaborator status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "ok",
		"uptime_s":  int64(time.Since(s.startTime).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.publisher != nil {
		health["mqtt_connected"] = s.publisher.IsConnected()
	}
	writeJSON(w, http.StatusOK, health)
}

// errorBody is the JSON error envelope
type errorBody struct {
	Error  string                `json:"error"`
	Fields []geofence.FieldError `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf("%s: %s", code, message)})
}

// writeValidationError returns the itemized per-field violation list
func writeValidationError(w http.ResponseWriter, verr *geofence.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorBody{
		Error:  "validation_failed",
		Fields: verr.Fields,
	})
}

// writeInternalError logs detail for operators and hides it from the caller
func (s *Server) writeInternalError(w http.ResponseWriter, operation string, err error) {
	s.logger.Error("internal error", "operation", operation, "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal_error", "the request could not be processed")
}

// decodeStrict decodes a JSON request body, rejecting unknown fields
func decodeStrict(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// requirePost guards mutation endpoints
func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return false
	}
	return true
}
