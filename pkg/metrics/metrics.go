// Package metrics exposes prometheus instrumentation for the evaluation
// pipeline and the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the perimeter collectors behind one registry
type Metrics struct {
	registry *prometheus.Registry

	EvaluationsTotal     *prometheus.CounterVec
	TriggersTotal        *prometheus.CounterVec
	RejectionsTotal      *prometheus.CounterVec
	CorrectionsTotal     *prometheus.CounterVec
	AdvisoryFailures     prometheus.Counter
	EvaluationConfidence prometheus.Histogram
	FusionGain           prometheus.Histogram
	RequestDuration      *prometheus.HistogramVec
}

// New creates and registers all perimeter collectors
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "evaluations_total",
			Help:      "Geofence evaluations by resulting status.",
		}, []string{"status"}),
		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "triggers_total",
			Help:      "Entry and exit triggers fired.",
		}, []string{"trigger"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "movement_rejections_total",
			Help:      "Movement steps rejected by anomaly type.",
		}, []string{"anomaly_type"}),
		CorrectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "fusion_corrections_total",
			Help:      "Fusion corrections applied by algorithm.",
		}, []string{"correction"}),
		AdvisoryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "perimeter",
			Name:      "advisory_failures_total",
			Help:      "Advisory calls that failed or timed out and fell back.",
		}),
		EvaluationConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "perimeter",
			Name:      "evaluation_confidence",
			Help:      "Distribution of evaluation confidence values.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		FusionGain: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "perimeter",
			Name:      "fusion_confidence_gain",
			Help:      "Distribution of fusion confidence improvements.",
			Buckets:   prometheus.LinearBuckets(0, 0.05, 7),
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "perimeter",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by endpoint.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	registry.MustRegister(
		m.EvaluationsTotal,
		m.TriggersTotal,
		m.RejectionsTotal,
		m.CorrectionsTotal,
		m.AdvisoryFailures,
		m.EvaluationConfidence,
		m.FusionGain,
		m.RequestDuration,
	)

	return m
}

// Handler returns the /metrics HTTP handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
