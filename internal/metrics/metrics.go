// Package metrics provides Prometheus metrics collection for the
// prediction platform: serving throughput and latency, ensemble
// degradations, drift evaluations and training pipeline outcomes, all
// exposed on the Prometheus endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the platform.
type Metrics struct {
	// Serving metrics
	PredictionsTotal     prometheus.Counter   // Total number of predictions served
	PredictionFailures   prometheus.Counter   // Total number of failed prediction requests
	PredictionLatency    prometheus.Histogram // End-to-end prediction latency in seconds
	PredictionConfidence prometheus.Histogram // Distribution of ensemble confidence scores
	DegradedResponses    prometheus.Counter   // Predictions served with at least one member excluded
	GlobalFallbacks      prometheus.Counter   // Predictions served by the global ensemble for a segmented key
	BlockedRequests      prometheus.Counter   // Requests rejected by the drift gate
	MemberExclusions     prometheus.Counter   // Ensemble members excluded at request time

	// Drift metrics
	DriftEvaluations prometheus.Counter // Total number of drift evaluations run
	DriftStatus      prometheus.Gauge   // Worst current drift tier: 0 ok, 1 warning, 2 critical

	// Training and registry metrics
	TrainingRuns     prometheus.Counter   // Total number of training pipeline runs
	TrainingDuration prometheus.Histogram // Wall time of one target's training run in seconds
	PublishesTotal   prometheus.Counter   // Artifacts published to the registry
	RollbacksTotal   prometheus.Counter   // Registry rollbacks performed

	// Explainability metrics
	ExplainRequests prometheus.Counter // Total number of explanation requests served

	// Feed metrics
	FeedClients prometheus.Gauge // Currently connected drift feed subscribers

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for
// testing). This allows for isolated metric collection in tests without
// affecting the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		PredictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "predictions_total",
			Help: "Total number of predictions served",
		}),
		PredictionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_failures_total",
			Help: "Total number of failed prediction requests",
		}),
		PredictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_latency_seconds",
			Help:    "End-to-end prediction latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		PredictionConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "prediction_confidence",
			Help:    "Distribution of ensemble confidence scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		DegradedResponses: factory.NewCounter(prometheus.CounterOpts{
			Name: "degraded_responses_total",
			Help: "Predictions served with at least one ensemble member excluded",
		}),
		GlobalFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "global_fallbacks_total",
			Help: "Predictions served by the global ensemble because the segment has no specialist",
		}),
		BlockedRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "blocked_requests_total",
			Help: "Requests rejected while the drift gate is closed",
		}),
		MemberExclusions: factory.NewCounter(prometheus.CounterOpts{
			Name: "member_exclusions_total",
			Help: "Ensemble members excluded at request time",
		}),
		DriftEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "drift_evaluations_total",
			Help: "Total number of drift evaluations run",
		}),
		DriftStatus: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drift_status",
			Help: "Worst current drift tier: 0 ok, 1 warning, 2 critical",
		}),
		TrainingRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "training_runs_total",
			Help: "Total number of training pipeline runs",
		}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "training_duration_seconds",
			Help:    "Wall time of one target's training run in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		PublishesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "publishes_total",
			Help: "Artifacts published to the registry",
		}),
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "Registry rollbacks performed",
		}),
		ExplainRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "explain_requests_total",
			Help: "Total number of explanation requests served",
		}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feed_clients",
			Help: "Currently connected drift feed subscribers",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
	}
}

// SetDriftStatus maps a drift tier string onto the status gauge.
func (m *Metrics) SetDriftStatus(status string) {
	switch status {
	case "critical":
		m.DriftStatus.Set(2)
	case "warning":
		m.DriftStatus.Set(1)
	default:
		m.DriftStatus.Set(0)
	}
}
