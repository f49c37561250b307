// Package telemetry defines the Prometheus metrics for the admission and
// orchestration core.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askpage_admission_outcomes_total",
			Help: "Admission decisions, labeled by outcome (ready/processing/not_started/error).",
		},
		[]string{"outcome"},
	)

	jobsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askpage_jobs_terminal_total",
			Help: "Jobs reaching a terminal state, labeled by status.",
		},
		[]string{"status"},
	)

	pipelineStageSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askpage_pipeline_stage_seconds",
			Help:    "Duration of pipeline stages, labeled by stage and result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage", "result"},
	)

	breakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askpage_breaker_transitions_total",
			Help: "Circuit breaker state transitions, labeled by breaker and new state.",
		},
		[]string{"breaker", "state"},
	)

	rateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askpage_ratelimit_rejections_total",
			Help: "Requests rejected by the rate limiter, labeled by endpoint class.",
		},
		[]string{"class"},
	)

	invariantViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "askpage_invariant_violations_total",
			Help: "Detected accounting invariant violations (e.g. quota underflow).",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askpage_http_requests_total",
			Help: "HTTP requests, labeled by method and status code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askpage_http_request_duration_seconds",
			Help:    "HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// ObserveAdmission records one admission decision.
func ObserveAdmission(outcome string) {
	admissionOutcomesTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobTerminal records a job reaching a terminal status.
func ObserveJobTerminal(status string) {
	jobsTerminalTotal.WithLabelValues(status).Inc()
}

// ObservePipelineStage records one pipeline stage execution.
func ObservePipelineStage(stage string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pipelineStageSeconds.WithLabelValues(stage, result).Observe(d.Seconds())
}

// ObserveBreakerTransition records a circuit breaker state change.
func ObserveBreakerTransition(breaker, state string) {
	breakerTransitionsTotal.WithLabelValues(breaker, state).Inc()
}

// ObserveRateLimitRejection records a rejected request.
func ObserveRateLimitRejection(class string) {
	rateLimitRejectionsTotal.WithLabelValues(class).Inc()
}

// ObserveInvariantViolation records detected accounting corruption.
func ObserveInvariantViolation() {
	invariantViolationsTotal.Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, codeLabel(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

func codeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
