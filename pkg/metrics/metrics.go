package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the submission pipeline
var (
	SubmissionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_submissions_created_total",
			Help: "Total number of submissions durably created",
		},
	)

	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_analyses_total",
			Help: "Analysis runs by final outcome",
		},
		[]string{"outcome"},
	)

	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_analysis_duration_seconds",
			Help:    "Wall-clock duration of a full analysis run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
		},
	)

	ToolRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_tool_runs_total",
			Help: "Static-analysis invocations by outcome",
		},
		[]string{"outcome"},
	)

	ScoringRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_scoring_requests_total",
			Help: "Scoring endpoint calls by outcome",
		},
		[]string{"outcome"},
	)

	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_payments_total",
			Help: "Payment-completed events by result (applied, replayed, ignored)",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SubmissionsCreatedTotal,
			AnalysesTotal,
			AnalysisDuration,
			ToolRunsTotal,
			ScoringRequestsTotal,
			PaymentsTotal,
			HTTPRequestsTotal,
			HTTPRequestDuration,
		)
	})
}
