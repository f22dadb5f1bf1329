package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
)

var (
	evidenceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	evidenceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidence_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	evidenceSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_submissions_total",
		Help: "Total submissions by terminal state.",
	}, []string{"state"})

	evidenceSubmissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidence_submission_duration_seconds",
		Help:    "Submission duration from verification to terminal state.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"state"})

	evidenceLedgerAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_ledger_attempts_total",
		Help: "Ledger submission attempts by outcome.",
	}, []string{"outcome"})

	evidenceOrphansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_orphaned_receipts_total",
		Help: "Orphaned ledger receipts by event (recorded, resolved).",
	}, []string{"event"})

	evidenceFeedEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_feed_events_total",
		Help: "Change-feed insert events published by record kind.",
	}, []string{"kind"})

	evidenceFeedLaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_feed_lagged_subscribers_total",
		Help: "Subscribers dropped for falling behind, by record kind.",
	}, []string{"kind"})

	evidenceFeedSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evidence_feed_subscribers",
		Help: "Active change-feed subscribers by record kind.",
	}, []string{"kind"})

	evidenceSinkDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_sink_deliveries_total",
		Help: "Change-feed sink deliveries by sink and status.",
	}, []string{"sink", "status"})

	evidenceRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_rate_limited_total",
		Help: "Requests rejected with 429 by limiter scope (api, submit).",
	}, []string{"scope"})

	evidenceHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_health_checks_total",
		Help: "Total dependency health probes by dependency and result.",
	}, []string{"dependency", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		evidenceRequestsTotal.WithLabelValues(method, path, status).Inc()
		evidenceRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHealthCheck records a dependency probe result.
func RecordHealthCheck(dependency string, success bool) {
	evidenceHealthChecksTotal.WithLabelValues(dependency, result(success)).Inc()
}

// PipelineMetrics feeds coordinator, reconciler and notifier events into
// Prometheus.
type PipelineMetrics struct{}

// NewPipelineMetrics returns a PipelineMetrics.
func NewPipelineMetrics() *PipelineMetrics { return &PipelineMetrics{} }

func (PipelineMetrics) SubmissionFinished(state service.State, elapsed time.Duration) {
	evidenceSubmissionsTotal.WithLabelValues(string(state)).Inc()
	evidenceSubmissionDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

func (PipelineMetrics) LedgerAttempt(outcome string) {
	evidenceLedgerAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (PipelineMetrics) OrphanRecorded() { evidenceOrphansTotal.WithLabelValues("recorded").Inc() }

func (PipelineMetrics) OrphanResolved() { evidenceOrphansTotal.WithLabelValues("resolved").Inc() }

func (PipelineMetrics) EventPublished(kind model.Kind) {
	evidenceFeedEventsTotal.WithLabelValues(string(kind)).Inc()
}

func (PipelineMetrics) SubscriberLagged(kind model.Kind) {
	evidenceFeedLaggedTotal.WithLabelValues(string(kind)).Inc()
}

func (PipelineMetrics) SubscribersChanged(kind model.Kind, n int) {
	evidenceFeedSubscribers.WithLabelValues(string(kind)).Set(float64(n))
}

func (PipelineMetrics) SinkDelivered(sink string, err error) {
	evidenceSinkDeliveriesTotal.WithLabelValues(sink, result(err == nil)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
