// Package metrics exposes Prometheus collectors for the scheduler, the
// dispatch pool, the webhook queue and the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Dispatch pool metrics
	dispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_dispatch_requests_total",
			Help: "Outbound provider requests by outcome",
		},
		[]string{"outcome"},
	)

	dispatchActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainflow_dispatch_active_requests",
			Help: "Provider requests currently holding a slot",
		},
	)

	dispatchPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainflow_dispatch_pending_requests",
			Help: "Provider requests waiting for a slot",
		},
	)

	dispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainflow_dispatch_latency_seconds",
			Help:    "Latency of successful provider requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Scheduler metrics
	schedulerTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_scheduler_ticks_total",
			Help: "Scheduler ticks by result (run or skipped)",
		},
		[]string{"result"},
	)

	stepOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_step_outcomes_total",
			Help: "Processed due runs by outcome",
		},
		[]string{"outcome"},
	)

	runsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainflow_runs_started_total",
			Help: "Chain runs created",
		},
	)

	runsCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_runs_cancelled_total",
			Help: "Chain runs cancelled by reason",
		},
		[]string{"reason"},
	)

	// Webhook queue metrics
	webhookIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_webhook_ingested_total",
			Help: "Inbound webhook jobs accepted per source",
		},
		[]string{"source"},
	)

	webhookJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainflow_webhook_jobs_total",
			Help: "Processed webhook jobs by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint string, statusCode int, durationSeconds float64) {
	status := strconv.Itoa(statusCode/100) + "xx"
	if statusCode < 100 {
		status = "unknown"
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordDispatch records a finished or rejected provider request. outcome
// is one of success, failed or saturated.
func RecordDispatch(outcome string, latencySeconds float64) {
	dispatchRequestsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		dispatchLatency.Observe(latencySeconds)
	}
}

// SetDispatchLoad mirrors the pool's active and pending counters.
func SetDispatchLoad(active, pending int64) {
	dispatchActive.Set(float64(active))
	dispatchPending.Set(float64(pending))
}

// RecordTick counts a scheduler tick; skipped ticks overlapped a running one.
func RecordTick(skipped bool) {
	if skipped {
		schedulerTicksTotal.WithLabelValues("skipped").Inc()
		return
	}
	schedulerTicksTotal.WithLabelValues("run").Inc()
}

// RecordStepOutcome counts what happened to one due run.
func RecordStepOutcome(outcome string) {
	stepOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordRunStarted counts a new run.
func RecordRunStarted() {
	runsStartedTotal.Inc()
}

// RecordRunCancelled counts cancelled runs.
func RecordRunCancelled(reason string, n int) {
	runsCancelledTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordWebhookIngested counts an accepted inbound job.
func RecordWebhookIngested(source string) {
	webhookIngestedTotal.WithLabelValues(source).Inc()
}

// RecordWebhookJob counts a processed job: done, retried or dead.
func RecordWebhookJob(outcome string) {
	webhookJobsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
