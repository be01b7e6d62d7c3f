// Package metrics provides Prometheus metrics for the healing pipeline, its
// learning store, the suggestion client and the job queue.
package metrics

import (
	"time"

	"github.com/nadmax/cihealer/internal/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HealAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_heal_attempts_total",
			Help: "Total number of healing attempts by error type, selection path and outcome",
		},
		[]string{"error_type", "path", "outcome"},
	)
	HealDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cihealer_heal_duration_seconds",
			Help:    "Time from classification to recorded outcome",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"path"},
	)
	SuggestionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_suggestion_requests_total",
			Help: "Total number of requests sent to the suggestion service",
		},
		[]string{"endpoint", "result"},
	)
	SuggestionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cihealer_suggestion_request_duration_seconds",
			Help:    "Suggestion service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_store_errors_total",
			Help: "Total number of failed learning store operations",
		},
		[]string{"op"},
	)
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type", "priority"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		},
		[]string{"type"},
	)
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_jobs_failed_total",
			Help: "Total number of jobs that failed",
		},
		[]string{"type"},
	)
	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_jobs_retried_total",
			Help: "Total number of job retries",
		},
		[]string{"type"},
	)
	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
		[]string{"type"},
	)
	JobsInQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cihealer_jobs_in_queue",
			Help: "Current number of jobs by status",
		},
		[]string{"status", "type"},
	)
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cihealer_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type", "status"},
	)
	JobWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cihealer_job_wait_time_seconds",
			Help:    "Time jobs spend waiting in queue before execution",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"type", "priority"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cihealer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cihealer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cihealer_queue_depth",
			Help: "Current depth of the job queue",
		},
	)
	DeadLetterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cihealer_dead_letter_queue_depth",
			Help: "Current depth of the dead letter queue",
		},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cihealer_workers_active",
			Help: "Number of currently active workers",
		},
	)
)

func RecordHealAttempt(errorType, path, outcome string, duration time.Duration) {
	HealAttempts.WithLabelValues(errorType, path, outcome).Inc()
	HealDuration.WithLabelValues(path).Observe(duration.Seconds())
}

func RecordSuggestionRequest(endpoint, result string, duration time.Duration) {
	SuggestionRequests.WithLabelValues(endpoint, result).Inc()
	SuggestionLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}

func RecordJobEnqueued(jobType string, priority job.Priority) {
	JobsEnqueued.WithLabelValues(jobType, priority.String()).Inc()
}

func RecordJobCompleted(jobType string, duration time.Duration) {
	JobsCompleted.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "completed").Observe(duration.Seconds())
}

func RecordJobFailed(jobType string, duration time.Duration) {
	JobsFailed.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType, "failed").Observe(duration.Seconds())
}

func RecordJobRetried(jobType string) {
	JobsRetried.WithLabelValues(jobType).Inc()
}

func RecordJobDeadLettered(jobType string) {
	JobsDeadLettered.WithLabelValues(jobType).Inc()
}

func RecordJobWaitTime(jobType string, priority job.Priority, waitTime time.Duration) {
	JobWaitTime.WithLabelValues(jobType, priority.String()).Observe(waitTime.Seconds())
}

func UpdateJobGauges(jobsByStatus map[job.Status]map[string]int) {
	JobsInQueue.Reset()
	for status, typeMap := range jobsByStatus {
		for jobType, count := range typeMap {
			JobsInQueue.WithLabelValues(string(status), jobType).Set(float64(count))
		}
	}
}

func UpdateQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

func UpdateDeadLetterQueueDepth(depth int) {
	DeadLetterQueueDepth.Set(float64(depth))
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
