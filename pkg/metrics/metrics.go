package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaign_jobs_enqueued_total", Help: "Campaign runs queued"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaign_runs_total", Help: "Campaign runs by final state"},
		[]string{"state"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_run_duration_seconds",
			Help:    "Wall time of a campaign run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	RecipientsValidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "recipients_validated_total", Help: "Validated recipients by result"},
		[]string{"result"},
	)
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "validation_cache_lookups_total", Help: "Validation cache lookups"},
		[]string{"cache", "result"},
	)

	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "emails_sent_total", Help: "Emails accepted by the provider"},
	)
	EmailSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "email_send_failures_total", Help: "Emails not accepted by the provider"},
	)
	EmailSendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "email_send_retries_total", Help: "Send retries after rate-exceeded"},
	)

	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Deliveries taken off the broker"},
	)
	WorkerJobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_retries_total", Help: "Runs republished for another attempt"},
	)
	WorkerProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_process_duration_seconds",
			Help:    "Time spent on one delivery",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, JobsEnqueuedTotal,
		RunsTotal, RunDuration,
		RecipientsValidated, CacheLookups,
		EmailsSent, EmailSendFailures, EmailSendRetries,
		WorkerJobsConsumed, WorkerJobRetries, WorkerProcessDuration,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
