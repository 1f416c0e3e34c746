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

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_transitions_total", Help: "Session state transitions"},
		[]string{"status"},
	)
	SessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "session_reconnects_total", Help: "Automatic reconnects after unexpected drops"},
	)

	BroadcastsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_runs_started_total", Help: "Broadcast runs started"},
	)
	BroadcastsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_runs_completed_total", Help: "Broadcast runs completed"},
	)
	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_messages_sent_total", Help: "Messages accepted by the network"},
	)
	MessagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "broadcast_messages_failed_total", Help: "Messages rejected or errored"},
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_send_duration_seconds",
			Help:    "Time spent delivering a single message",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduler ticks"},
		[]string{"kind"},
	)
	CampaignsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_campaigns_dispatched_total", Help: "Campaign occurrences handed to the dispatcher"},
		[]string{"kind"},
	)
	ConfigWarnings = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_config_warnings", Help: "Standing campaign configuration warnings"},
	)

	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Broadcast commands consumed"},
	)
	WorkerJobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_job_retries_total", Help: "Retries performed"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		SessionTransitions, SessionReconnects,
		BroadcastsStarted, BroadcastsCompleted, MessagesSent, MessagesFailed, SendDuration,
		SchedulerTicks, CampaignsDispatched, ConfigWarnings,
		WorkerJobsConsumed, WorkerJobRetries,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
