package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Broker metrics
	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by type",
		},
		[]string{"type"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_tasks_completed_total",
			Help: "Total number of completed tasks by type",
		},
		[]string{"type"},
	)

	TasksFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_tasks_failed_total",
			Help: "Total number of failed tasks by type",
		},
		[]string{"type"},
	)

	// Orchestrator metrics
	PipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corral_pipeline_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "step"},
	)

	// Gateway metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_proxy_requests_total",
			Help: "Total number of proxied tenant requests by status",
		},
		[]string{"status"},
	)

	AutoStartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corral_auto_starts_total",
			Help: "Total number of suspended tenants resumed on demand",
		},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_webhooks_total",
			Help: "Total number of tenant webhooks by outcome",
		},
		[]string{"outcome"},
	)

	// Agent metrics
	AgentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corral_agent_runs_total",
			Help: "Total number of agent dispatches by role and outcome",
		},
		[]string{"role", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(PipelineStepDuration)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(AutoStartsTotal)
	prometheus.MustRegister(WebhooksTotal)
	prometheus.MustRegister(AgentRunsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
