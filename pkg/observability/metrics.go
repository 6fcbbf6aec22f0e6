// Package observability wires metrics and tracing for the service. Metrics
// are prometheus collectors on a private registry exposed at /metrics;
// tracing is an OTel tracer provider, disabled by default.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service records into.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	NodesTotal        *prometheus.CounterVec
	NodeLatency       *prometheus.HistogramVec
	TokensTotal       *prometheus.CounterVec
	QuotaRefusals     prometheus.Counter
	TasksTotal        *prometheus.CounterVec
	TaskLatency       *prometheus.HistogramVec
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPLatency       *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexhub_executions_total",
			Help: "Workflow executions by terminal status.",
		}, []string{"status"}),
		NodesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexhub_node_evaluations_total",
			Help: "Node evaluations by node kind and outcome.",
		}, []string{"kind", "status"}),
		NodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexhub_node_latency_seconds",
			Help:    "Node evaluation duration.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60},
		}, []string{"kind"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexhub_llm_tokens_total",
			Help: "LLM tokens by direction (prompt, completion).",
		}, []string{"direction"}),
		QuotaRefusals: factory.NewCounter(prometheus.CounterOpts{
			Name: "nexhub_quota_refusals_total",
			Help: "Run requests refused by quota admission.",
		}),
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexhub_automation_tasks_total",
			Help: "Automation tasks by kind and settlement (ack, retry, dead).",
		}, []string{"kind", "result"}),
		TaskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexhub_automation_task_seconds",
			Help:    "Task handler duration per queue.",
			Buckets: []float64{.05, .25, 1, 5, 30, 120, 600},
		}, []string{"queue"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexhub_http_requests_total",
			Help: "HTTP requests by method, route pattern and status class.",
		}, []string{"method", "route", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexhub_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTask records one settled task.
func (m *Metrics) ObserveTask(queue, kind, result string, took time.Duration) {
	m.TasksTotal.WithLabelValues(kind, result).Inc()
	m.TaskLatency.WithLabelValues(queue).Observe(took.Seconds())
}
