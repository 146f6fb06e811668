// Package metrics provides Prometheus metrics for the coordination engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	MessagesTotal       *prometheus.CounterVec
	RoleExecutionsTotal *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	GenerationFailures  *prometheus.CounterVec
	DeliveriesTotal     *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ProjectTransitions  *prometheus.CounterVec
	TokensCharged       prometheus.Counter
	HTTPRequestsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_messages_total",
				Help: "Persisted messages by kind.",
			},
			[]string{"kind"},
		),
		RoleExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_role_executions_total",
				Help: "Agent episodes by role and result.",
			},
			[]string{"role", "result"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentcrew_role_execution_duration_seconds",
				Help:    "Agent episode duration by role.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		GenerationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_generation_failures_total",
				Help: "Response generation failures by role.",
			},
			[]string{"role"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_event_deliveries_total",
				Help: "Event deliveries to connections by result.",
			},
			[]string{"result"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentcrew_connections_active",
				Help: "Open realtime connections.",
			},
		),
		ProjectTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_project_transitions_total",
				Help: "Project status transitions by target status.",
			},
			[]string{"status"},
		),
		TokensCharged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentcrew_tokens_charged_total",
				Help: "Tokens charged to project budgets.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentcrew_http_requests_total",
				Help: "Control API requests by method and status.",
			},
			[]string{"method", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.MessagesTotal)
	reg.MustRegister(m.RoleExecutionsTotal)
	reg.MustRegister(m.ExecutionDuration)
	reg.MustRegister(m.GenerationFailures)
	reg.MustRegister(m.DeliveriesTotal)
	reg.MustRegister(m.ConnectionsActive)
	reg.MustRegister(m.ProjectTransitions)
	reg.MustRegister(m.TokensCharged)
	reg.MustRegister(m.HTTPRequestsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterQueueDepth exposes fn as the scheduler queue depth gauge.
func (m *Metrics) RegisterQueueDepth(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "agentcrew_scheduler_pending_jobs",
			Help: "Scheduled jobs that have not started yet.",
		},
		fn,
	))
}

// RecordMessage counts a persisted message.
func (m *Metrics) RecordMessage(kind string) {
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

// RecordExecution counts an agent episode and observes its duration.
func (m *Metrics) RecordExecution(role, result string, seconds float64) {
	m.RoleExecutionsTotal.WithLabelValues(role, result).Inc()
	m.ExecutionDuration.WithLabelValues(role).Observe(seconds)
}

// RecordGenerationFailure counts a failed generation.
func (m *Metrics) RecordGenerationFailure(role string) {
	m.GenerationFailures.WithLabelValues(role).Inc()
}

// RecordDelivery counts an event delivery attempt.
func (m *Metrics) RecordDelivery(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordTransition counts a project status change.
func (m *Metrics) RecordTransition(status string) {
	m.ProjectTransitions.WithLabelValues(status).Inc()
}

// RecordTokens adds charged tokens.
func (m *Metrics) RecordTokens(n int) {
	if n > 0 {
		m.TokensCharged.Add(float64(n))
	}
}

// RecordHTTP counts a control API request.
func (m *Metrics) RecordHTTP(method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(method, status).Inc()
}
