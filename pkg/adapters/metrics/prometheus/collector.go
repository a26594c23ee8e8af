package prometheus

import (
	"time"

	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements MetricsCollector using Prometheus
type Collector struct {
	toolExecutions  *prometheus.CounterVec
	toolRetries     *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	stages          *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	replanDecisions *prometheus.CounterVec
	budgetExhausted *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	executorCapacity prometheus.Gauge
	executorInFlight prometheus.Gauge
}

// NewCollector creates a collector registered on reg.
// A nil reg registers on the default Prometheus registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		toolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsquery_tool_executions_total",
				Help: "Total number of tool executions by final state",
			},
			[]string{"tool", "state"},
		),
		toolRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsquery_tool_retries_total",
				Help: "Total number of tool retry attempts",
			},
			[]string{"tool"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsquery_tool_duration_seconds",
				Help:    "Tool execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"tool"},
		),
		stages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsquery_stages_total",
				Help: "Total number of stage runs by diagnostic status",
			},
			[]string{"stage", "status"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsquery_stage_duration_seconds",
				Help:    "Stage duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"stage"},
		),
		replanDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsquery_replan_decisions_total",
				Help: "Total number of control loop decisions",
			},
			[]string{"trigger", "decision"},
		),
		budgetExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsquery_budget_exhausted_total",
				Help: "Total number of phase or request timeouts",
			},
			[]string{"phase"},
		),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opsquery_requests_total",
				Help: "Total number of requests by plan kind and status",
			},
			[]string{"kind", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "opsquery_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"kind"},
		),
		executorCapacity: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opsquery_executor_capacity",
				Help: "Maximum concurrent tool executions",
			},
		),
		executorInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opsquery_executor_in_flight",
				Help: "Tool executions currently holding a slot",
			},
		),
	}
}

// RecordToolExecution records a finished task
func (c *Collector) RecordToolExecution(tool string, state domain.TaskState, duration time.Duration) {
	c.toolExecutions.WithLabelValues(tool, string(state)).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolRetry records a retry attempt
func (c *Collector) RecordToolRetry(tool string) {
	c.toolRetries.WithLabelValues(tool).Inc()
}

// RecordStage records a stage run
func (c *Collector) RecordStage(stage domain.StageName, status domain.DiagnosticStatus, duration time.Duration) {
	c.stages.WithLabelValues(string(stage), string(status)).Inc()
	c.stageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

// RecordReplanDecision records a control loop decision
func (c *Collector) RecordReplanDecision(trigger domain.TriggerType, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	c.replanDecisions.WithLabelValues(string(trigger), decision).Inc()
}

// RecordBudgetExhausted records a timeout of phase
func (c *Collector) RecordBudgetExhausted(phase domain.Phase) {
	c.budgetExhausted.WithLabelValues(string(phase)).Inc()
}

// RecordRequest records a finished request
func (c *Collector) RecordRequest(kind domain.PlanKind, status domain.TraceStatus, duration time.Duration) {
	c.requests.WithLabelValues(string(kind), string(status)).Inc()
	c.requestDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordExecutorStatus records executor slot usage
func (c *Collector) RecordExecutorStatus(capacity, inFlight int) {
	c.executorCapacity.Set(float64(capacity))
	c.executorInFlight.Set(float64(inFlight))
}
