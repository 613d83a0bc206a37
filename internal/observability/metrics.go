package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

type moduleMetrics struct {
	activeRuns       prometheus.Gauge
	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentStepsTotal  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	rateLimitedTotal      *prometheus.CounterVec
	hilDecisionsTotal     *prometheus.CounterVec

	streamErrorsTotal *prometheus.CounterVec
	storeDuration     *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runs",
					Help:      "Agent runs currently streaming.",
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by provider and finish reason.",
				},
				[]string{"provider", "finish_reason"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentStepsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_steps_total",
					Help:      "Total model calls by provider.",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			rateLimitedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_calls_rate_limited_total",
					Help:      "Tool calls refused by the per-step limiter.",
				},
				[]string{"tool"},
			),
			hilDecisionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "hil_decisions_total",
					Help:      "Human validations by tool and decision.",
				},
				[]string{"tool", "decision"},
			),
			streamErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "stream_errors_total",
					Help:      "Runs terminated with an error record, by cause.",
				},
				[]string{"cause"},
			),
			storeDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_operation_duration_seconds",
					Help:      "Thread store operation duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
		}

		prometheus.MustRegister(
			m.activeRuns,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentStepsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.rateLimitedTotal,
			m.hilDecisionsTotal,
			m.streamErrorsTotal,
			m.storeDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RunStarted() {
	getMetrics().activeRuns.Inc()
}

func RecordAgentRun(provider, finishReason string, duration time.Duration) {
	m := getMetrics()
	m.activeRuns.Dec()
	if provider == "" {
		provider = "none"
	}
	m.agentRunTotal.WithLabelValues(provider, finishReason).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAgentStep(provider string) {
	getMetrics().agentStepsTotal.WithLabelValues(provider).Inc()
}

// RecordToolExecution counts one execution. status is one of success, validation_error,
// error or not_found.
func RecordToolExecution(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordRateLimited(tool string) {
	getMetrics().rateLimitedTotal.WithLabelValues(tool).Inc()
}

func RecordHILDecision(tool, decision string) {
	getMetrics().hilDecisionsTotal.WithLabelValues(tool, decision).Inc()
}

func RecordStreamError(cause string) {
	getMetrics().streamErrorsTotal.WithLabelValues(cause).Inc()
}

func RecordStoreOperation(operation string, duration time.Duration) {
	getMetrics().storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
