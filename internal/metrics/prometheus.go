package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "finsight_sessions_started_total",
			Help: "Total number of sessions started",
		},
	)

	SessionsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_sessions_terminal_total",
			Help: "Total number of sessions reaching a terminal state",
		},
		[]string{"status", "failure_kind"}, // status: completed|failed
	)

	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_session_duration_seconds",
			Help:    "Session duration from intake to terminal state",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	SessionTurns = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "finsight_session_turns",
			Help:    "Transcript length at session termination",
			Buckets: []float64{2, 5, 10, 20, 30, 50, 75, 100},
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "finsight_sessions_active",
			Help: "Current number of non-terminal sessions",
		},
	)

	// Tool metrics
	ToolInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_tool_invocations_total",
			Help: "Total number of tool invocations",
		},
		[]string{"tool", "status"}, // status: success|error
	)

	ToolLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_tool_latency_seconds",
			Help:    "Tool invocation latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	ToolRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_tool_retries_total",
			Help: "Total number of transient-failure retries inside the registry",
		},
		[]string{"tool"},
	)

	ToolCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_tool_cache_hits_total",
			Help: "Total number of tool cache hits",
		},
		[]string{"tool", "scope"}, // scope: session|shared
	)

	// Reasoning metrics
	ReasoningCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_reasoning_calls_total",
			Help: "Total number of reasoning model calls",
		},
		[]string{"role", "status"}, // status: success|error
	)

	ReasoningLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_reasoning_latency_seconds",
			Help:    "Reasoning call latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"role"},
	)

	ReasoningTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_reasoning_tokens_total",
			Help: "Total tokens used by reasoning calls",
		},
		[]string{"role", "type"}, // type: input|output
	)

	// Worker metrics
	WorkerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finsight_worker_executions_total",
			Help: "Total number of worker executions",
		},
		[]string{"worker", "status"}, // status: success|error
	)

	WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finsight_worker_duration_seconds",
			Help:    "Worker execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsStarted,
		SessionsTerminal,
		SessionDuration,
		SessionTurns,
		SessionsActive,
		ToolInvocations,
		ToolLatency,
		ToolRetries,
		ToolCacheHits,
		ReasoningCalls,
		ReasoningLatency,
		ReasoningTokens,
		WorkerExecutions,
		WorkerDuration,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
