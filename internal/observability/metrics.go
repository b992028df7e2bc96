package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics.
//
// The metrics cover the full path of a turn: the downstream HTTP request,
// the orchestration loop, upstream provider calls with their retries, and
// tool execution. All metrics are registered with the default registry and
// served from the /metrics endpoint.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTurn("openai", "gpt-4o", "success", time.Since(start).Seconds(), iterations)
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: provider, model, status (success|error|canceled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures wall time of a turn in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	TurnDuration *prometheus.HistogramVec

	// TurnIterations measures tool-call rounds per turn.
	// Labels: provider
	// Buckets: 1..10
	TurnIterations *prometheus.HistogramVec

	// UpstreamRequestCounter counts upstream provider requests.
	// Labels: provider, model, status (success|error)
	UpstreamRequestCounter *prometheus.CounterVec

	// UpstreamRequestDuration measures upstream call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	UpstreamRequestDuration *prometheus.HistogramVec

	// UpstreamRetryCounter counts retried upstream requests.
	// Labels: provider, reason (rate_limited|server_error)
	UpstreamRetryCounter *prometheus.CounterVec

	// UpstreamTokensUsed tracks reported token consumption.
	// Labels: provider, model, type (prompt|completion|reasoning)
	UpstreamTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (completed|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ActiveStreams is a gauge of client streams currently open.
	ActiveStreams prometheus.Gauge

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 30s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// StoreQueryDuration measures store query latency.
	// Labels: operation
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s
	StoreQueryDuration *prometheus.HistogramVec

	// StoreQueryCounter counts store queries.
	// Labels: operation, status (success|error)
	StoreQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Total number of turns by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_duration_seconds",
				Help:    "Wall time of turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		TurnIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_turn_iterations",
				Help:    "Tool-call rounds per turn",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			},
			[]string{"provider"},
		),

		UpstreamRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_requests_total",
				Help: "Total number of upstream provider requests",
			},
			[]string{"provider", "model", "status"},
		),

		UpstreamRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_request_duration_seconds",
				Help:    "Duration of upstream provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		UpstreamRetryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_retries_total",
				Help: "Total number of retried upstream requests by reason",
			},
			[]string{"provider", "reason"},
		),

		UpstreamTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_tokens_total",
				Help: "Total number of tokens reported by upstream providers",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_streams",
				Help: "Client event streams currently open",
			},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		StoreQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_store_query_duration_seconds",
				Help:    "Duration of store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation"},
		),

		StoreQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_store_queries_total",
				Help: "Total number of store queries",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordTurn records a completed turn with its duration and iteration count.
func (m *Metrics) RecordTurn(provider, model, status string, durationSeconds float64, iterations int) {
	m.TurnCounter.WithLabelValues(provider, model, status).Inc()
	m.TurnDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	m.TurnIterations.WithLabelValues(provider).Observe(float64(iterations))
}

// RecordUpstreamRequest records one upstream provider call.
func (m *Metrics) RecordUpstreamRequest(provider, model, status string, durationSeconds float64) {
	m.UpstreamRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordUpstreamRetry counts one retried upstream request.
func (m *Metrics) RecordUpstreamRetry(provider, reason string) {
	m.UpstreamRetryCounter.WithLabelValues(provider, reason).Inc()
}

// RecordTokens adds reported token usage.
func (m *Metrics) RecordTokens(provider, model string, promptTokens, completionTokens, reasoningTokens int) {
	if promptTokens > 0 {
		m.UpstreamTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.UpstreamTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if reasoningTokens > 0 {
		m.UpstreamTokensUsed.WithLabelValues(provider, model, "reasoning").Add(float64(reasoningTokens))
	}
}

// RecordToolExecution records one tool run.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	m.ActiveStreams.Dec()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordStoreQuery records one store operation.
func (m *Metrics) RecordStoreQuery(operation, status string, durationSeconds float64) {
	m.StoreQueryCounter.WithLabelValues(operation, status).Inc()
	m.StoreQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
