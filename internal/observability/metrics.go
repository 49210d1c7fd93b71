package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized interface for the turn loop's Prometheus
// instrumentation: provider request latency/tokens, tool execution,
// routing/escalation outcomes, key-pool cooldowns, and session-lock
// database queries.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... provider.Chat ...
//	metrics.RecordProviderRequest("local", "qwen2.5-coder", "success", time.Since(start).Seconds(), promptTokens, completionTokens)
type Metrics struct {
	// RunAttempts counts AgentLoop.Run outcomes.
	// Labels: status (success|error)
	RunAttempts *prometheus.CounterVec

	// TurnsPerRun observes how many tool-calling iterations a run took.
	// Labels: target (local|remote)
	TurnsPerRun *prometheus.HistogramVec

	// ProviderRequestDuration measures provider.Chat latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider.Chat calls.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// ProviderTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ProviderTokensUsed *prometheus.CounterVec

	// ContextWindowUsed tracks input-token usage against the active
	// provider's context window.
	// Labels: provider, model
	// Buckets: 1000, 4000, 8000, 16000, 32000, 64000, 128000
	ContextWindowUsed *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|skipped)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// RoutingDecisions counts routing outcomes.
	// Labels: target (local|remote), reason
	RoutingDecisions *prometheus.CounterVec

	// EscalationCounter counts local-to-remote escalations.
	// Labels: reason
	EscalationCounter *prometheus.CounterVec

	// CompactionCounter counts session compactions by trigger.
	// Labels: trigger (token_budget|message_count)
	CompactionCounter *prometheus.CounterVec

	// KeyPoolCooldowns counts credential cooldowns entered by a key pool.
	// Labels: kind (rate_limit|auth|billing|transient|...)
	KeyPoolCooldowns *prometheus.CounterVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (agent|provider|tool|session), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions currently holding a run lock.
	// Labels: target (local|remote)
	ActiveSessions *prometheus.GaugeVec

	// SessionLockQueryDuration measures DBLocker query latency.
	// Labels: operation (acquire|renew|release)
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	SessionLockQueryDuration *prometheus.HistogramVec

	// SessionLockQueryCounter counts DBLocker queries.
	// Labels: operation, status (success|error)
	SessionLockQueryCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. This should
// be called once at application startup; all metrics are registered
// with Prometheus's default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		RunAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_run_attempts_total",
				Help: "Total number of AgentLoop.Run attempts by status",
			},
			[]string{"status"},
		),

		TurnsPerRun: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_turns_per_run",
				Help:    "Number of tool-calling iterations spent per run",
				Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
			},
			[]string{"target"},
		),

		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_provider_request_duration_seconds",
				Help:    "Duration of provider.Chat calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ProviderRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_provider_requests_total",
				Help: "Total number of provider.Chat calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ProviderTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_provider_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_context_window_tokens",
				Help:    "Input tokens consumed per provider call against its context window",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RoutingDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_routing_decisions_total",
				Help: "Total number of routing decisions by target and reason",
			},
			[]string{"target", "reason"},
		),

		EscalationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_escalations_total",
				Help: "Total number of local-to-remote escalations by reason",
			},
			[]string{"reason"},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_compactions_total",
				Help: "Total number of session compactions by trigger",
			},
			[]string{"trigger"},
		),

		KeyPoolCooldowns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_keypool_cooldowns_total",
				Help: "Total number of credential cooldowns entered by error kind",
			},
			[]string{"kind"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_active_sessions",
				Help: "Current number of sessions holding the run lock, by target",
			},
			[]string{"target"},
		),

		SessionLockQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_session_lock_query_duration_seconds",
				Help:    "Duration of DBLocker queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		SessionLockQueryCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_session_lock_queries_total",
				Help: "Total number of DBLocker queries by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordRunAttempt records the outcome of one AgentLoop.Run call.
func (m *Metrics) RecordRunAttempt(status string) {
	m.RunAttempts.WithLabelValues(status).Inc()
}

// RecordTurns observes how many iterations a run spent in its turn
// loop before returning or escalating.
func (m *Metrics) RecordTurns(target string, turns int) {
	m.TurnsPerRun.WithLabelValues(target).Observe(float64(turns))
}

// RecordProviderRequest records metrics for one provider.Chat call.
func (m *Metrics) RecordProviderRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ProviderRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
		m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ProviderTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordRoutingDecision records one routing.Route outcome.
func (m *Metrics) RecordRoutingDecision(target, reason string) {
	m.RoutingDecisions.WithLabelValues(target, reason).Inc()
}

// RecordEscalation records one local-to-remote escalation.
func (m *Metrics) RecordEscalation(reason string) {
	m.EscalationCounter.WithLabelValues(reason).Inc()
}

// RecordCompaction records one session compaction by the condition
// that triggered it.
func (m *Metrics) RecordCompaction(trigger string) {
	m.CompactionCounter.WithLabelValues(trigger).Inc()
}

// RecordKeyPoolCooldown records a credential entering cooldown.
func (m *Metrics) RecordKeyPoolCooldown(kind string) {
	m.KeyPoolCooldowns.WithLabelValues(kind).Inc()
}

// RecordError increments the error counter for a given component and
// error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge for a target.
func (m *Metrics) SessionStarted(target string) {
	m.ActiveSessions.WithLabelValues(target).Inc()
}

// SessionEnded decrements the active sessions gauge for a target.
func (m *Metrics) SessionEnded(target string) {
	m.ActiveSessions.WithLabelValues(target).Dec()
}

// RecordSessionLockQuery records metrics for one DBLocker query.
func (m *Metrics) RecordSessionLockQuery(operation, status string, durationSeconds float64) {
	m.SessionLockQueryCounter.WithLabelValues(operation, status).Inc()
	m.SessionLockQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
