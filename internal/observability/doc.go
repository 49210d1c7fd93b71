// Package observability provides the conductor turn loop's monitoring
// and debugging surface: Prometheus metrics, structured slog-based
// logging with sensitive data redaction, and OpenTelemetry distributed
// tracing.
//
// # Overview
//
// The observability package implements the three pillars of observability:
//
//  1. Metrics - Quantitative measurements using Prometheus
//  2. Logging - Structured logs with sensitive data redaction
//  3. Tracing - Distributed tracing of one run's turn-loop stages
//
// # Architecture
//
// The package is designed to be:
//   - Low-overhead: safe to leave on in a local-first, single-process deployment
//   - Type-safe: strongly-typed APIs reduce configuration errors
//   - Standards-based: uses Prometheus, OpenTelemetry, and slog
//
// # Metrics
//
// Metrics are implemented using the Prometheus client libraries and track:
//   - Provider request latency, token usage, and context-window occupancy
//   - Tool execution outcomes and latency
//   - Routing decisions and local-to-remote escalations
//   - Session compactions and key-pool credential cooldowns
//   - Run attempts and active session-lock counts
//   - DBLocker session-lock query latency
//
// Example usage:
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	resp, err := provider.Chat(ctx, req)
//	status := "success"
//	if err != nil {
//	    status = "error"
//	}
//	metrics.RecordProviderRequest(provider.Name(), resp.Model, status,
//	    time.Since(start).Seconds(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Per-run correlation via a single RunScope context value
//   - Redaction of provider keys, bearer tokens, and secret-named attrs
//   - Base64 image tool outputs elided instead of dumped into records
//   - JSON output for production, text for development
//
// Example usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	ctx = observability.WithRunScope(ctx, observability.RunScope{
//	    RunID:     runID,
//	    SessionID: session.SessionID,
//	})
//
//	logger.Info(ctx, "routing decision",
//	    "reason", decision.Reason,
//	    "confidence", decision.Confidence,
//	)
//
//	logger.Error(ctx, "provider call failed",
//	    "error", err,             // stringified and scrubbed
//	    "credential", credential, // blanked by attribute name
//	)
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track one run's stages:
//   - A root span per AgentLoop.Run call
//   - Child spans for compose, route, fit, provider call, tool exec, escalate, persist
//   - Error correlation across stages
//
// Example usage:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:    "conductor",
//	    ServiceVersion: "1.0.0",
//	    Environment:    "production",
//	    Endpoint:       "localhost:4317", // OTLP collector
//	    SamplingRate:   0.1,              // Sample 10% of traces
//	})
//	defer shutdown(context.Background())
//
//	ctx, runSpan := tracer.TraceRun(ctx, session.SessionID)
//	defer runSpan.End()
//
//	ctx, callSpan := tracer.TraceProviderCall(ctx, provider.Name(), model)
//	defer callSpan.End()
//	if err != nil {
//	    tracer.RecordError(callSpan, err)
//	}
//
// # Context Propagation
//
// All three components integrate with Go's context for automatic correlation:
//
//	ctx = observability.WithRunScope(ctx, observability.RunScope{
//	    RunID:     runID,
//	    SessionID: session.SessionID,
//	    Target:    string(decision.Target),
//	})
//
//	// Scope fields automatically appear in logs
//	logger.Info(ctx, "turn started") // Includes run_id, session_id, target
//
//	// Spans inherit context
//	ctx, span := tracer.Start(ctx, "conductor.fit")
//
// # Security Considerations
//
// The logging component automatically redacts:
//   - Provider API keys (sk-... formats)
//   - Bearer/Basic authorization values
//   - key=value credential pairs inside error strings
//   - base64 image payloads (elided for size, not secrecy)
//
// Attributes whose key names a secret (api_key, token, credential,
// password, secret, client_secret, authorization) are blanked outright
// regardless of value.
//
// # Configuration
//
// All components support configuration via structs:
//
//	metrics := observability.NewMetrics()
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:     os.Getenv("LOG_LEVEL"),
//	    Format:    "json",
//	    AddSource: true,
//	})
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName:  "conductor",
//	    ServiceVersion: version,
//	    Environment:  env,
//	    Endpoint:     os.Getenv("OTEL_ENDPOINT"),
//	    SamplingRate: 0.1,
//	})
//	defer shutdown(context.Background())
//
// # Testing
//
// All components provide testable interfaces:
//   - Metrics can be verified using prometheus/testutil
//   - Logging can write to bytes.Buffer for assertions
//   - Tracing works with no-op exporters in tests
//
// # Monitoring Dashboard
//
// The metrics exposed can be used to build dashboards:
//
//	# Provider request throughput
//	rate(conductor_provider_requests_total[5m])
//
//	# Provider request latency (95th percentile)
//	histogram_quantile(0.95, rate(conductor_provider_request_duration_seconds_bucket[5m]))
//
//	# Escalation rate
//	rate(conductor_escalations_total[5m])
//
//	# Active sessions
//	conductor_active_sessions
//
//	# Key pool cooldown rate
//	rate(conductor_keypool_cooldowns_total[5m])
package observability
