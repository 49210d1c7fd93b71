// Package agent implements the turn-by-turn orchestrator: compose a
// system prompt, route the turn to a provider, run the tool-calling
// loop until the model stops calling tools or the iteration budget is
// exhausted, optionally escalate a weak local reply to a remote
// provider, and persist the result.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilnforge/conductor/internal/budget"
	"github.com/kilnforge/conductor/internal/contextfit"
	"github.com/kilnforge/conductor/internal/errorkind"
	"github.com/kilnforge/conductor/internal/escalation"
	"github.com/kilnforge/conductor/internal/observability"
	"github.com/kilnforge/conductor/internal/providers"
	"github.com/kilnforge/conductor/internal/routing"
	"github.com/kilnforge/conductor/internal/sessionmutex"
	"github.com/kilnforge/conductor/internal/summarize"
	"github.com/kilnforge/conductor/pkg/models"
)

const maxProviderAttempts = 3

// AgentLoop is the core turn orchestrator. One AgentLoop is shared
// across sessions; per-session serialization is provided by its
// internal sessionmutex.Registry.
type AgentLoop struct {
	opts    Options
	mutexes *sessionmutex.Registry
	budgets *budgetRegistry
}

// New builds an AgentLoop from Options. Providers[routing.TargetLocal]
// must be set; TargetRemote is optional.
func New(opts Options) *AgentLoop {
	return &AgentLoop{
		opts:    opts,
		mutexes: sessionmutex.NewRegistry(),
		budgets: newBudgetRegistry(),
	}
}

// Run executes one user turn against sessionID, holding that
// session's mutex for the duration. It never returns while another
// Run for the same sessionID is in flight.
func (a *AgentLoop) Run(ctx context.Context, session *models.SessionState, userText string, runOpts RunOptions) (resp *Response, err error) {
	if session == nil {
		return nil, newError(ErrKindInternal, "session is required", nil)
	}

	ctx = observability.WithRunScope(ctx, observability.RunScope{
		RunID:     uuid.NewString(),
		SessionID: session.SessionID,
	})
	sink := newSafeSink(ctx, runOpts.Events, a.opts.Logger)
	mu := a.mutexes.For(session.SessionID)

	ctx, runSpan := a.traceRun(ctx, session.SessionID)
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			a.recordSpanError(runSpan, err)
		}
		a.recordRunAttempt(status)
		endSpan(runSpan)
	}()

	if a.opts.DistributedLocker != nil {
		if lockErr := a.opts.DistributedLocker.Lock(ctx, session.SessionID); lockErr != nil {
			err = newError(ErrKindMutexTimeout, "failed to acquire distributed session lock", lockErr)
			sink.error(err)
			return nil, err
		}
		defer a.opts.DistributedLocker.Unlock(session.SessionID)
	}

	// The outcome travels through a buffered channel rather than shared
	// captures: a timed-out run's goroutine may still be finishing, and
	// must not race the early return below.
	type outcome struct {
		resp *Response
		err  error
	}
	outCh := make(chan outcome, 1)

	lockErr := mu.Run(ctx, runOpts.Timeout, func(runCtx context.Context) error {
		r, e := a.run(runCtx, session, userText, runOpts, sink)
		outCh <- outcome{resp: r, err: e}
		return nil
	})
	if lockErr == sessionmutex.ErrTimeout {
		err = newError(ErrKindMutexTimeout, "timed out waiting for the session lock", lockErr)
		sink.error(err)
		return nil, err
	}
	if lockErr != nil {
		err = newError(ErrKindCancelled, "run cancelled waiting for the session lock", lockErr)
		sink.error(err)
		return nil, err
	}

	out := <-outCh
	resp, err = out.resp, out.err
	if err != nil {
		sink.error(err)
		return nil, err
	}
	sink.responseComplete(*resp)
	return resp, nil
}

// traceRun starts the root span for one Run call, or returns ctx
// unchanged with a nil span when no Tracer is configured.
func (a *AgentLoop) traceRun(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	if a.opts.Tracer == nil {
		return ctx, nil
	}
	return a.opts.Tracer.TraceRun(ctx, sessionID)
}

// traceStage starts a child span for one turn-loop stage, or returns
// ctx unchanged with a nil span when no Tracer is configured.
func (a *AgentLoop) traceStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	if a.opts.Tracer == nil {
		return ctx, nil
	}
	return a.opts.Tracer.TraceStage(ctx, stage)
}

func (a *AgentLoop) recordSpanError(span trace.Span, err error) {
	if a.opts.Tracer == nil || span == nil || err == nil {
		return
	}
	a.opts.Tracer.RecordError(span, err)
}

func (a *AgentLoop) recordRunAttempt(status string) {
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordRunAttempt(status)
	}
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (a *AgentLoop) run(ctx context.Context, session *models.SessionState, userText string, runOpts RunOptions, sink *safeSink) (*Response, error) {
	// 1. Compose.
	composeCtx, composeSpan := a.traceStage(ctx, "compose")
	if a.opts.Recaller != nil {
		if recall, err := a.opts.Recaller.Recall(composeCtx, session.SessionID, userText); err == nil && recall != "" {
			session.Append(models.Message{Role: models.RoleSystem, Content: "[Recalled memories relevant to this message: " + recall + "]"})
		}
	}
	session.Append(models.Message{Role: models.RoleUser, Content: userText})
	endSpan(composeSpan)

	// 2. Route.
	_, routeSpan := a.traceStage(ctx, "route")
	localProvider := a.opts.Providers[routing.TargetLocal]
	remoteProvider := a.opts.Providers[routing.TargetRemote]

	routerInput := routing.Input{
		Messages:      session.Snapshot(),
		MatchedSkills: runOpts.MatchedSkills,
	}
	if localProvider != nil {
		routerInput.ContextLength = localProvider.ContextLength()
	}
	routerCfg := a.opts.Router
	routerCfg.RemoteAvailable = remoteProvider != nil

	decision := routing.Route(routerInput, routerCfg)
	sink.routingDecision(decision)
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordRoutingDecision(string(decision.Target), decision.Reason)
	}
	endSpan(routeSpan)

	target := decision.Target
	provider := a.providerFor(target)
	if provider == nil {
		err := newError(ErrKindRouting, fmt.Sprintf("no provider configured for target %q", target), nil)
		if a.opts.Metrics != nil {
			a.opts.Metrics.RecordError("agent", "no_provider")
		}
		return nil, err
	}

	scope := observability.RunScopeFrom(ctx)
	scope.Target = string(target)
	scope.Provider = decision.Provider
	ctx = observability.WithRunScope(ctx, scope)

	result, err := a.runTurnLoop(ctx, session, provider, target, sink)
	if err != nil {
		if a.opts.Metrics != nil {
			a.opts.Metrics.RecordError("agent", "turn_loop")
		}
		return nil, err
	}

	// 4. Escalation.
	escCtx, escSpan := a.traceStage(ctx, "escalate")
	if target == routing.TargetLocal && remoteProvider != nil {
		escDecision := escalation.Analyze(escalation.Input{
			Content: result.content,
		}, a.opts.escalationThreshold())

		if escDecision.Escalate {
			sink.escalation(escDecision)
			if a.opts.Metrics != nil {
				a.opts.Metrics.RecordEscalation(escDecision.Reason)
			}
			remoteResult, err := a.runTurnLoop(escCtx, session, remoteProvider, routing.TargetRemote, sink)
			if err != nil {
				endSpan(escSpan)
				if a.opts.Metrics != nil {
					a.opts.Metrics.RecordError("agent", "escalation_turn_loop")
				}
				return nil, err
			}
			remoteResult.turns += result.turns
			remoteResult.escalated = true
			result = remoteResult
			target = routing.TargetRemote
			provider = remoteProvider
		}
	}
	endSpan(escSpan)

	// 5. Persist.
	_, persistSpan := a.traceStage(ctx, "persist")
	if a.opts.Store != nil {
		if err := a.opts.Store.Append(ctx, session.SessionID, session.Snapshot()); err != nil && a.opts.Logger != nil {
			a.opts.Logger.Warn(ctx, "conversation store append failed", "session_id", session.SessionID, "error", err)
		}
	}
	endSpan(persistSpan)

	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordTurns(string(target), result.turns)
	}

	return &Response{
		Content:   result.content,
		Target:    target,
		Provider:  decision.Provider,
		Usage:     result.usage,
		Escalated: result.escalated,
		Turns:     result.turns,
		Truncated: result.truncated,
	}, nil
}

func (a *AgentLoop) providerFor(target routing.Target) providers.Provider {
	return a.opts.Providers[target]
}

// turnResult is the internal accumulator for runTurnLoop.
type turnResult struct {
	content   string
	usage     providers.Usage
	turns     int
	truncated bool
	escalated bool
}

// runTurnLoop is the inner tool-calling loop: fit, call, handle tool
// calls, repeat until the model stops calling tools or the iteration
// budget is exhausted.
func (a *AgentLoop) runTurnLoop(ctx context.Context, session *models.SessionState, provider providers.Provider, target routing.Target, sink *safeSink) (*turnResult, error) {
	tracker := a.budgets.For(session.SessionID, provider.ContextLength())
	reserve := a.opts.ReserveForOutput
	if reserve <= 0 {
		reserve = 2048
	}

	var toolDefs []providers.ToolDef
	if a.opts.Tools != nil {
		toolDefs = a.opts.Tools.ListToolDefinitions()
	}

	maxIter := a.opts.maxIterations()
	var lastContent string

	for iteration := 1; iteration <= maxIter; iteration++ {
		fitCtx, fitSpan := a.traceStage(ctx, "fit")
		fit := contextfit.Fit(session.SystemPrompt, toolDefs, session.Snapshot(), contextfit.Config{
			ContextLength:       provider.ContextLength(),
			ReserveForOutput:    reserve,
			MaxToolResultTokens: a.opts.MaxToolResultTokens,
		})

		if fit.Dropped {
			a.flushAndSummarize(fitCtx, session, fit.DroppedMessages)
		}
		endSpan(fitSpan)

		resp, err := a.chatWithRetry(ctx, provider, &providers.Request{
			Messages: fit.Messages,
			System:   session.SystemPrompt,
			Tools:    toolDefs,
			OnToken:  sink.token,
		}, &reserve)
		if err != nil {
			if a.opts.Metrics != nil {
				a.opts.Metrics.RecordError("provider", string(errorkind.Classify(err.Error())))
			}
			return nil, newError(ErrKindProvider, "provider call failed", err)
		}

		tracker.Record(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		// Both latches are polled: a jump straight past 90% is also the
		// first crossing of 75%, and each notice fires exactly once.
		if tracker.ShouldWarnHigh() {
			session.Append(models.Message{Role: models.RoleSystem, Content: "[Context budget is running high]"})
		}
		if tracker.ShouldWarnCritical() {
			session.Append(models.Message{Role: models.RoleSystem, Content: "[Context budget critical — compacting the oldest half of this conversation]"})
			a.compactOldestHalf(ctx, session)
			if a.opts.Metrics != nil {
				a.opts.Metrics.RecordCompaction("token_budget")
			}
		} else if a.needsMessageCountCompaction(session) {
			session.Append(models.Message{Role: models.RoleSystem, Content: "[Conversation length limit reached — compacting older messages]"})
			a.compactOldestHalf(ctx, session)
			if a.opts.Metrics != nil {
				a.opts.Metrics.RecordCompaction("message_count")
			}
		}

		lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			session.Append(models.Message{Role: models.RoleAssistant, Content: resp.Content})
			return &turnResult{content: resp.Content, usage: resp.Usage, turns: iteration}, nil
		}

		session.Append(models.Message{Role: models.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		sink.toolCallStart(resp.ToolCalls)

		var results []ToolCallResult
		for _, call := range resp.ToolCalls {
			if !sink.beforeToolExec(call) {
				result := models.ToolResult{Success: false, Output: "tool call skipped by host"}
				session.Append(models.NewToolResultMessage(call.ID, result))
				results = append(results, ToolCallResult{Call: call, Result: result})
				sink.toolCallComplete(ToolCallResult{Call: call, Result: result})
				continue
			}

			result := a.execTool(ctx, call)
			session.Append(models.NewToolResultMessage(call.ID, result))
			results = append(results, ToolCallResult{Call: call, Result: result})
			sink.toolCallComplete(ToolCallResult{Call: call, Result: result})
		}
		sink.afterToolExec(results)
	}

	return &turnResult{content: lastContent, turns: maxIter, truncated: true}, nil
}

// chatWithRetry calls provider.Chat, shrinking reserve and retrying
// once on ContextSizeError, and retrying up to maxProviderAttempts on
// a retryable classified error.
func (a *AgentLoop) chatWithRetry(ctx context.Context, provider providers.Provider, req *providers.Request, reserve *int) (*providers.Response, error) {
	refitted := false
	for attempt := 1; attempt <= maxProviderAttempts; attempt++ {
		resp, err := a.callProvider(ctx, provider, req)
		if err == nil {
			return resp, nil
		}

		if sizeErr, ok := err.(*providers.ContextSizeError); ok {
			if refitted {
				return nil, err
			}
			refitted = true
			overflow := sizeErr.PromptTokens - sizeErr.ContextSize
			if overflow <= 0 {
				overflow = 256
			}
			*reserve += overflow
			continue
		}

		kind := errorkind.Classify(err.Error())
		if !errorkind.IsRetryable(kind) || attempt == maxProviderAttempts {
			return nil, err
		}
		// SleepForRetry counts attempts from zero.
		if err := errorkind.SleepForRetry(ctx, kind, attempt-1); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted provider attempts")
}

// callProvider wraps one provider.Chat call with a trace span and a
// provider-request metric, independent of the outer retry loop.
func (a *AgentLoop) callProvider(ctx context.Context, provider providers.Provider, req *providers.Request) (*providers.Response, error) {
	model := ""
	var span trace.Span
	if a.opts.Tracer != nil {
		ctx, span = a.opts.Tracer.TraceProviderCall(ctx, provider.Name(), model)
	}
	start := time.Now()
	resp, err := provider.Chat(ctx, req)
	elapsed := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		a.recordSpanError(span, err)
	} else {
		model = resp.Model
	}
	if a.opts.Metrics != nil {
		promptTokens, completionTokens := 0, 0
		if resp != nil {
			promptTokens = resp.Usage.InputTokens
			completionTokens = resp.Usage.OutputTokens
		}
		a.opts.Metrics.RecordProviderRequest(provider.Name(), model, status, elapsed, promptTokens, completionTokens)
	}
	endSpan(span)
	return resp, err
}

// execTool wraps one tool execution with a trace span and a
// tool-execution metric.
func (a *AgentLoop) execTool(ctx context.Context, call models.ToolCall) models.ToolResult {
	var span trace.Span
	if a.opts.Tracer != nil {
		ctx, span = a.opts.Tracer.TraceToolExecution(ctx, call.Name)
	}
	start := time.Now()

	var result models.ToolResult
	if a.opts.Tools != nil {
		result = a.opts.Tools.Execute(ctx, call)
	} else {
		result = models.ToolResult{Success: false, Output: "no tool executor configured"}
	}

	status := "success"
	if !result.Success {
		status = "error"
	}
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	endSpan(span)
	return result
}

func (a *AgentLoop) flushAndSummarize(ctx context.Context, session *models.SessionState, dropped []models.Message) {
	if a.opts.Memory != nil {
		go func() {
			bgCtx := context.Background()
			entries := summarize.Flush(bgCtx, a.opts.Summarizer, dropped)
			_ = a.opts.Memory.Save(bgCtx, session.SessionID, entries)
		}()
	}
	if a.opts.Summarizer != nil {
		newSummary := summarize.Summarize(ctx, a.opts.Summarizer, dropped, session.Summary())
		session.SetSummary(newSummary)
	}
}

// needsMessageCountCompaction reports whether the session has grown
// past Options.MaxMessagesBeforeSummary, a message-count trigger that
// runs alongside the token-budget-triggered compaction.
func (a *AgentLoop) needsMessageCountCompaction(session *models.SessionState) bool {
	if a.opts.MaxMessagesBeforeSummary <= 0 {
		return false
	}
	return len(session.Snapshot()) > a.opts.MaxMessagesBeforeSummary
}

// compactOldestHalf replaces the oldest portion of the session's
// messages with a single summary system message, keeping at least
// Options.KeepRecentMessages (default: half the transcript) verbatim.
func (a *AgentLoop) compactOldestHalf(ctx context.Context, session *models.SessionState) {
	messages := session.Snapshot()
	if len(messages) < 4 {
		return
	}

	keepRecent := a.opts.KeepRecentMessages
	if keepRecent <= 0 || keepRecent >= len(messages) {
		keepRecent = len(messages) / 2
	}
	split := len(messages) - keepRecent
	oldest := messages[:split]
	newer := messages[split:]

	summaryText := summarize.Summarize(ctx, a.opts.Summarizer, oldest, session.Summary())
	if max := a.opts.MaxSummaryLength; max > 0 && len(summaryText) > max {
		summaryText = summaryText[:max]
	}
	session.SetSummary(summaryText)

	replaced := make([]models.Message, 0, 1+len(newer))
	replaced = append(replaced, models.Message{Role: models.RoleSystem, Content: summaryText})
	replaced = append(replaced, newer...)

	session.ReplaceMessages(replaced)
}

// budgetRegistry hands out one budget.Tracker per session.
type budgetRegistry struct {
	mu       sync.Mutex
	trackers map[string]*budget.Tracker
}

func newBudgetRegistry() *budgetRegistry {
	return &budgetRegistry{trackers: make(map[string]*budget.Tracker)}
}

func (r *budgetRegistry) For(sessionID string, contextLength int) *budget.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[sessionID]; ok {
		t.SetContextLength(contextLength)
		return t
	}
	t := budget.New(contextLength)
	r.trackers[sessionID] = t
	return t
}
