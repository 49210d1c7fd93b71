package agent

import (
	"context"

	"github.com/kilnforge/conductor/internal/escalation"
	"github.com/kilnforge/conductor/internal/observability"
	"github.com/kilnforge/conductor/internal/routing"
	"github.com/kilnforge/conductor/pkg/models"
)

// ToolCallResult pairs a completed tool call with its outcome, for
// onToolCallComplete.
type ToolCallResult struct {
	Call   models.ToolCall
	Result models.ToolResult
}

// EventSink is the set of optional callbacks a caller can supply to
// observe a run. Every field may be left nil; the loop never calls a
// nil handler and never lets a handler's panic escape — a misbehaving
// observer must not take down a turn.
type EventSink struct {
	OnThinking        func(text string)
	OnRoutingDecision func(decision routing.Decision)
	OnEscalation      func(decision escalation.Decision)
	// OnBeforeToolExec returning false skips that call; the tool result
	// recorded is a synthetic failure so the model sees it was skipped.
	OnBeforeToolExec   func(call models.ToolCall) bool
	OnToolCallStart    func(calls []models.ToolCall)
	OnToolCallComplete func(result ToolCallResult)
	OnAfterToolExec    func(results []ToolCallResult)
	OnToken            func(text string)
	OnResponseComplete func(resp Response)
	OnError            func(err error)
}

// safeSink wraps an EventSink so every call is panic-safe and logged.
type safeSink struct {
	sink   EventSink
	logger *observability.Logger
	ctx    context.Context
}

func newSafeSink(ctx context.Context, sink EventSink, logger *observability.Logger) *safeSink {
	return &safeSink{sink: sink, logger: logger, ctx: ctx}
}

func (s *safeSink) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Warn(s.ctx, "event handler panicked", "handler", name, "recovered", r)
			}
		}
	}()
	fn()
}

func (s *safeSink) thinking(text string) {
	if s.sink.OnThinking == nil {
		return
	}
	s.guard("OnThinking", func() { s.sink.OnThinking(text) })
}

func (s *safeSink) routingDecision(d routing.Decision) {
	if s.sink.OnRoutingDecision == nil {
		return
	}
	s.guard("OnRoutingDecision", func() { s.sink.OnRoutingDecision(d) })
}

func (s *safeSink) escalation(d escalation.Decision) {
	if s.sink.OnEscalation == nil {
		return
	}
	s.guard("OnEscalation", func() { s.sink.OnEscalation(d) })
}

func (s *safeSink) beforeToolExec(call models.ToolCall) (allow bool) {
	if s.sink.OnBeforeToolExec == nil {
		return true
	}
	allow = true
	s.guard("OnBeforeToolExec", func() { allow = s.sink.OnBeforeToolExec(call) })
	return allow
}

func (s *safeSink) toolCallStart(calls []models.ToolCall) {
	if s.sink.OnToolCallStart == nil {
		return
	}
	s.guard("OnToolCallStart", func() { s.sink.OnToolCallStart(calls) })
}

func (s *safeSink) toolCallComplete(r ToolCallResult) {
	if s.sink.OnToolCallComplete == nil {
		return
	}
	s.guard("OnToolCallComplete", func() { s.sink.OnToolCallComplete(r) })
}

func (s *safeSink) afterToolExec(results []ToolCallResult) {
	if s.sink.OnAfterToolExec == nil {
		return
	}
	s.guard("OnAfterToolExec", func() { s.sink.OnAfterToolExec(results) })
}

func (s *safeSink) token(text string) {
	if s.sink.OnToken == nil {
		return
	}
	s.guard("OnToken", func() { s.sink.OnToken(text) })
}

func (s *safeSink) responseComplete(r Response) {
	if s.sink.OnResponseComplete == nil {
		return
	}
	s.guard("OnResponseComplete", func() { s.sink.OnResponseComplete(r) })
}

func (s *safeSink) error(err error) {
	if s.sink.OnError == nil {
		return
	}
	s.guard("OnError", func() { s.sink.OnError(err) })
}
