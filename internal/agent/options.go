package agent

import (
	"context"
	"time"

	"github.com/kilnforge/conductor/internal/memory"
	"github.com/kilnforge/conductor/internal/observability"
	"github.com/kilnforge/conductor/internal/providers"
	"github.com/kilnforge/conductor/internal/routing"
	"github.com/kilnforge/conductor/internal/sessions"
	"github.com/kilnforge/conductor/internal/summarize"
	"github.com/kilnforge/conductor/internal/toolexec"
	"github.com/kilnforge/conductor/pkg/models"
)

const defaultMaxIterations = 10

// Recaller looks up memory entries relevant to an incoming message.
type Recaller interface {
	Recall(ctx context.Context, sessionID, userText string) (string, error)
}

// ConversationStore persists a completed turn's messages.
type ConversationStore interface {
	Append(ctx context.Context, sessionID string, msgs []models.Message) error
}

// Options configures one AgentLoop.
type Options struct {
	// Providers maps a routing.Target to the provider instance that
	// serves it. Both TargetLocal and TargetRemote should be present
	// for escalation and the router's availability fallback to work;
	// TargetRemote may be omitted if no remote provider is configured.
	Providers map[routing.Target]providers.Provider

	Tools *toolexec.Registry

	Router     routing.Config
	Memory     memory.Store
	Recaller   Recaller
	Summarizer summarize.Provider
	Store      ConversationStore

	// DistributedLocker, if set, is acquired in addition to the
	// in-process sessionmutex for each run. Use it when multiple
	// AgentLoop processes (e.g. separate nodes) share one SessionID
	// space, such as sessions.DBLocker.
	DistributedLocker sessions.Locker

	MaxIterations       int
	ReserveForOutput    int
	MaxToolResultTokens int
	EscalationThreshold float64

	MaxMessagesBeforeSummary int
	KeepRecentMessages       int
	MaxSummaryLength         int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

func (o Options) maxIterations() int {
	if o.MaxIterations > 0 {
		return o.MaxIterations
	}
	return defaultMaxIterations
}

func (o Options) escalationThreshold() float64 {
	if o.EscalationThreshold > 0 {
		return o.EscalationThreshold
	}
	return 0.5
}

// RunOptions carries per-call inputs to Run beyond the session id and
// user text.
type RunOptions struct {
	Events            EventSink
	MatchedSkills     []routing.Skill
	AdditionalContext string
	Timeout           time.Duration
}

// Response is what Run returns on success.
type Response struct {
	Content   string
	Target    routing.Target
	Provider  string
	Usage     providers.Usage
	Escalated bool
	Turns     int
	Truncated bool
}
