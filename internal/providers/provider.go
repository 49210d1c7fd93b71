// Package providers implements the two concrete LLM backends (a local,
// OpenAI-compatible adapter and a remote, native-tool-use adapter) plus
// a key-pool-backed wrapper that rotates credentials across calls.
package providers

import (
	"context"
	"fmt"

	"github.com/kilnforge/conductor/pkg/models"
)

// ToolDef describes one tool available to the model for this call.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request carries everything needed to produce one completion.
type Request struct {
	Messages             []models.Message
	System               string
	Tools                []ToolDef
	Temperature          float64
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int

	// OnToken, if set, is called with each piece of text as it streams
	// in. It must never be called with partial tool-call markers.
	OnToken func(text string)
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed (non-streaming-shaped) model reply.
type Response struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
	Model     string
	Thinking  string
}

// ContextSizeError is returned when the backend reports the prompt
// overflowed the model's context window, so the caller can shrink its
// reserve and refit.
type ContextSizeError struct {
	PromptTokens int
	ContextSize  int
}

func (e *ContextSizeError) Error() string {
	return fmt.Sprintf("prompt of %d tokens exceeds context size %d", e.PromptTokens, e.ContextSize)
}

// Provider is the contract both concrete backends and PooledProvider
// implement.
type Provider interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
	Name() string
	ContextLength() int
	SupportsTools() bool
}
