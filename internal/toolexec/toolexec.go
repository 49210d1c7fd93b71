// Package toolexec implements the tool registry and execution
// contract the agent loop drives each turn: register tools by name,
// validate arguments against a JSON Schema, and execute.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kilnforge/conductor/internal/providers"
	"github.com/kilnforge/conductor/pkg/models"
)

// ToolDefinition describes one registered tool to the provider layer.
type ToolDefinition = providers.ToolDef

// Tool is one executable tool. Schema, if non-nil, is a JSON Schema
// object validated against Arguments before Run is called.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Run         func(ctx context.Context, arguments map[string]any) (string, error)
}

const (
	maxToolNameLength = 256
	maxParamsBytes    = 10 << 20
)

// Registry holds the set of tools available this run.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	schema map[string]*jsonschema.Schema
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), schema: make(map[string]*jsonschema.Schema)}
}

// Register adds or replaces a tool. It compiles the tool's schema up
// front so a malformed schema fails at registration, not at call time.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || len(t.Name) > maxToolNameLength {
		return fmt.Errorf("toolexec: invalid tool name %q", t.Name)
	}
	if t.Run == nil {
		return fmt.Errorf("toolexec: tool %q has no Run function", t.Name)
	}

	var compiled *jsonschema.Schema
	if t.Schema != nil {
		raw, err := json.Marshal(t.Schema)
		if err != nil {
			return fmt.Errorf("toolexec: encode schema for %q: %w", t.Name, err)
		}
		compiled, err = jsonschema.CompileString(t.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("toolexec: compile schema for %q: %w", t.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	if compiled != nil {
		r.schema[t.Name] = compiled
	} else {
		delete(r.schema, t.Name)
	}
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schema, name)
}

// IsRegistered reports whether name is currently registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ListToolDefinitions returns the current tool catalog for the
// provider layer, sorted by name for deterministic prompts.
func (r *Registry) ListToolDefinitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolDefinition{Name: t.Name, Description: t.Description, Schema: t.Schema})
	}
	sortToolDefs(out)
	return out
}

func sortToolDefs(defs []ToolDefinition) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j].Name < defs[j-1].Name; j-- {
			defs[j], defs[j-1] = defs[j-1], defs[j]
		}
	}
}

// Execute validates arguments against the tool's schema (if any) and
// runs it, returning a models.ToolResult shaped for the turn loop.
// It never returns a Go error for a tool-side failure: that is
// reported as Success=false with the error text as Output, so a bad
// tool call becomes a turn the model can react to rather than a crash.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	schema := r.schema[call.Name]
	r.mu.RUnlock()

	if !ok {
		return models.ToolResult{Success: false, Output: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	if schema != nil {
		payload, err := json.Marshal(call.Arguments)
		if err != nil {
			return models.ToolResult{Success: false, Output: "invalid arguments encoding: " + err.Error()}
		}
		if len(payload) > maxParamsBytes {
			return models.ToolResult{Success: false, Output: "arguments too large"}
		}
		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return models.ToolResult{Success: false, Output: "invalid arguments: " + err.Error()}
		}
		if err := schema.Validate(decoded); err != nil {
			return models.ToolResult{Success: false, Output: "arguments failed validation: " + cleanValidationError(err)}
		}
	}

	output, err := t.Run(ctx, call.Arguments)
	if err != nil {
		return models.ToolResult{Success: false, Output: err.Error()}
	}
	return models.ToolResult{Success: true, Output: output}
}

func cleanValidationError(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
