package toolexec

import (
	"context"
	"errors"
	"testing"

	"github.com/kilnforge/conductor/pkg/models"
)

func TestExecuteRunsRegisteredTool(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Tool{
		Name: "echo",
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	res := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hi"}})
	if !res.Success || res.Output != "hi" {
		t.Fatalf("expected success with echoed text, got %+v", res)
	}
}

func TestExecuteUnknownToolFails(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "missing"})
	if res.Success {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestExecuteValidatesArgumentsAgainstSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Tool{
		Name: "search",
		Schema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"query": map[string]any{"type": "string"}},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	missing := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "search", Arguments: map[string]any{}})
	if missing.Success {
		t.Fatalf("expected validation failure for missing required field, got %+v", missing)
	}

	ok := r.Execute(context.Background(), models.ToolCall{ID: "2", Name: "search", Arguments: map[string]any{"query": "go"}})
	if !ok.Success {
		t.Fatalf("expected success, got %+v", ok)
	}
}

func TestExecuteToolErrorBecomesFailureNotPanic(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Tool{
		Name: "boom",
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("kaboom")
		},
	})

	res := r.Execute(context.Background(), models.ToolCall{ID: "1", Name: "boom"})
	if res.Success || res.Output != "kaboom" {
		t.Fatalf("expected failure with error text as output, got %+v", res)
	}
}

func TestRegisterRejectsMissingRunFunc(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Tool{Name: "x"}); err == nil {
		t.Fatal("expected error registering a tool with no Run function")
	}
}

func TestListToolDefinitionsSortedByName(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Tool{Name: "zeta", Run: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }})
	_ = r.Register(Tool{Name: "alpha", Run: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }})

	defs := r.ListToolDefinitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("expected sorted [alpha zeta], got %+v", defs)
	}
}

func TestIsRegisteredAndUnregister(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Tool{Name: "t", Run: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }})
	if !r.IsRegistered("t") {
		t.Fatal("expected t to be registered")
	}
	r.Unregister("t")
	if r.IsRegistered("t") {
		t.Fatal("expected t to be unregistered")
	}
}
