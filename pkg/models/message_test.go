package models

import (
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessage_Text_PlainContent(t *testing.T) {
	msg := Message{Role: RoleUser, Content: "hello there"}
	if got := msg.Text(); got != "hello there" {
		t.Errorf("Text() = %q, want %q", got, "hello there")
	}
}

func TestMessage_Text_Parts(t *testing.T) {
	msg := Message{
		Role: RoleTool,
		Parts: []ContentPart{
			{Type: PartText, Text: "result: "},
			{Type: PartImage, ImageURL: "data:image/png;base64,abc"},
			{Type: PartText, Text: "done"},
		},
	}
	if got := msg.Text(); got != "result: done" {
		t.Errorf("Text() = %q, want %q", got, "result: done")
	}
	if !msg.HasImageParts() {
		t.Error("HasImageParts() = false, want true")
	}
}

func TestMessage_ToolCallRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	assistant := Message{
		Role:      RoleAssistant,
		Content:   "",
		CreatedAt: now,
		ToolCalls: []ToolCall{{ID: "tc-1", Name: "search", Arguments: map[string]any{"q": "weather"}}},
	}
	result := Message{
		Role:       RoleTool,
		ToolCallID: "tc-1",
		Content:    "sunny",
	}

	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("ToolCalls length = %d, want 1", len(assistant.ToolCalls))
	}
	if result.ToolCallID != assistant.ToolCalls[0].ID {
		t.Errorf("ToolCallID = %q, want %q", result.ToolCallID, assistant.ToolCalls[0].ID)
	}
}

func TestToolResult_Struct(t *testing.T) {
	tr := ToolResult{Success: true, Output: "42"}
	if !tr.Success {
		t.Error("Success should be true")
	}
	if tr.Output != "42" {
		t.Errorf("Output = %q, want %q", tr.Output, "42")
	}

	failed := ToolResult{Success: false, Output: "boom"}
	if failed.Success {
		t.Error("Success should be false")
	}
}

func TestNewToolResultMessage_RoutesImageOutput(t *testing.T) {
	msg := NewToolResultMessage("tc-1", ToolResult{Success: true, Output: "data:image/png;base64,abc"})
	if msg.ToolCallID != "tc-1" {
		t.Errorf("ToolCallID = %q, want %q", msg.ToolCallID, "tc-1")
	}
	if !msg.HasImageParts() {
		t.Error("HasImageParts() = false, want true for a data:image/ output")
	}
	if msg.Content != "" {
		t.Errorf("Content = %q, want empty when routed as an image part", msg.Content)
	}
}

func TestNewToolResultMessage_PlainOutputStaysText(t *testing.T) {
	msg := NewToolResultMessage("tc-2", ToolResult{Success: true, Output: "sunny"})
	if msg.HasImageParts() {
		t.Error("HasImageParts() = true, want false for plain text output")
	}
	if msg.Content != "sunny" {
		t.Errorf("Content = %q, want %q", msg.Content, "sunny")
	}
}

func TestMessage_EstimatedChars(t *testing.T) {
	short := Message{Role: RoleUser, Content: "hi"}
	long := Message{Role: RoleUser, Content: "this is a much longer message body"}
	if short.EstimatedChars() >= long.EstimatedChars() {
		t.Errorf("expected short message to estimate fewer chars than long one")
	}
}
