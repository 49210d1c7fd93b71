package providers

import (
	"testing"

	"github.com/kilnforge/conductor/pkg/models"
)

func TestParseToolCallBlocks_NoBlocks(t *testing.T) {
	text, calls := parseToolCallBlocks("just a plain reply")
	if text != "just a plain reply" {
		t.Errorf("text = %q, want unchanged", text)
	}
	if len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestParseToolCallBlocks_SingleBlock(t *testing.T) {
	content := `Let me check. <tool_call>{"name":"search","arguments":{"q":"weather"}}</tool_call>`
	text, calls := parseToolCallBlocks(content)

	if len(calls) != 1 {
		t.Fatalf("calls length = %d, want 1", len(calls))
	}
	if calls[0].Name != "search" {
		t.Errorf("Name = %q, want search", calls[0].Name)
	}
	if calls[0].Arguments["q"] != "weather" {
		t.Errorf("Arguments[q] = %v, want weather", calls[0].Arguments["q"])
	}
	if calls[0].ID == "" {
		t.Error("expected a generated ID")
	}
	if text != "Let me check. " {
		t.Errorf("text = %q, want the prose stripped of the block", text)
	}
}

func TestMarkerScanner_SuppressesCompleteTagInOneDelta(t *testing.T) {
	var s markerScanner
	out := s.feed(`before <tool_call>{"name":"x","arguments":{}}</tool_call> after`)
	if out != "before  after" {
		t.Errorf("feed() = %q, want tag stripped", out)
	}
}

func TestMarkerScanner_SuppressesTagSplitAcrossDeltas(t *testing.T) {
	var s markerScanner
	var out string
	out += s.feed("before <tool_")
	out += s.feed(`call>{"name":"x"}</tool_call> after`)
	if out != "before  after" {
		t.Errorf("feed() across deltas = %q, want tag stripped", out)
	}
}

func TestMarkerScanner_SuppressesCloseTagSplitAcrossDeltas(t *testing.T) {
	var s markerScanner
	var out string
	out += s.feed(`<tool_call>{"name":"x"}</tool_`)
	out += s.feed("call> after")
	if out != " after" {
		t.Errorf("feed() = %q, want only trailing text emitted", out)
	}
}

func TestBuildLocalMessages_ImageToolResultUsesMultiContent(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "take a screenshot"},
		{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "tc-1", Name: "screenshot", Arguments: map[string]any{}}},
		},
		models.NewToolResultMessage("tc-1", models.ToolResult{Success: true, Output: "data:image/png;base64,abc"}),
	}

	out, err := buildLocalMessages("", msgs)
	if err != nil {
		t.Fatalf("buildLocalMessages error: %v", err)
	}

	last := out[len(out)-1]
	if len(last.MultiContent) == 0 {
		t.Fatalf("expected MultiContent to carry the image part, got %+v", last)
	}
	found := false
	for _, p := range last.MultiContent {
		if p.Type == "image_url" && p.ImageURL != nil && p.ImageURL.URL == "data:image/png;base64,abc" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an image_url part with the tool's output URL, got %+v", last.MultiContent)
	}
}

func TestRenderToolCallMarker_RoundTripsThroughParse(t *testing.T) {
	tc := models.ToolCall{ID: "tc-1", Name: "search", Arguments: map[string]any{"q": "weather"}}
	marker := renderToolCallMarker(tc)

	_, calls := parseToolCallBlocks(marker)
	if len(calls) != 1 || calls[0].Name != "search" {
		t.Fatalf("round trip failed: %+v", calls)
	}
}
