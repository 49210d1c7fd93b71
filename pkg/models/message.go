// Package models holds the wire-level data types shared across the
// conductor packages: messages, content parts, and tool call/result pairs.
package models

import (
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates a ContentPart.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of a multi-part message body. A Message's
// Content is either a plain string or an ordered sequence of these.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// ToolCall is an LLM's request to execute a tool, emitted only on
// assistant messages.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tool execution. Output may carry a
// "data:image/" URL, in which case callers must route it as an image
// content part rather than plain text.
type ToolResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// Message is one turn in a session's transcript.
//
// Invariant: a tool-role message's ToolCallID matches the ID of some
// ToolCall emitted by the immediately prior assistant message in the
// same turn group.
type Message struct {
	Role Role `json:"role"`

	// Content is the plain-string form. Parts, when non-empty, takes
	// precedence and Content is ignored by encoders.
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	// ToolCallID is set only on tool-role messages.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls is set only on assistant messages that invoke tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Text returns the message's textual content, concatenating text parts
// when the message is multi-part and ignoring image parts.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	out := ""
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

const imageDataURLPrefix = "data:image/"

// NewToolResultMessage builds the tool-role message for a completed
// ToolCall, recognizing a "data:image/" output as an image content part
// rather than plain text so multimodal-capable providers can render it.
func NewToolResultMessage(toolCallID string, result ToolResult) Message {
	if strings.HasPrefix(result.Output, imageDataURLPrefix) {
		return Message{
			Role:       RoleTool,
			ToolCallID: toolCallID,
			Parts:      []ContentPart{{Type: PartImage, ImageURL: result.Output}},
		}
	}
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: result.Output}
}

// HasImageParts reports whether the message carries any image content.
func (m Message) HasImageParts() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// EstimatedChars returns the approximate character count of the message:
// its text, plus each tool call's name, a fixed 16, and its string
// arguments. The tokenizer and context fitting compute their own
// estimates and do not call it.
func (m Message) EstimatedChars() int {
	n := len(m.Text())
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + 16
		for k, v := range tc.Arguments {
			n += len(k) + len(fmtValue(v))
		}
	}
	return n
}

func fmtValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}
