package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/oauth2"

	"github.com/kilnforge/conductor/pkg/models"
)

// RemoteConfig configures a RemoteProvider.
type RemoteConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	ContextLength int

	// TokenSource, if set, supplies short-lived bearer tokens in place
	// of the static APIKey, for deployments that rotate remote
	// credentials through OAuth2. Tokens are resolved per request so a
	// refresh never happens during adapter construction.
	TokenSource oauth2.TokenSource
}

// RemoteProvider talks to a hosted provider with native tool-use
// semantics: tool definitions and tool results are passed through the
// API's own structured fields rather than embedded text markers.
type RemoteProvider struct {
	client        anthropic.Client
	tokens        oauth2.TokenSource
	model         string
	contextLength int
}

// NewRemoteProvider builds a RemoteProvider.
func NewRemoteProvider(cfg RemoteConfig) *RemoteProvider {
	var opts []option.RequestOption
	if cfg.TokenSource == nil {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	contextLength := cfg.ContextLength
	if contextLength <= 0 {
		contextLength = 200000
	}
	return &RemoteProvider{
		client:        anthropic.NewClient(opts...),
		tokens:        cfg.TokenSource,
		model:         cfg.Model,
		contextLength: contextLength,
	}
}

func (p *RemoteProvider) Name() string        { return "remote" }
func (p *RemoteProvider) ContextLength() int  { return p.contextLength }
func (p *RemoteProvider) SupportsTools() bool { return true }

// Chat implements Provider.
func (p *RemoteProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	messages, systemTexts, err := convertRemoteMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("remote provider: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelOrDefault(p.model, "claude-sonnet-4-20250514")),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	system := make([]anthropic.TextBlockParam, 0, 1+len(systemTexts))
	if req.System != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.System})
	}
	for _, text := range systemTexts {
		system = append(system, anthropic.TextBlockParam{Text: text})
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = convertRemoteTools(req.Tools)
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	var reqOpts []option.RequestOption
	if p.tokens != nil {
		tok, err := p.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("remote provider: refresh credential: %w", err)
		}
		reqOpts = append(reqOpts, option.WithAuthToken(tok.AccessToken))
	}

	stream := p.client.Messages.NewStreaming(ctx, params, reqOpts...)

	var content strings.Builder
	var thinking strings.Builder
	var toolCalls []models.ToolCall
	var currentTool *models.ToolCall
	var currentToolInput strings.Builder
	var usage Usage

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				content.WriteString(delta.Text)
				if req.OnToken != nil && delta.Text != "" {
					req.OnToken(delta.Text)
				}
			case "thinking_delta":
				thinking.WriteString(delta.Thinking)
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				args, err := parseToolArgs(currentToolInput.String())
				if err == nil {
					currentTool.Arguments = args
				}
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil {
		if isContextOverflow(err) {
			return nil, &ContextSizeError{ContextSize: p.contextLength}
		}
		return nil, err
	}

	return &Response{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
		Model:     string(params.Model),
		Thinking:  thinking.String(),
	}, nil
}

func parseToolArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func convertRemoteTools(defs []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: d.Schema["properties"],
				},
			},
		})
	}
	return out
}

// convertRemoteMessages renders messages into the API's structured
// form: system-role messages (memory recalls, budget notices,
// compaction summaries) are lifted out for the top-level system field,
// and consecutive tool-result messages merge into a single user
// message carrying an ordered sequence of tool-result blocks keyed by
// tool call ID.
func convertRemoteMessages(msgs []models.Message) ([]anthropic.MessageParam, []string, error) {
	var out []anthropic.MessageParam
	var systemTexts []string

	i := 0
	for i < len(msgs) {
		m := msgs[i]

		if m.Role == models.RoleSystem {
			if text := m.Text(); text != "" {
				systemTexts = append(systemTexts, text)
			}
			i++
			continue
		}

		if m.Role == models.RoleTool {
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(msgs) && msgs[i].Role == models.RoleTool {
				blocks = append(blocks, anthropic.NewToolResultBlock(msgs[i].ToolCallID, msgs[i].Text(), false))
				i++
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if text := m.Text(); text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(text))
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
		}

		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
		i++
	}

	return out, systemTexts, nil
}
