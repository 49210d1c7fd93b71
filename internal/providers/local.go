package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kilnforge/conductor/pkg/models"
)

const (
	toolCallOpenTag  = "<tool_call>"
	toolCallCloseTag = "</tool_call>"
)

var toolCallBlockPattern = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)

// LocalConfig configures a LocalProvider.
type LocalConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	ContextLength int
}

// LocalProvider talks to an OpenAI-compatible chat endpoint and encodes
// tool calls with an embedded <tool_call>/<tool_response> marker
// protocol rather than the endpoint's native function-calling fields,
// for backends that only emit tool calls inside free text.
type LocalProvider struct {
	client        *openai.Client
	model         string
	contextLength int
}

// NewLocalProvider builds a LocalProvider pointed at an OpenAI-compatible
// base URL (e.g. a local inference server).
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	contextLength := cfg.ContextLength
	if contextLength <= 0 {
		contextLength = 32768
	}
	return &LocalProvider{
		client:        openai.NewClientWithConfig(conf),
		model:         cfg.Model,
		contextLength: contextLength,
	}
}

func (p *LocalProvider) Name() string        { return "local" }
func (p *LocalProvider) ContextLength() int  { return p.contextLength }
func (p *LocalProvider) SupportsTools() bool { return true }

// Chat implements Provider.
func (p *LocalProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	messages, err := buildLocalMessages(req.System, req.Messages)
	if err != nil {
		return nil, fmt.Errorf("local provider: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         modelOrDefault(p.model, "local-model"),
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Temperature:   float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if isContextOverflow(err) {
			return nil, &ContextSizeError{ContextSize: p.contextLength}
		}
		return nil, err
	}
	defer stream.Close()

	var full strings.Builder
	var scanner markerScanner
	usage := Usage{}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if safe := scanner.feed(delta); safe != "" && req.OnToken != nil {
			req.OnToken(safe)
		}
	}

	raw := full.String()
	if scanner.state == insideTag {
		raw += toolCallCloseTag
	}

	text, calls := parseToolCallBlocks(raw)
	return &Response{
		Content:   strings.TrimSpace(text),
		ToolCalls: calls,
		Usage:     usage,
		Model:     chatReq.Model,
	}, nil
}

func modelOrDefault(model, fallback string) string {
	if model == "" {
		return fallback
	}
	return model
}

func isContextOverflow(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context length") || strings.Contains(msg, "maximum context")
}

// --- streaming boundary buffer ---

const (
	plain = iota
	insideTag
)

// markerScanner suppresses <tool_call>...</tool_call> content from the
// stream forwarded to the user, buffering at tag boundaries so a tag
// split across two deltas is never partially leaked.
type markerScanner struct {
	state int
	carry string
}

func (s *markerScanner) feed(delta string) string {
	var emit strings.Builder
	buf := s.carry + delta
	s.carry = ""
	i := 0

	for i < len(buf) {
		if s.state == plain {
			idx := strings.IndexByte(buf[i:], '<')
			if idx == -1 {
				emit.WriteString(buf[i:])
				break
			}
			emit.WriteString(buf[i : i+idx])
			i += idx

			remaining := buf[i:]
			if len(remaining) < len(toolCallOpenTag) {
				if strings.HasPrefix(toolCallOpenTag, remaining) {
					s.carry = remaining
					break
				}
				emit.WriteByte('<')
				i++
				continue
			}
			if strings.HasPrefix(remaining, toolCallOpenTag) {
				i += len(toolCallOpenTag)
				s.state = insideTag
				continue
			}
			emit.WriteByte('<')
			i++
			continue
		}

		// insideTag: suppress everything until the close tag.
		tail := buf[i:]
		idx := strings.Index(tail, toolCallCloseTag)
		if idx == -1 {
			overlap := longestSuffixPrefixOverlap(tail, toolCallCloseTag)
			if overlap > 0 {
				s.carry = tail[len(tail)-overlap:]
			}
			break
		}
		i += idx + len(toolCallCloseTag)
		s.state = plain
	}

	return emit.String()
}

// longestSuffixPrefixOverlap returns the length of the longest proper
// prefix of tag that is also a suffix of s, used to avoid leaking a
// tag boundary split across two stream deltas.
func longestSuffixPrefixOverlap(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}

type toolCallMarker struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseToolCallBlocks extracts <tool_call> blocks from completed
// content, returning the remaining prose and the parsed calls.
func parseToolCallBlocks(content string) (string, []models.ToolCall) {
	matches := toolCallBlockPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return content, nil
	}

	calls := make([]models.ToolCall, 0, len(matches))
	for _, m := range matches {
		var tc toolCallMarker
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &tc); err != nil {
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:        uuid.NewString(),
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
	}

	text := toolCallBlockPattern.ReplaceAllString(content, "")
	return text, calls
}

// buildLocalMessages renders the session transcript into OpenAI chat
// messages, reconstructing <tool_call> markers for prior assistant
// turns and grouping consecutive tool results into a single synthetic
// user turn of <tool_response> blocks.
func buildLocalMessages(system string, msgs []models.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	i := 0
	for i < len(msgs) {
		m := msgs[i]

		if m.Role == models.RoleTool {
			var textParts []string
			var imageParts []openai.ChatMessagePart
			for i < len(msgs) && msgs[i].Role == models.RoleTool {
				tm := msgs[i]
				if tm.HasImageParts() {
					for _, p := range tm.Parts {
						if p.Type == models.PartImage {
							imageParts = append(imageParts, openai.ChatMessagePart{
								Type:     openai.ChatMessagePartTypeImageURL,
								ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: openai.ImageURLDetailAuto},
							})
						}
					}
				} else {
					textParts = append(textParts, renderToolResponse(tm))
				}
				i++
			}

			if len(imageParts) == 0 {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: strings.Join(textParts, "\n"),
				})
				continue
			}

			var contentParts []openai.ChatMessagePart
			if len(textParts) > 0 {
				contentParts = append(contentParts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: strings.Join(textParts, "\n"),
				})
			}
			contentParts = append(contentParts, imageParts...)
			out = append(out, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: contentParts,
			})
			continue
		}

		role := string(m.Role)
		content := m.Text()
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			var markers strings.Builder
			markers.WriteString(content)
			for _, tc := range m.ToolCalls {
				markers.WriteString(renderToolCallMarker(tc))
			}
			content = markers.String()
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
		i++
	}

	return out, nil
}

func renderToolCallMarker(tc models.ToolCall) string {
	body, _ := json.Marshal(toolCallMarker{Name: tc.Name, Arguments: tc.Arguments})
	return toolCallOpenTag + string(body) + toolCallCloseTag
}

func renderToolResponse(m models.Message) string {
	return fmt.Sprintf(`<tool_response tool_call_id=%q>%s</tool_response>`, m.ToolCallID, m.Text())
}
