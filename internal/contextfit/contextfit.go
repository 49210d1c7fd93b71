// Package contextfit fits a system prompt, tool catalog, and message
// history into a provider's token window: it groups tool-call/
// tool-result messages atomically so a group is never split, truncates
// oversize tool results for the outgoing request only, and always
// keeps the newest user message.
package contextfit

import (
	"fmt"

	"github.com/kilnforge/conductor/internal/providers"
	"github.com/kilnforge/conductor/internal/tokenizer"
	"github.com/kilnforge/conductor/pkg/models"
)

// Config tunes the fitting budget.
type Config struct {
	ContextLength       int
	ReserveForOutput    int
	MaxToolResultTokens int
}

// Result is the outcome of a Fit call.
type Result struct {
	Messages     []models.Message
	Dropped      bool
	DroppedCount int

	// DroppedMessages holds the groups omitted from Messages, in their
	// original order, so a caller can flush them to memory or fold them
	// into a running summary before they are gone for good.
	DroppedMessages []models.Message
}

const (
	imagePartTokens  = 1000
	toolCallOverhead = 15
	toolCallIDCost   = 5
	msgOverhead      = 4
)

// Fit returns a message list that, together with systemPrompt and
// tools, is estimated to fit within cfg.ContextLength -
// cfg.ReserveForOutput tokens. It never reorders messages and never
// merges atomic groups.
func Fit(systemPrompt string, tools []providers.ToolDef, messages []models.Message, cfg Config) Result {
	baseline := tokenizer.EstimateChars(systemPrompt) + toolsTokens(tools)
	budget := cfg.ContextLength - cfg.ReserveForOutput - baseline

	last := lastUserIndex(messages)

	if budget <= 0 {
		if last < 0 {
			return Result{}
		}
		droppedEmergency := make([]models.Message, 0, len(messages)-1)
		droppedEmergency = append(droppedEmergency, messages[:last]...)
		droppedEmergency = append(droppedEmergency, messages[last+1:]...)
		if len(droppedEmergency) == 0 {
			return Result{Messages: []models.Message{messages[last]}}
		}
		return Result{
			Messages: []models.Message{
				trimmingNotice(len(droppedEmergency)),
				messages[last],
			},
			Dropped:         true,
			DroppedCount:    len(droppedEmergency),
			DroppedMessages: droppedEmergency,
		}
	}

	truncated := truncateToolResults(messages, cfg.MaxToolResultTokens)
	groups := groupMessages(truncated)

	kept, dropped := selectGroups(groups, budget, last)

	if len(dropped) == 0 {
		return Result{Messages: flatten(kept)}
	}

	out := make([]models.Message, 0, 1+len(kept))
	out = append(out, trimmingNotice(len(dropped)))
	out = append(out, flatten(kept)...)
	return Result{Messages: out, Dropped: true, DroppedCount: len(dropped), DroppedMessages: dropped}
}

// trimmingNotice is the synthetic user message prepended to a fitted
// list whenever older messages were dropped, so the model knows the
// transcript it sees is a suffix.
func trimmingNotice(omitted int) models.Message {
	return models.Message{
		Role:    models.RoleUser,
		Content: fmt.Sprintf("[Earlier conversation trimmed to fit context window — %d messages omitted]", omitted),
	}
}

func lastUserIndex(messages []models.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}

// group is a run of messages kept or dropped as a unit: either a
// single ordinary message, or an assistant-with-toolcalls message
// glued to its trailing run of tool-result messages.
type group struct {
	messages []models.Message
	tokens   int
	hasUser  bool
}

func groupMessages(messages []models.Message) []group {
	var groups []group
	i := 0
	for i < len(messages) {
		m := messages[i]
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			g := group{messages: []models.Message{m}, tokens: estimateMessage(m)}
			j := i + 1
			for j < len(messages) && messages[j].Role == models.RoleTool {
				g.messages = append(g.messages, messages[j])
				g.tokens += estimateMessage(messages[j])
				j++
			}
			groups = append(groups, g)
			i = j
			continue
		}
		groups = append(groups, group{
			messages: []models.Message{m},
			tokens:   estimateMessage(m),
			hasUser:  m.Role == models.RoleUser,
		})
		i++
	}
	return groups
}

// selectGroups walks groups newest to oldest, keeping each one until the
// first group that would exceed budget, but always keeping the group
// holding the newest user message regardless of cost.
func selectGroups(groups []group, budget int, lastUserMsgIdx int) ([]group, []models.Message) {
	// Find which group contains the newest user message, counting
	// messages to map the flat index back to a group index.
	lastUserGroup := -1
	if lastUserMsgIdx >= 0 {
		count := 0
		for gi, g := range groups {
			count += len(g.messages)
			if count > lastUserMsgIdx {
				lastUserGroup = gi
				break
			}
		}
	}

	kept := make([]bool, len(groups))
	used := 0

	if lastUserGroup >= 0 {
		kept[lastUserGroup] = true
		used += groups[lastUserGroup].tokens
	}

	for i := len(groups) - 1; i >= 0; i-- {
		if kept[i] {
			continue
		}
		if used+groups[i].tokens > budget {
			break
		}
		kept[i] = true
		used += groups[i].tokens
	}

	// The walk above is a best-effort greedy newest-first pass: a
	// dropped older group may still fit once interspersed newer groups
	// are skipped. The contract is atomicity plus keeping the newest
	// user message, not perfect bin-packing, so the greedy result
	// stands.

	out := make([]group, 0, len(groups))
	var dropped []models.Message
	for i, g := range groups {
		if kept[i] {
			out = append(out, g)
		} else {
			dropped = append(dropped, g.messages...)
		}
	}
	return out, dropped
}

func flatten(groups []group) []models.Message {
	var out []models.Message
	for _, g := range groups {
		out = append(out, g.messages...)
	}
	return out
}

func estimateMessage(m models.Message) int {
	n := tokenizer.EstimateChars(m.Text()) + msgOverhead
	for _, p := range m.Parts {
		if p.Type == models.PartImage {
			n += imagePartTokens
		}
	}
	for _, tc := range m.ToolCalls {
		n += toolCallOverhead + tokenizer.EstimateChars(tc.Name) + argsChars(tc.Arguments)
	}
	if m.ToolCallID != "" {
		n += toolCallIDCost
	}
	return n
}

func argsChars(args map[string]any) int {
	n := 0
	for k, v := range args {
		n += len(k)
		if s, ok := v.(string); ok {
			n += len(s)
		} else {
			n += 8
		}
	}
	return tokenizer.EstimateChars(fmt.Sprintf("%*s", n, ""))
}

func toolsTokens(tools []providers.ToolDef) int {
	n := 0
	for _, t := range tools {
		n += tokenizer.EstimateChars(t.Name) + tokenizer.EstimateChars(t.Description) + toolCallOverhead
	}
	return n
}

// truncateOverflowMarker is inserted in place of the omitted bytes of
// an oversize tool result. Truncation only affects the outgoing
// request; the persisted message is never modified.
const truncateOverflowMarkerFormat = "[Output truncated … %d bytes omitted]"

func truncateToolResults(messages []models.Message, maxToolResultTokens int) []models.Message {
	if maxToolResultTokens <= 0 {
		return messages
	}
	maxChars := int(float64(maxToolResultTokens) * 3.5)

	out := make([]models.Message, len(messages))
	copy(out, messages)
	for i, m := range out {
		if m.Role != models.RoleTool {
			continue
		}
		text := m.Text()
		if len(text) <= maxChars {
			continue
		}
		omitted := len(text) - maxChars
		clone := m
		clone.Parts = nil
		clone.Content = text[:maxChars] + fmt.Sprintf(truncateOverflowMarkerFormat, omitted)
		out[i] = clone
	}
	return out
}
