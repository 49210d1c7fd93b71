// Package summarize compacts long conversation histories: a running
// textual summary for display, and a pre-compaction memory flush that
// extracts durable facts before older messages are dropped.
package summarize

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kilnforge/conductor/pkg/models"
)

// Provider is the minimal LLM dependency the summarizer needs: a
// single-shot text completion given a system instruction and prompt.
type Provider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const summaryHeader = "Conversation summary — earlier messages were compacted"

// Summarize compresses messages (plus an optional existing running
// summary) into a short bullet-list string. It never fails: a
// provider error or empty reply falls back to an extractive summary
// built from user messages and tool-call names.
func Summarize(ctx context.Context, p Provider, messages []models.Message, existing string) string {
	prompt := buildSummaryPrompt(messages, existing)
	if p != nil {
		if text, err := p.Complete(ctx, summarySystemPrompt, prompt); err == nil {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				return summaryHeader + "\n" + trimmed
			}
		}
	}
	return summaryHeader + "\n" + extractiveSummary(messages)
}

const summarySystemPrompt = "Summarize the conversation so far as a compact bullet list of the decisions, facts, and open threads a reader would need to continue it. Be terse. Do not restate verbatim text."

func buildSummaryPrompt(messages []models.Message, existing string) string {
	var b strings.Builder
	if existing != "" {
		b.WriteString("Existing summary:\n")
		b.WriteString(existing)
		b.WriteString("\n\n")
	}
	b.WriteString("Messages to compact:\n")
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text())
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, " [called %s]", tc.Name)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func extractiveSummary(messages []models.Message) string {
	var lines []string
	for _, m := range messages {
		switch m.Role {
		case models.RoleUser:
			if t := strings.TrimSpace(m.Text()); t != "" {
				lines = append(lines, "- user asked: "+truncate(t, 120))
			}
		case models.RoleAssistant:
			for _, tc := range m.ToolCalls {
				lines = append(lines, "- called tool: "+tc.Name)
			}
		}
	}
	if len(lines) == 0 {
		return "- no notable prior activity"
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// MemoryEntry is one fact extracted from messages about to be dropped.
type MemoryEntry struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Category string `json:"category"`
}

var validCategories = map[string]bool{
	"fact": true, "preference": true, "decision": true, "project": true, "entity": true,
}

const defaultMaxEntries = 8

const memoryFlushSystemPrompt = `Extract durable facts, preferences, decisions, project details, and entities from the conversation below that are worth remembering after it is compacted away. Reply with ONLY a JSON array of objects shaped {"key": snake_case, "value": "1-3 sentences", "category": "fact|preference|decision|project|entity"}. If nothing is worth keeping, reply with an empty array.`

// Flush extracts memory entries from messages that are about to be
// dropped by context fitting. System messages are skipped; tool
// results are retained because they often carry the concrete values
// worth preserving. Any upstream failure yields an empty, non-nil
// slice — the flush never guesses.
func Flush(ctx context.Context, p Provider, messages []models.Message) []MemoryEntry {
	if p == nil {
		return []MemoryEntry{}
	}
	prompt := buildFlushPrompt(messages)
	raw, err := p.Complete(ctx, memoryFlushSystemPrompt, prompt)
	if err != nil {
		return []MemoryEntry{}
	}
	entries := parseMemoryEntries(raw)
	if len(entries) > defaultMaxEntries {
		entries = entries[:defaultMaxEntries]
	}
	return entries
}

func buildFlushPrompt(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Text())
		b.WriteString("\n")
	}
	return b.String()
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
var bracketRe = regexp.MustCompile(`(?s)\[.*\]`)
var keySanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)
var underscoreRunRe = regexp.MustCompile(`_+`)

func parseMemoryEntries(raw string) []MemoryEntry {
	text := strings.TrimSpace(raw)
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	var rawEntries []map[string]any
	if err := json.Unmarshal([]byte(text), &rawEntries); err != nil {
		match := bracketRe.FindString(text)
		if match == "" {
			return []MemoryEntry{}
		}
		if err := json.Unmarshal([]byte(match), &rawEntries); err != nil {
			return []MemoryEntry{}
		}
	}

	out := make([]MemoryEntry, 0, len(rawEntries))
	for _, re := range rawEntries {
		key, ok := re["key"].(string)
		if !ok || key == "" {
			continue
		}
		value, ok := re["value"].(string)
		if !ok || value == "" {
			continue
		}
		category, ok := re["category"].(string)
		if !ok || !validCategories[category] {
			continue
		}
		// A key like "!!!" sanitizes to nothing; drop it rather than
		// emit an unkeyed entry or burn a slot under the entry cap.
		sanitized := sanitizeKey(key)
		if sanitized == "" {
			continue
		}
		out = append(out, MemoryEntry{Key: sanitized, Value: value, Category: category})
	}
	return out
}

func sanitizeKey(key string) string {
	k := strings.ToLower(key)
	k = keySanitizeRe.ReplaceAllString(k, "_")
	k = underscoreRunRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if len(k) > 100 {
		k = k[:100]
	}
	return k
}

// SortEntries orders entries by category then key, for stable,
// deterministic persistence and test output.
func SortEntries(entries []MemoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Category != entries[j].Category {
			return entries[i].Category < entries[j].Category
		}
		return entries[i].Key < entries[j].Key
	})
}
