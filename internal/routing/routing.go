// Package routing decides, for one turn, whether the local or remote
// provider should handle it, combining cheap heuristics with
// user-configured rules and an availability fallback.
package routing

import (
	"regexp"
	"strings"

	"github.com/kilnforge/conductor/pkg/models"
)

// Target names a provider class: local or remote.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Decision is the Router's final answer for one turn.
type Decision struct {
	Target     Target
	Reason     string
	Confidence float64
	Provider   string // "<provider>/<model>"
}

// Rule is a user-configured routing rule. Higher Priority wins; a
// priority-0 rule with an empty Match always matches and supplies the
// configured default.
type Rule struct {
	Name     string
	Priority int
	Match    Match
	Target   Target
}

// Match selects which messages a Rule applies to.
type Match struct {
	AlwaysLocalSkills  []string
	AlwaysRemoteSkills []string
	Complexity         string // "trivial" | "complex" | ""
}

// Skill is a matched skill that can force a target.
type Skill struct {
	Name       string
	Complexity Target // "local" or "remote"; empty means no override
}

// Config configures one Router.
type Config struct {
	Rules               []Rule
	DefaultTarget       Target
	LargeContextRatio   float64 // fraction of context length that triggers the large-context rule; 0 uses 0.8
	RemoteAvailable     bool
	LocalProviderModel  string
	RemoteProviderModel string
}

// Input is what the Router needs to decide one turn.
type Input struct {
	Messages         []models.Message
	EstimatedTokens  int
	ContextLength    int
	MatchedSkills    []Skill
	AlwaysLocalTags  []string
	AlwaysRemoteTags []string
	Complexity       string // "trivial" | "complex" | ""
}

// Route runs the full pipeline: heuristic analysis, rule application,
// combine, skill override, availability fallback.
func Route(in Input, cfg Config) Decision {
	heuristic := heuristicAnalyze(lastUserText(in.Messages))

	decision := applyRules(in, cfg, heuristic)

	if heuristic.target == TargetRemote && heuristic.confidence > 0.70 {
		decision = Decision{Target: TargetRemote, Reason: heuristic.reason, Confidence: heuristic.confidence}
	}

	for _, s := range in.MatchedSkills {
		if s.Complexity == TargetRemote || s.Complexity == TargetLocal {
			decision = Decision{Target: s.Complexity, Reason: "skill:" + s.Name, Confidence: decision.Confidence}
			break
		}
	}

	if decision.Target == TargetRemote && !cfg.RemoteAvailable {
		decision = Decision{Target: TargetLocal, Reason: "no_remote_provider", Confidence: 0.5}
	}

	decision.Provider = providerString(decision.Target, cfg)
	return decision
}

func providerString(t Target, cfg Config) string {
	if t == TargetRemote {
		return cfg.RemoteProviderModel
	}
	return cfg.LocalProviderModel
}

func applyRules(in Input, cfg Config, h heuristicResult) Decision {
	largeContextRatio := cfg.LargeContextRatio
	if largeContextRatio <= 0 {
		largeContextRatio = 0.8
	}

	type candidate struct {
		priority int
		decision Decision
	}
	var best *candidate

	consider := func(priority int, d Decision) {
		if best == nil || priority > best.priority {
			best = &candidate{priority: priority, decision: d}
		}
	}

	for _, tag := range in.AlwaysLocalTags {
		consider(100, Decision{Target: TargetLocal, Reason: "always_local:" + tag, Confidence: 1.0})
	}
	for _, tag := range in.AlwaysRemoteTags {
		consider(100, Decision{Target: TargetRemote, Reason: "always_remote:" + tag, Confidence: 1.0})
	}

	if in.Complexity == "trivial" {
		consider(50, Decision{Target: TargetLocal, Reason: "complexity_trivial", Confidence: 0.8})
	}
	if in.Complexity == "complex" {
		consider(50, Decision{Target: TargetRemote, Reason: "complexity_complex", Confidence: 0.8})
	}

	if in.ContextLength > 0 && float64(in.EstimatedTokens) > largeContextRatio*float64(in.ContextLength) {
		consider(40, Decision{Target: TargetRemote, Reason: "large_context", Confidence: 0.7})
	}

	for _, r := range cfg.Rules {
		if ruleMatches(r, in) {
			consider(r.Priority, Decision{Target: r.Target, Reason: "rule:" + r.Name, Confidence: 0.9})
		}
	}

	if best != nil {
		return best.decision
	}

	target := cfg.DefaultTarget
	if target == "" {
		target = Target(h.target)
	}
	return Decision{Target: target, Reason: h.reason, Confidence: h.confidence}
}

func ruleMatches(r Rule, in Input) bool {
	if r.Match.Complexity != "" && r.Match.Complexity != in.Complexity {
		return false
	}
	return true
}

func lastUserText(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}

type heuristicResult struct {
	target     Target
	reason     string
	confidence float64
}

var (
	greetingWords = map[string]bool{
		"hi": true, "hello": true, "hey": true, "thanks": true, "thank": true,
		"yo": true, "sup": true, "howdy": true, "morning": true, "evening": true,
	}

	strongCodePhraseRe = regexp.MustCompile(`(?i)write code|create a function|write tests|code review|write a (script|program)|implement a function`)
	weakCodeWordRe     = regexp.MustCompile(`(?i)\b(implement|refactor|debug|optimize)\b`)
	reasoningPhraseRe  = regexp.MustCompile(`(?i)explain in detail|compare and contrast|walk me through|analyze the tradeoffs`)
	fsShellSearchRe    = regexp.MustCompile(`(?i)\b(find|search|grep|ls|list files|read file|run command|execute)\b`)
	fencedCodeRe       = regexp.MustCompile("(?s)```")
)

// heuristicAnalyze classifies the latest user message, checking the
// cheapest signals first; the first matching rule wins.
func heuristicAnalyze(text string) heuristicResult {
	words := strings.Fields(text)
	wordCount := len(words)

	if wordCount <= 3 && wordCount > 0 && isGreeting(words) {
		return heuristicResult{TargetLocal, "simple_greeting", 0.95}
	}
	if strongCodePhraseRe.MatchString(text) {
		return heuristicResult{TargetRemote, "code_generation", 0.80}
	}
	if weakCodeWordRe.MatchString(text) && wordCount > 5 {
		return heuristicResult{TargetRemote, "code_generation", 0.75}
	}
	if reasoningPhraseRe.MatchString(text) && wordCount > 10 {
		return heuristicResult{TargetRemote, "complex_reasoning", 0.70}
	}
	if fsShellSearchRe.MatchString(text) {
		return heuristicResult{TargetLocal, "tool_use", 0.60}
	}
	if fencedCodeRe.MatchString(text) {
		return heuristicResult{TargetRemote, "code_discussion", 0.75}
	}
	if wordCount > 100 {
		return heuristicResult{TargetRemote, "long_context", 0.60}
	}
	return heuristicResult{TargetLocal, "", 0.5}
}

func isGreeting(words []string) bool {
	for _, w := range words {
		if greetingWords[strings.ToLower(strings.Trim(w, ".,!?"))] {
			return true
		}
	}
	return false
}
