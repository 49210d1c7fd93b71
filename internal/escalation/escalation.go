// Package escalation decides whether a local provider's reply is weak
// enough to warrant one retry against a remote provider.
package escalation

import (
	"regexp"

	"github.com/kilnforge/conductor/pkg/models"
)

// Reason labels why a response should escalate.
const (
	ReasonLowConfidence    = "low_confidence"
	ReasonUncertainty      = "uncertainty_detected"
	ReasonPotentialErrors  = "potential_code_errors"
	ReasonInsufficient     = "insufficient_response"
)

// Decision is the outcome of analyzing one local response.
type Decision struct {
	Escalate   bool
	Reason     string
	Confidence float64
}

// Input is what EscalationAnalyzer needs from a completed local turn.
// Confidence is a pointer because its presence, not just its value,
// matters: a provider that never reports confidence should not be
// judged against the threshold.
type Input struct {
	Content    string
	Confidence *float64
	ToolCalls  []models.ToolCall
}

var (
	codeFenceRe   = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe  = regexp.MustCompile("`[^`]*`")
	uncertaintyRe = regexp.MustCompile(`(?i)i'?m not sure|i don'?t know|i cannot|i'?m unable|this is beyond|i would need more|this requires|i'?m having trouble`)
	errorPatternRe = regexp.MustCompile(`(?i)error:|failed to|cannot parse|invalid|syntax error`)
)

// Analyze runs the checks in order of strength: reported confidence,
// uncertainty-language counting on stripped prose, error-pattern
// detection, then a too-short-with-no-tools catch-all.
func Analyze(in Input, threshold float64) Decision {
	if in.Confidence != nil && *in.Confidence < threshold {
		return Decision{Escalate: true, Reason: ReasonLowConfidence, Confidence: *in.Confidence}
	}

	prose := stripCode(in.Content)

	matches := len(uncertaintyRe.FindAllString(prose, -1))
	if matches >= 2 || (matches >= 1 && len(in.Content) < 200) {
		return Decision{Escalate: true, Reason: ReasonUncertainty, Confidence: 0.3}
	}

	if errorPatternRe.MatchString(prose) {
		return Decision{Escalate: true, Reason: ReasonPotentialErrors, Confidence: 0.4}
	}

	if len(in.Content) < 50 && len(in.ToolCalls) == 0 {
		return Decision{Escalate: true, Reason: ReasonInsufficient, Confidence: 0.5}
	}

	return Decision{}
}

func stripCode(content string) string {
	out := codeFenceRe.ReplaceAllString(content, "")
	out = inlineCodeRe.ReplaceAllString(out, "")
	return out
}
