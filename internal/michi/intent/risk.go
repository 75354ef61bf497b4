package intent

import (
	"regexp"
	"strings"
)

// Risk is the potential for harm of an action.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

var riskOrder = []Risk{RiskLow, RiskMedium, RiskHigh}

// Valid reports whether r is a known level.
func (r Risk) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Escalate raises r by steps levels, capped at high.
func (r Risk) Escalate(steps int) Risk {
	idx := 0
	for i, v := range riskOrder {
		if v == r {
			idx = i
		}
	}
	idx += max(steps, 0)
	if idx >= len(riskOrder) {
		idx = len(riskOrder) - 1
	}
	return riskOrder[idx]
}

// RiskPolicy assesses the risk of an intent. The base level comes from the
// first table row whose Match is a substring of the intent or action; a
// target matching an escalation pattern raises it by EscalationSteps.
type RiskPolicy struct {
	Table           []RiskRule
	Escalation      []*regexp.Regexp
	EscalationSteps int
}

// NewRiskPolicy builds the policy from the rule tables. steps <= 0 means 1.
func NewRiskPolicy(rules *Rules, steps int) RiskPolicy {
	if steps <= 0 {
		steps = 1
	}
	return RiskPolicy{Table: rules.Risk, Escalation: rules.escalation, EscalationSteps: steps}
}

// Base returns the unescalated level for intent/action.
func (p RiskPolicy) Base(intent, action string) Risk {
	intent, action = strings.ToLower(intent), strings.ToLower(action)
	for _, rr := range p.Table {
		m := strings.ToLower(rr.Match)
		if m == "" {
			continue
		}
		if strings.Contains(intent, m) || strings.Contains(action, m) {
			return rr.Level
		}
	}
	return RiskLow
}

// SensitiveTarget reports whether any target matches an escalation pattern.
func (p RiskPolicy) SensitiveTarget(targets ...string) bool {
	for _, t := range targets {
		if t == "" {
			continue
		}
		for _, re := range p.Escalation {
			if re.MatchString(t) {
				return true
			}
		}
	}
	return false
}

// Assess returns the final risk. Escalation is applied once, however many
// targets match.
func (p RiskPolicy) Assess(intent, action string, targets ...string) Risk {
	r := p.Base(intent, action)
	if p.SensitiveTarget(targets...) {
		r = r.Escalate(p.EscalationSteps)
	}
	return r
}

var destinationRe = regexp.MustCompile(`(?i)\b(?:to|on|in|into|against|onto)\s+(?:the\s+)?([\w./-]+)`)

// destinations extracts explicit targets such as "to production" or
// "into main" from text.
func destinations(text string) []string {
	var out []string
	for _, m := range destinationRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}
