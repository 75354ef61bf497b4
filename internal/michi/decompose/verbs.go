package decompose

import (
	"regexp"
	"strings"
)

// fillerRe strips polite or sequencing lead-ins before the verb check.
var fillerRe = regexp.MustCompile(`(?i)^(?:\s*(?:please|pls|now|also|then|and|just|ok|okay|so|next|finally|first|afterwards|can\s+you|could\s+you|would\s+you|will\s+you|i\s+want\s+you\s+to|i\s+need\s+you\s+to|go\s+ahead\s+and|let's|lets)\b[\s,]*)+`)

// verbSet matches command verbs at the start of, or anywhere in, a clause.
type verbSet struct {
	verbs []string
	any   *regexp.Regexp
}

func newVerbSet(verbs []string) *verbSet {
	vs := &verbSet{}
	var alts []string
	for _, v := range verbs {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		vs.verbs = append(vs.verbs, v)
		alts = append(alts, regexp.QuoteMeta(v))
	}
	if len(alts) > 0 {
		vs.any = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
	}
	return vs
}

// stripFiller removes lead-in words such as "please" and "then".
func stripFiller(s string) string {
	return strings.TrimSpace(fillerRe.ReplaceAllString(strings.TrimSpace(s), ""))
}

// leads reports whether s, after filler stripping, starts with a verb.
func (vs *verbSet) leads(s string) bool {
	s = strings.ToLower(stripFiller(s))
	for _, v := range vs.verbs {
		if !strings.HasPrefix(s, v) {
			continue
		}
		rest := s[len(v):]
		if rest == "" || !isWordByte(rest[0]) {
			return true
		}
	}
	return false
}

// contains reports whether any verb appears in s as a whole word.
func (vs *verbSet) contains(s string) bool {
	return vs.any != nil && vs.any.MatchString(s)
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

// cleanPart trims whitespace, trailing punctuation and leading connectors
// left over from a split.
func cleanPart(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".,;!")
	return strings.TrimSpace(s)
}
