package convctx

import (
	"regexp"
	"strings"
)

// Rule names one pronoun-resolution pass.
type Rule string

const (
	RuleRepeat     Rule = "repeat"
	RuleOther      Rule = "other"
	RuleLocational Rule = "locational"
	RulePlural     Rule = "plural"
	RuleSingular   Rule = "singular"
)

// DefaultRuleOrder is the priority in which passes run. Each pass sees the
// output of the previous one, so an earlier pass claims a phrase first.
var DefaultRuleOrder = []Rule{RuleRepeat, RuleOther, RuleLocational, RulePlural, RuleSingular}

var (
	repeatForRe  = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:do\s+)?(?:the\s+)?same(?:\s+thing)?\s+(?:for|on|with|to)\s+(.+?)\s*[.!]?\s*$`)
	repeatOnlyRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:do\s+)?(?:(?:it|that|this|the)\s+)?(?:same(?:\s+thing)?|again)(?:\s+again)?\s*[.!]?\s*$`)
	trailAgainRe = regexp.MustCompile(`(?i)^(.*\S)\s+again\s*[.!]?\s*$`)
	pronounRe    = regexp.MustCompile(`(?i)\b(?:it|this|that|they|them|there)\b`)

	otherRe     = regexp.MustCompile(`(?i)\bthe\s+other\s+(?:one|repo|repository|project)\b`)
	thatRepoRe  = regexp.MustCompile(`(?i)\b(?:that|this|the\s+same)\s+(?:project|repo|repository)\b`)
	thereRe     = regexp.MustCompile(`(?i)\b(?:over\s+)?there\b`)
	theirRe     = regexp.MustCompile(`(?i)\btheir\b`)
	theyRe      = regexp.MustCompile(`(?i)\b(?:they|them)\b`)
	itRe        = regexp.MustCompile(`(?i)\bit\b`)
	thisThatRe  = regexp.MustCompile(`(?i)\b(?:this|that)\b`)
	copulaWords = map[string]bool{"is": true, "are": true, "was": true, "were": true, "'s": true}
)

// objectFollowers are words that may follow a standalone "this"/"that"
// object: connectors, prepositions and adverbs that end the noun phrase.
var objectFollowers = map[string]bool{
	"and": true, "then": true, "to": true, "on": true, "in": true, "for": true,
	"with": true, "again": true, "now": true, "please": true, "first": true,
	"too": true, "also": true, "but": true, "after": true, "before": true,
	"if": true, "when": true, "asap": true, "today": true, "from": true,
}

// resolve applies the passes in order against st. It never mutates st.
func resolve(st *State, vocab *Vocabulary, order []Rule, text string) string {
	if st == nil || strings.TrimSpace(text) == "" {
		return text
	}
	for _, r := range order {
		switch r {
		case RuleRepeat:
			text = resolveRepeat(st, vocab, text)
		case RuleOther:
			text = resolveOther(st, text)
		case RuleLocational:
			text = resolveLocational(st, text)
		case RulePlural:
			text = resolvePlural(st, text)
		case RuleSingular:
			text = resolveSingular(st, text)
		}
	}
	return text
}

func resolveRepeat(st *State, vocab *Vocabulary, text string) string {
	if m := repeatForRe.FindStringSubmatch(text); m != nil {
		if st.LastAction == "" {
			return text
		}
		return st.LastAction + " " + m[1]
	}
	if repeatOnlyRe.MatchString(text) {
		if st.LastAction == "" {
			return text
		}
		if t := st.target(); t != "" {
			return st.LastAction + " " + t
		}
		return st.LastAction
	}
	if m := trailAgainRe.FindStringSubmatch(text); m != nil {
		head := m[1]
		// "run it again" is left for the pronoun passes.
		if pronounRe.MatchString(head) || vocab.ContainsRepo(head) {
			return text
		}
		if t := st.target(); t != "" {
			return head + " " + t
		}
	}
	return text
}

func resolveOther(st *State, text string) string {
	other := st.otherRepo()
	if other == "" {
		return text
	}
	return otherRe.ReplaceAllLiteralString(text, other)
}

func resolveLocational(st *State, text string) string {
	if st.LastRepo == "" {
		return text
	}
	text = thatRepoRe.ReplaceAllLiteralString(text, st.LastRepo)
	return replaceMatches(text, thereRe, func(text string, start, end int) (string, bool) {
		prev, next := wordBefore(text, start), wordAfter(text, end)
		// "is there", "there is", "there's": existential, not a place.
		if copulaWords[prev] || copulaWords[next] || strings.HasPrefix(text[end:], "'") {
			return "", false
		}
		if prev == "on" || prev == "to" || prev == "in" {
			return st.LastRepo, true
		}
		return "on " + st.LastRepo, true
	})
}

func resolvePlural(st *State, text string) string {
	if st.LastCompany == "" {
		return text
	}
	text = theirRe.ReplaceAllLiteralString(text, st.LastCompany+"'s")
	return replaceMatches(text, theyRe, func(text string, start, end int) (string, bool) {
		if strings.HasPrefix(text[end:], "'") {
			return "", false
		}
		return st.LastCompany, true
	})
}

func resolveSingular(st *State, text string) string {
	target := st.target()
	if target == "" {
		return text
	}
	text = replaceMatches(text, itRe, func(text string, start, end int) (string, bool) {
		if strings.HasPrefix(text[end:], "'") {
			return "", false
		}
		return target, true
	})
	return replaceMatches(text, thisThatRe, func(text string, start, end int) (string, bool) {
		if !standaloneObject(text, start, end) {
			return "", false
		}
		return target, true
	})
}

// standaloneObject reports whether the word at text[start:end] is used as an
// object: it ends a clause or is followed by a connector or preposition. A
// determiner ("that project") or conjunction ("make sure that tests pass")
// is followed by another content word and is left alone.
func standaloneObject(text string, start, end int) bool {
	if copulaWords[wordBefore(text, start)] {
		return false
	}
	rest := strings.TrimLeft(text[end:], " \t")
	if rest == "" {
		return true
	}
	switch rest[0] {
	case '.', ',', '!', '?', ';', ':':
		return true
	case '\'':
		return false
	}
	return objectFollowers[wordAfter(text, end)]
}

// replaceMatches calls fn for every match of re in text and substitutes the
// returned replacement when ok is true.
func replaceMatches(text string, re *regexp.Regexp, fn func(text string, start, end int) (string, bool)) string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		repl, ok := fn(text, loc[0], loc[1])
		if !ok {
			continue
		}
		b.WriteString(text[last:loc[0]])
		b.WriteString(repl)
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func wordBefore(text string, start int) string {
	fields := strings.Fields(text[:start])
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(fields[len(fields)-1], ".,!?;:"))
}

func wordAfter(text string, end int) string {
	rest := text[end:]
	if strings.HasPrefix(rest, "'") {
		return strings.ToLower(strings.Fields(rest)[0])
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(fields[0], ".,!?;:"))
}
