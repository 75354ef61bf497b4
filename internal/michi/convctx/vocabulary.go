package convctx

import (
	"regexp"
	"sort"
	"strings"
)

// EntityPattern extracts a generic entity (pull request, issue, branch) from
// free text. Template is expanded with regexp.Expand syntax, e.g. "PR #$1".
type EntityPattern struct {
	Name     string
	Re       *regexp.Regexp
	Template string
}

// DefaultEntityPatterns covers the entity shapes users mention most often.
func DefaultEntityPatterns() []EntityPattern {
	return []EntityPattern{
		{Name: "pr", Re: regexp.MustCompile(`(?i)\b(?:pr|pull\s+request)\s*#?(\d+)\b`), Template: "PR #$1"},
		{Name: "issue", Re: regexp.MustCompile(`(?i)\b(?:issue|ticket)\s*#?(\d+)\b`), Template: "issue #$1"},
		{Name: "branch", Re: regexp.MustCompile(`(?i)\bbranch\s+([A-Za-z0-9][\w./-]*)`), Template: "branch $1"},
	}
}

type keyword struct {
	re    *regexp.Regexp
	value string
	size  int
}

// Vocabulary is the set of known names the resolver looks for in text:
// repositories/projects, companies, action verbs and entity patterns.
type Vocabulary struct {
	repos     []keyword
	companies []keyword
	verbs     []keyword
	entities  []EntityPattern
}

// NewVocabulary compiles the lookup tables. repos and companies map a
// canonical value (e.g. "JUDO") to the keywords that identify it.
func NewVocabulary(repos, companies map[string][]string, verbs []string, entities []EntityPattern) *Vocabulary {
	v := &Vocabulary{
		repos:     compileKeywords(repos),
		companies: compileKeywords(companies),
		entities:  entities,
	}
	verbMap := make(map[string][]string, len(verbs))
	for _, verb := range verbs {
		verb = strings.ToLower(strings.TrimSpace(verb))
		if verb != "" {
			verbMap[verb] = []string{verb}
		}
	}
	v.verbs = compileKeywords(verbMap)
	return v
}

func compileKeywords(table map[string][]string) []keyword {
	var out []keyword
	for value, kws := range table {
		if len(kws) == 0 {
			kws = []string{value}
		}
		for _, kw := range kws {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			out = append(out, keyword{
				re:    regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`),
				value: value,
				size:  len(kw),
			})
		}
	}
	// Longest keyword first so "judo-api" wins over "judo" at the same offset.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].size != out[j].size {
			return out[i].size > out[j].size
		}
		return out[i].value < out[j].value
	})
	return out
}

// hit is a vocabulary match at a byte offset.
type hit struct {
	start, end int
	typ        MentionType
	value      string
}

// scan returns every vocabulary match in text order. Overlapping matches are
// resolved in favour of the earlier, then longer, match.
func (v *Vocabulary) scan(text string) []hit {
	if v == nil {
		return nil
	}
	var hits []hit
	collect := func(kws []keyword, typ MentionType) {
		for _, kw := range kws {
			for _, loc := range kw.re.FindAllStringIndex(text, -1) {
				hits = append(hits, hit{start: loc[0], end: loc[1], typ: typ, value: kw.value})
			}
		}
	}
	collect(v.repos, MentionRepo)
	collect(v.companies, MentionCompany)
	collect(v.verbs, MentionAction)
	for _, ep := range v.entities {
		for _, m := range ep.Re.FindAllStringSubmatchIndex(text, -1) {
			val := string(ep.Re.ExpandString(nil, ep.Template, text, m))
			hits = append(hits, hit{start: m[0], end: m[1], typ: MentionEntity, value: val})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].start != hits[j].start {
			return hits[i].start < hits[j].start
		}
		return hits[i].end-hits[i].start > hits[j].end-hits[j].start
	})

	out := hits[:0]
	lastEnd := -1
	for _, h := range hits {
		if h.start < lastEnd {
			continue
		}
		out = append(out, h)
		lastEnd = h.end
	}
	return out
}

// ContainsRepo reports whether text names a known repository.
func (v *Vocabulary) ContainsRepo(text string) bool {
	if v == nil {
		return false
	}
	for _, kw := range v.repos {
		if kw.re.MatchString(text) {
			return true
		}
	}
	return false
}
