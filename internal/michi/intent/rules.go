package intent

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/michi/internal/michi/convctx"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// ProjectRule maps a canonical project name to the keywords naming it.
type ProjectRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// CompanyRule maps a company code to the keywords naming it.
type CompanyRule struct {
	Code     string   `yaml:"code"`
	Keywords []string `yaml:"keywords"`
}

// IntentRule is one weighted intent pattern.
type IntentRule struct {
	Intent   string            `yaml:"intent"`
	Action   string            `yaml:"action"`
	Pattern  string            `yaml:"pattern"`
	Weight   float64           `yaml:"weight"`
	Metadata map[string]string `yaml:"metadata,omitempty"`

	re *regexp.Regexp
}

// RiskRule maps an intent/action substring to a risk level.
type RiskRule struct {
	Match string `yaml:"match"`
	Level Risk   `yaml:"level"`
}

// Rules are the data-driven tables behind the deterministic tier.
type Rules struct {
	Projects           []ProjectRule `yaml:"projects"`
	Companies          []CompanyRule `yaml:"companies"`
	Intents            []IntentRule  `yaml:"intents"`
	Risk               []RiskRule    `yaml:"risk"`
	EscalationPatterns []string      `yaml:"escalation_patterns"`
	VaguePhrases       []string      `yaml:"vague_phrases"`
	ActionVerbs        []string      `yaml:"action_verbs"`
	ProtectedPhrases   []string      `yaml:"protected_phrases"`

	projectKW  []compiledKeyword
	companyKW  []compiledKeyword
	escalation []*regexp.Regexp
	vague      []*regexp.Regexp
}

type compiledKeyword struct {
	re      *regexp.Regexp
	value   string
	keyword string
}

// LoadRules decodes and compiles rule tables from YAML.
func LoadRules(r io.Reader) (*Rules, error) {
	var rules Rules
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("intent: decode rules: %w", err)
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// LoadRulesFile reads rule tables from path.
func LoadRulesFile(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("intent: open rules: %w", err)
	}
	defer f.Close()
	return LoadRules(f)
}

// DefaultRules returns the embedded rule tables.
func DefaultRules() (*Rules, error) {
	return LoadRules(strings.NewReader(string(defaultRulesYAML)))
}

// MustDefaultRules is DefaultRules for callers that cannot recover, such as
// package-level test fixtures.
func MustDefaultRules() *Rules {
	r, err := DefaultRules()
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rules) compile() error {
	for i := range r.Intents {
		ir := &r.Intents[i]
		if ir.Intent == "" || ir.Pattern == "" {
			return fmt.Errorf("intent: rule %d: intent and pattern are required", i)
		}
		if ir.Weight < 0 || ir.Weight > 1 {
			return fmt.Errorf("intent: rule %q: weight %.2f outside [0,1]", ir.Intent, ir.Weight)
		}
		if ir.Action == "" {
			ir.Action = ir.Intent
		}
		re, err := regexp.Compile(`(?i)` + ir.Pattern)
		if err != nil {
			return fmt.Errorf("intent: rule %q: %w", ir.Intent, err)
		}
		ir.re = re
	}
	for _, rr := range r.Risk {
		if !rr.Level.Valid() {
			return fmt.Errorf("intent: risk rule %q: unknown level %q", rr.Match, rr.Level)
		}
	}

	r.projectKW = nil
	for _, p := range r.Projects {
		r.projectKW = append(r.projectKW, compileKeywords(p.Name, p.Keywords)...)
	}
	r.companyKW = nil
	for _, c := range r.Companies {
		r.companyKW = append(r.companyKW, compileKeywords(c.Code, c.Keywords)...)
	}

	r.escalation = nil
	for _, p := range r.EscalationPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return fmt.Errorf("intent: escalation pattern %q: %w", p, err)
		}
		r.escalation = append(r.escalation, re)
	}
	r.vague = nil
	for _, p := range r.VaguePhrases {
		r.vague = append(r.vague, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(p)+`\b`))
	}
	return nil
}

func compileKeywords(value string, keywords []string) []compiledKeyword {
	if len(keywords) == 0 {
		keywords = []string{value}
	}
	out := make([]compiledKeyword, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		out = append(out, compiledKeyword{
			re:      regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`),
			value:   value,
			keyword: kw,
		})
	}
	return out
}

// Candidate is one scored match from a rule table.
type Candidate struct {
	Name   string
	Action string
	Score  float64
	// Phrase is the text the intent pattern matched, lowercased.
	Phrase string
}

// Match is the pure result of running the rule tables over a text.
type Match struct {
	Intent       string
	Action       string
	Phrase       string
	IntentWeight float64
	Project      string
	Keyword      string
	Company      string

	// Intents holds every matching intent, best first; Projects every
	// matching project, longest keyword first.
	Intents  []Candidate
	Projects []Candidate
}

// Match scores text against the intent and project tables. Intents are
// ranked by weight (table order breaks ties); projects by the length of the
// keyword that matched, so the most specific name wins.
func (r *Rules) Match(text string) Match {
	var m Match

	for _, ir := range r.Intents {
		if loc := ir.re.FindStringIndex(text); loc != nil {
			phrase := strings.ToLower(strings.Join(strings.Fields(text[loc[0]:loc[1]]), " "))
			m.Intents = append(m.Intents, Candidate{Name: ir.Intent, Action: ir.Action, Score: ir.Weight, Phrase: phrase})
		}
	}
	sort.SliceStable(m.Intents, func(i, j int) bool { return m.Intents[i].Score > m.Intents[j].Score })
	if len(m.Intents) > 0 {
		m.Intent, m.Action, m.IntentWeight = m.Intents[0].Name, m.Intents[0].Action, m.Intents[0].Score
		m.Phrase = m.Intents[0].Phrase
	}

	best := map[string]string{}
	for _, kw := range r.projectKW {
		if kw.re.MatchString(text) && len(kw.keyword) > len(best[kw.value]) {
			best[kw.value] = kw.keyword
		}
	}
	for name, kw := range best {
		m.Projects = append(m.Projects, Candidate{Name: name, Score: float64(len(kw))})
	}
	sort.Slice(m.Projects, func(i, j int) bool {
		if m.Projects[i].Score != m.Projects[j].Score {
			return m.Projects[i].Score > m.Projects[j].Score
		}
		return m.Projects[i].Name < m.Projects[j].Name
	})
	if len(m.Projects) > 0 {
		m.Project = m.Projects[0].Name
		m.Keyword = best[m.Project]
	}

	bestCompany := 0
	for _, kw := range r.companyKW {
		if kw.re.MatchString(text) && len(kw.keyword) > bestCompany {
			m.Company, bestCompany = kw.value, len(kw.keyword)
		}
	}
	return m
}

// IsVague reports whether text contains a phrase from the vague list.
func (r *Rules) IsVague(text string) bool {
	for _, re := range r.vague {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ProjectNames returns the canonical project names in table order.
func (r *Rules) ProjectNames() []string {
	out := make([]string, 0, len(r.Projects))
	for _, p := range r.Projects {
		out = append(out, p.Name)
	}
	return out
}

// CompanyCodes returns the company codes in table order.
func (r *Rules) CompanyCodes() []string {
	out := make([]string, 0, len(r.Companies))
	for _, c := range r.Companies {
		out = append(out, c.Code)
	}
	return out
}

// IntentNames returns the distinct intent names in table order.
func (r *Rules) IntentNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, ir := range r.Intents {
		if !seen[ir.Intent] {
			seen[ir.Intent] = true
			out = append(out, ir.Intent)
		}
	}
	return out
}

// ActionFor returns the action bound to intent, or intent itself.
func (r *Rules) ActionFor(intent string) string {
	for _, ir := range r.Intents {
		if ir.Intent == intent {
			return ir.Action
		}
	}
	return intent
}

// CanonicalProject maps a name the AI returned onto a known project.
func (r *Rules) CanonicalProject(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, p := range r.Projects {
		if strings.EqualFold(p.Name, name) {
			return p.Name
		}
		for _, kw := range p.Keywords {
			if strings.EqualFold(kw, name) {
				return p.Name
			}
		}
	}
	return name
}

// Vocabulary builds the context resolver's lookup tables from the rules.
func (r *Rules) Vocabulary() *convctx.Vocabulary {
	repos := make(map[string][]string, len(r.Projects))
	for _, p := range r.Projects {
		repos[p.Name] = p.Keywords
	}
	companies := make(map[string][]string, len(r.Companies))
	for _, c := range r.Companies {
		companies[c.Code] = c.Keywords
	}
	return convctx.NewVocabulary(repos, companies, r.ActionVerbs, convctx.DefaultEntityPatterns())
}
