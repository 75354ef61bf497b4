// Package decompose splits compound chat instructions ("run tests on JUDO
// and then deploy it") into ordered sub-commands.
package decompose

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/bdobrica/michi/internal/michi/convctx"
)

// ConditionSuccess is the only condition a conditional plan carries.
const ConditionSuccess = "success"

// Step is one sub-command of a Plan.
type Step struct {
	Text       string
	Order      int
	DependsOn  []int
	Condition  string
	Sequential bool
}

// Plan is the ordered result of decomposing a compound message.
type Plan struct {
	Steps         []Step
	IsConditional bool
	Condition     string
}

// Config configures a Decomposer.
type Config struct {
	// Verbs are the action verbs a clause must start with to count as a
	// command.
	Verbs []string

	// ProtectedPhrases are noun phrases containing "and" that Split never
	// cuts ("pros and cons").
	ProtectedPhrases []string

	// MinWords is the minimum word count for Decompose. Default: 4.
	MinWords int

	// Vocabulary and RuleOrder drive reference resolution between steps.
	Vocabulary *convctx.Vocabulary
	RuleOrder  []convctx.Rule
}

// DefaultProtectedPhrases lists common "X and Y" noun phrases.
var DefaultProtectedPhrases = []string{
	"pros and cons", "terms and conditions", "salt and pepper", "black and white",
	"research and development", "r and d", "q and a", "rock and roll",
	"bread and butter", "trial and error", "back and forth", "up and running",
	"profit and loss", "sales and marketing", "nuts and bolts",
}

type connector struct {
	label      string
	re         *regexp.Regexp
	sequential bool
}

// decomposeConnectors are tried from most to least specific.
var decomposeConnectors = []connector{
	{label: ", then", re: regexp.MustCompile(`(?i)\s*,\s*then\s+`), sequential: true},
	{label: "and then", re: regexp.MustCompile(`(?i)\s+and\s+then\s+`), sequential: true},
	{label: "after that", re: regexp.MustCompile(`(?i)\s*,?\s+(?:and\s+)?after\s+that\s*,?\s+`), sequential: true},
	{label: "and also", re: regexp.MustCompile(`(?i)\s*,?\s+and\s+also\s+`)},
	{label: ".", re: regexp.MustCompile(`\.\s+`)},
	{label: "and", re: regexp.MustCompile(`(?i)\s*,?\s+and\s+`)},
}

var (
	conditionalRe = regexp.MustCompile(`(?i)^(.+?)\s*,?\s+(?:and\s+|then\s+)?if\s+(?:it\s+|that\s+|they\s+|everything\s+|the\s+tests?\s+|all\s+tests\s+)?(?:passes|pass|succeeds|succeed|is\s+successful|was\s+successful|successful|works|work|goes\s+well|is\s+green|looks\s+good)\s*,?\s*(?:then\s+)?(.+)$`)
	butFirstRe    = regexp.MustCompile(`(?i)^(.+?)\s*,?\s+but\s+first\s*,?\s+(.+)$`)
)

// Decomposer detects and splits compound instructions.
type Decomposer struct {
	cfg       Config
	verbs     *verbSet
	protected []*regexp.Regexp
	logger    *slog.Logger
}

// New creates a Decomposer. If logger is nil, the default slog logger is used.
func New(cfg Config, logger *slog.Logger) *Decomposer {
	if cfg.MinWords <= 0 {
		cfg.MinWords = 4
	}
	if cfg.ProtectedPhrases == nil {
		cfg.ProtectedPhrases = DefaultProtectedPhrases
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Decomposer{cfg: cfg, verbs: newVerbSet(cfg.Verbs), logger: logger}
	for _, p := range cfg.ProtectedPhrases {
		fields := strings.Fields(strings.ToLower(p))
		if len(fields) == 0 {
			continue
		}
		for i, f := range fields {
			fields[i] = regexp.QuoteMeta(f)
		}
		d.protected = append(d.protected, regexp.MustCompile(`(?i)\b`+strings.Join(fields, `\s+`)+`\b`))
	}
	return d
}

// LooksLikeCommand reports whether s starts with a known action verb once
// filler words are stripped.
func (d *Decomposer) LooksLikeCommand(s string) bool {
	return d.verbs.leads(s)
}

// ContainsCommandVerb reports whether a known action verb appears anywhere
// in s.
func (d *Decomposer) ContainsCommandVerb(s string) bool {
	return d.verbs.contains(s)
}

// Decompose returns an ordered plan for a compound message, or nil when the
// message is not compound.
func (d *Decomposer) Decompose(message string) *Plan {
	return d.DecomposeIn(message, nil)
}

// DecomposeIn is Decompose with reference resolution seeded from an existing
// conversation state.
func (d *Decomposer) DecomposeIn(message string, seed *convctx.State) *Plan {
	message = strings.TrimSpace(message)
	if len(strings.Fields(message)) < d.cfg.MinWords {
		return nil
	}

	if m := conditionalRe.FindStringSubmatch(message); m != nil {
		first, second := cleanPart(m[1]), cleanPart(m[2])
		if d.LooksLikeCommand(first) && d.LooksLikeCommand(second) {
			texts := d.resolveAll(seed, []string{first, second})
			return &Plan{
				Steps: []Step{
					{Text: texts[0], Order: 0, Sequential: true},
					{Text: texts[1], Order: 1, DependsOn: []int{0}, Condition: ConditionSuccess, Sequential: true},
				},
				IsConditional: true,
				Condition:     ConditionSuccess,
			}
		}
	}

	if m := butFirstRe.FindStringSubmatch(message); m != nil {
		later, first := cleanPart(m[1]), cleanPart(m[2])
		if d.LooksLikeCommand(later) && d.LooksLikeCommand(first) {
			// References resolve in reading order, execution is reversed.
			texts := d.resolveAll(seed, []string{later, first})
			return &Plan{Steps: []Step{
				{Text: texts[1], Order: 0, Sequential: true},
				{Text: texts[0], Order: 1, Sequential: true},
			}}
		}
	}

	parts, sequential := d.splitConnectors(message, 0)
	if len(parts) < 2 {
		return nil
	}
	texts := d.resolveAll(seed, parts)
	plan := &Plan{Steps: make([]Step, len(texts))}
	for i, t := range texts {
		plan.Steps[i] = Step{Text: t, Order: i, Sequential: sequential}
	}
	d.logger.Debug("decompose: split compound command", "steps", len(plan.Steps))
	return plan
}

// splitConnectors tries connectors from index from onward and stops at the
// first that yields at least two command-like parts. Each part is split
// again with the less specific connectors.
func (d *Decomposer) splitConnectors(text string, from int) ([]string, bool) {
	for i := from; i < len(decomposeConnectors); i++ {
		c := decomposeConnectors[i]
		raw := c.re.Split(text, -1)
		if len(raw) < 2 {
			continue
		}
		parts := make([]string, 0, len(raw))
		for _, p := range raw {
			if p = cleanPart(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) < 2 || !d.allCommands(parts) {
			continue
		}
		sequential := c.sequential
		var out []string
		for _, p := range parts {
			sub, subSeq := d.splitConnectors(p, i+1)
			if len(sub) < 2 {
				out = append(out, p)
				continue
			}
			out = append(out, sub...)
			sequential = sequential || subSeq
		}
		return out, sequential
	}
	return nil, false
}

func (d *Decomposer) allCommands(parts []string) bool {
	for _, p := range parts {
		if !d.LooksLikeCommand(p) {
			return false
		}
	}
	return true
}

// resolveAll resolves references in each text against the ones before it.
func (d *Decomposer) resolveAll(seed *convctx.State, texts []string) []string {
	scratch := convctx.NewScratch(d.cfg.Vocabulary, d.cfg.RuleOrder, seed)
	out := make([]string, len(texts))
	for i, t := range texts {
		t = scratch.Resolve(stripLeadingConnector(t))
		scratch.DetectAndRecord(t)
		out[i] = t
	}
	return out
}

var leadingConnectorRe = regexp.MustCompile(`(?i)^(?:and\s+|then\s+|also\s+)+`)

func stripLeadingConnector(s string) string {
	return strings.TrimSpace(leadingConnectorRe.ReplaceAllString(s, ""))
}
