// Package intent classifies a single chat command into a typed intent with a
// calibrated confidence score.
//
// Classification runs in two tiers. The rule tier scores the text against
// data-driven tables (project keywords, weighted intent patterns) and
// combines four factors with fixed weights. When that score is not
// convincing, an optional AI provider gets one bounded attempt; its answer
// is accepted only when it is confident enough. Repeated user corrections
// for the same intent:project pair subtract a penalty from future scores.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/michi/common/deadline"
	"github.com/bdobrica/michi/internal/michi/nlp"
)

// Unknown is the intent name used when nothing matched.
const Unknown = "unknown"

// Source records which tier produced an Intent.
type Source string

const (
	SourcePattern Source = "pattern"
	SourceAI      Source = "ai"
	SourceDefault Source = "default"
)

// Alternative is a runner-up interpretation.
type Alternative struct {
	Intent     string  `json:"intent"`
	Action     string  `json:"action,omitempty"`
	Project    string  `json:"project,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Intent is a classification result.
type Intent struct {
	Intent               string        `json:"intent"`
	Action               string        `json:"action"`
	Phrase               string        `json:"phrase,omitempty"`
	Project              string        `json:"project,omitempty"`
	Company              string        `json:"company,omitempty"`
	Confidence           float64       `json:"confidence"`
	Factors              Factors       `json:"confidenceFactors"`
	Alternatives         []Alternative `json:"alternatives,omitempty"`
	Ambiguous            bool          `json:"ambiguous"`
	MustClarify          bool          `json:"mustClarify"`
	ClarifyingQuestions  []string      `json:"clarifyingQuestions,omitempty"`
	Risk                 Risk          `json:"risk"`
	RequiresConfirmation bool          `json:"requiresConfirmation"`
	Summary              string        `json:"summary"`
	Source               Source        `json:"source"`
	Text                 string        `json:"text"`
	LearnedPenalty       float64       `json:"learnedPenalty,omitempty"`
}

// ActionPhrase returns the words that name the action, such as "run tests",
// so the action can be repeated against another target. It is empty for an
// unknown intent.
func (in *Intent) ActionPhrase() string {
	if in == nil || in.Intent == "" || in.Intent == Unknown {
		return ""
	}
	if in.Phrase != "" {
		return in.Phrase
	}
	return strings.ReplaceAll(in.Action, "_", " ")
}

// Context is what the caller knows about the conversation and user.
type Context struct {
	UserID         string
	ConversationID string
	LastProject    string
	LastCompany    string
	LastAction     string
	RecentProjects []string
}

// ConfirmPolicy decides whether an action type needs explicit confirmation.
type ConfirmPolicy interface {
	RequiresConfirmation(actionType string) bool
}

// Config holds the classifier thresholds.
type Config struct {
	AmbiguousThreshold   float64       `koanf:"ambiguous_threshold"`
	MustClarifyThreshold float64       `koanf:"must_clarify_threshold"`
	AIThreshold          float64       `koanf:"ai_threshold"`
	AIAccept             float64       `koanf:"ai_accept"`
	StrongAlternative    float64       `koanf:"strong_alternative"`
	AITimeout            time.Duration `koanf:"ai_timeout"`
	Weights              Weights       `koanf:"weights"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		AmbiguousThreshold:   0.5,
		MustClarifyThreshold: 0.3,
		AIThreshold:          0.8,
		AIAccept:             0.5,
		StrongAlternative:    0.4,
		AITimeout:            5 * time.Second,
		Weights:              DefaultWeights,
	}
}

// Options wires a Classifier. Only Rules is required.
type Options struct {
	Rules   *Rules
	Config  Config
	Risk    *RiskPolicy
	History *History
	Learner *Learner
	AI      nlp.Provider
	Limiter *nlp.RateLimiter
	Confirm ConfirmPolicy
	Logger  *slog.Logger
}

// Classifier turns text into an Intent. It is safe for concurrent use.
type Classifier struct {
	cfg     Config
	rules   *Rules
	risk    RiskPolicy
	history *History
	learner *Learner
	ai      nlp.Provider
	limiter *nlp.RateLimiter
	confirm ConfirmPolicy
	logger  *slog.Logger
}

// New creates a Classifier. Zero thresholds fall back to DefaultConfig.
func New(opts Options) *Classifier {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.AmbiguousThreshold <= 0 {
		cfg.AmbiguousThreshold = def.AmbiguousThreshold
	}
	if cfg.MustClarifyThreshold <= 0 {
		cfg.MustClarifyThreshold = def.MustClarifyThreshold
	}
	if cfg.AIThreshold <= 0 {
		cfg.AIThreshold = def.AIThreshold
	}
	if cfg.AIAccept <= 0 {
		cfg.AIAccept = def.AIAccept
	}
	if cfg.StrongAlternative <= 0 {
		cfg.StrongAlternative = def.StrongAlternative
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = def.AITimeout
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	risk := NewRiskPolicy(opts.Rules, 1)
	if opts.Risk != nil {
		risk = *opts.Risk
	}
	return &Classifier{
		cfg:     cfg,
		rules:   opts.Rules,
		risk:    risk,
		history: opts.History,
		learner: opts.Learner,
		ai:      opts.AI,
		limiter: opts.Limiter,
		confirm: opts.Confirm,
		logger:  logger,
	}
}

// Rules returns the rule tables in use.
func (c *Classifier) Rules() *Rules { return c.rules }

// Learner returns the correction learner, or nil.
func (c *Classifier) Learner() *Learner { return c.learner }

// History returns the user history tracker, or nil.
func (c *Classifier) History() *History { return c.history }

// Config returns the effective thresholds.
func (c *Classifier) Config() Config { return c.cfg }

// Corrected turns a correction into the request to run instead of lastText.
// A correction that names no action keeps the last action: a bare project
// replaces the project in lastText, anything else is appended to the last
// action phrase.
func (c *Classifier) Corrected(d Detection, lastText string, last *Intent) string {
	if d.Replace != "" {
		return d.Apply(lastText)
	}
	m := c.rules.Match(d.Corrected)
	if m.Intent != "" || last == nil || last.Intent == Unknown {
		return d.Corrected
	}
	if m.Project != "" {
		if prev := c.rules.Match(lastText); prev.Keyword != "" {
			re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(prev.Keyword) + `\b`)
			if re.MatchString(lastText) {
				return re.ReplaceAllLiteralString(lastText, d.Corrected)
			}
		}
	}
	if phrase := last.ActionPhrase(); phrase != "" {
		return phrase + " " + d.Corrected
	}
	return d.Corrected
}

// AIEnabled reports whether an AI provider backs low-confidence results.
func (c *Classifier) AIEnabled() bool { return c.ai != nil }

// Classify never fails: empty input and collaborator errors produce a
// low-confidence, ambiguous result instead.
func (c *Classifier) Classify(ctx context.Context, text string, cc Context) *Intent {
	text = strings.TrimSpace(text)
	if text == "" {
		return c.unknown(text)
	}

	in := c.classifyRules(ctx, text, cc)

	if in.Confidence <= c.cfg.AIThreshold && c.ai != nil {
		if ai := c.classifyAI(ctx, text, cc); ai != nil {
			in = ai
		}
	}

	c.finish(in)
	return in
}

func (c *Classifier) unknown(text string) *Intent {
	in := &Intent{
		Intent: Unknown,
		Source: SourceDefault,
		Text:   text,
	}
	c.finish(in)
	return in
}

// classifyRules is the deterministic tier.
func (c *Classifier) classifyRules(ctx context.Context, text string, cc Context) *Intent {
	m := c.rules.Match(text)
	in := &Intent{
		Intent:  m.Intent,
		Action:  m.Action,
		Phrase:  m.Phrase,
		Project: m.Project,
		Company: m.Company,
		Source:  SourcePattern,
		Text:    text,
	}
	if in.Intent == "" {
		in.Intent = Unknown
		in.Source = SourceDefault
	}
	if in.Company == "" {
		in.Company = cc.LastCompany
	}

	inherited := false
	if in.Project == "" && in.Intent != Unknown && cc.LastProject != "" {
		in.Project, inherited = cc.LastProject, true
	}

	vague := c.rules.IsVague(text)
	in.Factors = c.factors(ctx, text, cc, m, in.Intent, in.Project, inherited, vague)
	in.Confidence = c.cfg.Weights.Score(in.Factors)
	in.Alternatives = c.alternatives(ctx, text, cc, m, vague)
	return in
}

func (c *Classifier) factors(ctx context.Context, text string, cc Context, m Match, intent, project string, inherited, vague bool) Factors {
	km := m
	km.IntentWeight = 0
	for _, cand := range m.Intents {
		if cand.Name == intent {
			km.IntentWeight = cand.Score
		}
	}
	km.Project = ""
	if project != "" && !inherited {
		km.Project = project
	}
	f := Factors{
		KeywordMatch: keywordFactor(km),
		ContextMatch: contextFactor(project, inherited, cc),
		Specificity:  specificityFactor(text, intent != Unknown && intent != "", project != "", vague),
	}
	if c.history != nil {
		f.HistoryMatch = c.history.Score(ctx, cc.UserID, intent, project)
	}
	return f
}

// alternatives scores runner-up intents and projects with the same weights
// and keeps the best three.
func (c *Classifier) alternatives(ctx context.Context, text string, cc Context, m Match, vague bool) []Alternative {
	var alts []Alternative
	add := func(intent, action, project string) {
		f := c.factors(ctx, text, cc, m, intent, project, false, vague)
		alts = append(alts, Alternative{
			Intent:     intent,
			Action:     action,
			Project:    project,
			Confidence: c.cfg.Weights.Score(f),
		})
	}
	for _, cand := range runnersUp(m.Intents) {
		add(cand.Name, cand.Action, m.Project)
	}
	if m.Intent != "" {
		for _, cand := range runnersUp(m.Projects) {
			add(m.Intent, m.Action, cand.Name)
		}
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	if len(alts) > 3 {
		alts = alts[:3]
	}
	return alts
}

func runnersUp(cands []Candidate) []Candidate {
	if len(cands) < 2 {
		return nil
	}
	return cands[1:]
}

// classifyAI is the fallback tier. It returns nil when the AI result should
// not replace the rule tier.
func (c *Classifier) classifyAI(ctx context.Context, text string, cc Context) *Intent {
	if !c.limiter.Allow(cc.UserID) {
		c.logger.Debug("intent: AI fallback rate-limited", "user_id", cc.UserID)
		return nil
	}

	prompt := nlp.BuildPrompt(text, nlp.PromptContext{
		Intents:     c.rules.IntentNames(),
		Projects:    c.rules.ProjectNames(),
		Companies:   c.rules.CompanyCodes(),
		LastProject: cc.LastProject,
		LastAction:  cc.LastAction,
	})
	res, err := deadline.Run(ctx, c.cfg.AITimeout, func(ctx context.Context) (*nlp.Result, error) {
		return c.ai.Classify(ctx, prompt)
	})
	switch {
	case errors.Is(err, deadline.ErrTimeout):
		c.logger.Warn("intent: AI fallback timed out", "timeout", c.cfg.AITimeout.String())
		return nil
	case err != nil:
		c.logger.Warn("intent: AI fallback failed", "err", err)
		return nil
	case res == nil:
		return nil
	}
	if res.Confidence <= c.cfg.AIAccept {
		c.logger.Debug("intent: AI result below acceptance", "confidence", res.Confidence)
		return nil
	}

	in := &Intent{
		Intent:              strings.TrimSpace(res.Intent),
		Action:              strings.TrimSpace(res.Action),
		Project:             c.rules.CanonicalProject(res.Project),
		Company:             res.Company,
		Source:              SourceAI,
		Text:                text,
		Ambiguous:           res.Ambiguous,
		ClarifyingQuestions: append([]string(nil), res.ClarifyingQuestions...),
	}
	if in.Intent == "" {
		in.Intent = Unknown
	}
	if in.Action == "" && in.Intent != Unknown {
		in.Action = c.rules.ActionFor(in.Intent)
	}
	if in.Company == "" {
		in.Company = cc.LastCompany
	}
	if res.ConfidenceFactors != nil {
		in.Factors = Factors{
			KeywordMatch: res.ConfidenceFactors.KeywordMatch,
			ContextMatch: res.ConfidenceFactors.ContextMatch,
			HistoryMatch: res.ConfidenceFactors.HistoryMatch,
			Specificity:  res.ConfidenceFactors.Specificity,
		}.clamped()
	} else {
		in.Factors = uniformFactors(res.Confidence)
	}
	in.Confidence = c.cfg.Weights.Score(in.Factors)
	for _, a := range res.Alternatives {
		in.Alternatives = append(in.Alternatives, Alternative{
			Intent:     a.Intent,
			Action:     c.rules.ActionFor(a.Intent),
			Project:    c.rules.CanonicalProject(a.Project),
			Confidence: clamp01(a.Confidence),
		})
	}
	if len(in.Alternatives) > 3 {
		in.Alternatives = in.Alternatives[:3]
	}
	return in
}

// finish applies the learned penalty, ambiguity rules, risk and the
// confirmation policy.
func (c *Classifier) finish(in *Intent) {
	base := c.cfg.Weights.Score(in.Factors)

	if c.learner != nil && in.Intent != Unknown {
		if penalty, p := c.learner.Penalty(in.Intent, in.Project); penalty > 0 {
			in.LearnedPenalty = penalty
			in.ClarifyingQuestions = append(in.ClarifyingQuestions,
				fmt.Sprintf("You corrected this before to %q. Did you mean that instead?", p.LastCorrectedText))
			in.Ambiguous = true
		}
	}
	in.Confidence = clamp01(base - in.LearnedPenalty)

	if in.Confidence < c.cfg.AmbiguousThreshold || in.Intent == Unknown {
		in.Ambiguous = true
		if in.Intent == Unknown {
			in.ClarifyingQuestions = append(in.ClarifyingQuestions, "What would you like me to do?")
		}
		if in.Project == "" && in.Intent != Unknown {
			in.ClarifyingQuestions = append(in.ClarifyingQuestions, c.projectQuestion())
		}
		if in.Intent != Unknown && in.Project != "" && len(in.ClarifyingQuestions) == 0 {
			in.ClarifyingQuestions = append(in.ClarifyingQuestions,
				fmt.Sprintf("Do you want me to %s %s?", humanize(in.Action), in.Project))
		}
	}
	if in.Confidence < c.cfg.MustClarifyThreshold {
		in.Ambiguous = true
		in.MustClarify = true
	}
	for _, a := range in.Alternatives {
		if a.Confidence > c.cfg.StrongAlternative {
			in.Ambiguous = true
			in.ClarifyingQuestions = append(in.ClarifyingQuestions,
				fmt.Sprintf("Did you mean %s?", describe(a.Intent, a.Project)))
			break
		}
	}
	in.ClarifyingQuestions = dedupe(in.ClarifyingQuestions)

	in.Risk = c.risk.Assess(in.Intent, in.Action, append([]string{in.Project}, destinations(in.Text)...)...)
	in.RequiresConfirmation = in.Risk == RiskHigh
	if c.confirm != nil && in.Action != "" && c.confirm.RequiresConfirmation(in.Action) {
		in.RequiresConfirmation = true
	}
	in.Summary = summarize(in)
}

func (c *Classifier) projectQuestion() string {
	names := c.rules.ProjectNames()
	if len(names) == 0 {
		return "Which project do you mean?"
	}
	return fmt.Sprintf("Which project do you mean (%s)?", strings.Join(names, ", "))
}

func humanize(action string) string {
	return strings.ReplaceAll(action, "_", " ")
}

func describe(intent, project string) string {
	s := humanize(intent)
	if project != "" {
		s += " " + project
	}
	return s
}

func summarize(in *Intent) string {
	if in.Intent == Unknown {
		return "unrecognised request"
	}
	s := describe(in.Action, in.Project)
	if in.Action == "" {
		s = describe(in.Intent, in.Project)
	}
	if in.Company != "" {
		s += " for " + in.Company
	}
	return s
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
