package intent

import (
	"fmt"
	"math"
	"strings"
)

// Factors are the four weighted inputs to a confidence score, each in [0,1].
type Factors struct {
	KeywordMatch float64 `json:"keywordMatch"`
	ContextMatch float64 `json:"contextMatch"`
	HistoryMatch float64 `json:"historyMatch"`
	Specificity  float64 `json:"specificity"`
}

// Weights are the fixed factor weights. They must sum to 1.
type Weights struct {
	Keyword     float64 `koanf:"keyword"`
	Context     float64 `koanf:"context"`
	History     float64 `koanf:"history"`
	Specificity float64 `koanf:"specificity"`
}

// DefaultWeights favours the keyword signal, then specificity.
var DefaultWeights = Weights{Keyword: 0.4, Context: 0.2, History: 0.15, Specificity: 0.25}

// Validate checks that every weight is non-negative and the sum is 1.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Keyword, w.Context, w.History, w.Specificity} {
		if v < 0 {
			return fmt.Errorf("intent: negative factor weight %.3f", v)
		}
	}
	if sum := w.Keyword + w.Context + w.History + w.Specificity; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("intent: factor weights sum to %.3f, want 1", sum)
	}
	return nil
}

// Score is the weighted sum of all four factors. A zero factor still takes
// its share of the total; nothing is renormalised over present factors.
func (w Weights) Score(f Factors) float64 {
	f = f.clamped()
	return clamp01(f.KeywordMatch*w.Keyword +
		f.ContextMatch*w.Context +
		f.HistoryMatch*w.History +
		f.Specificity*w.Specificity)
}

func (f Factors) clamped() Factors {
	return Factors{
		KeywordMatch: clamp01(f.KeywordMatch),
		ContextMatch: clamp01(f.ContextMatch),
		HistoryMatch: clamp01(f.HistoryMatch),
		Specificity:  clamp01(f.Specificity),
	}
}

// uniformFactors sets every factor to c, so the weighted sum equals c.
func uniformFactors(c float64) Factors {
	c = clamp01(c)
	return Factors{KeywordMatch: c, ContextMatch: c, HistoryMatch: c, Specificity: c}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// keywordFactor combines the intent pattern weight with a project keyword
// hit.
func keywordFactor(m Match) float64 {
	v := 0.6 * m.IntentWeight
	if m.Project != "" {
		v += 0.4
	}
	return clamp01(v)
}

// contextFactor measures project continuity with the conversation. A
// project named outright with no conversation project yet scores 0.8:
// nothing contradicts it. Switching away from the conversation project
// scores lowest.
func contextFactor(project string, inherited bool, c Context) float64 {
	switch {
	case project == "":
		return 0
	case inherited:
		return 0.5
	case strings.EqualFold(project, c.LastProject):
		return 1
	}
	recent := false
	for _, p := range c.RecentProjects {
		if strings.EqualFold(project, p) {
			recent = true
			break
		}
	}
	switch {
	case c.LastProject == "" && recent:
		return 0.9
	case c.LastProject == "":
		return 0.8
	case recent:
		return 0.7
	}
	return 0.3
}

// specificityFactor rewards longer, complete requests and penalises vague
// phrasing.
func specificityFactor(text string, hasIntent, hasProject, vague bool) float64 {
	words := len(strings.Fields(text))
	v := 0.3*math.Min(float64(words), 8)/8 + 0.1*math.Min(float64(len(text)), 60)/60
	if hasIntent {
		v += 0.3
	}
	if hasProject {
		v += 0.3
	}
	if vague {
		v -= 0.4
	}
	return clamp01(v)
}
