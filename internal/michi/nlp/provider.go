// Package nlp is the AI fallback for intent classification.
//
// The deterministic rule tier handles most messages. When it is unsure, the
// classifier asks a Provider for a structured JSON guess, bounded by a hard
// deadline and a per-user rate limit. The provider only proposes an intent;
// it never executes anything and never sees secrets or action state.
package nlp

import (
	"context"
	"errors"
)

// ErrRateLimit is returned by a Provider when the upstream API reports a
// rate-limiting condition (HTTP 429).
var ErrRateLimit = errors.New("nlp: upstream rate limit exceeded")

// ErrMalformedOutput is returned by a Provider when the model's reply cannot
// be interpreted as a Result (JSON parse failure or schema violation).
var ErrMalformedOutput = errors.New("nlp: malformed response from model")

// Factors mirrors the classifier's confidence factors.
type Factors struct {
	KeywordMatch float64 `json:"keywordMatch"`
	ContextMatch float64 `json:"contextMatch"`
	HistoryMatch float64 `json:"historyMatch"`
	Specificity  float64 `json:"specificity"`
}

// Alternative is a runner-up interpretation proposed by the model.
type Alternative struct {
	Intent     string  `json:"intent"`
	Project    string  `json:"project,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Result is the structured output of a Provider.
type Result struct {
	Intent              string        `json:"intent"`
	Action              string        `json:"action,omitempty"`
	Project             string        `json:"project,omitempty"`
	Company             string        `json:"company,omitempty"`
	Confidence          float64       `json:"confidence"`
	ConfidenceFactors   *Factors      `json:"confidenceFactors,omitempty"`
	Alternatives        []Alternative `json:"alternatives,omitempty"`
	Ambiguous           bool          `json:"ambiguous,omitempty"`
	ClarifyingQuestions []string      `json:"clarifyingQuestions,omitempty"`
}

// Provider classifies a prompt into a Result.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation; the classifier abandons calls that outlive their deadline.
type Provider interface {
	Classify(ctx context.Context, prompt Prompt) (*Result, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, prompt Prompt) (*Result, error)

// Classify calls f.
func (f ProviderFunc) Classify(ctx context.Context, prompt Prompt) (*Result, error) {
	return f(ctx, prompt)
}
