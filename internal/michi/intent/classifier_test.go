package intent

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/bdobrica/michi/internal/michi/nlp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubConfirm map[string]bool

func (s stubConfirm) RequiresConfirmation(action string) bool { return s[action] }

func newClassifier(opts Options) *Classifier {
	if opts.Rules == nil {
		opts.Rules = MustDefaultRules()
	}
	return New(opts)
}

func assertInvariant(t *testing.T, in *Intent) {
	t.Helper()
	want := clamp01(DefaultWeights.Score(in.Factors) - in.LearnedPenalty)
	if math.Abs(in.Confidence-want) > 1e-9 {
		t.Errorf("confidence %v != weighted factors minus penalty %v", in.Confidence, want)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		t.Errorf("confidence %v outside [0,1]", in.Confidence)
	}
}

func TestClassify_EmptyInput(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "   ", Context{})
	if in.Intent != Unknown || in.Source != SourceDefault {
		t.Errorf("intent = %q source = %q", in.Intent, in.Source)
	}
	if !in.Ambiguous || !in.MustClarify || in.Confidence != 0 {
		t.Errorf("empty input should be a must-clarify unknown: %+v", in)
	}
	if len(in.ClarifyingQuestions) == 0 {
		t.Error("expected a clarifying question")
	}
}

func TestClassify_PatternTier(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "deploy judo", Context{UserID: "u1"})

	if in.Intent != "deploy" || in.Action != "deploy" || in.Project != "JUDO" {
		t.Fatalf("unexpected classification: %+v", in)
	}
	if in.Source != SourcePattern {
		t.Errorf("source = %q", in.Source)
	}
	if in.Risk != RiskMedium {
		t.Errorf("risk = %q, want medium", in.Risk)
	}
	if in.Ambiguous {
		t.Errorf("unexpected ambiguity: %v", in.ClarifyingQuestions)
	}
	if in.Summary != "deploy JUDO" {
		t.Errorf("summary = %q", in.Summary)
	}
	assertInvariant(t, in)
}

func TestClassify_ContextRaisesConfidence(t *testing.T) {
	c := newClassifier(Options{})
	cold := c.Classify(context.Background(), "deploy judo", Context{})
	warm := c.Classify(context.Background(), "deploy judo", Context{LastProject: "JUDO"})
	if !(warm.Confidence > cold.Confidence) {
		t.Errorf("context continuity should raise confidence: cold %v warm %v", cold.Confidence, warm.Confidence)
	}
	if warm.Factors.ContextMatch != 1 {
		t.Errorf("contextMatch = %v, want 1", warm.Factors.ContextMatch)
	}
}

func TestClassify_ExplicitProjectInFreshConversation(t *testing.T) {
	c := newClassifier(Options{})
	for _, text := range []string{"deploy judo", "run tests on JUDO"} {
		in := c.Classify(context.Background(), text, Context{UserID: "u1"})
		if in.Factors.ContextMatch != 0.8 {
			t.Errorf("%q: contextMatch = %v, want 0.8", text, in.Factors.ContextMatch)
		}
		if in.Confidence < 0.7 {
			t.Errorf("%q: confidence %v is below the confirm band", text, in.Confidence)
		}
		assertInvariant(t, in)
	}
}

func TestClassify_InheritsProjectFromContext(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "restart the service", Context{LastProject: "SUMO"})
	if in.Project != "SUMO" || in.Factors.ContextMatch != 0.5 {
		t.Errorf("project = %q contextMatch = %v", in.Project, in.Factors.ContextMatch)
	}
	assertInvariant(t, in)
}

func TestClassify_UnknownMustClarify(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "hello there friend", Context{})
	if in.Intent != Unknown || !in.Ambiguous || !in.MustClarify {
		t.Errorf("unexpected: %+v", in)
	}
	assertInvariant(t, in)
}

func TestClassify_MissingProjectAsksWhichProject(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "deploy", Context{})
	if !in.Ambiguous {
		t.Fatalf("expected ambiguity, confidence %v", in.Confidence)
	}
	found := false
	for _, q := range in.ClarifyingQuestions {
		if strings.Contains(q, "Which project") {
			found = true
		}
	}
	if !found {
		t.Errorf("questions = %v", in.ClarifyingQuestions)
	}
}

func TestClassify_StrongAlternativeForcesAmbiguity(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "build and deploy judo", Context{})
	if in.Intent != "deploy" {
		t.Fatalf("intent = %q", in.Intent)
	}
	if len(in.Alternatives) == 0 || in.Alternatives[0].Intent != "build" {
		t.Fatalf("alternatives = %+v", in.Alternatives)
	}
	if !in.Ambiguous {
		t.Error("a strong alternative should force ambiguity")
	}
	if !strings.Contains(strings.Join(in.ClarifyingQuestions, " "), "Did you mean build JUDO?") {
		t.Errorf("questions = %v", in.ClarifyingQuestions)
	}
}

func TestClassify_ProductionEscalatesRiskOnce(t *testing.T) {
	c := newClassifier(Options{})
	in := c.Classify(context.Background(), "deploy judo to production", Context{})
	if in.Risk != RiskHigh || !in.RequiresConfirmation {
		t.Errorf("risk = %q requiresConfirmation = %v", in.Risk, in.RequiresConfirmation)
	}
	low := c.Classify(context.Background(), "build judo on production", Context{})
	if low.Risk != RiskMedium {
		t.Errorf("low-risk build targeting production = %q, want medium", low.Risk)
	}
}

func TestClassify_ConfirmPolicy(t *testing.T) {
	c := newClassifier(Options{Confirm: stubConfirm{"build": true}})
	in := c.Classify(context.Background(), "build judo", Context{})
	if !in.RequiresConfirmation {
		t.Error("gate policy should require confirmation for build")
	}
}

func TestClassify_RepeatedCorrectionsPenalise(t *testing.T) {
	ctx := context.Background()
	learner := NewLearner(nil, nil, nil)
	c := newClassifier(Options{Learner: learner})
	cc := Context{UserID: "u1", LastProject: "JUDO"}

	before := c.Classify(ctx, "deploy judo", cc)
	learner.Record(ctx, "u1", "deploy judo", "deploy karate", "deploy", "JUDO")
	learner.Record(ctx, "u1", "deploy judo", "deploy karate", "deploy", "JUDO")
	after := c.Classify(ctx, "deploy judo", cc)

	if before.Confidence-after.Confidence < 0.1-1e-9 {
		t.Errorf("confidence dropped %v -> %v, want at least 0.1", before.Confidence, after.Confidence)
	}
	if after.LearnedPenalty != 0.2 {
		t.Errorf("LearnedPenalty = %v", after.LearnedPenalty)
	}
	if !strings.Contains(strings.Join(after.ClarifyingQuestions, " "), `"deploy karate"`) {
		t.Errorf("questions should reference the correction: %v", after.ClarifyingQuestions)
	}
	assertInvariant(t, after)
}

func TestClassify_HistoryFeedsConfidence(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(HistoryConfig{}, nil, nil, nil)
	c := newClassifier(Options{History: h})
	before := c.Classify(ctx, "deploy judo", Context{UserID: "u1"})
	h.Track(ctx, "u1", "deploy", "JUDO")
	after := c.Classify(ctx, "deploy judo", Context{UserID: "u1"})
	if after.Factors.HistoryMatch != 1 || !(after.Confidence > before.Confidence) {
		t.Errorf("history did not feed confidence: %+v", after.Factors)
	}
}

func aiReturning(res *nlp.Result, err error, calls *atomic.Int32) nlp.Provider {
	return nlp.ProviderFunc(func(ctx context.Context, p nlp.Prompt) (*nlp.Result, error) {
		if calls != nil {
			calls.Add(1)
		}
		return res, err
	})
}

func TestClassify_AIFallbackAccepted(t *testing.T) {
	c := newClassifier(Options{AI: aiReturning(&nlp.Result{Intent: "rollback", Project: "judo", Confidence: 0.9}, nil, nil)})
	in := c.Classify(context.Background(), "please sort out judo", Context{})
	if in.Source != SourceAI || in.Intent != "rollback" || in.Project != "JUDO" || in.Action != "rollback" {
		t.Fatalf("unexpected: %+v", in)
	}
	if math.Abs(in.Confidence-0.9) > 1e-9 {
		t.Errorf("omitted factors should make confidence equal the reported value, got %v", in.Confidence)
	}
	if in.Risk != RiskHigh {
		t.Errorf("risk = %q", in.Risk)
	}
	assertInvariant(t, in)
}

func TestClassify_AIFactorsRescored(t *testing.T) {
	res := &nlp.Result{
		Intent:            "build",
		Project:           "KARATE",
		Confidence:        0.99,
		ConfidenceFactors: &nlp.Factors{KeywordMatch: 1, ContextMatch: 1, HistoryMatch: 0, Specificity: 1},
	}
	c := newClassifier(Options{AI: aiReturning(res, nil, nil)})
	in := c.Classify(context.Background(), "make karate happen", Context{})
	if in.Source != SourceAI {
		t.Fatalf("source = %q", in.Source)
	}
	if math.Abs(in.Confidence-0.85) > 1e-9 {
		t.Errorf("confidence = %v, want the weighted sum 0.85", in.Confidence)
	}
}

func TestClassify_AIFallbackRejected(t *testing.T) {
	tests := map[string]nlp.Provider{
		"low confidence": aiReturning(&nlp.Result{Intent: "rollback", Confidence: 0.5}, nil, nil),
		"malformed":      aiReturning(nil, nlp.ErrMalformedOutput, nil),
		"nil result":     aiReturning(nil, nil, nil),
	}
	for name, ai := range tests {
		t.Run(name, func(t *testing.T) {
			c := newClassifier(Options{AI: ai})
			in := c.Classify(context.Background(), "deploy judo", Context{})
			if in.Source != SourcePattern || in.Intent != "deploy" {
				t.Errorf("expected rule tier result, got %+v", in)
			}
		})
	}
}

func TestClassify_AITimeoutFallsBack(t *testing.T) {
	slow := nlp.ProviderFunc(func(ctx context.Context, p nlp.Prompt) (*nlp.Result, error) {
		<-ctx.Done()
		return &nlp.Result{Intent: "delete", Confidence: 1}, nil
	})
	c := newClassifier(Options{AI: slow, Config: Config{AITimeout: 20 * time.Millisecond}})

	start := time.Now()
	in := c.Classify(context.Background(), "deploy judo", Context{})
	if time.Since(start) > 2*time.Second {
		t.Error("classification waited far past the AI deadline")
	}
	if in.Source != SourcePattern || in.Intent != "deploy" {
		t.Errorf("late AI result must be discarded, got %+v", in)
	}
}

func TestClassify_AISkippedAboveThreshold(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	h := NewHistory(HistoryConfig{}, nil, nil, nil)
	h.Track(ctx, "u1", "deploy", "JUDO")
	c := newClassifier(Options{History: h, AI: aiReturning(&nlp.Result{Intent: "build", Confidence: 1}, nil, &calls)})

	in := c.Classify(ctx, "deploy judo", Context{UserID: "u1", LastProject: "JUDO"})
	if in.Confidence <= 0.8 {
		t.Fatalf("setup: rule confidence %v should exceed the AI threshold", in.Confidence)
	}
	if calls.Load() != 0 {
		t.Errorf("AI called %d times, want 0", calls.Load())
	}
}

func TestClassify_AIRateLimited(t *testing.T) {
	var calls atomic.Int32
	c := newClassifier(Options{
		AI:      aiReturning(&nlp.Result{Intent: "build", Confidence: 0.9}, nil, &calls),
		Limiter: nlp.NewRateLimiter(1, time.Minute, nil),
	})
	c.Classify(context.Background(), "hmm judo", Context{UserID: "u1"})
	c.Classify(context.Background(), "hmm judo", Context{UserID: "u1"})
	if calls.Load() != 1 {
		t.Errorf("AI called %d times, want 1", calls.Load())
	}
}
