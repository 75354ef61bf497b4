package intent

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/michi/common/clock"
)

// Correction is one raw "that's not what I meant" fact.
type Correction struct {
	ID              string
	OriginalText    string
	CorrectedText   string
	OriginalIntent  string
	OriginalProject string
	UserID          string
	Timestamp       time.Time
}

// LearnedPattern aggregates corrections for one intent:project key.
type LearnedPattern struct {
	Key               string
	Count             int
	LastCorrectedText string
	UpdatedAt         time.Time
}

// CorrectionStore persists corrections and learned patterns. Save upserts
// patterns by key and inserts corrections by ID.
type CorrectionStore interface {
	LoadCorrections(ctx context.Context) ([]Correction, []LearnedPattern, error)
	SaveCorrections(ctx context.Context, corrections []Correction, patterns []LearnedPattern) error
}

const (
	// penaltyThreshold is the correction count at which a key starts being
	// penalised.
	penaltyThreshold = 2
	penaltyPerCount  = 0.1
	maxPenalty       = 0.4
	maxCorrections   = 500
)

// PatternKey is the learned-pattern key for an intent and project.
func PatternKey(intent, project string) string {
	return strings.ToLower(intent) + ":" + strings.ToLower(project)
}

// Detection is a recognised correction phrase.
type Detection struct {
	// Corrected is what the user says they meant.
	Corrected string
	// Replace is the wrong term in "not X, Y" phrasing; empty otherwise.
	Replace string
}

var correctionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*(?:no+|nope|nah)\s*[,.!]?\s*(?:i\s+)?meant\s*[,:]?\s+(.+)$`),
	regexp.MustCompile(`(?i)^\s*actually\s*[,:]?\s+(?:i\s+meant\s+|i\s+want(?:ed)?\s+(?:you\s+)?(?:to\s+)?)?(.+)$`),
	regexp.MustCompile(`(?i)^\s*i\s+meant\s*[,:]?\s+(.+)$`),
	regexp.MustCompile(`(?i)^\s*(?:wrong|that'?s\s+wrong|that\s+is\s+wrong|incorrect|that'?s\s+not\s+(?:it|right|what\s+i\s+meant))\s*[,.!:;-]*\s+(.+)$`),
}

var notXYRe = regexp.MustCompile(`(?i)^\s*not\s+(.+?)\s*[,;]\s*(?:but\s+)?(.+)$`)

// DetectCorrection recognises correction phrasing: "no I meant …",
// "actually …", "I meant …", "wrong, …" and "not X, Y".
func DetectCorrection(text string) (Detection, bool) {
	for _, re := range correctionPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if c := trimCorrection(m[1]); c != "" {
				return Detection{Corrected: c}, true
			}
		}
	}
	if m := notXYRe.FindStringSubmatch(text); m != nil {
		x, y := trimCorrection(m[1]), trimCorrection(m[2])
		if x != "" && y != "" {
			return Detection{Corrected: y, Replace: x}, true
		}
	}
	return Detection{}, false
}

func trimCorrection(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ".!"))
}

// Apply turns a detection into the full corrected request. For "not X, Y"
// the wrong term is swapped inside the original text when present.
func (d Detection) Apply(original string) string {
	if d.Replace == "" {
		return d.Corrected
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(d.Replace) + `\b`)
	if re.MatchString(original) {
		return re.ReplaceAllLiteralString(original, d.Corrected)
	}
	return d.Corrected
}

// Learner records corrections and turns repeated ones into a confidence
// penalty. It is safe for concurrent use.
type Learner struct {
	mu          sync.Mutex
	corrections []Correction
	patterns    map[string]*LearnedPattern
	store       CorrectionStore
	clock       clock.Clock
	logger      *slog.Logger
}

// NewLearner creates a Learner. A nil store keeps learning session-only.
func NewLearner(store CorrectionStore, clk clock.Clock, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{
		patterns: make(map[string]*LearnedPattern),
		store:    store,
		clock:    clock.OrReal(clk),
		logger:   logger,
	}
}

// Load replaces in-memory state with what the store holds.
func (l *Learner) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	corrections, patterns, err := l.store.LoadCorrections(ctx)
	if err != nil {
		return fmt.Errorf("intent: load corrections: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.corrections = corrections
	if len(l.corrections) > maxCorrections {
		l.corrections = l.corrections[len(l.corrections)-maxCorrections:]
	}
	l.patterns = make(map[string]*LearnedPattern, len(patterns))
	for i := range patterns {
		p := patterns[i]
		l.patterns[p.Key] = &p
	}
	l.logger.Info("intent: loaded learned patterns", "corrections", len(corrections), "patterns", len(patterns))
	return nil
}

// Save writes every correction and pattern to the store.
func (l *Learner) Save(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	corrections := append([]Correction(nil), l.corrections...)
	patterns := make([]LearnedPattern, 0, len(l.patterns))
	for _, p := range l.patterns {
		patterns = append(patterns, *p)
	}
	l.mu.Unlock()

	if err := l.store.SaveCorrections(ctx, corrections, patterns); err != nil {
		return fmt.Errorf("intent: save corrections: %w", err)
	}
	return nil
}

// Record stores a correction of a classification of originalIntent on
// originalProject and bumps the pattern for that key. Persistence failures
// are logged; the in-memory state is updated regardless.
func (l *Learner) Record(ctx context.Context, userID, originalText, correctedText, originalIntent, originalProject string) Correction {
	now := l.clock.Now()
	c := Correction{
		ID:              ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		OriginalText:    originalText,
		CorrectedText:   correctedText,
		OriginalIntent:  originalIntent,
		OriginalProject: originalProject,
		UserID:          userID,
		Timestamp:       now,
	}
	key := PatternKey(originalIntent, originalProject)

	l.mu.Lock()
	l.corrections = append(l.corrections, c)
	if len(l.corrections) > maxCorrections {
		l.corrections = l.corrections[len(l.corrections)-maxCorrections:]
	}
	p, ok := l.patterns[key]
	if !ok {
		p = &LearnedPattern{Key: key}
		l.patterns[key] = p
	}
	p.Count++
	p.LastCorrectedText = correctedText
	p.UpdatedAt = now
	snapshot := *p
	l.mu.Unlock()

	l.logger.Debug("intent: recorded correction", "key", key, "count", snapshot.Count)

	if l.store != nil {
		if err := l.store.SaveCorrections(ctx, []Correction{c}, []LearnedPattern{snapshot}); err != nil {
			l.logger.Warn("intent: failed to persist correction", "key", key, "err", err)
		}
	}
	return c
}

// Penalty returns the confidence penalty for intent:project and the pattern
// behind it. Keys corrected fewer than two times are not penalised.
func (l *Learner) Penalty(intent, project string) (float64, *LearnedPattern) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.patterns[PatternKey(intent, project)]
	if !ok || p.Count < penaltyThreshold {
		return 0, nil
	}
	cp := *p
	return min(float64(p.Count)*penaltyPerCount, maxPenalty), &cp
}

// Pattern returns a copy of the learned pattern for a key.
func (l *Learner) Pattern(intent, project string) (LearnedPattern, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.patterns[PatternKey(intent, project)]
	if !ok {
		return LearnedPattern{}, false
	}
	return *p, true
}

// Corrections returns a copy of the recorded corrections, oldest first.
func (l *Learner) Corrections() []Correction {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Correction(nil), l.corrections...)
}
