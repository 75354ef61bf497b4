package intent

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/michi/common/clock"
)

type memCorrectionStore struct {
	mu          sync.Mutex
	corrections []Correction
	patterns    map[string]LearnedPattern
	saveErr     error
}

func (s *memCorrectionStore) LoadCorrections(context.Context) ([]Correction, []LearnedPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ps []LearnedPattern
	for _, p := range s.patterns {
		ps = append(ps, p)
	}
	return append([]Correction(nil), s.corrections...), ps, nil
}

func (s *memCorrectionStore) SaveCorrections(_ context.Context, cs []Correction, ps []LearnedPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.corrections = append(s.corrections, cs...)
	if s.patterns == nil {
		s.patterns = map[string]LearnedPattern{}
	}
	for _, p := range ps {
		s.patterns[p.Key] = p
	}
	return nil
}

func TestDetectCorrection(t *testing.T) {
	tests := []struct {
		in   string
		want Detection
		ok   bool
	}{
		{"no I meant karate", Detection{Corrected: "karate"}, true},
		{"No, meant deploy karate.", Detection{Corrected: "deploy karate"}, true},
		{"actually, deploy karate", Detection{Corrected: "deploy karate"}, true},
		{"Actually I meant the staging box", Detection{Corrected: "the staging box"}, true},
		{"I meant karate", Detection{Corrected: "karate"}, true},
		{"wrong, restart karate", Detection{Corrected: "restart karate"}, true},
		{"that's not what I meant: build it", Detection{Corrected: "build it"}, true},
		{"not judo, karate", Detection{Corrected: "karate", Replace: "judo"}, true},
		{"deploy karate", Detection{}, false},
		{"no", Detection{}, false},
		{"actually", Detection{}, false},
	}
	for _, tt := range tests {
		got, ok := DetectCorrection(tt.in)
		if ok != tt.ok {
			t.Errorf("DetectCorrection(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("DetectCorrection(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestDetectionApply(t *testing.T) {
	d := Detection{Corrected: "karate", Replace: "judo"}
	if got := d.Apply("deploy judo to staging"); got != "deploy karate to staging" {
		t.Errorf("Apply = %q", got)
	}
	if got := d.Apply("restart the box"); got != "karate" {
		t.Errorf("Apply without the wrong term = %q", got)
	}
	if got := (Detection{Corrected: "build sumo"}).Apply("whatever"); got != "build sumo" {
		t.Errorf("Apply = %q", got)
	}
}

func TestClassifierCorrected(t *testing.T) {
	c := newClassifier(Options{})
	ctx := context.Background()
	build := c.Classify(ctx, "build JUDO", Context{})
	tests := []struct {
		name     string
		text     string
		lastText string
		last     *Intent
		want     string
	}{
		{"bare project keeps the action", "no I meant KARATE", "build JUDO", build, "build KARATE"},
		{"bare project keeps the rest of the request", "I meant karate", "run tests on judo please", c.Classify(ctx, "run tests on judo please", Context{}), "run tests on karate please"},
		{"non-project target joins the action phrase", "actually the staging box", "run tests on JUDO", c.Classify(ctx, "run tests on JUDO", Context{}), "run tests the staging box"},
		{"full request wins", "no I meant deploy karate", "build JUDO", build, "deploy karate"},
		{"not X, Y swaps", "not judo, karate", "build judo", build, "build karate"},
		{"no previous request", "no I meant KARATE", "", nil, "KARATE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := DetectCorrection(tt.text)
			if !ok {
				t.Fatalf("%q not detected as a correction", tt.text)
			}
			if got := c.Corrected(d, tt.lastText, tt.last); got != tt.want {
				t.Errorf("Corrected = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLearner_PenaltyAfterTwoCorrections(t *testing.T) {
	l := NewLearner(nil, clock.NewFake(time.Now()), nil)
	ctx := context.Background()

	l.Record(ctx, "u1", "deploy judo", "deploy karate", "deploy", "JUDO")
	if p, _ := l.Penalty("deploy", "JUDO"); p != 0 {
		t.Errorf("penalty after one correction = %v, want 0", p)
	}

	l.Record(ctx, "u1", "deploy judo", "deploy karate please", "deploy", "JUDO")
	p, pat := l.Penalty("deploy", "judo")
	if math.Abs(p-0.2) > 1e-9 {
		t.Errorf("penalty after two corrections = %v, want 0.2", p)
	}
	if pat == nil || pat.LastCorrectedText != "deploy karate please" || pat.Count != 2 {
		t.Errorf("pattern = %+v", pat)
	}

	for i := 0; i < 5; i++ {
		l.Record(ctx, "u1", "deploy judo", "x", "deploy", "JUDO")
	}
	if p, _ := l.Penalty("deploy", "JUDO"); p != 0.4 {
		t.Errorf("penalty should cap at 0.4, got %v", p)
	}
	if p, _ := l.Penalty("build", "JUDO"); p != 0 {
		t.Errorf("other keys should not be penalised, got %v", p)
	}
}

func TestLearner_PersistsAndReloads(t *testing.T) {
	store := &memCorrectionStore{}
	ctx := context.Background()
	l := NewLearner(store, nil, nil)
	c := l.Record(ctx, "u1", "deploy judo", "deploy karate", "deploy", "JUDO")
	l.Record(ctx, "u1", "deploy judo", "deploy karate", "deploy", "JUDO")

	if c.ID == "" || len(c.ID) != 26 {
		t.Errorf("correction ID = %q, want a ULID", c.ID)
	}
	if len(store.corrections) != 2 || store.patterns["deploy:judo"].Count != 2 {
		t.Fatalf("store = %+v", store)
	}

	fresh := NewLearner(store, nil, nil)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p, _ := fresh.Penalty("deploy", "JUDO"); p == 0 {
		t.Error("reloaded learner lost its pattern")
	}
	if len(fresh.Corrections()) != 2 {
		t.Errorf("Corrections = %d, want 2", len(fresh.Corrections()))
	}
}

func TestLearner_StoreFailureKeepsMemory(t *testing.T) {
	store := &memCorrectionStore{saveErr: errors.New("disk full")}
	l := NewLearner(store, nil, nil)
	l.Record(context.Background(), "u1", "a", "b", "deploy", "JUDO")
	if _, ok := l.Pattern("deploy", "JUDO"); !ok {
		t.Error("pattern should be kept in memory when persistence fails")
	}
	if err := l.Save(context.Background()); err == nil {
		t.Error("Save should surface the store error")
	}
}
