package convctx

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/michi/common/clock"
)

func testVocab() *Vocabulary {
	return NewVocabulary(
		map[string][]string{
			"JUDO":   {"judo"},
			"KARATE": {"karate", "karate-api"},
		},
		map[string][]string{
			"ACME": {"acme"},
		},
		[]string{"deploy", "run", "check", "restart", "build", "merge", "rollback"},
		DefaultEntityPatterns(),
	)
}

func newTestResolver(t *testing.T) (*Resolver, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewResolver(Config{}, testVocab(), clk, nil), clk
}

func TestResolvePronouns_NoStateIsNoop(t *testing.T) {
	r, _ := newTestResolver(t)
	in := "check it and deploy that there"
	if got := r.ResolvePronouns("conv-1", in); got != in {
		t.Errorf("ResolvePronouns = %q, want unchanged %q", got, in)
	}
}

func TestResolvePronouns_SingularAfterRepoMention(t *testing.T) {
	r, _ := newTestResolver(t)
	r.RecordMention("conv-1", MentionRepo, "JUDO")
	if got := r.ResolvePronouns("conv-1", "check it"); got != "check JUDO" {
		t.Errorf("ResolvePronouns = %q, want %q", got, "check JUDO")
	}
}

func TestResolvePronouns_Idempotent(t *testing.T) {
	r, _ := newTestResolver(t)
	r.RecordMention("conv-1", MentionRepo, "JUDO")
	first := r.ResolvePronouns("conv-1", "deploy it")
	second := r.ResolvePronouns("conv-1", "deploy it")
	if first != second {
		t.Errorf("results differ: %q vs %q", first, second)
	}
}

func TestResolvePronouns_ExpiredStateIsNoop(t *testing.T) {
	r, clk := newTestResolver(t)
	r.RecordMention("conv-1", MentionRepo, "JUDO")
	clk.Advance(31 * time.Minute)
	if got := r.ResolvePronouns("conv-1", "check it"); got != "check it" {
		t.Errorf("ResolvePronouns = %q, want unchanged", got)
	}
	if r.Len() != 0 {
		t.Errorf("expired state should be dropped on read, Len = %d", r.Len())
	}
}

func TestResolvePronouns_Rules(t *testing.T) {
	tests := []struct {
		name     string
		mentions []Mention
		in       string
		want     string
	}{
		{
			name:     "this as object at end of clause",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "deploy this",
			want:     "deploy JUDO",
		},
		{
			name:     "that before connector",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "build that and then restart",
			want:     "build JUDO and then restart",
		},
		{
			name:     "that as determiner is kept for locational pass",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "deploy that project",
			want:     "deploy JUDO",
		},
		{
			name:     "that as conjunction is left alone",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "make sure that tests pass",
			want:     "make sure that tests pass",
		},
		{
			name:     "entity is most recent target",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}, {Type: MentionEntity, Value: "PR #12"}},
			in:       "merge it",
			want:     "merge PR #12",
		},
		{
			name:     "locational there",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "run tests there",
			want:     "run tests on JUDO",
		},
		{
			name:     "existential there is kept",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "is there a failing test",
			want:     "is there a failing test",
		},
		{
			name:     "plural them and their",
			mentions: []Mention{{Type: MentionCompany, Value: "ACME"}},
			in:       "send them their invoice",
			want:     "send ACME ACME's invoice",
		},
		{
			name: "the other one",
			mentions: []Mention{
				{Type: MentionRepo, Value: "KARATE"},
				{Type: MentionRepo, Value: "JUDO"},
				{Type: MentionRepo, Value: "JUDO"},
			},
			in:   "deploy the other one",
			want: "deploy KARATE",
		},
		{
			name:     "again repeats last action and target",
			mentions: []Mention{{Type: MentionAction, Value: "deploy"}, {Type: MentionRepo, Value: "JUDO"}},
			in:       "again",
			want:     "deploy JUDO",
		},
		{
			name:     "do the same for X",
			mentions: []Mention{{Type: MentionAction, Value: "restart"}, {Type: MentionRepo, Value: "JUDO"}},
			in:       "do the same for karate",
			want:     "restart karate",
		},
		{
			name:     "same for X keeps a multi-word action",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}, {Type: MentionAction, Value: "run tests"}},
			in:       "same for KARATE",
			want:     "run tests KARATE",
		},
		{
			name:     "again keeps a multi-word action",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}, {Type: MentionAction, Value: "check status"}},
			in:       "again",
			want:     "check status JUDO",
		},
		{
			name:     "verb again appends target",
			mentions: []Mention{{Type: MentionAction, Value: "run"}, {Type: MentionRepo, Value: "JUDO"}},
			in:       "run tests again",
			want:     "run tests JUDO",
		},
		{
			name:     "it's is not a pronoun object",
			mentions: []Mention{{Type: MentionRepo, Value: "JUDO"}},
			in:       "it's broken",
			want:     "it's broken",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResolver(t)
			for _, m := range tt.mentions {
				r.RecordMention("c", m.Type, m.Value)
			}
			if got := r.ResolvePronouns("c", tt.in); got != tt.want {
				t.Errorf("ResolvePronouns(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolvePronouns_ConfigurableOrder(t *testing.T) {
	clk := clock.NewFake(time.Now())
	// With singular first, "that" in "that project" is not an object and the
	// locational pass still claims the phrase.
	r := NewResolver(Config{RuleOrder: []Rule{RuleSingular, RuleLocational}}, testVocab(), clk, nil)
	r.RecordMention("c", MentionRepo, "JUDO")
	r.RecordMention("c", MentionEntity, "PR #3")
	if got := r.ResolvePronouns("c", "merge it into that repo"); got != "merge PR #3 into JUDO" {
		t.Errorf("got %q", got)
	}

	onlyPlural := NewResolver(Config{RuleOrder: []Rule{RulePlural}}, testVocab(), clk, nil)
	onlyPlural.RecordMention("c", MentionRepo, "JUDO")
	if got := onlyPlural.ResolvePronouns("c", "check it"); got != "check it" {
		t.Errorf("singular pass should be disabled, got %q", got)
	}
}

func TestRecordMention_RingBufferBounded(t *testing.T) {
	r, _ := newTestResolver(t)
	for _, v := range []string{"A", "B", "C", "D", "E", "F", "G"} {
		r.RecordMention("c", MentionEntity, v)
	}
	st, ok := r.State("c")
	if !ok {
		t.Fatal("expected state")
	}
	var got []string
	for _, m := range st.Mentions {
		got = append(got, m.Value)
	}
	if diff := cmp.Diff([]string{"C", "D", "E", "F", "G"}, got); diff != "" {
		t.Errorf("mentions mismatch (-want +got):\n%s", diff)
	}
	if st.LastEntity != "G" {
		t.Errorf("LastEntity = %q", st.LastEntity)
	}
}

func TestRecordMention_IgnoresInvalid(t *testing.T) {
	r, _ := newTestResolver(t)
	r.RecordMention("c", MentionType("colour"), "red")
	r.RecordMention("c", MentionRepo, "  ")
	r.RecordMention("", MentionRepo, "JUDO")
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestDetectAndRecord_TextOrderAndFirstVerb(t *testing.T) {
	r, _ := newTestResolver(t)
	got := r.DetectAndRecord("c", "deploy karate-api for ACME then merge PR #12 on branch feature/x")

	var pairs [][2]string
	for _, m := range got {
		pairs = append(pairs, [2]string{string(m.Type), m.Value})
	}
	want := [][2]string{
		{"action", "deploy"},
		{"repo", "KARATE"},
		{"company", "ACME"},
		{"entity", "PR #12"},
		{"entity", "branch feature/x"},
	}
	if diff := cmp.Diff(want, pairs); diff != "" {
		t.Errorf("mentions mismatch (-want +got):\n%s", diff)
	}

	st, _ := r.State("c")
	if st.LastAction != "deploy" || st.LastRepo != "KARATE" || st.LastCompany != "ACME" || st.LastEntity != "branch feature/x" {
		t.Errorf("unexpected state: %+v", st)
	}
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	r, clk := newTestResolver(t)
	r.RecordMention("old", MentionRepo, "JUDO")
	clk.Advance(20 * time.Minute)
	r.RecordMention("fresh", MentionRepo, "KARATE")
	clk.Advance(15 * time.Minute)

	if n := r.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, ok := r.State("old"); ok {
		t.Error("old state survived sweep")
	}
	if _, ok := r.State("fresh"); !ok {
		t.Error("fresh state removed")
	}
}

func TestResolver_LRUCapacity(t *testing.T) {
	r := NewResolver(Config{Capacity: 2}, testVocab(), clock.NewFake(time.Now()), nil)
	r.RecordMention("a", MentionRepo, "JUDO")
	r.RecordMention("b", MentionRepo, "JUDO")
	r.RecordMention("a", MentionRepo, "KARATE")
	r.RecordMention("c", MentionRepo, "JUDO")

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if _, ok := r.State("b"); ok {
		t.Error("least recently used conversation should be evicted")
	}
}

func TestForget(t *testing.T) {
	r, _ := newTestResolver(t)
	r.RecordMention("c", MentionRepo, "JUDO")
	r.Forget("c")
	if _, ok := r.State("c"); ok {
		t.Error("state survived Forget")
	}
}

func TestScratch_ResolvesWithinMessage(t *testing.T) {
	s := NewScratch(testVocab(), nil, nil)
	if got := s.Resolve("deploy it"); got != "deploy it" {
		t.Errorf("empty scratch should be a no-op, got %q", got)
	}
	s.DetectAndRecord("run tests on judo")
	if got := s.Resolve("deploy it"); got != "deploy JUDO" {
		t.Errorf("Resolve = %q, want %q", got, "deploy JUDO")
	}
}
