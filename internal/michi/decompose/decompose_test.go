package decompose_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/michi/internal/michi/convctx"
	"github.com/bdobrica/michi/internal/michi/decompose"
)

var testVerbs = []string{"deploy", "run", "check", "restart", "build", "merge", "rollback", "create", "send", "test"}

func newDecomposer() *decompose.Decomposer {
	vocab := convctx.NewVocabulary(
		map[string][]string{"JUDO": {"judo"}, "KARATE": {"karate"}},
		map[string][]string{"ACME": {"acme"}},
		testVerbs,
		convctx.DefaultEntityPatterns(),
	)
	return decompose.New(decompose.Config{Verbs: testVerbs, Vocabulary: vocab}, nil)
}

func stepTexts(p *decompose.Plan) []string {
	var out []string
	for _, s := range p.Steps {
		out = append(out, s.Text)
	}
	return out
}

func TestDecompose_AndThenResolvesPronoun(t *testing.T) {
	d := newDecomposer()
	plan := d.Decompose("run tests on JUDO and then deploy it")
	if plan == nil {
		t.Fatal("expected a plan")
	}
	if diff := cmp.Diff([]string{"run tests on JUDO", "deploy JUDO"}, stepTexts(plan)); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
	for i, s := range plan.Steps {
		if !s.Sequential || s.Order != i {
			t.Errorf("step %d = %+v, want sequential with order %d", i, s, i)
		}
	}
}

func TestDecompose_ButFirstReorders(t *testing.T) {
	d := newDecomposer()
	plan := d.Decompose("deploy JUDO but first run tests")
	if plan == nil {
		t.Fatal("expected a plan")
	}
	if diff := cmp.Diff([]string{"run tests", "deploy JUDO"}, stepTexts(plan)); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestDecompose_Conditional(t *testing.T) {
	d := newDecomposer()
	plan := d.Decompose("run tests on karate and if it passes, deploy it")
	if plan == nil {
		t.Fatal("expected a plan")
	}
	if !plan.IsConditional || plan.Condition != decompose.ConditionSuccess {
		t.Errorf("plan = %+v, want conditional on success", plan)
	}
	want := []decompose.Step{
		{Text: "run tests on karate", Order: 0, Sequential: true},
		{Text: "deploy KARATE", Order: 1, DependsOn: []int{0}, Condition: "success", Sequential: true},
	}
	if diff := cmp.Diff(want, plan.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestDecompose_ConditionalNeedsTwoCommands(t *testing.T) {
	d := newDecomposer()
	plan := d.Decompose("run tests and if it passes, great news")
	if plan != nil && plan.IsConditional {
		t.Errorf("unexpected conditional plan: %+v", plan)
	}
}

func TestDecompose_NotCompound(t *testing.T) {
	d := newDecomposer()
	tests := []string{
		"deploy it",                       // under the word minimum
		"deploy JUDO and KARATE to production", // right side is not a command
		"what is the weather like today",
		"",
	}
	for _, in := range tests {
		if plan := d.Decompose(in); plan != nil {
			t.Errorf("Decompose(%q) = %+v, want nil", in, stepTexts(plan))
		}
	}
}

func TestDecompose_ConnectorPriority(t *testing.T) {
	d := newDecomposer()
	tests := []struct {
		in   string
		want []string
		seq  bool
	}{
		{"build judo, then deploy it", []string{"build judo", "deploy JUDO"}, true},
		{"build judo after that deploy karate", []string{"build judo", "deploy karate"}, true},
		{"check judo and also check karate", []string{"check judo", "check karate"}, false},
		{"build judo. Then deploy it.", []string{"build judo", "deploy JUDO"}, false},
		{"restart judo and merge PR #4", []string{"restart judo", "merge PR #4"}, false},
		{"build judo, then deploy it and restart karate", []string{"build judo", "deploy JUDO", "restart karate"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			plan := d.Decompose(tt.in)
			if plan == nil {
				t.Fatal("expected a plan")
			}
			if diff := cmp.Diff(tt.want, stepTexts(plan)); diff != "" {
				t.Errorf("steps mismatch (-want +got):\n%s", diff)
			}
			if plan.Steps[0].Sequential != tt.seq {
				t.Errorf("sequential = %v, want %v", plan.Steps[0].Sequential, tt.seq)
			}
		})
	}
}

func TestDecompose_SeededFromConversation(t *testing.T) {
	d := newDecomposer()
	seed := &convctx.State{LastRepo: "KARATE", Mentions: []convctx.Mention{{Type: convctx.MentionRepo, Value: "KARATE"}}}
	plan := d.DecomposeIn("build it and then deploy it", seed)
	if plan == nil {
		t.Fatal("expected a plan")
	}
	if diff := cmp.Diff([]string{"build KARATE", "deploy KARATE"}, stepTexts(plan)); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}
}

func TestLooksLikeCommand(t *testing.T) {
	d := newDecomposer()
	tests := map[string]bool{
		"deploy judo":                    true,
		"please deploy judo":             true,
		"can you run the tests":          true,
		"then check status":              true,
		"deployment went fine":           false,
		"the deploy failed":              false,
		"":                               false,
	}
	for in, want := range tests {
		if got := d.LooksLikeCommand(in); got != want {
			t.Errorf("LooksLikeCommand(%q) = %v, want %v", in, got, want)
		}
	}
	if !d.ContainsCommandVerb("the deploy failed") {
		t.Error("ContainsCommandVerb should find a verb anywhere")
	}
}
