package intent

import "testing"

func TestRiskEscalate(t *testing.T) {
	tests := []struct {
		in    Risk
		steps int
		want  Risk
	}{
		{RiskLow, 1, RiskMedium},
		{RiskMedium, 1, RiskHigh},
		{RiskHigh, 1, RiskHigh},
		{RiskLow, 2, RiskHigh},
		{RiskMedium, 0, RiskMedium},
	}
	for _, tt := range tests {
		if got := tt.in.Escalate(tt.steps); got != tt.want {
			t.Errorf("%s.Escalate(%d) = %s, want %s", tt.in, tt.steps, got, tt.want)
		}
	}
}

func TestRiskPolicy_Assess(t *testing.T) {
	p := NewRiskPolicy(MustDefaultRules(), 1)
	tests := []struct {
		intent  string
		targets []string
		want    Risk
	}{
		{"deploy", []string{"production"}, RiskHigh},
		{"deploy", []string{"JUDO"}, RiskMedium},
		{"build", []string{"production"}, RiskMedium},
		{"build", []string{"main", "production"}, RiskMedium},
		{"delete", []string{"prod"}, RiskHigh},
		{"check_status", nil, RiskLow},
		{"something_new", nil, RiskLow},
	}
	for _, tt := range tests {
		if got := p.Assess(tt.intent, tt.intent, tt.targets...); got != tt.want {
			t.Errorf("Assess(%s, %v) = %s, want %s", tt.intent, tt.targets, got, tt.want)
		}
	}
}

func TestRiskPolicy_ConfigurableSteps(t *testing.T) {
	p := NewRiskPolicy(MustDefaultRules(), 2)
	if got := p.Assess("build", "build", "production"); got != RiskHigh {
		t.Errorf("two-step escalation of low = %s, want high", got)
	}
}

func TestDestinations(t *testing.T) {
	got := destinations("merge PR #4 into main and deploy to the production cluster")
	if len(got) != 2 || got[0] != "main" || got[1] != "production" {
		t.Errorf("destinations = %v", got)
	}
}
