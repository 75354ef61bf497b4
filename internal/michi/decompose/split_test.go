package decompose_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/michi/internal/michi/decompose"
)

func TestSplit(t *testing.T) {
	d := newDecomposer()
	tests := []struct {
		name string
		in   string
		want []decompose.Segment
	}{
		{
			name: "and then is sequential and resolves pronouns",
			in:   "run tests on JUDO and then deploy it",
			want: []decompose.Segment{
				{Text: "run tests on JUDO", Sequential: true},
				{Text: "deploy JUDO", Connector: "and then", Sequential: true},
			},
		},
		{
			name: "but first moves ahead",
			in:   "deploy JUDO but first run tests",
			want: []decompose.Segment{
				{Text: "run tests", Connector: "but first", Sequential: true, Reverse: true},
				{Text: "deploy JUDO", Sequential: true},
			},
		},
		{
			name: "protected phrase is not split",
			in:   "send the pros and cons to acme",
			want: []decompose.Segment{{Text: "send the pros and cons to acme"}},
		},
		{
			name: "protected phrase beside a real split",
			in:   "check the pros and cons and deploy karate",
			want: []decompose.Segment{
				{Text: "check the pros and cons"},
				{Text: "deploy karate", Connector: "and"},
			},
		},
		{
			name: "ambiguous and without verb on both sides stays whole",
			in:   "deploy judo and karate",
			want: []decompose.Segment{{Text: "deploy judo and karate"}},
		},
		{
			name: "also with verbs on both sides",
			in:   "restart judo also check karate",
			want: []decompose.Segment{
				{Text: "restart judo"},
				{Text: "check karate", Connector: "also"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, d.Split(tt.in)); diff != "" {
				t.Errorf("Split(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := newDecomposer().Split("   "); got != nil {
		t.Errorf("Split of blank = %+v, want nil", got)
	}
}
