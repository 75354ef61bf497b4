package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/michi/internal/michi/intent"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("michi %v: %v", args, err)
	}
	return out.String()
}

func TestDecomposeCommand(t *testing.T) {
	got := run(t, "decompose", "run tests on karate and if it passes, deploy it")
	want := "1. run tests on karate\n2. deploy KARATE  (only if step 1 succeeds)\n"
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestDecomposeCommand_LastRepo(t *testing.T) {
	got := run(t, "decompose", "--last-repo", "JUDO", "restart it")
	if strings.TrimSpace(got) != "1. restart JUDO" {
		t.Errorf("output = %q", got)
	}
}

func TestClassifyCommand(t *testing.T) {
	got := run(t, "classify", "--last-project", "JUDO", "deploy", "judo")
	var in intent.Intent
	if err := json.Unmarshal([]byte(got), &in); err != nil {
		t.Fatalf("output is not an intent: %v\n%s", err, got)
	}
	if in.Intent != "deploy" || in.Project != "JUDO" || in.Confidence < 0.7 {
		t.Errorf("intent = %+v", in)
	}
}

func TestVersionCommand(t *testing.T) {
	if got := run(t, "version"); !strings.HasPrefix(got, "michi ") {
		t.Errorf("version = %q", got)
	}
}
