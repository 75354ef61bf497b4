package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/michi/internal/michi/config"
	"github.com/bdobrica/michi/internal/michi/convctx"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "michi.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(config.DefaultConfig(), cfg); diff != "" {
		t.Errorf("config differs from defaults (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
db_path: /var/lib/michi/michi.db
matrix:
  homeserver: https://matrix.example.org
  user_id: "@michi:example.org"
  access_token: from-file
  rooms: ["!ops:example.org"]
confirm:
  ttl: 2m
  no_confirm: [check_status]
context:
  ttl: 10m
  capacity: 50
  rule_order: [singular, plural]
actions:
  confirm_threshold: 0.75
`)
	t.Setenv("MICHI_MATRIX__ACCESS_TOKEN", "from-env")
	t.Setenv("MICHI_HTTP__ADDR", "127.0.0.1:9090")
	t.Setenv("MICHI_CLASSIFIER__AI_TIMEOUT", "2s")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Matrix.AccessToken != "from-env" {
		t.Errorf("env should override the file, token = %q", cfg.Matrix.AccessToken)
	}
	if diff := cmp.Diff([]string{"!ops:example.org"}, cfg.Matrix.Rooms); diff != "" {
		t.Errorf("rooms (-want +got):\n%s", diff)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Errorf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Classifier.AITimeout != 2*time.Second {
		t.Errorf("ai_timeout = %v", cfg.Classifier.AITimeout)
	}
	if cfg.Confirm.TTL != 2*time.Minute {
		t.Errorf("confirm.ttl = %v", cfg.Confirm.TTL)
	}
	if diff := cmp.Diff([]string{"check_status"}, cfg.Confirm.NoConfirm); diff != "" {
		t.Errorf("no_confirm (-want +got):\n%s", diff)
	}
	if cfg.Context.TTL != 10*time.Minute || cfg.Context.Capacity != 50 {
		t.Errorf("context = %+v", cfg.Context)
	}
	if diff := cmp.Diff([]convctx.Rule{convctx.RuleSingular, convctx.RulePlural}, cfg.Context.RuleOrder); diff != "" {
		t.Errorf("rule_order (-want +got):\n%s", diff)
	}
	if cfg.Actions.ConfirmThreshold != 0.75 || cfg.Actions.AutoExecuteThreshold != 0.95 {
		t.Errorf("actions = %+v", cfg.Actions)
	}
	if cfg.Confirm.SweepInterval != time.Minute {
		t.Errorf("unset keys must keep defaults, sweep_interval = %v", cfg.Confirm.SweepInterval)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, "log: [unterminated")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"bad level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"weights", func(c *config.Config) { c.Classifier.Weights.Keyword = 0.9 }, "sum to"},
		{"threshold range", func(c *config.Config) { c.Actions.ClarifyThreshold = -0.1 }, "within [0,1]"},
		{"threshold order", func(c *config.Config) { c.Actions.ConfirmThreshold = 0.99 }, "clarify <= confirm <= auto_execute"},
		{"sweep longer than ttl", func(c *config.Config) { c.Confirm.SweepInterval = 10 * time.Minute }, "sweep_interval"},
		{"unknown pronoun rule", func(c *config.Config) { c.Context.RuleOrder = []convctx.Rule{"elliptic"} }, "unknown rule"},
		{"matrix incomplete", func(c *config.Config) { c.Matrix.Homeserver = "https://m.example.org" }, "access_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
