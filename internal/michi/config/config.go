// Package config loads Michi's runtime configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// MICHI_* environment variables. In variable names a double underscore
// separates nesting levels, so MICHI_AI__API_KEY sets ai.api_key.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bdobrica/michi/internal/michi/actions"
	"github.com/bdobrica/michi/internal/michi/confirm"
	"github.com/bdobrica/michi/internal/michi/convctx"
	"github.com/bdobrica/michi/internal/michi/intent"
	"github.com/bdobrica/michi/internal/michi/matrix"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "MICHI_"

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"` // empty disables the API
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AIConfig configures the optional AI classifier fallback. No API key means
// no AI tier.
type AIConfig struct {
	APIKey    string        `koanf:"api_key"`
	BaseURL   string        `koanf:"base_url"`
	Model     string        `koanf:"model"`
	MaxTokens int           `koanf:"max_tokens"`
	RateLimit int           `koanf:"rate_limit"` // calls per user per window
	Window    time.Duration `koanf:"window"`
}

type RiskConfig struct {
	EscalationSteps int `koanf:"escalation_steps"`
}

type ContextConfig struct {
	convctx.Config `koanf:",squash"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
}

type DockerConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Config is the complete runtime configuration.
type Config struct {
	Log        LogConfig            `koanf:"log"`
	HTTP       HTTPConfig           `koanf:"http"`
	DBPath     string               `koanf:"db_path"` // empty keeps learning in memory
	RulesPath  string               `koanf:"rules_path"`
	Matrix     matrix.Config        `koanf:"matrix"`
	AI         AIConfig             `koanf:"ai"`
	Classifier intent.Config        `koanf:"classifier"`
	Risk       RiskConfig           `koanf:"risk"`
	Actions    actions.Config       `koanf:"actions"`
	Confirm    confirm.Config       `koanf:"confirm"`
	Context    ContextConfig        `koanf:"context"`
	History    intent.HistoryConfig `koanf:"history"`
	Docker     DockerConfig         `koanf:"docker"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Log:        LogConfig{Level: "info", Format: "text"},
		HTTP:       HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		DBPath:     "michi.db",
		AI:         AIConfig{Model: "gpt-4o-mini", MaxTokens: 512, RateLimit: 10, Window: time.Minute},
		Classifier: intent.DefaultConfig(),
		Risk:       RiskConfig{EscalationSteps: 1},
		Actions:    actions.DefaultConfig(),
		Confirm:    confirm.DefaultConfig(),
		Context:    ContextConfig{Config: convctx.DefaultConfig(), SweepInterval: 5 * time.Minute},
		History:    intent.DefaultHistoryConfig(),
	}
}

// Load builds the configuration. A missing file at path is not an error;
// an empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// envKey maps MICHI_CONFIRM__TTL to confirm.ttl.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format))
	}
	if err := c.Classifier.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]float64{
		"classifier.ambiguous_threshold":    c.Classifier.AmbiguousThreshold,
		"classifier.must_clarify_threshold": c.Classifier.MustClarifyThreshold,
		"classifier.ai_threshold":           c.Classifier.AIThreshold,
		"classifier.ai_accept":              c.Classifier.AIAccept,
		"actions.auto_execute_threshold":    c.Actions.AutoExecuteThreshold,
		"actions.confirm_threshold":         c.Actions.ConfirmThreshold,
		"actions.clarify_threshold":         c.Actions.ClarifyThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	a := c.Actions
	if !(a.ClarifyThreshold <= a.ConfirmThreshold && a.ConfirmThreshold <= a.AutoExecuteThreshold) {
		errs = append(errs, errors.New("actions thresholds must satisfy clarify <= confirm <= auto_execute"))
	}
	if c.Classifier.MustClarifyThreshold > c.Classifier.AmbiguousThreshold {
		errs = append(errs, errors.New("classifier.must_clarify_threshold must not exceed ambiguous_threshold"))
	}
	if c.Confirm.TTL <= 0 {
		errs = append(errs, errors.New("confirm.ttl must be positive"))
	}
	if c.Confirm.SweepInterval < 0 || (c.Confirm.SweepInterval > 0 && c.Confirm.SweepInterval >= c.Confirm.TTL) {
		errs = append(errs, errors.New("confirm.sweep_interval must be shorter than confirm.ttl"))
	}
	if c.Context.TTL <= 0 {
		errs = append(errs, errors.New("context.ttl must be positive"))
	}
	for _, r := range c.Context.RuleOrder {
		if !slices.Contains(convctx.DefaultRuleOrder, r) {
			errs = append(errs, fmt.Errorf("context.rule_order: unknown rule %q", r))
		}
	}
	if c.Risk.EscalationSteps < 0 {
		errs = append(errs, errors.New("risk.escalation_steps must be non-negative"))
	}
	if c.AI.RateLimit < 0 {
		errs = append(errs, errors.New("ai.rate_limit must be non-negative"))
	}
	if c.Matrix.Homeserver != "" && !c.Matrix.Enabled() {
		errs = append(errs, errors.New("matrix.user_id and matrix.access_token are required with matrix.homeserver"))
	}
	return errors.Join(errs...)
}
