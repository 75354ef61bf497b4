package nlp_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/michi/common/clock"
	"github.com/bdobrica/michi/internal/michi/nlp"
)

func TestValidator_Parse(t *testing.T) {
	v, err := nlp.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	res, err := v.Parse("```json\n{\"intent\":\"deploy\",\"project\":\"JUDO\",\"confidence\":0.9}\n```")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Intent != "deploy" || res.Project != "JUDO" || res.Confidence != 0.9 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ConfidenceFactors != nil {
		t.Error("omitted factors should decode as nil")
	}
}

func TestValidator_RejectsMalformed(t *testing.T) {
	v, err := nlp.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	tests := map[string]string{
		"not json":         "I think you want to deploy",
		"missing intent":   `{"confidence":0.7}`,
		"confidence range": `{"intent":"deploy","confidence":3}`,
		"wrong type":       `{"intent":"deploy","confidence":"high"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(raw)
			if !errors.Is(err, nlp.ErrMalformedOutput) {
				t.Errorf("err = %v, want ErrMalformedOutput", err)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := nlp.BuildPrompt("  deploy judo  ", nlp.PromptContext{
		Intents:     []string{"deploy", "build"},
		Projects:    []string{"KARATE", "JUDO"},
		LastProject: "JUDO",
	})
	if p.User != "deploy judo" {
		t.Errorf("User = %q", p.User)
	}
	for _, want := range []string{"Known intents: build, deploy", "Known projects: JUDO, KARATE", "last project JUDO", "last action (none)"} {
		if !strings.Contains(p.System, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completion(content string) string {
	return `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` +
		quoteJSON(content) + `}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
}

func quoteJSON(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(s) + `"`
}

func TestOpenAI_Classify(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, completion(`{"intent":"rollback","project":"JUDO","confidence":0.85}`))
	p, err := nlp.NewOpenAI(nlp.Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	res, err := p.Classify(context.Background(), nlp.BuildPrompt("roll judo back", nlp.PromptContext{}))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Intent != "rollback" || res.Project != "JUDO" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestOpenAI_MalformedContent(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, completion(`sure! deploying now`))
	p, err := nlp.NewOpenAI(nlp.Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	_, err = p.Classify(context.Background(), nlp.BuildPrompt("deploy", nlp.PromptContext{}))
	if !errors.Is(err, nlp.ErrMalformedOutput) {
		t.Errorf("err = %v, want ErrMalformedOutput", err)
	}
}

func TestOpenAI_RateLimited(t *testing.T) {
	srv := newTestServer(t, http.StatusTooManyRequests,
		`{"error":{"message":"slow down","type":"rate_limit_exceeded","code":"rate_limit_exceeded"}}`)
	p, err := nlp.NewOpenAI(nlp.Config{APIKey: "test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	_, err = p.Classify(context.Background(), nlp.BuildPrompt("deploy", nlp.PromptContext{}))
	if !errors.Is(err, nlp.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := nlp.NewRateLimiter(2, time.Minute, clk)

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("first two calls should be allowed")
	}
	if rl.Allow("alice") {
		t.Error("third call within the window should be rejected")
	}
	if !rl.Allow("bob") {
		t.Error("bob has an independent quota")
	}
	if got := rl.Remaining("alice"); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}

	clk.Advance(61 * time.Second)
	if got := rl.Remaining("alice"); got != 2 {
		t.Errorf("Remaining after window = %d, want 2", got)
	}
	if !rl.Allow("alice") {
		t.Error("call after the window should be allowed")
	}
}

func TestRateLimiter_NilAllows(t *testing.T) {
	var rl *nlp.RateLimiter
	if !rl.Allow("anyone") {
		t.Error("nil limiter should allow")
	}
}
