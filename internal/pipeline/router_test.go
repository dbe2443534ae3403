package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"gopkg.in/yaml.v3"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRoute(t *testing.T) {
	r := NewRouter(DefaultThresholds(), newLogger())
	cases := []struct {
		name       string
		confidence float32
		words      int
		mode       WriteMode
		want       Decision
	}{
		{"fast path", 0.90, 10, Chat, RulesOnly},
		{"low confidence", 0.70, 10, Chat, RulesAndLLM},
		{"too long", 0.90, 50, Chat, RulesAndLLM},
		{"boundary values", 0.82, 30, Code, RulesOnly},
		{"pro always cleans", 0.99, 5, Pro, RulesAndLLM},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Route(tc.confidence, tc.words, tc.mode); got != tc.want {
				t.Fatalf("Route(%v, %d, %s) = %s, want %s", tc.confidence, tc.words, tc.mode, got, tc.want)
			}
		})
	}
}

func TestRouteCustomThresholds(t *testing.T) {
	r := NewRouter(Thresholds{Confidence: 0.5, MaxWords: 3}, newLogger())
	if got := r.Route(0.6, 3, Chat); got != RulesOnly {
		t.Fatalf("expected rules only, got %s", got)
	}
	if got := r.Route(0.6, 4, Chat); got != RulesAndLLM {
		t.Fatalf("expected llm, got %s", got)
	}
}

func TestProcessFastPathSkipsCleanup(t *testing.T) {
	r := NewRouter(DefaultThresholds(), newLogger())
	called := false
	cleanup := func(context.Context, string, WriteMode) (string, error) {
		called = true
		return "nope", nil
	}
	res := r.Process(context.Background(), "euh je veux partir", 0.90, Chat, cleanup)
	if called {
		t.Fatalf("cleanup must not run on the fast path")
	}
	if res.Text != "Je veux partir." || !res.RulesOnly || res.LLMFallback {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessUsesCleanup(t *testing.T) {
	r := NewRouter(DefaultThresholds(), newLogger())
	var gotText string
	var gotMode WriteMode
	cleanup := func(_ context.Context, text string, mode WriteMode) (string, error) {
		gotText, gotMode = text, mode
		return "  Bonjour à tous.  ", nil
	}
	res := r.Process(context.Background(), "euh bonjour a tous", 0.99, Pro, cleanup)
	if gotText != "Bonjour a tous." {
		t.Fatalf("cleanup should receive rule output, got %q", gotText)
	}
	if gotMode != Pro {
		t.Fatalf("expected pro mode, got %s", gotMode)
	}
	if res.Text != "Bonjour à tous." || res.RulesOnly || res.LLMFallback {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestProcessFallsBack(t *testing.T) {
	r := NewRouter(DefaultThresholds(), newLogger())
	failing := func(context.Context, string, WriteMode) (string, error) {
		return "", errors.New("ollama down")
	}
	blank := func(context.Context, string, WriteMode) (string, error) {
		return "   ", nil
	}
	for name, fn := range map[string]CleanupFunc{"error": failing, "blank": blank, "nil": nil} {
		t.Run(name, func(t *testing.T) {
			res := r.Process(context.Background(), "du coup c' est pas clair", 0.40, Chat, fn)
			if res.Text != "C'est pas clair." {
				t.Fatalf("expected rule output, got %q", res.Text)
			}
			if !res.RulesOnly || !res.LLMFallback {
				t.Fatalf("expected fallback flags, got %+v", res)
			}
		})
	}
}

func TestParseWriteMode(t *testing.T) {
	for in, want := range map[string]WriteMode{"chat": Chat, "PRO": Pro, "Code": Code, "": Chat} {
		got, err := ParseWriteMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseWriteMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWriteMode("poetry"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestWriteModeProperties(t *testing.T) {
	for _, m := range AllModes {
		if m.SystemPrompt() == "" {
			t.Fatalf("%s has no system prompt", m)
		}
		if m.AlwaysCleanup() != (m == Pro) {
			t.Fatalf("unexpected AlwaysCleanup for %s", m)
		}
	}
}

func TestWriteModeEncoding(t *testing.T) {
	var payload struct {
		Mode WriteMode `json:"mode" yaml:"mode"`
	}
	if err := json.Unmarshal([]byte(`{"mode":"code"}`), &payload); err != nil {
		t.Fatalf("json: %v", err)
	}
	if payload.Mode != Code {
		t.Fatalf("expected code, got %s", payload.Mode)
	}
	if err := yaml.Unmarshal([]byte("mode: Pro\n"), &payload); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if payload.Mode != Pro {
		t.Fatalf("expected pro, got %s", payload.Mode)
	}
	out, err := json.Marshal(payload)
	if err != nil || string(out) != `{"mode":"pro"}` {
		t.Fatalf("marshal: %s %v", out, err)
	}
}
