// Package llm talks to the small language models used to rewrite dictated
// text. Every backend answers one non-streaming completion per request.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

const (
	DefaultModel        = "qwen2.5:0.5b"
	DefaultMaxTokens    = 128
	DefaultTimeout      = 8 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

var (
	// ErrEmptyCompletion is returned when a backend answered with no text.
	ErrEmptyCompletion = errors.New("llm: empty completion")
	// ErrModelMissing is returned by probes when the server is up but the
	// configured model is not installed.
	ErrModelMissing = errors.New("llm: model not installed")
)

// Request describes one rewrite prompt.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is a finished model answer.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Prober reports whether a backend can serve requests right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	model := cfg.Model
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	switch strings.ToLower(cfg.Mode) {
	case "mock":
		return NewMockGenerator(nil), nil
	case "ollama", "":
		return NewOllamaGenerator(cfg.Endpoint, model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// RequestFromConfig fills generation defaults from config.
func RequestFromConfig(cfg config.LLMConfig) Request {
	req := Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	return req
}
