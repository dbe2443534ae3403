package llm

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// MockGenerator answers from Reply, or echoes the prompt when Reply is nil.
type MockGenerator struct {
	Reply    func(Request) (string, error)
	Delay    time.Duration
	ProbeErr error

	calls atomic.Int64
}

func NewMockGenerator(reply func(Request) (string, error)) *MockGenerator {
	return &MockGenerator{Reply: reply}
}

func (m *MockGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	content := strings.TrimSpace(req.Prompt)
	if m.Reply != nil {
		out, err := m.Reply(req)
		if err != nil {
			return Completion{}, err
		}
		content = strings.TrimSpace(out)
	}
	if content == "" {
		return Completion{}, ErrEmptyCompletion
	}
	return Completion{Content: content, Latency: m.Delay}, nil
}

func (m *MockGenerator) Probe(context.Context) error { return m.ProbeErr }

func (m *MockGenerator) Calls() int { return int(m.calls.Load()) }
