package stt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// MockBackend returns canned output. Tests use its knobs to simulate slow,
// failing and crashing inference.
type MockBackend struct {
	Text         string
	NoSpeechProb *float32
	Err          error
	PanicWith    any
	Delay        time.Duration

	calls  atomic.Int64
	closed atomic.Bool
}

func NewMockBackend() *MockBackend { return &MockBackend{} }

// MockFactory builds a fresh MockBackend per load.
func MockFactory(path string) (Backend, error) {
	return NewMockBackend(), nil
}

func (m *MockBackend) Transcribe(ctx context.Context, samples []float32, params Params) (BackendResult, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return BackendResult{}, ctx.Err()
		}
	}
	if m.PanicWith != nil {
		panic(m.PanicWith)
	}
	if m.Err != nil {
		return BackendResult{}, m.Err
	}
	text := m.Text
	if text == "" {
		text = fmt.Sprintf("transcription simulée de %d échantillons", len(samples))
	}
	return BackendResult{Text: text, NoSpeechProb: m.NoSpeechProb}, nil
}

func (m *MockBackend) Kind() BackendKind { return Mock }

func (m *MockBackend) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *MockBackend) Calls() int64 { return m.calls.Load() }

func (m *MockBackend) Closed() bool { return m.closed.Load() }
