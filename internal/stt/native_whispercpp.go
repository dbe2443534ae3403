//go:build whispercpp

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// NativeAvailable reports whether the accelerated backend is compiled in.
func NativeAvailable() bool { return true }

type nativeBackend struct {
	mu    sync.Mutex
	model whisper.Model
}

// NativeFactory loads a ggml model through the whisper.cpp bindings.
func NativeFactory(path string) (Backend, error) {
	if path == "" {
		return nil, errors.New("whisper: model path required")
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("whisper: load %s: %w", path, err)
	}
	return &nativeBackend{model: model}, nil
}

func (b *nativeBackend) Kind() BackendKind { return Accelerated }

func (b *nativeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model == nil {
		return nil
	}
	err := b.model.Close()
	b.model = nil
	return err
}

func (b *nativeBackend) Transcribe(ctx context.Context, samples []float32, params Params) (BackendResult, error) {
	if err := ctx.Err(); err != nil {
		return BackendResult{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model == nil {
		return BackendResult{}, ErrModelNotLoaded
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return BackendResult{}, fmt.Errorf("whisper: new context: %w", err)
	}
	if params.Language != "" {
		if err := wctx.SetLanguage(params.Language); err != nil {
			return BackendResult{}, fmt.Errorf("whisper: language %q: %w", params.Language, err)
		}
	}
	wctx.SetTranslate(params.Translate)
	if params.Threads > 0 {
		wctx.SetThreads(uint(params.Threads))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return BackendResult{}, fmt.Errorf("whisper: process: %w", err)
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return BackendResult{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text.WriteString(segment.Text)
	}

	// The bindings expose no no-speech probability, so confidence falls back
	// to the transcript length.
	return BackendResult{Text: strings.TrimSpace(text.String())}, nil
}
