// Package stt manages the lifecycle of the speech recognition backend:
// loading, transcription, crash isolation and idle unloading.
package stt

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrModelNotLoaded     = errors.New("stt: model not loaded")
	ErrBackendCrashed     = errors.New("stt: backend crashed during inference")
	ErrUnknownModel       = errors.New("stt: unknown model")
	ErrModelNotDownloaded = errors.New("stt: model not downloaded")
	ErrNativeUnavailable  = errors.New("stt: native backend not compiled in")
)

// BackendKind identifies which implementation serves transcriptions.
type BackendKind int

const (
	Accelerated BackendKind = iota
	Portable
	Mock
)

func (k BackendKind) String() string {
	switch k {
	case Accelerated:
		return "accelerated"
	case Portable:
		return "portable"
	case Mock:
		return "mock"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// Params are the per-call decoding options.
type Params struct {
	Language  string
	Translate bool
	Threads   int
}

// BackendResult is the raw backend output. NoSpeechProb is nil when the
// backend has no native score.
type BackendResult struct {
	Text         string
	NoSpeechProb *float32
}

// Backend runs inference on 16 kHz mono float32 samples.
type Backend interface {
	Transcribe(ctx context.Context, samples []float32, params Params) (BackendResult, error)
	Kind() BackendKind
	Close() error
}

// BackendFactory builds a backend for the model file at path.
type BackendFactory func(path string) (Backend, error)
