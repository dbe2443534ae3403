package stt

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// Loader tries the accelerated backend first and falls back to the portable
// one. A load fails only when every configured backend fails.
type Loader struct {
	Native          BackendFactory
	Portable        BackendFactory
	NativeAvailable func() bool
	Logger          *slog.Logger
}

// NewLoader wires factories for the configured engine mode.
func NewLoader(cfg config.EngineConfig, log *slog.Logger) (*Loader, error) {
	l := &Loader{Logger: log, NativeAvailable: NativeAvailable}
	switch strings.ToLower(cfg.Mode) {
	case "mock":
		l.Portable = MockFactory
	case "exec":
		factory, err := NewExecFactory(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		l.Portable = factory
	case "", "auto":
		l.Native = NativeFactory
		if strings.TrimSpace(cfg.Command) != "" {
			factory, err := NewExecFactory(cfg.Command, cfg.SampleRate)
			if err != nil {
				return nil, err
			}
			l.Portable = factory
		}
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
	return l, nil
}

// Load builds a backend for the model at path.
func (l *Loader) Load(path string) (Backend, error) {
	log := l.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var errs []error
	if l.Native != nil {
		available := l.NativeAvailable == nil || l.NativeAvailable()
		if available {
			backend, err := l.Native(path)
			if err == nil {
				return backend, nil
			}
			log.Warn("accelerated backend failed, trying portable backend", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("accelerated: %w", err))
		} else {
			errs = append(errs, fmt.Errorf("accelerated: %w", ErrNativeUnavailable))
		}
	}
	if l.Portable != nil {
		backend, err := l.Portable(path)
		if err == nil {
			return backend, nil
		}
		errs = append(errs, fmt.Errorf("portable: %w", err))
	}
	if len(errs) == 0 {
		return nil, errors.New("no stt backend configured")
	}
	return nil, errors.Join(errs...)
}
