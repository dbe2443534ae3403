// Package dictation turns captured audio into finished text: speech
// segmentation, transcription and post-processing, over the bus or in
// process.
package dictation

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/stt"
	"github.com/loqalabs/loqa-dictation/internal/vad"
)

// Engine transcribes normalized 16 kHz mono samples. *stt.Manager
// satisfies it.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32) (stt.Output, error)
}

// ModelController drives the engine lifecycle. *stt.Manager satisfies it.
type ModelController interface {
	LoadModel(ctx context.Context, id string) error
	UnloadModel() error
	State() stt.State
	CurrentModel() string
	Settings() stt.Settings
}

var (
	_ Engine          = (*stt.Manager)(nil)
	_ ModelController = (*stt.Manager)(nil)
)

// SegmenterFactory builds a fresh per-utterance speech segmenter.
type SegmenterFactory func() *vad.Segmenter

// NewSegmenterFactory returns nil when VAD is disabled, meaning audio is
// passed through untrimmed.
func NewSegmenterFactory(cfg config.VADConfig) SegmenterFactory {
	if !cfg.Enabled {
		return nil
	}
	frameSize := vad.FrameSize(cfg.SampleRate, cfg.FrameDurationMS)
	return func() *vad.Segmenter {
		smoother := vad.NewSmoother(vad.SmootherConfig{
			Prefill:  cfg.Prefill,
			Hangover: cfg.Hangover,
			Onset:    cfg.Onset,
		})
		det := vad.NewDetector(vad.NewEnergyClassifier(cfg.ReferenceRMS), float32(cfg.Threshold), smoother)
		return vad.NewSegmenter(det, frameSize)
	}
}

// Trim keeps only the detected speech of a whole recording. Without a
// factory the samples are returned unchanged.
func Trim(factory SegmenterFactory, samples []float32) ([]float32, error) {
	if factory == nil {
		return samples, nil
	}
	seg := factory()
	if err := seg.Write(samples); err != nil {
		return nil, err
	}
	return seg.Flush(), nil
}

// Processor runs one utterance through the engine and the routing pipeline
// and records the result.
type Processor struct {
	engine  Engine
	router  *pipeline.Router
	cleanup pipeline.CleanupFunc
	store   *eventstore.Store
	log     *slog.Logger
	now     func() time.Time
}

func NewProcessor(engine Engine, router *pipeline.Router, cleanup pipeline.CleanupFunc, store *eventstore.Store, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if router == nil {
		router = pipeline.NewRouter(pipeline.DefaultThresholds(), log)
	}
	return &Processor{
		engine:  engine,
		router:  router,
		cleanup: cleanup,
		store:   store,
		log:     log.With(slog.String("component", "dictation")),
		now:     time.Now,
	}
}

// Process transcribes samples and post-processes the transcript. Engine
// failures are returned; cleanup failures fall back to rule output and are
// reported through LLMFallback. source names the entry point ("bus",
// "http", "cli") in the event timeline.
func (p *Processor) Process(ctx context.Context, sessionID, source string, samples []float32, mode pipeline.WriteMode) (protocol.DictationResult, error) {
	res := protocol.DictationResult{
		SessionID: sessionID,
		WriteMode: mode.String(),
	}

	out, err := p.engine.Transcribe(ctx, samples)
	if err != nil {
		res.Error = err.Error()
		res.Timestamp = p.now().UTC()
		p.record(ctx, source, res)
		return res, err
	}
	res.RawText = out.Text
	res.Confidence = out.Confidence
	res.STTLatencyMS = out.DurationMS
	res.RulesOnly = true

	if out.Text != "" {
		post := p.router.Process(ctx, out.Text, out.Confidence, mode, p.cleanup)
		res.Text = post.Text
		res.RulesOnly = post.RulesOnly
		res.LLMFallback = post.LLMFallback
		res.PostMS = post.DurationMS
	}
	res.Timestamp = p.now().UTC()

	p.log.Debug("utterance processed",
		slog.String("session_id", sessionID),
		slog.String("source", source),
		slog.Int("samples", len(samples)),
		slog.Bool("rules_only", res.RulesOnly),
		slog.Bool("llm_fallback", res.LLMFallback))
	p.record(ctx, source, res)
	return res, nil
}

func (p *Processor) record(ctx context.Context, source string, res protocol.DictationResult) {
	if p.store == nil || res.SessionID == "" {
		return
	}
	if err := p.store.RecordDictation(context.WithoutCancel(ctx), source, res); err != nil {
		p.log.Warn("failed to record dictation", slog.String("session_id", res.SessionID), slog.String("error", err.Error()))
	}
}
