package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultWatchInterval = 10 * time.Second

// State is the engine lifecycle state.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Transcribing
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Transcribing:
		return "transcribing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Output is the result of one transcription.
type Output struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
	DurationMS uint64  `json:"duration_ms"`
}

// Options configures a Manager.
type Options struct {
	Catalog         *Catalog
	Loader          *Loader
	Settings        SettingsFunc
	Notifier        Notifier
	Corrector       *Corrector
	DefaultLanguage string
	WatchInterval   time.Duration
	Logger          *slog.Logger
}

// Manager owns the single backend slot. Inference holds the slot lock, so
// transcriptions are serialized and loads or unloads wait for in-flight
// work. Lifecycle bookkeeping lives under a separate lock so State and the
// load broadcast never wait on inference. Any change to the slot updates the
// lifecycle fields before slotMu is released; lock order is slotMu then mu.
type Manager struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	slotMu  sync.Mutex
	backend Backend
	crashed bool

	mu        sync.Mutex
	loading   chan struct{}
	loaded    bool
	modelID   string
	modelName string
	kind      BackendKind
	inflight  int

	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer         trace.Tracer
	transcriptions metric.Int64Counter
	crashes        metric.Int64Counter
	loadDuration   metric.Float64Histogram
	sttDuration    metric.Float64Histogram
}

// NewManager starts the idle watcher; Close stops it.
func NewManager(parent context.Context, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Settings == nil {
		opts.Settings = StaticSettings(Settings{UnloadPolicy: NeverUnload})
	}
	if opts.Corrector == nil {
		opts.Corrector = NewCorrector(0)
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = defaultWatchInterval
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "fr"
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "stt-manager")),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		tracer: otel.Tracer("github.com/loqalabs/loqa-dictation/stt"),
	}
	m.touch()
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	m.wg.Add(1)
	go m.watchIdle()
	return m
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/stt")
	var err error
	if m.transcriptions, err = meter.Int64Counter("stt.transcriptions",
		metric.WithDescription("Transcription calls by outcome")); err != nil {
		return err
	}
	if m.crashes, err = meter.Int64Counter("stt.crashes",
		metric.WithDescription("Backend crashes caught during inference")); err != nil {
		return err
	}
	if m.loadDuration, err = meter.Float64Histogram("stt.load.duration",
		metric.WithDescription("Model load latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	m.sttDuration, err = meter.Float64Histogram("stt.transcribe.duration",
		metric.WithDescription("Inference latency"), metric.WithUnit("ms"))
	return err
}

// Close stops the idle watcher, waits for background loads and releases the
// backend.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	if err := m.UnloadModel(); err != nil {
		m.log.Warn("unload on close failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.loading != nil:
		return Loading
	case !m.loaded:
		return Unloaded
	case m.inflight > 0:
		return Transcribing
	default:
		return Ready
	}
}

func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// CurrentModel returns the loaded model id, or "" when unloaded.
func (m *Manager) CurrentModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return ""
	}
	return m.modelID
}

// BackendKind returns the kind of the loaded backend.
func (m *Manager) BackendKind() (BackendKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kind, m.loaded
}

// Settings returns the current settings snapshot.
func (m *Manager) Settings() Settings { return m.opts.Settings() }

// LastActivity is when the manager was last asked to do work.
func (m *Manager) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

func (m *Manager) touch() {
	m.lastActivity.Store(m.now().UnixNano())
}

// InitiateModelLoad starts loading the configured model in the background
// and returns at once. It does nothing while a load is in flight or a model
// is already loaded.
func (m *Manager) InitiateModelLoad() {
	m.mu.Lock()
	if m.loading != nil || m.loaded || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	done := make(chan struct{})
	m.loading = done
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.finishLoad(done)
		id := m.opts.Settings().ModelID
		if err := m.loadModel(m.ctx, id); err != nil {
			m.log.Error("background model load failed", slog.String("model_id", id), slog.String("error", err.Error()))
		}
	}()
}

// LoadModel loads id and blocks until it is ready. A load already in flight
// is waited for first.
func (m *Manager) LoadModel(ctx context.Context, id string) error {
	m.mu.Lock()
	for m.loading != nil {
		ch := m.loading
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for in-flight load: %w", ctx.Err())
		}
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.loading = done
	m.mu.Unlock()

	defer m.finishLoad(done)
	return m.loadModel(ctx, id)
}

// finishLoad broadcasts load completion exactly once per load.
func (m *Manager) finishLoad(done chan struct{}) {
	m.mu.Lock()
	if m.loading == done {
		m.loading = nil
	}
	m.mu.Unlock()
	close(done)
}

func (m *Manager) loadModel(ctx context.Context, id string) (err error) {
	start := m.now()
	m.touch()
	_, span := m.tracer.Start(ctx, "stt.load_model", trace.WithAttributes(attribute.String("model_id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.emit(protocol.ModelLoadingStarted, id, "", nil)

	if m.opts.Catalog == nil {
		err = errors.New("no model catalog configured")
		m.emit(protocol.ModelLoadingFailed, id, "", err)
		return err
	}
	model, path, err := m.opts.Catalog.Resolve(id)
	if err != nil {
		m.emit(protocol.ModelLoadingFailed, id, model.Name, err)
		return err
	}
	if m.opts.Loader == nil {
		err = errors.New("no stt loader configured")
		m.emit(protocol.ModelLoadingFailed, id, model.Name, err)
		return err
	}

	backend, err := m.safeLoad(path)
	if err != nil {
		err = fmt.Errorf("load model %s: %w", id, err)
		m.emit(protocol.ModelLoadingFailed, id, model.Name, err)
		return err
	}

	m.slotMu.Lock()
	m.recoverSlotLocked()
	previous := m.backend
	m.backend = backend
	m.mu.Lock()
	m.loaded = true
	m.modelID = id
	m.modelName = model.Name
	m.kind = backend.Kind()
	m.mu.Unlock()
	m.slotMu.Unlock()
	if previous != nil {
		m.closeBackend(previous)
	}
	m.touch()

	elapsed := m.now().Sub(start)
	if m.loadDuration != nil {
		m.loadDuration.Record(ctx, float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(attribute.String("backend", backend.Kind().String())))
	}
	m.log.Info("model loaded",
		slog.String("model_id", id),
		slog.String("backend", backend.Kind().String()),
		slog.Duration("elapsed", elapsed))
	m.emit(protocol.ModelLoadingCompleted, id, model.Name, nil)
	return nil
}

func (m *Manager) safeLoad(path string) (backend Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = fmt.Errorf("%w: panic while loading: %v", ErrBackendCrashed, r)
		}
	}()
	return m.opts.Loader.Load(path)
}

// waitForLoad blocks while a load is in flight.
func (m *Manager) waitForLoad(ctx context.Context) error {
	for {
		m.mu.Lock()
		ch := m.loading
		m.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("wait for model load: %w", ctx.Err())
		}
	}
}

// Transcribe runs inference on samples. It never loads a model on its own.
func (m *Manager) Transcribe(ctx context.Context, samples []float32) (Output, error) {
	m.touch()
	if len(samples) == 0 {
		m.maybeUnloadImmediately("empty audio")
		return Output{Confidence: emptyInputConfidence}, nil
	}
	if err := m.waitForLoad(ctx); err != nil {
		return Output{}, err
	}

	settings := m.opts.Settings()
	params := Params{
		Language:  resolveLanguage(settings.Language, m.opts.DefaultLanguage),
		Translate: settings.Translate,
		Threads:   settings.Threads,
	}

	start := m.now()
	ctx, span := m.tracer.Start(ctx, "stt.transcribe",
		trace.WithAttributes(attribute.Int("samples", len(samples)), attribute.String("language", params.Language)))
	defer span.End()

	result, err := m.runBackend(ctx, samples, params)
	elapsed := m.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.countTranscription(ctx, "error")
		return Output{}, err
	}

	text := m.opts.Corrector.Correct(result.Text, settings.CustomWords, settings.CorrectionThreshold)
	text = FilterOutput(text)

	m.maybeUnloadImmediately("transcription")

	out := Output{
		Text:       text,
		Confidence: ComputeConfidence(text, result.NoSpeechProb),
		DurationMS: uint64(elapsed.Milliseconds()),
	}
	if m.sttDuration != nil {
		m.sttDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
	}
	m.countTranscription(ctx, "ok")
	span.SetAttributes(attribute.Float64("confidence", float64(out.Confidence)))
	return out, nil
}

// TranscribeText returns only the transcript text.
func (m *Manager) TranscribeText(ctx context.Context, samples []float32) (string, error) {
	out, err := m.Transcribe(ctx, samples)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

func (m *Manager) runBackend(ctx context.Context, samples []float32, params Params) (BackendResult, error) {
	m.slotMu.Lock()
	m.recoverSlotLocked()
	backend := m.backend
	if backend == nil {
		m.slotMu.Unlock()
		return BackendResult{}, ErrModelNotLoaded
	}

	m.mu.Lock()
	m.inflight++
	m.mu.Unlock()

	result, err := invokeBackend(ctx, backend, samples, params)
	crashed := errors.Is(err, ErrBackendCrashed)
	if crashed {
		m.backend = nil
		m.crashed = true
	}
	m.mu.Lock()
	m.inflight--
	var modelID string
	if crashed {
		modelID = m.modelID
		m.loaded = false
		m.modelID = ""
		m.modelName = ""
	}
	m.mu.Unlock()
	m.slotMu.Unlock()

	if crashed {
		m.log.Error("backend crashed, model unloaded", slog.String("model_id", modelID), slog.String("error", err.Error()))
		if m.crashes != nil {
			m.crashes.Add(ctx, 1)
		}
		m.closeBackend(backend)
		m.emit(protocol.ModelUnloaded, modelID, "", err)
		return BackendResult{}, err
	}
	if err != nil {
		return BackendResult{}, fmt.Errorf("transcribe: %w", err)
	}
	return result, nil
}

// invokeBackend converts a panic inside the backend into ErrBackendCrashed.
func invokeBackend(ctx context.Context, b Backend, samples []float32, params Params) (result BackendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = BackendResult{}
			err = fmt.Errorf("%w: %v", ErrBackendCrashed, r)
		}
	}()
	return b.Transcribe(ctx, samples, params)
}

// recoverSlotLocked clears the crash marker left by a failed inference. The
// slot itself was already emptied by the crash; the marker only records that
// a crash was observed so the next acquisition logs it. Callers hold slotMu.
func (m *Manager) recoverSlotLocked() {
	if !m.crashed {
		return
	}
	m.crashed = false
	m.log.Info("engine slot recovered after crash")
}

func (m *Manager) closeBackend(b Backend) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("backend panicked on close", slog.Any("panic", r))
		}
	}()
	if err := b.Close(); err != nil {
		m.log.Warn("backend close failed", slog.String("error", err.Error()))
	}
}

// UnloadModel releases the backend. Unloading an unloaded manager is a no-op.
func (m *Manager) UnloadModel() error {
	m.slotMu.Lock()
	m.recoverSlotLocked()
	backend := m.backend
	m.backend = nil
	m.mu.Lock()
	modelID, modelName := m.modelID, m.modelName
	m.loaded = false
	m.modelID = ""
	m.modelName = ""
	m.mu.Unlock()
	m.slotMu.Unlock()

	if backend == nil {
		return nil
	}
	err := backend.Close()
	m.log.Info("model unloaded", slog.String("model_id", modelID))
	m.emit(protocol.ModelUnloaded, modelID, modelName, nil)
	if err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

func (m *Manager) maybeUnloadImmediately(reason string) {
	if !m.opts.Settings().UnloadPolicy.IsImmediate() || !m.IsLoaded() {
		return
	}
	m.log.Debug("unloading model immediately", slog.String("after", reason))
	if err := m.UnloadModel(); err != nil {
		m.log.Warn("immediate unload failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) watchIdle() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkIdle()
		}
	}
}

func (m *Manager) checkIdle() {
	policy := m.opts.Settings().UnloadPolicy
	limit := policy.Timeout()
	if limit <= 0 {
		return
	}
	idle := m.now().Sub(m.LastActivity())
	if idle <= limit {
		return
	}
	m.mu.Lock()
	busy := m.loading != nil || m.inflight > 0 || !m.loaded
	m.mu.Unlock()
	if busy {
		return
	}
	m.log.Info("unloading idle model", slog.Duration("idle", idle), slog.String("policy", policy.String()))
	if err := m.UnloadModel(); err != nil {
		m.log.Warn("idle unload failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) emit(eventType, modelID, modelName string, err error) {
	evt := protocol.ModelStateEvent{
		EventType: eventType,
		ModelID:   modelID,
		ModelName: modelName,
		Timestamp: m.now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	m.opts.Notifier.Notify(evt)
}

func (m *Manager) countTranscription(ctx context.Context, outcome string) {
	if m.transcriptions != nil {
		m.transcriptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
