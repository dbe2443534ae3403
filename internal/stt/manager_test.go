package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.ModelStateEvent
}

func (r *eventRecorder) Notify(evt protocol.ModelStateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

func (r *eventRecorder) last() protocol.ModelStateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type recordingBackend struct {
	mu     sync.Mutex
	params []Params
}

func (b *recordingBackend) Transcribe(_ context.Context, _ []float32, p Params) (BackendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.params = append(b.params, p)
	return BackendResult{Text: "bonjour"}, nil
}

func (b *recordingBackend) Kind() BackendKind { return Portable }
func (b *recordingBackend) Close() error      { return nil }

func testCatalog() *Catalog {
	c := NewCatalog("models", []Model{{ID: "small", Name: "Whisper Small", Filename: "ggml-small.bin"}})
	c.VerifyFiles = false
	return c
}

func newTestManager(t *testing.T, loader *Loader, settings Settings, rec *eventRecorder) *Manager {
	t.Helper()
	if settings.ModelID == "" {
		settings.ModelID = "small"
	}
	var notifier Notifier
	if rec != nil {
		notifier = rec
	}
	m := NewManager(context.Background(), Options{
		Catalog:       testCatalog(),
		Loader:        loader,
		Settings:      StaticSettings(settings),
		Notifier:      notifier,
		WatchInterval: 10 * time.Millisecond,
		Logger:        newLogger(),
	})
	t.Cleanup(m.Close)
	return m
}

func portableLoader(factory BackendFactory) *Loader {
	return &Loader{Portable: factory, Logger: newLogger()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrentInitiateLoadsOnce(t *testing.T) {
	var loads atomic.Int32
	factory := func(string) (Backend, error) {
		loads.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &MockBackend{Text: "salut"}, nil
	}
	m := newTestManager(t, portableLoader(factory), Settings{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.InitiateModelLoad()
		}()
	}
	wg.Wait()

	out, err := m.Transcribe(context.Background(), []float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if out.Text != "salut" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
	m.InitiateModelLoad()
	if got := loads.Load(); got != 1 {
		t.Fatalf("initiate on a loaded manager must not reload, got %d loads", got)
	}
}

func TestTranscribeWaitsForInFlightLoad(t *testing.T) {
	release := make(chan struct{})
	factory := func(string) (Backend, error) {
		<-release
		return &MockBackend{Text: "prêt"}, nil
	}
	m := newTestManager(t, portableLoader(factory), Settings{}, nil)
	m.InitiateModelLoad()
	if got := m.State(); got != Loading {
		t.Fatalf("expected loading, got %s", got)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Transcribe(context.Background(), []float32{0.5})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("transcribe returned before load finished: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("transcribe after load: %v", err)
	}
}

func TestWaitForLoadHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	factory := func(string) (Backend, error) {
		<-release
		return NewMockBackend(), nil
	}
	m := newTestManager(t, portableLoader(factory), Settings{}, nil)
	m.InitiateModelLoad()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Transcribe(ctx, []float32{0.5}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFailedLoadReleasesWaiters(t *testing.T) {
	factory := func(string) (Backend, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("corrupt model")
	}
	rec := &eventRecorder{}
	m := newTestManager(t, portableLoader(factory), Settings{}, rec)
	m.InitiateModelLoad()
	if _, err := m.Transcribe(context.Background(), []float32{0.5}); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded after failed load, got %v", err)
	}
	if got := m.State(); got != Unloaded {
		t.Fatalf("expected unloaded, got %s", got)
	}
	want := []string{protocol.ModelLoadingStarted, protocol.ModelLoadingFailed}
	if got := rec.types(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected events %v", got)
	}
	if rec.last().Error == "" || rec.last().ModelName != "Whisper Small" {
		t.Fatalf("failure event missing details: %+v", rec.last())
	}
}

func TestEmptyInputSkipsBackend(t *testing.T) {
	backend := NewMockBackend()
	m := newTestManager(t, portableLoader(func(string) (Backend, error) { return backend, nil }), Settings{}, nil)

	out, err := m.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty input on unloaded manager: %v", err)
	}
	if out.Text != "" || out.Confidence != 1 {
		t.Fatalf("unexpected output %+v", out)
	}

	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := m.Transcribe(context.Background(), []float32{}); err != nil {
		t.Fatalf("empty input: %v", err)
	}
	if backend.Calls() != 0 {
		t.Fatalf("backend must not be called for empty input")
	}
}

func TestTranscribeRequiresLoadedModel(t *testing.T) {
	m := newTestManager(t, portableLoader(MockFactory), Settings{}, nil)
	if _, err := m.Transcribe(context.Background(), []float32{0.1}); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
	if m.IsLoaded() {
		t.Fatalf("transcribe must not auto-load")
	}
}

func TestBackendPanicIsIsolated(t *testing.T) {
	var loads atomic.Int32
	factory := func(string) (Backend, error) {
		if loads.Add(1) == 1 {
			return &MockBackend{PanicWith: "segfault in ggml"}, nil
		}
		return &MockBackend{Text: "de retour"}, nil
	}
	rec := &eventRecorder{}
	m := newTestManager(t, portableLoader(factory), Settings{}, rec)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err := m.Transcribe(context.Background(), []float32{0.3})
	if !errors.Is(err, ErrBackendCrashed) {
		t.Fatalf("expected ErrBackendCrashed, got %v", err)
	}
	if got := m.State(); got != Unloaded {
		t.Fatalf("expected unloaded after crash, got %s", got)
	}
	last := rec.last()
	if last.EventType != protocol.ModelUnloaded || !strings.Contains(last.Error, "segfault") {
		t.Fatalf("expected unloaded event with reason, got %+v", last)
	}

	// The crashed backend is gone: the next call fails cleanly.
	if _, err := m.Transcribe(context.Background(), []float32{0.3}); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded after crash, got %v", err)
	}

	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	out, err := m.Transcribe(context.Background(), []float32{0.3})
	if err != nil || out.Text != "de retour" {
		t.Fatalf("expected recovery after reload, got %+v %v", out, err)
	}
}

func TestBackendErrorKeepsModel(t *testing.T) {
	boom := errors.New("decoder failure")
	m := newTestManager(t, portableLoader(func(string) (Backend, error) {
		return &MockBackend{Err: boom}, nil
	}), Settings{}, nil)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := m.Transcribe(context.Background(), []float32{0.3}); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !m.IsLoaded() {
		t.Fatalf("an ordinary error must not unload the model")
	}
}

func TestLoaderFallsBackToPortable(t *testing.T) {
	loader := &Loader{
		Native:          func(string) (Backend, error) { return nil, errors.New("no metal") },
		Portable:        MockFactory,
		NativeAvailable: func() bool { return true },
		Logger:          newLogger(),
	}
	m := newTestManager(t, loader, Settings{}, nil)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	kind, ok := m.BackendKind()
	if !ok || kind != Mock {
		t.Fatalf("expected portable fallback, got %s %v", kind, ok)
	}
}

func TestLoaderSkipsUnavailableNative(t *testing.T) {
	var nativeCalls atomic.Int32
	loader := &Loader{
		Native: func(string) (Backend, error) {
			nativeCalls.Add(1)
			return NewMockBackend(), nil
		},
		Portable:        MockFactory,
		NativeAvailable: func() bool { return false },
	}
	if _, err := loader.Load("model.bin"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if nativeCalls.Load() != 0 {
		t.Fatalf("native factory must not run when the probe says unavailable")
	}
}

func TestLoaderReportsBothFailures(t *testing.T) {
	loader := &Loader{
		Native:          func(string) (Backend, error) { return nil, errors.New("native boom") },
		Portable:        func(string) (Backend, error) { return nil, errors.New("portable boom") },
		NativeAvailable: func() bool { return true },
	}
	_, err := loader.Load("model.bin")
	if err == nil || !strings.Contains(err.Error(), "native boom") || !strings.Contains(err.Error(), "portable boom") {
		t.Fatalf("expected both causes, got %v", err)
	}
}

func TestConfigurationErrors(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "ggml-dir.bin"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	catalog := NewCatalog(dir, []Model{
		{ID: "missing", Filename: "ggml-missing.bin"},
		{ID: "dir", Filename: "ggml-dir.bin"},
	})
	rec := &eventRecorder{}
	var loads atomic.Int32
	m := NewManager(context.Background(), Options{
		Catalog: catalog,
		Loader: portableLoader(func(string) (Backend, error) {
			loads.Add(1)
			return NewMockBackend(), nil
		}),
		Notifier: rec,
		Logger:   newLogger(),
	})
	defer m.Close()

	if err := m.LoadModel(context.Background(), "nope"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if err := m.LoadModel(context.Background(), "missing"); !errors.Is(err, ErrModelNotDownloaded) {
		t.Fatalf("expected ErrModelNotDownloaded, got %v", err)
	}
	if err := m.LoadModel(context.Background(), "dir"); !errors.Is(err, ErrModelNotDownloaded) {
		t.Fatalf("expected ErrModelNotDownloaded for a directory, got %v", err)
	}
	if loads.Load() != 0 {
		t.Fatalf("backend factory must not run on configuration errors")
	}
	for i, typ := range rec.types() {
		want := protocol.ModelLoadingStarted
		if i%2 == 1 {
			want = protocol.ModelLoadingFailed
		}
		if typ != want {
			t.Fatalf("event %d: want %s got %s", i, want, typ)
		}
	}
}

func TestIdleWatcherUnloads(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, portableLoader(MockFactory), Settings{UnloadPolicy: UnloadAfter(30 * time.Millisecond)}, rec)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitFor(t, "idle unload", func() bool { return !m.IsLoaded() })
	if got := rec.last().EventType; got != protocol.ModelUnloaded {
		t.Fatalf("expected unloaded event, got %s", got)
	}
}

func TestNeverPolicyKeepsModel(t *testing.T) {
	m := newTestManager(t, portableLoader(MockFactory), Settings{UnloadPolicy: NeverUnload}, nil)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if !m.IsLoaded() {
		t.Fatalf("never policy must keep the model loaded")
	}
}

func TestImmediatePolicyUnloadsAfterEachCall(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, portableLoader(MockFactory), Settings{UnloadPolicy: UnloadImmediately}, rec)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := m.Transcribe(context.Background(), []float32{0.2}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if m.IsLoaded() {
		t.Fatalf("expected model to be released after the call")
	}

	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := m.Transcribe(context.Background(), nil); err != nil {
		t.Fatalf("empty transcribe: %v", err)
	}
	if m.IsLoaded() {
		t.Fatalf("empty input must also release the model")
	}
}

func TestUnloadIsIdempotent(t *testing.T) {
	rec := &eventRecorder{}
	m := newTestManager(t, portableLoader(MockFactory), Settings{}, rec)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.UnloadModel(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := m.UnloadModel(); err != nil {
		t.Fatalf("second unload: %v", err)
	}
	var unloaded int
	for _, typ := range rec.types() {
		if typ == protocol.ModelUnloaded {
			unloaded++
		}
	}
	if unloaded != 1 {
		t.Fatalf("expected one unloaded event, got %d", unloaded)
	}
	if m.CurrentModel() != "" {
		t.Fatalf("expected no current model")
	}
}

func TestTranscribeAppliesSettings(t *testing.T) {
	backend := &recordingBackend{}
	m := newTestManager(t, portableLoader(func(string) (Backend, error) { return backend, nil }),
		Settings{Language: "auto", Translate: true}, nil)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	text, err := m.TranscribeText(context.Background(), []float32{0.4})
	if err != nil || text != "bonjour" {
		t.Fatalf("unexpected result %q %v", text, err)
	}
	if len(backend.params) != 1 || backend.params[0].Language != "fr" || !backend.params[0].Translate {
		t.Fatalf("unexpected params %+v", backend.params)
	}
	if m.CurrentModel() != "small" || m.State() != Ready {
		t.Fatalf("unexpected state %s / %q", m.State(), m.CurrentModel())
	}
}

func TestTranscribeCorrectsAndScores(t *testing.T) {
	p := float32(0.25)
	m := newTestManager(t, portableLoader(func(string) (Backend, error) {
		return &MockBackend{Text: "[Musique] on déploie sur kubernetis", NoSpeechProb: &p}, nil
	}), Settings{CustomWords: []string{"Kubernetes"}, CorrectionThreshold: 0.8}, nil)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := m.Transcribe(context.Background(), []float32{0.4})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if out.Text != "on déploie sur Kubernetes" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if out.Confidence != 0.75 {
		t.Fatalf("expected confidence from native score, got %v", out.Confidence)
	}
}

type busyBackend struct {
	delay          time.Duration
	busy           atomic.Bool
	closed         atomic.Bool
	closedWhenBusy atomic.Bool
}

func (b *busyBackend) Transcribe(ctx context.Context, _ []float32, _ Params) (BackendResult, error) {
	b.busy.Store(true)
	defer b.busy.Store(false)
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return BackendResult{}, ctx.Err()
	}
	return BackendResult{Text: "toujours là"}, nil
}

func (b *busyBackend) Kind() BackendKind { return Mock }

func (b *busyBackend) Close() error {
	if b.busy.Load() {
		b.closedWhenBusy.Store(true)
	}
	b.closed.Store(true)
	return nil
}

func TestIdleWatcherWaitsForInflightTranscription(t *testing.T) {
	backend := &busyBackend{delay: 200 * time.Millisecond}
	m := NewManager(context.Background(), Options{
		Catalog:       testCatalog(),
		Loader:        portableLoader(func(string) (Backend, error) { return backend, nil }),
		Settings:      StaticSettings(Settings{ModelID: "small", UnloadPolicy: UnloadAfter(20 * time.Millisecond)}),
		WatchInterval: 5 * time.Millisecond,
		Logger:        newLogger(),
	})
	t.Cleanup(m.Close)
	if err := m.LoadModel(context.Background(), "small"); err != nil {
		t.Fatalf("load: %v", err)
	}

	out, err := m.Transcribe(context.Background(), []float32{0.1})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if out.Text != "toujours là" {
		t.Fatalf("unexpected text %q", out.Text)
	}
	if backend.closedWhenBusy.Load() {
		t.Fatalf("backend was closed while a transcription was running")
	}
	waitFor(t, "idle unload after the call", func() bool { return backend.closed.Load() && !m.IsLoaded() })
}

func TestLoadUnloadKeepSlotAndStateInStep(t *testing.T) {
	m := newTestManager(t, portableLoader(MockFactory), Settings{}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.LoadModel(ctx, "small")
		}()
		go func() {
			defer wg.Done()
			_ = m.UnloadModel()
		}()
	}
	wg.Wait()

	m.slotMu.Lock()
	hasBackend := m.backend != nil
	m.slotMu.Unlock()
	if hasBackend != m.IsLoaded() {
		t.Fatalf("slot holds backend=%v but loaded=%v", hasBackend, m.IsLoaded())
	}
	if hasBackend && m.CurrentModel() != "small" {
		t.Fatalf("loaded backend without a model id")
	}
	if !hasBackend && m.State() != Unloaded {
		t.Fatalf("empty slot must report unloaded, got %s", m.State())
	}
}
