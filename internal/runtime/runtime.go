package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/natsserver"
	"github.com/loqalabs/loqa-dictation/internal/notify"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/stt"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
	persistMaxAge   = 24 * time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error

	store      *eventstore.Store
	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	components *Components
	service    *dictation.Service
	registry   *capability.Registry

	ready atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled and then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startStorage(ctx); err != nil {
		return err
	}
	if err := r.startBus(ctx); err != nil {
		return err
	}

	components, err := Assemble(ctx, r.cfg, r.store, r.notifier(), r.logger)
	if err != nil {
		return fmt.Errorf("failed to assemble dictation pipeline: %w", err)
	}
	r.components = components
	components.Manager.InitiateModelLoad()

	if err := r.startBusServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	NewAPI(APIOptions{
		Processor:   components.Processor,
		Router:      components.Router,
		Cleanup:     components.Cleaner.Func(),
		Models:      components.Manager,
		Catalog:     components.Catalog,
		Store:       r.store,
		LLM:         components.LLM(),
		Segments:    components.Segments,
		DefaultMode: components.DefaultMode,
		SampleRate:  r.cfg.VAD.SampleRate,
		MaxUpload:   parseMaxUpload(r.cfg.HTTP.MaxUploadMB),
		Timeout:     time.Duration(r.cfg.HTTP.RequestTimeout) * time.Millisecond,
		Logger:      r.logger,
	}).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(r.httpServer) })
	if r.metricsServer != nil {
		g.Go(func() error { return serve(r.metricsServer) })
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind),
		slog.Bool("bus", r.bus != nil),
		slog.Bool("llm", components.Cleaner != nil))

	if err := g.Wait(); err != nil {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func serve(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", srv.Addr, err)
	}
	return nil
}

func (r *Runtime) startStorage(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

// notifier fans model state changes out to the log, the timeline and, when
// connected, the bus.
func (r *Runtime) notifier() stt.Notifier {
	n := stt.MultiNotifier{notify.NewLog(r.logger), notify.NewStore(r.store, r.logger)}
	if r.bus != nil {
		n = append(n, notify.NewBus(r.bus, r.logger))
	}
	return n
}

func (r *Runtime) startBusServices(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}
	c := r.components
	r.service = dictation.NewService(ctx, dictation.ServiceConfig{
		SampleRate:       r.cfg.VAD.SampleRate,
		DefaultMode:      c.DefaultMode,
		UtteranceTimeout: time.Duration(r.cfg.HTTP.RequestTimeout) * time.Millisecond,
		Persist:          r.cfg.EventStore.RetentionMode != "ephemeral",
		PersistMaxAge:    persistMaxAge,
	}, r.bus, c.Processor, c.Manager, c.Segments, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start dictation service: %w", err)
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.bus, r.capabilities(), r.nodeStatus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) capabilities() []capability.Capability {
	var modes []string
	for _, m := range pipeline.AllModes {
		modes = append(modes, m.String())
	}
	caps := []capability.Capability{
		{Name: "stt", Attributes: map[string]string{
			"language": r.cfg.Engine.DefaultLanguage,
			"model":    r.cfg.Engine.SelectedModel,
		}},
		{Name: "dictation", Attributes: map[string]string{
			"modes":   strings.Join(modes, ","),
			"subject": protocol.SubjectAudioFramePrefix,
		}},
	}
	if r.cfg.VAD.Enabled {
		caps = append(caps, capability.Capability{Name: "vad"})
	}
	if r.components != nil && r.components.Cleaner != nil {
		caps = append(caps, capability.Capability{Name: "llm-cleanup", Attributes: map[string]string{"mode": r.cfg.LLM.Mode}})
	}
	return caps
}

func (r *Runtime) nodeStatus() map[string]string {
	m := r.components.Manager
	status := map[string]string{
		"model_state": m.State().String(),
		"model_id":    m.CurrentModel(),
	}
	if kind, ok := m.BackendKind(); ok {
		status["backend"] = kind.String()
	}
	if r.service != nil {
		status["sessions"] = fmt.Sprint(r.service.ActiveSessions())
	}
	return status
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	r.components.Close()
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}
