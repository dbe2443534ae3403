package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/llm"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// Components is the in-process dictation stack shared by the daemon and
// the command line tool.
type Components struct {
	Catalog     *stt.Catalog
	Settings    *stt.SettingsStore
	Manager     *stt.Manager
	Router      *pipeline.Router
	Cleaner     *llm.Cleaner
	Processor   *dictation.Processor
	Segments    dictation.SegmenterFactory
	DefaultMode pipeline.WriteMode
}

// Assemble builds the engine manager, the routing pipeline and the
// optional language-model cleaner from cfg. The model is not loaded;
// callers decide between InitiateModelLoad and a blocking LoadModel.
func Assemble(ctx context.Context, cfg config.Config, store *eventstore.Store, notifier stt.Notifier, log *slog.Logger) (*Components, error) {
	mode, err := pipeline.ParseWriteMode(cfg.Pipeline.DefaultMode)
	if err != nil {
		return nil, err
	}
	settings, err := stt.SettingsFromConfig(cfg.Engine, cfg.Correction)
	if err != nil {
		return nil, fmt.Errorf("engine settings: %w", err)
	}
	loader, err := stt.NewLoader(cfg.Engine, log)
	if err != nil {
		return nil, fmt.Errorf("engine loader: %w", err)
	}

	c := &Components{
		Catalog:     stt.CatalogFromConfig(cfg.Models),
		Settings:    stt.NewSettingsStore(settings),
		Segments:    dictation.NewSegmenterFactory(cfg.VAD),
		DefaultMode: mode,
	}
	c.Manager = stt.NewManager(ctx, stt.Options{
		Catalog:         c.Catalog,
		Loader:          loader,
		Settings:        c.Settings.Get,
		Notifier:        notifier,
		Corrector:       stt.NewCorrector(cfg.Correction.CacheSize),
		DefaultLanguage: cfg.Engine.DefaultLanguage,
		WatchInterval:   time.Duration(cfg.Engine.WatchIntervalMS) * time.Millisecond,
		Logger:          log,
	})

	c.Router = pipeline.NewRouter(pipeline.Thresholds{
		Confidence: float32(cfg.Pipeline.ConfidenceThreshold),
		MaxWords:   cfg.Pipeline.MaxWordsFastPath,
	}, log)

	if cfg.LLM.Enabled {
		gen, err := llm.NewGenerator(cfg.LLM)
		if err != nil {
			c.Manager.Close()
			return nil, fmt.Errorf("llm generator: %w", err)
		}
		c.Cleaner = llm.NewCleaner(gen, cfg.LLM, log)
	}

	c.Processor = dictation.NewProcessor(c.Manager, c.Router, c.Cleaner.Func(), store, log)
	return c, nil
}

// LLM returns the cleaner as a probe, or nil when cleanup is disabled.
func (c *Components) LLM() LLMProbe {
	if c.Cleaner == nil {
		return nil
	}
	return c.Cleaner
}

// Close unloads the model and stops the idle watcher.
func (c *Components) Close() {
	if c == nil || c.Manager == nil {
		return
	}
	c.Manager.Close()
}
