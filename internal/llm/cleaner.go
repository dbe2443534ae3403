package llm

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Cleaner turns a Generator into the pipeline's rewrite step: it picks the
// system prompt for the write mode and bounds every call with a timeout.
type Cleaner struct {
	gen          Generator
	base         Request
	timeout      time.Duration
	probeTimeout time.Duration
	log          *slog.Logger
	tracer       trace.Tracer
	probes       singleflight.Group

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewCleaner(gen Generator, cfg config.LLMConfig, log *slog.Logger) *Cleaner {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Cleaner{
		gen:          gen,
		base:         RequestFromConfig(cfg),
		timeout:      timeout,
		probeTimeout: DefaultProbeTimeout,
		log:          log.With(slog.String("component", "llm")),
		tracer:       otel.Tracer("github.com/loqalabs/loqa-dictation/llm"),
	}
	if err := c.initMetrics(); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c
}

func (c *Cleaner) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/llm")
	var err error
	if c.requests, err = meter.Int64Counter("llm.requests",
		metric.WithDescription("Cleanup requests by outcome")); err != nil {
		return err
	}
	c.latency, err = meter.Float64Histogram("llm.latency",
		metric.WithDescription("Cleanup latency"), metric.WithUnit("ms"))
	return err
}

// Cleanup rewrites text for mode. It satisfies pipeline.CleanupFunc.
func (c *Cleaner) Cleanup(ctx context.Context, text string, mode pipeline.WriteMode) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "llm.cleanup",
		trace.WithAttributes(attribute.String("mode", mode.String())))
	defer span.End()

	req := c.base
	req.System = mode.SystemPrompt()
	req.Prompt = text

	start := time.Now()
	completion, err := c.gen.Generate(ctx, req)
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.record(ctx, outcome, elapsed)
	if err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.Int("prompt_tokens", completion.PromptTokens),
		attribute.Int("completion_tokens", completion.CompletionTokens))
	c.log.Debug("cleanup completed",
		slog.String("mode", mode.String()),
		slog.Duration("latency", elapsed))
	return completion.Content, nil
}

// Func returns the cleanup hook for pipeline.Router.Process, or nil when c
// is nil so callers can pass it through unconditionally.
func (c *Cleaner) Func() pipeline.CleanupFunc {
	if c == nil {
		return nil
	}
	return c.Cleanup
}

// Available probes the backend. Concurrent callers share one probe.
// Backends without a probe are assumed available.
func (c *Cleaner) Available(ctx context.Context) error {
	prober, ok := c.gen.(Prober)
	if !ok {
		return nil
	}
	ch := c.probes.DoChan("probe", func() (any, error) {
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.probeTimeout)
		defer cancel()
		return nil, prober.Probe(probeCtx)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *Cleaner) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if c.requests != nil {
		c.requests.Add(ctx, 1, attrs)
	}
	if c.latency != nil {
		c.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
