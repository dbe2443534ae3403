// Package pipeline routes rule-cleaned transcripts to an optional
// language-model rewrite and assembles the final dictation text.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultConfidenceThreshold = 0.82
	DefaultMaxWords            = 30
)

// ErrEmptyCleanup is reported when the rewrite produced only whitespace.
var ErrEmptyCleanup = errors.New("pipeline: cleanup returned empty text")

var errNoCleanup = errors.New("pipeline: no cleanup configured")

// Decision is the routing outcome for one transcript.
type Decision int

const (
	RulesOnly Decision = iota
	RulesAndLLM
)

func (d Decision) String() string {
	if d == RulesOnly {
		return "rules_only"
	}
	return "rules_and_llm"
}

// Thresholds gate the rules-only fast path.
type Thresholds struct {
	Confidence float32
	MaxWords   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Confidence: DefaultConfidenceThreshold, MaxWords: DefaultMaxWords}
}

// CleanupFunc rewrites rule-cleaned text for the given mode.
type CleanupFunc func(ctx context.Context, text string, mode WriteMode) (string, error)

// Result is the outcome of Process.
type Result struct {
	Text        string
	RulesOnly   bool
	LLMFallback bool
	Decision    Decision
	DurationMS  uint64
}

type Router struct {
	thresholds Thresholds
	log        *slog.Logger
	tracer     trace.Tracer
	decisions  metric.Int64Counter
	fallbacks  metric.Int64Counter
	duration   metric.Float64Histogram
}

func NewRouter(thresholds Thresholds, log *slog.Logger) *Router {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Router{
		thresholds: thresholds,
		log:        log.With(slog.String("component", "pipeline")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-dictation/pipeline"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Router) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-dictation/pipeline")
	var err error
	if r.decisions, err = meter.Int64Counter("pipeline.decisions",
		metric.WithDescription("Routing decisions by outcome")); err != nil {
		return err
	}
	if r.fallbacks, err = meter.Int64Counter("pipeline.llm_fallbacks",
		metric.WithDescription("Cleanups that fell back to rule output")); err != nil {
		return err
	}
	r.duration, err = meter.Float64Histogram("pipeline.duration",
		metric.WithDescription("Post-processing latency"), metric.WithUnit("ms"))
	return err
}

func (r *Router) Thresholds() Thresholds { return r.thresholds }

// Route decides whether the transcript needs the language-model rewrite.
func (r *Router) Route(confidence float32, wordCount int, mode WriteMode) Decision {
	if mode.AlwaysCleanup() {
		return RulesAndLLM
	}
	if confidence >= r.thresholds.Confidence && wordCount <= r.thresholds.MaxWords {
		return RulesOnly
	}
	return RulesAndLLM
}

// Process always applies the rule engine, then calls cleanup when routing
// asks for it. Cleanup errors, empty cleanup output and a nil cleanup all
// fall back to the rule output with LLMFallback set.
func (r *Router) Process(ctx context.Context, raw string, confidence float32, mode WriteMode, cleanup CleanupFunc) Result {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("mode", mode.String())))
	defer span.End()

	cleaned := rules.Apply(raw)
	words := rules.WordCount(cleaned)
	decision := r.Route(confidence, words, mode)
	span.SetAttributes(attribute.String("decision", decision.String()), attribute.Int("words", words))

	r.log.Debug("routing transcript",
		slog.Float64("confidence", float64(confidence)),
		slog.Int("words", words),
		slog.String("mode", mode.String()),
		slog.String("decision", decision.String()))

	result := Result{Text: cleaned, RulesOnly: true, Decision: decision}
	if decision == RulesAndLLM {
		if rewritten, err := r.cleanup(ctx, cleanup, cleaned, mode); err != nil {
			if cleanup != nil {
				r.log.Warn("llm cleanup failed, using rule output", slog.String("error", err.Error()))
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			result.LLMFallback = true
		} else {
			result.Text = rewritten
			result.RulesOnly = false
		}
	}

	elapsed := time.Since(start)
	result.DurationMS = uint64(elapsed.Milliseconds())
	r.record(ctx, result, elapsed)
	return result
}

func (r *Router) cleanup(ctx context.Context, fn CleanupFunc, text string, mode WriteMode) (string, error) {
	if fn == nil {
		return "", errNoCleanup
	}
	out, err := fn(ctx, text, mode)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyCleanup
	}
	return out, nil
}

func (r *Router) record(ctx context.Context, result Result, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("decision", result.Decision.String()))
	if r.decisions != nil {
		r.decisions.Add(ctx, 1, attrs)
	}
	if result.LLMFallback && r.fallbacks != nil {
		r.fallbacks.Add(ctx, 1)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
