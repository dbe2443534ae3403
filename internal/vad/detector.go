package vad

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const DefaultThreshold = 0.3

var (
	speechAttrs = metric.WithAttributes(attribute.Bool("speech", true))
	noiseAttrs  = metric.WithAttributes(attribute.Bool("speech", false))
)

// Detector thresholds classifier scores and feeds them through a Smoother.
type Detector struct {
	classifier Classifier
	threshold  float32
	smoother   *Smoother
	frames     metric.Int64Counter
}

func NewDetector(classifier Classifier, threshold float32, smoother *Smoother) *Detector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if smoother == nil {
		smoother = NewSmoother(SmootherConfig{Prefill: 15, Hangover: 15, Onset: 2})
	}
	d := &Detector{classifier: classifier, threshold: threshold, smoother: smoother}
	counter, err := otel.Meter("github.com/loqalabs/loqa-dictation/vad").Int64Counter(
		"vad.frames", metric.WithDescription("Frames classified by the voice activity detector"))
	if err == nil {
		d.frames = counter
	}
	return d
}

// IsVoice reports whether the raw classifier score reaches the threshold,
// without touching the smoother.
func (d *Detector) IsVoice(frame Frame) (bool, error) {
	score, err := d.classifier.Classify(frame)
	if err != nil {
		return false, fmt.Errorf("vad: classify frame: %w", err)
	}
	return score >= d.threshold, nil
}

// PushFrame classifies frame and advances the smoother. Classifier errors
// are returned with a Noise decision and leave the smoother untouched.
func (d *Detector) PushFrame(frame Frame) (Decision, error) {
	voiced, err := d.IsVoice(frame)
	if err != nil {
		return Noise, err
	}
	decision := d.smoother.Push(voiced, frame)
	if d.frames != nil {
		attrs := noiseAttrs
		if decision.Speech {
			attrs = speechAttrs
		}
		d.frames.Add(context.Background(), 1, attrs)
	}
	return decision, nil
}

func (d *Detector) InSpeech() bool { return d.smoother.InSpeech() }

func (d *Detector) Reset() { d.smoother.Reset() }
