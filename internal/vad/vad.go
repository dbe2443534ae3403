// Package vad classifies fixed-duration audio frames as speech or noise and
// smooths the per-frame decisions into stable utterances.
package vad

import "errors"

// Frame is one analysis window of normalized PCM samples.
type Frame []float32

// Decision is the stabilized output for a single pushed frame. A speech
// decision may carry more samples than the frame itself: the frame that
// confirms an onset also carries the buffered lead-in.
type Decision struct {
	Speech  bool
	Samples []float32
}

// Noise is the decision for frames downstream consumers can drop.
var Noise = Decision{}

func (d Decision) IsSpeech() bool { return d.Speech }

// Classifier scores one frame; the score is a speech likelihood in [0,1].
type Classifier interface {
	Classify(frame Frame) (float32, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(Frame) (float32, error)

func (f ClassifierFunc) Classify(frame Frame) (float32, error) { return f(frame) }

var (
	ErrEmptyFrame   = errors.New("vad: empty frame")
	ErrInvalidFrame = errors.New("vad: frame contains non-finite samples")
)

// FrameSize returns the number of samples in a frame of the given duration.
func FrameSize(sampleRate, frameDurationMS int) int {
	if sampleRate <= 0 || frameDurationMS <= 0 {
		return 0
	}
	return sampleRate * frameDurationMS / 1000
}
