package vad

import (
	"errors"
	"math"
	"testing"
)

func constFrame(v float32, n int) Frame {
	f := make(Frame, n)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestSmootherSilenceNeverSpeaks(t *testing.T) {
	s := NewSmoother(SmootherConfig{Prefill: 15, Hangover: 15, Onset: 2})
	for i := 0; i < 200; i++ {
		if d := s.Push(false, constFrame(0, 480)); d.IsSpeech() {
			t.Fatalf("frame %d: expected noise", i)
		}
	}
	if got := s.State().Phase; got != Silence {
		t.Fatalf("expected silence, got %s", got)
	}
}

func TestSmootherOnsetCarriesPrefill(t *testing.T) {
	s := NewSmoother(SmootherConfig{Prefill: 3, Hangover: 2, Onset: 2})
	for i := 1; i <= 5; i++ {
		if d := s.Push(false, constFrame(float32(i), 2)); d.Speech {
			t.Fatalf("noise frame %d emitted as speech", i)
		}
	}

	if d := s.Push(true, constFrame(6, 2)); d.Speech {
		t.Fatalf("first speech frame must wait for onset confirmation")
	}
	if st := s.State(); st.Phase != PendingOnset || st.Count != 1 {
		t.Fatalf("unexpected state %+v", st)
	}

	d := s.Push(true, constFrame(7, 2))
	if !d.Speech {
		t.Fatalf("expected onset confirmation")
	}
	want := []float32{4, 4, 5, 5, 6, 6, 7, 7}
	if len(d.Samples) != len(want) {
		t.Fatalf("expected %d samples, got %d (%v)", len(want), len(d.Samples), d.Samples)
	}
	for i := range want {
		if d.Samples[i] != want[i] {
			t.Fatalf("sample %d: want %v got %v", i, want[i], d.Samples[i])
		}
	}

	// Steady speech carries only the current frame.
	d = s.Push(true, constFrame(8, 2))
	if !d.Speech || len(d.Samples) != 2 {
		t.Fatalf("expected plain speech frame, got %+v", d)
	}
}

func TestSmootherHangover(t *testing.T) {
	s := NewSmoother(SmootherConfig{Prefill: 0, Hangover: 2, Onset: 1})
	if d := s.Push(true, constFrame(1, 4)); !d.Speech {
		t.Fatalf("onset 1 should confirm immediately")
	}
	if d := s.Push(false, constFrame(0, 4)); !d.Speech {
		t.Fatalf("first hangover frame should be speech")
	}
	if st := s.State(); st.Phase != PendingHangover || st.Count != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
	if d := s.Push(false, constFrame(0, 4)); !d.Speech {
		t.Fatalf("second hangover frame should be speech")
	}
	if st := s.State(); st.Phase != Silence {
		t.Fatalf("expected silence after hangover, got %+v", st)
	}
	if d := s.Push(false, constFrame(0, 4)); d.Speech {
		t.Fatalf("expected noise after hangover")
	}
}

func TestSmootherHangoverResumesSpeech(t *testing.T) {
	s := NewSmoother(SmootherConfig{Prefill: 1, Hangover: 5, Onset: 1})
	s.Push(true, constFrame(1, 1))
	s.Push(false, constFrame(0, 1))
	d := s.Push(true, constFrame(1, 1))
	if !d.Speech || len(d.Samples) != 1 {
		t.Fatalf("speech inside hangover must not replay prefill: %+v", d)
	}
	if st := s.State(); st.Phase != Speech {
		t.Fatalf("expected speech, got %+v", st)
	}
}

func TestSmootherInterruptedOnset(t *testing.T) {
	s := NewSmoother(SmootherConfig{Prefill: 2, Hangover: 2, Onset: 3})
	s.Push(true, constFrame(1, 1))
	s.Push(true, constFrame(1, 1))
	if d := s.Push(false, constFrame(0, 1)); d.Speech {
		t.Fatalf("expected noise")
	}
	if st := s.State(); st.Phase != Silence {
		t.Fatalf("expected silence, got %+v", st)
	}
}

func TestSmootherZeroHangover(t *testing.T) {
	s := NewSmoother(SmootherConfig{Onset: 1})
	s.Push(true, constFrame(1, 1))
	if d := s.Push(false, constFrame(0, 1)); d.Speech {
		t.Fatalf("expected noise with no hangover")
	}
}

func TestSmootherReset(t *testing.T) {
	s := NewSmoother(SmootherConfig{Prefill: 2, Hangover: 2, Onset: 1})
	s.Push(false, constFrame(9, 1))
	s.Push(false, constFrame(9, 1))
	s.Reset()
	d := s.Push(true, constFrame(1, 1))
	if len(d.Samples) != 1 {
		t.Fatalf("reset must clear prefill, got %v", d.Samples)
	}
}

func TestDetectorPropagatesClassifierError(t *testing.T) {
	boom := errors.New("model exploded")
	d := NewDetector(ClassifierFunc(func(Frame) (float32, error) { return 0, boom }), 0.3, nil)
	decision, err := d.PushFrame(constFrame(1, 480))
	if !errors.Is(err, boom) {
		t.Fatalf("expected classifier error, got %v", err)
	}
	if decision.Speech {
		t.Fatalf("expected noise on error")
	}
}

func TestDetectorThreshold(t *testing.T) {
	score := float32(0.5)
	d := NewDetector(ClassifierFunc(func(Frame) (float32, error) { return score, nil }), 0.6,
		NewSmoother(SmootherConfig{Onset: 1}))
	voiced, err := d.IsVoice(constFrame(0, 1))
	if err != nil || voiced {
		t.Fatalf("expected below threshold, got %v %v", voiced, err)
	}
	score = 0.6
	decision, err := d.PushFrame(constFrame(0, 1))
	if err != nil || !decision.Speech {
		t.Fatalf("score at threshold should count as speech: %+v %v", decision, err)
	}
}

func TestEnergyClassifier(t *testing.T) {
	c := NewEnergyClassifier(0.02)

	score, err := c.Classify(constFrame(0, 480))
	if err != nil || score != 0 {
		t.Fatalf("silence: got %v %v", score, err)
	}

	tone := make(Frame, 480)
	for i := range tone {
		tone[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	score, err = c.Classify(tone)
	if err != nil {
		t.Fatalf("classify tone: %v", err)
	}
	if score < 0.9 {
		t.Fatalf("expected loud tone to score high, got %v", score)
	}

	if _, err := c.Classify(nil); !errors.Is(err, ErrEmptyFrame) {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
	bad := constFrame(0.1, 4)
	bad[2] = float32(math.NaN())
	if _, err := c.Classify(bad); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestSegmenterCollectsUtterance(t *testing.T) {
	classifier := ClassifierFunc(func(f Frame) (float32, error) {
		if f[0] > 0.5 {
			return 1, nil
		}
		return 0, nil
	})
	det := NewDetector(classifier, 0.5, NewSmoother(SmootherConfig{Prefill: 2, Hangover: 1, Onset: 2}))
	seg := NewSegmenter(det, 4)

	var stream []float32
	stream = append(stream, constFrame(0, 20)...)
	stream = append(stream, constFrame(1, 16)...)
	stream = append(stream, constFrame(0, 20)...)
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		if err := seg.Write(stream[i:end]); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if !seg.Speech() {
		t.Fatalf("expected speech to be detected")
	}
	out := seg.Flush()
	if len(out) != 24 {
		t.Fatalf("expected 24 samples (prefill + speech + hangover), got %d", len(out))
	}
	var voiced int
	for _, s := range out {
		if s == 1 {
			voiced++
		}
	}
	if voiced != 16 {
		t.Fatalf("expected all 16 voiced samples, got %d", voiced)
	}
	if seg.Speech() {
		t.Fatalf("flush should reset the segmenter")
	}
}

func TestSegmenterSilenceOnly(t *testing.T) {
	det := NewDetector(NewEnergyClassifier(0.02), 0.3, nil)
	seg := NewSegmenter(det, FrameSize(16000, 30))
	if err := seg.Write(make([]float32, 16000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if seg.Speech() {
		t.Fatalf("silence must not produce speech")
	}
	if out := seg.Flush(); len(out) != 0 {
		t.Fatalf("expected no samples, got %d", len(out))
	}
}
