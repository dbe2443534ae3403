package vad

// Segmenter cuts an arbitrary sample stream into frames, runs them through a
// Detector and accumulates the speech it confirms. Partial frames are carried
// over to the next Write.
type Segmenter struct {
	detector  *Detector
	frameSize int
	pending   []float32
	speech    []float32
	sawSpeech bool
}

func NewSegmenter(detector *Detector, frameSize int) *Segmenter {
	if frameSize <= 0 {
		frameSize = FrameSize(16000, 30)
	}
	return &Segmenter{detector: detector, frameSize: frameSize}
}

// Write consumes samples. On a classifier error the offending frame is
// dropped and the error returned; earlier speech is kept.
func (s *Segmenter) Write(samples []float32) error {
	s.pending = append(s.pending, samples...)
	offset := 0
	var firstErr error
	for len(s.pending)-offset >= s.frameSize {
		frame := Frame(s.pending[offset : offset+s.frameSize])
		offset += s.frameSize
		decision, err := s.detector.PushFrame(frame)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if decision.Speech {
			s.sawSpeech = true
			s.speech = append(s.speech, decision.Samples...)
		}
	}
	s.pending = append(s.pending[:0], s.pending[offset:]...)
	return firstErr
}

// Speech reports whether any speech has been confirmed since the last Flush.
func (s *Segmenter) Speech() bool { return s.sawSpeech }

// Flush returns the collected speech and resets the segmenter. A trailing
// partial frame is kept only while an utterance is still open.
func (s *Segmenter) Flush() []float32 {
	out := s.speech
	if s.detector.InSpeech() && len(s.pending) > 0 {
		out = append(out, s.pending...)
	}
	s.speech = nil
	s.pending = nil
	s.sawSpeech = false
	s.detector.Reset()
	return out
}
