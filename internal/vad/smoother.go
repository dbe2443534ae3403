package vad

import "fmt"

// Phase is the smoother's hysteresis state.
type Phase int

const (
	Silence Phase = iota
	PendingOnset
	Speech
	PendingHangover
)

func (p Phase) String() string {
	switch p {
	case Silence:
		return "silence"
	case PendingOnset:
		return "pending_onset"
	case Speech:
		return "speech"
	case PendingHangover:
		return "pending_hangover"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the phase plus the frame count for the pending phases.
type State struct {
	Phase Phase
	Count int
}

// SmootherConfig holds the hysteresis parameters, all counted in frames.
type SmootherConfig struct {
	Prefill  int
	Hangover int
	Onset    int
}

// Smoother turns thresholded per-frame decisions into stable speech
// segments. It keeps a ring of the most recent non-speech frames so the
// frame that confirms an onset can carry the utterance lead-in.
// A Smoother is not safe for concurrent use.
type Smoother struct {
	cfg   SmootherConfig
	state State

	ring  []Frame
	head  int
	count int
}

func NewSmoother(cfg SmootherConfig) *Smoother {
	if cfg.Prefill < 0 {
		cfg.Prefill = 0
	}
	if cfg.Hangover < 0 {
		cfg.Hangover = 0
	}
	if cfg.Onset < 1 {
		cfg.Onset = 1
	}
	return &Smoother{
		cfg:  cfg,
		ring: make([]Frame, cfg.Prefill),
	}
}

func (s *Smoother) Config() SmootherConfig { return s.cfg }

func (s *Smoother) State() State { return s.state }

// InSpeech reports whether frames are currently being emitted as speech.
func (s *Smoother) InSpeech() bool {
	return s.state.Phase == Speech || s.state.Phase == PendingHangover
}

// Reset drops the buffered lead-in and returns to silence.
func (s *Smoother) Reset() {
	s.state = State{Phase: Silence}
	s.head = 0
	s.count = 0
}

// Push advances the state machine by one frame.
func (s *Smoother) Push(isSpeech bool, frame Frame) Decision {
	switch s.state.Phase {
	case Silence:
		if !isSpeech {
			s.remember(frame)
			return Noise
		}
		return s.advanceOnset(1, frame)

	case PendingOnset:
		if !isSpeech {
			s.state = State{Phase: Silence}
			s.remember(frame)
			return Noise
		}
		return s.advanceOnset(s.state.Count+1, frame)

	case Speech:
		if isSpeech {
			return speechOf(frame)
		}
		return s.advanceHangover(1, frame)

	case PendingHangover:
		if isSpeech {
			s.state = State{Phase: Speech}
			return speechOf(frame)
		}
		return s.advanceHangover(s.state.Count+1, frame)
	}
	return Noise
}

func (s *Smoother) advanceOnset(n int, frame Frame) Decision {
	if n < s.cfg.Onset {
		s.state = State{Phase: PendingOnset, Count: n}
		s.remember(frame)
		return Noise
	}
	s.state = State{Phase: Speech}
	out := s.drainPrefill(len(frame))
	out = append(out, frame...)
	return Decision{Speech: true, Samples: out}
}

func (s *Smoother) advanceHangover(n int, frame Frame) Decision {
	if s.cfg.Hangover == 0 {
		s.state = State{Phase: Silence}
		s.remember(frame)
		return Noise
	}
	if n >= s.cfg.Hangover {
		s.state = State{Phase: Silence}
	} else {
		s.state = State{Phase: PendingHangover, Count: n}
	}
	return speechOf(frame)
}

// remember copies frame into the prefill ring, evicting the oldest entry.
func (s *Smoother) remember(frame Frame) {
	size := len(s.ring)
	if size == 0 {
		return
	}
	idx := (s.head + s.count) % size
	if s.count == size {
		idx = s.head
		s.head = (s.head + 1) % size
	} else {
		s.count++
	}
	s.ring[idx] = append(s.ring[idx][:0], frame...)
}

// drainPrefill returns the buffered lead-in oldest first and empties the ring.
func (s *Smoother) drainPrefill(extra int) []float32 {
	total := extra
	for i := 0; i < s.count; i++ {
		total += len(s.ring[(s.head+i)%len(s.ring)])
	}
	out := make([]float32, 0, total)
	for i := 0; i < s.count; i++ {
		out = append(out, s.ring[(s.head+i)%len(s.ring)]...)
	}
	s.head = 0
	s.count = 0
	return out
}

func speechOf(frame Frame) Decision {
	return Decision{Speech: true, Samples: append([]float32(nil), frame...)}
}
