package dictation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/stt"
	"github.com/nats-io/nats.go"
)

const (
	defaultUtteranceTimeout = 45 * time.Second
	defaultSessionTTL       = 2 * time.Minute
	controlTimeout          = 5 * time.Minute
	streamName              = "DICTATION"
)

// ServiceConfig tunes the bus-facing dictation service.
type ServiceConfig struct {
	SampleRate       int
	DefaultMode      pipeline.WriteMode
	UtteranceTimeout time.Duration
	// Sessions without frames for this long are dropped.
	SessionTTL time.Duration
	// Persist results in a JetStream stream when the bus supports it.
	Persist       bool
	PersistMaxAge time.Duration
}

// Service listens for audio frames on the bus, collects one utterance per
// session and publishes the processed text once the client marks the
// session final.
type Service struct {
	cfg       ServiceConfig
	bus       *bus.Client
	processor *Processor
	models    ModelController
	segments  SegmenterFactory
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool
	closed bool
}

type session struct {
	collector *collector
	mode      pipeline.WriteMode
	lastSeen  time.Time
	failed    error
}

func NewService(parent context.Context, cfg ServiceConfig, busClient *bus.Client, processor *Processor, models ModelController, segments SegmenterFactory, log *slog.Logger) *Service {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = stt.DefaultSampleRate
	}
	if cfg.UtteranceTimeout <= 0 {
		cfg.UtteranceTimeout = defaultUtteranceTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		processor: processor,
		models:    models,
		segments:  segments,
		log:       log.With(slog.String("component", "dictation-service")),
		sessions:  make(map[string]*session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	type route struct {
		subject string
		handler nats.MsgHandler
	}
	routes := []route{{protocol.SubjectAudioFramePrefix + ".>", s.handleFrame}}
	if s.models != nil {
		routes = append(routes,
			route{protocol.SubjectModelLoad, s.handleLoad},
			route{protocol.SubjectModelUnload, s.handleUnload})
	}
	for _, h := range routes {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	if s.cfg.Persist {
		if err := s.bus.EnsureStream(streamName, []string{protocol.SubjectDictationFinal}, s.cfg.PersistMaxAge); err != nil {
			s.log.Warn("dictation results will not be persisted", slog.String("error", err.Error()))
		}
	}

	s.wg.Add(1)
	go s.reapSessions()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.ready = false
	s.mu.Unlock()
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ActiveSessions reports how many utterances are being collected.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = sessionFromSubject(msg.Subject)
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	samples := audio.PCM16ToFloat32(frame.PCM)
	samples = audio.DownmixInterleaved(samples, frame.Channels)
	if frame.SampleRate > 0 && frame.SampleRate != s.cfg.SampleRate {
		samples = audio.Resample(samples, frame.SampleRate, s.cfg.SampleRate)
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &session{collector: newCollector(s.segments), mode: s.cfg.DefaultMode}
		s.sessions[frame.SessionID] = state
	}
	if frame.WriteMode != "" {
		if mode, err := pipeline.ParseWriteMode(frame.WriteMode); err == nil {
			state.mode = mode
		} else {
			s.log.Warn("ignoring unknown write mode", slog.String("write_mode", frame.WriteMode))
		}
	}
	state.lastSeen = time.Now()
	if state.failed == nil {
		state.failed = state.collector.Write(samples)
	}
	if !frame.Final {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, frame.SessionID)
	s.mu.Unlock()

	s.finish(frame.SessionID, state)
}

func (s *Service) finish(sessionID string, state *session) {
	utterance := state.collector.Flush()
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.UtteranceTimeout)
		defer cancel()

		var res protocol.DictationResult
		if state.failed != nil {
			res = protocol.DictationResult{
				SessionID: sessionID,
				WriteMode: state.mode.String(),
				Error:     state.failed.Error(),
				Timestamp: time.Now().UTC(),
			}
		} else {
			var err error
			res, err = s.processor.Process(ctx, sessionID, "bus", utterance, state.mode)
			if err != nil {
				s.log.Warn("dictation failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		}
		if err := s.bus.PublishJSON(protocol.SubjectDictationFinal, res); err != nil {
			s.log.Warn("failed to publish dictation result", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	})
}

// spawn runs fn on a tracked goroutine unless the service is closing.
func (s *Service) spawn(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Service) reapSessions() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.dropStale(time.Now())
		}
	}
}

func (s *Service) dropStale(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		if now.Sub(state.lastSeen) > s.cfg.SessionTTL {
			delete(s.sessions, id)
			s.log.Info("dropped stale dictation session", slog.String("session_id", id))
		}
	}
}

func (s *Service) handleLoad(msg *nats.Msg) {
	var req protocol.ModelControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, protocol.ModelControlReply{Error: "invalid request: " + err.Error()})
			return
		}
	}
	id := strings.TrimSpace(req.ModelID)
	if id == "" {
		id = s.models.Settings().ModelID
	}
	// Loading can take a while; keep the bus callback free.
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
		defer cancel()
		err := s.models.LoadModel(ctx, id)
		s.reply(msg, s.controlReply(err))
	})
}

func (s *Service) handleUnload(msg *nats.Msg) {
	err := s.models.UnloadModel()
	s.reply(msg, s.controlReply(err))
}

func (s *Service) controlReply(err error) protocol.ModelControlReply {
	reply := protocol.ModelControlReply{
		OK:      err == nil,
		State:   s.models.State().String(),
		ModelID: s.models.CurrentModel(),
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (s *Service) reply(msg *nats.Msg, reply protocol.ModelControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

// sessionFromSubject takes the last token of audio.frame.<session>.
func sessionFromSubject(subject string) string {
	prefix := protocol.SubjectAudioFramePrefix + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}

// NewSessionID returns a random session identifier for callers that do not
// bring their own.
func NewSessionID() string {
	return uuid.NewString()
}
