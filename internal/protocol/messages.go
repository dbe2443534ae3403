package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a capture client.
// PCM is little-endian signed 16-bit; the dictation service does not resample.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
	WriteMode  string `json:"write_mode,omitempty"`
}

// Model lifecycle event types.
const (
	ModelLoadingStarted   = "loading_started"
	ModelLoadingCompleted = "loading_completed"
	ModelLoadingFailed    = "loading_failed"
	ModelUnloaded         = "unloaded"
)

// ModelStateEvent is emitted on every engine lifecycle transition.
type ModelStateEvent struct {
	EventType string    `json:"event_type"`
	ModelID   string    `json:"model_id,omitempty"`
	ModelName string    `json:"model_name,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DictationResult is the post-processed text for one utterance.
type DictationResult struct {
	SessionID    string    `json:"session_id"`
	Text         string    `json:"text"`
	RawText      string    `json:"raw_text"`
	Confidence   float32   `json:"confidence"`
	WriteMode    string    `json:"write_mode"`
	RulesOnly    bool      `json:"rules_only"`
	LLMFallback  bool      `json:"llm_fallback"`
	STTLatencyMS uint64    `json:"stt_latency_ms"`
	PostMS       uint64    `json:"post_latency_ms"`
	Timestamp    time.Time `json:"timestamp"`
	Error        string    `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectModelState       = "stt.model.state"
	SubjectDictationFinal   = "dictation.text.final"
	SubjectModelLoad        = "stt.model.load"
	SubjectModelUnload      = "stt.model.unload"
)

// ModelControlRequest asks the engine to load or unload a model. An empty
// ModelID means the configured model.
type ModelControlRequest struct {
	ModelID string `json:"model_id,omitempty"`
}

// ModelControlReply answers a ModelControlRequest.
type ModelControlReply struct {
	OK      bool   `json:"ok"`
	State   string `json:"state"`
	ModelID string `json:"model_id,omitempty"`
	Error   string `json:"error,omitempty"`
}
