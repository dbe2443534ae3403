package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadMB    int    `yaml:"max_upload_mb"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	VAD         VADConfig        `yaml:"vad"`
	Engine      EngineConfig     `yaml:"engine"`
	Models      ModelsConfig     `yaml:"models"`
	Correction  CorrectionConfig `yaml:"correction"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	LLM         LLMConfig        `yaml:"llm"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VADConfig tunes the frame classifier and the utterance smoother.
type VADConfig struct {
	Enabled         bool    `yaml:"enabled"`
	SampleRate      int     `yaml:"sample_rate"`
	FrameDurationMS int     `yaml:"frame_duration_ms"`
	Threshold       float64 `yaml:"threshold"`
	Prefill         int     `yaml:"prefill_frames"`
	Hangover        int     `yaml:"hangover_frames"`
	Onset           int     `yaml:"onset_frames"`
	ReferenceRMS    float64 `yaml:"reference_rms"`
}

// EngineConfig selects and governs the speech recognition backend.
type EngineConfig struct {
	Mode            string `yaml:"mode"` // auto, exec, mock
	Command         string `yaml:"command"`
	SelectedModel   string `yaml:"selected_model"`
	Language        string `yaml:"language"`
	DefaultLanguage string `yaml:"default_language"`
	Translate       bool   `yaml:"translate"`
	UnloadTimeout   string `yaml:"unload_timeout"` // never, immediately, or seconds/duration
	WatchIntervalMS int    `yaml:"watch_interval_ms"`
	Threads         int    `yaml:"threads"`
	SampleRate      int    `yaml:"sample_rate"`
}

type ModelsConfig struct {
	Directory string       `yaml:"directory"`
	Catalog   []ModelEntry `yaml:"catalog"`
}

type ModelEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Filename string `yaml:"filename"`
}

type CorrectionConfig struct {
	CustomWords []string `yaml:"custom_words"`
	Threshold   float64  `yaml:"threshold"`
	CacheSize   int      `yaml:"cache_size"`
}

type PipelineConfig struct {
	DefaultMode         string  `yaml:"default_mode"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxWordsFastPath    int     `yaml:"max_words_fast_path"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, openai, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictation",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "127.0.0.1",
			Port:           8080,
			MaxUploadMB:    32,
			RequestTimeout: 60000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-dictation-1",
			Role:              "dictation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		VAD: VADConfig{
			Enabled:         true,
			SampleRate:      16000,
			FrameDurationMS: 30,
			Threshold:       0.3,
			Prefill:         15,
			Hangover:        15,
			Onset:           2,
			ReferenceRMS:    0.02,
		},
		Engine: EngineConfig{
			Mode:            "auto",
			SelectedModel:   "large-v3-turbo",
			Language:        "auto",
			DefaultLanguage: "fr",
			UnloadTimeout:   "never",
			WatchIntervalMS: 10000,
			SampleRate:      16000,
		},
		Models: ModelsConfig{
			Directory: "./models",
			Catalog: []ModelEntry{
				{ID: "small", Name: "Whisper Small", Filename: "ggml-small.bin"},
				{ID: "medium", Name: "Whisper Medium", Filename: "ggml-medium.bin"},
				{ID: "large-v3-turbo", Name: "Whisper Large v3 Turbo", Filename: "ggml-large-v3-turbo.bin"},
			},
		},
		Correction: CorrectionConfig{
			Threshold: 0.82,
			CacheSize: 1024,
		},
		Pipeline: PipelineConfig{
			DefaultMode:         "chat",
			ConfidenceThreshold: 0.82,
			MaxWordsFastPath:    30,
		},
		LLM: LLMConfig{
			Enabled:     true,
			Mode:        "ollama",
			Endpoint:    "http://127.0.0.1:11434",
			Model:       "qwen2.5:0.5b",
			MaxTokens:   128,
			Temperature: 0,
			TimeoutMS:   8000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt(&cfg.HTTP.MaxUploadMB, "LOQA_HTTP_MAX_UPLOAD_MB")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.VAD.Enabled, "LOQA_VAD_ENABLED")
	overrideInt(&cfg.VAD.SampleRate, "LOQA_VAD_SAMPLE_RATE")
	overrideInt(&cfg.VAD.FrameDurationMS, "LOQA_VAD_FRAME_DURATION_MS")
	overrideFloat(&cfg.VAD.Threshold, "LOQA_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.Prefill, "LOQA_VAD_PREFILL_FRAMES")
	overrideInt(&cfg.VAD.Hangover, "LOQA_VAD_HANGOVER_FRAMES")
	overrideInt(&cfg.VAD.Onset, "LOQA_VAD_ONSET_FRAMES")
	overrideFloat(&cfg.VAD.ReferenceRMS, "LOQA_VAD_REFERENCE_RMS")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.SelectedModel, "LOQA_ENGINE_MODEL")
	overrideString(&cfg.Engine.Language, "LOQA_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.DefaultLanguage, "LOQA_ENGINE_DEFAULT_LANGUAGE")
	overrideBool(&cfg.Engine.Translate, "LOQA_ENGINE_TRANSLATE")
	overrideString(&cfg.Engine.UnloadTimeout, "LOQA_ENGINE_UNLOAD_TIMEOUT")
	overrideInt(&cfg.Engine.WatchIntervalMS, "LOQA_ENGINE_WATCH_INTERVAL_MS")
	overrideInt(&cfg.Engine.Threads, "LOQA_ENGINE_THREADS")
	overrideString(&cfg.Models.Directory, "LOQA_MODELS_DIRECTORY")
	overrideStringSlice(&cfg.Correction.CustomWords, "LOQA_CORRECTION_CUSTOM_WORDS")
	overrideFloat(&cfg.Correction.Threshold, "LOQA_CORRECTION_THRESHOLD")
	overrideString(&cfg.Pipeline.DefaultMode, "LOQA_PIPELINE_DEFAULT_MODE")
	overrideFloat(&cfg.Pipeline.ConfidenceThreshold, "LOQA_PIPELINE_CONFIDENCE_THRESHOLD")
	overrideInt(&cfg.Pipeline.MaxWordsFastPath, "LOQA_PIPELINE_MAX_WORDS_FAST_PATH")
	overrideBool(&cfg.LLM.Enabled, "LOQA_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideString(&cfg.LLM.APIKey, "LOQA_LLM_API_KEY")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadMB <= 0 {
		return errors.New("http.max_upload_mb must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.VAD.SampleRate <= 0 {
		return errors.New("vad.sample_rate must be positive")
	}
	if cfg.VAD.FrameDurationMS <= 0 {
		return errors.New("vad.frame_duration_ms must be positive")
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		return errors.New("vad.threshold must be within [0,1]")
	}
	if cfg.VAD.Prefill < 0 || cfg.VAD.Hangover < 0 || cfg.VAD.Onset < 0 {
		return errors.New("vad prefill, hangover and onset frames must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "auto", "exec", "mock":
	default:
		return errors.New("engine.mode must be one of auto|exec|mock")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SelectedModel == "" {
		return errors.New("engine.selected_model must not be empty")
	}
	if cfg.Engine.WatchIntervalMS <= 0 {
		return errors.New("engine.watch_interval_ms must be positive")
	}
	if err := validateUnloadTimeout(cfg.Engine.UnloadTimeout); err != nil {
		return err
	}
	if cfg.Models.Directory == "" {
		return errors.New("models.directory must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Models.Catalog))
	for _, entry := range cfg.Models.Catalog {
		if entry.ID == "" || entry.Filename == "" {
			return errors.New("models.catalog entries require id and filename")
		}
		if _, dup := seen[entry.ID]; dup {
			return fmt.Errorf("models.catalog has duplicate id %q", entry.ID)
		}
		seen[entry.ID] = struct{}{}
	}
	if cfg.Correction.Threshold < 0 || cfg.Correction.Threshold > 1 {
		return errors.New("correction.threshold must be within [0,1]")
	}
	switch strings.ToLower(cfg.Pipeline.DefaultMode) {
	case "chat", "pro", "code":
	default:
		return errors.New("pipeline.default_mode must be one of chat|pro|code")
	}
	if cfg.Pipeline.ConfidenceThreshold < 0 || cfg.Pipeline.ConfidenceThreshold > 1 {
		return errors.New("pipeline.confidence_threshold must be within [0,1]")
	}
	if cfg.Pipeline.MaxWordsFastPath < 0 {
		return errors.New("pipeline.max_words_fast_path must be >= 0")
	}
	if cfg.LLM.Enabled {
		switch cfg.LLM.Mode {
		case "mock", "ollama", "openai", "exec":
		default:
			return errors.New("llm.mode must be one of mock|ollama|openai|exec")
		}
		if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
		if cfg.LLM.TimeoutMS <= 0 {
			return errors.New("llm.timeout_ms must be positive")
		}
	}
	return nil
}

// validateUnloadTimeout mirrors stt.ParseUnloadPolicy without importing it.
func validateUnloadTimeout(raw string) error {
	value := strings.TrimSpace(strings.ToLower(raw))
	switch value {
	case "", "never", "immediately":
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return errors.New("engine.unload_timeout seconds must be positive")
		}
		return nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return errors.New("engine.unload_timeout duration must be positive")
		}
		return nil
	}
	return fmt.Errorf("engine.unload_timeout %q must be never|immediately|<seconds>|<duration>", raw)
}
