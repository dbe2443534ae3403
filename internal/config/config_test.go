package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.VAD.Prefill != 15 || cfg.VAD.Hangover != 15 || cfg.VAD.Onset != 2 {
		t.Fatalf("unexpected vad defaults: %+v", cfg.VAD)
	}
	if cfg.Pipeline.ConfidenceThreshold != 0.82 || cfg.Pipeline.MaxWordsFastPath != 30 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected nothing persisted by default, got %s", cfg.EventStore.RetentionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_VAD_THRESHOLD", "0.45")
	t.Setenv("LOQA_VAD_ONSET_FRAMES", "3")
	t.Setenv("LOQA_ENGINE_MODEL", "small")
	t.Setenv("LOQA_ENGINE_UNLOAD_TIMEOUT", "120")
	t.Setenv("LOQA_ENGINE_TRANSLATE", "true")
	t.Setenv("LOQA_CORRECTION_CUSTOM_WORDS", "Kubernetes, Loqa")
	t.Setenv("LOQA_PIPELINE_DEFAULT_MODE", "code")
	t.Setenv("LOQA_PIPELINE_MAX_WORDS_FAST_PATH", "12")
	t.Setenv("LOQA_LLM_MODE", "mock")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected bus override, got %+v", cfg.Bus)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store override, got %+v", cfg.EventStore)
	}
	if cfg.VAD.Threshold != 0.45 || cfg.VAD.Onset != 3 {
		t.Fatalf("expected vad override, got %+v", cfg.VAD)
	}
	if cfg.Engine.SelectedModel != "small" || cfg.Engine.UnloadTimeout != "120" || !cfg.Engine.Translate {
		t.Fatalf("expected engine override, got %+v", cfg.Engine)
	}
	if len(cfg.Correction.CustomWords) != 2 || cfg.Correction.CustomWords[1] != "Loqa" {
		t.Fatalf("expected custom words override, got %v", cfg.Correction.CustomWords)
	}
	if cfg.Pipeline.DefaultMode != "code" || cfg.Pipeline.MaxWordsFastPath != 12 {
		t.Fatalf("expected pipeline override, got %+v", cfg.Pipeline)
	}
	if cfg.LLM.Mode != "mock" {
		t.Fatalf("expected llm mode override")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictation.yaml")
	data := []byte(`
engine:
  mode: mock
  selected_model: medium
  unload_timeout: 5m
pipeline:
  default_mode: pro
models:
  directory: /var/lib/models
  catalog:
    - id: medium
      name: Whisper Medium
      filename: ggml-medium.bin
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Mode != "mock" || cfg.Engine.SelectedModel != "medium" {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if len(cfg.Models.Catalog) != 1 || cfg.Models.Directory != "/var/lib/models" {
		t.Fatalf("unexpected models config: %+v", cfg.Models)
	}
	if cfg.Pipeline.DefaultMode != "pro" {
		t.Fatalf("expected pro mode")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"unload timeout": func(c *Config) { c.Engine.UnloadTimeout = "sometimes" },
		"engine mode":    func(c *Config) { c.Engine.Mode = "cloud" },
		"exec command":   func(c *Config) { c.Engine.Mode = "exec"; c.Engine.Command = "" },
		"vad threshold":  func(c *Config) { c.VAD.Threshold = 1.5 },
		"write mode":     func(c *Config) { c.Pipeline.DefaultMode = "poetry" },
		"duplicate model": func(c *Config) {
			c.Models.Catalog = append(c.Models.Catalog, ModelEntry{ID: "small", Filename: "x.bin"})
		},
		"openai key": func(c *Config) { c.LLM.Mode = "openai"; c.LLM.APIKey = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "dictation.yaml"))
	if err != nil {
		t.Fatalf("sample config must validate: %v", err)
	}
	if cfg.EventStore.RetentionMode != "session" || cfg.Engine.UnloadTimeout != "300" {
		t.Fatalf("unexpected sample values: %+v %+v", cfg.EventStore, cfg.Engine)
	}
	if len(cfg.Correction.CustomWords) != 3 || len(cfg.Models.Catalog) != 3 {
		t.Fatalf("unexpected sample lists: %+v", cfg.Correction)
	}
}
