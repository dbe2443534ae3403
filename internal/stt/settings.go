package stt

import (
	"strings"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/config"
)

// Settings is the configuration snapshot read at the start of each call.
type Settings struct {
	ModelID             string
	Language            string
	Translate           bool
	Threads             int
	UnloadPolicy        UnloadPolicy
	CustomWords         []string
	CorrectionThreshold float64
}

// SettingsFunc supplies the current settings.
type SettingsFunc func() Settings

// StaticSettings always returns s.
func StaticSettings(s Settings) SettingsFunc {
	return func() Settings { return s }
}

// SettingsFromConfig maps the engine and correction sections to Settings.
func SettingsFromConfig(engine config.EngineConfig, correction config.CorrectionConfig) (Settings, error) {
	policy, err := ParseUnloadPolicy(engine.UnloadTimeout)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		ModelID:             engine.SelectedModel,
		Language:            engine.Language,
		Translate:           engine.Translate,
		Threads:             engine.Threads,
		UnloadPolicy:        policy,
		CustomWords:         append([]string(nil), correction.CustomWords...),
		CorrectionThreshold: correction.Threshold,
	}, nil
}

// SettingsStore holds mutable settings shared between the HTTP API and the
// manager.
type SettingsStore struct {
	mu sync.RWMutex
	s  Settings
}

func NewSettingsStore(initial Settings) *SettingsStore {
	return &SettingsStore{s: initial}
}

func (st *SettingsStore) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Update applies fn to a copy of the current settings and stores the result.
func (st *SettingsStore) Update(fn func(*Settings)) Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.s
	next.CustomWords = append([]string(nil), st.s.CustomWords...)
	fn(&next)
	st.s = next
	return next
}

// resolveLanguage maps "auto" and the empty string to the default language.
func resolveLanguage(lang, fallback string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == "auto" {
		return fallback
	}
	return lang
}
