package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

// ModelService is the slice of the engine manager the API drives.
type ModelService interface {
	dictation.ModelController
	BackendKind() (stt.BackendKind, bool)
	LastActivity() time.Time
}

// LLMProbe reports cleanup backend availability.
type LLMProbe interface {
	Available(ctx context.Context) error
}

// APIOptions wires the HTTP API.
type APIOptions struct {
	Processor   *dictation.Processor
	Router      *pipeline.Router
	Cleanup     pipeline.CleanupFunc
	Models      ModelService
	Catalog     *stt.Catalog
	Store       *eventstore.Store
	LLM         LLMProbe
	Segments    dictation.SegmenterFactory
	DefaultMode pipeline.WriteMode
	SampleRate  int
	MaxUpload   int64
	Timeout     time.Duration
	Logger      *slog.Logger
}

// API serves dictation and engine control over HTTP.
type API struct {
	opts APIOptions
	log  *slog.Logger
}

func NewAPI(opts APIOptions) *API {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = stt.DefaultSampleRate
	}
	if opts.MaxUpload <= 0 {
		opts.MaxUpload = 32 << 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &API{opts: opts, log: opts.Logger.With(slog.String("component", "http-api"))}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/dictate", a.handleDictate)
	mux.HandleFunc("POST /v1/clean", a.handleClean)
	mux.HandleFunc("GET /v1/model", a.handleModel)
	mux.HandleFunc("POST /v1/model/load", a.handleLoad)
	mux.HandleFunc("POST /v1/model/unload", a.handleUnload)
	mux.HandleFunc("GET /v1/llm", a.handleLLM)
	mux.HandleFunc("GET /v1/history", a.handleHistory)
}

type errorResponse struct {
	Error string `json:"error"`
}

type cleanRequest struct {
	Text       string   `json:"text"`
	Confidence *float32 `json:"confidence,omitempty"`
	Mode       string   `json:"mode,omitempty"`
}

type cleanResponse struct {
	Text        string `json:"text"`
	Decision    string `json:"decision"`
	RulesOnly   bool   `json:"rules_only"`
	LLMFallback bool   `json:"llm_fallback"`
	DurationMS  uint64 `json:"duration_ms"`
}

type modelInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
}

type modelStatus struct {
	State        string      `json:"state"`
	ModelID      string      `json:"model_id,omitempty"`
	Backend      string      `json:"backend,omitempty"`
	Selected     string      `json:"selected_model"`
	UnloadPolicy string      `json:"unload_policy"`
	LastActivity time.Time   `json:"last_activity"`
	Models       []modelInfo `json:"models,omitempty"`
}

type llmStatus struct {
	Enabled   bool   `json:"enabled"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// handleDictate accepts a WAV file, either as the raw body or as the
// "audio" field of a multipart form.
func (a *API) handleDictate(w http.ResponseWriter, r *http.Request) {
	mode, err := a.modeFrom(r.URL.Query().Get("mode"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = dictation.NewSessionID()
	}

	data, err := a.readAudio(w, r)
	if err != nil {
		writeJSON(w, statusForUpload(err), errorResponse{Error: err.Error()})
		return
	}
	samples, rate, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	samples = audio.Resample(samples, rate, a.opts.SampleRate)
	if r.URL.Query().Get("vad") != "false" {
		if samples, err = dictation.Trim(a.opts.Segments, samples); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.opts.Timeout)
	defer cancel()
	res, err := a.opts.Processor.Process(ctx, sessionID, "http", samples, mode)
	if err != nil {
		writeJSON(w, statusForEngine(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) readAudio(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUpload)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("audio")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func (a *API) handleClean(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	mode, err := a.modeFrom(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	confidence := stt.ComputeConfidence(req.Text, nil)
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.Timeout)
	defer cancel()
	res := a.opts.Router.Process(ctx, req.Text, confidence, mode, a.opts.Cleanup)
	writeJSON(w, http.StatusOK, cleanResponse{
		Text:        res.Text,
		Decision:    res.Decision.String(),
		RulesOnly:   res.RulesOnly,
		LLMFallback: res.LLMFallback,
		DurationMS:  res.DurationMS,
	})
}

func (a *API) handleModel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.modelStatus())
}

func (a *API) modelStatus() modelStatus {
	m := a.opts.Models
	settings := m.Settings()
	status := modelStatus{
		State:        m.State().String(),
		ModelID:      m.CurrentModel(),
		Selected:     settings.ModelID,
		UnloadPolicy: settings.UnloadPolicy.String(),
		LastActivity: m.LastActivity().UTC(),
	}
	if kind, ok := m.BackendKind(); ok {
		status.Backend = kind.String()
	}
	if a.opts.Catalog != nil {
		for _, model := range a.opts.Catalog.Models() {
			status.Models = append(status.Models, modelInfo{
				ID:        model.ID,
				Name:      model.Name,
				Installed: a.opts.Catalog.Installed(model.ID),
			})
		}
	}
	return status
}

func (a *API) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req protocol.ModelControlRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
			return
		}
	}
	id := strings.TrimSpace(req.ModelID)
	if id == "" {
		id = a.opts.Models.Settings().ModelID
	}
	err := a.opts.Models.LoadModel(r.Context(), id)
	reply := a.controlReply(err)
	if err != nil {
		a.log.Warn("model load request failed", slog.String("model_id", id), slog.String("error", err.Error()))
		writeJSON(w, statusForEngine(err), reply)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleUnload(w http.ResponseWriter, _ *http.Request) {
	err := a.opts.Models.UnloadModel()
	reply := a.controlReply(err)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, reply)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) controlReply(err error) protocol.ModelControlReply {
	reply := protocol.ModelControlReply{
		OK:      err == nil,
		State:   a.opts.Models.State().String(),
		ModelID: a.opts.Models.CurrentModel(),
	}
	if err != nil {
		reply.Error = err.Error()
	}
	return reply
}

func (a *API) handleLLM(w http.ResponseWriter, r *http.Request) {
	if a.opts.LLM == nil {
		writeJSON(w, http.StatusOK, llmStatus{})
		return
	}
	status := llmStatus{Enabled: true, Available: true}
	if err := a.opts.LLM.Available(r.Context()); err != nil {
		status.Available = false
		status.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleHistory lists the latest dictation results, newest first. It is
// empty in ephemeral retention mode.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	events, err := a.opts.Store.Recent(r.Context(), eventstore.TypeDictation, limit)
	if err != nil {
		a.log.Error("history query failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	results := make([]protocol.DictationResult, 0, len(events))
	for _, evt := range events {
		var res protocol.DictationResult
		if err := json.Unmarshal(evt.Payload, &res); err != nil {
			a.log.Warn("skipping undecodable history event", slog.Int64("id", evt.ID), slog.String("error", err.Error()))
			continue
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *API) modeFrom(raw string) (pipeline.WriteMode, error) {
	if strings.TrimSpace(raw) == "" {
		return a.opts.DefaultMode, nil
	}
	return pipeline.ParseWriteMode(raw)
}

func statusForUpload(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func statusForEngine(err error) int {
	switch {
	case errors.Is(err, stt.ErrModelNotLoaded), errors.Is(err, stt.ErrBackendCrashed):
		return http.StatusServiceUnavailable
	case errors.Is(err, stt.ErrUnknownModel):
		return http.StatusNotFound
	case errors.Is(err, stt.ErrModelNotDownloaded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseMaxUpload converts the configured megabytes to bytes.
func parseMaxUpload(mb int) int64 {
	if mb <= 0 {
		return 0
	}
	return int64(mb) << 20
}
