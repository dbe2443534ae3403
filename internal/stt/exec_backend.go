package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/mattn/go-shellwords"
)

// DefaultSampleRate is the rate every backend expects.
const DefaultSampleRate = 16000

// execBackend shells out to a whisper CLI. The audio is handed over as a
// 16-bit WAV file and the command answers with
// {"text": "...", "no_speech_prob": 0.1} on stdout.
type execBackend struct {
	cmd        []string
	modelPath  string
	sampleRate int
	mu         sync.Mutex
}

type execResult struct {
	Text         string   `json:"text"`
	NoSpeechProb *float32 `json:"no_speech_prob,omitempty"`
}

// NewExecFactory returns a factory for the portable backend.
func NewExecFactory(command string, sampleRate int) (BackendFactory, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return func(path string) (Backend, error) {
		if _, err := exec.LookPath(args[0]); err != nil {
			return nil, fmt.Errorf("stt command %q: %w", args[0], err)
		}
		return &execBackend{cmd: args, modelPath: path, sampleRate: sampleRate}, nil
	}, nil
}

func (b *execBackend) Kind() BackendKind { return Portable }

func (b *execBackend) Close() error { return nil }

func (b *execBackend) Transcribe(ctx context.Context, samples []float32, params Params) (BackendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.CreateTemp("", "loqa_dictation_*.wav")
	if err != nil {
		return BackendResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, samples, b.sampleRate); err != nil {
		return BackendResult{}, err
	}

	cmdArgs := append([]string{}, b.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if b.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", b.modelPath)
	}
	if params.Language != "" {
		cmdArgs = append(cmdArgs, "--language", params.Language)
	}
	if params.Translate {
		cmdArgs = append(cmdArgs, "--translate")
	}
	if params.Threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(params.Threads))
	}

	command := exec.CommandContext(ctx, b.cmd[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return BackendResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return BackendResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return BackendResult{Text: resp.Text, NoSpeechProb: resp.NoSpeechProb}, nil
}
