// Command dictate runs the dictation pipeline once from the terminal:
// transcribe a WAV file, clean a piece of text or list the model catalog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/audio"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/eventstore"
	"github.com/loqalabs/loqa-dictation/internal/pipeline"
	"github.com/loqalabs/loqa-dictation/internal/runtime"
	"github.com/loqalabs/loqa-dictation/internal/stt"
)

var version = "0.1.0-dev"

const usage = `usage: dictate <command> [flags]

commands:
  transcribe  transcribe a WAV file and print the cleaned text
  clean       run the normalization pipeline on text
  models      list the model catalog
  version     print the version
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "clean":
		err = runClean(ctx, os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "dictate: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "dictate: %v\n", err)
		os.Exit(1)
	}
}

type commonFlags struct {
	config  string
	verbose bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "Path to configuration file (defaults when empty)")
	fs.BoolVar(&c.verbose, "v", false, "Log pipeline activity to stderr")
}

func (c *commonFlags) logger() *slog.Logger {
	if !c.verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func runTranscribe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	var (
		common  commonFlags
		file    = fs.String("file", "", "WAV file to transcribe")
		mode    = fs.String("mode", "", "Write mode: chat, pro or code")
		model   = fs.String("model", "", "Model id (defaults to engine.selected_model)")
		noVAD   = fs.Bool("no-vad", false, "Skip speech trimming")
		asJSON  = fs.Bool("json", false, "Print the full result as JSON")
		timeout = fs.Duration("timeout", 5*time.Minute, "Overall deadline")
	)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*file) == "" {
		return errors.New("transcribe: -file is required")
	}

	cfg, err := config.Load(common.config)
	if err != nil {
		return err
	}
	log := common.logger()

	samples, err := readWAV(*file, cfg.VAD.SampleRate)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := runtime.Assemble(ctx, cfg, store, nil, log)
	if err != nil {
		return err
	}
	defer c.Close()

	writeMode := c.DefaultMode
	if *mode != "" {
		if writeMode, err = pipeline.ParseWriteMode(*mode); err != nil {
			return err
		}
	}
	id := *model
	if id == "" {
		id = c.Settings.Get().ModelID
	}
	if err := c.Manager.LoadModel(ctx, id); err != nil {
		return err
	}

	if !*noVAD {
		if samples, err = dictation.Trim(c.Segments, samples); err != nil {
			return err
		}
	}
	res, err := c.Processor.Process(ctx, dictation.NewSessionID(), "cli", samples, writeMode)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Println(res.Text)
	return nil
}

func readWAV(path string, rate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	samples, srcRate, err := audio.DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return audio.Resample(samples, srcRate, rate), nil
}

func runClean(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	var (
		common     commonFlags
		text       = fs.String("text", "", "Text to clean (reads stdin when empty)")
		mode       = fs.String("mode", "", "Write mode: chat, pro or code")
		confidence = fs.Float64("confidence", -1, "Transcript confidence (derived from length when negative)")
		noLLM      = fs.Bool("no-llm", false, "Apply the rules only")
	)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	input := *text
	if input == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		input = string(data)
	}

	cfg, err := config.Load(common.config)
	if err != nil {
		return err
	}
	if *noLLM {
		cfg.LLM.Enabled = false
	}
	log := common.logger()

	c, err := runtime.Assemble(ctx, cfg, nil, nil, log)
	if err != nil {
		return err
	}
	defer c.Close()

	writeMode := c.DefaultMode
	if *mode != "" {
		if writeMode, err = pipeline.ParseWriteMode(*mode); err != nil {
			return err
		}
	}
	score := stt.ComputeConfidence(input, nil)
	if *confidence >= 0 {
		score = float32(*confidence)
	}
	res := c.Router.Process(ctx, input, score, writeMode, c.Cleaner.Func())
	if res.LLMFallback && !*noLLM {
		fmt.Fprintln(os.Stderr, "dictate: language model unavailable, printing rule output")
	}
	fmt.Println(res.Text)
	return nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(common.config)
	if err != nil {
		return err
	}
	catalog := stt.CatalogFromConfig(cfg.Models)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFILE\tINSTALLED\tSELECTED")
	for _, m := range catalog.Models() {
		selected := ""
		if m.ID == cfg.Engine.SelectedModel {
			selected = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", m.ID, m.Name, m.Filename, catalog.Installed(m.ID), selected)
	}
	return tw.Flush()
}
