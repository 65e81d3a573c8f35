// loqa-render renders one document locally: it segments the input, runs
// each unit through a completion or speech backend and writes the merged
// artifact.
//
//	loqa-render --op synthesize --tts elevenlabs -i chapter.txt -o chapter.mp3
//	loqa-render --op complete --llm ollama --instruction "Summarize." < notes.txt
//	loqa-render --remote nats://render-host:4222 --op narrate -i notes.txt -o notes.mp3
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/loqalabs/loqa-render/internal/assemble"
	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/llm"
	"github.com/loqalabs/loqa-render/internal/pipeline"
	"github.com/loqalabs/loqa-render/internal/policy"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/tts"
)

type options struct {
	configPath  string
	input       string
	output      string
	op          string
	format      string
	llmMode     string
	ttsMode     string
	voice       string
	preset      string
	tier        string
	instruction string
	failureMode string
	maxUnitSize int
	concurrency int
	split       bool
	remote      string
	timeout     time.Duration
	verbose     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flags := pflag.NewFlagSet("loqa-render", pflag.ContinueOnError)
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file (defaults and LOQA_* environment when empty)")
	flags.StringVarP(&opts.input, "input", "i", "-", "input text file, - for stdin")
	flags.StringVarP(&opts.output, "output", "o", "-", "output file, - for stdout")
	flags.StringVar(&opts.op, "op", "synthesize", "operation: complete, synthesize or narrate")
	flags.StringVar(&opts.format, "format", "auto", "output format: auto, raw or wav")
	flags.StringVar(&opts.llmMode, "llm", "", "completion backend: mock, ollama, exec, openai or gemini")
	flags.StringVar(&opts.ttsMode, "tts", "", "speech backend: mock, exec or elevenlabs")
	flags.StringVar(&opts.voice, "voice", "", "voice for synthesis")
	flags.StringVar(&opts.preset, "preset", "", "temperature preset for completion")
	flags.StringVar(&opts.tier, "tier", "", "model tier for completion: fast or balanced")
	flags.StringVar(&opts.instruction, "instruction", "", "instruction prepended to every completion unit")
	flags.StringVar(&opts.failureMode, "failure-mode", "", "best_effort or all_or_nothing")
	flags.IntVar(&opts.maxUnitSize, "max-unit-size", 0, "maximum characters per unit")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "units processed in parallel")
	flags.BoolVar(&opts.split, "split", false, "write one file per unit as <output>_partN instead of a merged artifact")
	flags.StringVar(&opts.remote, "remote", "", "submit to a running loqad at this NATS URL instead of rendering locally")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "how long to wait for a remote render")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log job transitions to stderr")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, opts)

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	text, err := readInput(opts.input)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.remote != "" {
		return runRemote(ctx, cfg, opts, text, logger)
	}

	pipeCfg, err := pipeline.ConfigFrom(cfg.Pipeline)
	if err != nil {
		return err
	}

	pipe := pipeline.New(nil, pipeline.NewCache(pipeCfg), logger,
		pipeline.WithRateLimit(cfg.Pipeline.RequestsPerSecond, cfg.Pipeline.Burst))

	stages, err := buildStages(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}

	var (
		out     pipeline.Outcome
		warning bool
		start   = time.Now()
	)
	for _, st := range stages {
		out, err = pipe.Start(ctx, text, pipeCfg, pipeline.WithProcessor(st.proc)).Wait()
		report(os.Stderr, st.name, out)
		if err != nil {
			return err
		}
		if out.State == policy.DoneWithWarnings {
			warning = true
		}
		text = string(out.Artifact.Data)
	}

	if err := emit(opts, stages[len(stages)-1].format, out.Artifact); err != nil {
		return err
	}
	status := "done"
	if warning {
		status = "done with warnings"
	}
	fmt.Fprintf(os.Stderr, "%s in %s\n", status, time.Since(start).Round(time.Millisecond))
	return nil
}

// runRemote sends the document to a render service on the bus. Backend
// selection is the service's; only per-request knobs are forwarded.
func runRemote(ctx context.Context, cfg config.Config, opts options, text string, logger *slog.Logger) error {
	busCfg := cfg.Bus
	busCfg.Servers = []string{opts.remote}
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	op := strings.ToLower(opts.op)
	req := protocol.RenderRequest{
		Operation:   op,
		Text:        text,
		FailureMode: opts.failureMode,
		Instruction: opts.instruction,
		Preset:      opts.preset,
		Tier:        opts.tier,
		Voice:       opts.voice,
		Split:       opts.split,
	}
	reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var resp protocol.RenderResponse
	if err := client.RequestJSON(reqCtx, protocol.Subject(cfg.Service.SubjectPrefix, protocol.SubjectRequest), req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s: job %s %s, %d units (%d cached) in %dms\n",
		op, resp.JobID, resp.State, resp.Units, resp.Cached, resp.ElapsedMS)
	for _, reason := range resp.Reasons {
		fmt.Fprintf(os.Stderr, "  %s\n", reason)
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}

	art := assemble.Artifact{Kind: assemble.KindBinary, Format: resp.Format, Data: resp.Artifact}
	if op == protocol.OperationComplete {
		art.Kind = assemble.KindText
	}
	for _, p := range resp.Parts {
		art.Parts = append(art.Parts, assemble.Part{Index: p.Index, Data: p.Data})
	}
	format := tts.AudioFormat{Encoding: resp.Format, SampleRate: cfg.TTS.SampleRate, Channels: cfg.TTS.Channels}
	return emit(opts, format, art)
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.llmMode != "" {
		cfg.LLM.Mode = opts.llmMode
	}
	if opts.ttsMode != "" {
		cfg.TTS.Mode = opts.ttsMode
	}
	if opts.voice != "" {
		cfg.TTS.Voice = opts.voice
	}
	if opts.instruction != "" {
		cfg.LLM.Instruction = opts.instruction
	}
	if opts.failureMode != "" {
		cfg.Pipeline.FailureMode = opts.failureMode
	}
	if opts.maxUnitSize > 0 {
		cfg.Pipeline.MaxUnitSize = opts.maxUnitSize
	}
	if opts.concurrency > 0 {
		cfg.Pipeline.Concurrency = opts.concurrency
	}
}

type stage struct {
	name   string
	proc   pipeline.Processor
	format tts.AudioFormat
}

func buildStages(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger) ([]stage, error) {
	complete := func() (stage, error) {
		gen, err := llm.NewGenerator(ctx, cfg.LLM)
		if err != nil {
			return stage{}, err
		}
		base := llm.RequestFromConfig(cfg.LLM, opts.tier, opts.preset)
		proc := llm.NewProcessor(gen, llm.Backend(cfg.LLM, base.Tier), base, cfg.LLM.Instruction)
		return stage{name: "complete", proc: proc}, nil
	}
	synthesize := func() (stage, error) {
		synth, err := tts.NewSynthesizer(cfg.TTS, logger)
		if err != nil {
			return stage{}, err
		}
		proc := tts.NewProcessor(synth, cfg.TTS.Mode+":"+cfg.TTS.Model, cfg.TTS.Voice)
		return stage{name: "synthesize", proc: proc, format: synth.Format()}, nil
	}

	var builders []func() (stage, error)
	switch strings.ToLower(opts.op) {
	case "complete":
		builders = append(builders, complete)
	case "synthesize":
		builders = append(builders, synthesize)
	case "narrate":
		builders = append(builders, complete, synthesize)
	default:
		return nil, fmt.Errorf("unknown operation %q", opts.op)
	}
	stages := make([]stage, 0, len(builders))
	for _, build := range builders {
		s, err := build()
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}

func readInput(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

// emit writes the merged artifact, or with --split one file per part
// named after the unit index.
func emit(opts options, format tts.AudioFormat, art assemble.Artifact) error {
	if !opts.split {
		return writeOutput(opts, format, art)
	}
	if opts.output == "-" {
		return errors.New("split output needs a file, use --output")
	}
	ext := filepath.Ext(opts.output)
	stem := strings.TrimSuffix(opts.output, ext)
	for _, part := range art.Parts {
		partOpts := opts
		partOpts.output = fmt.Sprintf("%s_part%d%s", stem, part.Index, ext)
		partArt := art
		partArt.Data, partArt.Indices, partArt.Parts = part.Data, []int{part.Index}, nil
		if err := writeOutput(partOpts, format, partArt); err != nil {
			return fmt.Errorf("part %d: %w", part.Index, err)
		}
	}
	fmt.Fprintf(os.Stderr, "wrote %d parts as %s_partN%s\n", len(art.Parts), stem, ext)
	return nil
}

func writeOutput(opts options, format tts.AudioFormat, art assemble.Artifact) error {
	wav := opts.format == "wav" || (opts.format == "auto" && strings.EqualFold(filepath.Ext(opts.output), ".wav"))
	if wav {
		if art.Format != tts.EncodingPCM {
			return fmt.Errorf("wav output needs %s audio, backend produced %q", tts.EncodingPCM, art.Format)
		}
		if opts.output == "-" {
			return errors.New("wav output needs a file, use --output")
		}
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		if err := assemble.WriteWAV(f, art.Data, format.SampleRate, format.Channels); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}

	if opts.output == "-" {
		_, err := os.Stdout.Write(art.Data)
		if err == nil && art.Kind == assemble.KindText {
			_, err = os.Stdout.WriteString("\n")
		}
		return err
	}
	return os.WriteFile(opts.output, art.Data, 0o644)
}

func report(w io.Writer, name string, out pipeline.Outcome) {
	fmt.Fprintf(w, "%s: job %s %s, %d units (%d cached) in %s\n",
		name, out.JobID, out.State, out.Units, out.Cached, out.Elapsed.Round(time.Millisecond))
	for _, reason := range out.Report.Reasons {
		fmt.Fprintf(w, "  %s\n", reason)
	}
}
