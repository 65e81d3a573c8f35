package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-render/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	JobID       string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	JobID            string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

var presets = map[string]float64{
	"code_math":     0.0,
	"data_analysis": 1.0,
	"general":       1.3,
	"translation":   1.3,
	"creative":      1.5,
	"summaries":     0.6,
	"default":       0.6,
}

// PresetTemperature returns the sampling temperature for a named task
// preset. Unknown names fall back to the default preset.
func PresetTemperature(preset string) float64 {
	if t, ok := presets[strings.ToLower(strings.TrimSpace(preset))]; ok {
		return t
	}
	return presets["default"]
}

// ResolveTemperature prefers a positive explicit temperature over the preset.
func ResolveTemperature(preset string, explicit float64) float64 {
	if explicit > 0 {
		return explicit
	}
	return PresetTemperature(preset)
}

// RequestFromConfig builds request defaults from config.
func RequestFromConfig(cfg config.LLMConfig, tier, preset string) Request {
	req := Request{
		Tier:      cfg.DefaultTier,
		System:    cfg.System,
		MaxTokens: cfg.MaxTokens,
	}
	if tier != "" {
		req.Tier = tier
	}
	if preset == "" {
		preset = cfg.Preset
		req.Temperature = ResolveTemperature(preset, cfg.Temperature)
	} else {
		req.Temperature = PresetTemperature(preset)
	}
	return req
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced, timeout), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.ModelFast, cfg.ModelBalanced, timeout), nil
	case "gemini":
		return NewGeminiGenerator(ctx, cfg.APIKey, cfg.ModelFast, cfg.ModelBalanced)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// Backend names the model a generator uses for tier, for cache identity.
func Backend(cfg config.LLMConfig, tier string) string {
	return cfg.Mode + ":" + modelForTier(tier, cfg.ModelFast, cfg.ModelBalanced, "")
}

func modelForTier(tier, fast, balanced, fallback string) string {
	switch tier {
	case "fast":
		if fast != "" {
			return fast
		}
	case "balanced":
		if balanced != "" {
			return balanced
		}
	}
	if balanced != "" {
		return balanced
	}
	if fast != "" {
		return fast
	}
	return fallback
}

// StatusError is a non-success HTTP response from a model endpoint.
type StatusError struct {
	Backend string
	Code    int
	Status  string
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %s", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s returned status %s: %s", e.Backend, e.Status, e.Body)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}
