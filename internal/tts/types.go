package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-render/internal/config"
)

const (
	EncodingPCM = "pcm_s16le"
	EncodingMP3 = "mp3"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	JobID string
	Text  string
	Voice string
}

// SynthChunk carries encoded audio. For EncodingPCM the bytes are 16-bit
// little-endian samples.
type SynthChunk struct {
	JobID      string
	Sequence   int
	SampleRate int
	Channels   int
	Audio      []byte
	Final      bool
}

// AudioFormat describes what a synthesizer emits.
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
	Format() AudioFormat
}

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "elevenlabs":
		return NewElevenLabsSynth(cfg.Endpoint, cfg.APIKey, cfg.Model, logger), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// StatusError is a non-success HTTP response from a synthesis endpoint.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("synthesis returned status %s", e.Status)
	}
	return fmt.Sprintf("synthesis returned status %s: %s", e.Status, e.Body)
}

func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}
