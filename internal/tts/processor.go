package tts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/loqalabs/loqa-render/internal/assemble"
	"github.com/loqalabs/loqa-render/internal/dispatch"
)

const OperationSynthesize = "tts.synthesize"

// Processor synthesizes one unit of text per call and returns the encoded
// audio of all chunks.
type Processor struct {
	synth   Synthesizer
	backend string
	voice   string
}

func NewProcessor(synth Synthesizer, backend, voice string) *Processor {
	return &Processor{synth: synth, backend: backend, voice: voice}
}

func (p *Processor) Identity() dispatch.Identity {
	f := p.synth.Format()
	return dispatch.Identity{
		Operation: OperationSynthesize,
		Params: map[string]string{
			"backend":     p.backend,
			"voice":       p.voice,
			"encoding":    f.Encoding,
			"sample_rate": strconv.Itoa(f.SampleRate),
			"channels":    strconv.Itoa(f.Channels),
		},
	}
}

func (p *Processor) Output() assemble.Output {
	return assemble.Output{Kind: assemble.KindBinary, Format: p.synth.Format().Encoding}
}

func (p *Processor) Format() AudioFormat { return p.synth.Format() }

func (p *Processor) Process(ctx context.Context, content string) ([]byte, error) {
	chunks, errs := p.synth.Synthesize(ctx, SynthRequest{Text: content, Voice: p.voice})
	var audio []byte
	for chunk := range chunks {
		audio = append(audio, chunk.Audio...)
	}
	if err, ok := <-errs; ok && err != nil {
		if retryable(err) {
			return nil, dispatch.Retryable(err)
		}
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%s produced no audio", p.backend)
	}
	return audio, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
