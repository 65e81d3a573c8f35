package tts

import (
	"context"
	"encoding/binary"
	"time"
)

type mockSynth struct {
	sampleRate int
	channels   int
	latency    time.Duration
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, latency: 50 * time.Millisecond}
}

func (m *mockSynth) Format() AudioFormat {
	return AudioFormat{Encoding: EncodingPCM, SampleRate: m.sampleRate, Channels: m.channels}
}

// Synthesize emits one frame per character whose samples carry the
// character's code point, so output order is easy to verify.
func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.latency):
		}
		runes := []rune(req.Text)
		pcm := make([]byte, 0, 2*len(runes)*m.channels)
		for _, r := range runes {
			for c := 0; c < m.channels; c++ {
				pcm = binary.LittleEndian.AppendUint16(pcm, uint16(int16(r)))
			}
		}
		chunks <- SynthChunk{
			JobID:      req.JobID,
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			Audio:      pcm,
			Final:      true,
		}
	}()
	return chunks, errs
}
