package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const elevenLabsChunkSize = 32 * 1024

type elevenLabsSynth struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	logger   *slog.Logger
}

// NewElevenLabsSynth returns a synthesizer for the ElevenLabs
// text-to-speech API. It emits MP3 frames.
func NewElevenLabsSynth(endpoint, apiKey, model string, logger *slog.Logger) Synthesizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &elevenLabsSynth{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
		logger:   logger.With(slog.String("component", "elevenlabs")),
	}
}

func (s *elevenLabsSynth) Format() AudioFormat {
	return AudioFormat{Encoding: EncodingMP3, SampleRate: 44100, Channels: 1}
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func (s *elevenLabsSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: s.model})
		if err != nil {
			errs <- err
			return
		}
		target := s.endpoint + "/v1/text-to-speech/" + url.PathEscape(req.Voice) + "?output_format=mp3_44100_128"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "audio/mpeg")
		httpReq.Header.Set("xi-api-key", s.apiKey)

		resp, err := s.client.Do(httpReq)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			errs <- &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(bytes.TrimSpace(msg))}
			return
		}
		if chars := resp.Header.Get("x-character-count"); chars != "" {
			s.logger.Debug("synthesis billed", slog.String("job_id", req.JobID), slog.String("characters", chars))
		}

		buf := make([]byte, elevenLabsChunkSize)
		sequence := 0
		for {
			n, readErr := io.ReadFull(resp.Body, buf)
			if n > 0 {
				frame := append([]byte(nil), buf[:n]...)
				final := readErr != nil
				select {
				case chunks <- SynthChunk{JobID: req.JobID, Sequence: sequence, SampleRate: 44100, Channels: 1, Audio: frame, Final: final}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				return
			}
			if readErr != nil {
				errs <- readErr
				return
			}
		}
	}()
	return chunks, errs
}
