package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

// exitTempFail is sysexits' EX_TEMPFAIL; a helper exiting with it asks for
// a retry.
const exitTempFail = 75

type execSynth struct {
	cmd    []string
	format AudioFormat
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// ExecError is a helper process that exited unsuccessfully.
type ExecError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("tts exec command exited with status %d", e.ExitCode)
	}
	return fmt.Sprintf("tts exec command exited with status %d: %s", e.ExitCode, e.Stderr)
}

func (e *ExecError) Temporary() bool { return e.ExitCode == exitTempFail }

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{
		cmd:    args,
		format: AudioFormat{Encoding: EncodingPCM, SampleRate: sampleRate, Channels: channels},
	}, nil
}

func (e *execSynth) Format() AudioFormat { return e.format }

// Synthesize runs one process per unit. The helper reads a JSON request on
// stdin and writes newline-delimited {"pcm_base64": ..., "final": ...}
// objects; output after a final frame is ignored.
func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	input, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.format.SampleRate,
		Channels:   e.format.Channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts exec command: %w", err)
	}

	abort := func(err error) error {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sequence := 0
	final := false
	for !final && scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return abort(fmt.Errorf("decode tts exec response: %w", err))
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return abort(fmt.Errorf("decode tts exec audio: %w", err))
		}
		if e.format.Channels > 0 && len(pcm)%(2*e.format.Channels) != 0 {
			return abort(fmt.Errorf("tts exec frame %d is %d bytes, not whole %d-channel samples", sequence, len(pcm), e.format.Channels))
		}
		select {
		case chunks <- SynthChunk{
			JobID:      req.JobID,
			Sequence:   sequence,
			SampleRate: e.format.SampleRate,
			Channels:   e.format.Channels,
			Audio:      pcm,
			Final:      resp.Final,
		}:
		case <-ctx.Done():
			return abort(ctx.Err())
		}
		sequence++
		final = resp.Final
	}
	if final {
		// Drain so the helper is not blocked writing trailing output.
		_, _ = io.Copy(io.Discard, stdout)
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExecError{ExitCode: exitErr.ExitCode(), Stderr: string(bytes.TrimSpace(stderr.Bytes()))}
		}
		return fmt.Errorf("tts exec command failed: %w", err)
	}
	return scanErr
}
