package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/llm"
	"github.com/loqalabs/loqa-render/internal/natsserver"
	"github.com/loqalabs/loqa-render/internal/pipeline"
	"github.com/loqalabs/loqa-render/internal/policy"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type generatorFunc func(ctx context.Context, req llm.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	out, err := f(ctx, req)
	if err != nil {
		return err
	}
	return consumer(llm.Chunk{Content: out})
}

func upper(_ context.Context, req llm.Request) (string, error) {
	return strings.ToUpper(req.Prompt), nil
}

func testPipelineConfig() pipeline.Config {
	return pipeline.Config{
		MaxUnitSize:   10,
		Concurrency:   2,
		MaxCacheItems: 64,
		CacheTTL:      time.Minute,
		UnitTimeout:   5 * time.Second,
		JobTimeout:    10 * time.Second,
		FailureMode:   policy.BestEffort,
	}
}

// startService runs the service against an embedded server and returns a
// client connection.
func startService(t *testing.T, backends Backends, opts ...pipeline.Option) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	serviceConn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect service: %v", err)
	}
	t.Cleanup(serviceConn.Close)

	pc := testPipelineConfig()
	svc := NewService(context.Background(),
		config.ServiceConfig{Enabled: true, SubjectPrefix: "render", MaxJobs: 2},
		pc, backends, serviceConn, pipeline.NewCache(pc), newLogger(), opts...)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected service healthy")
	}

	client, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, conn *nats.Conn, req protocol.RenderRequest) protocol.RenderResponse {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := conn.Request("render.request", data, 10*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.RenderResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestCompleteRequest(t *testing.T) {
	conn := startService(t, Backends{Generator: generatorFunc(upper)})

	resp := request(t, conn, protocol.RenderRequest{JobID: "job-1", Operation: "complete", Text: "One. Two. Three."})
	if resp.Error != "" {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if resp.State != string(policy.Done) || resp.JobID != "job-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := string(resp.Artifact); got != "ONE. TWO.\n\nTHREE." {
		t.Fatalf("unexpected artifact %q", got)
	}
	if resp.Format != "text" || resp.Units != 2 {
		t.Fatalf("unexpected format %q or units %d", resp.Format, resp.Units)
	}

	again := request(t, conn, protocol.RenderRequest{Operation: "complete", Text: "One. Two. Three."})
	if again.Cached != 2 {
		t.Fatalf("expected cached units on repeat, got %d", again.Cached)
	}
	if again.JobID == "" || again.JobID == "job-1" {
		t.Fatalf("expected generated job id, got %q", again.JobID)
	}
}

func TestSplitRequestReturnsParts(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "Three") {
			return "", errors.New("refused")
		}
		return upper(ctx, req)
	})
	conn := startService(t, Backends{Generator: gen})

	// Units: "One. Two." | "Three." | "Four."
	resp := request(t, conn, protocol.RenderRequest{Operation: "complete", Text: "One. Two. Three. Four.", Split: true})
	if resp.State != string(policy.DoneWithWarnings) || !resp.Split {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Artifact) != 0 {
		t.Fatalf("split response should not carry a merged artifact, got %q", resp.Artifact)
	}
	if len(resp.Parts) != 2 || resp.Parts[0].Index != 0 || resp.Parts[1].Index != 2 {
		t.Fatalf("unexpected parts %+v", resp.Parts)
	}
	if string(resp.Parts[0].Data) != "ONE. TWO." || string(resp.Parts[1].Data) != "FOUR." {
		t.Fatalf("unexpected part payloads %q %q", resp.Parts[0].Data, resp.Parts[1].Data)
	}
	if len(resp.FailedIndices) != 1 || resp.FailedIndices[0] != 1 {
		t.Fatalf("unexpected failed indices %v", resp.FailedIndices)
	}
}

func TestSynthesizeRequest(t *testing.T) {
	conn := startService(t, Backends{Synthesizer: tts.NewMockSynth(16000, 1), TTS: config.TTSConfig{Mode: "mock", Voice: "en-US"}})

	resp := request(t, conn, protocol.RenderRequest{Operation: "synthesize", Text: "Hello. World."})
	if resp.State != string(policy.Done) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Format != tts.EncodingPCM {
		t.Fatalf("unexpected format %q", resp.Format)
	}
	if len(resp.Artifact) != 2*len("Hello.World.") {
		t.Fatalf("unexpected artifact length %d", len(resp.Artifact))
	}
}

func TestFailureModes(t *testing.T) {
	failing := generatorFunc(func(ctx context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "bad") {
			return "", errors.New("rejected")
		}
		return upper(ctx, req)
	})
	conn := startService(t, Backends{Generator: failing})
	text := "Good one. The bad. Good two."

	resp := request(t, conn, protocol.RenderRequest{Operation: "complete", Text: text})
	if resp.State != string(policy.DoneWithWarnings) || resp.Error != "" {
		t.Fatalf("unexpected best effort response %+v", resp)
	}
	if len(resp.FailedIndices) != 1 || resp.FailedIndices[0] != 1 {
		t.Fatalf("unexpected failed indices %v", resp.FailedIndices)
	}
	if got := string(resp.Artifact); got != "GOOD ONE.\n\nGOOD TWO." {
		t.Fatalf("unexpected artifact %q", got)
	}

	resp = request(t, conn, protocol.RenderRequest{Operation: "complete", Text: text, FailureMode: "all-or-nothing"})
	if resp.State != string(policy.Failed) || resp.Error == "" || len(resp.Artifact) != 0 {
		t.Fatalf("unexpected all-or-nothing response %+v", resp)
	}
	if len(resp.Reasons) != 1 || !strings.Contains(resp.Reasons[0], "rejected") {
		t.Fatalf("unexpected reasons %v", resp.Reasons)
	}

	resp = request(t, conn, protocol.RenderRequest{Operation: "complete", Text: text, FailureMode: "sometimes"})
	if resp.State != string(policy.Failed) || resp.Error == "" {
		t.Fatalf("expected invalid failure mode to fail, got %+v", resp)
	}
}

func TestRejectsUnknownOperationAndDisabledBackend(t *testing.T) {
	conn := startService(t, Backends{Generator: generatorFunc(upper)})

	resp := request(t, conn, protocol.RenderRequest{Operation: "translate", Text: "Hi."})
	if resp.State != string(policy.Failed) || !strings.Contains(resp.Error, ErrUnknownOperation.Error()) {
		t.Fatalf("unexpected response %+v", resp)
	}
	resp = request(t, conn, protocol.RenderRequest{Operation: "synthesize", Text: "Hi."})
	if resp.State != string(policy.Failed) || !strings.Contains(resp.Error, ErrBackendDisabled.Error()) {
		t.Fatalf("unexpected response %+v", resp)
	}
	resp = request(t, conn, protocol.RenderRequest{Operation: "complete", Text: "   "})
	if resp.State != string(policy.Failed) || !strings.Contains(resp.Error, pipeline.ErrInputEmpty.Error()) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestNarrateChainsCompletionAndSynthesis(t *testing.T) {
	conn := startService(t, Backends{
		Generator:   generatorFunc(upper),
		Synthesizer: tts.NewMockSynth(16000, 1),
		TTS:         config.TTSConfig{Mode: "mock"},
	})

	resp := request(t, conn, protocol.RenderRequest{JobID: "story", Operation: "narrate", Text: "Hi there."})
	if resp.State != string(policy.Done) || resp.Format != tts.EncodingPCM {
		t.Fatalf("unexpected response %+v", resp)
	}
	// The completion "HI THERE." is synthesized one sample per rune.
	if len(resp.Artifact) != 2*len("HI THERE.") {
		t.Fatalf("unexpected artifact length %d", len(resp.Artifact))
	}
	if resp.Artifact[0] != 'H' {
		t.Fatalf("expected synthesized completion, got first sample %d", resp.Artifact[0])
	}
}

func TestCancelRequest(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	blocking := generatorFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return "", ctx.Err()
	})
	conn := startService(t, Backends{Generator: blocking})

	done := make(chan protocol.RenderResponse, 1)
	payload, _ := json.Marshal(protocol.RenderRequest{JobID: "long", Operation: "complete", Text: "Wait for it."})
	go func() {
		var resp protocol.RenderResponse
		if msg, err := conn.Request("render.request", payload, 10*time.Second); err == nil {
			_ = json.Unmarshal(msg.Data, &resp)
		}
		done <- resp
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	data, _ := json.Marshal(protocol.CancelRequest{JobID: "long"})
	msg, err := conn.Request("render.cancel", data, 5*time.Second)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var cr protocol.CancelResponse
	if err := json.Unmarshal(msg.Data, &cr); err != nil || !cr.Cancelled {
		t.Fatalf("expected cancel acknowledged, got %+v (%v)", cr, err)
	}

	select {
	case resp := <-done:
		if resp.State != string(policy.Aborted) || !strings.Contains(resp.Error, pipeline.ErrJobCancelled.Error()) {
			t.Fatalf("unexpected response %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job never replied")
	}

	msg, err = conn.Request("render.cancel", data, 5*time.Second)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &cr); err != nil || cr.Cancelled {
		t.Fatalf("expected finished job not to be cancellable, got %+v (%v)", cr, err)
	}
}

func TestStatusEvents(t *testing.T) {
	conn := startService(t, Backends{Generator: generatorFunc(upper)})

	events := make(chan protocol.StatusEvent, 32)
	sub, err := conn.Subscribe("render.status", func(msg *nats.Msg) {
		var evt protocol.StatusEvent
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			events <- evt
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	request(t, conn, protocol.RenderRequest{JobID: "watched", Operation: "complete", Text: "Hi."})

	want := []policy.State{policy.Segmenting, policy.Dispatching, policy.AllSucceeded, policy.Reassembling, policy.Done}
	for _, state := range want {
		select {
		case evt := <-events:
			if evt.JobID != "watched" || evt.To != string(state) {
				t.Fatalf("expected transition to %s, got %+v", state, evt)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("missing transition to %s", state)
		}
	}
}

func TestExtraObservers(t *testing.T) {
	var mu sync.Mutex
	var seen []policy.State
	observer := policy.ObserverFunc(func(tr policy.Transition) {
		mu.Lock()
		seen = append(seen, tr.To)
		mu.Unlock()
	})
	conn := startService(t, Backends{Generator: generatorFunc(upper)}, pipeline.WithObserver(observer))

	request(t, conn, protocol.RenderRequest{Operation: "complete", Text: "Hi."})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != policy.Done {
		t.Fatalf("expected observer to see the job finish, got %v", seen)
	}
}
