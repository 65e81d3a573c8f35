// Package service exposes render jobs on the bus: request/reply on
// <prefix>.request, cancellation on <prefix>.cancel and lifecycle events on
// <prefix>.status.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-render/internal/cache"
	"github.com/loqalabs/loqa-render/internal/capability"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/llm"
	"github.com/loqalabs/loqa-render/internal/pipeline"
	"github.com/loqalabs/loqa-render/internal/policy"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/tts"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrBackendDisabled  = errors.New("backend disabled")
)

// Backends are the unit processors the service may use. A nil generator or
// synthesizer disables the operations that need it.
type Backends struct {
	LLM         config.LLMConfig
	Generator   llm.Generator
	TTS         config.TTSConfig
	Synthesizer tts.Synthesizer
}

// Capabilities lists the operations these backends can serve, for
// announcement to peer nodes.
func (b Backends) Capabilities() []capability.Capability {
	var caps []capability.Capability
	if b.Generator != nil {
		caps = append(caps, capability.Capability{
			Name:       protocol.OperationComplete,
			Attributes: map[string]string{"backend": llm.Backend(b.LLM, b.LLM.DefaultTier)},
		})
	}
	if b.Synthesizer != nil {
		f := b.Synthesizer.Format()
		caps = append(caps, capability.Capability{
			Name:       protocol.OperationSynthesize,
			Attributes: map[string]string{"backend": b.TTS.Mode + ":" + b.TTS.Model, "encoding": f.Encoding},
		})
	}
	if b.Generator != nil && b.Synthesizer != nil {
		caps = append(caps, capability.Capability{Name: protocol.OperationNarrate})
	}
	return caps
}

type Service struct {
	cfg      config.ServiceConfig
	pipeCfg  pipeline.Config
	backends Backends
	conn     *nats.Conn
	pipe     *pipeline.Pipeline
	slots    chan struct{}
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ready    bool
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewService(parent context.Context, cfg config.ServiceConfig, pipeCfg pipeline.Config, backends Backends, conn *nats.Conn, c *cache.Cache, logger *slog.Logger, opts ...pipeline.Option) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(parent)
	maxJobs := cfg.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	s := &Service{
		cfg:      cfg,
		pipeCfg:  pipeCfg,
		backends: backends,
		conn:     conn,
		slots:    make(chan struct{}, maxJobs),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(slog.String("component", "render-service")),
		active:   make(map[string]context.CancelFunc),
	}
	opts = append(opts, pipeline.WithObserver(&statusPublisher{
		conn:    conn,
		subject: protocol.Subject(cfg.SubjectPrefix, protocol.SubjectStatus),
		logger:  s.logger,
	}))
	s.pipe = pipeline.New(nil, c, logger, opts...)
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectRequest: s.handleRequest,
		protocol.SubjectCancel:  s.handleCancel,
	}
	for suffix, handler := range handlers {
		subject := protocol.Subject(s.cfg.SubjectPrefix, suffix)
		sub, err := s.conn.Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.conn.Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready = true
	s.logger.Info("render service ready", slog.String("prefix", s.cfg.SubjectPrefix), slog.Int("max_jobs", cap(s.slots)))
	return nil
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// Close stops accepting requests, cancels running jobs and waits for them
// to reply.
func (s *Service) Close() {
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		s.respond(msg, protocol.RenderResponse{State: string(policy.Failed), Error: "invalid request: " + err.Error()})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	if !s.track(req.JobID, cancel) {
		cancel()
		s.respond(msg, protocol.RenderResponse{
			JobID: req.JobID,
			State: string(policy.Failed),
			Error: fmt.Sprintf("%v: %s", pipeline.ErrDuplicateJob, req.JobID),
		})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.untrack(req.JobID)

		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.respond(msg, protocol.RenderResponse{JobID: req.JobID, State: string(policy.Aborted), Error: pipeline.ErrJobCancelled.Error()})
			return
		}
		defer func() { <-s.slots }()

		start := time.Now()
		resp := s.render(ctx, req)
		resp.ElapsedMS = time.Since(start).Milliseconds()
		s.logger.Info("render request finished",
			slog.String("job_id", resp.JobID),
			slog.String("operation", req.Operation),
			slog.String("state", resp.State),
			slog.Int("units", resp.Units),
			slog.Int("cached", resp.Cached),
			slog.Duration("elapsed", time.Since(start)))
		s.respond(msg, resp)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}
	s.mu.Lock()
	cancel, ok := s.active[req.JobID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("render job cancelled", slog.String("job_id", req.JobID))
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(protocol.CancelResponse{JobID: req.JobID, Cancelled: ok})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to cancel", slogError(err))
	}
}

func (s *Service) track(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[id]; exists {
		return false
	}
	s.active[id] = cancel
	return true
}

func (s *Service) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Service) render(ctx context.Context, req protocol.RenderRequest) protocol.RenderResponse {
	resp := protocol.RenderResponse{JobID: req.JobID, Split: req.Split}
	cfg := s.pipeCfg
	if req.FailureMode != "" {
		mode, err := policy.ParseMode(req.FailureMode)
		if err != nil {
			resp.State = string(policy.Failed)
			resp.Error = err.Error()
			return resp
		}
		cfg.FailureMode = mode
	}

	switch strings.ToLower(req.Operation) {
	case protocol.OperationComplete:
		proc, err := s.completer(req)
		if err != nil {
			return failed(resp, err)
		}
		return s.run(ctx, req.JobID, req.Text, cfg, proc, resp)
	case protocol.OperationSynthesize:
		proc, err := s.synthesizer(req)
		if err != nil {
			return failed(resp, err)
		}
		return s.run(ctx, req.JobID, req.Text, cfg, proc, resp)
	case protocol.OperationNarrate:
		return s.narrate(ctx, req, cfg, resp)
	default:
		return failed(resp, fmt.Errorf("%w %q", ErrUnknownOperation, req.Operation))
	}
}

// narrate completes the text, then synthesizes the completion. Each stage
// is its own pipeline job: <id>/complete and <id>/synthesize.
func (s *Service) narrate(ctx context.Context, req protocol.RenderRequest, cfg pipeline.Config, resp protocol.RenderResponse) protocol.RenderResponse {
	completer, err := s.completer(req)
	if err != nil {
		return failed(resp, err)
	}
	synth, err := s.synthesizer(req)
	if err != nil {
		return failed(resp, err)
	}

	first := s.run(ctx, req.JobID+"/complete", req.Text, cfg, completer, protocol.RenderResponse{JobID: req.JobID})
	if first.Error != "" {
		first.Error = "complete: " + first.Error
		first.Split = req.Split
		return first
	}
	second := s.run(ctx, req.JobID+"/synthesize", string(first.Artifact), cfg, synth, protocol.RenderResponse{JobID: req.JobID, Split: req.Split})
	second.Units += first.Units
	second.Cached += first.Cached
	if len(first.Reasons) > 0 {
		prefixed := make([]string, 0, len(first.Reasons)+len(second.Reasons))
		for _, r := range first.Reasons {
			prefixed = append(prefixed, "complete: "+r)
		}
		second.Reasons = append(prefixed, second.Reasons...)
		if second.State == string(policy.Done) {
			second.State = string(policy.DoneWithWarnings)
		}
	}
	return second
}

func (s *Service) run(ctx context.Context, jobID, text string, cfg pipeline.Config, proc pipeline.Processor, resp protocol.RenderResponse) protocol.RenderResponse {
	out, err := s.pipe.Start(ctx, text, cfg, pipeline.WithJobID(jobID), pipeline.WithProcessor(proc)).Wait()
	resp.State = string(out.State)
	resp.Units = out.Units
	resp.Cached = out.Cached
	resp.FailedIndices = out.Report.FailedIndices
	resp.Reasons = out.Report.Reasons
	if err != nil {
		resp.Error = err.Error()
		if resp.State == "" {
			resp.State = string(policy.Failed)
		}
		return resp
	}
	resp.Format = out.Artifact.Format
	if !resp.Split {
		resp.Artifact = out.Artifact.Data
		return resp
	}
	resp.Parts = make([]protocol.Part, len(out.Artifact.Parts))
	for i, p := range out.Artifact.Parts {
		resp.Parts[i] = protocol.Part{Index: p.Index, Data: p.Data}
	}
	return resp
}

func (s *Service) completer(req protocol.RenderRequest) (pipeline.Processor, error) {
	if s.backends.Generator == nil {
		return nil, fmt.Errorf("%w: llm", ErrBackendDisabled)
	}
	base := llm.RequestFromConfig(s.backends.LLM, req.Tier, req.Preset)
	instruction := req.Instruction
	if instruction == "" {
		instruction = s.backends.LLM.Instruction
	}
	return llm.NewProcessor(s.backends.Generator, llm.Backend(s.backends.LLM, base.Tier), base, instruction), nil
}

func (s *Service) synthesizer(req protocol.RenderRequest) (pipeline.Processor, error) {
	if s.backends.Synthesizer == nil {
		return nil, fmt.Errorf("%w: tts", ErrBackendDisabled)
	}
	voice := req.Voice
	if voice == "" {
		voice = s.backends.TTS.Voice
	}
	return tts.NewProcessor(s.backends.Synthesizer, s.backends.TTS.Mode+":"+s.backends.TTS.Model, voice), nil
}

func failed(resp protocol.RenderResponse, err error) protocol.RenderResponse {
	resp.State = string(policy.Failed)
	resp.Error = err.Error()
	return resp
}

func (s *Service) respond(msg *nats.Msg, resp protocol.RenderResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to encode render response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply to render request", slog.String("job_id", resp.JobID), slogError(err))
	}
}

type statusPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func (p *statusPublisher) OnTransition(t policy.Transition) {
	data, err := json.Marshal(protocol.StatusEvent{
		JobID:     t.JobID,
		From:      string(t.From),
		To:        string(t.To),
		Detail:    t.Detail,
		Timestamp: t.At.UTC(),
	})
	if err != nil {
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.logger.Warn("failed to publish status", slog.String("job_id", t.JobID), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
