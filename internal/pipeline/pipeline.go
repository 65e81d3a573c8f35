// Package pipeline is the render entry point: it segments text, dispatches
// the units, applies the failure policy and reassembles the artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-render/internal/assemble"
	"github.com/loqalabs/loqa-render/internal/cache"
	"github.com/loqalabs/loqa-render/internal/dispatch"
	"github.com/loqalabs/loqa-render/internal/policy"
	"github.com/loqalabs/loqa-render/internal/segment"
)

var (
	ErrInputEmpty     = segment.ErrInputEmpty
	ErrJobTimeout     = dispatch.ErrJobTimeout
	ErrJobCancelled   = dispatch.ErrJobCancelled
	ErrAllUnitsFailed = policy.ErrAllUnitsFailed
	ErrUnitsFailed    = policy.ErrUnitsFailed
	ErrDuplicateJob   = errors.New("job id already running")
)

// Processor is a unit processor that knows how its payloads merge.
type Processor interface {
	dispatch.Processor
	Output() assemble.Output
}

// Observer receives job state transitions.
type Observer = policy.Observer

// Outcome is what a finished job hands back to its caller.
type Outcome struct {
	JobID    string
	State    policy.State
	Artifact assemble.Artifact
	Report   policy.Report
	Units    int
	Cached   int
	Elapsed  time.Duration
}

// Pipeline runs render jobs against a processor and a caller-owned cache.
type Pipeline struct {
	proc      Processor
	cache     *cache.Cache
	limiter   *rate.Limiter
	logger    *slog.Logger
	observers []Observer
	jobsTotal metric.Int64Counter

	mu   sync.Mutex
	jobs map[string]*Job
}

type Option func(*Pipeline)

// WithObserver registers an observer for every job's transitions.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithRateLimit throttles external calls across all jobs of the pipeline.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *Pipeline) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLimiter shares an existing limiter, e.g. between pipelines that call
// the same upstream.
func WithLimiter(l *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

func New(proc Processor, c *cache.Cache, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{
		proc:   proc,
		cache:  c,
		logger: logger.With(slog.String("component", "pipeline")),
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.observers = append([]Observer{logObserver{logger: p.logger}}, p.observers...)
	counter, err := otel.Meter("github.com/loqalabs/loqa-render/pipeline").Int64Counter("loqa.render.jobs", metric.WithDescription("Render jobs by final state"))
	if err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	p.jobsTotal = counter
	return p
}

// Process runs one job to completion.
func (p *Pipeline) Process(ctx context.Context, text string, cfg Config) (Outcome, error) {
	return p.Start(ctx, text, cfg).Wait()
}

type startOptions struct {
	id   string
	proc Processor
}

type StartOption func(*startOptions)

// WithJobID uses id instead of a generated one.
func WithJobID(id string) StartOption {
	return func(o *startOptions) { o.id = id }
}

// WithProcessor overrides the pipeline's processor for one job.
func WithProcessor(proc Processor) StartOption {
	return func(o *startOptions) { o.proc = proc }
}

// Start launches a job in the background and returns its handle.
func (p *Pipeline) Start(ctx context.Context, text string, cfg Config, opts ...StartOption) *Job {
	so := startOptions{proc: p.proc}
	for _, opt := range opts {
		opt(&so)
	}
	if so.id == "" {
		so.id = uuid.NewString()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		id:      so.id,
		machine: policy.NewMachine(so.id, p.observers...),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	if _, exists := p.jobs[so.id]; exists {
		p.mu.Unlock()
		cancel()
		job.err = fmt.Errorf("%w: %s", ErrDuplicateJob, so.id)
		close(job.done)
		return job
	}
	p.jobs[so.id] = job
	p.mu.Unlock()

	go func() {
		defer close(job.done)
		defer cancel()
		job.outcome, job.err = p.run(jobCtx, job, so.proc, text, cfg)
		p.mu.Lock()
		delete(p.jobs, so.id)
		p.mu.Unlock()
		if p.jobsTotal != nil {
			p.jobsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", string(job.machine.State()))))
		}
	}()
	return job
}

// Cancel cancels the running job with the given id.
func (p *Pipeline) Cancel(id string) bool {
	p.mu.Lock()
	job, ok := p.jobs[id]
	p.mu.Unlock()
	if ok {
		job.Cancel()
	}
	return ok
}

// Job returns the running job with the given id.
func (p *Pipeline) Job(id string) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	return job, ok
}

func (p *Pipeline) run(ctx context.Context, job *Job, proc Processor, text string, cfg Config) (Outcome, error) {
	start := time.Now()
	m := job.machine
	out := Outcome{JobID: job.id}
	finish := func(err error) (Outcome, error) {
		out.State = m.State()
		out.Elapsed = time.Since(start)
		return out, err
	}
	if proc == nil {
		_ = m.To(policy.Segmenting, "")
		_ = m.To(policy.Failed, "no processor")
		return finish(errors.New("pipeline: no processor configured"))
	}

	_ = m.To(policy.Segmenting, "")
	units, err := segment.Segment(text, cfg.MaxUnitSize)
	if err != nil {
		_ = m.To(policy.Failed, err.Error())
		return finish(err)
	}
	out.Units = len(units)
	if ctx.Err() != nil {
		err := abortError(ctx)
		_ = m.Abort(err.Error())
		return finish(err)
	}

	_ = m.To(policy.Dispatching, fmt.Sprintf("%d units", len(units)))
	d := dispatch.New(cfg.dispatchOptions(p.limiter), p.cache, p.logger)
	results, err := d.Dispatch(ctx, units, proc)
	if err != nil {
		_ = m.Abort(err.Error())
		return finish(err)
	}
	for _, r := range results {
		if r.Cached {
			out.Cached++
		}
	}

	state, rep, err := policy.Evaluate(cfg.FailureMode, results)
	out.Report = rep
	_ = m.To(state, "")
	if err != nil {
		_ = m.To(policy.Failed, err.Error())
		return finish(err)
	}

	_ = m.To(policy.Reassembling, "")
	art, rep := assemble.Reassemble(results, proc.Output(), cfg.FailureMode)
	out.Artifact, out.Report = art, rep
	final := policy.Done
	detail := ""
	if !rep.Empty() {
		final = policy.DoneWithWarnings
		detail = fmt.Sprintf("failed indices %v", rep.FailedIndices)
	}
	_ = m.To(final, detail)
	return finish(nil)
}

func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrJobTimeout, cause)
	}
	return fmt.Errorf("%w: %v", ErrJobCancelled, cause)
}

// Job is the handle of a running or finished render job.
type Job struct {
	id      string
	machine *policy.Machine
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
	err     error
}

func (j *Job) ID() string { return j.id }

func (j *Job) State() policy.State { return j.machine.State() }

func (j *Job) History() []policy.Transition { return j.machine.History() }

// Cancel requests cooperative cancellation. Units not yet started never
// run; the job ends in the Aborted state.
func (j *Job) Cancel() { j.cancel() }

func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes.
func (j *Job) Wait() (Outcome, error) {
	<-j.done
	return j.outcome, j.err
}

type logObserver struct {
	logger *slog.Logger
}

func (o logObserver) OnTransition(t policy.Transition) {
	attrs := []any{
		slog.String("job_id", t.JobID),
		slog.String("from", string(t.From)),
		slog.String("to", string(t.To)),
	}
	if t.Detail != "" {
		attrs = append(attrs, slog.String("detail", t.Detail))
	}
	switch t.To {
	case policy.Failed, policy.Aborted, policy.DoneWithWarnings:
		o.logger.Warn("job transition", attrs...)
	case policy.Done:
		o.logger.Info("job transition", attrs...)
	default:
		o.logger.Debug("job transition", attrs...)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
