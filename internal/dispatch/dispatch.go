// Package dispatch fans ordered units out to an external processor under a
// fixed concurrency cap, consulting a shared cache and isolating per-unit
// failures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-render/internal/cache"
	"github.com/loqalabs/loqa-render/internal/segment"
)

var errFailFast = errors.New("cancelled after sibling failure")

// Options configure one dispatch run.
type Options struct {
	Concurrency int
	UnitTimeout time.Duration
	JobTimeout  time.Duration
	// FailFast cancels the remaining units after the first failure.
	FailFast bool
	// Retries is the number of extra attempts for errors marked Retryable.
	Retries      int
	RetryBackoff time.Duration
	// Drain waits for in-flight units to return after a job-level abort
	// instead of abandoning them.
	Drain bool
	// CacheTTL overrides the cache's default TTL when positive.
	CacheTTL time.Duration
	// Limiter throttles calls that miss the cache. Nil disables throttling.
	Limiter *rate.Limiter
}

// Dispatcher runs units against a Processor.
type Dispatcher struct {
	opts    Options
	cache   *cache.Cache
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
}

func New(opts Options, c *cache.Cache, logger *slog.Logger) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		opts:   opts,
		cache:  c,
		logger: logger.With(slog.String("component", "dispatcher")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-render/dispatch"),
	}
	m, err := newMetrics()
	if err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	d.metrics = m
	return d
}

// Dispatch processes every unit and returns one Result per unit, indexed
// like units. It returns ErrJobTimeout or ErrJobCancelled, and no results,
// when the job is aborted before every unit settles.
func (d *Dispatcher) Dispatch(ctx context.Context, units []segment.Unit, proc Processor) ([]Result, error) {
	if proc == nil {
		return nil, errors.New("dispatch: nil processor")
	}

	base := ctx
	if d.opts.JobTimeout > 0 {
		var stop context.CancelFunc
		base, stop = context.WithTimeoutCause(ctx, d.opts.JobTimeout, ErrJobTimeout)
		defer stop()
	}
	jobCtx, cancel := context.WithCancelCause(base)
	defer cancel(nil)

	id := proc.Identity()
	results := make([]Result, len(units))
	sem := semaphore.NewWeighted(int64(d.opts.Concurrency))
	settled := make(chan struct{})

	go func() {
		defer close(settled)
		var wg sync.WaitGroup
		for i, u := range units {
			if err := sem.Acquire(jobCtx, 1); err != nil {
				for j := i; j < len(units); j++ {
					results[j] = Result{Index: units[j].Index, Err: abortError(jobCtx, units[j].Index)}
				}
				break
			}
			wg.Add(1)
			go func(i int, u segment.Unit) {
				defer wg.Done()
				defer sem.Release(1)
				res := d.runUnit(jobCtx, id, u, proc)
				results[i] = res
				if res.Err != nil && d.opts.FailFast && !errors.Is(res.Err, ErrUnitAborted) {
					cancel(errFailFast)
				}
			}(i, u)
		}
		wg.Wait()
	}()

	select {
	case <-settled:
	default:
		select {
		case <-settled:
		case <-jobCtx.Done():
			if !errors.Is(context.Cause(jobCtx), errFailFast) && !d.opts.Drain {
				err := terminalError(jobCtx)
				d.logger.Warn("job aborted, abandoning in-flight units", slogError(err))
				return nil, err
			}
			<-settled
		}
	}

	for _, r := range results {
		if r.Err != nil && errors.Is(r.Err, ErrUnitAborted) && !errors.Is(r.Err, errFailFast) {
			err := terminalError(jobCtx)
			d.logger.Warn("job aborted", slogError(err))
			return nil, err
		}
	}
	return results, nil
}

func (d *Dispatcher) runUnit(jobCtx context.Context, id Identity, u segment.Unit, proc Processor) Result {
	res := Result{Index: u.Index}
	if jobCtx.Err() != nil {
		res.Err = abortError(jobCtx, u.Index)
		d.metrics.unit(jobCtx, "aborted", 0)
		return res
	}

	ctx, span := d.tracer.Start(jobCtx, "dispatch.unit", trace.WithAttributes(
		attribute.String("operation", id.Operation),
		attribute.Int("unit.index", u.Index),
		attribute.Int("unit.size", u.Size),
	))
	defer span.End()

	start := time.Now()
	key := cache.Fingerprint(id.Operation, id.Params, u.Content)
	if v, ok := d.cache.Get(key); ok {
		res.Payload, res.Cached = v, true
		span.SetAttributes(attribute.Bool("cache.hit", true))
		d.metrics.unit(ctx, "cached", time.Since(start))
		return res
	}

	d.metrics.inflightAdd(ctx, 1)
	defer d.metrics.inflightAdd(ctx, -1)

	unitCtx := ctx
	if d.opts.UnitTimeout > 0 {
		var stop context.CancelFunc
		unitCtx, stop = context.WithTimeoutCause(ctx, d.opts.UnitTimeout, ErrUnitTimeout)
		defer stop()
	}

	payload, attempts, err := d.call(unitCtx, proc, u.Content)
	res.Attempts = attempts
	res.Latency = time.Since(start)
	if err == nil && unitCtx.Err() != nil {
		// a processor that ignores cancellation must not turn into a late success
		err = context.Cause(unitCtx)
	}
	if err != nil {
		res.Err = classify(jobCtx, unitCtx, u.Index, err)
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		outcome := "failed"
		switch {
		case errors.Is(res.Err, ErrUnitAborted):
			outcome = "aborted"
		case errors.Is(res.Err, ErrUnitTimeout):
			outcome = "timeout"
		}
		d.metrics.unit(ctx, outcome, res.Latency)
		d.logger.Warn("unit failed",
			slog.Int("unit", u.Index),
			slog.Int("attempts", attempts),
			slogError(res.Err))
		return res
	}

	if d.opts.CacheTTL > 0 {
		d.cache.PutTTL(key, payload, d.opts.CacheTTL)
	} else {
		d.cache.Put(key, payload)
	}
	res.Payload = payload
	d.metrics.unit(ctx, "success", res.Latency)
	d.logger.Debug("unit complete",
		slog.Int("unit", u.Index),
		slog.Int("bytes", len(payload)),
		slog.Duration("latency", res.Latency))
	return res
}

func (d *Dispatcher) call(ctx context.Context, proc Processor, content string) ([]byte, int, error) {
	attempts := 0
	op := func() ([]byte, error) {
		attempts++
		if err := d.waitLimiter(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		out, err := proc.Process(ctx, content)
		if err != nil {
			if ctx.Err() != nil || !IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.RetryBackoff
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opts.Retries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return out, attempts, err
}

// waitLimiter blocks for a rate token. When no token can arrive before the
// deadline the unit is held until the deadline fires, so the outcome is the
// unit or job timeout that would have happened anyway.
func (d *Dispatcher) waitLimiter(ctx context.Context) error {
	if d.opts.Limiter == nil {
		return nil
	}
	err := d.opts.Limiter.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return err
	}
	<-ctx.Done()
	return context.Cause(ctx)
}

func classify(jobCtx, unitCtx context.Context, index int, err error) error {
	switch {
	case jobCtx.Err() != nil:
		return abortError(jobCtx, index)
	case unitCtx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
		return &UnitError{Index: index, Kind: ErrUnitTimeout, Err: err}
	default:
		return &UnitError{Index: index, Kind: ErrUnitProcessor, Err: err}
	}
}

func abortError(jobCtx context.Context, index int) error {
	return &UnitError{Index: index, Kind: ErrUnitAborted, Err: context.Cause(jobCtx)}
}

func terminalError(jobCtx context.Context) error {
	cause := context.Cause(jobCtx)
	if errors.Is(cause, ErrJobTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrJobTimeout, cause)
	}
	return fmt.Errorf("%w: %v", ErrJobCancelled, cause)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
