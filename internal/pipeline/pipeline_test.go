package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-render/internal/assemble"
	"github.com/loqalabs/loqa-render/internal/cache"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/dispatch"
	"github.com/loqalabs/loqa-render/internal/policy"
)

type testProcessor struct {
	fail    map[string]bool
	delay   func() time.Duration
	block   chan struct{}
	started chan struct{}
	calls   atomic.Int32
}

func (p *testProcessor) Identity() dispatch.Identity {
	return dispatch.Identity{Operation: "test.upper"}
}

func (p *testProcessor) Output() assemble.Output {
	return assemble.Output{Kind: assemble.KindText, Format: "text"}
}

func (p *testProcessor) Process(ctx context.Context, content string) ([]byte, error) {
	p.calls.Add(1)
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.delay != nil {
		select {
		case <-time.After(p.delay()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail[content] {
		return nil, fmt.Errorf("cannot process %q", content)
	}
	return []byte(strings.ToUpper(content)), nil
}

func testConfig() Config {
	return Config{
		MaxUnitSize:   3,
		Concurrency:   2,
		CacheTTL:      time.Minute,
		MaxCacheItems: 64,
		UnitTimeout:   time.Second,
		JobTimeout:    5 * time.Second,
		FailureMode:   policy.BestEffort,
	}
}

const fiveSentences = "s0. s1. s2. s3. s4."

func TestProcessBestEffortPartialFailure(t *testing.T) {
	proc := &testProcessor{fail: map[string]bool{"s1.": true, "s3.": true}}
	var mu sync.Mutex
	var states []policy.State
	p := New(proc, NewCache(testConfig()), nil, WithObserver(policy.ObserverFunc(func(tr policy.Transition) {
		mu.Lock()
		states = append(states, tr.To)
		mu.Unlock()
	})))

	out, err := p.Process(context.Background(), fiveSentences, testConfig())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.State != policy.DoneWithWarnings || out.Units != 5 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if string(out.Artifact.Data) != "S0.\nS2.\nS4." {
		t.Fatalf("unexpected artifact %q", out.Artifact.Data)
	}
	if !reflect.DeepEqual(out.Report.FailedIndices, []int{1, 3}) || len(out.Report.Reasons) != 2 {
		t.Fatalf("unexpected report %+v", out.Report)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []policy.State{policy.Segmenting, policy.Dispatching, policy.PartialFailure, policy.Reassembling, policy.DoneWithWarnings}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("observer saw %v", states)
	}
}

func TestProcessAllOrNothing(t *testing.T) {
	proc := &testProcessor{fail: map[string]bool{"s2.": true}}
	cfg := testConfig()
	cfg.FailureMode = policy.AllOrNothing
	p := New(proc, nil, nil)

	out, err := p.Process(context.Background(), fiveSentences, cfg)
	if !errors.Is(err, ErrUnitsFailed) {
		t.Fatalf("expected terminal unit failure, got %v", err)
	}
	var jobErr *policy.JobError
	if !errors.As(err, &jobErr) || !reflect.DeepEqual(jobErr.Report.FailedIndices, []int{2}) {
		t.Fatalf("expected error enumerating index 2, got %v", err)
	}
	if !out.Artifact.Empty() || out.State != policy.Failed {
		t.Fatalf("expected no artifact and failed state, got %+v", out)
	}
}

func TestProcessAllFailed(t *testing.T) {
	proc := &testProcessor{fail: map[string]bool{"s0.": true, "s1.": true}}
	p := New(proc, nil, nil)
	out, err := p.Process(context.Background(), "s0. s1.", testConfig())
	if !errors.Is(err, ErrAllUnitsFailed) || out.State != policy.Failed {
		t.Fatalf("expected all units failed, got %v (%s)", err, out.State)
	}
}

func TestProcessEmptyInput(t *testing.T) {
	p := New(&testProcessor{}, nil, nil)
	out, err := p.Process(context.Background(), " \n\t ", testConfig())
	if !errors.Is(err, ErrInputEmpty) || out.State != policy.Failed {
		t.Fatalf("expected empty input failure, got %v (%s)", err, out.State)
	}
}

func TestProcessPreservesOrderUnderRandomLatency(t *testing.T) {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	proc := &testProcessor{delay: func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Intn(15)) * time.Millisecond
	}}
	var parts, want []string
	for i := 0; i < 30; i++ {
		parts = append(parts, fmt.Sprintf("w%02d.", i))
		want = append(want, fmt.Sprintf("W%02d.", i))
	}
	cfg := testConfig()
	cfg.MaxUnitSize = 4
	cfg.Concurrency = 5

	out, err := New(proc, nil, nil).Process(context.Background(), strings.Join(parts, " "), cfg)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := string(out.Artifact.Data); got != strings.Join(want, "\n") {
		t.Fatalf("artifact out of order: %q", got)
	}
}

func TestProcessSharesCacheAcrossJobs(t *testing.T) {
	proc := &testProcessor{}
	c := cache.New(cache.Config{TTL: time.Minute, MaxItems: 64})
	p := New(proc, c, nil)

	if _, err := p.Process(context.Background(), fiveSentences, testConfig()); err != nil {
		t.Fatalf("first job: %v", err)
	}
	out, err := p.Process(context.Background(), fiveSentences, testConfig())
	if err != nil {
		t.Fatalf("second job: %v", err)
	}
	if proc.calls.Load() != 5 || out.Cached != 5 {
		t.Fatalf("expected second job served from cache, calls=%d cached=%d", proc.calls.Load(), out.Cached)
	}
	if out.State != policy.Done {
		t.Fatalf("expected done, got %s", out.State)
	}
}

func TestCancelJob(t *testing.T) {
	proc := &testProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p := New(proc, nil, nil)

	job := p.Start(context.Background(), fiveSentences, testConfig())
	<-proc.started
	if !p.Cancel(job.ID()) {
		t.Fatal("expected running job to be cancellable")
	}
	out, err := job.Wait()
	if !errors.Is(err, ErrJobCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if out.State != policy.Aborted || !out.Artifact.Empty() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	h := job.History()
	if h[len(h)-2].To != policy.Cancelled {
		t.Fatalf("expected cancelled before aborted, history %+v", h)
	}
	if p.Cancel(job.ID()) {
		t.Fatal("finished job should not be cancellable")
	}
}

func TestJobTimeout(t *testing.T) {
	proc := &testProcessor{block: make(chan struct{})}
	cfg := testConfig()
	cfg.JobTimeout = 30 * time.Millisecond
	cfg.UnitTimeout = time.Second

	out, err := New(proc, nil, nil).Process(context.Background(), fiveSentences, cfg)
	if !errors.Is(err, ErrJobTimeout) || out.State != policy.Aborted {
		t.Fatalf("expected job timeout, got %v (%s)", err, out.State)
	}
}

func TestDuplicateJobID(t *testing.T) {
	proc := &testProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p := New(proc, nil, nil)
	first := p.Start(context.Background(), fiveSentences, testConfig(), WithJobID("job-1"))
	<-proc.started

	_, err := p.Start(context.Background(), fiveSentences, testConfig(), WithJobID("job-1")).Wait()
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected duplicate job error, got %v", err)
	}
	close(proc.block)
	if _, err := first.Wait(); err != nil {
		t.Fatalf("first job: %v", err)
	}
}

func TestIsolatedPipelinesRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			proc := &testProcessor{fail: map[string]bool{fmt.Sprintf("s%d.", i): true}}
			p := New(proc, NewCache(testConfig()), nil)
			out, err := p.Process(context.Background(), fiveSentences, testConfig())
			if err != nil {
				t.Errorf("pipeline %d: %v", i, err)
				return
			}
			if !reflect.DeepEqual(out.Report.FailedIndices, []int{i}) {
				t.Errorf("pipeline %d saw failures %v", i, out.Report.FailedIndices)
			}
		}(i)
	}
	wg.Wait()
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.Default().Pipeline)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MaxUnitSize != 2000 || cfg.Concurrency != 4 || cfg.CacheTTL != time.Hour || cfg.MaxCacheItems != 512 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.FailureMode != policy.BestEffort || cfg.UnitTimeout != 2*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}

	pc := config.Default().Pipeline
	pc.CacheEnabled = false
	cfg, _ = ConfigFrom(pc)
	c := NewCache(cfg)
	c.Put(cache.Fingerprint("x", nil, "y"), []byte("z"))
	if c.Len() != 0 {
		t.Fatal("expected disabled cache to stay empty")
	}

	pc.FailureMode = "sometimes"
	if _, err := ConfigFrom(pc); err == nil {
		t.Fatal("expected error for unknown failure mode")
	}
}
