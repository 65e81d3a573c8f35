package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/policy"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.JournalConfig) *Journal {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenEphemeral(t *testing.T) {
	j, err := Open(context.Background(), config.JournalConfig{RetentionMode: RetentionEphemeral}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	j.OnTransition(policy.Transition{JobID: "job", From: policy.Created, To: policy.Segmenting})
	if _, err := j.Job(context.Background(), "job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected nothing recorded, got %v", err)
	}
}

func TestRecordMachineLifecycle(t *testing.T) {
	j := openTemp(t, config.JournalConfig{RetentionMode: RetentionSession})

	m := policy.NewMachine("job-1", j)
	for _, s := range []policy.State{policy.Segmenting, policy.Dispatching, policy.PartialFailure, policy.Reassembling, policy.DoneWithWarnings} {
		if err := m.To(s, ""); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}

	job, err := j.Job(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.State != policy.DoneWithWarnings {
		t.Fatalf("expected done_with_warnings, got %s", job.State)
	}

	got, err := j.ListJobTransitions(context.Background(), "job-1", 0)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	want := m.History()
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].From != want[i].From || got[i].To != want[i].To {
			t.Fatalf("transition %d: got %s->%s want %s->%s", i, got[i].From, got[i].To, want[i].From, want[i].To)
		}
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t, config.JournalConfig{RetentionMode: RetentionPersistent, RetentionDays: 1, MaxJobs: 1})

	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }
	record := func(id string, at time.Time) {
		t.Helper()
		if err := j.RecordTransition(ctx, policy.Transition{JobID: id, From: policy.Created, To: policy.Segmenting, At: at}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	record("old", day(1))
	record("mid", day(3))
	record("new", day(3).Add(time.Hour))

	j.clock = func() time.Time { return day(3).Add(2 * time.Hour) }
	if err := j.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for _, id := range []string{"old", "mid"} {
		if _, err := j.Job(ctx, id); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("expected %s pruned, got %v", id, err)
		}
		transitions, err := j.ListJobTransitions(ctx, id, 10)
		if err != nil {
			t.Fatalf("list transitions: %v", err)
		}
		if len(transitions) != 0 {
			t.Fatalf("expected transitions of %s removed with the job", id)
		}
	}
	if _, err := j.Job(ctx, "new"); err != nil {
		t.Fatalf("expected newest job kept: %v", err)
	}
}
