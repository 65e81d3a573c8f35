package policy

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-render/internal/dispatch"
)

func outcomes(failing ...int) []dispatch.Result {
	results := make([]dispatch.Result, 5)
	for i := range results {
		results[i] = dispatch.Result{Index: i, Payload: []byte{byte('a' + i)}}
	}
	for _, i := range failing {
		results[i] = dispatch.Result{Index: i, Err: &dispatch.UnitError{Index: i, Kind: dispatch.ErrUnitProcessor, Err: errors.New("boom")}}
	}
	return results
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"":               BestEffort,
		"best_effort":    BestEffort,
		"Best-Effort":    BestEffort,
		"all_or_nothing": AllOrNothing,
		"ALL-OR-NOTHING": AllOrNothing,
	}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("sometimes"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestEvaluate(t *testing.T) {
	state, rep, err := Evaluate(BestEffort, outcomes())
	if err != nil || state != AllSucceeded || !rep.Empty() {
		t.Fatalf("all succeeded: state=%s rep=%+v err=%v", state, rep, err)
	}

	state, rep, err = Evaluate(BestEffort, outcomes(3, 1))
	if err != nil || state != PartialFailure {
		t.Fatalf("best effort partial: state=%s err=%v", state, err)
	}
	if !reflect.DeepEqual(rep.FailedIndices, []int{1, 3}) || len(rep.Reasons) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}

	state, _, err = Evaluate(AllOrNothing, outcomes(2))
	if state != PartialFailure || !errors.Is(err, ErrUnitsFailed) {
		t.Fatalf("all or nothing: state=%s err=%v", state, err)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || !reflect.DeepEqual(jobErr.Report.FailedIndices, []int{2}) {
		t.Fatalf("expected JobError enumerating index 2, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected reason in error message: %v", err)
	}

	for _, mode := range []Mode{BestEffort, AllOrNothing} {
		state, _, err = Evaluate(mode, outcomes(0, 1, 2, 3, 4))
		if state != AllFailed || !errors.Is(err, ErrAllUnitsFailed) {
			t.Fatalf("%s all failed: state=%s err=%v", mode, state, err)
		}
	}
}

func TestMachineLifecycle(t *testing.T) {
	var seen []State
	m := NewMachine("job-1", ObserverFunc(func(tr Transition) {
		if tr.JobID != "job-1" {
			t.Errorf("unexpected job id %q", tr.JobID)
		}
		seen = append(seen, tr.To)
	}))

	path := []State{Segmenting, Dispatching, PartialFailure, Reassembling, DoneWithWarnings}
	for _, s := range path {
		if err := m.To(s, ""); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !reflect.DeepEqual(seen, path) {
		t.Fatalf("observer saw %v", seen)
	}
	if !m.State().Terminal() {
		t.Fatal("expected terminal state")
	}
	if err := m.To(Reassembling, ""); err == nil {
		t.Fatal("expected terminal state to reject transitions")
	}
	if len(m.History()) != len(path) {
		t.Fatalf("history has %d entries", len(m.History()))
	}
}

func TestMachineRejectsShortcuts(t *testing.T) {
	m := NewMachine("job-2")
	if err := m.To(Dispatching, ""); err == nil {
		t.Fatal("expected created -> dispatching to be rejected")
	}
	_ = m.To(Segmenting, "")
	_ = m.To(Dispatching, "")
	if err := m.To(AllFailed, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.To(Reassembling, ""); err == nil {
		t.Fatal("expected all_failed -> reassembling to be rejected")
	}
}

func TestMachineAbort(t *testing.T) {
	m := NewMachine("job-3")
	_ = m.To(Segmenting, "")
	_ = m.To(Dispatching, "")
	if err := m.Abort("job timed out"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	h := m.History()
	if m.State() != Aborted || h[len(h)-2].To != Cancelled {
		t.Fatalf("expected dispatching -> cancelled -> aborted, got %+v", h)
	}
	if err := m.Abort("again"); err == nil {
		t.Fatal("expected abort of terminal job to fail")
	}
}
