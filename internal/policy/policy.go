// Package policy decides whether a set of per-unit outcomes makes a job
// succeed, succeed with warnings, or fail, and tracks the job lifecycle.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-render/internal/dispatch"
)

var (
	ErrAllUnitsFailed = errors.New("all units failed")
	ErrUnitsFailed    = errors.New("units failed")
)

// Mode selects how partial failure is treated.
type Mode int

const (
	BestEffort Mode = iota
	AllOrNothing
)

func (m Mode) String() string {
	switch m {
	case AllOrNothing:
		return "all_or_nothing"
	default:
		return "best_effort"
	}
}

// ParseMode accepts "best_effort" or "all_or_nothing" (hyphens and case are
// ignored). An empty string selects BestEffort.
func ParseMode(s string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "best_effort", "besteffort":
		return BestEffort, nil
	case "all_or_nothing", "allornothing", "strict":
		return AllOrNothing, nil
	default:
		return BestEffort, fmt.Errorf("unknown failure mode %q", s)
	}
}

// Report enumerates the units that did not contribute to the artifact.
type Report struct {
	FailedIndices []int
	Reasons       []string
}

func (r Report) Empty() bool { return len(r.FailedIndices) == 0 }

// BuildReport collects failed results ordered by index.
func BuildReport(results []dispatch.Result) Report {
	failed := make([]dispatch.Result, 0)
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })
	rep := Report{}
	for _, r := range failed {
		rep.FailedIndices = append(rep.FailedIndices, r.Index)
		rep.Reasons = append(rep.Reasons, r.Err.Error())
	}
	return rep
}

// JobError is the terminal error for a job that failed because of its units.
type JobError struct {
	Kind   error
	Report Report
}

func (e *JobError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: indices %v", e.Kind, e.Report.FailedIndices)
	for i, reason := range e.Report.Reasons {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Report.Reasons)-i)
			break
		}
		fmt.Fprintf(&b, "; %s", reason)
	}
	return b.String()
}

func (e *JobError) Unwrap() error { return e.Kind }

// Classify maps settled dispatch results to AllSucceeded, PartialFailure or
// AllFailed.
func Classify(results []dispatch.Result) State {
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return AllSucceeded
	case failed == len(results):
		return AllFailed
	default:
		return PartialFailure
	}
}

// Evaluate applies mode to the results. A nil error means an artifact should
// be reassembled; the returned state is the post-dispatch classification.
func Evaluate(mode Mode, results []dispatch.Result) (State, Report, error) {
	state := Classify(results)
	rep := BuildReport(results)
	switch state {
	case AllSucceeded:
		return state, rep, nil
	case AllFailed:
		return state, rep, &JobError{Kind: ErrAllUnitsFailed, Report: rep}
	}
	if mode == AllOrNothing {
		return state, rep, &JobError{Kind: ErrUnitsFailed, Report: rep}
	}
	return state, rep, nil
}
