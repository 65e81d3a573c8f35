package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnitTimeout   = errors.New("unit timed out")
	ErrUnitProcessor = errors.New("unit processor failed")
	ErrUnitAborted   = errors.New("unit aborted")
	ErrJobTimeout    = errors.New("job timed out")
	ErrJobCancelled  = errors.New("job cancelled")
)

// Identity names an external operation and its normalized parameters. Two
// calls with equal identity and content are interchangeable.
type Identity struct {
	Operation string
	Params    map[string]string
}

// Processor performs the external call for one unit. Implementations must
// be safe for concurrent use and effectively deterministic for identical
// identity and content.
type Processor interface {
	Identity() Identity
	Process(ctx context.Context, content string) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc struct {
	ID Identity
	Fn func(ctx context.Context, content string) ([]byte, error)
}

func (p ProcessorFunc) Identity() Identity { return p.ID }

func (p ProcessorFunc) Process(ctx context.Context, content string) ([]byte, error) {
	return p.Fn(ctx, content)
}

// Result is the settled outcome of one unit.
type Result struct {
	Index    int
	Payload  []byte
	Err      error
	Cached   bool
	Attempts int
	Latency  time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// UnitError tags a per-unit failure with its index and kind (one of
// ErrUnitTimeout, ErrUnitProcessor or ErrUnitAborted).
type UnitError struct {
	Index int
	Kind  error
	Err   error
}

func (e *UnitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unit %d: %v", e.Index, e.Kind)
	}
	return fmt.Sprintf("unit %d: %v: %v", e.Index, e.Kind, e.Err)
}

func (e *UnitError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the dispatcher may try the unit again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var r retryableError
	return errors.As(err, &r)
}
