package engine

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrUnavailable is returned when a backend is not loaded or
	// misconfigured. Fatal for that engine, not for the pipeline.
	ErrUnavailable = errors.New("engine: backend unavailable")

	// ErrTimeout is returned when an invocation exceeds its deadline.
	// Treated as a low-confidence outcome by the orchestrator.
	ErrTimeout = errors.New("engine: inference timeout")

	// ErrUnknownEngine is returned by the registry for an unknown name.
	ErrUnknownEngine = errors.New("engine: unknown engine name")
)

// Error wraps an error with the backend that produced it.
type Error struct {
	Engine string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("engine [%s]: %v", e.Engine, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with engine context.
func WrapError(name string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Engine: name, Err: err}
}

// IsTimeout reports whether err is an inference timeout, including
// context deadline expiry surfaced by a backend.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsUnavailable reports whether err marks the backend as unusable
// for the rest of the process lifetime.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
