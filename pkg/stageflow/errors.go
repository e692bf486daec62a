package stageflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for runtime assembly and lifecycle.
var (
	// ErrStageExists indicates AddStage was called with a name already in use.
	ErrStageExists = errors.New("stage already exists")

	// ErrStageNotFound indicates a lookup by name found no stage.
	ErrStageNotFound = errors.New("stage not found")

	// ErrRuntimeStarted indicates Start was called on a running runtime.
	ErrRuntimeStarted = errors.New("runtime already started")

	// ErrRuntimeStopped indicates an operation on a stopped runtime.
	ErrRuntimeStopped = errors.New("runtime stopped")

	// ErrUnknownThreadManager indicates global.threadManager names no
	// known discipline.
	ErrUnknownThreadManager = errors.New("unknown thread manager")

	// ErrNilHandler indicates AddStage was called without a handler.
	ErrNilHandler = errors.New("handler cannot be nil")
)

// ErrHandlerFault is matched by every *HandlerFault via errors.Is.
var ErrHandlerFault = errors.New("handler fault")

// HandlerFault records a batch that failed inside HandleEvents, either by
// returning an error or by panicking. The batch is not retried.
type HandlerFault struct {
	// Stage is the stage whose handler failed.
	Stage string
	// Events is the size of the failed batch.
	Events int
	// Value is the value passed to panic(), or nil if the handler
	// returned an error.
	Value any
	// Stack is the stack trace at the panic, empty for returned errors.
	Stack string
	// Err is the error returned by the handler, nil for panics.
	Err error
}

// Error implements the error interface.
func (f *HandlerFault) Error() string {
	if f.Value != nil {
		return fmt.Sprintf("stage %s: handler panicked on %d events: %v", f.Stage, f.Events, f.Value)
	}
	return fmt.Sprintf("stage %s: handler failed on %d events: %v", f.Stage, f.Events, f.Err)
}

// Unwrap exposes ErrHandlerFault and the handler's own error.
func (f *HandlerFault) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrHandlerFault}
	}
	return []error{ErrHandlerFault, f.Err}
}

// Panicked reports whether the fault came from a panic.
func (f *HandlerFault) Panicked() bool {
	return f.Value != nil
}

// StageError wraps a lifecycle failure with stage context.
type StageError struct {
	// Stage is the stage that failed.
	Stage string
	// Op is the operation that failed ("init", "register", "destroy").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}
