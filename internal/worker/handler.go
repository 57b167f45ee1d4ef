package worker

import (
	"context"
	"errors"
)

// Task is a unit of periodic maintenance run by the Sweeper.
type Task interface {
	// Name identifies the task in logs and metrics. It must be unique.
	Name() string

	// Run performs one pass and returns how many records it removed.
	// Return a PermanentError to stop the task from being scheduled again.
	Run(ctx context.Context) (int64, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) (int64, error)
}

// Name implements Task.
func (t TaskFunc) Name() string { return t.TaskName }

// Run implements Task.
func (t TaskFunc) Run(ctx context.Context) (int64, error) { return t.Fn(ctx) }

// PermanentError wraps an error to indicate the task should not run again,
// for example when its backing store is misconfigured.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
