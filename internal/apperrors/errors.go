package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids and missing artifacts.
	ErrNotFound = errors.New("not found")

	// ErrNoWorkerAvailable marks a backlog that no live worker is consuming.
	ErrNoWorkerAvailable = errors.New("no available workers")
)

// NotFound wraps ErrNotFound with a client-safe message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// ValidationError collects every problem found in a submission so the
// client sees all of them at once.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (v *ValidationError) Add(err error) {
	v.Errors = append(v.Errors, err)
}

func (v *ValidationError) Addf(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Errorf(format, args...))
}

func (v *ValidationError) HasError() bool {
	return len(v.Errors) > 0
}

// Messages returns the individual messages in insertion order.
func (v *ValidationError) Messages() []string {
	out := make([]string, 0, len(v.Errors))
	for _, err := range v.Errors {
		out = append(out, err.Error())
	}
	return out
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	return fmt.Sprintf("%v", errors.Join(v.Errors...))
}

// OrNil returns v as an error only if it holds at least one problem.
func (v *ValidationError) OrNil() error {
	if v.HasError() {
		return v
	}
	return nil
}

// ExecutionError is a failed attempt of the external analysis process. It is
// retried by the queue until attempts are exhausted.
type ExecutionError struct {
	Attempt  int
	ExitCode int
	Message  string
	Err      error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Execution builds an ExecutionError without an exit code.
func Execution(attempt int, err error, format string, args ...any) *ExecutionError {
	return &ExecutionError{
		Attempt:  attempt,
		ExitCode: -1,
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
	}
}

// StorageError means the filesystem or the queue backend is unavailable. It is
// fatal for the current operation and never retried by the core.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err as a StorageError, passing nil and not-found through.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
