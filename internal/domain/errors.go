package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when a job id is already taken
	ErrJobExists = errors.New("job already exists")

	// ErrInvalidTransition is returned when a state transition is not allowed from the stored state
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrUnsupportedEntryVersion is returned when a queue entry carries an unknown schema version
	ErrUnsupportedEntryVersion = errors.New("unsupported queue entry version")

	// ErrQueueClosed is returned by queue operations after Close
	ErrQueueClosed = errors.New("queue closed")

	// ErrUploadTooLarge marks a validation error for an upload over the size limit
	ErrUploadTooLarge = errors.New("upload too large")
)

// ValidationError rejects a request before a job exists
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError creates a new validation error
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// UnavailableStrategyError reports that a strategy cannot run for a request.
// The worker recovers from it by falling back to another strategy.
type UnavailableStrategyError struct {
	Strategy string
	Reason   string
}

func (e *UnavailableStrategyError) Error() string {
	return fmt.Sprintf("strategy %s unavailable: %s", e.Strategy, e.Reason)
}

// ExecutionError reports that a strategy ran but did not produce valid output
type ExecutionError struct {
	Strategy    string
	Timeout     bool
	ExitCode    int
	Diagnostics string
	Err         error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s execution failed", e.Strategy)
	if e.Timeout {
		msg = fmt.Sprintf("%s execution timed out", e.Strategy)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// InfrastructureError wraps queue or store failures. The current worker
// iteration is abandoned and the entry is redelivered.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return "infrastructure error: " + e.Op + ": " + e.Err.Error()
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// NewInfrastructureError creates a new infrastructure error
func NewInfrastructureError(op string, err error) error {
	return &InfrastructureError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsInfrastructure reports whether err is an InfrastructureError
func IsInfrastructure(err error) bool {
	var v *InfrastructureError
	return errors.As(err, &v)
}
