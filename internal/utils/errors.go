package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared across the decision core. Match them with errors.Is.
var (
	// ErrDataUnavailable signals that the metrics source returned nothing usable.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrInsufficientSamples signals a window below the minimum scoring size.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrRemediationFailed signals that an actuator call failed.
	ErrRemediationFailed = errors.New("remediation failed")
	// ErrExportFailed signals that a metrics sink push failed.
	ErrExportFailed = errors.New("export failed")
	// ErrCycleInProgress signals an overlapping evaluation for the same target.
	ErrCycleInProgress = errors.New("evaluation cycle already in progress")
)

// AppError wraps an operation, error kind, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches the error kind so callers can test with errors.Is.
func (e *AppError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// NewAppError constructs an AppError of the given kind.
func NewAppError(op string, kind error, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}
