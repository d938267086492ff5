// Package fault defines the error taxonomy shared by stages, the tracking
// sink and the failure classifier.
package fault

import (
	"errors"
	"fmt"
)

// TransientError marks a temporary external-dependency condition (store or
// service unreachable). Transient failures are retried indefinitely with
// capped backoff.
type TransientError struct {
	Msg string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a configuration or authentication problem. Permanent
// failures fail the run immediately with no retry.
type PermanentError struct {
	Msg string
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *PermanentError) Unwrap() error { return e.Err }

// StageLogicError marks an injected failure simulation or a genuine
// computation fault inside a stage. Stage-logic failures are retried up to a
// bounded attempt count before failing the run.
type StageLogicError struct {
	Msg string
	Err error
}

func (e *StageLogicError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StageLogicError) Unwrap() error { return e.Err }

// Transientf builds a TransientError from a format string.
func Transientf(format string, args ...any) error {
	return &TransientError{Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a transient dependency failure.
func Transient(msg string, err error) error {
	return &TransientError{Msg: msg, Err: err}
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Msg: fmt.Sprintf(format, args...)}
}

// Permanent wraps err as a permanent configuration failure.
func Permanent(msg string, err error) error {
	return &PermanentError{Msg: msg, Err: err}
}

// StageLogicf builds a StageLogicError from a format string.
func StageLogicf(format string, args ...any) error {
	return &StageLogicError{Msg: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsStageLogic reports whether err is (or wraps) a StageLogicError.
func IsStageLogic(err error) bool {
	var s *StageLogicError
	return errors.As(err, &s)
}
