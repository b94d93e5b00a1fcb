package upload

import (
	"errors"
	"fmt"
)

// Failure kinds of a session. Match them with errors.Is.
var (
	ErrHashFailure     = errors.New("hash failure")
	ErrPlanFailure     = errors.New("plan failure")
	ErrTransport       = errors.New("transport error")
	ErrFinalize        = errors.New("finalize error")
	ErrCancelledByUser = errors.New("cancelled by user")
)

// ErrTooManyFiles is returned when a batch exceeds the configured file limit.
var ErrTooManyFiles = errors.New("too many files in batch")

// SessionError is the terminal error of a failed or cancelled session.
type SessionError struct {
	FileName string
	// Stage is the state the session was in when it stopped.
	Stage State
	Kind  error
	Err   error
}

func (e *SessionError) Error() string {
	if e.Kind == ErrCancelledByUser {
		return fmt.Sprintf("upload of %s cancelled while %s", e.FileName, e.Stage)
	}
	return fmt.Sprintf("upload of %s failed while %s: %s: %v", e.FileName, e.Stage, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches the failure kind as well as the wrapped cause.
func (e *SessionError) Is(target error) bool {
	return target == e.Kind
}
