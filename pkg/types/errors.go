package types

import (
	"errors"
	"fmt"
)

// Fixed error codes written to a job request's error column
const (
	ErrCodeInvalidJobType   = "700"
	ErrCodeHandler          = "701"
	ErrCodeInvalidRequestID = "702"
	ErrCodeTerminated       = "703"
	ErrCodeRequestNotFound  = "704"
	ErrCodeUnexpected       = "709"

	// ErrCodeListenerUnavailable is reported by /status when no uuid is given
	ErrCodeListenerUnavailable = "503"
)

// ErrStrTerminated is stored with ErrCodeTerminated
const ErrStrTerminated = "job terminated: owning worker exited before completion"

// BenignErrorCodes historically mean "no action required" and are reported as
// success by the control plane even though the stored error is non-zero.
var BenignErrorCodes = map[string]bool{
	"701-614": true, // nothing to patch
	"701-617": true, // already at requested state
}

// IsSuccessCode reports whether a stored error code counts as success
func IsSuccessCode(code string) bool {
	return code == "" || code == NoError || BenignErrorCodes[code]
}

// RuntimeError is a domain or validation error carrying a fixed code
type RuntimeError struct {
	Code    string
	Message string
	// Stack asks the dispatcher to keep a stack trace in the diagnostics
	Stack bool
}

// NewRuntimeError creates a RuntimeError
func NewRuntimeError(code, format string, args ...interface{}) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HandlerError builds a 701-<sub> error
func HandlerError(sub int, msg string) *RuntimeError {
	return &RuntimeError{Code: fmt.Sprintf("%s-%d", ErrCodeHandler, sub), Message: msg}
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsRuntimeError unwraps err into a RuntimeError if it carries one
func AsRuntimeError(err error) (*RuntimeError, bool) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
