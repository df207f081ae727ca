// File: api/schemas/errors.go
// Description: The shared failure taxonomy. Every error that crosses a
// component boundary carries one of these kinds so callers can dispatch on
// failure class without string matching.

package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure within the action-execution subsystem.
type ErrorKind string

const (
	KindSnapshotUnavailable  ErrorKind = "SnapshotUnavailable"
	KindTransportUnavailable ErrorKind = "TransportUnavailable"
	KindInvalidParams        ErrorKind = "InvalidParams"
	KindStaleTarget          ErrorKind = "StaleTarget"
	KindDeviceRejected       ErrorKind = "DeviceRejected"
	KindMalformedResponse    ErrorKind = "MalformedResponse"
	KindProgramError         ErrorKind = "ProgramError"
	KindStepBudgetExhausted  ErrorKind = "StepBudgetExhausted"
	KindCancelled            ErrorKind = "Cancelled"
)

// ActionError is a classified failure. It wraps an underlying cause when one
// exists so errors.Is/As keep working through the taxonomy layer.
type ActionError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ActionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ActionError) Unwrap() error { return e.Cause }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *ActionError {
	return &ActionError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the taxonomy kind from err, unwrapping as needed.
// Errors from outside the subsystem report an empty kind.
func KindOf(err error) ErrorKind {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
