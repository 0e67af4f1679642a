// Package domainerrors provides typed, code-carrying errors for the workflow
// services. Services return these; the HTTP boundary translates codes to
// statuses. Infrastructure layers use pkg/platform/sentinel instead.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for boundary translation.
type Code string

const (
	// CodeNotFound means the referenced document or resource does not exist.
	CodeNotFound Code = "not_found"
	// CodeBadRequest means the input payload is malformed or incomplete.
	CodeBadRequest Code = "bad_request"
	// CodeInvalidState means the document's lifecycle state does not allow
	// the requested operation.
	CodeInvalidState Code = "invalid_state_transition"
	// CodeInvalidOTP means the one-time passcode is wrong or expired. Kept
	// distinct from CodeBadRequest so clients can prompt re-entry.
	CodeInvalidOTP Code = "invalid_otp"
	// CodeConflict means a business rule refused the operation (e.g. a
	// duplicate blockchain submission).
	CodeConflict Code = "conflict"
	// CodeUnavailable means the partner service returned non-2xx or was
	// unreachable.
	CodeUnavailable Code = "partner_unavailable"
	// CodeSuspended marks an endpoint that is deliberately disabled.
	CodeSuspended Code = "suspended"
	// CodeUnauthorized means the caller's token is missing, invalid or expired.
	CodeUnauthorized Code = "unauthorized"
	// CodeInternal is the fallback for unexpected failures.
	CodeInternal Code = "internal"
)

// Error is a domain error with a stable code and a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a domain error with the given code and message.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf builds a domain error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf extracts the user-facing message from err. Unexpected errors get
// a generic message so internals never leak to the response body.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}
