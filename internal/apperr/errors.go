// Package apperr defines the typed errors the chat layers return and the
// handlers translate into HTTP responses.
package apperr

import (
	"errors"
	"fmt"
)

// AppError is an error with a client facing code and message. Cause is
// kept for logs and never shown to clients.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError without a cause.
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around cause.
func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// InvalidArg reports bad client input.
func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

// InvalidOperation reports a request that conflicts with the chat state.
func InvalidOperation(msg string) error {
	return New(CodeInvalidOperation, msg)
}

// NotFound reports a missing chat, member or message.
func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

// Unauthorized reports a missing or invalid identity.
func Unauthorized(msg string) error {
	return New(CodeUnauthenticated, msg)
}

// Forbidden reports an identified caller without the needed role.
func Forbidden(msg string) error {
	return New(CodePermissionDenied, msg)
}

// Internal hides cause behind a generic message.
func Internal(cause error) error {
	return Wrap(CodeInternal, "internal error", cause)
}

// CodeOf extracts the code of err, or CodeUnknown when err is not an AppError.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
