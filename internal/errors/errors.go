package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the typed failure returned by every gateway operation. The stable
// Code travels verbatim onto the wire and into settlement reason codes.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

// E constructs an Error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a single detail field, allocating the map lazily.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges detail fields into the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is makes errors.Is match on code equality so callers can compare against
// sentinel errors without caring about message text.
func (e *Error) Is(target error) bool {
	var other *Error
	if stderrors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// From extracts the typed Error from an error chain. Untyped errors are
// wrapped as INTERNAL_ERROR so the envelope never leaks raw error strings
// without a code.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code == code
	}
	return false
}
