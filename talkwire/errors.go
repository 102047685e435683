package talkwire

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes SDK errors.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeUnauthenticated
	CodeNotConnected
	CodeNotFound
	CodeSerialization
	CodeNetwork
	CodeTokenRefresh
)

// String returns the string representation of an ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeNotConnected:
		return "not_connected"
	case CodeNotFound:
		return "not_found"
	case CodeSerialization:
		return "serialization_error"
	case CodeNetwork:
		return "network_error"
	case CodeTokenRefresh:
		return "token_refresh_failed"
	case CodeUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown_code_%d", c)
	}
}

// Error is a structured error with a code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with a coded Error.
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Wrapped: err}
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return errors.Is(err, &Error{Code: code})
}
