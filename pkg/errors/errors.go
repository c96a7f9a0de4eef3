// Package errors provides structured error handling for adlake with error
// categorization, key-value context, and stack capture.
//
// Errors carry an ErrorType so callers can pick a handling strategy without
// string matching: configuration errors abort a run at startup, connection
// and rate-limit errors are retryable, data errors mark a record as skipped.
//
//	if err := colspec.ValidateSpecs(specs); err != nil {
//	    return errors.Wrap(err, errors.ErrorTypeConfig, "invalid column definitions")
//	}
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType categorizes an error for handling strategy and run-level
// failure policy.
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConfig represents configuration errors (malformed or
	// incomplete column specifications, missing credentials). Fatal at
	// pipeline startup.
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConnection represents transport-level errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents authentication/token errors
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeRateLimit represents rate limit (HTTP 429) errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeData represents data extraction/processing errors
	ErrorTypeData ErrorType = "data"
	// ErrorTypeQuery represents warehouse query errors
	ErrorTypeQuery ErrorType = "query"
	// ErrorTypeNotFound represents resource not found errors
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeCapability represents unsupported-feature errors
	ErrorTypeCapability ErrorType = "capability"
)

// Error is a structured error with a type, a message, an optional cause,
// key-value details, and the call stack captured at creation.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single frame in the captured call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause, enabling errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value detail. Chainable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error with the given type and message, capturing the stack.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates an error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error, preserving it as the cause. If err is
// already a structured Error its original stack is kept. Returns nil for a
// nil input.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	return Wrap(err, errType, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether the error is worth retrying. Rate limit,
// timeout and connection errors are retryable; everything else is not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// As re-exports the standard library helper so callers don't need a second
// errors import.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is re-exports the standard library helper.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsType checks whether the error carries the given type.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// GetType returns the error's type, or ErrorTypeInternal for plain errors.
func GetType(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
