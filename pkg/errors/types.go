package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Session lifecycle errors
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	ErrCodeSessionPaused    ErrorCode = "SESSION_PAUSED"

	// Dispatch errors
	ErrCodeNoExecutionBackend ErrorCode = "NO_EXECUTION_BACKEND"
	ErrCodeConnectionLost     ErrorCode = "CONNECTION_LOST"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeCancelled          ErrorCode = "CANCELLED"
	ErrCodeExecutionFailed    ErrorCode = "EXECUTION_FAILED"
	ErrCodeQueueFull          ErrorCode = "QUEUE_FULL"
	ErrCodeInvalidCommand     ErrorCode = "INVALID_COMMAND"

	// Generic errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error represents a structured webpilot error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Stack      []Frame
	Retryable  bool
}

// Frame represents a stack frame
type Frame struct {
	Function string
	File     string
	Line     int
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
		Stack:   captureStack(2), // Skip New and caller
	}
}

// Newf creates a new structured error with a formatted message
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Context: make(map[string]any),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with webpilot error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Stack:      captureStack(2),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks whether the operation might succeed on retry
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Underlying != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Underlying.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target carries the same error code
func (e *Error) Is(target error) bool {
	var other *Error
	if stderrors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the error code from any error, ErrCodeInternal if untyped
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given error code
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is marked retryable
func IsRetryable(err error) bool {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed.Retryable
	}
	return false
}

func captureStack(skip int) []Frame {
	const maxFrames = 16
	frames := make([]Frame, 0, maxFrames)

	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return frames
	}

	callers := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callers.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
	return frames
}
