package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternalError     = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
	ErrUnavailable       = errors.New("service unavailable")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrAborted           = errors.New("operation aborted")

	// Domain-specific error sentinel values
	ErrPlayerNotFound    = errors.New("player not registered with voice service")
	ErrChannelNotFound   = errors.New("voice channel not found")
	ErrGroupNotFound     = errors.New("voice group not found")
	ErrGroupFull         = errors.New("voice group is at capacity")
	ErrWrongPassword     = errors.New("wrong group password")
	ErrGroupLimitReached = errors.New("player group limit reached")
	ErrServiceDisabled   = errors.New("voice service is disabled")
	ErrRecordingActive   = errors.New("recording session already active")
	ErrRecordingFailed   = errors.New("recording session failed")
)

// Error represents a structured error with creation site and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	var fieldMap map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		fieldMap = fields[0]
	} else {
		fieldMap = make(map[string]interface{})
	}

	return &Error{
		original: err,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
	}
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}

	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+1),
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}

	for k, v := range e.fields {
		result.fields[k] = v
	}
	result.fields[key] = value

	return result
}

// WithCode sets an error code for categorization
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	e.Code = code
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var sb strings.Builder
	sb.WriteString(e.message)

	if e.original != nil && e.original.Error() != e.message {
		sb.WriteString(": ")
		sb.WriteString(e.original.Error())
	}

	if len(e.fields) > 0 {
		sb.WriteString(" (")
		first := true
		for k, v := range e.fields {
			if !first {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, v)
			first = false
		}
		sb.WriteString(")")
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Fields returns the contextual fields attached to the error
func (e *Error) Fields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Location returns where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.file, e.line)
}

// Is reports whether any error in the chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in the chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
