// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-ipc.

package api

import (
	"errors"
	"fmt"
)

// Transport error taxonomy. All values are sentinels; match them with errors.Is.
var (
	// ErrBufferFull is transient backpressure: the ring has no room for the frame right now.
	ErrBufferFull = errors.New("ring buffer full")
	// ErrTimeout means the caller gave up waiting for space, data or a round trip.
	ErrTimeout = errors.New("operation timeout")
	// ErrCorruptFrame is fatal to the connection that observed it.
	ErrCorruptFrame = errors.New("corrupt frame")
	// ErrPlatformUnavailable reports a wait/wake or mapping primitive missing on this OS.
	ErrPlatformUnavailable = errors.New("platform primitive unavailable")
	// ErrCircuitOpen is returned without attempting the underlying operation.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrNoTransport is surfaced when every transport tier failed.
	ErrNoTransport = errors.New("no viable IPC transport available")

	ErrFrameTooLarge   = errors.New("frame exceeds ring capacity")
	ErrClosed          = errors.New("transport is closed")
	ErrInvalidName     = errors.New("invalid shared memory name")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("resource not found")
)

// ErrorCode represents specific error conditions in the library.
// Codes are also written into the ring header last_error slot.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeBufferFull
	ErrCodeTimeout
	ErrCodeCorruptFrame
	ErrCodePlatformUnavailable
	ErrCodeCircuitOpen
	ErrCodeNoTransport
	ErrCodeInvalidArgument
	ErrCodeClosed
	ErrCodeNotFound
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeBufferFull:
		return "buffer_full"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeCorruptFrame:
		return "corrupt_frame"
	case ErrCodePlatformUnavailable:
		return "platform_unavailable"
	case ErrCodeCircuitOpen:
		return "circuit_open"
	case ErrCodeNoTransport:
		return "no_transport"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Sentinel returns the error value for c, for rebuilding errors that
// crossed a process boundary as a code.
func (c ErrorCode) Sentinel() error {
	switch c {
	case ErrCodeOK:
		return nil
	case ErrCodeBufferFull:
		return ErrBufferFull
	case ErrCodeTimeout:
		return ErrTimeout
	case ErrCodeCorruptFrame:
		return ErrCorruptFrame
	case ErrCodePlatformUnavailable:
		return ErrPlatformUnavailable
	case ErrCodeCircuitOpen:
		return ErrCircuitOpen
	case ErrCodeNoTransport:
		return ErrNoTransport
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeClosed:
		return ErrClosed
	case ErrCodeNotFound:
		return ErrNotFound
	default:
		return errors.New(c.String())
	}
}

// CodeOf maps an error chain to its taxonomy code.
func CodeOf(err error) ErrorCode {
	var e *Error
	switch {
	case err == nil:
		return ErrCodeOK
	case errors.As(err, &e):
		return e.Code
	case errors.Is(err, ErrBufferFull):
		return ErrCodeBufferFull
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrCorruptFrame):
		return ErrCodeCorruptFrame
	case errors.Is(err, ErrPlatformUnavailable):
		return ErrCodePlatformUnavailable
	case errors.Is(err, ErrCircuitOpen):
		return ErrCodeCircuitOpen
	case errors.Is(err, ErrNoTransport):
		return ErrCodeNoTransport
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidName), errors.Is(err, ErrFrameTooLarge):
		return ErrCodeInvalidArgument
	case errors.Is(err, ErrClosed):
		return ErrCodeClosed
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	default:
		return ErrCodeInternal
	}
}

// Fatal reports whether err must tear the connection down.
func Fatal(err error) bool {
	return errors.Is(err, ErrCorruptFrame) || errors.Is(err, ErrClosed)
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped sentinel.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap attaches a code and message to err.
func Wrap(err error, code ErrorCode, message string) *Error {
	e := NewError(code, message)
	e.Err = err
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
