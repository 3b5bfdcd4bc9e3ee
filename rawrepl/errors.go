package rawrepl

import (
	"context"
	"errors"
	"fmt"
)

// Error represents a control-channel failure
type Error struct {
	// Type is the error type
	Type ErrorType

	// Phase names the operation step that failed (e.g. "enter raw")
	Phase string

	// Message is a human-readable error message
	Message string

	// Snippet holds truncated device output for diagnosis (if applicable)
	Snippet string

	// Err is the lower-level cause, usually a channel error
	Err error
}

// ErrorType categorizes control-channel errors
type ErrorType int

const (
	// ErrChannelClosed indicates the transport is gone; fatal to the session
	ErrChannelClosed ErrorType = iota

	// ErrTimeout indicates an operation deadline was exceeded
	ErrTimeout

	// ErrExecution indicates the device reported a traceback or error
	ErrExecution

	// ErrProtocolDesync indicates a required prompt or marker was absent
	ErrProtocolDesync

	// ErrBoardInfo indicates no identification line was found
	ErrBoardInfo

	// ErrInvalidState indicates an operation was called in the wrong state
	ErrInvalidState

	// ErrInvalidConfig indicates a configuration value was rejected
	ErrInvalidConfig
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("rawrepl %s", e.Type)
	if e.Phase != "" {
		msg += " during " + e.Phase
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (output: %q)", e.Snippet)
	}
	return msg
}

// Unwrap returns the lower-level cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func (t ErrorType) String() string {
	switch t {
	case ErrChannelClosed:
		return "channel closed"
	case ErrTimeout:
		return "timeout"
	case ErrExecution:
		return "execution error"
	case ErrProtocolDesync:
		return "protocol desync"
	case ErrBoardInfo:
		return "board info error"
	case ErrInvalidState:
		return "invalid state"
	case ErrInvalidConfig:
		return "invalid config"
	default:
		return "unknown error"
	}
}

// NewError creates a new control-channel error
func NewError(errType ErrorType, phase, message string) *Error {
	return &Error{
		Type:    errType,
		Phase:   phase,
		Message: message,
	}
}

// wrapError attaches phase context to a lower-level error. Typed errors keep
// their type, context errors pass through, and any other transport error is
// fatal to the session.
func wrapError(phase string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Phase != "" {
			return err
		}
		wrapped := *e
		wrapped.Phase = phase
		return &wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("rawrepl %s: %w", phase, err)
	}
	return &Error{Type: ErrChannelClosed, Phase: phase, Err: err}
}

// ErrClosed is returned by channels once they have been closed.
var ErrClosed = &Error{Type: ErrChannelClosed, Message: "use of closed channel"}

func isType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsChannelClosed checks if an error indicates the transport is gone
func IsChannelClosed(err error) bool {
	return isType(err, ErrChannelClosed)
}

// IsExecution checks if an error carries a device-reported failure
func IsExecution(err error) bool {
	return isType(err, ErrExecution)
}

// IsProtocolDesync checks if an error indicates a missing required marker
func IsProtocolDesync(err error) bool {
	return isType(err, ErrProtocolDesync)
}

// IsInvalidState checks if an error is a rejected precondition
func IsInvalidState(err error) bool {
	return isType(err, ErrInvalidState)
}

// IsInvalidConfig checks if an error is a rejected configuration
func IsInvalidConfig(err error) bool {
	return isType(err, ErrInvalidConfig)
}

// IsBoardInfo checks if an error indicates board identification failed
func IsBoardInfo(err error) bool {
	return isType(err, ErrBoardInfo)
}

// truncate shortens device output for error snippets.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...[truncated]"
}
