package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInput             = "INPUT_ERROR"
	ErrCodeTransient         = "TRANSIENT_NODE_ERROR"
	ErrCodeFatal             = "FATAL_NODE_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error represents a transient condition
// the scheduler may retry. An open circuit counts: the backend may have
// recovered by the time the backoff elapses.
func (e *EngineError) Retryable() bool {
	return e.Code == ErrCodeTransient || e.Code == ErrCodeCircuitOpen
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// AsEngineError extracts an *EngineError from err's chain, or wraps err
// under the given fallback code.
func AsEngineError(err error, fallbackCode string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
