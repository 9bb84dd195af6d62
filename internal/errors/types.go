// Package errors defines the structured error type used across the live
// preview core. Most failures in this system are recovered locally (logged
// and dropped); the LiveError type carries enough context for the log line
// and tells callers whether retrying makes sense.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeConfig      ErrorType = "config"
	ErrorTypeProtocol    ErrorType = "protocol"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeInternal    ErrorType = "internal"
)

// LiveError is a structured error type with context.
type LiveError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	Recoverable bool
}

// Error implements the error interface.
func (e *LiveError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Component != "" {
		parts = append(parts, e.Component+":")
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *LiveError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison on type and code.
func (e *LiveError) Is(target error) bool {
	var t *LiveError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *LiveError) WithContext(key string, value interface{}) *LiveError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithComponent adds component context.
func (e *LiveError) WithComponent(component string) *LiveError {
	e.Component = component

	return e
}

// Common error codes.
const (
	ErrCodeMalformedFrame         = "ERR_MALFORMED_FRAME"
	ErrCodeUnknownFrameType       = "ERR_UNKNOWN_FRAME_TYPE"
	ErrCodeUnregisteredConnection = "ERR_UNREGISTERED_CONNECTION"
	ErrCodeUnknownClient          = "ERR_UNKNOWN_CLIENT"
	ErrCodeListenerUnavailable    = "ERR_LISTENER_UNAVAILABLE"
	ErrCodeNoTransportURL         = "ERR_NO_TRANSPORT_URL"
	ErrCodeNotConnected           = "ERR_NOT_CONNECTED"
	ErrCodeOutsideProject         = "ERR_OUTSIDE_PROJECT"
	ErrCodeConfigInvalid          = "ERR_CONFIG_INVALID"
	ErrCodeInvalidURL             = "ERR_INVALID_URL"
	ErrCodeNotLiveDocument        = "ERR_NOT_LIVE_DOCUMENT"
	ErrCodeRateLimited            = "ERR_RATE_LIMITED"
	ErrCodeInternalError          = "ERR_INTERNAL"
)

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *LiveError {
	return &LiveError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewProtocolError creates an error for a frame that violates the transport
// protocol. Protocol errors never end a session.
func NewProtocolError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeProtocol,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewUnavailableError creates a resource-unavailable error. Callers are
// expected to surface it as "try again".
func NewUnavailableError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeUnavailable,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *LiveError {
	return &LiveError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var le *LiveError
	if errors.As(err, &le) {
		return le.Recoverable
	}

	return false
}

// IsUnavailable reports whether err is a resource-unavailable error.
func IsUnavailable(err error) bool {
	return hasType(err, ErrorTypeUnavailable)
}

// IsProtocolError reports whether err is a transport protocol error.
func IsProtocolError(err error) bool {
	return hasType(err, ErrorTypeProtocol)
}

func hasType(err error, t ErrorType) bool {
	var le *LiveError
	if errors.As(err, &le) {
		return le.Type == t
	}

	return false
}

// Helper functions for common errors

// ErrListenerUnavailable is returned when the HTTP listener that backs the
// filtering server cannot be reached.
func ErrListenerUnavailable(cause error) *LiveError {
	return NewUnavailableError(
		ErrCodeListenerUnavailable,
		"live preview server is not available, try again",
		cause,
	)
}

// ErrMalformedFrame wraps a JSON decode failure on an inbound frame.
func ErrMalformedFrame(cause error) *LiveError {
	return NewProtocolError(ErrCodeMalformedFrame, "malformed transport frame", cause)
}

// ErrUnknownFrameType reports an envelope with an unrecognized type.
func ErrUnknownFrameType(frameType string) *LiveError {
	return NewProtocolError(
		ErrCodeUnknownFrameType,
		"unknown frame type: "+frameType,
		nil,
	)
}

// ErrUnregisteredConnection reports a frame from a connection that never
// sent a connect envelope.
func ErrUnregisteredConnection() *LiveError {
	return NewProtocolError(
		ErrCodeUnregisteredConnection,
		"message received before connect",
		nil,
	)
}

// ErrUnknownClient reports an outbound operation naming an id with no
// live connection.
func ErrUnknownClient(id int) *LiveError {
	return NewValidationError(
		ErrCodeUnknownClient,
		fmt.Sprintf("unknown client id %d", id),
	).WithContext("client_id", id)
}

// ErrNoTransportURL reports a remote that was never given its transport URL.
func ErrNoTransportURL() *LiveError {
	return NewConfigError(
		ErrCodeNoTransportURL,
		"transport URL was not injected into the page",
		nil,
	)
}

// ErrNotConnected reports a send attempted without a socket.
func ErrNotConnected() *LiveError {
	return NewValidationError(ErrCodeNotConnected, "transport is not connected")
}

// ErrNotLiveDocument reports an editor update for a path the session does
// not hold as a live document of the expected kind.
func ErrNotLiveDocument(path, kind string) *LiveError {
	return NewValidationError(
		ErrCodeNotLiveDocument,
		"not a live "+kind+" document",
	).WithContext("path", path)
}

// ErrRateLimited reports a frame dropped because its connection exceeded
// the inbound message limit.
func ErrRateLimited(remote string, violations int) *LiveError {
	return NewProtocolError(
		ErrCodeRateLimited,
		"inbound message limit exceeded",
		nil,
	).WithContext("remote", remote).WithContext("violations", violations)
}
