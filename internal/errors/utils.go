package errors

import (
	"errors"
)

// Wrap wraps an error with additional context, creating a LiveError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *LiveError {
	if err == nil {
		return nil
	}

	var le *LiveError
	if errors.As(err, &le) {
		return &LiveError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       le,
			Context:     le.Context,
			Component:   le.Component,
			Recoverable: le.Recoverable,
		}
	}

	return &LiveError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: errType == ErrorTypeValidation || errType == ErrorTypeProtocol || errType == ErrorTypeUnavailable,
	}
}

// WrapWithContext wraps an error with context information
func WrapWithContext(err error, errType ErrorType, code, message string, context map[string]interface{}) *LiveError {
	liveErr := Wrap(err, errType, code, message)
	if liveErr != nil {
		liveErr.Context = context
	}
	return liveErr
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *LiveError {
	liveErr := Wrap(err, ErrorTypeIO, code, message)
	if liveErr != nil {
		liveErr.Recoverable = false
	}
	return liveErr
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, message string) *LiveError {
	liveErr := Wrap(err, ErrorTypeConfig, ErrCodeConfigInvalid, message)
	if liveErr != nil {
		liveErr.Recoverable = false
	}
	return liveErr
}

// WrapNetwork wraps an error as a network error
func WrapNetwork(err error, code, message string) *LiveError {
	return Wrap(err, ErrorTypeNetwork, code, message)
}
