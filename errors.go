// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package kvmredir

import (
	"errors"
	"fmt"
)

// ErrorCode represents the failure taxonomy of a redirection session.
type ErrorCode int

const (
	// ErrTransport indicates a refused, reset, or failed (including TLS) connection.
	ErrTransport ErrorCode = iota
	// ErrProtocol indicates an unexpected command, bad status, or malformed length.
	ErrProtocol
	// ErrAuthentication indicates no acceptable scheme or a rejected digest response.
	ErrAuthentication
	// ErrCapacity indicates a framebuffer over the size ceiling. Never fatal.
	ErrCapacity
	// ErrDataChannel indicates a send while a payload is in flight or a stray ack.
	ErrDataChannel
	// ErrConfiguration indicates an invalid session configuration.
	ErrConfiguration
	// ErrValidation indicates rejected operator input.
	ErrValidation
	// ErrEncoding indicates a tile that could not be decoded.
	ErrEncoding
	// ErrClosed indicates an operation on a session that already stopped.
	ErrClosed
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrTransport:
		return "transport"
	case ErrProtocol:
		return "protocol"
	case ErrAuthentication:
		return "authentication"
	case ErrCapacity:
		return "capacity"
	case ErrDataChannel:
		return "data channel"
	case ErrConfiguration:
		return "configuration"
	case ErrValidation:
		return "validation"
	case ErrEncoding:
		return "encoding"
	case ErrClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RedirError provides structured error information with operation context,
// an error code from the session failure taxonomy, and a wrapped cause.
type RedirError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error returns the formatted error message.
func (e *RedirError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvmredir %s: %s: %s: %v", e.Code.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("kvmredir %s: %s: %s", e.Code.String(), e.Op, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping.
func (e *RedirError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a RedirError with the same code and operation.
func (e *RedirError) Is(target error) bool {
	var other *RedirError
	if errors.As(target, &other) {
		return e.Code == other.Code && e.Op == other.Op
	}
	return false
}

// Fatal reports whether the error must tear the session down.
// Capacity warnings are the only diagnostics that leave the session running.
func (e *RedirError) Fatal() bool {
	return e.Code != ErrCapacity
}

// NewRedirError creates a new RedirError with the specified parameters.
func NewRedirError(op string, code ErrorCode, message string, err error) *RedirError {
	return &RedirError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapError wraps err with redirection context. Returns nil if err is nil.
func WrapError(op string, code ErrorCode, message string, err error) error {
	if err == nil {
		return nil
	}
	return NewRedirError(op, code, message, err)
}

// IsRedirError checks if an error is a RedirError and optionally matches one of codes.
func IsRedirError(err error, code ...ErrorCode) bool {
	var rerr *RedirError
	if !errors.As(err, &rerr) {
		return false
	}

	if len(code) == 0 {
		return true
	}

	for _, c := range code {
		if rerr.Code == c {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the error code from a RedirError, or -1.
func GetErrorCode(err error) ErrorCode {
	var rerr *RedirError
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ErrorCode(-1)
}

// IsFatal reports whether err should stop a session. Errors that are not
// RedirErrors (raw I/O failures) are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var rerr *RedirError
	if errors.As(err, &rerr) {
		return rerr.Fatal()
	}
	return true
}

func transportError(op, message string, err error) error {
	return NewRedirError(op, ErrTransport, message, err)
}

func protocolError(op, message string, err error) error {
	return NewRedirError(op, ErrProtocol, message, err)
}

func authenticationError(op, message string, err error) error {
	return NewRedirError(op, ErrAuthentication, message, err)
}

func capacityWarning(op, message string) error {
	return NewRedirError(op, ErrCapacity, message, nil)
}

func dataChannelError(op, message string) error {
	return NewRedirError(op, ErrDataChannel, message, nil)
}

func configurationError(op, message string, err error) error {
	return NewRedirError(op, ErrConfiguration, message, err)
}

func validationError(op, message string, err error) error {
	return NewRedirError(op, ErrValidation, message, err)
}

func encodingError(op, message string, err error) error {
	return NewRedirError(op, ErrEncoding, message, err)
}

// ErrSessionClosed is returned by input and send operations after the session stopped.
var ErrSessionClosed = NewRedirError("Session", ErrClosed, "session is closed", nil)
