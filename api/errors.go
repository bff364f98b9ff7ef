// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by rings, ports, negotiation and bridge groups.
// Buffer "not ready" conditions are never errors: they are reported as
// boolean results and form the backpressure signal.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeProtocolViolation
	ErrCodeIncompatibleTypes
	ErrCodeIncompatibleDistribution
	ErrCodeNoCompatibleRole
	ErrCodeDoubleForward
	ErrCodeInvalidTarget
	ErrCodeMissingHashField
	ErrCodeConnection
	ErrCodePartialDelivery
	ErrCodeInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeProtocolViolation:
		return "protocol_violation"
	case ErrCodeIncompatibleTypes:
		return "incompatible_types"
	case ErrCodeIncompatibleDistribution:
		return "incompatible_distribution"
	case ErrCodeNoCompatibleRole:
		return "no_compatible_role"
	case ErrCodeDoubleForward:
		return "double_forward"
	case ErrCodeInvalidTarget:
		return "invalid_target"
	case ErrCodeMissingHashField:
		return "missing_hash_field"
	case ErrCodeConnection:
		return "connection"
	case ErrCodePartialDelivery:
		return "partial_delivery"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Sentinel errors for errors.Is matching. Matching is by code only, so any
// *Error carrying the same code satisfies errors.Is against these.
var (
	ErrProtocolViolation        = &Error{Code: ErrCodeProtocolViolation, Message: "protocol violation"}
	ErrIncompatibleTypes        = &Error{Code: ErrCodeIncompatibleTypes, Message: "incompatible message types"}
	ErrIncompatibleDistribution = &Error{Code: ErrCodeIncompatibleDistribution, Message: "incompatible distribution"}
	ErrNoCompatibleRole         = &Error{Code: ErrCodeNoCompatibleRole, Message: "no compatible flow-control role"}
	ErrDoubleForward            = &Error{Code: ErrCodeDoubleForward, Message: "buffer already forwarded"}
	ErrInvalidTarget            = &Error{Code: ErrCodeInvalidTarget, Message: "invalid distribution target"}
	ErrMissingHashField         = &Error{Code: ErrCodeMissingHashField, Message: "hash field missing from message"}
	ErrConnection               = &Error{Code: ErrCodeConnection, Message: "connection error"}
	ErrPartialDelivery          = &Error{Code: ErrCodePartialDelivery, Message: "message not delivered to every member"}
	ErrInvalidArgument          = &Error{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
)

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

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap attaches a code and message to an underlying cause.
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

// CodeOf extracts the ErrorCode of err, ErrCodeOK for nil and
// ErrCodeInvalidArgument for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInvalidArgument
}

// ErrorClass represents the classification of errors for handling purposes.
type ErrorClass int

const (
	// ClassTransient errors may be handled by restarting the negotiation from scratch.
	ClassTransient ErrorClass = iota
	// ClassInvalid errors come from declarations or traffic that cannot be reconciled.
	ClassInvalid
	// ClassFatal errors are caller programming errors and are never retried.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify maps an error onto its handling class.
func Classify(err error) ErrorClass {
	switch CodeOf(err) {
	case ErrCodeConnection:
		return ClassTransient
	case ErrCodeProtocolViolation:
		return ClassFatal
	default:
		return ClassInvalid
	}
}

// IsRetryable reports whether the deployment layer may restart the whole
// negotiation after err.
func IsRetryable(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}
