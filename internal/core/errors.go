package core

import (
	"errors"
	"fmt"
)

// ErrorType is the wire-level error taxonomy. Every failure the client can
// see maps to exactly one of these; the HTTP envelope carries it verbatim.
type ErrorType string

const (
	ErrTypeAuthentication ErrorType = "AUTHENTICATION"
	ErrTypePoolExhausted  ErrorType = "POOL_EXHAUSTED"
	ErrTypeFirewallDenied ErrorType = "FIREWALL_DENIED"
	ErrTypeConfirmation   ErrorType = "CONFIRMATION_REQUIRED"
	ErrTypeExecution      ErrorType = "EXECUTION"
	ErrTypeProtocol       ErrorType = "PROTOCOL"
	ErrTypeBusy           ErrorType = "CONNECTION_BUSY"
	ErrTypeInternal       ErrorType = "INTERNAL"
)

// Error carries a taxonomy type alongside the message and cause.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two taxonomy errors by type, so sentinel values below work
// with errors.Is even after wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type
}

func NewError(t ErrorType, msg string) *Error {
	return &Error{Type: t, Message: msg}
}

func WrapError(t ErrorType, msg string, cause error) *Error {
	return &Error{Type: t, Message: msg, Cause: cause}
}

func Protocolf(format string, args ...interface{}) *Error {
	return &Error{Type: ErrTypeProtocol, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for the common failure points.
var (
	ErrPoolExhausted  = NewError(ErrTypePoolExhausted, "no backend connection available within the configured bound")
	ErrConnectionBusy = NewError(ErrTypeBusy, "connection is in use by another request")
	ErrSessionInvalid = NewError(ErrTypeAuthentication, "invalid or expired session")
	ErrKeyNotFound    = NewError(ErrTypeProtocol, "unknown connection id")
	ErrDuplicateKey   = NewError(ErrTypeInternal, "connection key already registered")
)

// TypeOf extracts the taxonomy type, defaulting to INTERNAL for anything
// that escaped classification.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrTypeInternal
}
