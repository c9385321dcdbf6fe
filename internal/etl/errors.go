package etl

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeTransientRemote  ErrorType = "transient_remote"
	ErrorTypeAuthExpired      ErrorType = "auth_expired"
	ErrorTypeRemoteFatal      ErrorType = "remote_fatal"
	ErrorTypeStorageFatal     ErrorType = "storage_fatal"
	ErrorTypeDataIntegrity    ErrorType = "data_integrity"
	ErrorTypeLeaseUnavailable ErrorType = "lease_unavailable"
)

// Error carries the failure class alongside the operation that raised it, so
// the run coordinator can decide between retry, token refresh, and abort
// without string matching.
type Error struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed in %s: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed in %s: %s", e.Type, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func NewError(errType ErrorType, operation, message string, cause error) *Error {
	return &Error{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

func NewTransientRemote(operation, message string, cause error) *Error {
	return NewError(ErrorTypeTransientRemote, operation, message, cause)
}

func NewAuthExpired(operation, message string, cause error) *Error {
	return NewError(ErrorTypeAuthExpired, operation, message, cause)
}

func NewRemoteFatal(operation, message string, cause error) *Error {
	return NewError(ErrorTypeRemoteFatal, operation, message, cause)
}

func NewStorageFatal(operation, message string, cause error) *Error {
	return NewError(ErrorTypeStorageFatal, operation, message, cause)
}

func NewDataIntegrity(operation, message string, cause error) *Error {
	return NewError(ErrorTypeDataIntegrity, operation, message, cause)
}

func NewLeaseUnavailable(operation, message string, cause error) *Error {
	return NewError(ErrorTypeLeaseUnavailable, operation, message, cause)
}

// IsType reports whether err wraps an *Error of the given type anywhere in
// its chain.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

var (
	ErrTokenExpired  = NewAuthExpired("token_check", "feature service token expired", nil)
	ErrLeaseHeld     = NewLeaseUnavailable("lease_acquire", "lease held by another run", nil)
	ErrBucketMissing = NewStorageFatal("bucket_check", "snapshot bucket does not exist", nil)
)
