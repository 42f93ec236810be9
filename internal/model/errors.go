package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorType is a coarse category for ServiceError, used by the HTTP adapters
// to pick a status code without inspecting error text.
type ErrorType int

const (
	Internal ErrorType = iota
	InvalidArmor
	InvalidCertificate
	KeyTooShort
	NoUserIds
	MalformedQuery
	NotFound
	AlreadyExists
	StoreFailure
	MailerFailure
)

// ServiceError is the error type returned across every package boundary in
// this module. Adapters map Type to a status code; nothing downstream of an
// adapter should need to inspect Detail.
type ServiceError struct {
	Type   ErrorType
	Detail string
	cause  error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		// e.cause is already an errors.Wrap(original, e.Detail) result, so
		// its own Error() string already carries Detail as a prefix.
		return e.cause.Error()
	}
	return e.Detail
}

// Unwrap returns the root cause, unwrapped through any pkg/errors stack
// frames Wrap attached to it. Callers that care about the stack trace
// itself should use errors.Wrap's own return value rather than this.
func (e *ServiceError) Unwrap() error {
	if e.cause == nil {
		return nil
	}
	return errors.Cause(e.cause)
}

// New builds a ServiceError of the given kind.
func New(t ErrorType, msg string, args ...interface{}) error {
	return &ServiceError{Type: t, Detail: fmt.Sprintf(msg, args...)}
}

// Wrap builds a ServiceError of the given kind around a lower-level cause,
// attaching a pkg/errors stack trace at the wrap site. The cause is
// retained for logging (Unwrap) and its message is part of Error(); Detail
// holds only the wrap-site message. A nil cause
// leaves the ServiceError causeless rather than invoking errors.Wrap,
// which itself returns nil for a nil error.
func Wrap(t ErrorType, cause error, msg string, args ...interface{}) error {
	detail := fmt.Sprintf(msg, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, detail)
	}
	return &ServiceError{Type: t, Detail: detail, cause: wrapped}
}

// Is reports whether err is a ServiceError of the given kind.
func Is(err error, t ErrorType) bool {
	se, ok := err.(*ServiceError)
	if !ok {
		return false
	}
	return se.Type == t
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func AlreadyExistsError(msg string, args ...interface{}) error {
	return New(AlreadyExists, msg, args...)
}

func StoreFailureError(cause error, msg string, args ...interface{}) error {
	return Wrap(StoreFailure, cause, msg, args...)
}

func MailerFailureError(cause error, msg string, args ...interface{}) error {
	return Wrap(MailerFailure, cause, msg, args...)
}

func InternalError(cause error, msg string, args ...interface{}) error {
	return Wrap(Internal, cause, msg, args...)
}
