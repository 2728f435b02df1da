package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrUnauthorized     = "UNAUTHORIZED"
	ErrForbidden        = "FORBIDDEN"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrValidationError  = "VALIDATION_ERROR"
	ErrStoreUnavailable = "STORE_UNAVAILABLE"
	ErrInternalError    = "INTERNAL_ERROR"
)

// ErrorEnvelope is the typed failure returned by the engine and translated
// by the transport layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the caller may retry the whole operation.
// Only transient store failures are retryable; state errors require the
// caller to refresh before acting again.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrStoreUnavailable
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewUnavailableError returns a retryable STORE_UNAVAILABLE error.
func NewUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStoreUnavailable, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternalError, Message: "An unexpected error occurred"}
}

// CodeOf returns the envelope code of err, or ErrInternalError when err is
// not an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}

// IsNotFound reports whether err is a NOT_FOUND envelope.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }

// IsConflict reports whether err is a CONFLICT envelope.
func IsConflict(err error) bool { return CodeOf(err) == ErrConflict }

// IsValidation reports whether err is a VALIDATION_ERROR envelope.
func IsValidation(err error) bool { return CodeOf(err) == ErrValidationError }

// IsUnavailable reports whether err is a retryable STORE_UNAVAILABLE envelope.
func IsUnavailable(err error) bool { return CodeOf(err) == ErrStoreUnavailable }
