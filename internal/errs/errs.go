package errs

import (
	"errors"
	"fmt"
)

// Code is the domain error taxonomy the HTTP shell maps to transport
// status codes. The pure engine never raises; every Error originates in a
// service.
type Code string

const (
	EntityNotFound              Code = "ENTITY_NOT_FOUND"
	ValidationError             Code = "VALIDATION_ERROR"
	BusinessRuleViolation       Code = "BUSINESS_RULE_VIOLATION"
	InvalidState                Code = "INVALID_STATE"
	DuplicateOperation          Code = "DUPLICATE_OPERATION"
	InactiveEntity              Code = "INACTIVE_ENTITY"
	OrganizationContextRequired Code = "ORGANIZATION_CONTEXT_REQUIRED"
)

// Error is a typed domain error carrying the taxonomy code and optional
// structured details for the response payload.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches errors by taxonomy code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New builds a typed error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around a cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured details, returning the error for
// chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the taxonomy code from an error chain, or empty when the
// error is untyped.
func CodeOf(err error) Code {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
