// Package errs defines the failure taxonomy shared by the verification engine
// and the HTTP surface. Every error that crosses a component boundary is an
// *Error carrying a Kind and the structured detail a caller needs to render a
// precise message.
package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a failure.
type Kind string

const (
	InputValidation     Kind = "input_validation"
	InsufficientFunds   Kind = "insufficient_funds"
	UpstreamTransient   Kind = "upstream_transient"
	UpstreamRejected    Kind = "upstream_rejected"
	CircuitOpen         Kind = "circuit_open"
	InvariantViolation  Kind = "invariant_violation"
	NotFound            Kind = "not_found"
	ProviderUnavailable Kind = "provider_unavailable"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string

	// Field names the offending input for InputValidation.
	Field string
	// Required and Available are set for InsufficientFunds.
	Required  decimal.Decimal
	Available decimal.Decimal
	// RetryAfter hints when a CircuitOpen operation may be attempted again.
	RetryAfter time.Duration
	// Operation is the upstream operation for upstream and breaker failures.
	Operation string
	// Cause is the classified kind behind a ProviderUnavailable failure.
	Cause Kind
	// ProviderCode is the provider's own error code, when it gave one.
	ProviderCode string
	// SessionID references the verification session involved, if any.
	SessionID string
}

func (e *Error) Error() string {
	switch e.Kind {
	case InsufficientFunds:
		return fmt.Sprintf("%s: required %s, available %s", e.Kind, e.Required.StringFixed(2), e.Available.StringFixed(2))
	case CircuitOpen:
		return fmt.Sprintf("%s: %s (retry after %s)", e.Kind, e.Operation, e.RetryAfter)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches errors of the same kind so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Validation builds an InputValidation error for field.
func Validation(field, message string) *Error {
	return &Error{Kind: InputValidation, Field: field, Message: message}
}

// Insufficient builds an InsufficientFunds error.
func Insufficient(required, available decimal.Decimal) *Error {
	return &Error{Kind: InsufficientFunds, Required: required, Available: available}
}

// Invariant builds an InvariantViolation error.
func Invariant(format string, args ...any) *Error {
	return &Error{Kind: InvariantViolation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: NotFound, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the caller may simply try again later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case UpstreamTransient, CircuitOpen:
		return true
	}
	return false
}
