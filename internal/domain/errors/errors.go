package errors

import (
	"errors"
	"fmt"
)

var (
	// Connection errors
	ErrNotConnected              = errors.New("gateway is not connected")
	ErrReauthorizationRequired   = errors.New("refresh token rejected, reauthorization required")
	ErrInvalidState              = errors.New("authorization state mismatch")
	ErrUserDeclinedAuthorization = errors.New("user declined authorization")

	// Provider errors
	ErrProviderError = errors.New("unexpected provider response")
	ErrTimeout       = errors.New("provider request timeout")

	// Payment errors
	ErrPaymentFailed          = errors.New("payment failed")
	ErrRefundRejected         = errors.New("refund rejected by provider")
	ErrMissingCharge          = errors.New("missing charge id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
