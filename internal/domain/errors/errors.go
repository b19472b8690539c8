package errors

import (
	"errors"
	"fmt"
)

var (
	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")

	// Access errors
	ErrUnauthorized  = errors.New("unauthorized")
	ErrAuthorization = errors.New("caller does not own the payment resource")

	// Gateway errors
	ErrServiceNotReady     = errors.New("payment gateway not ready")
	ErrProviderUnavailable = errors.New("payment gateway unavailable")
	ErrProviderRejected    = errors.New("payment rejected by gateway")
	ErrProviderTimeout     = errors.New("gateway request timeout")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrIntentNotFound      = errors.New("payment intent not found")

	// Payment errors
	ErrPaymentProcessing         = errors.New("payment processing failed")
	ErrPaymentConfirmationFailed = errors.New("payment confirmation failed")
	ErrPaymentCaptureFailed      = errors.New("payment capture failed")
	ErrPaymentNotSucceeded       = errors.New("payment has not succeeded")
	ErrConfirmationInProgress    = errors.New("payment confirmation already in progress")

	// Transaction errors
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrTransactionIncomplete   = errors.New("transaction has incomplete operations")
	ErrTransactionBegin        = errors.New("failed to begin transaction")
	ErrTransactionCommit       = errors.New("failed to commit transaction")
	ErrTransactionExpired      = errors.New("transaction expired")
	ErrRollbackOperationFailed = errors.New("rollback operation failed")

	// Webhook errors
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")
)

// Stable error codes returned to callers.
const (
	CodeValidation            = "validation_error"
	CodeAuthorization         = "forbidden"
	CodeServiceNotReady       = "service_not_ready"
	CodePaymentProcessing     = "payment_processing_failed"
	CodeConfirmationFailed    = "payment_confirmation_failed"
	CodeCaptureFailed         = "payment_capture_failed"
	CodePaymentNotSucceeded   = "payment_not_succeeded"
	CodeConfirmationBusy      = "confirmation_in_progress"
	CodeTransactionNotFound   = "transaction_not_found"
	CodeTransactionIncomplete = "transaction_incomplete"
	CodeTransactionBoundary   = "transaction_boundary"
	CodeRollbackFailed        = "rollback_operation_failed"
	CodeInvalidSignature      = "invalid_signature"
	CodeCircuitOpen           = "circuit_open"
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
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

// Wrap attaches a sentinel and its cause under a single code so that both
// errors.Is(err, sentinel) and errors.Is(err, cause) hold.
func Wrap(code string, sentinel, cause error) *DomainError {
	if cause == nil {
		return NewDomainError(code, sentinel.Error(), sentinel)
	}
	return NewDomainError(code, sentinel.Error(), &causeError{sentinel: sentinel, cause: cause})
}

// causeError reports only the cause but unwraps to both the cause and the sentinel.
type causeError struct {
	sentinel error
	cause    error
}

func (e *causeError) Error() string {
	return e.cause.Error()
}

func (e *causeError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}

// CodeOf returns the stable code carried by err, or "" when err carries none.
func CodeOf(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return CodeValidation
	}
	return ""
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
