package booking

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the booking engine.
var (
	ErrValidation           = errors.New("validation error")
	ErrSlotConflict         = errors.New("slot no longer available")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAlreadyReleased      = errors.New("escrow already released")
	ErrAlreadyProcessed     = errors.New("already processed")
	ErrUpstreamFailure      = errors.New("upstream failure")
	ErrWalletFrozen         = errors.New("wallet frozen")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrEscrowStatusConflict = errors.New("escrow status conflict")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
