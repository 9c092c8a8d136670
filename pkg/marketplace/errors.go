package marketplace

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by the wallet adapter, the course store and the
// enrollment coordinator.
var (
	ErrWalletUnavailable                   = errors.New("wallet unavailable")
	ErrUserRejected                        = errors.New("user rejected")
	ErrInsufficientFunds                   = errors.New("insufficient funds")
	ErrPaymentFailed                       = errors.New("payment failed")
	ErrPaymentTimeout                      = fmt.Errorf("%w: payment timeout", ErrPaymentFailed)
	ErrValidation                          = errors.New("validation error")
	ErrServerRejected                      = errors.New("server rejected")
	ErrServerUnreachable                   = errors.New("server unreachable")
	ErrEnrollmentInProgress                = errors.New("enrollment in progress")
	ErrEnrollmentConflict                  = errors.New("already enrolled")
	ErrEnrollmentNeedsManualReconciliation = errors.New("enrollment needs manual reconciliation")
)

// Input validation errors. Each one is also an ErrValidation.
var (
	ErrInvalidCourseID         = fmt.Errorf("%w: invalid course id", ErrValidation)
	ErrInvalidStudentID        = fmt.Errorf("%w: invalid student id", ErrValidation)
	ErrInvalidPaymentReference = fmt.Errorf("%w: invalid payment reference", ErrValidation)
	ErrInvalidAmount           = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidCourseStatus     = fmt.Errorf("%w: invalid course status", ErrValidation)
	ErrInvalidLessonType       = fmt.Errorf("%w: invalid lesson type", ErrValidation)
	ErrMissingRequiredField    = fmt.Errorf("%w: missing required field", ErrValidation)
	ErrCourseNotEnrollable     = fmt.Errorf("%w: course is not active", ErrValidation)
	ErrUnknownCourse           = fmt.Errorf("%w: unknown course", ErrValidation)
	ErrInvalidConfig           = errors.New("invalid config")
	ErrCorruptCache            = errors.New("corrupt cache entry")
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

// IsTransient reports whether err is worth retrying without user involvement.
func IsTransient(err error) bool {
	return errors.Is(err, ErrServerUnreachable)
}
