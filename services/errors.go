package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeInvalidState ErrorType = "invalid_state"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeExternal     ErrorType = "external"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Two domain errors match when they share type and
// message, so a sentinel matches every error built from it with Newf.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Newf derives a fresh error from a sentinel with a formatted explanation
// attached as the wrapped cause. The sentinel itself is never mutated.
func (e *DomainError) Newf(format string, args ...interface{}) *DomainError {
	return &DomainError{
		Type:    e.Type,
		Message: e.Message,
		Err:     fmt.Errorf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrTransactionNotFound = NewDomainError(ErrorTypeNotFound, "transaction not found", nil)
	ErrAuditEventNotFound  = NewDomainError(ErrorTypeNotFound, "audit event not found", nil)
	ErrSettlementNotFound  = NewDomainError(ErrorTypeNotFound, "settlement not found", nil)
	ErrPipelineNotFound    = NewDomainError(ErrorTypeNotFound, "pipeline not found", nil)

	// Validation Errors
	ErrInvalidInput       = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrUnknownSignerRole  = NewDomainError(ErrorTypeValidation, "unknown signer role", nil)
	ErrInvalidLedger      = NewDomainError(ErrorTypeValidation, "invalid ledger", nil)
	ErrInvalidAddress     = NewDomainError(ErrorTypeValidation, "invalid ledger address", nil)
	ErrBondRequired       = NewDomainError(ErrorTypeValidation, "no bond created, call CreateFundingBond first", nil)
	ErrInvalidAmount      = NewDomainError(ErrorTypeValidation, "invalid amount", nil)
	ErrSettlementRequired = NewDomainError(ErrorTypeValidation, "settlement parameters required", nil)

	// State Errors
	ErrInvalidTransition = NewDomainError(ErrorTypeInvalidState, "invalid status transition", nil)
	ErrLegAlreadyExecuted = NewDomainError(ErrorTypeInvalidState, "settlement leg already executed", nil)

	// Conflict Errors
	ErrDuplicateSigner = NewDomainError(ErrorTypeConflict, "signer already signed this transaction", nil)
	ErrDuplicateRole   = NewDomainError(ErrorTypeConflict, "Role already signed this transaction", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrForbidden    = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)

	// Internal Errors
	ErrInternal     = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrStorageError = NewDomainError(ErrorTypeInternal, "storage error", nil)

	// External Errors
	ErrLedgerClient = NewDomainError(ErrorTypeExternal, "ledger client error", nil)
	ErrEngine       = NewDomainError(ErrorTypeExternal, "domain engine error", nil)
)

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsInvalidStateError checks if an error is a rejected state transition
func IsInvalidStateError(err error) bool {
	return GetErrorType(err) == ErrorTypeInvalidState
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsExternalError checks if an error came from a ledger client or engine
func IsExternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeExternal
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error raised by a ledger client or domain engine.
// Errors that are already domain errors keep their classification.
func WrapExternal(message string, err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return NewDomainError(ErrorTypeExternal, message, err)
}
