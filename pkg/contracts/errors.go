package contracts

import (
	"fmt"
)

// ErrorType categorizes a lifecycle error for callers and the API layer.
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypePolicyDenied    ErrorType = "policy_denied"
	ErrorTypeStateConflict   ErrorType = "state_conflict"
	ErrorTypeExecutionFailed ErrorType = "execution_failed"
	ErrorTypeExpired         ErrorType = "expired"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeInternal        ErrorType = "internal"
)

// DomainError is the structured error every lifecycle operation returns.
// Type drives both the caller's handling and the HTTP mapping; Details carry
// machine-readable context such as the offending field or the conflicting
// status.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on error type so callers can test categories with errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail attaches one context value and returns the error for chaining.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError builds a DomainError wrapping an optional cause.
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

var (
	ErrActionNotFound      = NewDomainError(ErrorTypeNotFound, "action not found", nil)
	ErrRunNotFound         = NewDomainError(ErrorTypeNotFound, "action run not found", nil)
	ErrProfileNotFound     = NewDomainError(ErrorTypeNotFound, "capability profile not found", nil)
	ErrAttestationNotFound = NewDomainError(ErrorTypeNotFound, "attestation not found", nil)

	ErrUnknownActionType = NewDomainError(ErrorTypeValidation, "unknown action type", nil)

	ErrPolicyDenied = NewDomainError(ErrorTypePolicyDenied, "action denied by policy", nil)

	ErrStateConflict   = NewDomainError(ErrorTypeStateConflict, "lifecycle state does not permit this transition", nil)
	ErrExecutionLocked = NewDomainError(ErrorTypeStateConflict, "another run is already in progress for this action", nil)

	ErrApprovalExpired = NewDomainError(ErrorTypeExpired, "approval window elapsed", nil)

	ErrApproverRole = NewDomainError(ErrorTypeForbidden, "identity lacks a required approver role", nil)
)

// StateConflict builds the conflict error for an illegal transition attempt,
// carrying both statuses as details.
func StateConflict(from, to ActionStatus) *DomainError {
	return NewDomainError(
		ErrorTypeStateConflict,
		fmt.Sprintf("cannot transition from %s to %s", from, to),
		nil,
	).WithDetail("from", string(from)).WithDetail("to", string(to))
}
