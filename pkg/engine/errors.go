package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary condition that clears on its own.
	// Examples: an object that is not yet available, a service still running.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates the request clashes with the current plan state.
	// Examples: pausing a plan that is not running, deleting a running plan.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid plan specification, permission denied, plan not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the plan or object the error concerns, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrorCode returns the code of the first EngineError in the chain.
func ErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodePlanNotFound      = "PLAN_NOT_FOUND"
	ErrCodePathNotFound      = "PATH_NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNoActivePath      = "NO_ACTIVE_PATH"
	ErrCodeInvalidFormat     = "INVALID_FORMAT"
	ErrCodeInvalidObject     = "INVALID_OBJECT"
	ErrCodeInvalidPath       = "INVALID_PATH"
	ErrCodeNoObjects         = "NO_OBJECTS"
	ErrCodeNoPath            = "NO_PATH"
	ErrCodeNotAuthorized     = "NOT_AUTHORIZED"
	ErrCodeUnavailable       = "OBJECT_UNAVAILABLE"
	ErrCodeServicePending    = "SERVICE_PENDING"
)

// Sentinel errors matched with errors.Is. Any EngineError with the same class
// and code compares equal.
var (
	ErrPlanNotFound      = NewPermanentError("plan not found", nil).WithCode(ErrCodePlanNotFound)
	ErrPathNotFound      = NewPermanentError("path not found", nil).WithCode(ErrCodePathNotFound)
	ErrInvalidTransition = NewConflictError("invalid plan transition", nil).WithCode(ErrCodeInvalidTransition)
	ErrNotAuthorized     = NewPermanentError("not authorized", nil).WithCode(ErrCodeNotAuthorized)
	ErrObjectUnavailable = NewTransientError("object not yet available", nil).WithCode(ErrCodeUnavailable)
)

// invalidTransition reports a state machine guard violation.
func invalidTransition(planID string, op string, status fmt.Stringer) *EngineError {
	return NewConflictError(fmt.Sprintf("cannot %s plan in status %s", op, status), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(planID).
		WithOperation(op)
}

// validationError reports a plan creation failure.
func validationError(code, message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(code).WithOperation("create")
}
