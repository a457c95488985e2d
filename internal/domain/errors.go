package domain

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInvalidTransition ErrorType = "invalid_transition"
	ErrorTypeExecution         ErrorType = "execution"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeRateLimit         ErrorType = "rate_limit"
	ErrorTypeInternal          ErrorType = "internal"
)

// Error is the structured error carried across package boundaries; Details
// holds machine-readable context the API layer surfaces verbatim.
type Error struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e Error) Unwrap() error {
	return e.cause
}

var (
	ErrNotFound        = errors.New("resource not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotStarted      = errors.New("not started")
	ErrInvalidInput    = errors.New("invalid input")
)

func NewValidationError(subject, message string) Error {
	return Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Details: map[string]interface{}{"subject": subject},
		cause:   ErrInvalidInput,
	}
}

func NewNotFoundError(kind, id string) Error {
	return Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s %s not found", kind, id),
		Details: map[string]interface{}{"kind": kind, "id": id},
		cause:   ErrNotFound,
	}
}

func NewInvalidTransitionError(subject, from, to string) Error {
	return Error{
		Type:    ErrorTypeInvalidTransition,
		Message: fmt.Sprintf("%s cannot move from %s to %s", subject, from, to),
		Details: map[string]interface{}{"subject": subject, "from": from, "to": to},
	}
}

func NewExecutionError(nodeKey, message string, cause error) Error {
	return Error{
		Type:    ErrorTypeExecution,
		Message: message,
		Details: map[string]interface{}{"node": nodeKey},
		cause:   cause,
	}
}

func NewConflictError(message string) Error {
	return Error{
		Type:    ErrorTypeConflict,
		Message: message,
		cause:   ErrVersionConflict,
	}
}

func NewInternalError(op string, cause error) Error {
	msg := op
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", op, cause)
	}
	return Error{
		Type:    ErrorTypeInternal,
		Message: msg,
		Details: map[string]interface{}{"op": op},
		cause:   cause,
	}
}

func errorTypeIs(err error, t ErrorType) bool {
	var domainErr Error
	return errors.As(err, &domainErr) && domainErr.Type == t
}

func IsValidationError(err error) bool {
	return errorTypeIs(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return errorTypeIs(err, ErrorTypeNotFound) || errors.Is(err, ErrNotFound)
}

func IsInvalidTransitionError(err error) bool {
	return errorTypeIs(err, ErrorTypeInvalidTransition)
}

func IsExecutionError(err error) bool {
	return errorTypeIs(err, ErrorTypeExecution)
}

func IsConflictError(err error) bool {
	return errorTypeIs(err, ErrorTypeConflict) || errors.Is(err, ErrVersionConflict)
}
