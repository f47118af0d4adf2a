// Package errors provides the coded error type shared by the approvals
// service. Every error that crosses a package boundary carries an ErrCode so
// transports can map it to a status without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-exported so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// ErrCode classifies an error.
type ErrCode string

const (
	ErrCodeInternal     ErrCode = "INTERNAL"
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeInvalidInput ErrCode = "INVALID_INPUT"
	ErrCodeConflict     ErrCode = "CONFLICT"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"

	// Engine error kinds.
	ErrCodeValidationFailed      ErrCode = "VALIDATION_FAILED"
	ErrCodeDuplicateInFlight     ErrCode = "DUPLICATE_IN_FLIGHT"
	ErrCodeNotAuthorized         ErrCode = "NOT_AUTHORIZED"
	ErrCodeIllegalDecision       ErrCode = "ILLEGAL_DECISION"
	ErrCodeInvalidState          ErrCode = "INVALID_STATE"
	ErrCodeWorkflowMisconfigured ErrCode = "WORKFLOW_MISCONFIGURED"
	ErrCodeWorkflowNotFound      ErrCode = "WORKFLOW_NOT_FOUND"
	ErrCodeWorkflowInactive      ErrCode = "WORKFLOW_INACTIVE"
)

// Error is a coded error with optional structured details.
type Error struct {
	Code    ErrCode
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error.
func New(code ErrCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code ErrCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code ErrCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s not found: %s", resource, id).WithDetail("resource", resource)
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message).WithDetail("field", field)
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries code.
func HasCode(err error, code ErrCode) bool {
	return err != nil && CodeOf(err) == code
}

// DetailOf returns a detail value from the outermost *Error in err's chain.
func DetailOf(err error, key string) string {
	var e *Error
	if errors.As(err, &e) && e.Details != nil {
		return e.Details[key]
	}
	return ""
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code ErrCode) int {
	switch code {
	case ErrCodeNotFound, ErrCodeWorkflowNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput, ErrCodeValidationFailed, ErrCodeIllegalDecision:
		return http.StatusUnprocessableEntity
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotAuthorized:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeDuplicateInFlight, ErrCodeInvalidState, ErrCodeWorkflowInactive:
		return http.StatusConflict
	case ErrCodeWorkflowMisconfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
