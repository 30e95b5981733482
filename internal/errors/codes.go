package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors, surfaced to interactive callers
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeUnauthorized    ErrorCode = 1001
	ErrCodeNotFound        ErrorCode = 1002

	// Server errors, handled inside the schedulers
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeTransient   ErrorCode = 2001
	ErrCodeIndexPush   ErrorCode = 2002
	ErrCodeConsistency ErrorCode = 2003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:              "ok",
	ErrCodeInvalidArgument: "invalid_argument",
	ErrCodeUnauthorized:    "unauthorized",
	ErrCodeNotFound:        "not_found",
	ErrCodeInternal:        "internal",
	ErrCodeTransient:       "transient",
	ErrCodeIndexPush:       "index_push",
	ErrCodeConsistency:     "consistency",
}

// String returns the metric/log label of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// StoreError represents a structured error with code and context
type StoreError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the next scheduled run may succeed where this one failed
func (e *StoreError) Retryable() bool {
	return e.Code == ErrCodeTransient || e.Code == ErrCodeIndexPush
}

// NewStoreError creates a new StoreError
func NewStoreError(code ErrorCode, message string, cause error) *StoreError {
	return &StoreError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInvalidArgument, message, cause)
}

// Unauthorized reports the acl keys the principals lacked a permission on.
func Unauthorized(aclKeys []string, permission string) *StoreError {
	return NewStoreError(ErrCodeUnauthorized,
		fmt.Sprintf("insufficient %s permission on %s", permission, strings.Join(aclKeys, ", ")), nil).
		WithDetail("acl_keys", aclKeys).
		WithDetail("permission", permission)
}

func NotFound(kind, id string) *StoreError {
	return NewStoreError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", kind, id), nil).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

func InternalError(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeInternal, message, cause)
}

func Transient(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeTransient, message, cause)
}

func IndexPushFailed(message string, cause error) *StoreError {
	return NewStoreError(ErrCodeIndexPush, message, cause)
}

// Inconsistent reports related tables disagreeing about the same id set.
func Inconsistent(message string, expected, actual int) *StoreError {
	return NewStoreError(ErrCodeConsistency,
		fmt.Sprintf("%s: expected %d, got %d", message, expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// IsStoreError checks if an error is a StoreError
func IsStoreError(err error) bool {
	var se *StoreError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}
