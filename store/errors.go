package store

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a domain failure. The request-handling layer maps
// codes to transport status codes; processors use them to decide between
// swallowing, retrying, and failing a batch.
type ErrorCode string

const (
	CodeEntityNotFound              ErrorCode = "ENTITY_NOT_FOUND"
	CodeEntityIsUndefined           ErrorCode = "ENTITY_IS_UNDEFINED"
	CodeEmailExists                 ErrorCode = "EMAIL_EXISTS"
	CodeUniqueValueExists           ErrorCode = "UNIQUE_VALUE_EXISTS"
	CodeInvalidUniqueValueType      ErrorCode = "INVALID_UNIQUE_VALUE_TYPE"
	CodeMutualExists                ErrorCode = "MUTUAL_EXISTS"
	CodeMutualNotFound              ErrorCode = "MUTUAL_NOT_FOUND"
	CodeMutualIsUndefined           ErrorCode = "MUTUAL_IS_UNDEFINED"
	CodeInvalidMutual               ErrorCode = "INVALID_MUTUAL"
	CodeMutualLockConflict          ErrorCode = "MUTUAL_LOCK_CONFLICT"
	CodeRetryableMutualLockConflict ErrorCode = "RETRYABLE_MUTUAL_LOCK_CONFLICT"
	CodeMutualProcessorError        ErrorCode = "MUTUAL_PROCESSOR_ERROR"
	CodeTagIsUndefined              ErrorCode = "TAG_IS_UNDEFINED"
	CodeEntityIDIsUndefined         ErrorCode = "ENTITY_ID_IS_UNDEFINED"
	CodeTransactionFailed           ErrorCode = "TRANSACTION_FAILED"
	CodeConditionalCheckFailed      ErrorCode = "CONDITIONAL_CHECK_FAILED"
	CodeReplicationError            ErrorCode = "REPLICATION_ERROR"
	CodeInvalidQuery                ErrorCode = "INVALID_QUERY"
	CodeInvalidEntityType           ErrorCode = "INVALID_ENTITY_TYPE"
)

// Error is a coded domain error. Cause carries the underlying storage
// error for unwrapping; Context carries diagnostic values that must never
// leak to API consumers.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a coded error. context may be nil.
func NewError(code ErrorCode, message string, cause error, context map[string]any) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Context: context}
}

// IsCode reports whether err (or anything it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
