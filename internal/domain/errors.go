package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID     = "invalid"                 // Invalid input or validation failure
	ENOTFOUND    = "not_found"               // Record not found
	ECONFLICT    = "conflict"                // Record conflict (e.g., duplicate)
	ETOOLARGE    = "too_large"               // Payload too large
	EINTERNAL    = "internal"                // Internal error
	EUNAVAILABLE = "storage_unavailable"     // Local durable store cannot be read or written
	ETRANSIENT   = "network_transient"       // Network failure worth retrying
	EREJECTED    = "server_rejected"         // Server refused the mutation, do not retry
	EMISMATCH    = "reconciliation_mismatch" // Server mapping names an unknown local photo
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "localstore.put_report")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code == EINTERNAL {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// Convenience constructors

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s with ID %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(op, message string) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: message,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// StorageUnavailable reports that the local durable store failed.
// Autosave treats it as fatal and surfaces a warning.
func StorageUnavailable(err error, op string) *Error {
	return &Error{
		Code:    EUNAVAILABLE,
		Op:      op,
		Message: "local storage is unavailable",
		Err:     err,
	}
}

// Transient wraps a network failure that should be retried with backoff.
func Transient(err error, op, message string) *Error {
	return &Error{
		Code:    ETRANSIENT,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Rejected creates an explicit server rejection carrying the server's reason.
func Rejected(op, reason string) *Error {
	return &Error{
		Code:    EREJECTED,
		Op:      op,
		Message: reason,
	}
}

// ReconciliationMismatch reports a server mapping for a photo the client does not know.
func ReconciliationMismatch(op, localPhotoID string) *Error {
	return &Error{
		Code:    EMISMATCH,
		Op:      op,
		Message: fmt.Sprintf("no local photo %q to reconcile", localPhotoID),
	}
}

// IsStorageUnavailable reports whether err carries EUNAVAILABLE.
func IsStorageUnavailable(err error) bool { return ErrorCode(err) == EUNAVAILABLE }

// IsTransient reports whether err carries ETRANSIENT.
func IsTransient(err error) bool { return ErrorCode(err) == ETRANSIENT }

// IsRejected reports whether err carries EREJECTED.
func IsRejected(err error) bool { return ErrorCode(err) == EREJECTED }

// IsNotFound reports whether err carries ENOTFOUND.
func IsNotFound(err error) bool { return ErrorCode(err) == ENOTFOUND }

// ValidationError represents field-level validation errors.
type ValidationError struct {
	Op     string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: validation failed", e.Op)
}

// NewValidationError creates a new validation error with the first field error.
func NewValidationError(op, field, message string) *ValidationError {
	return &ValidationError{
		Op: op,
		Fields: map[string]string{
			field: message,
		},
	}
}

// AddFieldError adds a field error to an existing validation error.
// If err is not a ValidationError, returns a new one.
func AddFieldError(err error, field, message string) *ValidationError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.Fields[field] = message
		return ve
	}
	return NewValidationError("", field, message)
}
