// Package errors provides error codes and the core error type shared by every
// runtime component. This is a leaf package with no internal dependencies,
// designed to be imported by the lock, session, storage, snapshot, access,
// conflict, and coordinator packages without causing circular imports.
//
// Import graph: errors <- {lock, session, storage, snapshot, access, conflict} <- coordinator
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the kind of error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the requested resource does not exist
	// (document, session, lock, conflict, snapshot, invitation, share link).
	ErrNotFound ErrorCode = iota + 1

	// ErrPermissionDenied indicates the user lacks the required permission
	// bits for the operation.
	ErrPermissionDenied

	// ErrLockViolation indicates an edit was attempted while a conflicting
	// lock is held by another user.
	ErrLockViolation

	// ErrVersionMismatch indicates the operation's base version does not
	// match the document's current version.
	ErrVersionMismatch

	// ErrCapacityExceeded indicates a per-user, per-document, or per-session
	// cap was hit (lock caps, session caps, document caps, queue depth).
	ErrCapacityExceeded

	// ErrStorageFull indicates the storage backend rejected a write because
	// a size limit would be exceeded.
	ErrStorageFull

	// ErrTimeout indicates a bounded wait expired (lock queue wait,
	// conflict resolution).
	ErrTimeout

	// ErrCorruption indicates stored bytes failed checksum verification.
	ErrCorruption

	// ErrInvalidArgument indicates malformed input: a negative range,
	// an empty identifier where one is required, an unknown enum value.
	ErrInvalidArgument

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists

	// ErrConflict indicates the operation collided with a recorded conflict
	// that is not yet resolved.
	ErrConflict

	// ErrNotSupported indicates the operation is not supported by the
	// backend or component implementation.
	ErrNotSupported

	// ErrInternal indicates an unexpected internal failure (storage I/O,
	// encoding) not covered by a more specific code.
	ErrInternal
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrLockViolation:
		return "LockViolation"
	case ErrVersionMismatch:
		return "VersionMismatch"
	case ErrCapacityExceeded:
		return "CapacityExceeded"
	case ErrStorageFull:
		return "StorageFull"
	case ErrTimeout:
		return "Timeout"
	case ErrCorruption:
		return "Corruption"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrAlreadyExists:
		return "AlreadyExists"
	case ErrConflict:
		return "Conflict"
	case ErrNotSupported:
		return "NotSupported"
	case ErrInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// CoreError is the error type returned by all runtime components.
//
// Resource identifies what the error is about (a document id, session id,
// lock id, snapshot id, or storage key) and may be empty.
type CoreError struct {
	Code     ErrorCode
	Message  string
	Resource string

	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Resource)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CoreError with the same code.
// This lets callers match on sentinel-style values:
//
//	errors.Is(err, &CoreError{Code: ErrNotFound})
func (e *CoreError) Is(target error) bool {
	var ce *CoreError
	if !errors.As(target, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// New creates a CoreError with the given code and message.
func New(code ErrorCode, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf creates a CoreError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a CoreError that wraps cause.
func Wrap(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{Code: code, Message: message, Cause: cause}
}

// ============================================================================
// Generic Factory Functions
// ============================================================================

// NewNotFoundError creates a NotFound error for the named resource type.
func NewNotFoundError(resourceType, id string) *CoreError {
	return &CoreError{
		Code:     ErrNotFound,
		Message:  fmt.Sprintf("%s not found", resourceType),
		Resource: id,
	}
}

// NewPermissionDeniedError creates a PermissionDenied error.
func NewPermissionDeniedError(reason string) *CoreError {
	if reason == "" {
		reason = "permission denied"
	}
	return &CoreError{Code: ErrPermissionDenied, Message: reason}
}

// NewCapacityExceededError creates a CapacityExceeded error.
func NewCapacityExceededError(what string, limit int) *CoreError {
	return &CoreError{
		Code:    ErrCapacityExceeded,
		Message: fmt.Sprintf("%s limit exceeded (max %d)", what, limit),
	}
}

// NewTimeoutError creates a Timeout error.
func NewTimeoutError(what string) *CoreError {
	return &CoreError{Code: ErrTimeout, Message: fmt.Sprintf("%s timed out", what)}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(message string) *CoreError {
	return &CoreError{Code: ErrInvalidArgument, Message: message}
}

// ============================================================================
// Code Predicates
// ============================================================================

// CodeOf returns the ErrorCode carried by err, or 0 if err is not a CoreError.
func CodeOf(err error) ErrorCode {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// IsNotFound reports whether err carries ErrNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }

// IsPermissionDenied reports whether err carries ErrPermissionDenied.
func IsPermissionDenied(err error) bool { return CodeOf(err) == ErrPermissionDenied }

// IsLockViolation reports whether err carries ErrLockViolation.
func IsLockViolation(err error) bool { return CodeOf(err) == ErrLockViolation }

// IsVersionMismatch reports whether err carries ErrVersionMismatch.
func IsVersionMismatch(err error) bool { return CodeOf(err) == ErrVersionMismatch }

// IsCapacityExceeded reports whether err carries ErrCapacityExceeded.
func IsCapacityExceeded(err error) bool { return CodeOf(err) == ErrCapacityExceeded }

// IsStorageFull reports whether err carries ErrStorageFull.
func IsStorageFull(err error) bool { return CodeOf(err) == ErrStorageFull }

// IsTimeout reports whether err carries ErrTimeout.
func IsTimeout(err error) bool { return CodeOf(err) == ErrTimeout }

// IsCorruption reports whether err carries ErrCorruption.
func IsCorruption(err error) bool { return CodeOf(err) == ErrCorruption }

// IsInvalidArgument reports whether err carries ErrInvalidArgument.
func IsInvalidArgument(err error) bool { return CodeOf(err) == ErrInvalidArgument }

// IsAlreadyExists reports whether err carries ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return CodeOf(err) == ErrAlreadyExists }
