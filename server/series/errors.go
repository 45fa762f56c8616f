package series

import (
	"errors"
	"fmt"

	"github.com/zaman-cal/seriesd/server/storage"
)

// ErrorType classifies controller failures.
type ErrorType string

const (
	ErrLocked              ErrorType = "locked"
	ErrScopeMismatch       ErrorType = "scope_mismatch"
	ErrMissingInstanceDate ErrorType = "missing_instance_date"
	ErrRegeneration        ErrorType = "regeneration"
	ErrPermissionDenied    ErrorType = "permission_denied"
	ErrInvalidInput        ErrorType = "invalid_input"
	ErrNotFound            ErrorType = "not_found"
	ErrVersionConflict     ErrorType = "version_conflict"
	ErrInvalidTransition   ErrorType = "invalid_transition"
)

// Error is returned by every Controller operation.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsErrorType reports whether err is a series *Error of type t.
func IsErrorType(err error, t ErrorType) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == t
}

func newError(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

func wrapError(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// fromStorage translates a storage failure. Errors already typed by this
// package pass through.
func fromStorage(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case storage.IsErrorType(err, storage.ErrNotFound):
		return wrapError(ErrNotFound, err, format, args...)
	case storage.IsErrorType(err, storage.ErrConflict):
		return wrapError(ErrVersionConflict, err, format, args...)
	case storage.IsErrorType(err, storage.ErrInvalidInput), storage.IsErrorType(err, storage.ErrAlreadyExists):
		return wrapError(ErrInvalidInput, err, format, args...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
