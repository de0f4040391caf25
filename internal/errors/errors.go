// Package errors provides the error taxonomy shared by the store, importer and sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure independently of its message.
type ErrorCode string

const (
	// General errors
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrValidation    ErrorCode = "VALIDATION_ERROR"
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Storage errors
	ErrStorage           ErrorCode = "STORAGE_ERROR"
	ErrMigration         ErrorCode = "MIGRATION_FAILED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// Sync errors
	ErrConnectivity     ErrorCode = "CONNECTIVITY_ERROR"
	ErrProtocol         ErrorCode = "PROTOCOL_ERROR"
	ErrConflictStrategy ErrorCode = "CONFLICT_STRATEGY_UNKNOWN"
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"

	// Import / export errors
	ErrImportFailed ErrorCode = "IMPORT_FAILED"
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsConnectivity reports whether err signals a transient loss of connectivity.
func IsConnectivity(err error) bool {
	return Is(err, ErrConnectivity)
}

// IsProtocol reports whether the remote authority explicitly rejected a request.
func IsProtocol(err error) bool {
	return Is(err, ErrProtocol)
}

// Storage wraps a local store failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}
