package errors

import (
	"errors"
	"fmt"
)

// AppError represents a structured application error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a bare sentinel carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || t.Cause != nil {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   err,
		}
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// GetCode returns the error code if it's an AppError, otherwise returns "UNKNOWN"
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

// Predefined error codes
const (
	CodeConfigInvalid      = "CONFIG_INVALID"
	CodeInsufficientData   = "INSUFFICIENT_DATA"
	CodeSingularCovariance = "SINGULAR_COVARIANCE"
	CodeInvalidShape       = "INVALID_SHAPE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching.
var (
	ErrConfigInvalid      = New(CodeConfigInvalid, "invalid configuration")
	ErrInsufficientData   = New(CodeInsufficientData, "insufficient data")
	ErrSingularCovariance = New(CodeSingularCovariance, "singular covariance")
	ErrInvalidShape       = New(CodeInvalidShape, "invalid shape")
)

func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

// InsufficientData is fatal for the fit attempt that raised it.
func InsufficientData(format string, args ...interface{}) *AppError {
	return New(CodeInsufficientData, fmt.Sprintf(format, args...))
}

func SingularCovariance(format string, args ...interface{}) *AppError {
	return New(CodeSingularCovariance, fmt.Sprintf(format, args...))
}

func InvalidShape(format string, args ...interface{}) *AppError {
	return New(CodeInvalidShape, fmt.Sprintf(format, args...))
}
