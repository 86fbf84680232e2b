// Package errors defines the coded error type shared by the service, data,
// and CLI layers, plus the translation of database failures into it.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an AppError for surface mapping. The admin CLI's exit
// behaviour and the run metrics error tags key off these values.
type ErrorCode string

const (
	ErrCodeNotFound   ErrorCode = "not_found"
	ErrCodeConflict   ErrorCode = "conflict"
	ErrCodeValidation ErrorCode = "validation"
	ErrCodeForeignKey ErrorCode = "foreign_key"
	ErrCodeInternal   ErrorCode = "internal"
	ErrCodeTimeout    ErrorCode = "timeout"
	ErrCodeCanceled   ErrorCode = "canceled"

	// ErrCodeQuota marks a tier limit being hit.
	ErrCodeQuota ErrorCode = "quota"
	// ErrCodeInvalidSchedule marks a schedule that cannot produce a usable
	// fire time.
	ErrCodeInvalidSchedule ErrorCode = "invalid_schedule"
)

// AppError carries a coded, human-readable error across layer boundaries.
// Cause participates in errors.Is / errors.As chains; Field names the input
// field at fault for validation and constraint errors.
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Field   string
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func coded(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// NotFound builds a not_found error.
func NotFound(message string) *AppError { return coded(ErrCodeNotFound, message) }

// Conflict builds a conflict error.
func Conflict(message string) *AppError { return coded(ErrCodeConflict, message) }

// Validation builds a validation error.
func Validation(message string) *AppError { return coded(ErrCodeValidation, message) }

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return coded(ErrCodeValidation, fmt.Sprintf(format, args...))
}

// Quotaf builds a quota error. The message must name the limit so the caller
// can surface a stable, actionable string.
func Quotaf(format string, args ...any) *AppError {
	return coded(ErrCodeQuota, fmt.Sprintf(format, args...))
}

// InvalidSchedule builds an invalid_schedule error wrapping the cron failure.
func InvalidSchedule(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeInvalidSchedule, Message: message, Cause: cause}
}

func as(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

func isCode(err error, code ErrorCode) bool {
	appErr := as(err)
	return appErr != nil && appErr.Code == code
}

// IsNotFound reports whether err carries the not_found code.
func IsNotFound(err error) bool { return isCode(err, ErrCodeNotFound) }

// IsConflict reports whether err carries the conflict code.
func IsConflict(err error) bool { return isCode(err, ErrCodeConflict) }

// IsValidation reports whether err carries the validation code.
func IsValidation(err error) bool { return isCode(err, ErrCodeValidation) }

// IsForeignKey reports whether err carries the foreign_key code.
func IsForeignKey(err error) bool { return isCode(err, ErrCodeForeignKey) }

// IsInternal reports whether err carries the internal code.
func IsInternal(err error) bool { return isCode(err, ErrCodeInternal) }

// IsQuota reports whether err carries the quota code.
func IsQuota(err error) bool { return isCode(err, ErrCodeQuota) }

// IsInvalidSchedule reports whether err carries the invalid_schedule code.
func IsInvalidSchedule(err error) bool { return isCode(err, ErrCodeInvalidSchedule) }

// IsTimeout reports whether err carries the timeout code.
func IsTimeout(err error) bool { return isCode(err, ErrCodeTimeout) }

// IsCanceled reports whether err carries the canceled code.
func IsCanceled(err error) bool { return isCode(err, ErrCodeCanceled) }

// GetCode extracts the code from err, or "" when it carries none.
func GetCode(err error) ErrorCode {
	if appErr := as(err); appErr != nil {
		return appErr.Code
	}
	return ""
}

// GetField extracts the at-fault field name from err, or "" when it carries none.
func GetField(err error) string {
	if appErr := as(err); appErr != nil {
		return appErr.Field
	}
	return ""
}
