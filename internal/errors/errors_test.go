package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorError(t *testing.T) {
	plain := &AppError{Code: ErrCodeNotFound, Message: "resource not found"}
	if got := plain.Error(); got != "resource not found" {
		t.Errorf("Error() = %q, want message only", got)
	}

	caused := &AppError{Code: ErrCodeInternal, Message: "failed to process", Cause: errors.New("underlying error")}
	if got := caused.Error(); got != "failed to process: underlying error" {
		t.Errorf("Error() = %q, want message with cause", got)
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &AppError{Code: ErrCodeInternal, Message: "wrapped", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}
	if GetCode(fmt.Errorf("outer: %w", err)) != ErrCodeInternal {
		t.Error("GetCode should see through fmt.Errorf wrapping")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		err     *AppError
		code    ErrorCode
		message string
	}{
		{"NotFound", NotFound("resource not found"), ErrCodeNotFound, "resource not found"},
		{"Conflict", Conflict("resource already exists"), ErrCodeConflict, "resource already exists"},
		{"Validation", Validation("invalid input"), ErrCodeValidation, "invalid input"},
		{"Validationf", Validationf("interval must be at least %dms", 1000), ErrCodeValidation, "interval must be at least 1000ms"},
		{"Quotaf", Quotaf("tier allows at most %d endpoints per job", 10), ErrCodeQuota, "tier allows at most 10 endpoints per job"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.Message != tt.message {
				t.Errorf("Message = %q, want %q", tt.err.Message, tt.message)
			}
		})
	}
}

func TestInvalidScheduleWrapsCause(t *testing.T) {
	cause := errors.New("bad cron expression")
	err := InvalidSchedule("schedule cannot be computed", cause)
	if err.Code != ErrCodeInvalidSchedule {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidSchedule)
	}
	if !errors.Is(err, cause) {
		t.Error("InvalidSchedule should wrap its cause")
	}
}

func TestCodePredicates(t *testing.T) {
	predicates := []struct {
		name  string
		fn    func(error) bool
		match error
	}{
		{"IsNotFound", IsNotFound, NotFound("missing")},
		{"IsConflict", IsConflict, Conflict("duplicate")},
		{"IsValidation", IsValidation, &AppError{Code: ErrCodeValidation, Message: "invalid", Field: "email"}},
		{"IsForeignKey", IsForeignKey, &AppError{Code: ErrCodeForeignKey, Message: "dangling reference"}},
		{"IsInternal", IsInternal, &AppError{Code: ErrCodeInternal, Message: "broken"}},
		{"IsQuota", IsQuota, Quotaf("limit reached")},
		{"IsInvalidSchedule", IsInvalidSchedule, InvalidSchedule("no future occurrence", errors.New("horizon exceeded"))},
		{"IsTimeout", IsTimeout, &AppError{Code: ErrCodeTimeout, Message: "timed out"}},
		{"IsCanceled", IsCanceled, &AppError{Code: ErrCodeCanceled, Message: "canceled"}},
	}

	for _, tt := range predicates {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.fn(tt.match) {
				t.Error("should match its own code")
			}
			if !tt.fn(fmt.Errorf("layered: %w", tt.match)) {
				t.Error("should match through wrapping")
			}
			if tt.fn(errors.New("plain failure")) {
				t.Error("should reject a non-coded error")
			}
			if tt.fn(nil) {
				t.Error("should reject nil")
			}
		})
	}

	// Codes must not cross-match.
	if IsNotFound(Conflict("duplicate")) {
		t.Error("IsNotFound should reject a conflict error")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(NotFound("missing")); got != ErrCodeNotFound {
		t.Errorf("GetCode() = %v, want %v", got, ErrCodeNotFound)
	}
	if got := GetCode(errors.New("plain")); got != "" {
		t.Errorf("GetCode() = %v, want empty for non-coded error", got)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode() = %v, want empty for nil", got)
	}
}

func TestGetField(t *testing.T) {
	fielded := &AppError{Code: ErrCodeValidation, Message: "invalid", Field: "email"}
	if got := GetField(fielded); got != "email" {
		t.Errorf("GetField() = %q, want %q", got, "email")
	}
	if got := GetField(NotFound("missing")); got != "" {
		t.Errorf("GetField() = %q, want empty when no field set", got)
	}
	if got := GetField(nil); got != "" {
		t.Errorf("GetField() = %q, want empty for nil", got)
	}
}
