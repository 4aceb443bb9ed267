package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidDefinition   = "INVALID_DEFINITION"
	ErrCodeDagValidation       = "DAG_VALIDATION"
	ErrCodeStepExecutionFailed = "STEP_EXECUTION_FAILED"
	ErrCodeAlreadyRunning      = "ALREADY_RUNNING"
	ErrCodeNotRunning          = "NOT_RUNNING"
	ErrCodeApprovalTimeout     = "APPROVAL_TIMEOUT"
	ErrCodeApprovalDenied      = "APPROVAL_DENIED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeSerialization       = "SERIALIZATION"
	ErrCodeCore                = "CORE"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// nonRetryableCodes are failures a retry cannot fix.
var nonRetryableCodes = map[string]bool{
	ErrCodeNotFound:          true,
	ErrCodeInvalidDefinition: true,
	ErrCodeDagValidation:     true,
	ErrCodeValidation:        true,
	ErrCodeApprovalDenied:    true,
	ErrCodeApprovalTimeout:   true,
	ErrCodeSerialization:     true,
	ErrCodeCancelled:         true,
	ErrCodeCircuitOpen:       true,
	ErrCodeActionUnavailable: true,
	ErrCodeInvalidTransition: true,
}

// OpflowError is the structured error type for all opflow operations.
type OpflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OpflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OpflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on another attempt.
func (e *OpflowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new OpflowError.
func NewError(code, message string) *OpflowError {
	return &OpflowError{Code: code, Message: message}
}

// NewErrorf creates a new OpflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *OpflowError {
	return &OpflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *OpflowError) WithStep(stepID string) *OpflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *OpflowError) WithCause(err error) *OpflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OpflowError) WithDetails(details map[string]any) *OpflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the outermost OpflowError in err's chain, or "".
func CodeOf(err error) string {
	var oe *OpflowError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsCode reports whether any OpflowError in err's chain carries code.
func IsCode(err error, code string) bool {
	for err != nil {
		var oe *OpflowError
		if !errors.As(err, &oe) {
			return false
		}
		if oe.Code == code {
			return true
		}
		err = oe.Cause
	}
	return false
}

// StepExecutionFailed builds the error produced once a step exhausts its attempts.
func StepExecutionFailed(stepID, reason string, attempts int, cause error) *OpflowError {
	return NewErrorf(ErrCodeStepExecutionFailed, "step %q failed: %s", stepID, reason).
		WithStep(stepID).
		WithCause(cause).
		WithDetails(map[string]any{"step_id": stepID, "reason": reason, "attempts": attempts})
}
