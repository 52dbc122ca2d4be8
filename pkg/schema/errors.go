package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeDuplicateParameter = "DUPLICATE_PARAMETER"
	ErrCodeUnknownParameter   = "UNKNOWN_PARAMETER"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeEvaluation         = "EVALUATION_ERROR"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeSequenceExhausted  = "SEQUENCE_EXHAUSTED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeStore              = "STORE_ERROR"
)

// TrialError is the structured error type for all trialctx operations.
type TrialError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Parameter string         `json:"parameter,omitempty"`
	Cycle     []string       `json:"cycle,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *TrialError) Error() string {
	if e.Parameter != "" {
		return fmt.Sprintf("[%s] parameter %s: %s", e.Code, e.Parameter, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TrialError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TrialError.
func NewError(code, message string) *TrialError {
	return &TrialError{Code: code, Message: message}
}

// NewErrorf creates a new TrialError with a formatted message.
func NewErrorf(code, format string, args ...any) *TrialError {
	return &TrialError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithParameter attaches the offending parameter name to the error.
func (e *TrialError) WithParameter(name string) *TrialError {
	e.Parameter = name
	return e
}

// WithCycle attaches the ordered dependency cycle to the error.
func (e *TrialError) WithCycle(cycle []string) *TrialError {
	e.Cycle = cycle
	return e
}

// WithCause attaches an underlying cause.
func (e *TrialError) WithCause(err error) *TrialError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TrialError) WithDetails(details map[string]any) *TrialError {
	e.Details = details
	return e
}
