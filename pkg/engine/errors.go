package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and compensation logic.
type ErrorClass string

const (
	// ErrorClassRetryable indicates a transient failure that may succeed on retry.
	// Examples: network blips, eventual-consistency lag.
	ErrorClassRetryable ErrorClass = "retryable"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried like ErrorClassRetryable, usually with the longer cloud backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a uniqueness or policy violation.
	// Never retried, always fatal to the run.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassBusy indicates the target is already claimed by another run.
	// Fatal to the run, not to the resource.
	ErrorClassBusy ErrorClass = "busy"

	// ErrorClassPermanent indicates a non-recoverable error in forward execution.
	// Examples: invalid parameters, permission denied, missing prerequisites.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassIrrecoverable indicates a compensation itself failed.
	// Recorded on the run; it does not stop the rest of the compensation sweep.
	ErrorClassIrrecoverable ErrorClass = "irrecoverable"
)

// ErrRunNotFound is returned by run stores when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Conflicts lists the conflicting fields or entities of a conflict error.
	Conflicts []string `json:"conflicts,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	}
	if len(e.Conflicts) > 0 {
		fmt.Fprintf(&b, " conflicts=[%s]", strings.Join(e.Conflicts, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassRetryable,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Code:    ErrCodeRateLimited,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error carrying the conflict list.
func NewConflictError(message string, conflicts []string) *EngineError {
	return &EngineError{
		Class:     ErrorClassConflict,
		Message:   message,
		Code:      ErrCodeConflict,
		Conflicts: conflicts,
	}
}

// NewBusyError creates an error reporting that another run owns the target.
func NewBusyError(resource, owner string) *EngineError {
	e := &EngineError{
		Class:    ErrorClassBusy,
		Message:  "resource busy",
		Code:     ErrCodeBusy,
		Resource: resource,
	}
	if owner != "" {
		e.WithDetail("owning_run_id", owner)
	}
	return e
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewIrrecoverableError creates an error for a failed compensation.
func NewIrrecoverableError(stage string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassIrrecoverable,
		Message:   "compensation failed",
		Code:      ErrCodeCompensationFailed,
		Operation: stage,
		Err:       err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsBusy returns true if the error reports a target owned by another run.
func IsBusy(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassBusy
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsIrrecoverable returns true if the error records a failed compensation.
func IsIrrecoverable(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassIrrecoverable
}

// IsRetryable returns true if the error can be retried.
// Only retryable and throttled errors are; conflicts and busy targets never are.
func IsRetryable(err error) bool {
	c, ok := classOf(err)
	return ok && (c == ErrorClassRetryable || c == ErrorClassThrottled)
}

// ConflictsOf returns the conflict list carried by err, if any.
func ConflictsOf(err error) []string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Conflicts
	}
	return nil
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeBusy               = "RESOURCE_BUSY"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeProviderFailed     = "PROVIDER_FAILED"
	ErrCodeRetriesExhausted   = "RETRIES_EXHAUSTED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeStageMismatch      = "STAGE_MISMATCH"
	ErrCodeInvalidState       = "INVALID_STATE"
)
