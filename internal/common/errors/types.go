// Package errors defines the typed error taxonomy shared by the router, the
// retry processor and the storage backends.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeLockContention means the per-lead lock could not be acquired in time.
	ErrTypeLockContention ErrorType = "lock_contention"
	// ErrTypeTransientStore means the store failed in a way worth retrying.
	ErrTypeTransientStore ErrorType = "transient_store"
	// ErrTypeDuplicateLead is informational; the lead's hash is already claimed.
	ErrTypeDuplicateLead ErrorType = "duplicate_lead"
	// ErrTypeNoMatchingRule means no active rule accepted the lead.
	ErrTypeNoMatchingRule ErrorType = "no_matching_rule"
	// ErrTypeMaxAttemptsExceeded is terminal for a queue entry.
	ErrTypeMaxAttemptsExceeded ErrorType = "max_attempts_exceeded"
	ErrTypeInvalidLead         ErrorType = "invalid_lead"
	ErrTypeInvalidRule         ErrorType = "invalid_rule"
	ErrTypeValidation          ErrorType = "validation"
	ErrTypeConfig              ErrorType = "config"
	ErrTypeNotFound            ErrorType = "not_found"
	ErrTypeConflict            ErrorType = "conflict"
	ErrTypeInternal            ErrorType = "internal"
)

// Retryable reports whether a failure of this type should go back on the queue.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrTypeLockContention, ErrTypeTransientStore, ErrTypeNoMatchingRule:
		return true
	default:
		return false
	}
}

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func newError(t ErrorType, msg string, cause error) *AppError {
	return &AppError{Type: t, Message: msg, Cause: cause}
}

// LockContentionError is returned when the lock on key stayed busy for every attempt
func LockContentionError(key string, attempts int) *AppError {
	return newError(ErrTypeLockContention, "lock busy", nil).
		WithContext("key", key).
		WithContext("attempts", attempts)
}

// TransientError wraps a retryable store or broker failure
func TransientError(op string, cause error) *AppError {
	return newError(ErrTypeTransientStore, op, cause)
}

// NoMatchingRuleError is returned when no active rule accepts a lead
func NoMatchingRuleError(leadID string) *AppError {
	return newError(ErrTypeNoMatchingRule, "no active rule matches lead", nil).WithContext("lead_id", leadID)
}

// MaxAttemptsError marks a queue entry that ran out of attempts
func MaxAttemptsError(leadID string, attempts int) *AppError {
	return newError(ErrTypeMaxAttemptsExceeded, "retry attempts exhausted", nil).
		WithContext("lead_id", leadID).
		WithContext("attempts", attempts)
}

// InvalidLeadError is returned when a lead fails routing preconditions
func InvalidLeadError(msg string) *AppError {
	return newError(ErrTypeInvalidLead, msg, nil)
}

// InvalidRuleError is returned when a rule cannot be loaded
func InvalidRuleError(msg string, cause error) *AppError {
	return newError(ErrTypeInvalidRule, msg, cause)
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return newError(ErrTypeValidation, msg, nil)
}

// ConfigError creates a new configuration error
func ConfigError(msg string) *AppError {
	return newError(ErrTypeConfig, msg, nil)
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return newError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// ConflictError reports a state transition that lost a race
func ConflictError(msg string) *AppError {
	return newError(ErrTypeConflict, msg, nil)
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return newError(ErrTypeInternal, msg, cause)
}

// IsType checks whether any error in err's chain is an AppError of errType
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Type == errType
}

// GetType returns the error type if err wraps an AppError, otherwise ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}
	return appErr.Type
}
