package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Common error types used across the gatekeep coordination core

var (
	// ErrClosed indicates that an operation was attempted on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCapacityExceeded indicates that a capacity limit was exceeded
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidConfiguration indicates invalid configuration parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrRateLimited indicates that a request was rate limited
	ErrRateLimited = errors.New("rate limited")

	// ErrStoreUnavailable indicates the shared coordination store could not
	// complete an operation (network failure, timeout, server down).
	ErrStoreUnavailable = errors.New("coordination store unavailable")

	// ErrLockNotHeld indicates a release or extend was attempted with a token
	// that does not match the current holder.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrAcquireTimeout indicates a lock could not be acquired within maxWait.
	ErrAcquireTimeout = errors.New("lock acquisition timed out")

	// ErrAccountLocked indicates an identifier is locked out after repeated
	// authentication failures.
	ErrAccountLocked = errors.New("account locked")

	// ErrCycleDetected indicates that rule definitions form a dependency cycle.
	ErrCycleDetected = errors.New("rule cycle detected")

	// ErrInvalidRuleDefinition indicates a rule that cannot be scheduled.
	ErrInvalidRuleDefinition = errors.New("invalid rule definition")

	// ErrActionFailed indicates a rule action returned an error or panicked.
	ErrActionFailed = errors.New("rule action failed")
)

// ValidationError describes an invalid configuration value.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError for the given module field.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint attaches a remediation hint and returns the same error for chaining.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidConfiguration.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// OperationError wraps a failure of a named operation inside a module.
type OperationError struct {
	Module    string
	Operation string
	Cause     error
	Context   string
}

// NewOperationError creates an OperationError.
func NewOperationError(module, operation string, cause error) *OperationError {
	return &OperationError{
		Module:    module,
		Operation: operation,
		Cause:     cause,
	}
}

// WithContext attaches extra context and returns the same error for chaining.
func (e *OperationError) WithContext(context string) *OperationError {
	e.Context = context
	return e
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s.%s failed: %v", e.Module, e.Operation, e.Cause)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// StoreError reports a failed coordination store operation. It always
// matches ErrStoreUnavailable so callers can pick a safe default.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return "store " + e.Op + ": " + e.Err.Error()
	}
	return "store " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// CycleError lists the rule ids implicated in a dependency cycle.
type CycleError struct {
	RuleIDs []string
}

func (e *CycleError) Error() string {
	return "rule cycle detected: " + strings.Join(e.RuleIDs, " -> ")
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// RuleDefinitionError describes why a single rule was disabled.
type RuleDefinitionError struct {
	RuleID string
	Reason string
}

func (e *RuleDefinitionError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Reason)
}

func (e *RuleDefinitionError) Unwrap() error {
	return ErrInvalidRuleDefinition
}

// ActionError wraps an action failure of a fired rule.
type ActionError struct {
	RuleID string
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("rule %q action %s: %v", e.RuleID, e.Action, e.Err)
}

func (e *ActionError) Unwrap() []error {
	return []error{ErrActionFailed, e.Err}
}

// IsRetryable returns true if the error indicates a condition that might
// be resolved by retrying the operation
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrAcquireTimeout) || errors.Is(err, ErrStoreUnavailable)
}

// IsTemporary returns true if the error indicates a temporary condition
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrStoreUnavailable)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
