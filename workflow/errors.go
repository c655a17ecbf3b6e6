package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Error types for classifying engine failures. Tool and CLI surfaces map
// these to user-facing messages.

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing workflow, step, issue or execution.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NewNotFoundError builds a NotFoundError.
func NewNotFoundError(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// StateConflictError reports an operation that is not allowed in the
// current state of the workflow, step or execution.
type StateConflictError struct {
	Operation string
	Current   string
	Detail    string
}

func (e *StateConflictError) Error() string {
	msg := fmt.Sprintf("cannot %s: status is %s", e.Operation, e.Current)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// NewStateConflictError builds a StateConflictError.
func NewStateConflictError(operation, current, detail string) error {
	return &StateConflictError{Operation: operation, Current: current, Detail: detail}
}

// CycleError reports circular dependencies among a workflow's tasks.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		if len(c) == 0 {
			continue
		}
		parts = append(parts, strings.Join(append(slices.Clone(c), c[0]), " -> "))
	}
	return "circular dependencies detected: " + strings.Join(parts, "; ")
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound returns true if err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsStateConflict returns true if err is or wraps a StateConflictError.
func IsStateConflict(err error) bool {
	var target *StateConflictError
	return errors.As(err, &target)
}

// IsCycle returns true if err is or wraps a CycleError.
func IsCycle(err error) bool {
	var target *CycleError
	return errors.As(err, &target)
}
