package errors

import (
	"errors"
	"fmt"
)

// Orchestration error taxonomy. Every terminal session failure maps to exactly
// one of these sentinels.

var (
	// ErrCapabilityViolation indicates an agent called a tool outside its capability set
	ErrCapabilityViolation = errors.New("tool not in agent capability set")

	// ErrUnknownTool indicates a tool name absent from the registry
	ErrUnknownTool = errors.New("unknown tool")

	// ErrIllegalHandoff indicates a hand-off to a role outside the allowed target set
	ErrIllegalHandoff = errors.New("illegal handoff target")

	// ErrSchemaViolation indicates tool arguments failed schema validation
	ErrSchemaViolation = errors.New("tool arguments violate schema")

	// ErrToolUnavailable indicates a tool kept failing after retry exhaustion
	ErrToolUnavailable = errors.New("tool unavailable after retries")

	// ErrReasoningUnavailable indicates the upstream reasoning model could not be reached
	ErrReasoningUnavailable = errors.New("reasoning backend unavailable")

	// ErrBudgetExceeded indicates the session hit its turn or wall-clock budget
	ErrBudgetExceeded = errors.New("session budget exceeded")

	// ErrCancelled indicates the session was cancelled by the client
	ErrCancelled = errors.New("session cancelled")
)

// General-purpose errors shared across packages

var (
	// ErrNotFound indicates a resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a resource already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput indicates invalid input parameters
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal indicates an internal error
	ErrInternal = errors.New("internal error")

	// ErrExternal indicates an upstream provider error
	ErrExternal = errors.New("external provider error")

	// ErrRateLimitExceeded indicates a provider rate limit was hit
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// DomainError wraps an error with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Helper functions

// Is checks if err is or wraps target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target type
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func New(message string) error {
	return errors.New(message)
}

func Newf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
