package tools

import (
	"context"
	"encoding/json"
	"errors"
)

// Tool represents a callable capability exposed to agents.
type Tool interface {
	// Name returns the unique tool identifier.
	Name() string
	// Description returns a short human-readable summary.
	Description() string
	// Provider returns the external system this tool talks to. Rate limits
	// and the shared cache are scoped per provider.
	Provider() string
	// Schema returns the JSON schema the arguments are validated against.
	Schema() map[string]interface{}
	// Execute performs the tool's action using the provided arguments.
	// Implementations must be safe to re-invoke with the same arguments
	// within a session.
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc is the function signature for tool handlers.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// FunctionTool is a simple Tool implementation backed by a handler function.
type FunctionTool struct {
	name        string
	description string
	provider    string
	schema      map[string]interface{}
	handler     HandlerFunc
}

// New creates a new function-backed Tool.
func New(name, description, provider string, schema map[string]interface{}, handler HandlerFunc) Tool {
	return &FunctionTool{
		name:        name,
		description: description,
		provider:    provider,
		schema:      schema,
		handler:     handler,
	}
}

// Name returns the tool identifier.
func (t *FunctionTool) Name() string { return t.name }

// Description returns a human description of the tool.
func (t *FunctionTool) Description() string { return t.description }

// Provider returns the provider scope.
func (t *FunctionTool) Provider() string { return t.provider }

// Schema returns the argument schema.
func (t *FunctionTool) Schema() map[string]interface{} { return t.schema }

// Execute runs the underlying handler.
func (t *FunctionTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if t.handler == nil {
		return nil, errors.New("tool handler is not defined")
	}

	return t.handler(ctx, args)
}

// Definition is the tool metadata handed to the reasoning model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// transientError marks a failure as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err to classify it as a retryable network/timeout failure.
// Adapters use it for upstream conditions that may succeed on retry; all
// other failures (bad input, auth) are treated as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
