// Package functions defines how agent function calls are executed.
//
// The orchestrator hands every function call the model makes to an
// [Executor]. Concrete executors live in sub-packages: httpexec posts calls
// to an external function service and mcpexec routes them to MCP tool
// servers. Whether the bridge waits for the result is decided per function
// by its [Mode].
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFunction is returned when no executor backend knows the function.
var ErrUnknownFunction = errors.New("functions: unknown function")

// ErrDisabled is returned by [Disabled].
var ErrDisabled = errors.New("functions: no executor configured")

// Mode controls whether a call's result is sent back to the model.
type Mode string

const (
	// ModeSync waits for the result and returns it to the model.
	ModeSync Mode = "sync"

	// ModeAsync acknowledges the call immediately with a placeholder and
	// only logs the real result.
	ModeAsync Mode = "async"
)

// IsValid reports whether m is a recognised mode. The empty mode means sync.
func (m Mode) IsValid() bool {
	return m == "" || m == ModeSync || m == ModeAsync
}

// Async reports whether m is [ModeAsync].
func (m Mode) Async() bool { return m == ModeAsync }

// CallContext identifies the call a function runs for.
type CallContext struct {
	SessionID string `json:"session_id"`
	ClientKey string `json:"client_key"`
	AgentID   string `json:"agent_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	CallerID  string `json:"caller_id,omitempty"`
}

// Executor runs a named function with JSON arguments.
//
// Implementations must be safe for concurrent use; the orchestrator runs
// calls for many connections at once.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage, cc CallContext) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to [Executor].
type ExecutorFunc func(ctx context.Context, name string, args json.RawMessage, cc CallContext) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, name string, args json.RawMessage, cc CallContext) (json.RawMessage, error) {
	return f(ctx, name, args, cc)
}

// Disabled is an Executor that rejects every call.
type Disabled struct{}

// Execute returns an *ExecutionError wrapping [ErrDisabled].
func (Disabled) Execute(_ context.Context, name string, _ json.RawMessage, _ CallContext) (json.RawMessage, error) {
	return nil, &ExecutionError{Function: name, Err: ErrDisabled}
}

// ExecutionError reports a failed function call. The orchestrator turns it
// into a {"success":false,"error":...} result; it never ends the call.
type ExecutionError struct {
	Function string

	// StatusCode is the HTTP status for HTTP-backed executors, else zero.
	StatusCode int

	Err error
}

func (e *ExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("function %q: status %d: %v", e.Function, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("function %q: %v", e.Function, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
