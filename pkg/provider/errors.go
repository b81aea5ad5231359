package provider

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need a live session.
var ErrNotConnected = errors.New("provider: not connected")

// ConnectionError reports a failure to establish or configure a backend
// session: dial, authentication or handshake. It aborts call setup.
type ConnectionError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RuntimeError is an error frame received mid-session. The call continues
// unless the socket also closes.
type RuntimeError struct {
	Provider string
	Code     string
	Message  string
}

func (e *RuntimeError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
}
