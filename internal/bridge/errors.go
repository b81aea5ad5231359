package bridge

import "errors"

var (
	// ErrConnectionExists is returned when a connection for the client key
	// is already active or being set up.
	ErrConnectionExists = errors.New("bridge: connection already exists")

	// ErrUnknownConnection is returned for a client key with no connection.
	ErrUnknownConnection = errors.New("bridge: unknown connection")

	// ErrAtCapacity is returned when the connection limit is reached.
	ErrAtCapacity = errors.New("bridge: connection limit reached")

	// ErrShutdown is returned once the orchestrator has begun shutting down.
	ErrShutdown = errors.New("bridge: orchestrator is shut down")
)
