// Package provider defines the Adapter interface for realtime conversational
// AI backends driven by the bridge.
//
// An adapter wraps one stateful session with a cloud voice agent: it accepts
// caller audio, emits synthesised audio, speech-activity transitions,
// transcripts and function-call requests as [Event] values, and tracks the
// usage needed to price the call. Backends differ in wire protocol, audio
// encoding and in whether they interrupt themselves when the caller talks
// over them; [Capabilities] exposes those differences so one orchestrator can
// drive any of them.
//
// All implementations must be safe for concurrent use.
package provider

import (
	"context"
	"encoding/json"

	"github.com/MrWong99/voxbridge/pkg/audio"
)

// FunctionDefinition is a function the agent may call during a session.
type FunctionDefinition struct {
	// Name is the function's unique identifier within the agent.
	Name string

	// Description explains what the function does (included in the prompt).
	Description string

	// Parameters is the JSON Schema describing the function's arguments.
	Parameters map[string]any
}

// SessionOptions is the per-call configuration sent to the backend after
// connecting.
type SessionOptions struct {
	// Instructions is the system prompt defining the agent's behaviour.
	Instructions string

	// Greeting, when set, is spoken by the agent as soon as the session is
	// configured.
	Greeting string

	// Functions is the set of functions offered to the model.
	Functions []FunctionDefinition

	// Language is a BCP-47 language hint for recognition and synthesis.
	Language string

	// Voice selects the synthesis voice. Interpretation is backend specific.
	Voice string

	// VADThreshold is the speech detection sensitivity in [0,1]. Zero means
	// the backend default.
	VADThreshold float64

	// SilenceDurationMs is how much trailing silence ends a user turn. Zero
	// means the backend default.
	SilenceDurationMs int

	// Temperature is the sampling temperature. Zero means the backend default.
	Temperature float64
}

// Capabilities describes static properties of an adapter.
type Capabilities struct {
	// Input is the format the adapter expects in SendAudio.
	Input audio.Format

	// Output is the format of AudioDelta payloads.
	Output audio.Format

	// NativeBargeIn reports whether the backend stops its own speech when the
	// caller starts talking. When false the orchestrator must call
	// StopSpeaking and discard in-flight audio itself.
	NativeBargeIn bool
}

// Adapter is the abstraction over one backend session.
//
// The lifecycle is Connect, ConfigureSession, then event-driven operation
// until Disconnect. Adapters are single-use: a disconnected adapter cannot be
// reconnected.
type Adapter interface {
	// Name returns the registered provider name (e.g. "openai").
	Name() string

	// Capabilities returns the audio formats and interruption semantics.
	Capabilities() Capabilities

	// Connect dials the backend and completes any transport-level handshake.
	// Failures are returned as *ConnectionError.
	Connect(ctx context.Context) error

	// ConfigureSession sends the session configuration. Adapters whose
	// protocol acknowledges configuration block until the acknowledgement
	// arrives or ctx expires. Failures are returned as *ConnectionError.
	ConfigureSession(ctx context.Context, opts SessionOptions) error

	// SendAudio forwards caller audio in the Capabilities().Input format. It
	// returns false when the audio was not accepted (not yet configured,
	// closed, or a write failure). It never blocks on the network for long.
	SendAudio(chunk []byte) bool

	// SendFunctionResponse returns the result of a function call identified by
	// callID and asks the backend to continue generating where the protocol
	// requires it. result is marshalled to JSON unless it is already a
	// json.RawMessage or string.
	SendFunctionResponse(callID string, result any) error

	// StopSpeaking asks the backend to stop its current utterance. Adapters
	// with NativeBargeIn may treat this as a no-op.
	StopSpeaking() error

	// Events returns the channel of backend events. It is closed after the
	// adapter's receive loop exits; a final [EventClosed] precedes the close
	// when the socket shut down.
	Events() <-chan Event

	// CostMetrics returns a snapshot of the usage so far and its base cost.
	CostMetrics() CostMetrics

	// Disconnect closes the session. It must not block on the backend and is
	// safe to call more than once.
	Disconnect() error
}

// MarshalResult encodes a function result for the wire. Raw JSON and strings
// are passed through untouched.
func MarshalResult(result any) (string, error) {
	switch v := result.(type) {
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
