// Package mock provides a test double for provider.Adapter.
//
// Adapter records every call the orchestrator makes and lets the test inject
// backend events with Push. Set the *Err fields to simulate failures.
//
// Example:
//
//	a := mock.New(provider.Capabilities{Input: audio.Telephony, Output: audio.Telephony})
//	a.Push(provider.Event{Type: provider.EventSpeechStarted})
//	...
//	if n := a.StopSpeakingCount(); n != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider"
)

// Ensure Adapter implements provider.Adapter at compile time.
var _ provider.Adapter = (*Adapter)(nil)

// FunctionResponse records a single invocation of SendFunctionResponse.
type FunctionResponse struct {
	CallID string
	// Result is the JSON encoding of the value passed in.
	Result string
}

// Adapter is a mock implementation of provider.Adapter.
type Adapter struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Caps is returned by Capabilities.
	Caps provider.Capabilities

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConfigureErr, if non-nil, is returned by ConfigureSession.
	ConfigureErr error

	// Reject makes SendAudio return false.
	Reject bool

	// Cost is returned by CostMetrics.
	Cost provider.CostMetrics

	// DisconnectGate, if non-nil, makes Disconnect block until it is closed,
	// like a backend that is slow to acknowledge a close.
	DisconnectGate chan struct{}

	events    chan provider.Event
	closeOnce sync.Once

	mu              sync.Mutex
	connected       bool
	options         *provider.SessionOptions
	audio           [][]byte
	responses       []FunctionResponse
	stopCount       int
	disconnectCount int
	sent            chan struct{}
}

// New returns an Adapter with the given capabilities and a buffered event
// channel.
func New(caps provider.Capabilities) *Adapter {
	return &Adapter{
		ProviderName: "mock",
		Caps:         caps,
		events:       make(chan provider.Event, 64),
		sent:         make(chan struct{}, 1024),
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.ProviderName }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities { return a.Caps }

// Connect records the call and returns ConnectErr.
func (a *Adapter) Connect(context.Context) error {
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

// ConfigureSession records opts and returns ConfigureErr.
func (a *Adapter) ConfigureSession(_ context.Context, opts provider.SessionOptions) error {
	if a.ConfigureErr != nil {
		return a.ConfigureErr
	}
	a.mu.Lock()
	a.options = &opts
	a.mu.Unlock()
	return nil
}

// SendAudio records a copy of chunk. It returns false when Reject is set.
func (a *Adapter) SendAudio(chunk []byte) bool {
	if a.Reject {
		return false
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	a.mu.Lock()
	a.audio = append(a.audio, cp)
	a.mu.Unlock()
	select {
	case a.sent <- struct{}{}:
	default:
	}
	return true
}

// SendFunctionResponse records the call.
func (a *Adapter) SendFunctionResponse(callID string, result any) error {
	s, err := provider.MarshalResult(result)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.responses = append(a.responses, FunctionResponse{CallID: callID, Result: s})
	a.mu.Unlock()
	return nil
}

// StopSpeaking increments the stop counter.
func (a *Adapter) StopSpeaking() error {
	a.mu.Lock()
	a.stopCount++
	a.mu.Unlock()
	return nil
}

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event { return a.events }

// CostMetrics returns Cost.
func (a *Adapter) CostMetrics() provider.CostMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Cost
}

// SetCost replaces the value returned by CostMetrics. Thread-safe.
func (a *Adapter) SetCost(c provider.CostMetrics) {
	a.mu.Lock()
	a.Cost = c
	a.mu.Unlock()
}

// Disconnect waits for DisconnectGate, then counts the call and closes the
// event channel once.
func (a *Adapter) Disconnect() error {
	if a.DisconnectGate != nil {
		<-a.DisconnectGate
	}
	a.mu.Lock()
	a.disconnectCount++
	a.mu.Unlock()
	a.CloseEvents()
	return nil
}

// Push delivers ev to the orchestrator. It must not be called after
// Disconnect or CloseEvents.
func (a *Adapter) Push(ev provider.Event) { a.events <- ev }

// CloseEvents closes the event channel, as a backend socket closing would.
func (a *Adapter) CloseEvents() {
	a.closeOnce.Do(func() { close(a.events) })
}

// ── Inspection ────────────────────────────────────────────────────────────────

// Connected reports whether Connect succeeded.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Options returns the SessionOptions passed to ConfigureSession, or nil.
func (a *Adapter) Options() *provider.SessionOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.options
}

// Audio returns a copy of every accepted SendAudio chunk in order.
func (a *Adapter) Audio() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.audio))
	copy(out, a.audio)
	return out
}

// AudioSent is signalled once per accepted SendAudio call.
func (a *Adapter) AudioSent() <-chan struct{} { return a.sent }

// Responses returns every recorded function response in order.
func (a *Adapter) Responses() []FunctionResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]FunctionResponse, len(a.responses))
	copy(out, a.responses)
	return out
}

// StopSpeakingCount is the number of StopSpeaking calls.
func (a *Adapter) StopSpeakingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCount
}

// DisconnectCount is the number of Disconnect calls.
func (a *Adapter) DisconnectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disconnectCount
}
