package bridge

import (
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/voxbridge/pkg/provider"
)

// EventType discriminates [Event] values.
type EventType int

const (
	// EventConnectionCreated: a connection finished setup and is active.
	EventConnectionCreated EventType = iota + 1
	// EventTranscript carries one recognised caller or agent utterance.
	EventTranscript
	// EventCostUpdate carries the running cost after a model response.
	EventCostUpdate
	// EventConnectionClosed is emitted exactly once per created connection.
	EventConnectionClosed
)

var eventNames = map[EventType]string{
	EventConnectionCreated: "connection_created",
	EventTranscript:        "transcript",
	EventCostUpdate:        "cost_update",
	EventConnectionClosed:  "connection_closed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// MarshalText encodes t by name.
func (t EventType) MarshalText() ([]byte, error) {
	if _, ok := eventNames[t]; !ok {
		return nil, fmt.Errorf("bridge: unknown event type %d", int(t))
	}
	return []byte(t.String()), nil
}

// ParseEventType returns the type named s.
func ParseEventType(s string) (EventType, bool) {
	for t, name := range eventNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// Speaker identifies who said a transcribed utterance.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Transcript is one utterance.
type Transcript struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// CloseReason explains why a connection ended.
type CloseReason string

const (
	ReasonHangup         CloseReason = "hangup"
	ReasonForceEnd       CloseReason = "force_end"
	ReasonIdle           CloseReason = "idle_timeout"
	ReasonClientGone     CloseReason = "client_gone"
	ReasonProviderClosed CloseReason = "provider_closed"
	ReasonShutdown       CloseReason = "shutdown"
)

// Closed describes a finished connection.
type Closed struct {
	Reason    CloseReason   `json:"reason"`
	Duration  time.Duration `json:"duration_ns"`
	FinalCost provider.Cost `json:"final_cost"`

	// Usage is the provider's final usage snapshot.
	Usage provider.CostMetrics `json:"usage"`

	// Data is the connection as it was when it closed.
	Data Info `json:"connection"`
}

// Event is emitted on [Orchestrator.Events]. Only the fields relevant to
// Type are set.
type Event struct {
	Type      EventType `json:"type"`
	ClientKey string    `json:"client_key"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	Connection *Info          `json:"connection,omitempty"`
	Transcript *Transcript    `json:"transcript,omitempty"`
	Cost       *provider.Cost `json:"cost,omitempty"`
	Closed     *Closed        `json:"closed,omitempty"`
}
