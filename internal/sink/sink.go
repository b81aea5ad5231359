// Package sink delivers orchestrator events (connection lifecycle,
// transcripts and cost updates) to external consumers.
//
// The orchestrator never persists anything itself; the [File] sink is the
// only component that writes to disk. A [Fanout] drains
// [bridge.Orchestrator.Events] and hands each event to every configured
// [Sink] on that sink's own goroutine, so a slow webhook cannot hold up the
// log sink or the orchestrator.
package sink

import (
	"context"

	"github.com/MrWong99/voxbridge/internal/bridge"
)

// Sink consumes bridge events.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Handle delivers one event. Implementations must be safe to call from
	// one goroutine at a time; the fanout never calls Handle concurrently
	// for the same sink.
	Handle(ctx context.Context, ev bridge.Event) error
}

// Filter returns a predicate accepting only the named event types. Unknown
// names are returned separately so callers can report them. An empty list
// accepts everything.
func Filter(names []string) (accept func(bridge.EventType) bool, unknown []string) {
	if len(names) == 0 {
		return func(bridge.EventType) bool { return true }, nil
	}
	allowed := make(map[bridge.EventType]bool, len(names))
	for _, n := range names {
		t, ok := bridge.ParseEventType(n)
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		allowed[t] = true
	}
	return func(t bridge.EventType) bool { return allowed[t] }, unknown
}
