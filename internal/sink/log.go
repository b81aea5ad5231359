package sink

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxbridge/internal/bridge"
)

// Log writes events as structured log records.
type Log struct {
	log *slog.Logger
}

var _ Sink = (*Log)(nil)

// NewLog returns a log sink writing to l, or slog.Default() when l is nil.
func NewLog(l *slog.Logger) *Log {
	if l == nil {
		l = slog.Default()
	}
	return &Log{log: l.With("component", "events")}
}

// Name implements Sink.
func (s *Log) Name() string { return "log" }

// Handle implements Sink.
func (s *Log) Handle(ctx context.Context, ev bridge.Event) error {
	attrs := []any{"client_key", ev.ClientKey, "session_id", ev.SessionID}
	switch ev.Type {
	case bridge.EventConnectionCreated:
		if c := ev.Connection; c != nil {
			attrs = append(attrs, "agent_id", c.AgentID, "tenant_id", c.TenantID, "provider", c.Provider)
		}
		s.log.InfoContext(ctx, "call started", attrs...)
	case bridge.EventTranscript:
		if tr := ev.Transcript; tr != nil {
			attrs = append(attrs, "speaker", tr.Speaker, "text", tr.Text)
		}
		s.log.DebugContext(ctx, "transcript", attrs...)
	case bridge.EventCostUpdate:
		if c := ev.Cost; c != nil {
			attrs = append(attrs, "base_cost", c.BaseCost, "final_cost", c.FinalCost)
		}
		s.log.DebugContext(ctx, "cost update", attrs...)
	case bridge.EventConnectionClosed:
		if c := ev.Closed; c != nil {
			attrs = append(attrs,
				"reason", c.Reason,
				"duration", c.Duration,
				"base_cost", c.FinalCost.BaseCost,
				"final_cost", c.FinalCost.FinalCost,
				"agent_id", c.Data.AgentID,
				"tenant_id", c.Data.TenantID,
			)
		}
		s.log.InfoContext(ctx, "call ended", attrs...)
	}
	return nil
}
