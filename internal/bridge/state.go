package bridge

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// State is a connection lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateConnecting  State = "connecting"
	StateConfiguring State = "configuring"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// Lifecycle events.
const (
	evConnect   = "connect"
	evConfigure = "configure"
	evActivate  = "activate"
	evClose     = "close"
	evFinish    = "finish"
	evForceEnd  = "force_end"
	evFail      = "fail"
)

// newLifecycle builds the per-connection state machine. Setup failures go
// straight to closed; a forced end skips the closing drain.
func newLifecycle(log *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StateCreated)}, Dst: string(StateConnecting)},
			{Name: evConfigure, Src: []string{string(StateConnecting)}, Dst: string(StateConfiguring)},
			{Name: evActivate, Src: []string{string(StateConfiguring)}, Dst: string(StateActive)},
			{Name: evClose, Src: []string{string(StateActive)}, Dst: string(StateClosing)},
			{Name: evFinish, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
			{Name: evForceEnd, Src: []string{string(StateActive)}, Dst: string(StateClosed)},
			{Name: evFail, Src: []string{string(StateCreated), string(StateConnecting), string(StateConfiguring)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("connection state changed", "event", e.Event, "from", e.Src, "to", e.Dst)
			},
		},
	)
}
