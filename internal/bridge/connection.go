package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/functions"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/queue"
	"github.com/MrWong99/voxbridge/pkg/provider"
)

// inboundBuffer is how many RTP payloads may wait for the connection
// goroutine before new ones are dropped.
const inboundBuffer = 64

// Info is a read-only snapshot of a connection.
type Info struct {
	ClientKey string    `json:"client_key"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	CallerID  string    `json:"caller_id,omitempty"`
	Provider  string    `json:"provider"`
	State     State     `json:"state"`
	StartTime time.Time `json:"start_time"`

	LastActivity     time.Time `json:"last_activity"`
	ReceivingAudio   bool      `json:"receiving_audio"`
	PlayingAudio     bool      `json:"playing_audio"`
	UserSpeaking     bool      `json:"user_speaking"`
	AudioInterrupted bool      `json:"audio_interrupted"`

	QueuedFrames   int    `json:"queued_frames"`
	DroppedInbound uint64 `json:"dropped_inbound"`

	// Cost is the last computed cost, margin applied.
	Cost provider.Cost `json:"cost"`
}

// Connection is one bridged call: an RTP client bound to a provider session.
// Its mutable audio state is owned by the connection goroutine; the flags
// exposed through [Info] are guarded by mu.
type Connection struct {
	clientKey    string
	sessionID    string
	agent        config.AgentConfig
	providerKey  string
	callerID     string
	instructions string
	startTime    time.Time
	modes        map[string]functions.Mode

	adapter provider.Adapter
	caps    provider.Capabilities
	inConv  *audio.Converter
	outConv *audio.Converter
	queue   *queue.Queue
	life    *fsm.FSM
	log     *slog.Logger

	// Inbound batching. A batch is sent once it holds batchBytes or its
	// first byte is flushInterval old.
	batchBytes    int
	flushInterval time.Duration
	accum         []byte
	batchStart    time.Time

	inbound chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	mu               sync.Mutex
	lastActivity     time.Time
	receivingAudio   bool
	playingAudio     bool
	userSpeaking     bool
	audioInterrupted bool
	droppedInbound   uint64
	cost             provider.Cost
}

// ClientKey returns the "ip:port" key of the RTP client.
func (c *Connection) ClientKey() string { return c.clientKey }

// SessionID returns the connection's UUID.
func (c *Connection) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.life.Current()) }

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	var queued int
	if c.queue != nil {
		queued = c.queue.Len()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ClientKey:        c.clientKey,
		SessionID:        c.sessionID,
		AgentID:          c.agent.ID,
		TenantID:         c.agent.TenantID,
		CallerID:         c.callerID,
		Provider:         c.providerKey,
		State:            c.State(),
		StartTime:        c.startTime,
		LastActivity:     c.lastActivity,
		ReceivingAudio:   c.receivingAudio,
		PlayingAudio:     c.playingAudio,
		UserSpeaking:     c.userSpeaking,
		AudioInterrupted: c.audioInterrupted,
		QueuedFrames:     queued,
		DroppedInbound:   c.droppedInbound,
		Cost:             c.cost,
	}
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// deliver hands an RTP payload to the connection goroutine without
// blocking the dispatcher.
func (c *Connection) deliver(payload []byte) {
	select {
	case c.inbound <- payload:
	case <-c.ctx.Done():
	default:
		c.mu.Lock()
		c.droppedInbound++
		n := c.droppedInbound
		c.mu.Unlock()
		if n == 1 || n%100 == 0 {
			c.log.Warn("inbound audio dropped, connection is behind", "dropped", n)
		}
	}
}

func (c *Connection) callContext() functions.CallContext {
	return functions.CallContext{
		SessionID: c.sessionID,
		ClientKey: c.clientKey,
		AgentID:   c.agent.ID,
		TenantID:  c.agent.TenantID,
		CallerID:  c.callerID,
	}
}

func (c *Connection) mode(function string) functions.Mode {
	if m, ok := c.modes[function]; ok && m != "" {
		return m
	}
	return functions.ModeSync
}

func (c *Connection) event(t EventType, now time.Time) Event {
	return Event{Type: t, ClientKey: c.clientKey, SessionID: c.sessionID, Time: now}
}

// sessionOptions maps an agent profile to provider session options.
func sessionOptions(a config.AgentConfig) provider.SessionOptions {
	opts := provider.SessionOptions{
		Instructions:      a.Instructions,
		Greeting:          a.Greeting,
		Language:          a.Language,
		Voice:             a.Voice,
		VADThreshold:      a.VADThreshold,
		SilenceDurationMs: a.SilenceDurationMs,
		Temperature:       a.Temperature,
	}
	for _, fn := range a.Functions {
		params := fn.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		opts.Functions = append(opts.Functions, provider.FunctionDefinition{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  params,
		})
	}
	return opts
}

// batchSize returns the byte count of d worth of audio in f.
func batchSize(f audio.Format, d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	if f.Encoding != audio.EncodingMulaw && n%2 != 0 {
		n++
	}
	return max(n, 1)
}
