package bridge

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/provider"
)

// asyncPlaceholder is sent for async functions before they run.
var asyncPlaceholder = json.RawMessage(`{"status":"processing"}`)

// functionFailure is the result the model receives when a sync function fails.
type functionFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// maxLoggedResult caps async results written to the log.
const maxLoggedResult = 256

func (c *Connection) transition(event string) {
	if err := c.life.Event(context.Background(), event); err != nil {
		c.log.Debug("lifecycle transition skipped", "event", event, "state", c.life.Current(), "err", err)
	}
}

// drained runs on the queue's pacing goroutine when playback ends.
func (c *Connection) drained() {
	c.mu.Lock()
	c.playingAudio = false
	c.mu.Unlock()
}

// serve is the connection goroutine. It owns the inbound accumulator and
// consumes the adapter's events until the connection is closed.
func (o *Orchestrator) serve(c *Connection) {
	defer o.wg.Done()

	tick := max(c.flushInterval/2, 5*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	events := c.adapter.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.inbound:
			o.handleRTPAudio(c, payload)
		case <-ticker.C:
			if len(c.accum) > 0 && o.now().Sub(c.batchStart) >= c.flushInterval {
				o.flush(c)
			}
		case ev, ok := <-events:
			if !ok {
				o.closeConn(c, ReasonProviderClosed, false)
				return
			}
			o.handleProviderEvent(c, ev)
		}
	}
}

// handleRTPAudio converts one inbound µ-law payload into the adapter's input
// format and batches it.
func (o *Orchestrator) handleRTPAudio(c *Connection, payload []byte) {
	now := o.now()
	c.mu.Lock()
	c.lastActivity = now
	c.receivingAudio = true
	c.mu.Unlock()

	if len(c.accum) == 0 {
		c.batchStart = now
	}
	c.accum = append(c.accum, c.inConv.FromTelephony(payload)...)
	if len(c.accum) >= c.batchBytes {
		o.flush(c)
	}
}

func (o *Orchestrator) flush(c *Connection) {
	chunk := c.accum
	c.accum = make([]byte, 0, c.batchBytes)
	if !c.adapter.SendAudio(chunk) {
		c.log.Debug("provider rejected caller audio", "bytes", len(chunk))
	}
}

func (o *Orchestrator) handleProviderEvent(c *Connection, ev provider.Event) {
	now := o.now()
	switch ev.Type {
	case provider.EventSpeechStarted:
		o.bargeIn(c, now)

	case provider.EventSpeechStopped:
		c.mu.Lock()
		c.userSpeaking = false
		c.audioInterrupted = false
		c.lastActivity = now
		c.mu.Unlock()

	case provider.EventAgentSpeaking:
		c.mu.Lock()
		c.audioInterrupted = false
		c.lastActivity = now
		c.mu.Unlock()

	case provider.EventAudioDelta:
		o.handleProviderAudio(c, ev.Audio, now)

	case provider.EventAudioDone:
		c.log.Debug("agent utterance complete", "queued_frames", c.queue.Len())

	case provider.EventTranscriptUser, provider.EventTranscriptAgent:
		speaker := SpeakerUser
		if ev.Type == provider.EventTranscriptAgent {
			speaker = SpeakerAgent
		}
		out := c.event(EventTranscript, now)
		out.Transcript = &Transcript{Speaker: speaker, Text: ev.Text}
		o.emit(out, false)

	case provider.EventFunctionCall:
		if ev.Call != nil {
			o.dispatchFunction(c, *ev.Call)
		}

	case provider.EventResponseDone:
		cost := c.adapter.CostMetrics().WithMargin(o.Margin())
		c.mu.Lock()
		c.cost = cost
		c.mu.Unlock()
		out := c.event(EventCostUpdate, now)
		out.Cost = &cost
		o.emit(out, true)

	case provider.EventError:
		var msg string
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		c.log.Warn("provider error", "provider", c.providerKey, "err", msg)
		o.metrics.RecordProviderError(c.ctx, c.providerKey, "runtime")

	case provider.EventClosed:
		if ev.Abnormal {
			c.log.Error("provider connection lost", "provider", c.providerKey, "code", ev.CloseCode)
			o.metrics.RecordProviderError(c.ctx, c.providerKey, "abnormal_close")
		} else {
			c.log.Info("provider closed the session", "provider", c.providerKey, "code", ev.CloseCode)
		}
		o.closeConn(c, ReasonProviderClosed, false)
	}
}

// bargeIn handles the caller talking over the agent. Queued playback is
// always discarded; backends without native interruption are also told to
// stop and their in-flight audio is dropped until the agent speaks again.
func (o *Orchestrator) bargeIn(c *Connection, now time.Time) {
	c.mu.Lock()
	wasPlaying := c.playingAudio
	c.userSpeaking = true
	c.playingAudio = false
	c.lastActivity = now
	if !c.caps.NativeBargeIn {
		c.audioInterrupted = true
	}
	c.mu.Unlock()

	if c.queue.Len() > 0 {
		wasPlaying = true
	}
	c.queue.Clear()
	c.outConv.Reset()
	if !c.caps.NativeBargeIn {
		if err := c.adapter.StopSpeaking(); err != nil {
			c.log.Warn("stop speaking failed", "err", err)
		}
	}
	if wasPlaying {
		o.metrics.BargeIns.Add(c.ctx, 1, metric.WithAttributes(observe.Attr("provider", c.providerKey)))
		c.log.Debug("caller interrupted agent")
	}
}

// handleProviderAudio converts agent audio to µ-law and queues it for
// playback, unless the agent was interrupted.
func (o *Orchestrator) handleProviderAudio(c *Connection, chunk []byte, now time.Time) {
	c.mu.Lock()
	interrupted := c.audioInterrupted
	c.mu.Unlock()
	if interrupted {
		return
	}
	out := c.outConv.ToTelephony(chunk)
	if len(out) == 0 {
		return
	}
	c.queue.AddAudio(out)
	c.mu.Lock()
	c.playingAudio = true
	c.lastActivity = now
	c.mu.Unlock()
}

// dispatchFunction runs a function call off the connection goroutine so a
// slow executor never stalls audio.
func (o *Orchestrator) dispatchFunction(c *Connection, call provider.FunctionCall) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runFunction(c, call)
	}()
}

func (o *Orchestrator) runFunction(c *Connection, call provider.FunctionCall) {
	mode := c.mode(call.Name)
	log := c.log.With("function", call.Name, "call_id", call.CallID, "mode", mode)

	ctx, span := observe.StartSpan(c.ctx, "bridge.function",
		trace.WithAttributes(
			attribute.String("function", call.Name),
			attribute.String("mode", string(mode)),
		))

	if mode.Async() {
		if err := c.adapter.SendFunctionResponse(call.CallID, asyncPlaceholder); err != nil {
			log.Warn("send async placeholder failed", "err", err)
		}
	}

	start := time.Now()
	result, err := o.exec.Execute(ctx, call.Name, json.RawMessage(call.Arguments), c.callContext())
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.RecordFunctionCall(ctx, call.Name, string(mode), status, time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if mode.Async() {
		if err != nil {
			log.Warn("async function failed", "err", err)
			return
		}
		log.Info("async function finished", "result", truncate(string(result), maxLoggedResult))
		return
	}
	if c.ctx.Err() != nil {
		log.Debug("function finished after connection closed", "err", err)
		return
	}

	var resp any = result
	if err != nil {
		log.Warn("function failed", "err", err)
		resp = functionFailure{Success: false, Error: err.Error()}
	} else if len(result) == 0 {
		resp = json.RawMessage("null")
	}
	if err := c.adapter.SendFunctionResponse(call.CallID, resp); err != nil {
		log.Warn("send function response failed", "err", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
