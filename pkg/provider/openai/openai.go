// Package openai implements provider.Adapter for OpenAI's Realtime API.
//
// The adapter opens a WebSocket to the Realtime endpoint and exchanges JSON
// events. Caller audio is streamed as base64 chunks via
// input_audio_buffer.append; the server's voice activity detection drives
// turn taking and interrupts the model by itself when the caller talks over
// it, so StopSpeaking is a no-op. Usage is priced per token, read from every
// response.done event.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider"
)

// Compile-time assertion that Adapter satisfies provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// Name is the registry name of this provider.
const Name = "openai"

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// Pricing is the USD rate card used to compute base cost.
type Pricing struct {
	InputPerMTok       float64
	CachedInputPerMTok float64
	OutputPerMTok      float64
	// AudioPerMinute is charged on caller plus agent audio minutes. Zero
	// disables it.
	AudioPerMinute float64
}

// DefaultPricing is the published realtime audio-token rate card.
var DefaultPricing = Pricing{
	InputPerMTok:       40,
	CachedInputPerMTok: 2.5,
	OutputPerMTok:      80,
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the Realtime model.
func WithModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.baseURL = u
		}
	}
}

// WithPricing overrides the rate card.
func WithPricing(p Pricing) Option {
	return func(a *Adapter) { a.pricing = p }
}

// WithMulaw negotiates 8 kHz G.711 µ-law in both directions instead of
// 24 kHz PCM16, letting telephony audio pass through without conversion.
func WithMulaw() Option {
	return func(a *Adapter) { a.format = audio.Telephony }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter is one OpenAI Realtime session.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
	format  audio.Format
	pricing Pricing
	log     *slog.Logger

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan provider.Event

	mu          sync.Mutex
	configured  bool
	closed      bool
	connectedAt time.Time
	closedAt    time.Time
	tokens      provider.Usage
	inBytes     int64
	outBytes    int64
	agentText   strings.Builder

	closeOnce sync.Once
}

// New creates an Adapter with the given API key and options. No network
// activity happens until Connect.
func New(apiKey string, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		format:  audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateRealtime},
		pricing: DefaultPricing,
		log:     slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan provider.Event, eventBuffer),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With("provider", Name)
	return a
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return Name }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Input:         a.format,
		Output:        a.format,
		NativeBargeIn: true,
	}
}

// Connect dials the Realtime endpoint and starts the receive loop.
func (a *Adapter) Connect(ctx context.Context) error {
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, url.QueryEscape(a.model))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return &provider.ConnectionError{Provider: Name, Op: "dial", Err: err}
	}
	// Audio deltas for long utterances exceed the 32 KiB default.
	conn.SetReadLimit(16 << 20)

	a.mu.Lock()
	a.conn = conn
	a.connectedAt = time.Now()
	a.mu.Unlock()

	go a.receiveLoop()
	return nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string          `json:"modalities"`
	Voice                   string            `json:"voice,omitempty"`
	Instructions            string            `json:"instructions,omitempty"`
	InputAudioFormat        string            `json:"input_audio_format"`
	OutputAudioFormat       string            `json:"output_audio_format"`
	InputAudioTranscription *transcriptionCfg `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection     `json:"turn_detection"`
	Tools                   []oaiTool         `json:"tools,omitempty"`
	ToolChoice              string            `json:"tool_choice,omitempty"`
	Temperature             float64           `json:"temperature,omitempty"`
}

type transcriptionCfg struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *responseBody `json:"response,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type responseBody struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Usage  *usageBody `json:"usage,omitempty"`
}

type usageBody struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	InputTokenDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"input_token_details"`
}

// ── Session configuration ─────────────────────────────────────────────────────

func wireFormat(f audio.Format) string {
	if f.Encoding == audio.EncodingMulaw {
		return "g711_ulaw"
	}
	return "pcm16"
}

// ConfigureSession sends session.update and, when a greeting is configured,
// asks the model to speak it.
func (a *Adapter) ConfigureSession(ctx context.Context, opts provider.SessionOptions) error {
	if a.conn == nil {
		return &provider.ConnectionError{Provider: Name, Op: "configure", Err: provider.ErrNotConnected}
	}

	voice := opts.Voice
	if voice == "" {
		voice = defaultVoice
	}
	params := sessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   voice,
		Instructions:            opts.Instructions,
		InputAudioFormat:        wireFormat(a.format),
		OutputAudioFormat:       wireFormat(a.format),
		InputAudioTranscription: &transcriptionCfg{Model: "whisper-1", Language: opts.Language},
		TurnDetection: turnDetection{
			Type:              "server_vad",
			Threshold:         opts.VADThreshold,
			PrefixPaddingMs:   300,
			SilenceDurationMs: opts.SilenceDurationMs,
		},
		Temperature: opts.Temperature,
	}
	if len(opts.Functions) > 0 {
		params.Tools = toOAITools(opts.Functions)
		params.ToolChoice = "auto"
	}

	if err := a.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return &provider.ConnectionError{Provider: Name, Op: "session update", Err: err}
	}
	if opts.Greeting != "" {
		greet := responseCreateMessage{
			Type:     "response.create",
			Response: &responseParams{Instructions: "Greet the caller by saying exactly: " + opts.Greeting},
		}
		if err := a.writeJSON(ctx, greet); err != nil {
			return &provider.ConnectionError{Provider: Name, Op: "greeting", Err: err}
		}
	}

	a.mu.Lock()
	a.configured = true
	a.mu.Unlock()
	return nil
}

func toOAITools(fns []provider.FunctionDefinition) []oaiTool {
	out := make([]oaiTool, len(fns))
	for i, f := range fns {
		out[i] = oaiTool{
			Type:        "function",
			Name:        f.Name,
			Description: f.Description,
			Parameters:  f.Parameters,
		}
	}
	return out
}

// writeJSON marshals v and writes it as a text frame, bounded by ctx and the
// session lifetime.
func (a *Adapter) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()
	return a.conn.Write(ctx, websocket.MessageText, data)
}

// ── Adapter operations ────────────────────────────────────────────────────────

// SendAudio appends caller audio to the input buffer.
func (a *Adapter) SendAudio(chunk []byte) bool {
	a.mu.Lock()
	ready := a.configured && !a.closed
	a.mu.Unlock()
	if !ready || len(chunk) == 0 {
		return false
	}

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	if err := a.writeJSON(a.ctx, msg); err != nil {
		a.log.Debug("audio append failed", "err", err)
		return false
	}
	a.mu.Lock()
	a.inBytes += int64(len(chunk))
	a.mu.Unlock()
	return true
}

// SendFunctionResponse returns a function result and triggers the next
// model response.
func (a *Adapter) SendFunctionResponse(callID string, result any) error {
	output, err := provider.MarshalResult(result)
	if err != nil {
		return fmt.Errorf("openai: encode function result: %w", err)
	}
	if a.conn == nil {
		return provider.ErrNotConnected
	}
	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: callID, Output: output},
	}
	if err := a.writeJSON(a.ctx, item); err != nil {
		return fmt.Errorf("openai: function output: %w", err)
	}
	if err := a.writeJSON(a.ctx, responseCreateMessage{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: response create: %w", err)
	}
	return nil
}

// StopSpeaking is a no-op: server VAD cancels the response on barge-in.
func (a *Adapter) StopSpeaking() error { return nil }

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event { return a.events }

// CostMetrics prices the accumulated token usage.
func (a *Adapter) CostMetrics() provider.CostMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	bps := float64(a.format.BytesPerSecond())
	m := provider.CostMetrics{
		Provider:           Name,
		InputTokens:        a.tokens.InputTokens,
		OutputTokens:       a.tokens.OutputTokens,
		CachedTokens:       a.tokens.CachedTokens,
		InputAudioSeconds:  float64(a.inBytes) / bps,
		OutputAudioSeconds: float64(a.outBytes) / bps,
	}
	if !a.connectedAt.IsZero() {
		end := a.closedAt
		if end.IsZero() {
			end = time.Now()
		}
		m.SessionDuration = end.Sub(a.connectedAt)
	}

	uncached := max(m.InputTokens-m.CachedTokens, 0)
	m.BaseCost = float64(uncached)*a.pricing.InputPerMTok/1e6 +
		float64(m.CachedTokens)*a.pricing.CachedInputPerMTok/1e6 +
		float64(m.OutputTokens)*a.pricing.OutputPerMTok/1e6 +
		(m.InputAudioSeconds+m.OutputAudioSeconds)/60*a.pricing.AudioPerMinute
	return m
}

// Disconnect closes the session without waiting for the close handshake.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.closedAt = time.Now()
	conn := a.conn
	a.mu.Unlock()

	a.cancel()
	if conn == nil {
		a.closeEvents()
		return nil
	}
	go conn.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}

// ── Receive loop ──────────────────────────────────────────────────────────────

// receiveLoop reads events until the socket closes. It owns a.events and
// closes it on exit.
func (a *Adapter) receiveLoop() {
	defer a.closeEvents()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.emitClosed(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			a.log.Debug("unparseable server event", "err", err)
			continue
		}
		a.handleServerEvent(&evt)
	}
}

func (a *Adapter) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		a.emit(provider.Event{Type: provider.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		a.emit(provider.Event{Type: provider.EventSpeechStopped})

	case "response.created":
		a.emit(provider.Event{Type: provider.EventAgentSpeaking})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return
		}
		a.mu.Lock()
		a.outBytes += int64(len(data))
		a.mu.Unlock()
		a.emit(provider.Event{Type: provider.EventAudioDelta, Audio: data})

	case "response.audio.done":
		a.emit(provider.Event{Type: provider.EventAudioDone})

	case "response.audio_transcript.delta":
		a.mu.Lock()
		a.agentText.WriteString(evt.Delta)
		a.mu.Unlock()

	case "response.audio_transcript.done":
		a.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = a.agentText.String()
		}
		a.agentText.Reset()
		a.mu.Unlock()
		if text != "" {
			a.emit(provider.Event{Type: provider.EventTranscriptAgent, Text: text})
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			a.emit(provider.Event{Type: provider.EventTranscriptUser, Text: strings.TrimSpace(evt.Transcript)})
		}

	case "response.function_call_arguments.done":
		a.emit(provider.Event{
			Type: provider.EventFunctionCall,
			Call: &provider.FunctionCall{CallID: evt.CallID, Name: evt.Name, Arguments: evt.Arguments},
		})

	case "response.done":
		var usage *provider.Usage
		if evt.Response != nil && evt.Response.Usage != nil {
			u := evt.Response.Usage
			usage = &provider.Usage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				CachedTokens: u.InputTokenDetails.CachedTokens,
			}
			a.mu.Lock()
			a.tokens.InputTokens += usage.InputTokens
			a.tokens.OutputTokens += usage.OutputTokens
			a.tokens.CachedTokens += usage.CachedTokens
			a.mu.Unlock()
		}
		a.emit(provider.Event{Type: provider.EventResponseDone, Usage: usage})

	case "error":
		rerr := &provider.RuntimeError{Provider: Name, Message: "unknown error"}
		if evt.Error != nil {
			rerr.Code = evt.Error.Code
			if evt.Error.Message != "" {
				rerr.Message = evt.Error.Message
			}
		}
		a.emit(provider.Event{Type: provider.EventError, Err: rerr})
	}
}

func (a *Adapter) emit(ev provider.Event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

// emitClosed reports a socket closed by the backend or the network.
func (a *Adapter) emitClosed(err error) {
	code := websocket.CloseStatus(err)
	abnormal := code != websocket.StatusNormalClosure && code != websocket.StatusGoingAway
	if code == -1 {
		code = websocket.StatusAbnormalClosure
	}
	a.emit(provider.Event{Type: provider.EventClosed, CloseCode: int(code), Abnormal: abnormal})
}

func (a *Adapter) closeEvents() {
	a.closeOnce.Do(func() { close(a.events) })
}
