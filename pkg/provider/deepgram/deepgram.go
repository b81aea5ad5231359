// Package deepgram implements provider.Adapter for the Deepgram Voice Agent
// API.
//
// The agent protocol is settings-gated: after the socket opens the adapter
// sends a Settings message describing audio formats, the listen/think/speak
// pipeline and the prompt, and may not stream audio until the server answers
// SettingsApplied. Caller audio goes out as raw binary frames of 8 kHz µ-law;
// agent speech arrives as binary 24 kHz linear PCM.
//
// The server drops idle sessions, so the adapter sends KeepAlive messages on a
// fixed interval and injects a frame of µ-law silence whenever the caller leg
// has been quiet for a while. The agent does not cut itself off when the
// caller barges in; StopSpeaking discards agent audio locally until the next
// utterance starts. Usage is priced per session minute.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/provider"
)

// Compile-time assertion that Adapter satisfies provider.Adapter.
var _ provider.Adapter = (*Adapter)(nil)

// Name is the registry name of this provider.
const Name = "deepgram"

const (
	defaultBaseURL     = "wss://agent.deepgram.com/v1/agent/converse"
	defaultListenModel = "nova-3"
	defaultThinkType   = "open_ai"
	defaultThinkModel  = "gpt-4o-mini"
	defaultSpeakModel  = "aura-2-thalia-en"
	defaultLanguage    = "en"

	// DefaultPerMinute is the USD price of one agent session minute.
	DefaultPerMinute = 0.08

	DefaultKeepaliveInterval = 5 * time.Second
	DefaultComfortNoiseAfter = 2 * time.Second
	DefaultComfortNoiseCheck = 500 * time.Millisecond
	DefaultHandshakeTimeout  = 10 * time.Second

	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

var (
	inputFormat  = audio.Telephony
	outputFormat = audio.Format{Encoding: audio.EncodingLinear16, SampleRate: audio.RateRealtime}
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the agent endpoint. Primarily used in tests.
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		if u != "" {
			a.baseURL = u
		}
	}
}

// WithListenModel sets the speech recognition model.
func WithListenModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.listenModel = model
		}
	}
}

// WithThinkModel sets the LLM provider type and model used by the agent.
func WithThinkModel(providerType, model string) Option {
	return func(a *Adapter) {
		if providerType != "" {
			a.thinkType = providerType
		}
		if model != "" {
			a.thinkModel = model
		}
	}
}

// WithSpeakModel sets the default synthesis voice model. A non-empty
// SessionOptions.Voice overrides it per call.
func WithSpeakModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.speakModel = model
		}
	}
}

// WithPerMinute overrides the per-minute price.
func WithPerMinute(usd float64) Option {
	return func(a *Adapter) { a.perMinute = usd }
}

// WithKeepaliveInterval sets how often KeepAlive is sent.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.keepaliveInterval = d
		}
	}
}

// WithComfortNoise sets the caller silence after which comfort noise is
// injected and how often that condition is checked.
func WithComfortNoise(after, check time.Duration) Option {
	return func(a *Adapter) {
		if after > 0 {
			a.comfortAfter = after
		}
		if check > 0 {
			a.comfortCheck = check
		}
	}
}

// WithHandshakeTimeout bounds the wait for SettingsApplied.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.handshakeTimeout = d
		}
	}
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

// Adapter is one Deepgram Voice Agent session.
type Adapter struct {
	apiKey            string
	baseURL           string
	listenModel       string
	thinkType         string
	thinkModel        string
	speakModel        string
	perMinute         float64
	keepaliveInterval time.Duration
	comfortAfter      time.Duration
	comfortCheck      time.Duration
	handshakeTimeout  time.Duration
	log               *slog.Logger

	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	events chan provider.Event

	applied     chan struct{}
	appliedOnce sync.Once
	setupErr    chan error

	mu         sync.Mutex
	ready      bool
	closed     bool
	discarding bool
	appliedAt  time.Time
	closedAt   time.Time
	lastAudio  time.Time
	inBytes    int64
	outBytes   int64
	calls      map[string]string // call id -> function name

	closeOnce sync.Once
}

// New creates an Adapter with the given API key and options.
func New(apiKey string, opts ...Option) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		apiKey:            apiKey,
		baseURL:           defaultBaseURL,
		listenModel:       defaultListenModel,
		thinkType:         defaultThinkType,
		thinkModel:        defaultThinkModel,
		speakModel:        defaultSpeakModel,
		perMinute:         DefaultPerMinute,
		keepaliveInterval: DefaultKeepaliveInterval,
		comfortAfter:      DefaultComfortNoiseAfter,
		comfortCheck:      DefaultComfortNoiseCheck,
		handshakeTimeout:  DefaultHandshakeTimeout,
		log:               slog.Default(),
		ctx:               ctx,
		cancel:            cancel,
		events:            make(chan provider.Event, eventBuffer),
		applied:           make(chan struct{}),
		setupErr:          make(chan error, 1),
		calls:             make(map[string]string),
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
		Input:         inputFormat,
		Output:        outputFormat,
		NativeBargeIn: false,
	}
}

// Connect dials the agent endpoint and starts the receive and keepalive
// loops.
func (a *Adapter) Connect(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+a.apiKey)

	conn, _, err := websocket.Dial(ctx, a.baseURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return &provider.ConnectionError{Provider: Name, Op: "dial", Err: err}
	}
	conn.SetReadLimit(16 << 20)

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	go a.receiveLoop()
	go a.keepaliveLoop()
	return nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type settingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type agentSettings struct {
	Language string        `json:"language,omitempty"`
	Listen   stageSettings `json:"listen"`
	Think    thinkSettings `json:"think"`
	Speak    stageSettings `json:"speak"`
	Greeting string        `json:"greeting,omitempty"`
}

type stageSettings struct {
	Provider providerSettings `json:"provider"`
}

type providerSettings struct {
	Type        string  `json:"type"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
}

type thinkSettings struct {
	Provider  providerSettings `json:"provider"`
	Prompt    string           `json:"prompt,omitempty"`
	Functions []agentFunction  `json:"functions,omitempty"`
}

type agentFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type serverMessage struct {
	Type string `json:"type"`

	// ConversationText
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// FunctionCallRequest
	Functions []functionRequest `json:"functions,omitempty"`

	// Error / Warning
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

type functionRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

// ── Session configuration ─────────────────────────────────────────────────────

// ConfigureSession sends Settings and blocks until SettingsApplied, an Error
// frame, ctx expiry or the handshake timeout.
func (a *Adapter) ConfigureSession(ctx context.Context, opts provider.SessionOptions) error {
	if a.conn == nil {
		return &provider.ConnectionError{Provider: Name, Op: "configure", Err: provider.ErrNotConnected}
	}

	lang := opts.Language
	if lang == "" {
		lang = defaultLanguage
	}
	speak := a.speakModel
	if opts.Voice != "" {
		speak = opts.Voice
	}
	msg := settingsMessage{
		Type: "Settings",
		Audio: audioSettings{
			Input:  audioFormat{Encoding: "mulaw", SampleRate: inputFormat.SampleRate},
			Output: audioFormat{Encoding: "linear16", SampleRate: outputFormat.SampleRate, Container: "none"},
		},
		Agent: agentSettings{
			Language: lang,
			Listen:   stageSettings{Provider: providerSettings{Type: "deepgram", Model: a.listenModel}},
			Think: thinkSettings{
				Provider:  providerSettings{Type: a.thinkType, Model: a.thinkModel, Temperature: opts.Temperature},
				Prompt:    opts.Instructions,
				Functions: toAgentFunctions(opts.Functions),
			},
			Speak:    stageSettings{Provider: providerSettings{Type: "deepgram", Model: speak}},
			Greeting: opts.Greeting,
		},
	}
	if err := a.writeJSON(ctx, msg); err != nil {
		return &provider.ConnectionError{Provider: Name, Op: "settings", Err: err}
	}

	timer := time.NewTimer(a.handshakeTimeout)
	defer timer.Stop()
	select {
	case <-a.applied:
	case err := <-a.setupErr:
		return &provider.ConnectionError{Provider: Name, Op: "settings", Err: err}
	case <-ctx.Done():
		return &provider.ConnectionError{Provider: Name, Op: "settings", Err: ctx.Err()}
	case <-a.ctx.Done():
		return &provider.ConnectionError{Provider: Name, Op: "settings", Err: provider.ErrNotConnected}
	case <-timer.C:
		return &provider.ConnectionError{Provider: Name, Op: "settings",
			Err: fmt.Errorf("no SettingsApplied within %s", a.handshakeTimeout)}
	}

	go a.comfortNoiseLoop()
	return nil
}

func toAgentFunctions(fns []provider.FunctionDefinition) []agentFunction {
	if len(fns) == 0 {
		return nil
	}
	out := make([]agentFunction, len(fns))
	for i, f := range fns {
		out[i] = agentFunction{Name: f.Name, Description: f.Description, Parameters: f.Parameters}
	}
	return out
}

func (a *Adapter) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	return a.write(ctx, websocket.MessageText, data)
}

func (a *Adapter) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()
	return a.conn.Write(ctx, typ, data)
}

// ── Adapter operations ────────────────────────────────────────────────────────

// SendAudio streams 8 kHz µ-law as a binary frame. It returns false until
// SettingsApplied has been received.
func (a *Adapter) SendAudio(chunk []byte) bool {
	a.mu.Lock()
	ready := a.ready && !a.closed
	a.mu.Unlock()
	if !ready || len(chunk) == 0 {
		return false
	}
	if err := a.write(a.ctx, websocket.MessageBinary, chunk); err != nil {
		a.log.Debug("audio write failed", "err", err)
		return false
	}
	a.mu.Lock()
	a.lastAudio = time.Now()
	a.inBytes += int64(len(chunk))
	a.mu.Unlock()
	return true
}

// SendFunctionResponse answers a FunctionCallRequest. The agent continues on
// its own once it receives the response.
func (a *Adapter) SendFunctionResponse(callID string, result any) error {
	content, err := provider.MarshalResult(result)
	if err != nil {
		return fmt.Errorf("deepgram: encode function result: %w", err)
	}
	if a.conn == nil {
		return provider.ErrNotConnected
	}
	a.mu.Lock()
	name := a.calls[callID]
	delete(a.calls, callID)
	a.mu.Unlock()

	msg := functionCallResponse{Type: "FunctionCallResponse", ID: callID, Name: name, Content: content}
	if err := a.writeJSON(a.ctx, msg); err != nil {
		return fmt.Errorf("deepgram: function response: %w", err)
	}
	return nil
}

// StopSpeaking drops agent audio until the agent starts its next utterance.
func (a *Adapter) StopSpeaking() error {
	a.mu.Lock()
	a.discarding = true
	a.mu.Unlock()
	return nil
}

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event { return a.events }

// CostMetrics prices the session by the minute, counted from
// SettingsApplied.
func (a *Adapter) CostMetrics() provider.CostMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := provider.CostMetrics{
		Provider:           Name,
		InputAudioSeconds:  inputFormat.Duration(int(a.inBytes)).Seconds(),
		OutputAudioSeconds: outputFormat.Duration(int(a.outBytes)).Seconds(),
	}
	if !a.appliedAt.IsZero() {
		end := a.closedAt
		if end.IsZero() {
			end = time.Now()
		}
		m.SessionDuration = end.Sub(a.appliedAt)
	}
	m.BaseCost = m.SessionDuration.Minutes() * a.perMinute
	return m
}

// Disconnect stops the timers and closes the socket without waiting for the
// close handshake.
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

// ── Background loops ──────────────────────────────────────────────────────────

func (a *Adapter) keepaliveLoop() {
	ticker := time.NewTicker(a.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.write(a.ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				a.log.Debug("keepalive failed", "err", err)
			}
		}
	}
}

// comfortNoiseLoop keeps the agent's recogniser fed while the caller leg is
// silent.
func (a *Adapter) comfortNoiseLoop() {
	ticker := time.NewTicker(a.comfortCheck)
	defer ticker.Stop()
	silence := audio.MulawSilenceFrame(audio.MulawFrameBytes)
	for {
		select {
		case <-a.ctx.Done():
			return
		case now := <-ticker.C:
			a.mu.Lock()
			quiet := now.Sub(a.lastAudio) >= a.comfortAfter
			a.mu.Unlock()
			if !quiet {
				continue
			}
			if err := a.write(a.ctx, websocket.MessageBinary, silence); err != nil {
				a.log.Debug("comfort noise failed", "err", err)
			}
		}
	}
}

// receiveLoop reads frames until the socket closes. It owns a.events and
// closes it on exit.
func (a *Adapter) receiveLoop() {
	defer a.closeEvents()

	for {
		typ, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.failSetup(err)
			a.emitClosed(err)
			return
		}

		if typ == websocket.MessageBinary {
			a.handleAudio(data)
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Debug("unparseable server message", "err", err)
			continue
		}
		a.handleServerMessage(&msg)
	}
}

func (a *Adapter) handleAudio(data []byte) {
	a.mu.Lock()
	drop := a.discarding
	if !drop {
		a.outBytes += int64(len(data))
	}
	a.mu.Unlock()
	if drop || len(data) == 0 {
		return
	}
	a.emit(provider.Event{Type: provider.EventAudioDelta, Audio: data})
}

func (a *Adapter) handleServerMessage(msg *serverMessage) {
	switch msg.Type {
	case "Welcome":
		a.log.Debug("agent session opened")

	case "SettingsApplied":
		a.mu.Lock()
		a.ready = true
		a.appliedAt = time.Now()
		a.lastAudio = a.appliedAt
		a.mu.Unlock()
		a.appliedOnce.Do(func() { close(a.applied) })

	case "UserStartedSpeaking":
		a.emit(provider.Event{Type: provider.EventSpeechStarted})

	case "AgentThinking":
		a.emit(provider.Event{Type: provider.EventSpeechStopped})

	case "AgentStartedSpeaking":
		a.mu.Lock()
		a.discarding = false
		a.mu.Unlock()
		a.emit(provider.Event{Type: provider.EventAgentSpeaking})

	case "AgentAudioDone":
		a.emit(provider.Event{Type: provider.EventAudioDone})
		a.emit(provider.Event{Type: provider.EventResponseDone})

	case "ConversationText":
		switch msg.Role {
		case "user":
			a.emit(provider.Event{Type: provider.EventTranscriptUser, Text: msg.Content})
		case "assistant":
			a.emit(provider.Event{Type: provider.EventTranscriptAgent, Text: msg.Content})
		}

	case "FunctionCallRequest":
		for _, fn := range msg.Functions {
			if !fn.ClientSide {
				continue
			}
			a.mu.Lock()
			a.calls[fn.ID] = fn.Name
			a.mu.Unlock()
			a.emit(provider.Event{
				Type: provider.EventFunctionCall,
				Call: &provider.FunctionCall{CallID: fn.ID, Name: fn.Name, Arguments: fn.Arguments},
			})
		}

	case "Error":
		rerr := &provider.RuntimeError{Provider: Name, Code: msg.Code, Message: msg.Description}
		if rerr.Message == "" {
			rerr.Message = "unknown error"
		}
		a.failSetup(rerr)
		a.emit(provider.Event{Type: provider.EventError, Err: rerr})

	case "Warning":
		a.log.Warn("agent warning", "code", msg.Code, "description", msg.Description)
	}
}

// failSetup unblocks a pending ConfigureSession. It is a no-op once settings
// were applied.
func (a *Adapter) failSetup(err error) {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()
	if ready {
		return
	}
	select {
	case a.setupErr <- err:
	default:
	}
}

func (a *Adapter) emit(ev provider.Event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

func (a *Adapter) emitClosed(err error) {
	code := websocket.CloseStatus(err)
	abnormal := code != websocket.StatusNormalClosure && code != websocket.StatusGoingAway
	if code == -1 {
		code = websocket.StatusAbnormalClosure
	}
	if abnormal {
		a.log.Debug("socket closed abnormally", "err", err)
	}
	a.emit(provider.Event{Type: provider.EventClosed, CloseCode: int(code), Abnormal: abnormal})
}

func (a *Adapter) closeEvents() {
	a.closeOnce.Do(func() { close(a.events) })
}
