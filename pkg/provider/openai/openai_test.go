package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxbridge/pkg/provider"
	"github.com/MrWong99/voxbridge/pkg/provider/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The server is closed when the
// test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

func nextEvent(t *testing.T, a *openai.Adapter) provider.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return provider.Event{}
	}
}

func connect(t *testing.T, srv *httptest.Server, opts ...openai.Option) *openai.Adapter {
	t.Helper()
	a := openai.New("test-key", append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)...)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })
	return a
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := openai.New("k").Capabilities()
	if !caps.NativeBargeIn {
		t.Error("expected native barge-in")
	}
	if caps.Input.SampleRate != 24000 || caps.Input.Encoding != "linear16" {
		t.Errorf("default input format: %+v", caps.Input)
	}
	if mu := openai.New("k", openai.WithMulaw()).Capabilities(); !mu.Input.IsTelephony() || !mu.Output.IsTelephony() {
		t.Errorf("WithMulaw formats: %+v", mu)
	}
}

func TestConnect_AuthAndModel(t *testing.T) {
	t.Parallel()
	got := make(chan *http.Request, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		got <- r
		<-conn.CloseRead(context.Background()).Done()
	})
	connect(t, srv, openai.WithModel("gpt-realtime-mini"))

	select {
	case r := <-got:
		if h := r.Header.Get("Authorization"); h != "Bearer test-key" {
			t.Errorf("Authorization = %q", h)
		}
		if m := r.URL.Query().Get("model"); m != "gpt-realtime-mini" {
			t.Errorf("model = %q", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw the connection")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	a := openai.New("k", openai.WithBaseURL("ws://127.0.0.1:1"))
	err := a.Connect(context.Background())
	var cerr *provider.ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *provider.ConnectionError, got %v", err)
	}
}

func TestConfigureSession_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type msg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
			Tools []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"session"`
		Response *struct {
			Instructions string `json:"instructions"`
		} `json:"response"`
	}
	received := make(chan msg, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var m msg
			readJSON(t, conn, &m)
			received <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connect(t, srv, openai.WithMulaw())

	if a.SendAudio([]byte{1, 2}) {
		t.Error("SendAudio accepted audio before configuration")
	}

	err := a.ConfigureSession(context.Background(), provider.SessionOptions{
		Instructions:      "You are a receptionist.",
		Greeting:          "Hello, how can I help?",
		Voice:             "verse",
		VADThreshold:      0.6,
		SilenceDurationMs: 700,
		Functions:         []provider.FunctionDefinition{{Name: "book", Description: "Books a slot"}},
	})
	if err != nil {
		t.Fatalf("ConfigureSession: %v", err)
	}

	m := <-received
	if m.Type != "session.update" {
		t.Fatalf("first message type = %q", m.Type)
	}
	s := m.Session
	if s.Voice != "verse" || s.Instructions != "You are a receptionist." {
		t.Errorf("voice/instructions: %+v", s)
	}
	if s.InputAudioFormat != "g711_ulaw" || s.OutputAudioFormat != "g711_ulaw" {
		t.Errorf("audio formats: %s/%s", s.InputAudioFormat, s.OutputAudioFormat)
	}
	if s.TurnDetection.Type != "server_vad" || s.TurnDetection.Threshold != 0.6 || s.TurnDetection.SilenceDurationMs != 700 {
		t.Errorf("turn detection: %+v", s.TurnDetection)
	}
	if len(s.Tools) != 1 || s.Tools[0].Name != "book" || s.Tools[0].Type != "function" {
		t.Errorf("tools: %+v", s.Tools)
	}

	greet := <-received
	if greet.Type != "response.create" || greet.Response == nil || !strings.Contains(greet.Response.Instructions, "Hello, how can I help?") {
		t.Errorf("greeting message: %+v", greet)
	}
}

func TestSendAudio_AppendsBase64(t *testing.T) {
	t.Parallel()
	appended := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		var m struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &m)
		if m.Type == "input_audio_buffer.append" {
			appended <- m.Audio
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connect(t, srv)
	if err := a.ConfigureSession(context.Background(), provider.SessionOptions{}); err != nil {
		t.Fatalf("ConfigureSession: %v", err)
	}

	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	if !a.SendAudio(chunk) {
		t.Fatal("SendAudio returned false")
	}
	select {
	case got := <-appended:
		if got != base64.StdEncoding.EncodeToString(chunk) {
			t.Errorf("audio = %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("append never received")
	}
}

func TestReceive_TranslatesServerEvents(t *testing.T) {
	t.Parallel()
	pcm := []byte{0x10, 0x00, 0x20, 0x00}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_stopped"})
		writeJSON(t, conn, map[string]any{"type": "response.created"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "there"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.done"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello\n"})
		writeJSON(t, conn, map[string]any{
			"type": "response.function_call_arguments.done", "name": "lookup", "call_id": "call_1", "arguments": `{"id":7}`,
		})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"code": "rate_limited", "message": "slow down"}})
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connect(t, srv)

	want := []provider.EventType{
		provider.EventSpeechStarted,
		provider.EventSpeechStopped,
		provider.EventAgentSpeaking,
		provider.EventAudioDelta,
		provider.EventTranscriptAgent,
		provider.EventAudioDone,
		provider.EventTranscriptUser,
		provider.EventFunctionCall,
		provider.EventError,
	}
	for _, typ := range want {
		ev := nextEvent(t, a)
		if ev.Type != typ {
			t.Fatalf("got %v, want %v", ev.Type, typ)
		}
		switch ev.Type {
		case provider.EventAudioDelta:
			if string(ev.Audio) != string(pcm) {
				t.Errorf("audio = %v", ev.Audio)
			}
		case provider.EventTranscriptAgent:
			if ev.Text != "Hi there" {
				t.Errorf("agent transcript = %q", ev.Text)
			}
		case provider.EventTranscriptUser:
			if ev.Text != "hello" {
				t.Errorf("user transcript = %q", ev.Text)
			}
		case provider.EventFunctionCall:
			if ev.Call.Name != "lookup" || ev.Call.CallID != "call_1" || ev.Call.Arguments != `{"id":7}` {
				t.Errorf("call = %+v", ev.Call)
			}
		case provider.EventError:
			if ev.Err.Code != "rate_limited" || ev.Err.Message != "slow down" {
				t.Errorf("error = %+v", ev.Err)
			}
		}
	}
}

func TestSendFunctionResponse(t *testing.T) {
	t.Parallel()
	type item struct {
		Type string `json:"type"`
		Item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		} `json:"item"`
	}
	got := make(chan item, 2)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for range 2 {
			var m item
			readJSON(t, conn, &m)
			got <- m
		}
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connect(t, srv)

	if err := a.SendFunctionResponse("call_9", map[string]string{"status": "processing"}); err != nil {
		t.Fatalf("SendFunctionResponse: %v", err)
	}
	out := <-got
	if out.Type != "conversation.item.create" || out.Item.Type != "function_call_output" ||
		out.Item.CallID != "call_9" || out.Item.Output != `{"status":"processing"}` {
		t.Errorf("output item: %+v", out)
	}
	if next := <-got; next.Type != "response.create" {
		t.Errorf("follow-up type = %q, want response.create", next.Type)
	}
}

func TestCostMetrics_FromResponseDone(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(t, conn, map[string]any{
			"type": "response.done",
			"response": map[string]any{
				"id": "resp_1",
				"usage": map[string]any{
					"input_tokens":        1000,
					"output_tokens":       500,
					"input_token_details": map[string]any{"cached_tokens": 200},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connect(t, srv, openai.WithPricing(openai.Pricing{InputPerMTok: 40, CachedInputPerMTok: 2.5, OutputPerMTok: 80}))

	ev := nextEvent(t, a)
	if ev.Type != provider.EventResponseDone || ev.Usage == nil || ev.Usage.InputTokens != 1000 {
		t.Fatalf("unexpected event %+v", ev)
	}
	m := a.CostMetrics()
	if m.InputTokens != 1000 || m.OutputTokens != 500 || m.CachedTokens != 200 {
		t.Errorf("token totals: %+v", m)
	}
	want := 800*40/1e6 + 200*2.5/1e6 + 500*80/1e6
	if math.Abs(m.BaseCost-want) > 1e-12 {
		t.Errorf("base cost = %v, want %v", m.BaseCost, want)
	}
}

func TestReceive_AbnormalCloseEmitsClosed(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusInternalError, "boom")
	})
	a := connect(t, srv)

	ev := nextEvent(t, a)
	if ev.Type != provider.EventClosed {
		t.Fatalf("got %v, want closed", ev.Type)
	}
	if !ev.Abnormal || ev.CloseCode != int(websocket.StatusInternalError) {
		t.Errorf("close: code=%d abnormal=%v", ev.CloseCode, ev.Abnormal)
	}
	select {
	case _, ok := <-a.Events():
		if ok {
			t.Error("expected events channel to close after EventClosed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel never closed")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})
	a := connect(t, srv)
	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if a.SendAudio([]byte{1, 2}) {
		t.Error("SendAudio accepted audio after Disconnect")
	}
}
