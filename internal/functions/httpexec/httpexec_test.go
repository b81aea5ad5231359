package httpexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxbridge/internal/functions"
	"github.com/MrWong99/voxbridge/internal/resilience"
)

func newExecutor(t *testing.T, h http.Handler, opts ...Option) *Executor {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	e, err := New(srv.URL+"/", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestNew_RejectsNonHTTPBase(t *testing.T) {
	t.Parallel()
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth, gotType string
	var gotBody struct {
		Arguments map[string]any        `json:"arguments"`
		Context   functions.CallContext `json:"context"`
	}
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":{"temp":21}}`))
	}), WithAPIKey("secret"))

	cc := functions.CallContext{SessionID: "s1", ClientKey: "10.0.0.1:4000", AgentID: "support"}
	res, err := e.Execute(context.Background(), "get_weather", json.RawMessage(`{"city":"Berlin"}`), cc)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != `{"temp":21}` {
		t.Errorf("result = %s", res)
	}
	if gotPath != "/functions/get_weather/execute" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody.Arguments["city"] != "Berlin" {
		t.Errorf("arguments = %v", gotBody.Arguments)
	}
	if gotBody.Context != cc {
		t.Errorf("context = %+v, want %+v", gotBody.Context, cc)
	}
}

func TestExecute_EmptyArgumentsSendObject(t *testing.T) {
	t.Parallel()
	var raw map[string]json.RawMessage
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = w.Write([]byte(`{"result":null}`))
	}))
	res, err := e.Execute(context.Background(), "ping", nil, functions.CallContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res) != "null" {
		t.Errorf("result = %s, want null", res)
	}
	if string(raw["arguments"]) != "{}" {
		t.Errorf("arguments = %s, want {}", raw["arguments"])
	}
}

func TestExecute_InvalidArguments(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	_, err := e.Execute(context.Background(), "f", json.RawMessage(`{broken`), functions.CallContext{})
	var execErr *functions.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if hits.Load() != 0 {
		t.Error("invalid arguments must not reach the service")
	}
}

func TestExecute_NotFound(t *testing.T) {
	t.Parallel()
	e := newExecutor(t, http.NotFoundHandler())
	_, err := e.Execute(context.Background(), "missing", nil, functions.CallContext{})
	if !errors.Is(err, functions.ErrUnknownFunction) {
		t.Fatalf("err = %v, want ErrUnknownFunction", err)
	}
	var execErr *functions.ExecutionError
	if !errors.As(err, &execErr) || execErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %#v, want status 404", err)
	}
	if e.BreakerState() != resilience.StateClosed {
		t.Error("404 must not count against the breaker")
	}
}

func TestExecute_ErrorBody(t *testing.T) {
	t.Parallel()
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"city is required"}`))
	}))
	_, err := e.Execute(context.Background(), "get_weather", nil, functions.CallContext{})
	var execErr *functions.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if execErr.StatusCode != http.StatusBadRequest || execErr.Err.Error() != "city is required" {
		t.Errorf("err = %v", execErr)
	}
}

func TestExecute_MissingResultField(t *testing.T) {
	t.Parallel()
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":1}`))
	}))
	if _, err := e.Execute(context.Background(), "f", nil, functions.CallContext{}); err == nil {
		t.Fatal("expected error for response without result")
	}
}

func TestExecute_ServerErrorsTripBreaker(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}), WithBreaker(2, time.Hour))

	for range 2 {
		_, err := e.Execute(context.Background(), "f", nil, functions.CallContext{})
		var execErr *functions.ExecutionError
		if !errors.As(err, &execErr) || execErr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("err = %v, want status 500", err)
		}
	}
	if e.BreakerState() != resilience.StateOpen {
		t.Fatalf("breaker = %v, want open", e.BreakerState())
	}

	_, err := e.Execute(context.Background(), "f", nil, functions.CallContext{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var execErr *functions.ExecutionError
	if !errors.As(err, &execErr) || execErr.Function != "f" {
		t.Fatalf("err = %#v, want ExecutionError for f", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestExecute_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	e := newExecutor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), WithTimeout(30*time.Millisecond))
	defer close(release)

	start := time.Now()
	_, err := e.Execute(context.Background(), "slow", nil, functions.CallContext{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout was not honoured")
	}
}
