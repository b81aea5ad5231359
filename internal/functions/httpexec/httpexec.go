// Package httpexec implements functions.Executor against an external
// function service over HTTP.
//
// Every call is a POST to {base}/functions/{name}/execute with the body
//
//	{"arguments": {...}, "context": {"session_id": "...", ...}}
//
// and a successful response carries {"result": ...}. Calls share one circuit
// breaker so a dead function service fails fast for every live call instead
// of holding each of them for the full timeout.
package httpexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/voxbridge/internal/functions"
	"github.com/MrWong99/voxbridge/internal/resilience"
)

var _ functions.Executor = (*Executor)(nil)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
	maxErrorBody    = 512
)

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) {
		if c != nil {
			e.client = c
		}
	}
}

// WithAPIKey sends key as a Bearer token on every call.
func WithAPIKey(key string) Option {
	return func(e *Executor) { e.apiKey = key }
}

// WithTimeout bounds a single call, including the response body read.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithBreaker configures the shared circuit breaker.
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(e *Executor) {
		e.maxFailures = maxFailures
		e.resetTimeout = resetTimeout
	}
}

// WithBreakerObserver is notified on every breaker transition.
func WithBreakerObserver(fn func(name string, from, to resilience.State)) Option {
	return func(e *Executor) { e.onBreaker = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// Executor posts function calls to a function service.
type Executor struct {
	base    *url.URL
	apiKey  string
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger

	maxFailures  int
	resetTimeout time.Duration
	onBreaker    func(name string, from, to resilience.State)
	breaker      *resilience.CircuitBreaker
}

// New creates an Executor for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Executor, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpexec: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpexec: base url %q must be http or https", baseURL)
	}
	e := &Executor{
		base:    u,
		client:  &http.Client{},
		timeout: defaultTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	e.breaker = resilience.New(resilience.Config{
		Name:          "function-service",
		MaxFailures:   e.maxFailures,
		ResetTimeout:  e.resetTimeout,
		IsFailure:     isServiceFailure,
		OnStateChange: e.onBreaker,
	})
	return e, nil
}

// BreakerState reports the state of the shared circuit breaker.
func (e *Executor) BreakerState() resilience.State { return e.breaker.State() }

type request struct {
	Arguments json.RawMessage       `json:"arguments"`
	Context   functions.CallContext `json:"context"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// Execute implements functions.Executor. Failures are returned as
// *functions.ExecutionError.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage, cc functions.CallContext) (json.RawMessage, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return nil, &functions.ExecutionError{Function: name, Err: errors.New("arguments are not valid JSON")}
	}
	body, err := json.Marshal(request{Arguments: args, Context: cc})
	if err != nil {
		return nil, &functions.ExecutionError{Function: name, Err: err}
	}

	var result json.RawMessage
	err = e.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		result, callErr = e.call(ctx, name, body)
		return callErr
	})
	if err == nil {
		return result, nil
	}

	var execErr *functions.ExecutionError
	if errors.As(err, &execErr) {
		return nil, execErr
	}
	return nil, &functions.ExecutionError{Function: name, Err: err}
}

func (e *Executor) call(ctx context.Context, name string, body []byte) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	endpoint := e.base.JoinPath("functions", url.PathEscape(name), "execute")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	e.log.Debug("function service call",
		"function", name,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	var parsed response
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		execErr := &functions.ExecutionError{Function: name, StatusCode: resp.StatusCode}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			execErr.Err = functions.ErrUnknownFunction
		case parsed.Error != "":
			execErr.Err = errors.New(parsed.Error)
		default:
			execErr.Err = errors.New(truncate(string(data), maxErrorBody))
		}
		return nil, execErr
	}

	if parsed.Error != "" {
		return nil, &functions.ExecutionError{Function: name, StatusCode: resp.StatusCode, Err: errors.New(parsed.Error)}
	}
	if len(parsed.Result) == 0 {
		if json.Valid(data) && len(data) > 0 {
			return nil, &functions.ExecutionError{Function: name, StatusCode: resp.StatusCode,
				Err: errors.New(`response has no "result" field`)}
		}
		return nil, &functions.ExecutionError{Function: name, StatusCode: resp.StatusCode,
			Err: errors.New("response is not JSON")}
	}
	return parsed.Result, nil
}

// isServiceFailure counts transport errors, timeouts and 5xx responses
// against the breaker. 4xx responses and application errors are the
// caller's problem.
func isServiceFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var execErr *functions.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.StatusCode >= 500
	}
	return true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
