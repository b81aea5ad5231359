package sink

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
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/resilience"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookOption configures a [Webhook].
type WebhookOption func(*Webhook)

// WithHeaders adds static headers (e.g. an auth token) to every request.
func WithHeaders(h map[string]string) WebhookOption {
	return func(w *Webhook) {
		for k, v := range h {
			w.headers.Set(k, v)
		}
	}
}

// WithWebhookTimeout bounds one delivery.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithEventFilter limits delivery to the event types accept returns true for.
func WithEventFilter(accept func(bridge.EventType) bool) WebhookOption {
	return func(w *Webhook) {
		if accept != nil {
			w.accept = accept
		}
	}
}

// WithWebhookClient replaces the default HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// WithWebhookBreaker configures the circuit breaker guarding the endpoint.
func WithWebhookBreaker(cfg resilience.Config) WebhookOption {
	return func(w *Webhook) { w.breakerCfg = cfg }
}

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) {
		if l != nil {
			w.log = l
		}
	}
}

// Webhook POSTs each event as JSON to a URL. While its circuit breaker is
// open events are dropped rather than queued.
type Webhook struct {
	url        string
	headers    http.Header
	client     *http.Client
	timeout    time.Duration
	accept     func(bridge.EventType) bool
	breakerCfg resilience.Config
	breaker    *resilience.CircuitBreaker
	log        *slog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

var _ Sink = (*Webhook)(nil)

// NewWebhook returns a webhook sink for rawURL.
func NewWebhook(rawURL string, opts ...WebhookOption) (*Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("sink: parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sink: webhook url %q must be http or https", rawURL)
	}
	w := &Webhook{
		url:     u.String(),
		headers: make(http.Header),
		client:  &http.Client{},
		timeout: defaultWebhookTimeout,
		accept:  func(bridge.EventType) bool { return true },
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	cfg := w.breakerCfg
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	w.breaker = resilience.New(cfg)
	return w, nil
}

// Name implements Sink.
func (w *Webhook) Name() string { return "webhook" }

// Delivered returns how many events the endpoint accepted.
func (w *Webhook) Delivered() uint64 { return w.delivered.Load() }

// Dropped returns how many events were skipped because the breaker was open.
func (w *Webhook) Dropped() uint64 { return w.dropped.Load() }

// BreakerState reports the webhook circuit breaker state.
func (w *Webhook) BreakerState() resilience.State { return w.breaker.State() }

// Handle implements Sink. Filtered events return nil without a request.
func (w *Webhook) Handle(ctx context.Context, ev bridge.Event) error {
	if !w.accept(ev.Type) {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sink: encode %s event: %w", ev.Type, err)
	}
	err = w.breaker.Do(ctx, func(ctx context.Context) error {
		return w.post(ctx, body)
	})
	switch {
	case err == nil:
		w.delivered.Add(1)
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.log.Warn("webhook unavailable, dropping events", "dropped", n)
		}
		return nil
	default:
		return fmt.Errorf("sink: webhook %s event: %w", ev.Type, err)
	}
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range w.headers {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
