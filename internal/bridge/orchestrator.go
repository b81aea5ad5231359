// Package bridge is the connection orchestrator. It owns the clientKey to
// [Connection] map and, for every call, wires the RTP transport, a pacing
// [queue.Queue] and a [provider.Adapter] together.
//
// Each connection runs on its own goroutine that owns the inbound
// accumulator, the flush ticker and the adapter's event channel. The
// dispatcher started by [Orchestrator.Run] only routes transport events, so a
// slow call never delays another.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/functions"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/pkg/audio"
	"github.com/MrWong99/voxbridge/pkg/audio/queue"
	"github.com/MrWong99/voxbridge/pkg/provider"
	"github.com/MrWong99/voxbridge/pkg/rtp"
)

// Defaults used when the corresponding option is not given.
const (
	defaultIdleTimeout   = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
	defaultSetupTimeout  = 15 * time.Second
	defaultInputBatch    = 100 * time.Millisecond
	defaultFlushInterval = 200 * time.Millisecond
	defaultEventBuffer   = 256
	defaultEmitTimeout   = time.Second
)

// Transport is the part of the RTP transport the orchestrator uses.
// *rtp.Transport satisfies it.
type Transport interface {
	Events() <-chan rtp.Event
	SendAudio(clientKey string, payload []byte) bool
	RemoveClient(clientKey string) bool
}

// Factory validates provider entries and builds adapters.
// *config.Registry satisfies it.
type Factory interface {
	Check(entry config.ProviderEntry) *config.ValidationError
	Create(entry config.ProviderEntry) (provider.Adapter, error)
}

var (
	_ Transport = (*rtp.Transport)(nil)
	_ Factory   = (*config.Registry)(nil)
)

// CallConfig is everything needed to start one call.
type CallConfig struct {
	Agent    config.AgentConfig
	Provider config.ProviderEntry

	// CallerID is passed through to function calls and billing events.
	CallerID string

	// Client is the RTP client that triggered the call, if known.
	Client *rtp.Client
}

// Resolver picks the call configuration for a newly seen RTP client. It is
// used when auto-start is enabled.
type Resolver func(ctx context.Context, clientKey string) (CallConfig, error)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithExecutor sets the function executor. Without one every function call
// fails with [functions.ErrDisabled].
func WithExecutor(e functions.Executor) Option {
	return func(o *Orchestrator) { o.exec = e }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithIdleTimeout closes connections that saw no activity for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.idleTimeout = d
		}
	}
}

// WithSweepInterval sets how often [Orchestrator.Run] looks for idle
// connections.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithSetupTimeout bounds provider connect plus session configuration.
func WithSetupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.setupTimeout = d
		}
	}
}

// WithMargin sets the initial profit margin (0.2 = 20 %).
func WithMargin(m float64) Option {
	return func(o *Orchestrator) { o.SetMargin(m) }
}

// WithInputBatch sets how much caller audio is collected before it is sent
// to the provider, and how long a partial batch may wait.
func WithInputBatch(batch, flush time.Duration) Option {
	return func(o *Orchestrator) {
		if batch > 0 {
			o.inputBatch = batch
		}
		if flush > 0 {
			o.flushInterval = flush
		}
	}
}

// WithQueueOptions are applied to every connection's outbound queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(o *Orchestrator) { o.queueOpts = append(o.queueOpts, opts...) }
}

// WithAutoStart creates a connection for every new RTP client using r.
func WithAutoStart(r Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithClock replaces time.Now for activity tracking. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithEventBuffer sets the capacity of the [Orchestrator.Events] channel.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.eventBuffer = n
		}
	}
}

// WithMaxConnections refuses new calls once n are active or being set up.
func WithMaxConnections(n int) Option {
	return func(o *Orchestrator) { o.maxConns = n }
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator manages every active call.
type Orchestrator struct {
	transport Transport
	factory   Factory
	exec      functions.Executor
	metrics   *observe.Metrics
	resolver  Resolver
	queueOpts []queue.Option
	now       func() time.Time
	log       *slog.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration
	setupTimeout  time.Duration
	inputBatch    time.Duration
	flushInterval time.Duration
	emitTimeout   time.Duration
	maxConns      int
	margin        atomic.Uint64

	eventBuffer  int
	events       chan Event
	emitMu       sync.RWMutex
	eventsClosed bool

	mu      sync.RWMutex
	conns   map[string]*Connection
	pending map[string]struct{}
	closed  bool

	// wg tracks connection goroutines and in-flight function calls.
	wg sync.WaitGroup
}

// New creates an Orchestrator. Call [Orchestrator.Run] to start routing
// transport events.
func New(t Transport, f Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport:     t,
		factory:       f,
		exec:          functions.Disabled{},
		now:           time.Now,
		log:           slog.Default().With("component", "bridge"),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		setupTimeout:  defaultSetupTimeout,
		inputBatch:    defaultInputBatch,
		flushInterval: defaultFlushInterval,
		emitTimeout:   defaultEmitTimeout,
		eventBuffer:   defaultEventBuffer,
		conns:         make(map[string]*Connection),
		pending:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.exec == nil {
		o.exec = functions.Disabled{}
	}
	o.events = make(chan Event, o.eventBuffer)
	return o
}

// Events returns the channel of connection, transcript and cost events. It
// is closed by [Orchestrator.Shutdown].
func (o *Orchestrator) Events() <-chan Event { return o.events }

// SetMargin replaces the profit margin applied to subsequent cost updates.
func (o *Orchestrator) SetMargin(m float64) {
	o.margin.Store(math.Float64bits(m))
}

// Margin returns the current profit margin.
func (o *Orchestrator) Margin() float64 {
	return math.Float64frombits(o.margin.Load())
}

// CreateConnection validates cfg, connects and configures a provider session
// and registers the call under clientKey.
//
// Validation problems are reported together as one *config.ValidationError.
// Setup failures disconnect the adapter and are returned; the provider's
// *provider.ConnectionError is preserved in the chain.
func (o *Orchestrator) CreateConnection(ctx context.Context, clientKey string, cfg CallConfig) (_ *Connection, err error) {
	subject := fmt.Sprintf("call %q", clientKey)
	if v := config.Merge(subject, o.factory.Check(cfg.Provider), config.CheckAgent(cfg.Agent)); v != nil {
		return nil, v
	}
	if err := o.reserve(clientKey); err != nil {
		return nil, err
	}
	defer o.release(clientKey)

	providerKey := cfg.Provider.Key()
	ctx, span := observe.StartSpan(ctx, "bridge.create_connection",
		trace.WithAttributes(
			attribute.String("client_key", clientKey),
			attribute.String("provider", providerKey),
			attribute.String("agent_id", cfg.Agent.ID),
		))
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()

	adapter, err := o.factory.Create(cfg.Provider)
	if err != nil {
		o.metrics.RecordConnection(ctx, providerKey, "error")
		return nil, err
	}
	c := o.newConnection(ctx, clientKey, cfg, adapter)
	fail := func(err error) (*Connection, error) {
		c.transition(evFail)
		c.cancel()
		if dErr := adapter.Disconnect(); dErr != nil {
			c.log.Debug("disconnect after failed setup", "err", dErr)
		}
		o.metrics.RecordConnection(ctx, providerKey, "error")
		c.log.Warn("connection setup failed", "err", err)
		return nil, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, o.setupTimeout)
	defer cancel()

	c.transition(evConnect)
	if err := adapter.Connect(setupCtx); err != nil {
		return fail(fmt.Errorf("bridge: connect %s: %w", providerKey, err))
	}
	c.transition(evConfigure)
	if err := adapter.ConfigureSession(setupCtx, sessionOptions(cfg.Agent)); err != nil {
		return fail(fmt.Errorf("bridge: configure %s: %w", providerKey, err))
	}

	qopts := append(slices.Clone(o.queueOpts), queue.WithOnDrain(c.drained), queue.WithLogger(c.log))
	c.queue = queue.New(o.transport, clientKey, qopts...)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		c.queue.Close()
		return fail(ErrShutdown)
	}
	c.transition(evActivate)
	now := o.now()
	c.startTime = now
	c.lastActivity = now
	o.conns[clientKey] = c
	o.wg.Add(1)
	o.mu.Unlock()

	attrs := metric.WithAttributes(observe.Attr("provider", providerKey))
	o.metrics.SetupDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	o.metrics.RecordConnection(ctx, providerKey, "ok")
	o.metrics.ActiveConnections.Add(ctx, 1, attrs)

	info := c.Info()
	ev := c.event(EventConnectionCreated, now)
	ev.Connection = &info
	o.emit(ev, true)

	c.log.Info("connection created",
		"agent_id", cfg.Agent.ID,
		"provider", providerKey,
		"native_barge_in", c.caps.NativeBargeIn,
		"setup", time.Since(start),
	)
	go o.serve(c)
	return c, nil
}

func (o *Orchestrator) newConnection(ctx context.Context, clientKey string, cfg CallConfig, adapter provider.Adapter) *Connection {
	sessionID := uuid.NewString()
	args := []any{"client_key", clientKey, "session_id", sessionID}
	if cfg.Client != nil {
		args = append(args, "remote_addr", cfg.Client.Addr().String())
	}
	log := observe.Logger(ctx, args...)
	caps := adapter.Capabilities()

	modes := make(map[string]functions.Mode, len(cfg.Agent.Functions))
	for _, fn := range cfg.Agent.Functions {
		modes[fn.Name] = fn.Mode
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Connection{
		clientKey:     clientKey,
		sessionID:     sessionID,
		agent:         cfg.Agent,
		providerKey:   cfg.Provider.Key(),
		callerID:      cfg.CallerID,
		instructions:  cfg.Agent.Instructions,
		startTime:     o.now(),
		modes:         modes,
		adapter:       adapter,
		caps:          caps,
		inConv:        audio.NewConverter(caps.Input),
		outConv:       audio.NewConverter(caps.Output),
		life:          newLifecycle(log),
		log:           log,
		batchBytes:    batchSize(caps.Input, o.inputBatch),
		flushInterval: o.flushInterval,
		inbound:       make(chan []byte, inboundBuffer),
		ctx:           cctx,
		cancel:        cancel,
	}
}

func (o *Orchestrator) reserve(clientKey string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShutdown
	}
	if _, ok := o.conns[clientKey]; ok {
		return fmt.Errorf("%w: %s", ErrConnectionExists, clientKey)
	}
	if _, ok := o.pending[clientKey]; ok {
		return fmt.Errorf("%w: %s is being set up", ErrConnectionExists, clientKey)
	}
	if o.maxConns > 0 && len(o.conns)+len(o.pending) >= o.maxConns {
		return fmt.Errorf("%w (%d)", ErrAtCapacity, o.maxConns)
	}
	o.pending[clientKey] = struct{}{}
	return nil
}

func (o *Orchestrator) release(clientKey string) {
	o.mu.Lock()
	delete(o.pending, clientKey)
	o.mu.Unlock()
}

// CloseConnection ends the call for clientKey gracefully. It reports whether
// a connection was closed; closing an unknown or already closed key is a
// no-op.
func (o *Orchestrator) CloseConnection(clientKey string) bool {
	return o.closeByKey(clientKey, ReasonHangup, false)
}

// ForceEndSession clears the outbound queue immediately and closes the call
// without waiting for playback to drain. The RTP client is forgotten too.
func (o *Orchestrator) ForceEndSession(clientKey string) error {
	if !o.closeByKey(clientKey, ReasonForceEnd, true) {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, clientKey)
	}
	return nil
}

func (o *Orchestrator) closeByKey(clientKey string, reason CloseReason, force bool) bool {
	o.mu.RLock()
	c := o.conns[clientKey]
	o.mu.RUnlock()
	if c == nil {
		return false
	}
	return o.closeConn(c, reason, force)
}

// closeConn runs the close path for c exactly once. Removal from the map is
// the guard: whoever removes c finalises it.
func (o *Orchestrator) closeConn(c *Connection, reason CloseReason, force bool) bool {
	o.mu.Lock()
	if o.conns[c.clientKey] != c {
		o.mu.Unlock()
		return false
	}
	delete(o.conns, c.clientKey)
	o.mu.Unlock()

	if force {
		c.queue.Clear()
		c.transition(evForceEnd)
	} else {
		c.transition(evClose)
	}
	c.cancel()

	now := o.now()
	usage := c.adapter.CostMetrics()
	cost := usage.WithMargin(o.Margin())
	c.mu.Lock()
	c.cost = cost
	c.receivingAudio = false
	c.playingAudio = false
	c.mu.Unlock()

	c.queue.Close()
	if err := c.adapter.Disconnect(); err != nil {
		c.log.Warn("provider disconnect failed", "err", err)
	}
	if !force {
		c.transition(evFinish)
	}
	if reason == ReasonForceEnd || reason == ReasonIdle {
		o.transport.RemoveClient(c.clientKey)
	}

	duration := now.Sub(c.startTime)
	ctx := context.Background()
	o.metrics.RecordClose(ctx, c.providerKey, string(reason), duration.Seconds(), cost.FinalCost)
	o.metrics.ActiveConnections.Add(ctx, -1, metric.WithAttributes(observe.Attr("provider", c.providerKey)))

	ev := c.event(EventConnectionClosed, now)
	ev.Closed = &Closed{
		Reason:    reason,
		Duration:  duration,
		FinalCost: cost,
		Usage:     usage,
		Data:      c.Info(),
	}
	o.emit(ev, true)

	c.log.Info("connection closed",
		"reason", reason,
		"duration", duration,
		"final_cost", cost.FinalCost,
	)
	return true
}

// SweepIdle closes every connection idle for longer than the idle timeout
// and returns their client keys, sorted.
func (o *Orchestrator) SweepIdle() []string {
	var keys []string
	for _, c := range o.idle(o.now()) {
		if o.closeConn(c, ReasonIdle, true) {
			keys = append(keys, c.clientKey)
		}
	}
	slices.Sort(keys)
	return keys
}

// idle returns the connections without activity for longer than the idle
// timeout at now.
func (o *Orchestrator) idle(now time.Time) []*Connection {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*Connection
	for _, c := range o.conns {
		if now.Sub(c.idleSince()) > o.idleTimeout {
			out = append(out, c)
		}
	}
	return out
}

// Run routes transport events and sweeps idle connections until ctx is done
// or the transport's event channel closes. It does not close connections;
// use [Orchestrator.Shutdown] for that.
func (o *Orchestrator) Run(ctx context.Context) error {
	sweep := time.NewTicker(o.sweepInterval)
	defer sweep.Stop()
	events := o.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if idle := o.idle(o.now()); len(idle) > 0 {
				o.log.Info("closing idle connections", "count", len(idle))
				for _, c := range idle {
					o.closeAsync(c, ReasonIdle, true)
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.dispatch(ctx, ev)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, ev rtp.Event) {
	switch ev.Type {
	case rtp.EventAudio:
		o.mu.RLock()
		c := o.conns[ev.ClientKey]
		o.mu.RUnlock()
		if c != nil {
			c.deliver(ev.Payload)
		}
	case rtp.EventClient:
		if o.resolver != nil {
			go o.autoStart(ctx, ev.ClientKey, ev.Client)
		}
	case rtp.EventClientGone:
		o.mu.RLock()
		c := o.conns[ev.ClientKey]
		o.mu.RUnlock()
		if c != nil {
			o.closeAsync(c, ReasonClientGone, false)
		}
	}
}

// closeAsync runs the close path off the dispatcher goroutine, since
// disconnecting and emitting the final event may block. Once Shutdown has
// started it does nothing; Shutdown closes every remaining connection.
func (o *Orchestrator) closeAsync(c *Connection, reason CloseReason, force bool) {
	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		return
	}
	o.wg.Add(1)
	o.mu.RUnlock()
	go func() {
		defer o.wg.Done()
		o.closeConn(c, reason, force)
	}()
}

func (o *Orchestrator) autoStart(ctx context.Context, clientKey string, client *rtp.Client) {
	cfg, err := o.resolver(ctx, clientKey)
	if err != nil {
		o.log.Warn("auto-start: no call configuration", "client_key", clientKey, "err", err)
		return
	}
	cfg.Client = client
	if _, err := o.CreateConnection(ctx, clientKey, cfg); err != nil {
		o.log.Warn("auto-start failed", "client_key", clientKey, "err", err)
	}
}

// Shutdown closes every connection concurrently, waits for their goroutines
// and in-flight function calls, then closes the event channel. New
// connections are refused once Shutdown has started.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	conns := slices.Collect(maps.Values(o.conns))
	o.mu.Unlock()
	defer o.closeEvents()

	var g errgroup.Group
	g.SetLimit(32)
	for _, c := range conns {
		g.Go(func() error {
			o.closeConn(c, ReasonShutdown, false)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: shutdown: %w", ctx.Err())
	}
}

// Connection returns the active connection for clientKey.
func (o *Orchestrator) Connection(clientKey string) (*Connection, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.conns[clientKey]
	return c, ok
}

// Len returns the number of active connections.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.conns)
}

// Snapshot returns an [Info] for every active connection, sorted by client
// key.
func (o *Orchestrator) Snapshot() []Info {
	o.mu.RLock()
	conns := slices.Collect(maps.Values(o.conns))
	o.mu.RUnlock()

	out := make([]Info, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.ClientKey < b.ClientKey:
			return -1
		case a.ClientKey > b.ClientKey:
			return 1
		}
		return 0
	})
	return out
}

// emit publishes ev. Billing-relevant events wait up to emitTimeout for a
// slow consumer; transcripts are dropped instead.
func (o *Orchestrator) emit(ev Event, critical bool) {
	o.emitMu.RLock()
	defer o.emitMu.RUnlock()
	if o.eventsClosed {
		return
	}
	select {
	case o.events <- ev:
		return
	default:
	}
	if !critical {
		o.log.Warn("event dropped, consumer is behind", "type", ev.Type, "client_key", ev.ClientKey)
		return
	}
	t := time.NewTimer(o.emitTimeout)
	defer t.Stop()
	select {
	case o.events <- ev:
	case <-t.C:
		o.log.Error("event dropped after timeout", "type", ev.Type, "client_key", ev.ClientKey, "session_id", ev.SessionID)
	}
}

func (o *Orchestrator) closeEvents() {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	if !o.eventsClosed {
		o.eventsClosed = true
		close(o.events)
	}
}
