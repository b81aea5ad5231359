// Package app wires all voxbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates every subsystem from
// the config, Run binds the RTP and HTTP listeners and blocks until the
// context is cancelled, and Shutdown drains calls and tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithExecutor, WithSinks, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxbridge/internal/api"
	"github.com/MrWong99/voxbridge/internal/bridge"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/functions"
	"github.com/MrWong99/voxbridge/internal/functions/httpexec"
	"github.com/MrWong99/voxbridge/internal/functions/mcpexec"
	"github.com/MrWong99/voxbridge/internal/health"
	"github.com/MrWong99/voxbridge/internal/observe"
	"github.com/MrWong99/voxbridge/internal/resilience"
	"github.com/MrWong99/voxbridge/internal/sink"
	"github.com/MrWong99/voxbridge/pkg/audio/queue"
	"github.com/MrWong99/voxbridge/pkg/rtp"
)

// readHeaderTimeout bounds slow clients on the control listener.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	watcher *config.Watcher
	level   *slog.LevelVar

	registry  *config.Registry
	metrics   *observe.Metrics
	transport *rtp.Transport
	exec      functions.Executor
	orch      *bridge.Orchestrator
	sinks     []sink.Sink
	fanout    *sink.Fanout
	health    *health.Handler
	server    *http.Server

	metricsHandler http.Handler
	watchPath      string
	watchInterval  time.Duration

	// Set by Run.
	mu       sync.Mutex
	httpAddr net.Addr
	serveErr chan error
	sinkDone chan struct{}

	// closers are called in order at the end of Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a provider registry instead of one holding the
// built-in providers.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics injects the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithExecutor injects a function executor instead of building one from
// the functions config section.
func WithExecutor(e functions.Executor) Option {
	return func(a *App) { a.exec = e }
}

// WithSinks adds event sinks next to the configured ones.
func WithSinks(s ...sink.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s...) }
}

// WithMetricsHandler replaces the Prometheus handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets hot reloads change the log level of the logger main
// built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch polls path for changes and applies the hot-reloadable
// ones. A zero interval uses the watcher's default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// New creates an App by wiring all subsystems together. It fails when a
// configured provider entry cannot be built or an MCP server is unreachable.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		RegisterBuiltins(a.registry, slog.Default())
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}

	// ── 1. Provider entries ──────────────────────────────────────────────
	if err := a.checkProviders(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 2. RTP transport ─────────────────────────────────────────────────
	a.transport = rtp.New(
		rtp.WithInboundAddr(cfg.RTP.InboundAddr),
		rtp.WithPayloadType(uint8(cfg.RTP.PayloadType)),
		rtp.WithSamplesPerFrame(uint32(cfg.RTP.SamplesPerFrame)),
		rtp.WithStaleTimeout(cfg.RTP.StaleTimeout),
		rtp.WithSweepInterval(cfg.RTP.SweepInterval),
	)
	unregister, err := a.metrics.ObserveTransport(a.transport.Stats)
	if err != nil {
		return nil, fmt.Errorf("app: observe transport: %w", err)
	}
	a.closers = append(a.closers, unregister)

	// ── 3. Function executor ─────────────────────────────────────────────
	if a.exec == nil {
		if err := a.initExecutor(ctx); err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init functions: %w", err)
		}
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	a.orch = bridge.New(a.transport, a.registry, a.bridgeOptions()...)

	// ── 5. Sinks ─────────────────────────────────────────────────────────
	if err := a.initSinks(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 6. HTTP control plane ────────────────────────────────────────────
	a.health = health.New(
		health.Transport(a.transport.LocalAddr),
		health.Connections(a.orch.Len, cfg.Bridge.MaxConnections),
	)
	mux := http.NewServeMux()
	a.health.Register(mux)
	api.New(a.orch, api.WithStarter(a.StartCall)).Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// ── 7. Hot reload ────────────────────────────────────────────────────
	if a.watchPath != "" {
		var wopts []config.WatcherOption
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.watchPath, a.reload, wopts...)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// checkProviders validates every configured provider entry against the
// registry so a typo fails at startup rather than on the first call.
func (a *App) checkProviders() error {
	var errs []error
	for _, e := range a.cfg.Providers {
		if v := a.registry.Check(e); v != nil {
			errs = append(errs, v)
		}
	}
	return errors.Join(errs...)
}

// initExecutor builds the function executor selected in the config.
func (a *App) initExecutor(ctx context.Context) error {
	fc := a.cfg.Functions
	switch fc.Executor {
	case config.ExecutorHTTP:
		x, err := httpexec.New(fc.HTTP.BaseURL,
			httpexec.WithAPIKey(fc.HTTP.APIKey),
			httpexec.WithTimeout(fc.HTTP.Timeout),
			httpexec.WithBreaker(fc.HTTP.MaxFailures, fc.HTTP.ResetTimeout),
			httpexec.WithBreakerObserver(a.breakerTransition),
		)
		if err != nil {
			return err
		}
		a.exec = x
		slog.Info("function executor ready", "kind", "http", "base_url", fc.HTTP.BaseURL)

	case config.ExecutorMCP:
		x := mcpexec.New(mcpexec.WithCallTimeout(fc.MCP.Timeout))
		for _, s := range fc.MCP.Servers {
			err := x.RegisterServer(ctx, mcpexec.ServerConfig{
				Name:      s.Name,
				Transport: mcpexec.Transport(s.Transport),
				Command:   s.Command,
				URL:       s.URL,
				Env:       s.Env,
			})
			if err != nil {
				_ = x.Close()
				return err
			}
		}
		a.exec = x
		a.closers = append(a.closers, x.Close)
		slog.Info("function executor ready", "kind", "mcp",
			"servers", len(fc.MCP.Servers),
			"tools", len(x.Tools()),
		)

	default:
		a.exec = functions.Disabled{}
		slog.Info("function execution disabled")
	}
	return nil
}

func (a *App) breakerTransition(name string, from, to resilience.State) {
	slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

func (a *App) bridgeOptions() []bridge.Option {
	cfg := a.cfg
	opts := []bridge.Option{
		bridge.WithExecutor(a.exec),
		bridge.WithMetrics(a.metrics),
		bridge.WithIdleTimeout(cfg.Bridge.IdleTimeout),
		bridge.WithSweepInterval(cfg.Bridge.SweepInterval),
		bridge.WithSetupTimeout(cfg.Bridge.SetupTimeout),
		bridge.WithMargin(cfg.Bridge.ProfitMargin),
		bridge.WithInputBatch(cfg.Bridge.InputBatch, cfg.Bridge.InputFlushInterval),
		bridge.WithMaxConnections(cfg.Bridge.MaxConnections),
		bridge.WithQueueOptions(
			queue.WithFrameBytes(cfg.Audio.FrameBytes),
			queue.WithIntervals(cfg.Audio.FrameInterval, cfg.Audio.FastInterval),
			queue.WithHighWater(cfg.Audio.HighWater),
			queue.WithSoftCap(cfg.Audio.SoftCap),
			queue.WithStreamGrace(cfg.Audio.StreamGrace),
		),
	}
	if cfg.Bridge.AutoStart {
		opts = append(opts, bridge.WithAutoStart(a.resolve))
	}
	return opts
}

// initSinks builds the configured sinks plus any injected ones.
func (a *App) initSinks() error {
	sc := a.cfg.Sinks
	var sinks []sink.Sink
	if sc.LogEnabled() {
		sinks = append(sinks, sink.NewLog(slog.Default()))
	}
	if sc.Webhook.URL != "" {
		accept, unknown := sink.Filter(sc.Webhook.Events)
		if len(unknown) > 0 {
			slog.Warn("webhook: ignoring unknown event types", "events", unknown)
		}
		wh, err := sink.NewWebhook(sc.Webhook.URL,
			sink.WithHeaders(sc.Webhook.Headers),
			sink.WithWebhookTimeout(sc.Webhook.Timeout),
			sink.WithEventFilter(accept),
			sink.WithWebhookBreaker(resilience.Config{Name: "webhook", OnStateChange: a.breakerTransition}),
		)
		if err != nil {
			return err
		}
		sinks = append(sinks, wh)
	}
	if sc.File.Path != "" {
		accept, unknown := sink.Filter(sc.File.Events)
		if len(unknown) > 0 {
			slog.Warn("file sink: ignoring unknown event types", "events", unknown)
		}
		sinks = append(sinks, sink.NewFile(sc.File.Path, accept))
	}
	a.sinks = append(sinks, a.sinks...)
	a.fanout = sink.NewFanout(a.sinks...)
	return nil
}

// ─── Call setup ──────────────────────────────────────────────────────────────

// current returns the latest valid config.
func (a *App) current() *config.Config {
	if a.watcher != nil {
		return a.watcher.Current()
	}
	return a.cfg
}

// callConfig resolves an agent ID (empty for the default agent) against the
// current config.
func (a *App) callConfig(agentID string) (bridge.CallConfig, error) {
	cfg := a.current()
	if agentID == "" {
		agentID = cfg.Bridge.DefaultAgent
	}
	agent, ok := cfg.Agent(agentID)
	if !ok {
		return bridge.CallConfig{}, fmt.Errorf("%w: %q", api.ErrUnknownAgent, agentID)
	}
	entry, ok := cfg.Provider(agent.Provider)
	if !ok {
		// Still handed to the orchestrator so the problem is reported as a
		// validation error next to any agent problems.
		entry = config.ProviderEntry{ID: agent.Provider, Name: agent.Provider}
	}
	return bridge.CallConfig{Agent: agent, Provider: entry}, nil
}

// resolve is the auto-start resolver: every new RTP client gets the default
// agent. The caller ID is the client's host.
func (a *App) resolve(_ context.Context, clientKey string) (bridge.CallConfig, error) {
	cc, err := a.callConfig("")
	if err != nil {
		return cc, err
	}
	if host, _, err := net.SplitHostPort(clientKey); err == nil {
		cc.CallerID = host
	}
	return cc, nil
}

// StartCall creates a connection for the RTP client in req. It backs
// POST /calls.
func (a *App) StartCall(ctx context.Context, req api.StartRequest) (bridge.Info, error) {
	cc, err := a.callConfig(req.AgentID)
	if err != nil {
		return bridge.Info{}, err
	}
	cc.CallerID = req.CallerID
	if client, ok := a.transport.Client(req.ClientKey); ok {
		cc.Client = client
	}
	c, err := a.orch.CreateConnection(ctx, req.ClientKey, cc)
	if err != nil {
		return bridge.Info{}, err
	}
	return c.Info(), nil
}

// reload applies the hot-reloadable part of a config change. Agent and
// provider changes need no action here: calls resolve them at setup time.
func (a *App) reload(_, next *config.Config, d config.Diff) {
	if d.MarginChanged {
		a.orch.SetMargin(d.NewMargin)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
	}
	for _, e := range next.Providers {
		if v := a.registry.Check(e); v != nil {
			slog.Warn("config reload: provider entry cannot be built", "err", v)
		}
	}
	slog.Info("config reloaded",
		"agents_added", d.AgentsAdded,
		"agents_removed", d.AgentsRemoved,
		"agents_changed", d.AgentsChanged,
		"providers_changed", d.ProvidersChanged,
		"margin", a.orch.Margin(),
		"log_level", next.Server.LogLevel,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run binds the RTP and HTTP listeners and serves until ctx is cancelled or
// a listener fails. Connections stay up when Run returns; call Shutdown to
// drain them.
func (a *App) Run(ctx context.Context) error {
	// Listeners outlive ctx so calls can drain during Shutdown.
	if err := a.transport.Listen(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}

	a.mu.Lock()
	a.httpAddr = ln.Addr()
	a.serveErr = make(chan error, 1)
	a.sinkDone = make(chan struct{})
	a.mu.Unlock()

	go func() {
		defer close(a.sinkDone)
		a.fanout.Run(context.WithoutCancel(ctx), a.orch.Events())
	}()
	go func() {
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- fmt.Errorf("app: http server: %w", err)
		}
		close(a.serveErr)
	}()

	slog.Info("voxbridge running",
		"rtp", a.transport.LocalAddr().String(),
		"http", ln.Addr().String(),
		"agents", len(a.cfg.Agents),
		"auto_start", a.cfg.Bridge.AutoStart,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error {
		select {
		case err, ok := <-a.serveErr:
			if ok {
				return err
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// HTTPAddr returns the bound control-plane address, or nil before Run.
func (a *App) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// Shutdown marks the process as draining, closes every call (flushing their
// final events to the sinks), then stops the HTTP server and the RTP
// transport. It respects the context deadline for each step.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "connections", a.orch.Len())
		a.health.SetDraining()
		if a.watcher != nil {
			a.watcher.Stop()
		}

		if err := a.orch.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}

		a.mu.Lock()
		sinkDone := a.sinkDone
		a.mu.Unlock()
		if sinkDone != nil {
			select {
			case <-sinkDone:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded while flushing sinks")
				errs = append(errs, ctx.Err())
			}
		}

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.transport.Close(); err != nil {
			errs = append(errs, err)
		}
		a.runClosers()
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// SlogLevel converts a configured log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
