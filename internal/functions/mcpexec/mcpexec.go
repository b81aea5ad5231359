// Package mcpexec routes agent function calls to Model Context Protocol
// tool servers.
//
// It connects to MCP servers via stdio or streamable-HTTP transports using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), keeps a
// concurrent-safe registry of the tools they expose, and implements
// [functions.Executor] on top of it. In-process Go handlers can be
// registered next to external servers with [Executor.RegisterBuiltin].
//
// Typical usage:
//
//	x := mcpexec.New()
//	err := x.RegisterServer(ctx, mcpexec.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcpexec.TransportStdio,
//	    Command:   "/usr/local/bin/crm-mcp",
//	})
//	result, err := x.Execute(ctx, "lookup_customer", args, cc)
//	x.Close()
package mcpexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/voxbridge/internal/functions"
)

var _ functions.Executor = (*Executor)(nil)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name      string
	Transport Transport

	// Command is split on whitespace into executable and arguments.
	Command string

	URL string
	Env map[string]string
}

// Handler implements a builtin function. args is always a JSON object.
type Handler func(ctx context.Context, args json.RawMessage, cc functions.CallContext) (json.RawMessage, error)

// Tool describes a function the executor can run.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	// Server is the MCP server name, or "builtin".
	Server string
}

// ToolStats summarises recent calls of one tool.
type ToolStats struct {
	Calls     int
	ErrorRate float64
	P50       time.Duration
	P99       time.Duration
}

const builtinServer = "builtin"

type toolEntry struct {
	tool    Tool
	builtin Handler
	window  *latencyWindow
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) {
		if l != nil {
			x.log = l
		}
	}
}

// WithCallTimeout bounds a single tool call. Zero means no extra bound.
func WithCallTimeout(d time.Duration) Option {
	return func(x *Executor) { x.callTimeout = d }
}

// Executor runs function calls as MCP tool calls.
//
// The zero value is not usable; create instances with [New].
type Executor struct {
	mu       sync.RWMutex
	tools    map[string]*toolEntry
	sessions map[string]*mcpsdk.ClientSession

	// client is shared by every server session.
	client *mcpsdk.Client

	log         *slog.Logger
	callTimeout time.Duration
}

// New creates an Executor with no servers registered.
func New(opts ...Option) *Executor {
	x := &Executor{
		tools:    make(map[string]*toolEntry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxbridge", Version: "1.0.0"},
			nil,
		),
		log: slog.Default(),
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// RegisterServer connects to the server described by cfg and imports its
// tools. A server registered again under the same name replaces the old
// connection and its tools.
func (x *Executor) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcpexec: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcpexec: stdio server %q requires a command", cfg.Name)
		}
		// The subprocess lives as long as the session, not as long as ctx.
		cmd := exec.Command(parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpexec: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcpexec: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return x.connect(ctx, cfg.Name, transport)
}

func (x *Executor) connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := x.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpexec: connect to server %q: %w", name, err)
	}

	var discovered []Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpexec: list tools of server %q: %w", name, err)
		}
		discovered = append(discovered, Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
			Server:      name,
		})
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.sessions[name]; ok {
		_ = old.Close()
		for toolName, e := range x.tools {
			if e.tool.Server == name {
				delete(x.tools, toolName)
			}
		}
	}
	x.sessions[name] = session
	for _, t := range discovered {
		if prev, ok := x.tools[t.Name]; ok && prev.tool.Server != name {
			x.log.Warn("mcpexec: tool name shadows an existing tool",
				"tool", t.Name, "server", name, "previous_server", prev.tool.Server)
		}
		x.tools[t.Name] = &toolEntry{tool: t, window: newLatencyWindow(defaultWindowSize)}
	}
	x.log.Info("mcpexec: server registered", "server", name, "tools", len(discovered))
	return nil
}

// RegisterBuiltin registers an in-process function. A tool with the same
// name is replaced.
func (x *Executor) RegisterBuiltin(name, description string, h Handler) error {
	if name == "" {
		return errors.New("mcpexec: builtin must have a non-empty name")
	}
	if h == nil {
		return fmt.Errorf("mcpexec: builtin %q must have a non-nil handler", name)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tools[name] = &toolEntry{
		tool:    Tool{Name: name, Description: description, Parameters: map[string]any{"type": "object"}, Server: builtinServer},
		builtin: h,
		window:  newLatencyWindow(defaultWindowSize),
	}
	return nil
}

// Tools returns every known tool sorted by name.
func (x *Executor) Tools() []Tool {
	x.mu.RLock()
	out := make([]Tool, 0, len(x.tools))
	for _, e := range x.tools {
		out = append(out, e.tool)
	}
	x.mu.RUnlock()
	slices.SortFunc(out, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Stats returns call statistics for the named tool.
func (x *Executor) Stats(name string) (ToolStats, bool) {
	x.mu.RLock()
	e, ok := x.tools[name]
	x.mu.RUnlock()
	if !ok {
		return ToolStats{}, false
	}
	return ToolStats{
		Calls:     e.window.Count(),
		ErrorRate: e.window.ErrorRate(),
		P50:       e.window.P50(),
		P99:       e.window.P99(),
	}, true
}

// Execute implements functions.Executor. Tool-level errors reported by the
// server and transport failures are both returned as
// *functions.ExecutionError.
func (x *Executor) Execute(ctx context.Context, name string, args json.RawMessage, cc functions.CallContext) (json.RawMessage, error) {
	x.mu.RLock()
	e, ok := x.tools[name]
	x.mu.RUnlock()
	if !ok {
		return nil, &functions.ExecutionError{Function: name, Err: functions.ErrUnknownFunction}
	}

	if x.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.callTimeout)
		defer cancel()
	}

	start := time.Now()
	var (
		result json.RawMessage
		err    error
	)
	if e.builtin != nil {
		result, err = x.runBuiltin(ctx, e, args, cc)
	} else {
		result, err = x.callTool(ctx, e, args)
	}
	e.window.Record(time.Since(start), err != nil)

	if err != nil {
		return nil, &functions.ExecutionError{Function: name, Err: err}
	}
	return result, nil
}

func (x *Executor) runBuiltin(ctx context.Context, e *toolEntry, args json.RawMessage, cc functions.CallContext) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	res, err := e.builtin(ctx, args, cc)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return json.RawMessage("null"), nil
	}
	return res, nil
}

func (x *Executor) callTool(ctx context.Context, e *toolEntry, args json.RawMessage) (json.RawMessage, error) {
	x.mu.RLock()
	session, ok := x.sessions[e.tool.Server]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %q is not connected", e.tool.Server)
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return nil, fmt.Errorf("arguments: %w", err)
		}
	}
	if argsMap == nil {
		argsMap = map[string]any{}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: e.tool.Name, Arguments: argsMap})
	if err != nil {
		return nil, fmt.Errorf("call tool: %w", err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	return textResult(text)
}

// textResult passes JSON text through unchanged and wraps anything else as a
// JSON string.
func textResult(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(text)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Close shuts down every server session. The Executor must not be used
// afterwards.
func (x *Executor) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	var errs []error
	for name, s := range x.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpexec: close server %q: %w", name, err))
		}
		delete(x.sessions, name)
	}
	x.tools = make(map[string]*toolEntry)
	return errors.Join(errs...)
}
