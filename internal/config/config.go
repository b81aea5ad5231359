// Package config provides the configuration schema, loader, and provider
// registry for the voxbridge RTP bridge.
package config

import (
	"time"

	"github.com/MrWong99/voxbridge/internal/functions"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ExecutorKind selects the backend that runs agent functions.
type ExecutorKind string

const (
	// ExecutorNone disables function execution; every call fails.
	ExecutorNone ExecutorKind = ""

	// ExecutorHTTP posts calls to an external function service.
	ExecutorHTTP ExecutorKind = "http"

	// ExecutorMCP routes calls to Model Context Protocol servers.
	ExecutorMCP ExecutorKind = "mcp"
)

// IsValid reports whether k is a recognised executor kind.
func (k ExecutorKind) IsValid() bool {
	return k == ExecutorNone || k == ExecutorHTTP || k == ExecutorMCP
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RTP       RTPConfig       `yaml:"rtp"`
	Audio     AudioConfig     `yaml:"audio"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Providers []ProviderEntry `yaml:"providers"`
	Agents    []AgentConfig   `yaml:"agents"`
	Functions FunctionsConfig `yaml:"functions"`
	Sinks     SinksConfig     `yaml:"sinks"`
}

// ServerConfig holds the control-plane listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API, health and metrics
	// endpoints (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of call traces kept, in [0, 1].
	// Unset keeps every trace.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// RTPConfig configures the UDP media transport.
type RTPConfig struct {
	// InboundAddr is the UDP address caller audio arrives on. The outbound
	// socket binds one port below it.
	InboundAddr string `yaml:"inbound_addr"`

	// PayloadType is stamped on outbound packets (0 = PCMU).
	PayloadType int `yaml:"payload_type"`

	// SamplesPerFrame is the outbound timestamp increment per packet.
	SamplesPerFrame int `yaml:"samples_per_frame"`

	// StaleTimeout removes clients that sent nothing for this long.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// SweepInterval is how often stale clients are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AudioConfig tunes the outbound pacing queue.
type AudioConfig struct {
	FrameBytes    int           `yaml:"frame_bytes"`
	FrameInterval time.Duration `yaml:"frame_interval"`
	FastInterval  time.Duration `yaml:"fast_interval"`

	// HighWater is the backlog in frames above which FastInterval is used.
	HighWater int `yaml:"high_water"`

	// SoftCap is the backlog in frames above which a capacity warning is
	// logged. Audio is never dropped.
	SoftCap int `yaml:"soft_cap"`

	// StreamGrace ends a playback stream after this much idle time.
	StreamGrace time.Duration `yaml:"stream_grace"`
}

// BridgeConfig configures the connection orchestrator.
type BridgeConfig struct {
	// IdleTimeout closes connections without activity for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SweepInterval is how often idle connections are looked for.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SetupTimeout bounds connect plus session configuration.
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// ProfitMargin is applied to every base cost (0.2 = 20 %).
	ProfitMargin float64 `yaml:"profit_margin"`

	// DefaultAgent is the agent ID used for auto-started calls.
	DefaultAgent string `yaml:"default_agent"`

	// AutoStart creates a connection as soon as a new RTP client appears.
	AutoStart bool `yaml:"auto_start"`

	// InputBatch is the amount of caller audio collected before it is
	// forwarded to the provider.
	InputBatch time.Duration `yaml:"input_batch"`

	// InputFlushInterval forwards a partial batch after this long.
	InputFlushInterval time.Duration `yaml:"input_flush_interval"`

	// MaxConnections refuses new calls beyond this many. Zero means no limit.
	MaxConnections int `yaml:"max_connections"`
}

// ProviderEntry is one configured AI backend. The Name field is used to look
// up the constructor in the [Registry]; ID lets several entries share one
// implementation (e.g., two OpenAI models).
type ProviderEntry struct {
	// ID is how agents refer to this entry. Defaults to Name.
	ID string `yaml:"id"`

	// Name selects the registered provider implementation ("openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// Key returns the ID agents use to reference this entry.
func (e ProviderEntry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// AgentConfig is a voice agent profile a call can be bound to.
type AgentConfig struct {
	// ID identifies the agent in API calls and billing events.
	ID string `yaml:"id"`

	// TenantID is passed through to billing events.
	TenantID string `yaml:"tenant_id"`

	// Provider references a [ProviderEntry] by its Key.
	Provider string `yaml:"provider"`

	Instructions string `yaml:"instructions"`
	Greeting     string `yaml:"greeting"`
	Voice        string `yaml:"voice"`
	Language     string `yaml:"language"`

	// VADThreshold is the speech detection sensitivity in [0,1].
	VADThreshold float64 `yaml:"vad_threshold"`

	// SilenceDurationMs is the trailing silence that ends a caller turn.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	Temperature float64 `yaml:"temperature"`

	// Functions lists the functions offered to the model.
	Functions []FunctionConfig `yaml:"functions"`
}

// FunctionConfig declares one callable function and how the bridge waits
// for it.
type FunctionConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`

	// Mode is "sync" (default) or "async".
	Mode functions.Mode `yaml:"mode"`
}

// FunctionsConfig selects and configures the function executor.
type FunctionsConfig struct {
	Executor ExecutorKind       `yaml:"executor"`
	HTTP     HTTPExecutorConfig `yaml:"http"`
	MCP      MCPConfig          `yaml:"mcp"`
}

// HTTPExecutorConfig configures the HTTP function executor.
type HTTPExecutorConfig struct {
	// BaseURL is the function service root; calls go to
	// {BaseURL}/functions/{name}/execute.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a Bearer token when set.
	APIKey string `yaml:"api_key"`

	// Timeout bounds a single call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxFailures consecutive failures open the circuit breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long the breaker stays open.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// MCPConfig holds the list of Model Context Protocol servers to connect to.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// Timeout bounds a single tool call.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport is "stdio" or "streamable-http".
	Transport string `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the MCP endpoint used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env"`
}

// SinksConfig configures where call events are delivered.
type SinksConfig struct {
	// Log writes every event through slog. Enabled unless explicitly false.
	Log *bool `yaml:"log"`

	Webhook WebhookConfig  `yaml:"webhook"`
	File    FileSinkConfig `yaml:"file"`
}

// LogEnabled reports whether the log sink is on.
func (s SinksConfig) LogEnabled() bool { return s.Log == nil || *s.Log }

// WebhookConfig configures the HTTP event sink. An empty URL disables it.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`

	// Events restricts delivery to these event types; empty means all.
	Events []string `yaml:"events"`
}

// FileSinkConfig configures the JSON-lines event file. An empty Path
// disables it.
type FileSinkConfig struct {
	Path   string   `yaml:"path"`
	Events []string `yaml:"events"`
}

// Agent returns the agent with the given ID.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Provider returns the provider entry with the given key.
func (c *Config) Provider(key string) (ProviderEntry, bool) {
	for _, p := range c.Providers {
		if p.Key() == key {
			return p, true
		}
	}
	return ProviderEntry{}, false
}
