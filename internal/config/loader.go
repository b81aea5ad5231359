package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxbridge/pkg/audio/queue"
	"github.com/MrWong99/voxbridge/pkg/rtp"
)

// Bridge defaults not owned by a lower-level package.
const (
	DefaultListenAddr         = ":8080"
	DefaultIdleTimeout        = 5 * time.Minute
	DefaultIdleSweepInterval  = 30 * time.Second
	DefaultSetupTimeout       = 15 * time.Second
	DefaultInputBatch         = 100 * time.Millisecond
	DefaultInputFlushInterval = 200 * time.Millisecond
	DefaultFunctionTimeout    = 10 * time.Second
	DefaultWebhookTimeout     = 5 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued tunable with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ListenAddr, DefaultListenAddr)
	setDefault(&c.Server.LogLevel, LogInfo)

	setDefault(&c.RTP.InboundAddr, rtp.DefaultInboundAddr)
	setDefault(&c.RTP.SamplesPerFrame, int(rtp.DefaultSamplesPerFrame))
	setDefault(&c.RTP.StaleTimeout, rtp.DefaultStaleTimeout)
	setDefault(&c.RTP.SweepInterval, rtp.DefaultSweepInterval)

	setDefault(&c.Audio.FrameBytes, queue.DefaultFrameBytes)
	setDefault(&c.Audio.FrameInterval, queue.DefaultFrameInterval)
	setDefault(&c.Audio.FastInterval, queue.DefaultFastInterval)
	setDefault(&c.Audio.HighWater, queue.DefaultHighWater)
	setDefault(&c.Audio.SoftCap, queue.DefaultSoftCap)
	setDefault(&c.Audio.StreamGrace, queue.DefaultStreamGrace)

	setDefault(&c.Bridge.IdleTimeout, DefaultIdleTimeout)
	setDefault(&c.Bridge.SweepInterval, DefaultIdleSweepInterval)
	setDefault(&c.Bridge.SetupTimeout, DefaultSetupTimeout)
	setDefault(&c.Bridge.InputBatch, DefaultInputBatch)
	setDefault(&c.Bridge.InputFlushInterval, DefaultInputFlushInterval)
	if c.Bridge.DefaultAgent == "" && len(c.Agents) > 0 {
		c.Bridge.DefaultAgent = c.Agents[0].ID
	}

	setDefault(&c.Functions.HTTP.Timeout, DefaultFunctionTimeout)
	setDefault(&c.Functions.MCP.Timeout, DefaultFunctionTimeout)
	setDefault(&c.Sinks.Webhook.Timeout, DefaultWebhookTimeout)
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Provider-specific required fields are checked by [Registry.Validate].
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v is out of range [0, 1]", *r))
	}

	// RTP
	if cfg.RTP.PayloadType < 0 || cfg.RTP.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("rtp.payload_type %d is out of range [0, 127]", cfg.RTP.PayloadType))
	}
	if cfg.RTP.SamplesPerFrame < 0 {
		errs = append(errs, fmt.Errorf("rtp.samples_per_frame must not be negative"))
	}

	// Audio
	if cfg.Audio.FastInterval > cfg.Audio.FrameInterval {
		errs = append(errs, fmt.Errorf("audio.fast_interval %s must not exceed audio.frame_interval %s", cfg.Audio.FastInterval, cfg.Audio.FrameInterval))
	}
	if cfg.Audio.SoftCap > 0 && cfg.Audio.HighWater > cfg.Audio.SoftCap {
		slog.Warn("audio.high_water exceeds audio.soft_cap; pacing will only speed up past the capacity warning",
			"high_water", cfg.Audio.HighWater, "soft_cap", cfg.Audio.SoftCap)
	}

	// Bridge
	if cfg.Bridge.ProfitMargin < 0 {
		errs = append(errs, fmt.Errorf("bridge.profit_margin %.2f must not be negative", cfg.Bridge.ProfitMargin))
	}
	if cfg.Bridge.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("bridge.max_connections must not be negative"))
	}
	if cfg.Bridge.AutoStart && cfg.Bridge.DefaultAgent == "" {
		errs = append(errs, fmt.Errorf("bridge.auto_start requires bridge.default_agent or at least one agent"))
	}
	if id := cfg.Bridge.DefaultAgent; id != "" {
		if _, ok := cfg.Agent(id); !ok {
			errs = append(errs, fmt.Errorf("bridge.default_agent %q does not match any agent", id))
		}
	}

	// Providers
	providerSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := providerSeen[p.Key()]; ok {
			errs = append(errs, fmt.Errorf("%s id %q is a duplicate of providers[%d]", prefix, p.Key(), prev))
		}
		providerSeen[p.Key()] = i
	}

	// Agents
	agentSeen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := agentSeen[a.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
			}
			agentSeen[a.ID] = i
		}
		if a.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else if _, ok := providerSeen[a.Provider]; !ok {
			errs = append(errs, fmt.Errorf("%s.provider %q does not match any providers entry", prefix, a.Provider))
		}
		if v := CheckAgent(a); v != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, v))
		}
	}

	// Functions
	if !cfg.Functions.Executor.IsValid() {
		errs = append(errs, fmt.Errorf("functions.executor %q is invalid; valid values: http, mcp", cfg.Functions.Executor))
	}
	if cfg.Functions.Executor == ExecutorHTTP && cfg.Functions.HTTP.BaseURL == "" {
		errs = append(errs, fmt.Errorf("functions.http.base_url is required when functions.executor is http"))
	}
	if cfg.Functions.Executor == ExecutorMCP && len(cfg.Functions.MCP.Servers) == 0 {
		errs = append(errs, fmt.Errorf("functions.mcp.servers must not be empty when functions.executor is mcp"))
	}
	for i, srv := range cfg.Functions.MCP.Servers {
		prefix := fmt.Sprintf("functions.mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
			}
		case "streamable-http":
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
	}
	if cfg.Functions.Executor == ExecutorNone {
		for _, a := range cfg.Agents {
			if len(a.Functions) > 0 {
				slog.Warn("agent declares functions but no executor is configured; calls will fail",
					"agent", a.ID)
			}
		}
	}

	return errors.Join(errs...)
}
