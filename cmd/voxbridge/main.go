// Command voxbridge bridges RTP telephony audio to cloud voice-agent
// backends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxbridge/internal/app"
	"github.com/MrWong99/voxbridge/internal/config"
	"github.com/MrWong99/voxbridge/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxbridge.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload agents, providers, margin and log level when the config file changes")
	shutdownTimeout := flag.Duration("shutdown-timeout", 15*time.Second, "time allowed for calls to drain on shutdown")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found, copy configs/voxbridge.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"rtp_addr", cfg.RTP.InboundAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
		RTPAddr:        cfg.RTP.InboundAddr,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	slog.Info("stopping, draining calls", "timeout", *shutdownTimeout)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voxbridge startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("RTP inbound", cfg.RTP.InboundAddr)
	printRow("Control API", cfg.Server.ListenAddr)
	for _, p := range cfg.Providers {
		value := p.Name
		if p.Model != "" {
			value += " / " + p.Model
		}
		printRow("Provider "+p.Key(), value)
	}
	printRow("Agents", fmt.Sprint(len(cfg.Agents)))
	printRow("Default agent", orNone(cfg.Bridge.DefaultAgent))
	printRow("Auto-start", fmt.Sprint(cfg.Bridge.AutoStart))
	printRow("Functions", orNone(string(cfg.Functions.Executor)))
	printRow("Webhook", orNone(cfg.Sinks.Webhook.URL))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(label) > 15 {
		label = label[:14] + "…"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
