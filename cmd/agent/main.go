package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bc-dunia/lanwatch/internal/agent"
	"github.com/bc-dunia/lanwatch/internal/config"
	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/protocol"
)

var version = "dev"

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, protocol.ErrAuthRejected) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

// parseFlags builds the config: defaults, then the optional file, then the
// flags that were set explicitly. LANWATCH_TOKEN fills an empty token.
func parseFlags(args []string, output io.Writer) (config.AgentConfig, error) {
	fs := flag.NewFlagSet("lanwatch-agent", flag.ContinueOnError)
	fs.SetOutput(output)

	fv := config.DefaultAgentConfig()
	configPath := fs.String("config", "", "Path to a YAML or TOML config file")
	fs.StringVar(&fv.ServerHost, "server-host", "", "Server host; skips discovery when --discovery=false")
	fs.IntVar(&fv.ServerPort, "server-port", fv.ServerPort, "Server TCP report port")
	fs.BoolVar(&fv.Discovery, "discovery", fv.Discovery, "Locate the server with UDP broadcast")
	fs.IntVar(&fv.DiscoveryPort, "udp-port", fv.DiscoveryPort, "UDP discovery port")
	fs.StringVar(&fv.BroadcastAddr, "broadcast", fv.BroadcastAddr, "Broadcast address for discovery probes")
	fs.StringVar(&fv.Token, "token", "", "Shared token (default $"+config.EnvToken+")")
	fs.StringVar(&fv.Name, "name", fv.Name, "Display name")
	fs.StringVar(&fv.AgentID, "client-id", "", "Agent ID (default: host ID, then a random UUID)")
	fs.BoolVar(&fv.TLS.Enabled, "tls", false, "Use TLS on the report channel")
	fs.BoolVar(&fv.TLS.InsecureSkipVerify, "tls-skip-verify", false, "Do not verify the server certificate")
	fs.StringVar(&fv.TLS.CAFile, "tls-ca", "", "CA bundle for the server certificate")
	fs.StringVar(&fv.TLS.ServerName, "tls-server-name", "", "Expected server certificate name")
	fs.DurationVar(&fv.ReportInterval, "report-interval", fv.ReportInterval, "Metric report interval")
	fs.DurationVar(&fv.HeartbeatInterval, "heartbeat-interval", fv.HeartbeatInterval, "Heartbeat interval (negative disables)")
	fs.IntVar(&fv.DiscoveryAttempts, "discovery-attempts", fv.DiscoveryAttempts, "Discovery probes per cycle")
	fs.IntVar(&fv.ConnectAttempts, "connect-attempts", fv.ConnectAttempts, "Connection attempts per cycle")
	fs.DurationVar(&fv.IdleCooldown, "idle-cooldown", fv.IdleCooldown, "Pause between unreachable cycles")
	fs.IntVar(&fv.MaxCycles, "max-cycles", 0, "Give up after this many unreachable cycles (0 = never)")
	fs.StringVar(&fv.DiskPath, "disk-path", fv.DiskPath, "Filesystem to report disk usage for")
	fs.StringVar(&fv.Log.Level, "log-level", fv.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&fv.Log.Format, "log-format", fv.Log.Format, "Log format: json, text")
	fs.StringVar(&fv.Telemetry.Exporter, "otel-exporter", "none", "OpenTelemetry exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&fv.Telemetry.Endpoint, "otel-endpoint", "", "OTLP endpoint")
	fs.BoolVar(&fv.Telemetry.Insecure, "otel-insecure", false, "Disable TLS for the OTLP exporter")

	if err := fs.Parse(args); err != nil {
		return config.AgentConfig{}, err
	}

	cfg := config.AgentConfig{Discovery: true}
	if *configPath != "" {
		if err := config.LoadFile(*configPath, &cfg); err != nil {
			return config.AgentConfig{}, err
		}
	}

	overrides := map[string]func(){
		"server-host":        func() { cfg.ServerHost = fv.ServerHost },
		"server-port":        func() { cfg.ServerPort = fv.ServerPort },
		"discovery":          func() { cfg.Discovery = fv.Discovery },
		"udp-port":           func() { cfg.DiscoveryPort = fv.DiscoveryPort },
		"broadcast":          func() { cfg.BroadcastAddr = fv.BroadcastAddr },
		"token":              func() { cfg.Token = fv.Token },
		"name":               func() { cfg.Name = fv.Name },
		"client-id":          func() { cfg.AgentID = fv.AgentID },
		"tls":                func() { cfg.TLS.Enabled = fv.TLS.Enabled },
		"tls-skip-verify":    func() { cfg.TLS.InsecureSkipVerify = fv.TLS.InsecureSkipVerify },
		"tls-ca":             func() { cfg.TLS.CAFile = fv.TLS.CAFile },
		"tls-server-name":    func() { cfg.TLS.ServerName = fv.TLS.ServerName },
		"report-interval":    func() { cfg.ReportInterval = fv.ReportInterval },
		"heartbeat-interval": func() { cfg.HeartbeatInterval = fv.HeartbeatInterval },
		"discovery-attempts": func() { cfg.DiscoveryAttempts = fv.DiscoveryAttempts },
		"connect-attempts":   func() { cfg.ConnectAttempts = fv.ConnectAttempts },
		"idle-cooldown":      func() { cfg.IdleCooldown = fv.IdleCooldown },
		"max-cycles":         func() { cfg.MaxCycles = fv.MaxCycles },
		"disk-path":          func() { cfg.DiskPath = fv.DiskPath },
		"log-level":          func() { cfg.Log.Level = fv.Log.Level },
		"log-format":         func() { cfg.Log.Format = fv.Log.Format },
		"otel-exporter":      func() { cfg.Telemetry.Exporter = fv.Telemetry.Exporter },
		"otel-endpoint":      func() { cfg.Telemetry.Endpoint = fv.Telemetry.Endpoint },
		"otel-insecure":      func() { cfg.Telemetry.Insecure = fv.Telemetry.Insecure },
	}
	fs.Visit(func(f *flag.Flag) {
		if set, ok := overrides[f.Name]; ok {
			set()
		}
	})

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.AgentConfig{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.AgentConfig) error {
	logger := events.NewLogger(os.Stderr, events.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(logger)
	el := events.FromLogger("agent", logger)

	tracer, otelMetrics, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
		defer cancel()
		if err := otelMetrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_metrics_shutdown_failed", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_tracer_shutdown_failed", "error", err)
		}
	}()

	a, err := agent.New(cfg,
		agent.WithLogger(el),
		agent.WithTracer(tracer),
		agent.WithMetrics(otelMetrics),
		agent.WithVersion(version),
	)
	if err != nil {
		return err
	}

	logger.Info("lanwatch_agent_starting",
		"version", version,
		"agent_id", a.ID(),
		"name", cfg.Name,
		"discovery", cfg.Discovery,
		"server_host", cfg.ServerHost,
		"tls", cfg.TLS.Enabled,
	)
	err = a.Run(ctx)
	logger.Info("lanwatch_agent_stopped", "agent_id", a.ID())
	return err
}

func setupTelemetry(ctx context.Context, tc config.TelemetryConfig) (*otel.Tracer, *otel.Metrics, error) {
	exporter, err := otel.ParseExporter(tc.Exporter)
	if err != nil {
		return nil, nil, err
	}
	enabled := exporter != otel.ExporterNone

	tcfg := otel.DefaultConfig()
	tcfg.Enabled = enabled
	tcfg.ServiceName = "lanwatch-agent"
	tcfg.ServiceVersion = version
	tcfg.ExporterType = exporter
	tcfg.OTLPEndpoint = tc.Endpoint
	tcfg.OTLPInsecure = tc.Insecure
	tracer, err := otel.NewTracer(ctx, tcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init tracer: %w", err)
	}

	mcfg := otel.DefaultMetricsConfig()
	mcfg.Enabled = enabled
	mcfg.ServiceName = "lanwatch-agent"
	mcfg.ServiceVersion = version
	mcfg.ExporterType = exporter
	mcfg.OTLPEndpoint = tc.Endpoint
	mcfg.OTLPInsecure = tc.Insecure
	m, err := otel.NewMetrics(ctx, mcfg, nil)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	return tracer, m, nil
}
