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

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/lanwatch/internal/bridge"
	"github.com/bc-dunia/lanwatch/internal/config"
	"github.com/bc-dunia/lanwatch/internal/dashboard"
	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/metrics"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/registry"
	"github.com/bc-dunia/lanwatch/internal/server"
)

var version = "dev"

const sessionEventHistory = 1000

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
		os.Exit(1)
	}
}

// parseFlags builds the config: defaults, then the optional file, then the
// flags that were set explicitly. LANWATCH_TOKEN fills an empty token.
func parseFlags(args []string, output io.Writer) (config.ServerConfig, error) {
	fs := flag.NewFlagSet("lanwatch-server", flag.ContinueOnError)
	fs.SetOutput(output)

	fv := config.DefaultServerConfig()
	configPath := fs.String("config", "", "Path to a YAML or TOML config file")
	fs.StringVar(&fv.Name, "name", fv.Name, "Server name advertised in discovery replies")
	fs.StringVar(&fv.TCPHost, "host", fv.TCPHost, "TCP report listener host")
	fs.IntVar(&fv.TCPPort, "port", fv.TCPPort, "TCP report listener port")
	fs.BoolVar(&fv.DiscoveryEnabled, "discovery", fv.DiscoveryEnabled, "Answer UDP discovery probes")
	fs.StringVar(&fv.UDPHost, "udp-host", fv.UDPHost, "UDP discovery bind host")
	fs.IntVar(&fv.UDPPort, "udp-port", fv.UDPPort, "UDP discovery port")
	fs.StringVar(&fv.WebHost, "web-host", fv.WebHost, "Dashboard host")
	fs.IntVar(&fv.WebPort, "web-port", fv.WebPort, "Dashboard port")
	fs.StringVar(&fv.Token, "token", "", "Shared agent token (default $"+config.EnvToken+")")
	fs.StringVar(&fv.TLSCert, "tls-cert", "", "TLS certificate file for the report channel")
	fs.StringVar(&fv.TLSKey, "tls-key", "", "TLS key file for the report channel")
	fs.DurationVar(&fv.SweepInterval, "sweep-interval", fv.SweepInterval, "Liveness sweep interval")
	fs.DurationVar(&fv.StaleAfter, "stale-after", fv.StaleAfter, "Evict agents silent for longer than this")
	fs.DurationVar(&fv.ReportIntervalHint, "report-interval", fv.ReportIntervalHint, "Report interval suggested to agents")
	fs.StringVar(&fv.Dashboard.Token, "dashboard-token", "", "Bearer token guarding /api and /ws (empty disables)")
	fs.Float64Var(&fv.Dashboard.RateLimitRPS, "rate-limit", fv.Dashboard.RateLimitRPS, "Dashboard API rate limit per client in requests/second (0 to disable)")
	fs.IntVar(&fv.Dashboard.RateLimitBurst, "rate-burst", fv.Dashboard.RateLimitBurst, "Dashboard API rate limit burst size")
	fs.StringVar(&fv.NATS.URL, "nats-url", "", "Publish registry events to this NATS server")
	fs.StringVar(&fv.NATS.SubjectPrefix, "nats-subject", fv.NATS.SubjectPrefix, "NATS subject prefix")
	fs.StringVar(&fv.Log.Level, "log-level", fv.Log.Level, "Log level: debug, info, warn, error")
	fs.StringVar(&fv.Log.Format, "log-format", fv.Log.Format, "Log format: json, text")
	fs.StringVar(&fv.Telemetry.Exporter, "otel-exporter", "none", "OpenTelemetry exporter: none, stdout, otlp-grpc, otlp-http")
	fs.StringVar(&fv.Telemetry.Endpoint, "otel-endpoint", "", "OTLP endpoint")
	fs.BoolVar(&fv.Telemetry.Insecure, "otel-insecure", false, "Disable TLS for the OTLP exporter")

	if err := fs.Parse(args); err != nil {
		return config.ServerConfig{}, err
	}

	cfg := config.ServerConfig{DiscoveryEnabled: true}
	if *configPath != "" {
		if err := config.LoadFile(*configPath, &cfg); err != nil {
			return config.ServerConfig{}, err
		}
	}

	overrides := map[string]func(){
		"name":            func() { cfg.Name = fv.Name },
		"host":            func() { cfg.TCPHost = fv.TCPHost },
		"port":            func() { cfg.TCPPort = fv.TCPPort },
		"discovery":       func() { cfg.DiscoveryEnabled = fv.DiscoveryEnabled },
		"udp-host":        func() { cfg.UDPHost = fv.UDPHost },
		"udp-port":        func() { cfg.UDPPort = fv.UDPPort },
		"web-host":        func() { cfg.WebHost = fv.WebHost },
		"web-port":        func() { cfg.WebPort = fv.WebPort },
		"token":           func() { cfg.Token = fv.Token },
		"tls-cert":        func() { cfg.TLSCert = fv.TLSCert },
		"tls-key":         func() { cfg.TLSKey = fv.TLSKey },
		"sweep-interval":  func() { cfg.SweepInterval = fv.SweepInterval },
		"stale-after":     func() { cfg.StaleAfter = fv.StaleAfter },
		"report-interval": func() { cfg.ReportIntervalHint = fv.ReportIntervalHint },
		"dashboard-token": func() { cfg.Dashboard.Token = fv.Dashboard.Token },
		"rate-limit":      func() { cfg.Dashboard.RateLimitRPS = fv.Dashboard.RateLimitRPS },
		"rate-burst":      func() { cfg.Dashboard.RateLimitBurst = fv.Dashboard.RateLimitBurst },
		"nats-url":        func() { cfg.NATS.URL = fv.NATS.URL },
		"nats-subject":    func() { cfg.NATS.SubjectPrefix = fv.NATS.SubjectPrefix },
		"log-level":       func() { cfg.Log.Level = fv.Log.Level },
		"log-format":      func() { cfg.Log.Format = fv.Log.Format },
		"otel-exporter":   func() { cfg.Telemetry.Exporter = fv.Telemetry.Exporter },
		"otel-endpoint":   func() { cfg.Telemetry.Endpoint = fv.Telemetry.Endpoint },
		"otel-insecure":   func() { cfg.Telemetry.Insecure = fv.Telemetry.Insecure },
	}
	fs.Visit(func(f *flag.Flag) {
		if set, ok := overrides[f.Name]; ok {
			set()
		}
	})

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.ServerConfig{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	logger := events.NewLogger(os.Stderr, events.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(logger)
	el := events.FromLogger("server", logger)

	reg := registry.New(registry.WithStaleAfter(cfg.StaleAfter))

	tracer, otelMetrics, err := setupTelemetry(ctx, cfg.Telemetry, reg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := otelMetrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_metrics_shutdown_failed", "error", err)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel_tracer_shutdown_failed", "error", err)
		}
	}()

	prom := metrics.NewCollector(reg)
	tracker := metrics.NewSessionTracker(sessionEventHistory)

	srv, err := server.New(cfg,
		server.WithRegistry(reg),
		server.WithLogger(el),
		server.WithTracer(tracer),
		server.WithOTelMetrics(otelMetrics),
		server.WithCollector(prom),
		server.WithSessionTracker(tracker),
	)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	dash := dashboard.New(cfg.Dashboard, reg,
		dashboard.WithLogger(events.FromLogger("dashboard", logger)),
		dashboard.WithTracer(tracer),
		dashboard.WithCollector(prom),
		dashboard.WithSessionTracker(tracker),
	)

	logger.Info("lanwatch_server_starting",
		"version", version,
		"tcp_addr", srv.TCPAddr().String(),
		"web_addr", cfg.WebAddr(),
		"discovery", cfg.DiscoveryEnabled,
		"tls", cfg.TLSEnabled(),
	)

	var nc *nats.Conn
	bl := events.FromLogger("bridge", logger)
	if cfg.NATS.URL != "" {
		nc, err = bridge.Connect(cfg.NATS.URL, "lanwatch-"+cfg.Name, bl)
		if err != nil {
			return err
		}
		defer nc.Close()
	}

	// The bridge outlives Serve so the shutdown removals reach NATS.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopBridge()
		return srv.Serve(gctx)
	})
	g.Go(func() error { return dash.ListenAndServe(gctx, cfg.WebAddr()) })

	if nc != nil {
		b := bridge.New(reg, nc, cfg.NATS.SubjectPrefix, cfg.Dashboard.SubscriberBuffer, bl, prom)
		g.Go(func() error {
			err := b.Run(bridgeCtx)
			if ferr := nc.Flush(); ferr != nil {
				bl.Logger().Warn("nats_flush_failed", "error", ferr)
			}
			return err
		})
	}

	err = g.Wait()
	logger.Info("lanwatch_server_stopped")
	return err
}

func setupTelemetry(ctx context.Context, tc config.TelemetryConfig, reg *registry.Registry) (*otel.Tracer, *otel.Metrics, error) {
	exporter, err := otel.ParseExporter(tc.Exporter)
	if err != nil {
		return nil, nil, err
	}
	enabled := exporter != otel.ExporterNone

	tcfg := otel.DefaultConfig()
	tcfg.Enabled = enabled
	tcfg.ServiceName = "lanwatch-server"
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
	mcfg.ServiceName = "lanwatch-server"
	mcfg.ServiceVersion = version
	mcfg.ExporterType = exporter
	mcfg.OTLPEndpoint = tc.Endpoint
	mcfg.OTLPInsecure = tc.Insecure
	m, err := otel.NewMetrics(ctx, mcfg, func() int64 { return int64(reg.Len()) })
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	return tracer, m, nil
}
