package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig holds configuration for OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string

	// Reader overrides the exporter-backed periodic reader. Tests use a
	// sdkmetric.ManualReader here.
	Reader sdkmetric.Reader
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ServiceName:  "lanwatch",
		ExporterType: ExporterNone,
	}
}

// Metrics records LANWatch instruments through an OpenTelemetry meter.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	agentsGauge metric.Int64ObservableGauge
	agentsReg   metric.Registration
	agentsFn    func() int64

	reports        metric.Int64Counter
	ingestLatency  metric.Float64Histogram
	authFailures   metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
	evictions      metric.Int64Counter
	reconnects     metric.Int64Counter
	discovery      metric.Int64Counter
}

// NewMetrics creates a Metrics instance. agents, if not nil, backs the
// lanwatch.agents observable gauge.
func NewMetrics(ctx context.Context, cfg *MetricsConfig, agents func() int64) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg, agentsFn: agents}

	if !m.Enabled() {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	reader := cfg.Reader
	if reader == nil {
		exporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func newMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.reports, err = m.meter.Int64Counter(
		"lanwatch.reports",
		metric.WithDescription("Metric reports received"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reports counter: %w", err)
	}

	m.ingestLatency, err = m.meter.Float64Histogram(
		"lanwatch.report.ingest",
		metric.WithDescription("Time from frame read to registry update"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create ingest histogram: %w", err)
	}

	m.authFailures, err = m.meter.Int64Counter(
		"lanwatch.auth.failures",
		metric.WithDescription("Rejected authentication attempts by reason"),
	)
	if err != nil {
		return fmt.Errorf("failed to create auth failure counter: %w", err)
	}

	m.activeSessions, err = m.meter.Int64UpDownCounter(
		"lanwatch.sessions.active",
		metric.WithDescription("Open report sessions"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active sessions counter: %w", err)
	}

	m.evictions, err = m.meter.Int64Counter(
		"lanwatch.evictions",
		metric.WithDescription("Agents evicted by the liveness sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to create eviction counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"lanwatch.agent.reconnects",
		metric.WithDescription("Agent reconnect attempts by phase"),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconnect counter: %w", err)
	}

	m.discovery, err = m.meter.Int64Counter(
		"lanwatch.discovery.replies",
		metric.WithDescription("Discovery probes answered"),
	)
	if err != nil {
		return fmt.Errorf("failed to create discovery counter: %w", err)
	}

	if m.agentsFn == nil {
		return nil
	}

	m.agentsGauge, err = m.meter.Int64ObservableGauge(
		"lanwatch.agents",
		metric.WithDescription("Agents currently in the registry"),
	)
	if err != nil {
		return fmt.Errorf("failed to create agents gauge: %w", err)
	}

	m.agentsReg, err = m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.agentsGauge, m.agentsFn())
			return nil
		},
		m.agentsGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register agents gauge callback: %w", err)
	}

	return nil
}

// RecordReport records one received report and its ingest latency.
func (m *Metrics) RecordReport(ctx context.Context, changed bool, latencyMs float64) {
	if m == nil || m.reports == nil {
		return
	}
	m.reports.Add(ctx, 1, metric.WithAttributes(attribute.Bool("changed", changed)))
	m.ingestLatency.Record(ctx, latencyMs)
}

// RecordAuthFailure counts a rejected authentication.
func (m *Metrics) RecordAuthFailure(ctx context.Context, reason string) {
	if m == nil || m.authFailures == nil {
		return
	}
	m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// IncrementSessions increments the active sessions counter.
func (m *Metrics) IncrementSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// DecrementSessions decrements the active sessions counter.
func (m *Metrics) DecrementSessions(ctx context.Context) {
	if m == nil || m.activeSessions == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}

// RecordEviction counts one stale-agent eviction.
func (m *Metrics) RecordEviction(ctx context.Context) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, 1)
}

// RecordReconnect counts an agent retry in the given phase.
func (m *Metrics) RecordReconnect(ctx context.Context, phase string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordDiscoveryReply counts an answered probe.
func (m *Metrics) RecordDiscoveryReply(ctx context.Context) {
	if m == nil || m.discovery == nil {
		return
	}
	m.discovery.Add(ctx, 1)
}

// Shutdown flushes pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.agentsReg != nil {
		if err := m.agentsReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister agents callback: %w", err)
		}
		m.agentsReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	if m.config.Reader != nil {
		return m.config.Enabled
	}
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// NoopMetrics returns a metrics instance that records nothing.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
