// Package dashboard serves the browser view of the registry: a JSON API, a
// WebSocket push channel and the embedded single page.
//
// It only reads the registry, through Snapshot and Subscribe.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bc-dunia/lanwatch/internal/auth"
	"github.com/bc-dunia/lanwatch/internal/config"
	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/metrics"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/registry"
	"github.com/bc-dunia/lanwatch/internal/web"
)

// Dashboard is the HTTP side of the server.
type Dashboard struct {
	cfg     config.DashboardConfig
	reg     *registry.Registry
	logger  *events.EventLogger
	tracer  *otel.Tracer
	prom    *metrics.Collector
	tracker *metrics.SessionTracker
	limiter *rateLimiter
	hub     *hub

	mu      sync.Mutex
	ctx     context.Context
	started time.Time
}

// Option configures a Dashboard.
type Option func(*Dashboard)

func WithLogger(l *events.EventLogger) Option {
	return func(d *Dashboard) { d.logger = l }
}

func WithTracer(t *otel.Tracer) Option {
	return func(d *Dashboard) { d.tracer = t }
}

// WithCollector mounts the collector on /metrics.
func WithCollector(c *metrics.Collector) Option {
	return func(d *Dashboard) { d.prom = c }
}

// WithSessionTracker adds session stability to /api/stats.
func WithSessionTracker(t *metrics.SessionTracker) Option {
	return func(d *Dashboard) { d.tracker = t }
}

// New creates a dashboard over reg. Zero config fields take their defaults.
func New(cfg config.DashboardConfig, reg *registry.Registry, opts ...Option) *Dashboard {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = config.DefaultSnapshotInterval
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = config.DefaultSubscriberBuffer
	}
	d := &Dashboard{
		cfg:     cfg,
		reg:     reg,
		logger:  events.NoopEventLogger(),
		tracer:  otel.NoopTracer(),
		limiter: newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		ctx:     context.Background(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.hub = newHub(d)
	return d
}

// Handler returns the routed dashboard.
func (d *Dashboard) Handler() http.Handler {
	guard := auth.NewMiddleware(auth.NewTokenVerifier(d.cfg.Token))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware(d.tracer))

	r.Get("/healthz", d.handleHealthz)
	if d.prom != nil {
		r.Method(http.MethodGet, "/metrics", d.prom.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(guard.Handler)
		r.Get("/ws", d.hub.serveWS)
		r.Route("/api", func(r chi.Router) {
			r.Use(d.limiter.middleware)
			r.Get("/agents", d.handleListAgents)
			r.Get("/agents/{id}", d.handleGetAgent)
			r.Get("/stats", d.handleStats)
		})
	})

	ui := web.Handler()
	r.Get("/", ui.ServeHTTP)
	r.Get("/*", ui.ServeHTTP)
	return r
}

// Serve answers on ln until ctx is cancelled, then closes WebSocket
// clients and drains in-flight requests.
func (d *Dashboard) Serve(ctx context.Context, ln net.Listener) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	d.logger.Logger().Info("dashboard_started", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	d.hub.wg.Wait()
	d.logger.Logger().Info("dashboard_stopped")
	return err
}

// ListenAndServe binds addr and calls Serve.
func (d *Dashboard) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return d.Serve(ctx, ln)
}

// Clients returns the number of connected WebSocket clients.
func (d *Dashboard) Clients() int {
	return int(d.hub.clients.Load())
}

func (d *Dashboard) baseCtx() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}
