// Package server implements the LANWatch collector: a UDP discovery
// responder, the authenticated TCP report listener and the liveness sweep,
// all feeding one registry.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bc-dunia/lanwatch/internal/auth"
	"github.com/bc-dunia/lanwatch/internal/config"
	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/metrics"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/registry"
)

// Server owns the listeners and the registry they feed.
type Server struct {
	cfg       config.ServerConfig
	reg       *registry.Registry
	verifier  *auth.TokenVerifier
	tlsConfig *tls.Config

	logger  *events.EventLogger
	tracer  *otel.Tracer
	otelM   *otel.Metrics
	prom    *metrics.Collector
	tracker *metrics.SessionTracker

	mu       sync.Mutex
	ln       net.Listener
	udp      net.PacketConn
	running  bool
	sessions sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *events.EventLogger) Option {
	return func(s *Server) { s.logger = l }
}

func WithTracer(t *otel.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

func WithOTelMetrics(m *otel.Metrics) Option {
	return func(s *Server) { s.otelM = m }
}

// WithCollector attaches the Prometheus collector.
func WithCollector(c *metrics.Collector) Option {
	return func(s *Server) { s.prom = c }
}

// WithSessionTracker attaches a session stability tracker.
func WithSessionTracker(t *metrics.SessionTracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithRegistry shares an existing registry, e.g. one the dashboard reads.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) { s.reg = r }
}

// New builds a Server from a validated config.
func New(cfg config.ServerConfig, opts ...Option) (*Server, error) {
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	verifier := auth.NewTokenVerifier(cfg.Token)
	if verifier.Empty() {
		return nil, errors.New("server requires a shared token")
	}

	s := &Server{
		cfg:       cfg,
		verifier:  verifier,
		tlsConfig: tlsConfig,
		logger:    events.NoopEventLogger(),
		tracer:    otel.NoopTracer(),
		otelM:     otel.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = registry.New(registry.WithStaleAfter(cfg.StaleAfter))
	}
	return s, nil
}

// Registry returns the registry fed by this server.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Listen binds the TCP listener and, when discovery is enabled, the UDP
// socket. It is separate from Serve so callers can read the bound addresses.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return fmt.Errorf("server already listening")
	}

	ln, err := net.Listen("tcp", s.cfg.TCPAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.TCPAddr(), err)
	}
	if s.cfg.DiscoveryEnabled {
		udp, err := net.ListenPacket("udp4", s.cfg.UDPAddr())
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to bind discovery on %s: %w", s.cfg.UDPAddr(), err)
		}
		s.udp = udp
	}
	s.ln = ln
	return nil
}

// TCPAddr returns the bound report listener address.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// UDPAddr returns the bound discovery address, or nil when discovery is off.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Run listens and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop, the discovery responder and the sweep until
// ctx is cancelled, then shuts everything down and waits for sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return fmt.Errorf("server not listening")
	}
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	ln, udp := s.ln, s.udp
	s.mu.Unlock()

	// Sessions outlive ctx by a little so shutdown can say bye first.
	sessCtx, cancelSessions := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSessions()

	s.logger.Logger().Info("server_started",
		"tcp_addr", ln.Addr().String(),
		"discovery", udp != nil,
		"tls", s.tlsConfig != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(sessCtx, ln) })
	if udp != nil {
		g.Go(func() error { return s.serveDiscovery(gctx, udp) })
	}
	g.Go(func() error {
		return s.reg.RunSweeper(gctx, s.cfg.SweepInterval, s.onEvict)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(ln, udp, cancelSessions)
		return nil
	})

	err := g.Wait()
	s.logger.Logger().Info("server_stopped")
	return err
}

func (s *Server) shutdown(ln net.Listener, udp net.PacketConn, cancelSessions context.CancelFunc) {
	ln.Close()
	if udp != nil {
		udp.Close()
	}

	n := s.reg.RemoveAll(registry.ReasonShutdown)
	cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Logger().Warn("shutdown_timeout", "timeout", timeout)
	}
	s.logger.Logger().Info("server_shutdown", "agents_removed", n)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) onEvict(e registry.Entry) {
	s.logger.LogEvicted(e.Identity.ID, s.reg.Now().Sub(e.LastSeen))
	s.prom.Evicted()
	s.prom.ForgetAgent(e.Identity.ID)
	s.otelM.RecordEviction(context.Background())
}
