package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/lanwatch/internal/config"
	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/protocol"
)

// ErrAgentUnreachableServer means discovery or connection attempts were
// exhausted without reaching a server.
var ErrAgentUnreachableServer = errors.New("server unreachable")

var errServerBye = errors.New("server closed the session")

// Agent runs the discover, connect, authenticate and report loop.
type Agent struct {
	cfg       config.AgentConfig
	tlsConfig *tls.Config
	sampler   Sampler
	logger    *events.EventLogger
	tracer    *otel.Tracer
	metrics   *otel.Metrics
	hook      StateHook
	version   string

	mu         sync.RWMutex
	state      State
	serverAddr string
	seq        uint64
	sysinfo    protocol.SysInfo
}

// Option configures an Agent.
type Option func(*Agent)

// WithSampler replaces the gopsutil sampler.
func WithSampler(s Sampler) Option {
	return func(a *Agent) { a.sampler = s }
}

func WithLogger(l *events.EventLogger) Option {
	return func(a *Agent) { a.logger = l }
}

func WithTracer(t *otel.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithStateHook registers an observer for state transitions. The hook runs
// on the agent goroutine and must not block.
func WithStateHook(h StateHook) Option {
	return func(a *Agent) { a.hook = h }
}

// WithVersion sets the agent version reported in SysInfo.
func WithVersion(v string) Option {
	return func(a *Agent) { a.version = v }
}

// New validates cfg and builds an Agent. An empty AgentID is replaced by the
// host's stable ID when available, otherwise a random UUID.
func New(cfg config.AgentConfig, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent config: %w", err)
	}
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		logger:    events.NoopEventLogger(),
		tracer:    otel.NoopTracer(),
		metrics:   otel.NoopMetrics(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sampler == nil {
		a.sampler = NewHostSampler(cfg.DiskPath, a.version)
	}

	a.sysinfo = a.sampler.SysInfo(context.Background())
	if a.cfg.AgentID == "" {
		a.cfg.AgentID = a.sysinfo.HostID
	}
	if a.cfg.AgentID == "" {
		a.cfg.AgentID = uuid.NewString()
	}
	return a, nil
}

// ID returns the agent identifier sent in the auth frame.
func (a *Agent) ID() string {
	return a.cfg.AgentID
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// ServerAddr returns the address of the last server reached.
func (a *Agent) ServerAddr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.serverAddr
}

func (a *Agent) transition(to State, cause error) {
	a.mu.Lock()
	from := a.state
	a.state = to
	a.mu.Unlock()

	if from == to {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	a.logger.LogStateTransition(from.String(), to.String(), reason)
	if a.hook != nil {
		a.hook(from, to, cause)
	}
}

// Run drives the state machine until ctx is cancelled, the server rejects
// the token, or MaxCycles consecutive cycles end unreachable. A cancelled
// context returns nil.
func (a *Agent) Run(ctx context.Context) error {
	unreachable := 0
	for {
		established, err := a.cycle(ctx)
		if ctx.Err() != nil {
			a.transition(StateIdle, nil)
			return nil
		}
		if established {
			unreachable = 0
		}

		switch {
		case errors.Is(err, protocol.ErrAuthRejected):
			a.logger.LogAuthRejected(a.ServerAddr(), a.cfg.AgentID, err.Error())
			a.transition(StateIdle, err)
			return err
		case errors.Is(err, ErrAgentUnreachableServer):
			unreachable++
			a.logger.LogUnreachable(unreachable, err)
			a.transition(StateIdle, err)
			if a.cfg.MaxCycles > 0 && unreachable >= a.cfg.MaxCycles {
				return err
			}
		default:
			a.transition(StateIdle, err)
		}

		if sleep(ctx, a.cfg.IdleCooldown) != nil {
			return nil
		}
	}
}

// cycle runs sessions back to back until locating or connecting fails.
// established reports whether at least one session authenticated.
func (a *Agent) cycle(ctx context.Context) (established bool, err error) {
	for {
		addrs, err := a.locate(ctx)
		if err != nil {
			return established, err
		}

		conn, err := a.connect(ctx, addrs)
		if err != nil {
			return established, err
		}
		established = true

		err = a.session(ctx, conn)
		a.transition(StateDisconnected, err)
		if ctx.Err() != nil {
			return established, ctx.Err()
		}
		if sleep(ctx, a.cfg.BackoffInitial) != nil {
			return established, ctx.Err()
		}
	}
}

func (a *Agent) staticAddr() string {
	if a.cfg.ServerHost == "" {
		return ""
	}
	return net.JoinHostPort(a.cfg.ServerHost, strconv.Itoa(a.cfg.ServerPort))
}

// locate returns candidate server addresses, discovered first.
func (a *Agent) locate(ctx context.Context) ([]string, error) {
	static := a.staticAddr()
	if !a.cfg.Discovery {
		return []string{static}, nil
	}

	a.transition(StateDiscovering, nil)
	d := &Discoverer{
		Port:           a.cfg.DiscoveryPort,
		BroadcastAddr:  a.cfg.BroadcastAddr,
		Attempts:       a.cfg.DiscoveryAttempts,
		AttemptTimeout: a.cfg.DiscoveryAttemptTimeout,
		Timeout:        a.cfg.DiscoveryTimeout,
		BackoffInitial: a.cfg.BackoffInitial,
		BackoffMax:     a.cfg.BackoffMax,
		AgentID:        a.cfg.AgentID,
		Name:           a.cfg.Name,
		Logger:         a.logger,
		Tracer:         a.tracer,
		OnRetry: func(int, time.Duration) {
			a.metrics.RecordReconnect(ctx, "discovery")
		},
	}
	srv, err := d.Discover(ctx)
	if err != nil {
		if static == "" || ctx.Err() != nil {
			return nil, err
		}
		a.logger.Logger().Warn("discovery_failed_using_static", "addr", static, "error", err)
		return []string{static}, nil
	}
	if srv.TLS != (a.tlsConfig != nil) {
		a.logger.Logger().Warn("tls_mismatch", "server", srv.Addr, "server_tls", srv.TLS, "agent_tls", a.tlsConfig != nil)
	}
	if static != "" && static != srv.Addr {
		return []string{srv.Addr, static}, nil
	}
	return []string{srv.Addr}, nil
}

// connect tries each address with bounded, backed-off attempts. Each attempt
// dials and authenticates; a rejection is returned immediately.
func (a *Agent) connect(ctx context.Context, addrs []string) (net.Conn, error) {
	a.transition(StateConnecting, nil)

	bo := newBackoff(a.cfg.BackoffInitial, a.cfg.BackoffMax)
	var lastErr error
	attempt := 0
	for _, addr := range addrs {
		for i := 0; i < a.cfg.ConnectAttempts; i++ {
			attempt++
			conn, err := a.attempt(ctx, addr, attempt)
			if err == nil {
				a.mu.Lock()
				a.serverAddr = addr
				a.mu.Unlock()
				a.transition(StateAuthenticated, nil)
				return conn, nil
			}
			if errors.Is(err, protocol.ErrAuthRejected) {
				a.mu.Lock()
				a.serverAddr = addr
				a.mu.Unlock()
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if i == a.cfg.ConnectAttempts-1 {
				break
			}
			wait := bo.NextBackOff()
			a.logger.LogReconnect("connect", attempt, err.Error(), wait)
			a.metrics.RecordReconnect(ctx, "connect")
			if sleep(ctx, wait) != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("%w: %d connect attempts failed: %v", ErrAgentUnreachableServer, attempt, lastErr)
}

func (a *Agent) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: a.cfg.DialTimeout}
	if a.tlsConfig == nil {
		return dialer.DialContext(ctx, "tcp", addr)
	}
	cfg := a.tlsConfig.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	td := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return td.DialContext(ctx, "tcp", addr)
}

// attempt dials addr and performs the auth exchange.
func (a *Agent) attempt(ctx context.Context, addr string, n int) (net.Conn, error) {
	ctx, span := a.tracer.StartConnectSpan(ctx, a.cfg.AgentID, addr, n)
	defer span.End()

	conn, err := a.dial(ctx, addr)
	if err != nil {
		otel.RecordError(span, err, "dial", true)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := a.authenticate(ctx, conn); err != nil {
		conn.Close()
		otel.RecordError(span, err, "auth", !errors.Is(err, protocol.ErrAuthRejected))
		return nil, err
	}
	return conn, nil
}

func (a *Agent) authenticate(ctx context.Context, conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(a.cfg.AuthTimeout)); err != nil {
		return err
	}
	req := protocol.AuthRequest{
		Version: protocol.Version,
		Token:   a.cfg.Token,
		AgentID: a.cfg.AgentID,
		Name:    a.cfg.Name,
		SysInfo: a.sysinfo,
		Trace:   a.tracer.InjectMap(ctx),
	}
	if err := protocol.WriteFrame(conn, protocol.FrameAuth, req); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	f, err := protocol.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch f.Type {
	case protocol.FrameAuthOK:
		var ok protocol.AuthOK
		if err := f.Decode(&ok); err != nil {
			return err
		}
	case protocol.FrameAuthReject:
		var rej protocol.AuthReject
		_ = f.Decode(&rej)
		return &protocol.AuthRejectedError{Reason: rej.Reason}
	default:
		return fmt.Errorf("%w: expected auth result, got %s", protocol.ErrMalformedFrame, f.Type)
	}
	return conn.SetDeadline(time.Time{})
}

// session streams reports until ctx ends, a write fails or the reader
// goroutine sees the server go away.
func (a *Agent) session(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(conn) }()

	// Always closes conn and joins the reader before returning.
	finish := func(err error) error {
		conn.Close()
		<-readErr
		return err
	}

	// A heartbeat only goes out when no report did for a full interval.
	var lastReport time.Time
	sent, err := a.sendReport(ctx, conn)
	if err != nil {
		return finish(err)
	}
	if sent {
		lastReport = time.Now()
	}
	a.transition(StateReporting, nil)

	reportTicker := time.NewTicker(a.cfg.ReportInterval)
	defer reportTicker.Stop()
	var heartbeat <-chan time.Time
	if a.cfg.HeartbeatInterval > 0 {
		hb := time.NewTicker(a.cfg.HeartbeatInterval)
		defer hb.Stop()
		heartbeat = hb.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = protocol.WriteFrame(conn, protocol.FrameBye, protocol.Bye{Reason: "shutdown"})
			return finish(ctx.Err())
		case err := <-readErr:
			conn.Close()
			return err
		case <-reportTicker.C:
			sent, err := a.sendReport(ctx, conn)
			if err != nil {
				return finish(err)
			}
			if sent {
				lastReport = time.Now()
			}
		case <-heartbeat:
			if time.Since(lastReport) < a.cfg.HeartbeatInterval {
				continue
			}
			if err := a.write(conn, protocol.FrameHeartbeat, protocol.Heartbeat{Timestamp: time.Now().UnixMilli()}); err != nil {
				return finish(err)
			}
		}
	}
}

// sendReport samples and writes one report. sent is false when sampling
// failed; that skips the tick without ending the session.
func (a *Agent) sendReport(ctx context.Context, conn net.Conn) (sent bool, err error) {
	sample, err := a.sampler.Sample(ctx)
	if err != nil {
		a.logger.Logger().Warn("sample_failed", "error", err)
		return false, nil
	}
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	if err := a.write(conn, protocol.FrameReport, sample.Report(a.cfg.AgentID, seq, time.Now())); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Agent) write(conn net.Conn, t protocol.FrameType, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(a.cfg.DialTimeout)); err != nil {
		return err
	}
	if err := protocol.WriteFrame(conn, t, v); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}

// readLoop consumes server frames. Only bye is meaningful; the loop exists
// so a closed or dead server is noticed between reports.
func readLoop(conn net.Conn) error {
	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if f.Type == protocol.FrameBye {
			return errServerBye
		}
	}
}
