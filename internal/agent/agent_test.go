package agent

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bc-dunia/lanwatch/internal/config"
	"github.com/bc-dunia/lanwatch/internal/protocol"
)

type fakeSampler struct {
	mu sync.Mutex
	n  int
}

func (s *fakeSampler) Sample(context.Context) (HostMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return HostMetrics{CPUPercent: float64(s.n), MemPercent: 50, DiskUsedPercent: 10}, nil
}

func (s *fakeSampler) SysInfo(context.Context) protocol.SysInfo {
	return protocol.SysInfo{Hostname: "fake-host", HostID: "host-123", OS: "linux", Arch: "amd64"}
}

// idleSampler never produces a sample, so sessions stay open without reports.
type idleSampler struct {
	fakeSampler
}

func (s *idleSampler) Sample(context.Context) (HostMetrics, error) {
	return HostMetrics{}, errors.New("sampling unavailable")
}

type fakeServer struct {
	t          *testing.T
	ln         net.Listener
	token      string
	byeAfter   int
	auths      chan protocol.AuthRequest
	reports    chan protocol.MetricReport
	heartbeats atomic.Int64
}

func startFakeServer(t *testing.T, token string, byeAfter int) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{
		t:        t,
		ln:       ln,
		token:    token,
		byeAfter: byeAfter,
		auths:    make(chan protocol.AuthRequest, 64),
		reports:  make(chan protocol.MetricReport, 256),
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	f, err := protocol.ReadFrame(conn)
	if err != nil || f.Type != protocol.FrameAuth {
		return
	}
	var req protocol.AuthRequest
	if err := f.Decode(&req); err != nil {
		return
	}
	select {
	case s.auths <- req:
	default:
	}
	if req.Token != s.token {
		_ = protocol.WriteFrame(conn, protocol.FrameAuthReject, protocol.AuthReject{Reason: protocol.RejectBadToken})
		return
	}
	if err := protocol.WriteFrame(conn, protocol.FrameAuthOK, protocol.AuthOK{AgentID: req.AgentID}); err != nil {
		return
	}
	count := 0
	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if f.Type == protocol.FrameHeartbeat {
			s.heartbeats.Add(1)
			continue
		}
		if f.Type != protocol.FrameReport {
			continue
		}
		var rep protocol.MetricReport
		if err := f.Decode(&rep); err != nil {
			return
		}
		select {
		case s.reports <- rep:
		default:
		}
		count++
		if s.byeAfter > 0 && count >= s.byeAfter {
			_ = protocol.WriteFrame(conn, protocol.FrameBye, protocol.Bye{Reason: "test"})
			return
		}
	}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
	errs   []error
}

func (r *stateRecorder) hook(_, to State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
	r.errs = append(r.errs, err)
}

func (r *stateRecorder) seen(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, addr string) config.AgentConfig {
	t.Helper()
	c := config.DefaultAgentConfig()
	c.Token = "secret"
	c.Discovery = false
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	c.ServerHost = host
	c.ServerPort, _ = strconv.Atoi(port)
	c.ReportInterval = 20 * time.Millisecond
	c.HeartbeatInterval = 10 * time.Millisecond
	c.DialTimeout = time.Second
	c.AuthTimeout = time.Second
	c.ConnectAttempts = 2
	c.BackoffInitial = 5 * time.Millisecond
	c.BackoffMax = 20 * time.Millisecond
	c.IdleCooldown = 5 * time.Millisecond
	c.DiscoveryAttempts = 2
	c.DiscoveryAttemptTimeout = 50 * time.Millisecond
	c.DiscoveryTimeout = time.Second
	return c
}

func runAgent(t *testing.T, a *Agent) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestAgentReportsToStaticServer(t *testing.T) {
	srv := startFakeServer(t, "secret", 0)
	rec := &stateRecorder{}
	a, err := New(testConfig(t, srv.addr()), WithSampler(&fakeSampler{}), WithStateHook(rec.hook))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ID() != "host-123" {
		t.Errorf("ID = %q, want host ID fallback", a.ID())
	}

	cancel, done := runAgent(t, a)

	var auth protocol.AuthRequest
	select {
	case auth = <-srv.auths:
	case <-time.After(2 * time.Second):
		t.Fatal("no auth frame")
	}
	if auth.Version != protocol.Version || auth.Token != "secret" || auth.SysInfo.Hostname != "fake-host" {
		t.Errorf("auth = %+v", auth)
	}

	var last uint64
	for i := 0; i < 3; i++ {
		select {
		case rep := <-srv.reports:
			if rep.AgentID != "host-123" {
				t.Errorf("report agent id = %q", rep.AgentID)
			}
			if rep.Seq <= last {
				t.Errorf("seq %d not increasing after %d", rep.Seq, last)
			}
			last = rep.Seq
		case <-time.After(2 * time.Second):
			t.Fatal("missing report")
		}
	}

	if a.State() != StateReporting {
		t.Errorf("State = %s, want reporting", a.State())
	}
	for _, s := range []State{StateConnecting, StateAuthenticated, StateReporting} {
		if !rec.seen(s) {
			t.Errorf("state %s never observed", s)
		}
	}
	if rec.seen(StateDiscovering) {
		t.Error("discovery should be skipped with a static address")
	}

	cancel()
	if err := waitErr(t, done); err != nil {
		t.Errorf("Run after cancel = %v, want nil", err)
	}
	if a.State() != StateIdle {
		t.Errorf("State after cancel = %s", a.State())
	}
}

func TestAgentAuthRejectedIsTerminal(t *testing.T) {
	srv := startFakeServer(t, "right-token", 0)
	cfg := testConfig(t, srv.addr())
	cfg.Token = "WRONG"
	a, err := New(cfg, WithSampler(&fakeSampler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, done := runAgent(t, a)
	err = waitErr(t, done)
	if !errors.Is(err, protocol.ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}
	var rej *protocol.AuthRejectedError
	if !errors.As(err, &rej) || rej.Reason != protocol.RejectBadToken {
		t.Errorf("rejection reason = %v", err)
	}
	if n := len(srv.auths); n != 1 {
		t.Errorf("auth attempts = %d, want exactly 1", n)
	}
	select {
	case rep := <-srv.reports:
		t.Errorf("unexpected report %+v", rep)
	default:
	}
}

func TestAgentUnreachableAfterMaxCycles(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg := testConfig(t, addr)
	cfg.MaxCycles = 2
	rec := &stateRecorder{}
	a, err := New(cfg, WithSampler(&fakeSampler{}), WithStateHook(rec.hook))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, done := runAgent(t, a)
	err = waitErr(t, done)
	if !errors.Is(err, ErrAgentUnreachableServer) {
		t.Fatalf("Run = %v, want ErrAgentUnreachableServer", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	idle := 0
	for i, s := range rec.states {
		if s == StateIdle && errors.Is(rec.errs[i], ErrAgentUnreachableServer) {
			idle++
		}
	}
	if idle != 2 {
		t.Errorf("unreachable idle transitions = %d, want 2", idle)
	}
}

func TestAgentReconnectsAfterBye(t *testing.T) {
	srv := startFakeServer(t, "secret", 1)
	rec := &stateRecorder{}
	a, err := New(testConfig(t, srv.addr()), WithSampler(&fakeSampler{}), WithStateHook(rec.hook))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, done := runAgent(t, a)

	for i := 0; i < 2; i++ {
		select {
		case <-srv.auths:
		case <-time.After(3 * time.Second):
			t.Fatalf("auth %d never arrived", i+1)
		}
	}
	if !rec.seen(StateDisconnected) {
		t.Error("Disconnected never observed")
	}
	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
}

func TestAgentDiscoversServer(t *testing.T) {
	srv := startFakeServer(t, "secret", 0)
	_, portStr, _ := net.SplitHostPort(srv.addr())
	tcpPort, _ := strconv.Atoi(portStr)
	udpPort := startResponder(t, tcpPort, 0)

	cfg := testConfig(t, srv.addr())
	cfg.ServerHost = ""
	cfg.Discovery = true
	cfg.DiscoveryPort = udpPort
	cfg.BroadcastAddr = "127.0.0.1"
	rec := &stateRecorder{}
	a, err := New(cfg, WithSampler(&fakeSampler{}), WithStateHook(rec.hook))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runAgent(t, a)

	select {
	case <-srv.reports:
	case <-time.After(3 * time.Second):
		t.Fatal("no report after discovery")
	}
	if !rec.seen(StateDiscovering) {
		t.Error("Discovering never observed")
	}
	if a.ServerAddr() != srv.addr() {
		t.Errorf("ServerAddr = %q, want %q", a.ServerAddr(), srv.addr())
	}
}

func TestAgentFallsBackToStaticAddress(t *testing.T) {
	srv := startFakeServer(t, "secret", 0)

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	deadPort := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()

	cfg := testConfig(t, srv.addr())
	cfg.Discovery = true
	cfg.DiscoveryPort = deadPort
	cfg.BroadcastAddr = "127.0.0.1"
	rec := &stateRecorder{}
	a, err := New(cfg, WithSampler(&fakeSampler{}), WithStateHook(rec.hook))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runAgent(t, a)

	select {
	case <-srv.reports:
	case <-time.After(5 * time.Second):
		t.Fatal("no report after discovery fell back")
	}
	if !rec.seen(StateDiscovering) {
		t.Error("Discovering never observed")
	}
	if a.ServerAddr() != srv.addr() {
		t.Errorf("ServerAddr = %q, want static %q", a.ServerAddr(), srv.addr())
	}
}

func TestAgentHeartbeatWhenNoReports(t *testing.T) {
	srv := startFakeServer(t, "secret", 0)
	a, err := New(testConfig(t, srv.addr()), WithSampler(&idleSampler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runAgent(t, a)

	deadline := time.Now().Add(3 * time.Second)
	for srv.heartbeats.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeats = %d, want at least 2", srv.heartbeats.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgentHeartbeatDisabled(t *testing.T) {
	srv := startFakeServer(t, "secret", 0)
	cfg := testConfig(t, srv.addr())
	cfg.HeartbeatInterval = -1
	a, err := New(cfg, WithSampler(&idleSampler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runAgent(t, a)

	select {
	case <-srv.auths:
	case <-time.After(2 * time.Second):
		t.Fatal("no auth frame")
	}
	deadline := time.Now().Add(2 * time.Second)
	for a.State() != StateReporting {
		if time.Now().After(deadline) {
			t.Fatalf("State = %s, want reporting", a.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Twenty default test heartbeat intervals.
	time.Sleep(200 * time.Millisecond)
	if n := srv.heartbeats.Load(); n != 0 {
		t.Errorf("heartbeats = %d, want none when disabled", n)
	}
	if a.State() != StateReporting {
		t.Errorf("State = %s, session should stay open", a.State())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.Token = ""
	if _, err := New(cfg, WithSampler(&fakeSampler{})); err == nil {
		t.Error("expected error without token")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateIdle:          "idle",
		StateDiscovering:   "discovering",
		StateConnecting:    "connecting",
		StateAuthenticated: "authenticated",
		StateReporting:     "reporting",
		StateDisconnected:  "disconnected",
		State(42):          "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), name)
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.NextBackOff(); got != w*time.Millisecond {
			t.Errorf("step %d = %s, want %s", i, got, w*time.Millisecond)
		}
	}
}

func TestHostMetricsReport(t *testing.T) {
	at := time.UnixMilli(200)
	rep := HostMetrics{CPUPercent: 50, MemPercent: 61, DiskUsedPercent: 5}.Report("T1", 7, at)
	if rep.AgentID != "T1" || rep.Seq != 7 || rep.Timestamp != 200 {
		t.Errorf("header fields = %+v", rep)
	}
	if rep.CPUPercent != 50 || rep.MemPercent != 61 || rep.DiskPercent != 5 {
		t.Errorf("metric fields = %+v", rep)
	}
}
