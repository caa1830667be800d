package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/metrics"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/protocol"
	"github.com/bc-dunia/lanwatch/internal/registry"
)

const byeWriteTimeout = 500 * time.Millisecond

// session is one accepted TCP connection.
type session struct {
	id       string
	conn     net.Conn
	writeMu  sync.Mutex
	closed   atomic.Pointer[metrics.CloseReason]
	openedAt time.Time
}

func (ss *session) write(t protocol.FrameType, v any, timeout time.Duration) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	_ = ss.conn.SetWriteDeadline(time.Now().Add(timeout))
	return protocol.WriteFrame(ss.conn, t, v)
}

// evict is the registry closer: it records why the server ended the
// session, says bye when shutting down, and closes the socket so the read
// loop unblocks.
func (ss *session) evict(reason registry.RemoveReason) {
	var cr metrics.CloseReason
	switch reason {
	case registry.ReasonStale:
		cr = metrics.CloseEvicted
	case registry.ReasonReplaced:
		cr = metrics.CloseReplaced
	default:
		cr = metrics.CloseShutdown
	}
	if !ss.closed.CompareAndSwap(nil, &cr) {
		return
	}
	_ = ss.write(protocol.FrameBye, protocol.Bye{Reason: string(reason)}, byeWriteTimeout)
	ss.conn.Close()
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	ss := &session{id: uuid.NewString(), conn: raw, openedAt: time.Now()}
	remote := raw.RemoteAddr().String()

	s.tracker.Opened(ss.id)
	s.prom.SessionOpened()
	s.otelM.IncrementSessions(ctx)
	defer func() {
		raw.Close()
		s.prom.SessionClosed()
		s.otelM.DecrementSessions(ctx)
	}()

	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	if s.tlsConfig != nil {
		tlsConn := tls.Server(raw, s.tlsConfig)
		hsCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			s.logger.Logger().Warn("tls_handshake_failed", "remote_addr", remote, "error", err)
			s.tracker.Closed(ss.id, metrics.CloseNetwork)
			return
		}
		ss.conn = tlsConn
	}

	req, ok := s.authenticate(ctx, ss, remote)
	if !ok {
		return
	}

	ctx = s.tracer.ExtractMap(ctx, req.Trace)
	ctx, span := s.tracer.StartSessionSpan(ctx, otel.SessionSpanOptions{
		SessionID:  ss.id,
		AgentID:    req.AgentID,
		RemoteAddr: remote,
		TLS:        s.tlsConfig != nil,
	})
	defer span.End()
	log := s.sessionLogger(ctx)

	host, _, _ := net.SplitHostPort(remote)
	name := req.Name
	if name == "" {
		name = req.SysInfo.Hostname
	}
	hash, _ := s.verifier.Verify(req.Token)
	identity := registry.Identity{ID: req.AgentID, Name: name, HostAddr: host, TokenHash: hash}

	lease := s.reg.Register(identity, req.SysInfo, remote, s.tlsConfig != nil, ss.evict)
	ack := protocol.AuthOK{
		AgentID:          req.AgentID,
		ServerTime:       time.Now().UnixMilli(),
		ReportIntervalMs: s.cfg.ReportIntervalHint.Milliseconds(),
	}
	if err := ss.write(protocol.FrameAuthOK, ack, s.cfg.AuthTimeout); err != nil {
		s.reg.Remove(lease, registry.ReasonDisconnected)
		s.tracker.Closed(ss.id, metrics.CloseNetwork)
		otel.RecordError(span, err, "auth_ok", false)
		return
	}

	s.tracker.Authenticated(ss.id, req.AgentID)
	log.LogSessionOpened(req.AgentID, name, remote, s.tlsConfig != nil)

	reason := s.readLoop(ctx, ss, lease, name, log)
	if s.reg.Remove(lease, registry.ReasonDisconnected) {
		s.prom.ForgetAgent(req.AgentID)
	}
	if reason == metrics.CloseMalformed {
		otel.RecordError(span, protocol.ErrMalformedFrame, "malformed_frame", false)
	}
	s.tracker.Closed(ss.id, reason)
	log.LogSessionClosed(req.AgentID, string(reason), time.Since(ss.openedAt))
}

// sessionLogger tags session events with the session span's trace ids.
func (s *Server) sessionLogger(ctx context.Context) *events.EventLogger {
	traceID, spanID := otel.GetTraceInfo(ctx)
	if traceID == "" {
		return s.logger
	}
	return s.logger.With("trace_id", traceID, "span_id", spanID)
}

// authenticate reads the first frame and either accepts it or answers
// auth_reject and reports false.
func (s *Server) authenticate(ctx context.Context, ss *session, remote string) (protocol.AuthRequest, bool) {
	var req protocol.AuthRequest

	_ = ss.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	f, err := protocol.ReadFrame(ss.conn)
	if err != nil {
		reason := s.closeReason(ss, err)
		s.tracker.Closed(ss.id, reason)
		return req, false
	}
	_ = ss.conn.SetReadDeadline(time.Time{})

	if f.Type != protocol.FrameAuth {
		s.reject(ctx, ss, remote, "", protocol.RejectExpectedAuth)
		return req, false
	}
	if err := f.Decode(&req); err != nil {
		s.prom.MalformedFrame()
		s.tracker.Closed(ss.id, metrics.CloseMalformed)
		return req, false
	}
	if req.Version != protocol.Version {
		s.reject(ctx, ss, remote, req.AgentID, protocol.RejectUnsupportedVersion)
		return req, false
	}
	if _, ok := s.verifier.Verify(req.Token); !ok {
		s.reject(ctx, ss, remote, req.AgentID, protocol.RejectBadToken)
		return req, false
	}
	if req.AgentID == "" {
		s.reject(ctx, ss, remote, "", protocol.RejectMissingAgentID)
		return req, false
	}
	return req, true
}

func (s *Server) reject(ctx context.Context, ss *session, remote, agentID, reason string) {
	_ = ss.write(protocol.FrameAuthReject, protocol.AuthReject{Reason: reason}, s.cfg.AuthTimeout)
	s.logger.LogAuthRejected(remote, agentID, reason)
	s.prom.AuthFailed(reason)
	s.otelM.RecordAuthFailure(ctx, reason)
	s.tracker.Rejected(ss.id)
}

// readLoop applies frames until the session ends and returns why it ended.
func (s *Server) readLoop(ctx context.Context, ss *session, lease registry.Lease, name string, log *events.EventLogger) metrics.CloseReason {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = ss.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		f, err := protocol.ReadFrame(ss.conn)
		if err != nil {
			return s.closeReason(ss, err)
		}

		switch f.Type {
		case protocol.FrameReport:
			start := time.Now()
			var rep protocol.MetricReport
			if err := f.Decode(&rep); err != nil {
				s.prom.MalformedFrame()
				return metrics.CloseMalformed
			}
			// The session identity wins over whatever the payload claims.
			rep.AgentID = lease.AgentID
			changed, err := s.reg.Update(lease, rep)
			if err != nil {
				return s.closeReason(ss, err)
			}
			took := time.Since(start)
			s.prom.RecordReport(name, rep, changed, took)
			s.otelM.RecordReport(ctx, changed, float64(took.Microseconds())/1000)
			s.tracker.Report(ss.id)

		case protocol.FrameHeartbeat:
			if err := s.reg.Touch(lease); err != nil {
				return s.closeReason(ss, err)
			}

		case protocol.FrameBye:
			return metrics.CloseBye

		default:
			s.prom.MalformedFrame()
			log.Logger().Warn("unexpected_frame", "agent_id", lease.AgentID, "type", f.Type.String())
			return metrics.CloseMalformed
		}
	}
}

func (s *Server) closeReason(ss *session, err error) metrics.CloseReason {
	if r := ss.closed.Load(); r != nil {
		return *r
	}
	var ne net.Error
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		return metrics.CloseEvicted
	case errors.Is(err, io.EOF):
		return metrics.CloseEOF
	case errors.Is(err, protocol.ErrMalformedFrame):
		s.prom.MalformedFrame()
		return metrics.CloseMalformed
	case errors.As(err, &ne) && ne.Timeout():
		return metrics.CloseTimeout
	case errors.Is(err, net.ErrClosed):
		return metrics.CloseShutdown
	default:
		return metrics.CloseNetwork
	}
}
