package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/lanwatch/internal/events"
	"github.com/bc-dunia/lanwatch/internal/otel"
	"github.com/bc-dunia/lanwatch/internal/protocol"
)

// Server is a discovered report endpoint.
type Server struct {
	Addr string
	Port int
	Name string
	TLS  bool
}

// Discoverer broadcasts probes and waits for a matching reply.
type Discoverer struct {
	Port           int
	BroadcastAddr  string
	Attempts       int
	AttemptTimeout time.Duration
	Timeout        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	AgentID        string
	Name           string

	Logger   *events.EventLogger
	Tracer   *otel.Tracer
	OnRetry  func(attempt int, wait time.Duration)
	newNonce func() string
}

// Discover probes up to Attempts times. It fails with
// ErrAgentUnreachableServer when no reply arrives within the budget.
func (d *Discoverer) Discover(ctx context.Context) (Server, error) {
	logger := d.Logger
	if logger == nil {
		logger = events.NoopEventLogger()
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.NoopTracer()
	}
	nonceFn := d.newNonce
	if nonceFn == nil {
		nonceFn = uuid.NewString
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	ctx, span := tracer.StartDiscoverySpan(ctx, d.Port)
	defer span.End()

	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(d.BroadcastAddr, strconv.Itoa(d.Port)))
	if err != nil {
		otel.RecordError(span, err, "resolve", false)
		return Server{}, fmt.Errorf("%w: resolve broadcast address: %v", ErrAgentUnreachableServer, err)
	}

	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		otel.RecordError(span, err, "listen", false)
		return Server{}, fmt.Errorf("%w: open discovery socket: %v", ErrAgentUnreachableServer, err)
	}
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { _ = pc.SetDeadline(time.Now()) })
	defer stop()

	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}
	bo := newBackoff(d.BackoffInitial, d.BackoffMax)
	buf := make([]byte, protocol.MaxDatagramSize)

	for attempt := 1; attempt <= attempts; attempt++ {
		nonce := nonceFn()
		srv, err := d.probe(ctx, pc, dst, nonce, buf)
		if err == nil {
			logger.LogDiscovery(srv.Addr, nonce, srv.Port)
			return srv, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt == attempts {
			break
		}
		wait := bo.NextBackOff()
		otel.RecordRetry(span, attempt, err.Error())
		logger.LogReconnect("discovery", attempt, err.Error(), wait)
		if d.OnRetry != nil {
			d.OnRetry(attempt, wait)
		}
		if sleep(ctx, wait) != nil {
			break
		}
	}

	err = fmt.Errorf("%w: no discovery reply on port %d after %d probes", ErrAgentUnreachableServer, d.Port, attempts)
	otel.RecordError(span, err, "discovery", true)
	return Server{}, err
}

var errNoReply = errors.New("no discovery reply")

func (d *Discoverer) probe(ctx context.Context, pc net.PacketConn, dst net.Addr, nonce string, buf []byte) (Server, error) {
	pkt, err := protocol.EncodeProbe(protocol.DiscoveryProbe{
		Nonce:   nonce,
		Name:    d.Name,
		AgentID: d.AgentID,
	})
	if err != nil {
		return Server{}, err
	}
	if _, err := pc.WriteTo(pkt, dst); err != nil {
		return Server{}, fmt.Errorf("send probe: %w", err)
	}

	deadline := time.Now().Add(d.AttemptTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := pc.SetReadDeadline(deadline); err != nil {
		return Server{}, err
	}

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return Server{}, errNoReply
			}
			return Server{}, fmt.Errorf("read reply: %w", err)
		}
		reply, err := protocol.DecodeReply(buf[:n])
		if err != nil || reply.Nonce != nonce {
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		return Server{
			Addr: net.JoinHostPort(udp.IP.String(), strconv.Itoa(reply.TCPPort)),
			Port: reply.TCPPort,
			Name: reply.Name,
			TLS:  reply.TLS,
		}, nil
	}
}
