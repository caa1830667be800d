package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bc-dunia/lanwatch/internal/protocol"
)

const (
	discoveryWriteTimeout = time.Second

	// Pause after a failed read, doubling while failures persist.
	discoveryReadRetryMin = 5 * time.Millisecond
	discoveryReadRetryMax = time.Second
)

// serveDiscovery answers every well-formed probe. It never authenticates
// and drops anything it cannot decode.
func (s *Server) serveDiscovery(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, protocol.MaxDatagramSize+1)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = discoveryReadRetryMin
	bo.MaxInterval = discoveryReadRetryMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	failing := false

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			wait := bo.NextBackOff()
			s.logger.Logger().Warn("discovery_read_failed", "error", err, "retry_in", wait)
			failing = true
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		if failing {
			bo.Reset()
			failing = false
		}
		if n > protocol.MaxDatagramSize {
			continue
		}
		probe, err := protocol.DecodeProbe(buf[:n])
		if err != nil {
			continue
		}
		s.reply(ctx, pc, from, probe)
	}
}

func (s *Server) reply(ctx context.Context, pc net.PacketConn, to net.Addr, probe protocol.DiscoveryProbe) {
	port := s.cfg.TCPPort
	if addr, ok := s.TCPAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	pkt, err := protocol.EncodeReply(protocol.DiscoveryReply{
		Nonce:   probe.Nonce,
		Name:    s.cfg.Name,
		TCPPort: port,
		TLS:     s.tlsConfig != nil,
	})
	if err != nil {
		s.logger.Logger().Error("discovery_encode_failed", "error", err)
		return
	}
	_ = pc.SetWriteDeadline(time.Now().Add(discoveryWriteTimeout))
	if _, err := pc.WriteTo(pkt, to); err != nil {
		s.logger.Logger().Warn("discovery_reply_failed", "peer", to.String(), "error", err)
		return
	}
	s.logger.LogDiscovery(to.String(), probe.Nonce, port)
	s.prom.DiscoveryReplied()
	s.otelM.RecordDiscoveryReply(ctx)
}
