package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bc-dunia/lanwatch/internal/protocol"
)

// startResponder answers probes on a loopback UDP port. The first
// wrongNonce replies carry a bad nonce.
func startResponder(t *testing.T, tcpPort, wrongNonce int) int {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, protocol.MaxDatagramSize)
		sent := 0
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			probe, err := protocol.DecodeProbe(buf[:n])
			if err != nil {
				continue
			}
			nonce := probe.Nonce
			if sent < wrongNonce {
				nonce = "not-" + nonce
			}
			sent++
			pkt, _ := protocol.EncodeReply(protocol.DiscoveryReply{Nonce: nonce, Name: "srv", TCPPort: tcpPort})
			_, _ = pc.WriteTo(pkt, from)
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func testDiscoverer(port int) *Discoverer {
	return &Discoverer{
		Port:           port,
		BroadcastAddr:  "127.0.0.1",
		Attempts:       3,
		AttemptTimeout: 100 * time.Millisecond,
		Timeout:        2 * time.Second,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		AgentID:        "a1",
		Name:           "host",
	}
}

func TestDiscoverFindsServer(t *testing.T) {
	port := startResponder(t, 9009, 0)
	srv, err := testDiscoverer(port).Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if srv.Addr != "127.0.0.1:9009" || srv.Port != 9009 || srv.Name != "srv" {
		t.Errorf("server = %+v", srv)
	}
}

func TestDiscoverIgnoresWrongNonce(t *testing.T) {
	port := startResponder(t, 9010, 1)
	retries := 0
	d := testDiscoverer(port)
	d.OnRetry = func(int, time.Duration) { retries++ }

	srv, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if srv.Port != 9010 {
		t.Errorf("port = %d", srv.Port)
	}
	if retries != 1 {
		t.Errorf("retries = %d, want 1", retries)
	}
}

func TestDiscoverIgnoresGarbage(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			_, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = pc.WriteTo([]byte("hello"), from)
		}
	}()

	d := testDiscoverer(pc.LocalAddr().(*net.UDPAddr).Port)
	d.Attempts = 2
	_, err = d.Discover(context.Background())
	if !errors.Is(err, ErrAgentUnreachableServer) {
		t.Errorf("Discover = %v, want ErrAgentUnreachableServer", err)
	}
}

func TestDiscoverHonoursCancel(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	d := testDiscoverer(pc.LocalAddr().(*net.UDPAddr).Port)
	d.Attempts = 100
	d.AttemptTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = d.Discover(ctx)
	if !errors.Is(err, ErrAgentUnreachableServer) {
		t.Errorf("Discover = %v", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("Discover took %s after cancel", time.Since(start))
	}
}
