package protocol

import (
	"errors"
	"testing"
)

func TestProbeRoundTrip(t *testing.T) {
	b, err := EncodeProbe(DiscoveryProbe{Nonce: "n-1", Name: "desk-01", AgentID: "a1"})
	if err != nil {
		t.Fatalf("EncodeProbe: %v", err)
	}
	if string(b[:len(DiscoveryMagic)]) != DiscoveryMagic {
		t.Fatalf("datagram missing magic prefix: %q", b[:len(DiscoveryMagic)])
	}

	p, err := DecodeProbe(b)
	if err != nil {
		t.Fatalf("DecodeProbe: %v", err)
	}
	if p.Nonce != "n-1" || p.Name != "desk-01" || p.AgentID != "a1" {
		t.Errorf("unexpected probe %+v", p)
	}

	if _, err := DecodeReply(b); !errors.Is(err, ErrNotDiscovery) {
		t.Errorf("a probe must not decode as a reply, got %v", err)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	b, err := EncodeReply(DiscoveryReply{Nonce: "n-2", Name: "srv", TCPPort: 9009, TLS: true})
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	r, err := DecodeReply(b)
	if err != nil {
		t.Fatalf("DecodeReply: %v", err)
	}
	if r.Nonce != "n-2" || r.TCPPort != 9009 || !r.TLS {
		t.Errorf("unexpected reply %+v", r)
	}
}

func TestDecodeDiscoveryDropsGarbage(t *testing.T) {
	valid, _ := EncodeProbe(DiscoveryProbe{Nonce: "n"})
	noNonce, _ := EncodeProbe(DiscoveryProbe{Name: "x"})
	badPort, _ := EncodeReply(DiscoveryReply{Nonce: "n", TCPPort: 0})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"magic only", []byte(DiscoveryMagic)},
		{"wrong magic", append([]byte("XXDISC01"), valid[len(DiscoveryMagic):]...)},
		{"legacy text probe", []byte("DISCOVER_PC_MONITOR")},
		{"bad msgpack", append([]byte(DiscoveryMagic), 0xc1)},
		{"missing nonce", noNonce},
		{"oversized", make([]byte, MaxDatagramSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeProbe(tt.data); !errors.Is(err, ErrNotDiscovery) {
				t.Errorf("expected ErrNotDiscovery, got %v", err)
			}
		})
	}

	if _, err := DecodeReply(badPort); !errors.Is(err, ErrNotDiscovery) {
		t.Errorf("reply with port 0 should be dropped, got %v", err)
	}
}
