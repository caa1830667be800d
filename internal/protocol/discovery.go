package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// DiscoveryMagic prefixes every discovery datagram.
const DiscoveryMagic = "LWDISC01"

const (
	discoveryProbe = "probe"
	discoveryReply = "reply"
)

// DiscoveryProbe is broadcast by an agent looking for a server.
type DiscoveryProbe struct {
	Type    string `msgpack:"type"`
	Nonce   string `msgpack:"nonce"`
	Name    string `msgpack:"name"`
	AgentID string `msgpack:"agent_id"`
}

// DiscoveryReply is unicast by the server back to the probe source.
type DiscoveryReply struct {
	Type    string `msgpack:"type"`
	Nonce   string `msgpack:"nonce"`
	Name    string `msgpack:"name"`
	TCPPort int    `msgpack:"tcp_port"`
	TLS     bool   `msgpack:"tls"`
}

// EncodeProbe builds a probe datagram.
func EncodeProbe(p DiscoveryProbe) ([]byte, error) {
	p.Type = discoveryProbe
	return encodeDiscovery(p)
}

// EncodeReply builds a reply datagram.
func EncodeReply(r DiscoveryReply) ([]byte, error) {
	r.Type = discoveryReply
	return encodeDiscovery(r)
}

// DecodeProbe parses a probe datagram. Anything that is not a well-formed
// probe yields ErrNotDiscovery.
func DecodeProbe(b []byte) (DiscoveryProbe, error) {
	var p DiscoveryProbe
	if err := decodeDiscovery(b, &p); err != nil {
		return DiscoveryProbe{}, err
	}
	if p.Type != discoveryProbe || p.Nonce == "" {
		return DiscoveryProbe{}, ErrNotDiscovery
	}
	return p, nil
}

// DecodeReply parses a reply datagram. Anything that is not a well-formed
// reply yields ErrNotDiscovery.
func DecodeReply(b []byte) (DiscoveryReply, error) {
	var r DiscoveryReply
	if err := decodeDiscovery(b, &r); err != nil {
		return DiscoveryReply{}, err
	}
	if r.Type != discoveryReply || r.Nonce == "" || r.TCPPort <= 0 || r.TCPPort > 65535 {
		return DiscoveryReply{}, ErrNotDiscovery
	}
	return r, nil
}

func encodeDiscovery(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode discovery: %w", err)
	}
	if len(DiscoveryMagic)+len(body) > MaxDatagramSize {
		return nil, fmt.Errorf("encode discovery: datagram exceeds %d bytes", MaxDatagramSize)
	}
	return append([]byte(DiscoveryMagic), body...), nil
}

func decodeDiscovery(b []byte, v any) error {
	if len(b) <= len(DiscoveryMagic) || len(b) > MaxDatagramSize {
		return ErrNotDiscovery
	}
	if !bytes.HasPrefix(b, []byte(DiscoveryMagic)) {
		return ErrNotDiscovery
	}
	if err := msgpack.Unmarshal(b[len(DiscoveryMagic):], v); err != nil {
		return ErrNotDiscovery
	}
	return nil
}
