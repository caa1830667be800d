// Package protocol defines the wire format shared by the LANWatch server and
// agents: msgpack discovery datagrams over UDP and length-prefixed JSON frames
// over the TCP report channel.
package protocol

import "time"

const (
	// Version is sent in the auth frame and must match on both ends.
	Version = "1.0"

	DefaultDiscoveryPort = 9999
	DefaultTCPPort       = 9009
	DefaultWebPort       = 8000

	// MaxFrameSize bounds the body of a single TCP frame (type byte + payload).
	MaxFrameSize = 1 << 20

	// MaxDatagramSize bounds a discovery datagram, magic included.
	MaxDatagramSize = 2048
)

// SysInfo describes the agent host. It is sent once, in the auth frame.
type SysInfo struct {
	Hostname        string `json:"hostname"`
	HostID          string `json:"host_id,omitempty"`
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	Arch            string `json:"arch"`
	AgentVersion    string `json:"agent_version,omitempty"`
}

// AuthRequest is the first frame of every session.
type AuthRequest struct {
	Version string            `json:"v"`
	Token   string            `json:"token"`
	AgentID string            `json:"agent_id"`
	Name    string            `json:"name"`
	SysInfo SysInfo           `json:"sysinfo"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// AuthOK is the server's answer to an accepted AuthRequest.
type AuthOK struct {
	AgentID          string `json:"agent_id"`
	ServerTime       int64  `json:"server_time"`
	ReportIntervalMs int64  `json:"report_interval_ms,omitempty"`
}

// Reject reasons carried by AuthReject.
const (
	RejectBadToken           = "bad_token"
	RejectMissingAgentID     = "missing_agent_id"
	RejectUnsupportedVersion = "unsupported_version"
	RejectExpectedAuth       = "expected_auth"
)

// AuthReject is sent right before the server closes a rejected session.
type AuthReject struct {
	Reason string `json:"reason"`
}

// MetricReport is one sample of host metrics. Every field is a comparable
// scalar so two reports can be compared with ==.
type MetricReport struct {
	AgentID         string  `json:"agent_id"`
	Seq             uint64  `json:"seq"`
	Timestamp       int64   `json:"ts"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemPercent      float64 `json:"mem_percent"`
	DiskPercent     float64 `json:"disk_percent"`
	MemUsed         uint64  `json:"mem_used,omitempty"`
	MemTotal        uint64  `json:"mem_total,omitempty"`
	DiskUsed        uint64  `json:"disk_used,omitempty"`
	DiskTotal       uint64  `json:"disk_total,omitempty"`
	LoadAvg1        float64 `json:"load_avg_1,omitempty"`
	LoadAvg5        float64 `json:"load_avg_5,omitempty"`
	LoadAvg15       float64 `json:"load_avg_15,omitempty"`
	NetworkBytesIn  uint64  `json:"network_bytes_in,omitempty"`
	NetworkBytesOut uint64  `json:"network_bytes_out,omitempty"`
	UptimeSeconds   uint64  `json:"uptime_seconds,omitempty"`
}

// Time returns the report timestamp as a time.Time.
func (r MetricReport) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Heartbeat keeps a quiet session alive between reports.
type Heartbeat struct {
	Timestamp int64 `json:"ts"`
}

// Bye announces an orderly close from either side.
type Bye struct {
	Reason string `json:"reason,omitempty"`
}
