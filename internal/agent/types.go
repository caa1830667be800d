// Package agent implements the LANWatch reporting agent: it finds a server by
// UDP discovery or static address, authenticates over TCP with the shared
// token and streams host metric reports until the session ends.
package agent

import (
	"time"

	"github.com/bc-dunia/lanwatch/internal/protocol"
)

// HostMetrics contains system-level metrics collected from the host.
type HostMetrics struct {
	// CPUPercent is the overall CPU usage percentage (0-100).
	CPUPercent float64 `json:"cpu_percent"`

	// MemTotal is the total system memory in bytes.
	MemTotal uint64 `json:"mem_total"`

	// MemUsed is the used system memory in bytes.
	MemUsed uint64 `json:"mem_used"`

	// MemPercent is the used share of system memory (0-100).
	MemPercent float64 `json:"mem_percent"`

	// DiskTotal and DiskUsed describe the monitored partition in bytes.
	DiskTotal uint64 `json:"disk_total,omitempty"`
	DiskUsed  uint64 `json:"disk_used,omitempty"`

	// DiskUsedPercent is the disk usage percentage for the monitored partition (0-100).
	DiskUsedPercent float64 `json:"disk_used_percent,omitempty"`

	LoadAvg1  float64 `json:"load_avg_1,omitempty"`
	LoadAvg5  float64 `json:"load_avg_5,omitempty"`
	LoadAvg15 float64 `json:"load_avg_15,omitempty"`

	// NetworkBytesIn is the total bytes received since boot.
	NetworkBytesIn uint64 `json:"network_bytes_in,omitempty"`

	// NetworkBytesOut is the total bytes sent since boot.
	NetworkBytesOut uint64 `json:"network_bytes_out,omitempty"`

	UptimeSeconds uint64 `json:"uptime_seconds,omitempty"`
}

// Report converts a sample into the wire report.
func (h HostMetrics) Report(agentID string, seq uint64, at time.Time) protocol.MetricReport {
	return protocol.MetricReport{
		AgentID:         agentID,
		Seq:             seq,
		Timestamp:       at.UnixMilli(),
		CPUPercent:      h.CPUPercent,
		MemPercent:      h.MemPercent,
		DiskPercent:     h.DiskUsedPercent,
		MemUsed:         h.MemUsed,
		MemTotal:        h.MemTotal,
		DiskUsed:        h.DiskUsed,
		DiskTotal:       h.DiskTotal,
		LoadAvg1:        h.LoadAvg1,
		LoadAvg5:        h.LoadAvg5,
		LoadAvg15:       h.LoadAvg15,
		NetworkBytesIn:  h.NetworkBytesIn,
		NetworkBytesOut: h.NetworkBytesOut,
		UptimeSeconds:   h.UptimeSeconds,
	}
}
