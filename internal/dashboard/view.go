package dashboard

import (
	"math"
	"time"

	"github.com/bc-dunia/lanwatch/internal/protocol"
	"github.com/bc-dunia/lanwatch/internal/registry"
)

// Liveness thresholds the page uses to color a row.
const (
	onlineWithin = 5 * time.Second
	idleWithin   = 15 * time.Second
)

// AgentView is one dashboard row.
type AgentView struct {
	AgentID     string           `json:"agent_id"`
	Name        string           `json:"name"`
	Addr        string           `json:"addr"`
	TLS         bool             `json:"tls"`
	Status      string           `json:"status"`
	LastSeenSec float64          `json:"last_seen_sec"`
	ConnectedAt time.Time        `json:"connected_at"`
	SysInfo     protocol.SysInfo `json:"sysinfo"`
	Metrics     *MetricsView     `json:"metrics,omitempty"`
}

// MetricsView is the latest report of an agent, as shown in the table.
type MetricsView struct {
	Timestamp     int64   `json:"ts"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	LoadAvg1      float64 `json:"load_avg_1,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
}

func newAgentView(e registry.Entry, now time.Time) AgentView {
	age := now.Sub(e.LastSeen)
	if age < 0 {
		age = 0
	}
	v := AgentView{
		AgentID:     e.Identity.ID,
		Name:        e.Identity.Name,
		Addr:        e.RemoteAddr,
		TLS:         e.TLS,
		Status:      status(age),
		LastSeenSec: math.Round(age.Seconds()*100) / 100,
		ConnectedAt: e.ConnectedAt,
		SysInfo:     e.SysInfo,
	}
	if e.HasReport {
		v.Metrics = &MetricsView{
			Timestamp:     e.Report.Timestamp,
			CPUPercent:    e.Report.CPUPercent,
			MemPercent:    e.Report.MemPercent,
			DiskPercent:   e.Report.DiskPercent,
			LoadAvg1:      e.Report.LoadAvg1,
			UptimeSeconds: e.Report.UptimeSeconds,
		}
	}
	return v
}

func status(age time.Duration) string {
	switch {
	case age < onlineWithin:
		return "online"
	case age < idleWithin:
		return "idle"
	default:
		return "stale"
	}
}

// snapshotViews renders the registry snapshot, most recently seen first.
func snapshotViews(reg *registry.Registry) []AgentView {
	entries := reg.Snapshot()
	now := reg.Now()
	views := make([]AgentView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newAgentView(e, now))
	}
	return views
}
