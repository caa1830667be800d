package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/bc-dunia/lanwatch/internal/protocol"
)

// Sampler produces host metric samples.
type Sampler interface {
	Sample(ctx context.Context) (HostMetrics, error)
	SysInfo(ctx context.Context) protocol.SysInfo
}

// HostSampler reads metrics from the local host with gopsutil.
type HostSampler struct {
	// DiskPath is the mount point whose usage is reported.
	DiskPath string
	// Version is reported as the agent version in SysInfo.
	Version string
}

// NewHostSampler creates a HostSampler for the given mount point.
func NewHostSampler(diskPath, version string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{DiskPath: diskPath, Version: version}
}

// Sample collects one set of host metrics. CPU and memory are required;
// the remaining collectors are best effort since not every platform
// supports them.
func (s *HostSampler) Sample(ctx context.Context) (HostMetrics, error) {
	var m HostMetrics

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("cpu percent: %w", err)
	}
	if len(cpuPercent) > 0 {
		m.CPUPercent = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("virtual memory: %w", err)
	}
	m.MemTotal = memInfo.Total
	m.MemUsed = memInfo.Used
	m.MemPercent = memInfo.UsedPercent

	if usage, err := disk.UsageWithContext(ctx, s.DiskPath); err == nil && usage != nil {
		m.DiskTotal = usage.Total
		m.DiskUsed = usage.Used
		m.DiskUsedPercent = usage.UsedPercent
	}

	if loadAvg, err := load.AvgWithContext(ctx); err == nil && loadAvg != nil {
		m.LoadAvg1 = loadAvg.Load1
		m.LoadAvg5 = loadAvg.Load5
		m.LoadAvg15 = loadAvg.Load15
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		m.NetworkBytesIn = counters[0].BytesRecv
		m.NetworkBytesOut = counters[0].BytesSent
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		m.UptimeSeconds = uptime
	}

	return m, nil
}

// SysInfo describes the host. Fields gopsutil cannot read fall back to the
// Go runtime values.
func (s *HostSampler) SysInfo(ctx context.Context) protocol.SysInfo {
	info := protocol.SysInfo{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: s.Version,
	}
	if h, err := host.InfoWithContext(ctx); err == nil && h != nil {
		info.Hostname = h.Hostname
		info.HostID = h.HostID
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}
	return info
}
