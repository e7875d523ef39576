// Package agent implements the metric collection subsystem for FleetPulse.
// It uses gopsutil for cross-platform system telemetry.
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot holds a single collection cycle's data.
type Snapshot struct {
	Hostname    string
	LocalIP     string
	OS          string
	CPUUsage    float64
	MemUsage    float64
	DiskUsage   float64
	CollectedAt time.Time
}

// Source yields snapshots. Collector is the real one.
type Source interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// Collector gathers system metrics with gopsutil.
type Collector struct {
	// sample is the window cpu.Percent averages over.
	sample time.Duration
}

// NewCollector creates a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{sample: 500 * time.Millisecond}
}

// Collect gathers the current system snapshot. CPU and memory are required;
// everything else is best-effort.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		OS:          detailedOS(ctx),
		LocalIP:     localIP(),
		CollectedAt: time.Now().UTC(),
	}
	if h, err := os.Hostname(); err == nil {
		snap.Hostname = h
	}

	pcts, err := cpu.PercentWithContext(ctx, c.sample, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pcts) == 0 {
		return nil, fmt.Errorf("cpu percent: no samples")
	}
	snap.CPUUsage = clampPct(pcts[0])

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	snap.MemUsage = clampPct(vm.UsedPercent)

	snap.DiskUsage = maxDiskUsage(ctx)
	return snap, nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// clampPct keeps rounding noise from pushing a reading outside 0..100,
// which the server rejects.
func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// detailedOS returns a descriptive OS version string, or runtime.GOOS as fallback.
func detailedOS(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err == nil && info.Platform != "" {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion) // e.g., "debian 12.5"
		}
		return info.Platform
	}
	return runtime.GOOS
}

// localIP returns the first non-loopback IPv4 address.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

// maxDiskUsage returns the used percentage of the partition with highest usage.
func maxDiskUsage(ctx context.Context) float64 {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return 0
	}
	var max float64
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		if usage.UsedPercent > max {
			max = usage.UsedPercent
		}
	}
	return max
}
