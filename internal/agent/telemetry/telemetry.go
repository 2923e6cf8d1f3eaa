// Package telemetry gathers host metrics for heartbeats, disk scans and
// hardware reports.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/openfleet/openfleet/internal/agent/state"
	"github.com/openfleet/openfleet/internal/common/logger"
	v1 "github.com/openfleet/openfleet/pkg/api/v1"
)

const sampleTimeout = 5 * time.Second

// Collector samples host metrics. All readings are best effort; a probe
// that fails leaves its field empty rather than failing the snapshot.
type Collector struct {
	logger *logger.Logger
}

func New(log *logger.Logger) *Collector {
	return &Collector{logger: log}
}

// Platform returns the platform identifier reported at check-in.
func (c *Collector) Platform() v1.Platform {
	switch runtime.GOOS {
	case "windows":
		return v1.PlatformWindows
	case "android":
		return v1.PlatformAndroid
	default:
		return v1.PlatformLinux
	}
}

// Snapshot collects the heartbeat telemetry.
func (c *Collector) Snapshot(ctx context.Context) v1.TelemetrySnapshot {
	ctx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	snap := v1.TelemetrySnapshot{
		Hostname:  hostname(),
		IPAddress: LocalIP(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.OSInfo = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = &pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.RAMPercent = &vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		snap.DiskPercent = &du.UsedPercent
	}

	level, charging := batteryState()
	snap.BatteryLevel = level
	snap.BatteryCharging = charging
	return snap
}

// DiskScan reports usage per mounted filesystem.
func (c *Collector) DiskScan(ctx context.Context) []v1.DiskScanEntry {
	ctx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		c.logger.Warn("failed to list partitions", zap.Error(err))
		return nil
	}

	var entries []v1.DiskScanEntry
	for _, p := range parts {
		du, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || du.Total == 0 {
			continue
		}
		entries = append(entries, v1.DiskScanEntry{
			Path:    p.Mountpoint,
			Size:    humanBytes(du.Used),
			Total:   humanBytes(du.Total),
			Percent: int(du.UsedPercent),
			Type:    p.Fstype,
		})
	}
	return entries
}

// HardwareReport collects the coarse hardware inventory.
func (c *Collector) HardwareReport(ctx context.Context) v1.HardwareReport {
	ctx, cancel := context.WithTimeout(ctx, sampleTimeout)
	defer cancel()

	var report v1.HardwareReport
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		report.CPUModel = infos[0].ModelName
	}
	report.CPUCores = runtime.NumCPU()
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.RAMTotalGB = float64(vm.Total) / (1 << 30)
	}
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			report.Disks = append(report.Disks, fmt.Sprintf("%s (%s)", p.Device, p.Fstype))
		}
	}
	report.MAC = primaryMAC()
	return report
}

// Fingerprint is the network identity used to invalidate the cached
// server choice.
func (c *Collector) Fingerprint() state.Network {
	return state.Network{LocalIP: LocalIP(), SSID: ssid()}
}

// LocalIP returns the outbound interface address. The UDP dial never
// sends a packet; it only resolves the route.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return "C:\\"
	}
	return "/"
}

func batteryState() (*float64, bool) {
	bats, err := battery.GetAll()
	if err != nil || len(bats) == 0 {
		return nil, false
	}
	b := bats[0]
	charging := b.State.Raw == battery.Charging || b.State.Raw == battery.Full
	if b.Full <= 0 {
		return nil, charging
	}
	level := b.Current / b.Full * 100
	if level > 100 {
		level = 100
	}
	return &level, charging
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if mac := iface.HardwareAddr.String(); mac != "" {
			return mac
		}
	}
	return ""
}

// ssid is best effort and platform specific; an empty string means the
// SSID is unknown, which still fingerprints correctly alongside the IP.
func ssid() string {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux", "android":
		cmd = exec.Command("iwgetid", "-r")
	case "darwin":
		cmd = exec.Command("ipconfig", "getsummary", "en0")
	case "windows":
		cmd = exec.Command("netsh", "wlan", "show", "interfaces")
	default:
		return ""
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return parseSSID(runtime.GOOS, string(out))
}

func parseSSID(goos, out string) string {
	switch goos {
	case "linux", "android":
		return strings.TrimSpace(out)
	default:
		for _, line := range strings.Split(out, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "SSID") {
				if _, val, ok := strings.Cut(trimmed, ":"); ok {
					return strings.TrimSpace(val)
				}
			}
		}
	}
	return ""
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}
