// Package sysinfo reports host resources and memory pressure.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// Info is the host snapshot served by /system-info.
type Info struct {
	Hostname        string  `json:"hostname"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelArch      string  `json:"kernel_arch"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	CPUModel        string  `json:"cpu_model"`
	CPUCount        int     `json:"cpu_count"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemTotal        uint64  `json:"mem_total_bytes"`
	MemUsed         uint64  `json:"mem_used_bytes"`
	MemAvailable    uint64  `json:"mem_available_bytes"`
	MemPercent      float64 `json:"mem_percent"`
	GoVersion       string  `json:"go_version"`
	Goroutines      int     `json:"goroutines"`
}

// Snapshot gathers host, cpu and memory figures. Individual probe failures
// leave their fields zero; only a memory read failure is returned.
func Snapshot(ctx context.Context) (Info, error) {
	info := Info{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		OS:         runtime.GOOS,
		KernelArch: runtime.GOARCH,
	}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.UptimeSeconds = h.Uptime
		if h.KernelArch != "" {
			info.KernelArch = h.KernelArch
		}
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = n
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if pct, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("read virtual memory: %w", err)
	}
	info.MemTotal = vm.Total
	info.MemUsed = vm.Used
	info.MemAvailable = vm.Available
	info.MemPercent = vm.UsedPercent
	return info, nil
}

const defaultGuardInterval = 2 * time.Second

// MemoryGuard reports pressure when host memory use crosses a threshold.
// Readings are cached for a short interval since the pool asks on every
// release.
type MemoryGuard struct {
	maxPercent float64
	interval   time.Duration
	read       func() (float64, error)
	logger     *zap.Logger

	mu      sync.Mutex
	checked time.Time
	last    bool
}

// NewMemoryGuard builds a guard. maxPercent <= 0 disables it.
func NewMemoryGuard(maxPercent float64, logger *zap.Logger) *MemoryGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryGuard{
		maxPercent: maxPercent,
		interval:   defaultGuardInterval,
		read:       usedPercent,
		logger:     logger,
	}
}

// UnderPressure reports whether memory use is at or above the threshold.
func (g *MemoryGuard) UnderPressure() bool {
	if g == nil || g.maxPercent <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.checked.IsZero() && time.Since(g.checked) < g.interval {
		return g.last
	}
	g.checked = time.Now()
	pct, err := g.read()
	if err != nil {
		g.logger.Debug("memory reading failed", zap.Error(err))
		g.last = false
		return false
	}
	g.last = pct >= g.maxPercent
	if g.last {
		g.logger.Warn("memory pressure", zap.Float64("used_percent", pct), zap.Float64("max_percent", g.maxPercent))
	}
	return g.last
}

func usedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}
