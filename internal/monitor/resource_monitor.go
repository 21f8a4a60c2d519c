package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/metrics"
)

// ResourceLimits are the host usage levels above which the service reports
// itself degraded. Zero disables a limit.
type ResourceLimits struct {
	MaxCPU    float64 // percent
	MaxMemory float64 // percent
}

// ResourceStats is one host usage sample
type ResourceStats struct {
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	CollectedAt time.Time `json:"collected_at"`
}

// Sampler reads current CPU and memory usage in percent
type Sampler func(ctx context.Context) (cpuPercent, memPercent float64, err error)

// ResourceMonitor samples host CPU and memory for the gauges and the health check
type ResourceMonitor struct {
	logger *zap.Logger
	limits ResourceLimits
	sample Sampler
	now    func() time.Time

	mu    sync.RWMutex
	stats *ResourceStats
}

// NewResourceMonitor creates a monitor. A nil sampler reads the host via gopsutil.
func NewResourceMonitor(logger *zap.Logger, limits ResourceLimits, sample Sampler) *ResourceMonitor {
	if sample == nil {
		sample = hostSample
	}
	return &ResourceMonitor{
		logger: logger.Named("resource-monitor"),
		limits: limits,
		sample: sample,
		now:    time.Now,
	}
}

func hostSample(ctx context.Context) (float64, float64, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	var usage float64
	if len(cpuPercent) > 0 {
		usage = cpuPercent[0]
	}
	return usage, memInfo.UsedPercent, nil
}

// Collect takes one sample
func (rm *ResourceMonitor) Collect(ctx context.Context) error {
	cpuUsage, memUsage, err := rm.sample(ctx)
	if err != nil {
		return err
	}

	metrics.HostCPUPercent.Set(cpuUsage)
	metrics.HostMemoryPercent.Set(memUsage)

	rm.mu.Lock()
	rm.stats = &ResourceStats{
		CPUUsage:    cpuUsage,
		MemoryUsage: memUsage,
		CollectedAt: rm.now(),
	}
	rm.mu.Unlock()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", cpuUsage),
		zap.Float64("memory_usage", memUsage))
	return nil
}

// Stats returns a copy of the last sample, or nil before the first Collect
func (rm *ResourceMonitor) Stats() *ResourceStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if rm.stats == nil {
		return nil
	}
	stats := *rm.stats
	return &stats
}

// Check fails when the last sample exceeds a limit
func (rm *ResourceMonitor) Check(context.Context) error {
	stats := rm.Stats()
	if stats == nil {
		return nil
	}
	if rm.limits.MaxCPU > 0 && stats.CPUUsage > rm.limits.MaxCPU {
		return fmt.Errorf("cpu usage %.1f%% exceeds %.1f%%", stats.CPUUsage, rm.limits.MaxCPU)
	}
	if rm.limits.MaxMemory > 0 && stats.MemoryUsage > rm.limits.MaxMemory {
		return fmt.Errorf("memory usage %.1f%% exceeds %.1f%%", stats.MemoryUsage, rm.limits.MaxMemory)
	}
	return nil
}
