// Package monitor watches the host and the registered servers in the
// background.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/zangezia/backupdesk/pkg/models"
)

// Host samples performance of the machine the desk runs on
type Host struct {
	updateInterval      time.Duration
	cpuSmoothingSamples int
	networkSpeedBps     int64
	dataPath            string

	mu           sync.Mutex
	cpuReadings  []float64
	lastNetTime  time.Time
	lastNetBytes uint64
}

// NewHost creates a host monitor. dataPath is the directory whose free space
// is reported, normally the state database directory.
func NewHost(updateInterval time.Duration, cpuSamples int, networkSpeedBps int64, dataPath string) *Host {
	if cpuSamples < 1 {
		cpuSamples = 1
	}
	if updateInterval <= 0 {
		updateInterval = time.Second
	}
	return &Host{
		updateInterval:      updateInterval,
		cpuSmoothingSamples: cpuSamples,
		networkSpeedBps:     networkSpeedBps,
		dataPath:            dataPath,
		cpuReadings:         make([]float64, 0, cpuSamples),
	}
}

// Start samples every update interval until ctx is done. Samples are dropped
// when the consumer falls behind.
func (h *Host) Start(ctx context.Context) <-chan models.PerformanceMetrics {
	metricsChan := make(chan models.PerformanceMetrics, 10)

	go func() {
		defer close(metricsChan)

		ticker := time.NewTicker(h.updateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case metricsChan <- h.Metrics(ctx):
				default:
				}
			}
		}
	}()

	return metricsChan
}

// Metrics takes one sample.
func (h *Host) Metrics(ctx context.Context) models.PerformanceMetrics {
	var metrics models.PerformanceMetrics

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		metrics.CPUPercent = h.smoothCPU(percents[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.MemoryUsedBytes = vm.Used
		metrics.MemoryTotalBytes = vm.Total
		metrics.MemoryPercent = vm.UsedPercent
	}

	if h.dataPath != "" {
		if usage, err := disk.UsageWithContext(ctx, h.dataPath); err == nil {
			metrics.FreeDiskBytes = usage.Free
			metrics.FreeDiskGB = float64(usage.Free) / 1024.0 / 1024.0 / 1024.0
		}
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		h.sampleNetwork(&metrics, counters[0].BytesSent+counters[0].BytesRecv, time.Now())
	}

	return metrics
}

func (h *Host) smoothCPU(reading float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cpuReadings = append(h.cpuReadings, reading)
	if len(h.cpuReadings) > h.cpuSmoothingSamples {
		h.cpuReadings = h.cpuReadings[1:]
	}
	var sum float64
	for _, v := range h.cpuReadings {
		sum += v
	}
	return sum / float64(len(h.cpuReadings))
}

// sampleNetwork derives throughput from the byte counter delta since the
// previous sample. The first sample only records the baseline.
func (h *Host) sampleNetwork(metrics *models.PerformanceMetrics, currentBytes uint64, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lastNetTime.IsZero() && currentBytes >= h.lastNetBytes {
		if elapsed := now.Sub(h.lastNetTime).Seconds(); elapsed > 0 {
			metrics.NetworkBytesPerSec = float64(currentBytes-h.lastNetBytes) / elapsed
			metrics.NetworkMBps = metrics.NetworkBytesPerSec / 1024.0 / 1024.0
			if h.networkSpeedBps > 0 {
				bps := metrics.NetworkBytesPerSec * 8
				metrics.NetworkPercent = min(100, bps/float64(h.networkSpeedBps)*100.0)
			}
		}
	}
	h.lastNetBytes = currentBytes
	h.lastNetTime = now
}
