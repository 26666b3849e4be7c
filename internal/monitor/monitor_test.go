package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zangezia/backupdesk/pkg/models"
)

func TestHostSmoothCPU(t *testing.T) {
	h := NewHost(time.Second, 3, 1_000_000_000, "")

	assert.Equal(t, 30.0, h.smoothCPU(30))
	assert.Equal(t, 45.0, h.smoothCPU(60))
	assert.Equal(t, 50.0, h.smoothCPU(60))
	// Oldest reading falls out of the window.
	assert.Equal(t, 70.0, h.smoothCPU(90))
}

func TestHostSampleNetwork(t *testing.T) {
	h := NewHost(time.Second, 1, 8_000_000, "")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var first models.PerformanceMetrics
	h.sampleNetwork(&first, 1_000, start)
	assert.Zero(t, first.NetworkBytesPerSec, "first sample is the baseline")

	var second models.PerformanceMetrics
	h.sampleNetwork(&second, 501_000, start.Add(time.Second))
	assert.Equal(t, 500_000.0, second.NetworkBytesPerSec)
	assert.Equal(t, 50.0, second.NetworkPercent)

	var saturated models.PerformanceMetrics
	h.sampleNetwork(&saturated, 10_501_000, start.Add(2*time.Second))
	assert.Equal(t, 100.0, saturated.NetworkPercent)

	// A counter reset is not reported as negative throughput.
	var reset models.PerformanceMetrics
	h.sampleNetwork(&reset, 10, start.Add(3*time.Second))
	assert.Zero(t, reset.NetworkBytesPerSec)
}
