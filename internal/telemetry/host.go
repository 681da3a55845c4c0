package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/reviewload/reviewload/internal/performance/metrics"
)

// DefaultHostInterval is the sampling interval used when none is given.
const DefaultHostInterval = time.Second

// HostSampler records the load generator's CPU and memory usage as gauges,
// so a saturated generator can be told apart from a slow target.
type HostSampler struct {
	collector *metrics.Collector
	interval  time.Duration
	logger    *zap.Logger

	cpuPercent func() (float64, error)
	memPercent func() (float64, error)
}

// NewHostSampler creates a sampler that writes to collector every interval.
func NewHostSampler(collector *metrics.Collector, interval time.Duration, logger *zap.Logger) *HostSampler {
	if interval <= 0 {
		interval = DefaultHostInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostSampler{
		collector:  collector,
		interval:   interval,
		logger:     logger,
		cpuPercent: systemCPUPercent,
		memPercent: systemMemPercent,
	}
}

// Run samples until ctx is done. It always returns nil; sampling errors are
// logged and skipped.
func (h *HostSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sample()
		}
	}
}

// Sample takes one CPU and memory reading.
func (h *HostSampler) Sample() {
	if v, err := h.cpuPercent(); err != nil {
		h.logger.Debug("cpu sample failed", zap.Error(err))
	} else {
		_ = h.collector.SetGauge(metrics.GeneratorCPU, v, nil)
	}

	if v, err := h.memPercent(); err != nil {
		h.logger.Debug("memory sample failed", zap.Error(err))
	} else {
		_ = h.collector.SetGauge(metrics.GeneratorMemory, v, nil)
	}
}

func systemCPUPercent() (float64, error) {
	// interval 0 compares against the previous call
	pct, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, nil
	}
	return pct[0], nil
}

func systemMemPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}
