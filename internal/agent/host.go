package agent

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

// HostSampler reports resource usage of the machine an agent runs on.
type HostSampler interface {
	Sample(ctx context.Context) (*events.HostMetrics, error)
}

type systemSampler struct{}

func (systemSampler) Sample(ctx context.Context) (*events.HostMetrics, error) {
	out := &events.HostMetrics{}
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	if len(cpuPercent) > 0 {
		out.CPUUsage = cpuPercent[0]
	}
	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out.MemoryUsage = memStat.UsedPercent
	if info, err := host.InfoWithContext(ctx); err == nil {
		out.Hostname = info.Hostname
	}
	return out, nil
}
