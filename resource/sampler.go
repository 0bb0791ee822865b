package resource

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// Sampler measures real system consumption. The manager blends samples into
// its booked estimates so host load outside the agent pool still counts
// against the budget.
type Sampler interface {
	// Sample returns current host CPU utilization (percent) and this
	// process's resident memory (MB).
	Sample(ctx context.Context) (cpuPercent, memoryMB float64, err error)
}

// systemSampler reads host CPU and process RSS via gopsutil.
type systemSampler struct {
	proc *process.Process
}

// NewSystemSampler returns the gopsutil-backed sampler for this process.
func NewSystemSampler() Sampler {
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &systemSampler{proc: proc}
}

func (s *systemSampler) Sample(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sampling cpu: %w", err)
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memoryMB float64
	if s.proc != nil {
		info, err := s.proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("sampling memory: %w", err)
		}
		memoryMB = float64(info.RSS) / (1024 * 1024)
	}
	return cpuPercent, memoryMB, nil
}
