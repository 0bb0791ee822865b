package resource

import (
	"time"
)

// utilization thresholds for tuning proposals.
const (
	lowUtilization  = 0.5
	highUtilization = 0.9
	scaleOutDepth   = 5
)

// Recommendation is a proposed (never auto-applied) adjustment to the
// resource budget, derived from recent usage snapshots.
type Recommendation struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Snapshots   int       `json:"snapshots"`

	// Average utilization over the inspected snapshots, as a fraction of
	// the corresponding limit.
	AvgCPUUtilization    float64 `json:"avgCpuUtilization"`
	AvgMemoryUtilization float64 `json:"avgMemoryUtilization"`
	AvgAgentUtilization  float64 `json:"avgAgentUtilization"`

	// Proposed limit changes. Zero values mean "leave as is".
	SuggestedMaxConcurrentAgents int     `json:"suggestedMaxConcurrentAgents,omitempty"`
	SuggestedMaxMemoryMB         float64 `json:"suggestedMaxMemoryMb,omitempty"`

	// ScaleOut is set when the wait queue is deep enough that tuning
	// limits alone will not help.
	ScaleOut bool `json:"scaleOut"`

	Notes []string `json:"notes,omitempty"`
}

// OptimizeAllocation inspects the recent usage snapshots and proposes
// budget adjustments: more concurrency when utilization is persistently
// low, tighter concurrency and more memory headroom when persistently high,
// and a scale-out flag when the wait queue is deep. Proposals are returned,
// never applied.
func (m *Manager) OptimizeAllocation() Recommendation {
	m.mu.Lock()
	history := make([]Usage, len(m.history))
	copy(history, m.history)
	limits := m.limits
	depth := len(m.queue)
	m.mu.Unlock()

	rec := Recommendation{
		GeneratedAt: time.Now(),
		Snapshots:   len(history),
	}
	if len(history) == 0 {
		rec.Notes = append(rec.Notes, "no usage snapshots recorded yet")
		return rec
	}

	var cpuSum, memSum, agentSum float64
	for _, usage := range history {
		cpuSum += usage.CPUPercent / limits.MaxCPUPercent
		memSum += usage.MemoryMB / limits.MaxMemoryMB
		agentSum += float64(usage.ActiveAgents) / float64(limits.MaxConcurrentAgents)
	}
	n := float64(len(history))
	rec.AvgCPUUtilization = cpuSum / n
	rec.AvgMemoryUtilization = memSum / n
	rec.AvgAgentUtilization = agentSum / n

	switch {
	case rec.AvgCPUUtilization < lowUtilization && rec.AvgMemoryUtilization < lowUtilization:
		if rec.AvgAgentUtilization > highUtilization {
			rec.SuggestedMaxConcurrentAgents = limits.MaxConcurrentAgents + 2
			rec.Notes = append(rec.Notes,
				"agent slots saturated while cpu/memory are underused; raise concurrency")
		} else {
			rec.Notes = append(rec.Notes, "utilization persistently low; current limits have headroom")
		}
	case rec.AvgCPUUtilization > highUtilization || rec.AvgMemoryUtilization > highUtilization:
		if limits.MaxConcurrentAgents > 1 {
			rec.SuggestedMaxConcurrentAgents = limits.MaxConcurrentAgents - 1
		}
		rec.SuggestedMaxMemoryMB = limits.MaxMemoryMB * 1.2
		rec.Notes = append(rec.Notes,
			"utilization persistently high; reduce concurrency or provision more memory")
	}

	if depth > scaleOutDepth {
		rec.ScaleOut = true
		rec.Notes = append(rec.Notes, "wait queue depth exceeds threshold; consider scaling out")
	}
	return rec
}
