// Package resource implements admission control for concurrent agent
// execution. Requests are granted against CPU, memory, concurrency, and
// per-minute rate budgets; requests that do not fit are queued by priority
// and granted automatically as earlier work releases its budget.
package resource

import (
	"fmt"
	"time"
)

// Limits is the configured resource budget. The sum of active requests'
// estimates never exceeds these values.
type Limits struct {
	// MaxCPUPercent caps booked CPU across all active agents.
	MaxCPUPercent float64 `json:"maxCpuPercent,omitempty" yaml:"maxCpuPercent,omitempty" toml:"maxCpuPercent" env:"MAX_CPU_PERCENT"`

	// MaxMemoryMB caps booked memory across all active agents.
	MaxMemoryMB float64 `json:"maxMemoryMb,omitempty" yaml:"maxMemoryMb,omitempty" toml:"maxMemoryMb" env:"MAX_MEMORY_MB"`

	// MaxConcurrentAgents caps simultaneously executing agents.
	MaxConcurrentAgents int `json:"maxConcurrentAgents,omitempty" yaml:"maxConcurrentAgents,omitempty" toml:"maxConcurrentAgents" env:"MAX_CONCURRENT_AGENTS"`

	// MaxLLMTokensPerMinute caps estimated LLM token spend per minute.
	MaxLLMTokensPerMinute int `json:"maxLlmTokensPerMinute,omitempty" yaml:"maxLlmTokensPerMinute,omitempty" toml:"maxLlmTokensPerMinute" env:"MAX_LLM_TOKENS_PER_MINUTE"`

	// MaxCloudAPICallsPerMinute caps estimated cloud API calls per minute.
	MaxCloudAPICallsPerMinute int `json:"maxCloudApiCallsPerMinute,omitempty" yaml:"maxCloudApiCallsPerMinute,omitempty" toml:"maxCloudApiCallsPerMinute" env:"MAX_CLOUD_API_CALLS_PER_MINUTE"`
}

// Validate applies defaults to unset fields.
func (l *Limits) Validate() error {
	if l.MaxCPUPercent == 0 {
		l.MaxCPUPercent = 80
	}
	if l.MaxMemoryMB == 0 {
		l.MaxMemoryMB = 4096
	}
	if l.MaxConcurrentAgents == 0 {
		l.MaxConcurrentAgents = 5
	}
	if l.MaxLLMTokensPerMinute == 0 {
		l.MaxLLMTokensPerMinute = 100000
	}
	if l.MaxCloudAPICallsPerMinute == 0 {
		l.MaxCloudAPICallsPerMinute = 60
	}
	if l.MaxCPUPercent < 0 || l.MaxMemoryMB < 0 || l.MaxConcurrentAgents < 0 {
		return fmt.Errorf("resource limits must be positive")
	}
	return nil
}

// Usage is a point-in-time snapshot of booked and sampled consumption.
type Usage struct {
	CPUPercent        float64   `json:"cpuPercent"`
	MemoryMB          float64   `json:"memoryMb"`
	ActiveAgents      int       `json:"activeAgents"`
	LLMTokensUsed     int       `json:"llmTokensUsed"`
	CloudAPICallsUsed int       `json:"cloudApiCallsUsed"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// Estimate is the per-run resource footprint an agent declares up front.
type Estimate struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemoryMB   float64 `json:"memoryMb"`
	LLMTokens  int     `json:"llmTokens"`
	APICalls   int     `json:"apiCalls"`
}

// Request builds an admission request for one run of the given agent.
func (e Estimate) Request(agentID string, priority int) Request {
	return Request{
		AgentID:             agentID,
		EstimatedCPUPercent: e.CPUPercent,
		EstimatedMemoryMB:   e.MemoryMB,
		EstimatedLLMTokens:  e.LLMTokens,
		EstimatedAPICalls:   e.APICalls,
		Priority:            priority,
		CreatedAt:           time.Now(),
	}
}

// Request is an immutable intent to run one agent. Priority 1 is highest,
// 5 lowest; it orders the wait queue, with arrival order breaking ties.
type Request struct {
	AgentID             string    `json:"agentId"`
	EstimatedCPUPercent float64   `json:"estimatedCpuPercent"`
	EstimatedMemoryMB   float64   `json:"estimatedMemoryMb"`
	EstimatedLLMTokens  int       `json:"estimatedLlmTokens"`
	EstimatedAPICalls   int       `json:"estimatedApiCalls"`
	Priority            int       `json:"priority"`
	CreatedAt           time.Time `json:"createdAt"`
}

// Admission is the outcome of a resource request. Exhausted budgets are
// control flow, not errors: a request that does not fit is queued, and only
// a full wait queue (or an invalid request) is rejected.
type Admission int

const (
	// AdmissionGranted means the request was admitted immediately and its
	// estimates are booked against the budget.
	AdmissionGranted Admission = iota

	// AdmissionQueued means the request waits in the priority queue and
	// will be granted automatically when budget frees up.
	AdmissionQueued

	// AdmissionRejected means the request was not accepted: the wait
	// queue is at capacity or the request is malformed.
	AdmissionRejected
)

// String returns the lowercase name of the admission outcome.
func (a Admission) String() string {
	switch a {
	case AdmissionGranted:
		return "granted"
	case AdmissionQueued:
		return "queued"
	case AdmissionRejected:
		return "rejected"
	default:
		return fmt.Sprintf("admission(%d)", int(a))
	}
}

// Config defines the configuration for the resource manager.
type Config struct {
	// Limits is the resource budget.
	Limits Limits `json:"limits" yaml:"limits" toml:"limits"`

	// SampleSchedule is the cron expression for sampling host CPU and
	// process memory. Sampled values are blended into admission checks as
	// max(sampled, booked) so non-agent load is never under-counted.
	SampleSchedule string `json:"sampleSchedule,omitempty" yaml:"sampleSchedule,omitempty" toml:"sampleSchedule" env:"SAMPLE_SCHEDULE"`

	// MaxWaitQueue caps the wait queue depth; requests beyond it are
	// rejected outright.
	MaxWaitQueue int `json:"maxWaitQueue,omitempty" yaml:"maxWaitQueue,omitempty" toml:"maxWaitQueue" env:"MAX_WAIT_QUEUE"`

	// RequestTTL bounds how long a queued request stays eligible. Expired
	// entries are dropped at grant time. Negative disables expiry.
	RequestTTL time.Duration `json:"requestTtl,omitempty" yaml:"requestTtl,omitempty" toml:"requestTtl" env:"REQUEST_TTL"`

	// HistorySize is how many usage snapshots OptimizeAllocation inspects.
	HistorySize int `json:"historySize,omitempty" yaml:"historySize,omitempty" toml:"historySize" env:"HISTORY_SIZE"`
}

// Validate applies defaults and validates the embedded limits.
func (c *Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.SampleSchedule == "" {
		c.SampleSchedule = "@every 30s"
	}
	if c.MaxWaitQueue == 0 {
		c.MaxWaitQueue = 100
	}
	if c.RequestTTL == 0 {
		c.RequestTTL = 5 * time.Minute
	}
	if c.HistorySize == 0 {
		c.HistorySize = 10
	}
	return nil
}
