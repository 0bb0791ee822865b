package eventbus

import (
	"fmt"
	"time"
)

// Config defines the configuration for the event bus.
//
// Example YAML configuration:
//
//	eventbus:
//	  maxQueueSize: 1000
//	  workersPerPriority: 2
//	  blockingPoolSize: 8
type Config struct {
	// MaxQueueSize is the capacity of each per-priority event queue.
	// Publishing to a full queue drops the event and reports failure.
	// Must be at least 1.
	MaxQueueSize int `json:"maxQueueSize,omitempty" yaml:"maxQueueSize,omitempty" toml:"maxQueueSize" env:"MAX_QUEUE_SIZE"`

	// WorkersPerPriority is the number of dedicated worker goroutines per
	// priority level. Dedicated workers keep high-priority events from
	// being starved by lower-priority backlogs. Must be at least 1.
	WorkersPerPriority int `json:"workersPerPriority,omitempty" yaml:"workersPerPriority,omitempty" toml:"workersPerPriority" env:"WORKERS_PER_PRIORITY"`

	// BlockingPoolSize is the capacity of the shared worker pool that runs
	// handlers registered as blocking, so they never stall the dispatch
	// workers. Must be at least 1.
	BlockingPoolSize int `json:"blockingPoolSize,omitempty" yaml:"blockingPoolSize,omitempty" toml:"blockingPoolSize" env:"BLOCKING_POOL_SIZE"`

	// HistorySize bounds the ring buffer of recently published events.
	HistorySize int `json:"historySize,omitempty" yaml:"historySize,omitempty" toml:"historySize" env:"HISTORY_SIZE"`

	// DeadLetterSize bounds the ring buffer of events that exhausted their
	// retry budget without a successful delivery.
	DeadLetterSize int `json:"deadLetterSize,omitempty" yaml:"deadLetterSize,omitempty" toml:"deadLetterSize" env:"DEAD_LETTER_SIZE"`

	// RetryBackoffBase scales the exponential redelivery backoff: a failed
	// event is re-published after RetryBackoffBase * 2^RetryCount.
	RetryBackoffBase time.Duration `json:"retryBackoffBase,omitempty" yaml:"retryBackoffBase,omitempty" toml:"retryBackoffBase" env:"RETRY_BACKOFF_BASE"`

	// MaintenanceSchedule is the cron expression for the periodic sweep
	// that purges expired history entries and deactivates unhealthy
	// subscriptions.
	MaintenanceSchedule string `json:"maintenanceSchedule,omitempty" yaml:"maintenanceSchedule,omitempty" toml:"maintenanceSchedule" env:"MAINTENANCE_SCHEDULE"`
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 1000
	}
	if c.WorkersPerPriority == 0 {
		c.WorkersPerPriority = 2
	}
	if c.BlockingPoolSize == 0 {
		c.BlockingPoolSize = 8
	}
	if c.HistorySize == 0 {
		c.HistorySize = 1000
	}
	if c.DeadLetterSize == 0 {
		c.DeadLetterSize = 1000
	}
	if c.RetryBackoffBase == 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = "@every 5m"
	}
	if c.MaxQueueSize < 0 || c.WorkersPerPriority < 0 || c.BlockingPoolSize < 0 {
		return fmt.Errorf("eventbus config: sizes must be positive")
	}
	return nil
}
