package resource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// waiter is one queued request plus its grant signal.
type waiter struct {
	request  Request
	enqueued time.Time
	granted  chan struct{}
	expired  bool // set before granted closes when the request timed out unserved
}

// Manager gates concurrent agent executions against the configured budget.
// One mutex serializes admission, release, and queue mutations; the
// critical sections are check-then-update only, never I/O.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	sampler Sampler

	mu     sync.Mutex
	limits Limits
	active map[string]Request
	queue  []*waiter

	sampledCPU float64
	sampledMem float64

	windowStart  time.Time
	windowTokens int
	windowCalls  int

	history []Usage

	lifecycle sync.Mutex
	cron      *cron.Cron
	started   bool
}

// NewManager creates a manager with the given configuration. A nil sampler
// uses the gopsutil-backed system sampler; a nil logger uses slog.Default.
func NewManager(config *Config, sampler Sampler, logger *slog.Logger) (*Manager, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      config,
		logger:      logger,
		sampler:     sampler,
		limits:      config.Limits,
		active:      make(map[string]Request),
		windowStart: time.Now(),
	}, nil
}

// Start launches the periodic system sampling job. The manager is usable
// for admission before Start; sampling only sharpens the blended usage.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.started {
		return nil
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(m.config.SampleSchedule, func() {
		m.sample(ctx)
	}); err != nil {
		return fmt.Errorf("resource: invalid sample schedule %q: %w", m.config.SampleSchedule, err)
	}
	m.cron.Start()
	m.started = true
	m.logger.Info("Resource manager started",
		"maxConcurrentAgents", m.limits.MaxConcurrentAgents,
		"maxCpuPercent", m.limits.MaxCPUPercent)
	return nil
}

// Stop halts the sampling job. Queued waiters are not drained; callers
// blocked in Acquire observe their context instead.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.started {
		return nil
	}
	m.cron.Stop()
	m.started = false
	m.logger.Info("Resource manager stopped")
	return nil
}

// Request asks for execution budget. Granted requests are booked
// immediately; requests that do not fit are queued by priority (FIFO within
// a priority) and granted automatically on release. Only a full queue or a
// malformed request is rejected.
func (m *Manager) Request(request Request) Admission {
	admission, _ := m.requestWaiter(request)
	return admission
}

// Acquire requests budget and blocks until it is granted or ctx is done.
// A rejected request returns ErrQueueFull or a validation error.
func (m *Manager) Acquire(ctx context.Context, request Request) error {
	admission, w := m.requestWaiter(request)
	switch admission {
	case AdmissionGranted:
		return nil
	case AdmissionRejected:
		if request.AgentID == "" {
			return ErrEmptyAgentID
		}
		m.mu.Lock()
		_, duplicate := m.active[request.AgentID]
		m.mu.Unlock()
		if duplicate {
			return ErrDuplicateAgent
		}
		return ErrQueueFull
	}

	select {
	case <-w.granted:
		if w.expired {
			return ErrRequestExpired
		}
		return nil
	case <-ctx.Done():
		m.removeWaiter(w)
		// The grant may have raced the cancellation; give it back.
		select {
		case <-w.granted:
			if !w.expired {
				m.Release(request.AgentID)
			}
		default:
		}
		return ctx.Err()
	}
}

func (m *Manager) requestWaiter(request Request) (Admission, *waiter) {
	if request.AgentID == "" {
		return AdmissionRejected, nil
	}
	if request.Priority < 1 || request.Priority > 5 {
		request.Priority = 3
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[request.AgentID]; exists {
		m.logger.Warn("Duplicate resource request rejected", "agent", request.AgentID)
		return AdmissionRejected, nil
	}

	m.rotateWindowLocked(time.Now())

	if m.fitsLocked(request) {
		m.grantLocked(request)
		return AdmissionGranted, nil
	}

	if len(m.queue) >= m.config.MaxWaitQueue {
		m.logger.Warn("Resource wait queue full, rejecting request",
			"agent", request.AgentID, "depth", len(m.queue))
		return AdmissionRejected, nil
	}

	w := &waiter{request: request, enqueued: time.Now(), granted: make(chan struct{})}
	m.insertWaiterLocked(w)
	m.logger.Debug("Resource request queued",
		"agent", request.AgentID, "priority", request.Priority, "depth", len(m.queue))
	return AdmissionQueued, w
}

// Release returns an agent's booked budget and grants every queued request
// that now fits, in priority order. Releasing an unknown agent is a no-op.
func (m *Manager) Release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[agentID]; !exists {
		return
	}
	delete(m.active, agentID)
	m.grantWaitersLocked()
}

// UpdateLimits replaces the budget, then re-runs admission over the wait
// queue since a raised budget may fit queued requests.
func (m *Manager) UpdateLimits(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
	m.grantWaitersLocked()
	m.logger.Info("Resource limits updated",
		"maxConcurrentAgents", limits.MaxConcurrentAgents,
		"maxCpuPercent", limits.MaxCPUPercent,
		"maxMemoryMb", limits.MaxMemoryMB)
	return nil
}

// fitsLocked is the admission predicate: the request fits iff adding its
// estimates keeps every budget dimension within limits.
func (m *Manager) fitsLocked(request Request) bool {
	if len(m.active) >= m.limits.MaxConcurrentAgents {
		return false
	}
	cpu, mem := m.blendedUsageLocked()
	if cpu+request.EstimatedCPUPercent > m.limits.MaxCPUPercent {
		return false
	}
	if mem+request.EstimatedMemoryMB > m.limits.MaxMemoryMB {
		return false
	}
	if m.windowTokens+request.EstimatedLLMTokens > m.limits.MaxLLMTokensPerMinute {
		return false
	}
	if m.windowCalls+request.EstimatedAPICalls > m.limits.MaxCloudAPICallsPerMinute {
		return false
	}
	return true
}

// blendedUsageLocked returns current CPU and memory consumption as the max
// of the sampled system values and the sum of active estimates, so host
// load from non-agent activity is never under-counted.
func (m *Manager) blendedUsageLocked() (cpu, mem float64) {
	for _, request := range m.active {
		cpu += request.EstimatedCPUPercent
		mem += request.EstimatedMemoryMB
	}
	if m.sampledCPU > cpu {
		cpu = m.sampledCPU
	}
	if m.sampledMem > mem {
		mem = m.sampledMem
	}
	return cpu, mem
}

func (m *Manager) grantLocked(request Request) {
	m.active[request.AgentID] = request
	m.windowTokens += request.EstimatedLLMTokens
	m.windowCalls += request.EstimatedAPICalls
	m.logger.Debug("Resources granted",
		"agent", request.AgentID, "activeAgents", len(m.active))
}

// insertWaiterLocked keeps the queue priority-ordered with stable FIFO
// ordering inside each priority level.
func (m *Manager) insertWaiterLocked(w *waiter) {
	idx := len(m.queue)
	for i, queued := range m.queue {
		if queued.request.Priority > w.request.Priority {
			idx = i
			break
		}
	}
	m.queue = append(m.queue, nil)
	copy(m.queue[idx+1:], m.queue[idx:])
	m.queue[idx] = w
}

// grantWaitersLocked re-runs admission over the queue in priority order.
// One release can grant several small queued requests. Expired entries are
// dropped.
func (m *Manager) grantWaitersLocked() {
	now := time.Now()
	m.rotateWindowLocked(now)

	kept := m.queue[:0]
	for _, w := range m.queue {
		if m.config.RequestTTL > 0 && now.Sub(w.enqueued) > m.config.RequestTTL {
			m.logger.Warn("Dropping expired queued resource request",
				"agent", w.request.AgentID, "queuedFor", now.Sub(w.enqueued))
			w.expired = true
			close(w.granted)
			continue
		}
		if m.fitsLocked(w.request) {
			m.grantLocked(w.request)
			close(w.granted)
			continue
		}
		kept = append(kept, w)
	}
	m.queue = kept
}

// removeWaiter drops a waiter after its Acquire call was cancelled.
func (m *Manager) removeWaiter(target *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.queue {
		if w == target {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// rotateWindowLocked resets the per-minute token and API-call budgets when
// the current minute window has elapsed.
func (m *Manager) rotateWindowLocked(now time.Time) {
	if now.Sub(m.windowStart) >= time.Minute {
		m.windowStart = now
		m.windowTokens = 0
		m.windowCalls = 0
	}
}

// sample records host CPU and process memory and stores a usage snapshot.
func (m *Manager) sample(ctx context.Context) {
	cpu, mem, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("System usage sampling failed", "error", err)
		return
	}

	m.mu.Lock()
	m.sampledCPU = cpu
	m.sampledMem = mem
	snapshot := m.snapshotLocked()
	m.history = append(m.history, snapshot)
	if len(m.history) > m.config.HistorySize {
		m.history = m.history[1:]
	}
	m.mu.Unlock()
}

func (m *Manager) snapshotLocked() Usage {
	cpu, mem := m.blendedUsageLocked()
	return Usage{
		CPUPercent:        cpu,
		MemoryMB:          mem,
		ActiveAgents:      len(m.active),
		LLMTokensUsed:     m.windowTokens,
		CloudAPICallsUsed: m.windowCalls,
		LastUpdated:       time.Now(),
	}
}

// Snapshot returns the current blended usage.
func (m *Manager) Snapshot() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Active reports whether the agent currently holds a grant.
func (m *Manager) Active(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[agentID]
	return ok
}

// QueueDepth returns the number of waiting requests.
func (m *Manager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Limits returns the current budget.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}
