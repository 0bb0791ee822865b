package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stratusai/stratus/eventbus"
	"github.com/stratusai/stratus/resource"
)

// Runner executes agents behind resource admission. Every run acquires the
// agent's declared budget before executing and releases it exactly once,
// whether the agent succeeds, fails, or panics out of Execute. Lifecycle
// events are published with the task's correlation id so callers can follow
// a run across components.
type Runner struct {
	resources *resource.Manager
	bus       *eventbus.Bus
	logger    *slog.Logger
}

// NewRunner creates a runner over the given admission manager and bus. The
// bus may be nil; lifecycle events are then skipped.
func NewRunner(resources *resource.Manager, bus *eventbus.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{resources: resources, bus: bus, logger: logger}
}

// Run executes one task on one agent. It blocks until the agent's resource
// request is granted or ctx is cancelled.
func (r *Runner) Run(ctx context.Context, a Agent, task Task) (Result, error) {
	if a == nil {
		return Result{}, ErrNilAgent
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CorrelationID == "" {
		task.CorrelationID = task.ID
	}

	req := a.Cost().Request(a.ID(), task.Priority)
	if err := r.resources.Acquire(ctx, req); err != nil {
		return Result{}, fmt.Errorf("agent %s: acquiring resources: %w", a.ID(), err)
	}
	defer r.resources.Release(a.ID())

	r.publish(ctx, eventbus.EventAnalysisStarted, task, map[string]any{
		"agentId": a.ID(),
		"role":    a.Role(),
		"taskId":  task.ID,
	})

	start := time.Now()
	result, err := a.Execute(ctx, task)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("Agent run failed",
			"agent", a.ID(), "task", task.ID, "error", err)
		r.publish(ctx, eventbus.EventAnalysisFailed, task, map[string]any{
			"agentId": a.ID(),
			"taskId":  task.ID,
			"error":   err.Error(),
		}, eventbus.WithPriority(eventbus.PriorityHigh))
		return Result{}, fmt.Errorf("agent %s: executing task %s: %w", a.ID(), task.ID, err)
	}

	result.AgentID = a.ID()
	result.TaskID = task.ID
	result.Duration = elapsed

	r.publish(ctx, eventbus.EventAnalysisCompleted, task, map[string]any{
		"agentId":  a.ID(),
		"taskId":   task.ID,
		"summary":  result.Summary,
		"fallback": result.Fallback,
		"duration": elapsed.String(),
	})
	return result, nil
}

func (r *Runner) publish(ctx context.Context, eventType eventbus.EventType, task Task, data map[string]any, opts ...eventbus.PublishOption) {
	if r.bus == nil {
		return
	}
	opts = append(opts,
		eventbus.WithSource("agent-runner"),
		eventbus.WithCorrelationID(task.CorrelationID))
	r.bus.PublishSimple(ctx, eventType, data, opts...)
}
