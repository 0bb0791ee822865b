// Package agent defines the contract between the platform and its analysis
// agents, and the runner that gates each run through resource admission and
// reports progress on the event bus. The LLM client itself stays external:
// anything that can turn a prompt into text satisfies Model.
package agent

import (
	"context"
	"time"

	"github.com/stratusai/stratus/resource"
)

// Model generates a completion for a prompt.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Task is one unit of analysis work handed to an agent.
type Task struct {
	// ID identifies the task; the runner assigns one when empty.
	ID string `json:"id"`

	// CorrelationID threads the task through published lifecycle events.
	CorrelationID string `json:"correlationId,omitempty"`

	// Objective is what the agent is asked to analyze.
	Objective string `json:"objective"`

	// Context carries structured input for the analysis.
	Context map[string]any `json:"context,omitempty"`

	// Priority is the admission priority, 1 highest through 5 lowest.
	Priority int `json:"priority,omitempty"`
}

// Result is the outcome of one agent run.
type Result struct {
	AgentID         string        `json:"agentId"`
	TaskID          string        `json:"taskId"`
	Summary         string        `json:"summary"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Raw             string        `json:"raw,omitempty"`
	Fallback        bool          `json:"fallback,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Agent is one specialist in the advisory fleet. Cost declares the resource
// footprint booked for the duration of Execute.
type Agent interface {
	ID() string
	Role() string
	Cost() resource.Estimate
	Execute(ctx context.Context, task Task) (Result, error)
}
