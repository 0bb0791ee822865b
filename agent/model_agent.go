package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stratusai/stratus/resource"
)

// Fallback produces a rule-based result when the model is unavailable or
// its output cannot be parsed.
type Fallback func(task Task) Result

// PromptFunc renders a task into the prompt sent to the model.
type PromptFunc func(task Task) string

// ModelAgent is the reference Agent: it renders the task into a prompt,
// asks the model for a JSON analysis, and parses the body. When the model
// errors or returns something unparsable it degrades to the configured
// fallback instead of failing the run.
type ModelAgent struct {
	id       string
	role     string
	model    Model
	cost     resource.Estimate
	fallback Fallback
	prompt   PromptFunc
	logger   *slog.Logger
}

// ModelAgentOption configures a ModelAgent.
type ModelAgentOption func(*ModelAgent)

// WithFallback installs a rule-based fallback for model failures.
func WithFallback(fn Fallback) ModelAgentOption {
	return func(a *ModelAgent) { a.fallback = fn }
}

// WithPromptFunc replaces the default prompt rendering.
func WithPromptFunc(fn PromptFunc) ModelAgentOption {
	return func(a *ModelAgent) { a.prompt = fn }
}

// WithLogger sets the agent's logger.
func WithLogger(logger *slog.Logger) ModelAgentOption {
	return func(a *ModelAgent) { a.logger = logger }
}

// NewModelAgent creates an agent with the given identity, model, and
// declared resource cost.
func NewModelAgent(id, role string, model Model, cost resource.Estimate, opts ...ModelAgentOption) (*ModelAgent, error) {
	if model == nil {
		return nil, ErrNilModel
	}
	a := &ModelAgent{
		id:     id,
		role:   role,
		model:  model,
		cost:   cost,
		prompt: defaultPrompt(role),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *ModelAgent) ID() string              { return a.id }
func (a *ModelAgent) Role() string            { return a.role }
func (a *ModelAgent) Cost() resource.Estimate { return a.cost }

// Execute prompts the model and parses its JSON analysis. Model and parse
// failures degrade to the fallback when one is configured.
func (a *ModelAgent) Execute(ctx context.Context, task Task) (Result, error) {
	raw, err := a.model.Generate(ctx, a.prompt(task))
	if err != nil {
		if a.fallback != nil {
			a.logger.Warn("Model call failed, using fallback",
				"agent", a.id, "task", task.ID, "error", err)
			return a.fallbackResult(task), nil
		}
		return Result{}, fmt.Errorf("generating analysis: %w", err)
	}

	result, err := parseAnalysis(raw)
	if err != nil {
		if a.fallback != nil {
			a.logger.Warn("Model response unparsable, using fallback",
				"agent", a.id, "task", task.ID, "error", err)
			return a.fallbackResult(task), nil
		}
		return Result{}, err
	}
	result.Raw = raw
	return result, nil
}

func (a *ModelAgent) fallbackResult(task Task) Result {
	result := a.fallback(task)
	result.Fallback = true
	return result
}

func defaultPrompt(role string) PromptFunc {
	return func(task Task) string {
		var b strings.Builder
		fmt.Fprintf(&b, "You are a %s for an infrastructure advisory platform.\n", role)
		fmt.Fprintf(&b, "Objective: %s\n", task.Objective)
		if len(task.Context) > 0 {
			if encoded, err := json.Marshal(task.Context); err == nil {
				fmt.Fprintf(&b, "Context: %s\n", encoded)
			}
		}
		b.WriteString(`Respond with a JSON object: {"summary": string, "recommendations": [string]}.`)
		return b.String()
	}
}

// parseAnalysis extracts the JSON object from a model response. Models often
// wrap the body in prose or code fences, so parsing spans from the first
// opening brace to the last closing one.
func parseAnalysis(raw string) (Result, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("%w: no JSON object in response", ErrUnparsableResponse)
	}

	var body struct {
		Summary         string   `json:"summary"`
		Recommendations []string `json:"recommendations"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &body); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnparsableResponse, err)
	}
	if body.Summary == "" {
		return Result{}, fmt.Errorf("%w: missing summary", ErrUnparsableResponse)
	}
	return Result{Summary: body.Summary, Recommendations: body.Recommendations}, nil
}
