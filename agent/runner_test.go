package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusai/stratus/eventbus"
	"github.com/stratusai/stratus/resource"
)

type stubAgent struct {
	id      string
	role    string
	cost    resource.Estimate
	execute func(ctx context.Context, task Task) (Result, error)
}

func (a *stubAgent) ID() string              { return a.id }
func (a *stubAgent) Role() string            { return a.role }
func (a *stubAgent) Cost() resource.Estimate { return a.cost }
func (a *stubAgent) Execute(ctx context.Context, task Task) (Result, error) {
	return a.execute(ctx, task)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func testManager(t *testing.T, limits resource.Limits) *resource.Manager {
	t.Helper()
	m, err := resource.NewManager(&resource.Config{Limits: limits}, nil, testLogger())
	require.NoError(t, err)
	return m
}

func testBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus, err := eventbus.New(&eventbus.Config{}, testLogger())
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

func collectEvents(t *testing.T, bus *eventbus.Bus, types ...eventbus.EventType) <-chan eventbus.Event {
	t.Helper()
	ch := make(chan eventbus.Event, 16)
	_, err := bus.Subscribe(types, func(ctx context.Context, e eventbus.Event) error {
		ch <- e
		return nil
	})
	require.NoError(t, err)
	return ch
}

func nextEvent(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event before deadline")
		return eventbus.Event{}
	}
}

func TestRunReleasesOnSuccess(t *testing.T) {
	manager := testManager(t, resource.Limits{MaxConcurrentAgents: 1})
	runner := NewRunner(manager, nil, testLogger())

	agent := &stubAgent{
		id:   "network-1",
		role: "network analyst",
		cost: resource.Estimate{CPUPercent: 10, MemoryMB: 256},
		execute: func(ctx context.Context, task Task) (Result, error) {
			return Result{Summary: "all links healthy"}, nil
		},
	}

	result, err := runner.Run(context.Background(), agent, Task{Objective: "audit network"})
	require.NoError(t, err)
	assert.Equal(t, "network-1", result.AgentID)
	assert.Equal(t, "all links healthy", result.Summary)
	assert.NotEmpty(t, result.TaskID)
	assert.False(t, manager.Active("network-1"), "budget released after run")
}

func TestRunReleasesOnFailure(t *testing.T) {
	manager := testManager(t, resource.Limits{MaxConcurrentAgents: 1})
	runner := NewRunner(manager, nil, testLogger())

	failing := &stubAgent{
		id:   "a1",
		role: "analyst",
		execute: func(ctx context.Context, task Task) (Result, error) {
			return Result{}, errors.New("provider timeout")
		},
	}
	_, err := runner.Run(context.Background(), failing, Task{})
	require.Error(t, err)
	assert.False(t, manager.Active("a1"), "budget released despite failure")

	// The freed slot admits the next agent immediately.
	next := &stubAgent{
		id:   "a2",
		role: "analyst",
		execute: func(ctx context.Context, task Task) (Result, error) {
			return Result{Summary: "ok"}, nil
		},
	}
	_, err = runner.Run(context.Background(), next, Task{})
	assert.NoError(t, err)
}

func TestRunNilAgent(t *testing.T) {
	runner := NewRunner(testManager(t, resource.Limits{}), nil, testLogger())
	_, err := runner.Run(context.Background(), nil, Task{})
	assert.ErrorIs(t, err, ErrNilAgent)
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	manager := testManager(t, resource.Limits{})
	bus := testBus(t)
	runner := NewRunner(manager, bus, testLogger())

	events := collectEvents(t, bus,
		eventbus.EventAnalysisStarted, eventbus.EventAnalysisCompleted)

	task := Task{CorrelationID: "corr-7", Objective: "capacity review"}
	agent := &stubAgent{
		id:   "capacity-1",
		role: "capacity planner",
		execute: func(ctx context.Context, task Task) (Result, error) {
			return Result{Summary: "headroom ok"}, nil
		},
	}
	_, err := runner.Run(context.Background(), agent, task)
	require.NoError(t, err)

	// Worker scheduling does not order same-priority deliveries, so check
	// both events arrived rather than their arrival order.
	first := nextEvent(t, events)
	second := nextEvent(t, events)
	types := []eventbus.EventType{first.Type, second.Type}
	assert.Contains(t, types, eventbus.EventAnalysisStarted)
	assert.Contains(t, types, eventbus.EventAnalysisCompleted)
	for _, e := range []eventbus.Event{first, second} {
		assert.Equal(t, "corr-7", e.CorrelationID)
		assert.Equal(t, "agent-runner", e.Source)
		assert.Equal(t, "capacity-1", e.Data["agentId"])
	}
}

func TestRunPublishesFailureEvent(t *testing.T) {
	manager := testManager(t, resource.Limits{})
	bus := testBus(t)
	runner := NewRunner(manager, bus, testLogger())

	events := collectEvents(t, bus, eventbus.EventAnalysisFailed)

	agent := &stubAgent{
		id:   "a1",
		role: "analyst",
		execute: func(ctx context.Context, task Task) (Result, error) {
			return Result{}, errors.New("model quota exhausted")
		},
	}
	_, err := runner.Run(context.Background(), agent, Task{CorrelationID: "corr-9"})
	require.Error(t, err)

	failed := nextEvent(t, events)
	assert.Equal(t, eventbus.PriorityHigh, failed.Priority)
	assert.Equal(t, "corr-9", failed.CorrelationID)
	assert.Contains(t, failed.Data["error"], "quota")
}

func TestRunBlocksUntilAdmitted(t *testing.T) {
	manager := testManager(t, resource.Limits{MaxConcurrentAgents: 1})
	runner := NewRunner(manager, nil, testLogger())

	holding := make(chan struct{})
	release := make(chan struct{})
	first := &stubAgent{
		id:   "holder",
		role: "analyst",
		execute: func(ctx context.Context, task Task) (Result, error) {
			close(holding)
			<-release
			return Result{Summary: "done"}, nil
		},
	}
	go func() {
		_, _ = runner.Run(context.Background(), first, Task{})
	}()
	<-holding

	secondDone := make(chan error, 1)
	second := &stubAgent{
		id:   "waiter",
		role: "analyst",
		execute: func(ctx context.Context, task Task) (Result, error) {
			return Result{Summary: "finally"}, nil
		},
	}
	go func() {
		_, err := runner.Run(context.Background(), second, Task{})
		secondDone <- err
	}()

	select {
	case <-secondDone:
		t.Fatal("second run admitted while budget was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-secondDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second run never admitted after release")
	}
}

func TestRunAcquireCancelled(t *testing.T) {
	manager := testManager(t, resource.Limits{MaxConcurrentAgents: 1})
	runner := NewRunner(manager, nil, testLogger())
	require.Equal(t, resource.AdmissionGranted,
		manager.Request(resource.Request{AgentID: "occupant", Priority: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	agent := &stubAgent{
		id:   "late",
		role: "analyst",
		execute: func(ctx context.Context, task Task) (Result, error) {
			t.Fatal("must not execute without admission")
			return Result{}, nil
		},
	}
	_, err := runner.Run(ctx, agent, Task{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, manager.Active("late"))
}
