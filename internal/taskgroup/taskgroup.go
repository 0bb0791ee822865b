// Package taskgroup supervises background goroutines that share a lifecycle.
// Components use one group per Start/Stop cycle so that a crash in any
// background task is logged rather than silently lost, and shutdown cancels
// and drains every task atomically.
package taskgroup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopTimeout is returned by Stop when tasks do not drain before the
// provided context is done.
var ErrStopTimeout = errors.New("taskgroup: stop timed out waiting for tasks")

// Group runs named background tasks under a shared cancellable context.
// The zero value is not usable; create groups with New.
type Group struct {
	name   string
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New creates a group whose tasks are children of parent. The name appears
// in log records for every task the group runs.
func New(parent context.Context, name string, logger *slog.Logger) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Group{
		name:   name,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the group's context. Tasks must return promptly once it
// is cancelled.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Go starts fn as a supervised task. A non-nil error or a panic is logged
// with the task name; neither takes down the process or the group.
func (g *Group) Go(task string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("Background task panicked",
					"group", g.name, "task", task, "panic", r)
			}
		}()
		if err := fn(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("Background task exited with error",
				"group", g.name, "task", task, "error", err)
		}
	}()
}

// Tick runs fn on a fixed interval until the group stops. The first run
// happens after one interval, not immediately.
func (g *Group) Tick(task string, interval time.Duration, fn func(ctx context.Context)) {
	g.Go(task, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Stop cancels the group and waits for all tasks to finish. It returns
// ErrStopTimeout if ctx is done before the tasks drain. Stop is idempotent.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrStopTimeout
	}
}
