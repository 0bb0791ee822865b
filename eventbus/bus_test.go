package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T, config *Config) *Bus {
	t.Helper()
	if config == nil {
		config = &Config{}
	}
	if config.RetryBackoffBase == 0 {
		config.RetryBackoffBase = time.Millisecond
	}
	bus, err := New(config, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestPublishAndDeliver(t *testing.T) {
	bus := testBus(t, nil)

	var received atomic.Int64
	_, err := bus.Subscribe([]EventType{EventReportGenerated}, func(ctx context.Context, e Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	ok := bus.PublishSimple(context.Background(), EventReportGenerated,
		map[string]any{"report_id": "r-1"}, WithSource("report-service"))
	assert.True(t, ok)

	waitFor(t, time.Second, func() bool { return received.Load() == 1 }, "event delivered")

	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Published)
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestSubscribeTypeIsolation(t *testing.T) {
	bus := testBus(t, nil)

	var reports, alerts atomic.Int64
	_, err := bus.Subscribe([]EventType{EventReportGenerated}, func(ctx context.Context, e Event) error {
		reports.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe([]EventType{EventSystemAlert}, func(ctx context.Context, e Event) error {
		alerts.Add(1)
		return nil
	})
	require.NoError(t, err)

	bus.PublishSimple(context.Background(), EventReportGenerated, nil)
	bus.PublishSimple(context.Background(), EventReportGenerated, nil)
	bus.PublishSimple(context.Background(), EventSystemAlert, nil)

	waitFor(t, time.Second, func() bool {
		return reports.Load() == 2 && alerts.Load() == 1
	}, "typed delivery")
}

func TestSubscribeNilHandler(t *testing.T) {
	bus := testBus(t, nil)
	_, err := bus.Subscribe(nil, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestUnsubscribe(t *testing.T) {
	bus := testBus(t, nil)

	var received atomic.Int64
	id, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	bus.PublishSimple(context.Background(), EventSystemAlert, nil)
	waitFor(t, time.Second, func() bool { return received.Load() == 1 }, "first delivery")

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id), "second unsubscribe reports unknown id")

	bus.PublishSimple(context.Background(), EventSystemAlert, nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), received.Load(), "no delivery after unsubscribe")
}

func TestFilteredSubscription(t *testing.T) {
	bus := testBus(t, nil)

	var received atomic.Int64
	_, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		received.Add(1)
		return nil
	}, WithFilter(&Filter{
		Sources:     []string{"compliance-agent"},
		MinPriority: PriorityHigh,
	}))
	require.NoError(t, err)

	bus.PublishSimple(context.Background(), EventSecurityAlert, nil,
		WithSource("compliance-agent"), WithPriority(PriorityCritical))
	bus.PublishSimple(context.Background(), EventSecurityAlert, nil,
		WithSource("other-agent"), WithPriority(PriorityCritical))
	bus.PublishSimple(context.Background(), EventSecurityAlert, nil,
		WithSource("compliance-agent"), WithPriority(PriorityLow))

	waitFor(t, time.Second, func() bool { return received.Load() == 1 }, "only matching event delivered")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), received.Load())
}

// Critical events are serviced by their own workers: with a single worker per
// priority and slow low-priority handlers, the critical event must be handled
// before the low-priority backlog drains.
func TestCriticalNotStarvedByLowBacklog(t *testing.T) {
	bus := testBus(t, &Config{WorkersPerPriority: 1})

	var mu sync.Mutex
	lowStarts := make([]time.Time, 0, 5)
	var criticalStart time.Time

	_, err := bus.Subscribe([]EventType{EventSystemAlert}, func(ctx context.Context, e Event) error {
		if e.Priority == PriorityCritical {
			mu.Lock()
			criticalStart = time.Now()
			mu.Unlock()
			return nil
		}
		mu.Lock()
		lowStarts = append(lowStarts, time.Now())
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, bus.PublishSimple(context.Background(), EventSystemAlert, nil,
			WithPriority(PriorityLow)))
	}
	require.True(t, bus.PublishSimple(context.Background(), EventSystemAlert, nil,
		WithPriority(PriorityCritical)))

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !criticalStart.IsZero() && len(lowStarts) == 5
	}, "all handlers invoked")

	mu.Lock()
	defer mu.Unlock()
	// The low-priority worker drains its queue serially at ~50ms per event;
	// the critical worker is idle and picks up its event immediately.
	assert.True(t, criticalStart.Before(lowStarts[2]),
		"critical event handled before the low backlog drained: critical=%v lows=%v",
		criticalStart, lowStarts)
}

func TestQueueFullDropsAndReturnsFalse(t *testing.T) {
	bus := testBus(t, &Config{MaxQueueSize: 1, WorkersPerPriority: 1})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)

	// First event occupies the worker, second fills the queue.
	require.True(t, bus.PublishSimple(context.Background(), EventSystemAlert, nil))
	<-started
	require.True(t, bus.PublishSimple(context.Background(), EventSystemAlert, nil))

	assert.False(t, bus.PublishSimple(context.Background(), EventSystemAlert, nil),
		"publish on full queue reports failure")
	assert.Equal(t, uint64(1), bus.Stats().Dropped)

	close(release)
}

func TestExpiredEventNeverDelivered(t *testing.T) {
	bus := testBus(t, nil)

	var received atomic.Int64
	_, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		received.Add(1)
		return nil
	})
	require.NoError(t, err)

	expired := NewEvent(EventSystemAlert, nil)
	past := time.Now().Add(-time.Second)
	expired.ExpiresAt = &past
	assert.True(t, bus.Publish(context.Background(), expired), "expired events are accepted then discarded")

	waitFor(t, time.Second, func() bool { return bus.Stats().Expired == 1 }, "event counted as expired")
	assert.Equal(t, int64(0), received.Load())
}

func TestRetryBoundThenDeadLetter(t *testing.T) {
	bus := testBus(t, &Config{RetryBackoffBase: time.Millisecond})

	var calls atomic.Int64
	_, err := bus.Subscribe([]EventType{EventAnalysisFailed}, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("handler always fails")
	})
	require.NoError(t, err)

	event := NewEvent(EventAnalysisFailed, nil)
	event.Priority = PriorityHigh
	event.MaxRetries = 2
	require.True(t, bus.Publish(context.Background(), event))

	waitFor(t, 3*time.Second, func() bool { return bus.Stats().DeadLettered == 1 }, "event dead-lettered")

	// Initial delivery plus exactly MaxRetries redeliveries.
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, uint64(2), bus.Stats().Retried)

	dead := bus.DeadLetter()
	require.Len(t, dead, 1)
	assert.Equal(t, event.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].RetryCount)
}

func TestLowPriorityFailureSkipsRetry(t *testing.T) {
	bus := testBus(t, nil)

	var calls atomic.Int64
	_, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		calls.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	bus.PublishSimple(context.Background(), EventSystemAlert, nil, WithPriority(PriorityLow))

	waitFor(t, time.Second, func() bool { return bus.Stats().DeadLettered == 1 }, "dead-lettered without retry")
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, uint64(0), bus.Stats().Retried)
}

func TestHandlerPanicContained(t *testing.T) {
	bus := testBus(t, nil)

	var healthy atomic.Int64
	_, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		healthy.Add(1)
		return nil
	})
	require.NoError(t, err)

	bus.PublishSimple(context.Background(), EventSystemAlert, nil)

	waitFor(t, time.Second, func() bool { return healthy.Load() == 1 }, "healthy subscriber unaffected")
	waitFor(t, time.Second, func() bool { return bus.Stats().HandlerErrors == 1 }, "panic counted as handler error")
}

func TestBlockingHandlerOffload(t *testing.T) {
	bus := testBus(t, &Config{BlockingPoolSize: 2})

	var received atomic.Int64
	_, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		time.Sleep(10 * time.Millisecond)
		received.Add(1)
		return nil
	}, WithBlockingHandler())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		bus.PublishSimple(context.Background(), EventSystemAlert, nil)
	}
	waitFor(t, time.Second, func() bool { return received.Load() == 2 }, "blocking handlers processed")
}

func TestMaintenanceDeactivatesFailingSubscription(t *testing.T) {
	bus := testBus(t, nil)

	id, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)

	// Age the subscription into the deactivation window.
	bus.subMu.RLock()
	sub := bus.subs[id]
	bus.subMu.RUnlock()
	sub.mu.Lock()
	sub.callCount = 10
	sub.errorCount = 8
	sub.lastCalled = time.Now().Add(-25 * time.Hour)
	sub.mu.Unlock()

	bus.runMaintenance(time.Now())

	infos := bus.Subscriptions()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Active, "failing silent subscription deactivated")

	// Deactivated subscriptions no longer receive events.
	bus.PublishSimple(context.Background(), EventSystemAlert, nil)
	time.Sleep(50 * time.Millisecond)
	sub.mu.Lock()
	assert.Equal(t, int64(10), sub.callCount)
	sub.mu.Unlock()
}

func TestMaintenanceKeepsHealthySubscription(t *testing.T) {
	bus := testBus(t, nil)

	id, err := bus.Subscribe(nil, func(ctx context.Context, e Event) error { return nil })
	require.NoError(t, err)

	bus.subMu.RLock()
	sub := bus.subs[id]
	bus.subMu.RUnlock()
	sub.mu.Lock()
	sub.callCount = 10
	sub.errorCount = 2
	sub.lastCalled = time.Now().Add(-25 * time.Hour)
	sub.mu.Unlock()

	bus.runMaintenance(time.Now())
	assert.True(t, bus.Subscriptions()[0].Active, "healthy subscription stays active")
}

func TestPublishAfterStop(t *testing.T) {
	bus, err := New(&Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(ctx))

	assert.False(t, bus.Publish(context.Background(), NewEvent(EventSystemAlert, nil)))
}

func TestHistory(t *testing.T) {
	bus := testBus(t, nil)

	for i := 0; i < 5; i++ {
		bus.PublishSimple(context.Background(), EventSystemAlert, map[string]any{"n": i})
	}
	all := bus.History(0)
	assert.Len(t, all, 5)

	limited := bus.History(2)
	require.Len(t, limited, 2)
	assert.Equal(t, 3, limited[0].Data["n"], "limit keeps the newest entries")
}

func TestStatsQueueDepths(t *testing.T) {
	bus := testBus(t, nil)
	stats := bus.Stats()
	assert.Len(t, stats.QueueDepths, numPriorities)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	bus := testBus(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id, _ := bus.Subscribe(nil, func(ctx context.Context, e Event) error { return nil })
			bus.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				bus.PublishSimple(context.Background(), EventSystemAlert, nil)
			}
		}()
	}
	wg.Wait()
}
