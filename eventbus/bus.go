// Package eventbus implements a priority-queued publish/subscribe dispatcher
// with subscription filtering, retry-with-backoff, a dead-letter buffer, and
// delivery metrics. One bounded queue and a set of dedicated workers exist
// per priority level, so critical events are never starved by low-priority
// backlogs.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stratusai/stratus/internal/taskgroup"
)

// Handler processes one event. Handlers must be safe for concurrent calls;
// a returned error triggers the retry/dead-letter path but never reaches
// the publisher.
type Handler func(ctx context.Context, event Event) error

// subscriptionQuietPeriod is how long a failing subscription must be silent
// before the maintenance sweep deactivates it.
const subscriptionQuietPeriod = 24 * time.Hour

// subscription is a standing registration of a handler plus a filter.
type subscription struct {
	id         string
	eventTypes []EventType // empty means all types
	filter     *Filter
	handler    Handler
	blocking   bool
	createdAt  time.Time

	mu         sync.Mutex
	callCount  int64
	errorCount int64
	lastCalled time.Time
	lastError  string
	active     bool
}

// wants reports whether the subscription should receive e. Stats are not
// touched here; recordCall does that after the handler runs.
func (s *subscription) wants(e Event) bool {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return false
	}
	if len(s.eventTypes) > 0 && !containsType(s.eventTypes, e.Type) {
		return false
	}
	return s.filter.Matches(e)
}

func (s *subscription) recordCall(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++
	s.lastCalled = time.Now()
	if err != nil {
		s.errorCount++
		s.lastError = err.Error()
	}
}

// unhealthy reports whether the subscription should be deactivated by the
// maintenance sweep: error rate above 50% and no call for the quiet period.
func (s *subscription) unhealthy(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.callCount == 0 {
		return false
	}
	if s.errorCount*2 <= s.callCount {
		return false
	}
	return now.Sub(s.lastCalled) >= subscriptionQuietPeriod
}

// SubscriptionInfo is a point-in-time snapshot of one subscription's state.
type SubscriptionInfo struct {
	ID         string      `json:"id"`
	EventTypes []EventType `json:"eventTypes,omitempty"`
	Blocking   bool        `json:"blocking"`
	Active     bool        `json:"active"`
	CallCount  int64       `json:"callCount"`
	ErrorCount int64       `json:"errorCount"`
	LastCalled time.Time   `json:"lastCalled,omitzero"`
	LastError  string      `json:"lastError,omitempty"`
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithFilter narrows the subscription to events matching f.
func WithFilter(f *Filter) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// WithBlockingHandler marks the handler as blocking. Blocking handlers are
// offloaded to the shared worker pool so they cannot stall dispatch workers.
func WithBlockingHandler() SubscribeOption {
	return func(s *subscription) { s.blocking = true }
}

// PublishOption configures an event built by PublishSimple.
type PublishOption func(*Event)

// WithSource sets the publishing component name.
func WithSource(source string) PublishOption {
	return func(e *Event) { e.Source = source }
}

// WithPriority sets the event priority.
func WithPriority(p Priority) PublishOption {
	return func(e *Event) { e.Priority = p }
}

// WithCorrelationID ties the event to a logical flow.
func WithCorrelationID(id string) PublishOption {
	return func(e *Event) { e.CorrelationID = id }
}

// WithTTL sets the event expiry relative to now.
func WithTTL(d time.Duration) PublishOption {
	return func(e *Event) {
		expires := time.Now().Add(d)
		e.ExpiresAt = &expires
	}
}

// WithMaxRetries bounds redelivery attempts for the event.
func WithMaxRetries(n int) PublishOption {
	return func(e *Event) { e.MaxRetries = n }
}

// WithDeliveryMode sets the redelivery policy.
func WithDeliveryMode(mode DeliveryMode) PublishOption {
	return func(e *Event) { e.DeliveryMode = mode }
}

// WithMetadata adds one metadata key/value pair.
func WithMetadata(key, value string) PublishOption {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

// Stats holds cumulative bus counters and current queue depths.
type Stats struct {
	Published           uint64           `json:"published"`
	Delivered           uint64           `json:"delivered"`
	Dropped             uint64           `json:"dropped"`
	Retried             uint64           `json:"retried"`
	DeadLettered        uint64           `json:"deadLettered"`
	Expired             uint64           `json:"expired"`
	HandlerErrors       uint64           `json:"handlerErrors"`
	QueueDepths         map[Priority]int `json:"queueDepths"`
	Subscriptions       int              `json:"subscriptions"`
	ActiveSubscriptions int              `json:"activeSubscriptions"`
}

// Bus is a priority-queued pub/sub dispatcher. Each priority level owns a
// bounded queue and dedicated workers; handler failures are retried with
// exponential backoff for retriable events and dead-lettered otherwise.
type Bus struct {
	config *Config
	logger *slog.Logger

	subMu sync.RWMutex
	subs  map[string]*subscription

	queues [numPriorities]chan Event
	pool   chan func()
	group  *taskgroup.Group
	cron   *cron.Cron

	lifecycle sync.Mutex
	started   atomic.Bool

	history    *eventRing
	deadLetter *eventRing

	published     atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	retried       atomic.Uint64
	deadLettered  atomic.Uint64
	expired       atomic.Uint64
	handlerErrors atomic.Uint64
	latencyNanos  atomic.Int64
	latencyCount  atomic.Uint64
}

// New creates a bus with the given configuration. A nil config or logger
// falls back to defaults.
func New(config *Config, logger *slog.Logger) (*Bus, error) {
	if config == nil {
		config = &Config{}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("eventbus: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		config:     config,
		logger:     logger,
		subs:       make(map[string]*subscription),
		history:    newEventRing(config.HistorySize),
		deadLetter: newEventRing(config.DeadLetterSize),
	}, nil
}

// Start launches the per-priority workers, the blocking-handler pool, and
// the maintenance schedule. Start is idempotent.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.started.Load() {
		return nil
	}

	b.group = taskgroup.New(ctx, "eventbus", b.logger)
	b.pool = make(chan func(), b.config.BlockingPoolSize)

	for i := 0; i < numPriorities; i++ {
		b.queues[i] = make(chan Event, b.config.MaxQueueSize)
		level := Priority(i + 1)
		for w := 0; w < b.config.WorkersPerPriority; w++ {
			queue := b.queues[i]
			b.group.Go(fmt.Sprintf("worker-%s-%d", level, w), func(ctx context.Context) error {
				b.eventWorker(ctx, queue)
				return nil
			})
		}
	}

	for w := 0; w < b.config.BlockingPoolSize; w++ {
		b.group.Go(fmt.Sprintf("pool-%d", w), func(ctx context.Context) error {
			b.poolWorker(ctx)
			return nil
		})
	}

	b.cron = cron.New()
	if _, err := b.cron.AddFunc(b.config.MaintenanceSchedule, func() {
		b.runMaintenance(time.Now())
	}); err != nil {
		return fmt.Errorf("eventbus: invalid maintenance schedule %q: %w", b.config.MaintenanceSchedule, err)
	}
	b.cron.Start()

	b.started.Store(true)
	b.logger.Info("Event bus started",
		"workersPerPriority", b.config.WorkersPerPriority,
		"queueSize", b.config.MaxQueueSize)
	return nil
}

// Stop cancels all workers and maintenance and waits for them to drain.
// In-flight deliveries are not guaranteed to complete. Returns
// ErrBusShutdownTimeout if ctx expires first.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if !b.started.Load() {
		return nil
	}
	b.started.Store(false)

	if b.cron != nil {
		b.cron.Stop()
	}
	if err := b.group.Stop(ctx); err != nil {
		return ErrBusShutdownTimeout
	}
	b.logger.Info("Event bus stopped")
	return nil
}

// Subscribe registers a handler for the given event types. An empty type
// list subscribes to every event. The returned id is used to unsubscribe.
func (b *Bus) Subscribe(eventTypes []EventType, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	sub := &subscription{
		id:         uuid.New().String(),
		eventTypes: eventTypes,
		handler:    handler,
		createdAt:  time.Now(),
		active:     true,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.subMu.Lock()
	b.subs[sub.id] = sub
	b.subMu.Unlock()

	return sub.id, nil
}

// Unsubscribe removes a subscription. Returns false when the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish queues an event for delivery. It never blocks: a full priority
// queue (or a stopped bus) drops the event and returns false.
func (b *Bus) Publish(ctx context.Context, event Event) bool {
	if !b.started.Load() {
		b.logger.Debug("Publish on stopped bus dropped", "type", event.Type)
		return false
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !event.Priority.Valid() {
		event.Priority = PriorityNormal
	}
	if event.DeliveryMode == "" {
		event.DeliveryMode = DeliveryAtMostOnce
	}

	b.history.add(event)
	b.published.Add(1)

	select {
	case b.queues[event.Priority-1] <- event:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event queue full, dropping event",
			"type", event.Type, "priority", event.Priority.String())
		return false
	}
}

// PublishSimple builds an event from the type and payload, applies the
// options, and publishes it.
func (b *Bus) PublishSimple(ctx context.Context, eventType EventType, data map[string]any, opts ...PublishOption) bool {
	event := NewEvent(eventType, data)
	for _, opt := range opts {
		opt(&event)
	}
	return b.Publish(ctx, event)
}

// eventWorker drains one priority queue.
func (b *Bus) eventWorker(ctx context.Context, queue <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-queue:
			b.process(ctx, event)
		}
	}
}

// poolWorker runs offloaded blocking handlers.
func (b *Bus) poolWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-b.pool:
			task()
		}
	}
}

// deliveryState tracks one processing pass of an event so that the retry or
// dead-letter decision is taken at most once even when several handlers fail.
type deliveryState struct {
	failOnce sync.Once
}

// process delivers one event to every matching active subscription.
func (b *Bus) process(ctx context.Context, event Event) {
	start := time.Now()
	if event.Expired(start) {
		b.expired.Add(1)
		return
	}

	// Snapshot matching subscriptions so concurrent subscribe/unsubscribe
	// calls cannot mutate the set mid-dispatch.
	b.subMu.RLock()
	matches := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(event) {
			matches = append(matches, sub)
		}
	}
	b.subMu.RUnlock()

	if len(matches) == 0 {
		return
	}

	state := &deliveryState{}
	var wg sync.WaitGroup
	for _, sub := range matches {
		sub := sub
		if sub.blocking {
			select {
			case b.pool <- func() { b.deliverTo(ctx, sub, event, state) }:
			default:
				b.dropped.Add(1)
				b.logger.Warn("Blocking handler pool full, dropping delivery",
					"type", event.Type, "subscription", sub.id)
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.deliverTo(ctx, sub, event, state)
		}()
	}
	wg.Wait()

	b.latencyNanos.Add(int64(time.Since(start)))
	b.latencyCount.Add(1)
}

// deliverTo invokes one handler and routes any failure through the retry or
// dead-letter path. Handler panics are contained here.
func (b *Bus) deliverTo(ctx context.Context, sub *subscription, event Event, state *deliveryState) {
	err := b.invoke(ctx, sub, event)
	sub.recordCall(err)
	if err == nil {
		b.delivered.Add(1)
		return
	}

	b.handlerErrors.Add(1)
	b.logger.Error("Event handler failed",
		"type", event.Type, "subscription", sub.id, "error", err)
	state.failOnce.Do(func() {
		b.handleFailure(event)
	})
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// handleFailure schedules a redelivery with exponential backoff when the
// event is retriable, and dead-letters it otherwise.
func (b *Bus) handleFailure(event Event) {
	if event.retriable() {
		delay := b.config.RetryBackoffBase << event.RetryCount
		b.retried.Add(1)
		time.AfterFunc(delay, func() {
			retry := event
			retry.RetryCount++
			b.Publish(context.Background(), retry)
		})
		return
	}
	b.deadLetter.add(event)
	b.deadLettered.Add(1)
}

// runMaintenance purges expired history entries and deactivates
// subscriptions whose error rate exceeds 50% after the quiet period.
func (b *Bus) runMaintenance(now time.Time) {
	purged := b.history.purgeExpired(now)

	deactivated := 0
	b.subMu.RLock()
	for _, sub := range b.subs {
		if sub.unhealthy(now) {
			sub.mu.Lock()
			sub.active = false
			calls, errors := sub.callCount, sub.errorCount
			sub.mu.Unlock()
			deactivated++
			b.logger.Warn("Deactivated failing subscription",
				"subscription", sub.id,
				"callCount", calls,
				"errorCount", errors)
		}
	}
	b.subMu.RUnlock()

	if purged > 0 || deactivated > 0 {
		b.logger.Debug("Maintenance sweep completed",
			"purgedHistory", purged, "deactivatedSubscriptions", deactivated)
	}
}

// Stats returns a snapshot of the bus counters and queue depths.
func (b *Bus) Stats() Stats {
	depths := make(map[Priority]int, numPriorities)
	if b.started.Load() {
		for i := 0; i < numPriorities; i++ {
			depths[Priority(i+1)] = len(b.queues[i])
		}
	}

	b.subMu.RLock()
	total := len(b.subs)
	active := 0
	for _, sub := range b.subs {
		sub.mu.Lock()
		if sub.active {
			active++
		}
		sub.mu.Unlock()
	}
	b.subMu.RUnlock()

	return Stats{
		Published:           b.published.Load(),
		Delivered:           b.delivered.Load(),
		Dropped:             b.dropped.Load(),
		Retried:             b.retried.Load(),
		DeadLettered:        b.deadLettered.Load(),
		Expired:             b.expired.Load(),
		HandlerErrors:       b.handlerErrors.Load(),
		QueueDepths:         depths,
		Subscriptions:       total,
		ActiveSubscriptions: active,
	}
}

// AverageDeliveryLatency returns the mean per-event processing latency.
func (b *Bus) AverageDeliveryLatency() time.Duration {
	count := b.latencyCount.Load()
	if count == 0 {
		return 0
	}
	return time.Duration(uint64(b.latencyNanos.Load()) / count)
}

// Subscriptions returns snapshots of every registered subscription.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		sub.mu.Lock()
		infos = append(infos, SubscriptionInfo{
			ID:         sub.id,
			EventTypes: sub.eventTypes,
			Blocking:   sub.blocking,
			Active:     sub.active,
			CallCount:  sub.callCount,
			ErrorCount: sub.errorCount,
			LastCalled: sub.lastCalled,
			LastError:  sub.lastError,
		})
		sub.mu.Unlock()
	}
	return infos
}

// DeadLetter returns a copy of the dead-letter buffer, oldest first.
func (b *Bus) DeadLetter() []Event {
	return b.deadLetter.snapshot()
}

// History returns up to limit recently published events, oldest first.
// A non-positive limit returns everything retained.
func (b *Bus) History(limit int) []Event {
	events := b.history.snapshot()
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}
