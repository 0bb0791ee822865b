package eventbus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders events for dispatch. Higher values are serviced by their
// own dedicated workers and are never starved by lower-priority backlogs.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// numPriorities is the number of distinct priority queues the bus maintains.
const numPriorities = 5

// String returns the lowercase name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority converts a priority name to its Priority value.
// Unknown names map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// DeliveryMode selects the redelivery policy for an event.
type DeliveryMode string

const (
	// DeliveryAtMostOnce events are retried only when their priority is
	// PriorityHigh or above.
	DeliveryAtMostOnce DeliveryMode = "at_most_once"

	// DeliveryAtLeastOnce events are retried on handler failure regardless
	// of priority, up to MaxRetries.
	DeliveryAtLeastOnce DeliveryMode = "at_least_once"
)

// EventType names a domain event. The set is closed: publishers pick from
// this enumeration so that subscribers can be exhaustive.
type EventType string

const (
	// Assessment lifecycle
	EventAssessmentStarted   EventType = "assessment.started"
	EventAssessmentUpdated   EventType = "assessment.updated"
	EventAssessmentCompleted EventType = "assessment.completed"

	// Report lifecycle
	EventReportGenerated EventType = "report.generated"

	// Agent analysis lifecycle
	EventAnalysisStarted   EventType = "analysis.started"
	EventAnalysisCompleted EventType = "analysis.completed"
	EventAnalysisFailed    EventType = "analysis.failed"

	// Infrastructure recommendations
	EventInfrastructureRecommended EventType = "infrastructure.recommended"

	// System lifecycle and alerting
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
	EventSystemAlert   EventType = "system.alert"

	// Cache and security
	EventCacheInvalidated EventType = "cache.invalidated"
	EventSecurityAlert    EventType = "security.alert"
)

// NotificationEventTypes are the domain events that the realtime layer
// forwards to connected clients.
func NotificationEventTypes() []EventType {
	return []EventType{
		EventAssessmentStarted,
		EventAssessmentUpdated,
		EventAssessmentCompleted,
		EventReportGenerated,
		EventAnalysisStarted,
		EventAnalysisCompleted,
		EventAnalysisFailed,
		EventInfrastructureRecommended,
		EventSystemAlert,
		EventCacheInvalidated,
		EventSecurityAlert,
	}
}

// Event is a message routed through the bus. Publishers create events;
// only the bus mutates one afterwards (the retry counter on redelivery).
type Event struct {
	// Type routes the event to matching subscriptions.
	Type EventType `json:"type"`

	// ID uniquely identifies this event instance. Filled by the bus on
	// publish when empty.
	ID string `json:"id"`

	// Data is the JSON-serializable payload.
	Data map[string]any `json:"data,omitempty"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Source names the component that published the event.
	Source string `json:"source,omitempty"`

	// CorrelationID ties together events belonging to one logical flow,
	// such as a single advisory session.
	CorrelationID string `json:"correlationId,omitempty"`

	// Priority selects the dispatch queue. Defaults to PriorityNormal.
	Priority Priority `json:"priority"`

	// DeliveryMode selects the redelivery policy.
	DeliveryMode DeliveryMode `json:"deliveryMode,omitempty"`

	// ExpiresAt, when set, is the instant past which the event must never
	// be delivered.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// RetryCount is the number of redeliveries so far. Never exceeds
	// MaxRetries.
	RetryCount int `json:"retryCount"`

	// MaxRetries bounds redelivery attempts.
	MaxRetries int `json:"maxRetries"`

	// Metadata carries routing hints (for example a target user id) that
	// do not belong in the payload.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewEvent creates an event of the given type with defaults applied.
func NewEvent(eventType EventType, data map[string]any) Event {
	return Event{
		Type:       eventType,
		ID:         uuid.New().String(),
		Data:       data,
		Timestamp:  time.Now(),
		Priority:   PriorityNormal,
		MaxRetries: 3,
	}
}

// Expired reports whether the event must no longer be delivered at now.
func (e Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// retriable reports whether a failed delivery of e should be re-published.
func (e Event) retriable() bool {
	if e.RetryCount >= e.MaxRetries {
		return false
	}
	if e.DeliveryMode == DeliveryAtLeastOnce {
		return true
	}
	return e.Priority >= PriorityHigh
}

// Filter is a stateless predicate over events. A nil Filter matches
// everything; each field narrows the match when set.
type Filter struct {
	// EventTypes restricts matches to these types.
	EventTypes []EventType

	// Sources restricts matches to events published by these sources.
	Sources []string

	// MinPriority and MaxPriority bound the accepted priority range.
	// Zero values leave the corresponding bound open.
	MinPriority Priority
	MaxPriority Priority

	// Metadata requires exact key/value matches in the event metadata.
	Metadata map[string]string
}

// Matches reports whether e satisfies every constraint of the filter.
func (f *Filter) Matches(e Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.Type) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, e.Source) {
		return false
	}
	if f.MinPriority != 0 && e.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority != 0 && e.Priority > f.MaxPriority {
		return false
	}
	for k, v := range f.Metadata {
		if e.Metadata[k] != v {
			return false
		}
	}
	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
