// Package store holds the durable records behind the bus and the repository
// interfaces used to persist them. The Event row is the outbox, the
// EventProcessor row is the idempotency guard for at-least-once delivery.
package store

import (
	"maps"
	"slices"
	"time"

	"github.com/flowbus/flowbus/internal/runtime/metadata"
)

// EventStatus tracks an Event through the outbox lifecycle.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventPublished EventStatus = "published"
	EventProcessed EventStatus = "processed"
	EventFailed    EventStatus = "failed"
	EventExpired   EventStatus = "expired"
)

// ProcessorStatus tracks a delivery through the per-subscription state
// machine.
type ProcessorStatus string

const (
	ProcessorPending      ProcessorStatus = "pending"
	ProcessorProcessing   ProcessorStatus = "processing"
	ProcessorCompleted    ProcessorStatus = "completed"
	ProcessorFailed       ProcessorStatus = "failed"
	ProcessorSkipped      ProcessorStatus = "skipped"
	ProcessorDeadLettered ProcessorStatus = "dead_lettered"
)

// Terminal reports whether no further processing may happen for this status.
func (s ProcessorStatus) Terminal() bool {
	switch s {
	case ProcessorCompleted, ProcessorSkipped, ProcessorDeadLettered:
		return true
	}
	return false
}

// Event is the durable, immutable-once-published record of a single
// occurrence. The id doubles as the transport message id and stays stable
// across retries and republish.
type Event struct {
	ID              string
	EventType       string
	Version         string
	Payload         map[string]any
	Metadata        metadata.Metadata
	Source          string
	CorrelationID   string
	CausationID     string
	UserID          string
	Status          EventStatus
	PublishAttempts int
	LastError       string
	OccurredAt      time.Time
	PublishedAt     *time.Time
	ExpiresAt       *time.Time
}

// Clone copies the event with its own Payload and Metadata maps, so callers
// cannot reach back into a stored row.
func (e *Event) Clone() *Event {
	clone := *e
	clone.Payload = maps.Clone(e.Payload)
	clone.Metadata = e.Metadata.Clone()
	return &clone
}

// EventProcessor is the per-(event, subscription) processing record. Its
// uniqueness over (EventID, Subscription) is what makes redelivery safe.
type EventProcessor struct {
	ID           string
	EventID      string
	Subscription string
	Status       ProcessorStatus
	Attempts     int
	Result       map[string]any
	LastError    string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	NextRetryAt  *time.Time
}

// Clone copies the processor with its own Result map.
func (p *EventProcessor) Clone() *EventProcessor {
	clone := *p
	clone.Result = maps.Clone(p.Result)
	return &clone
}

// RetryPolicyKind selects the backoff curve for a subscription.
type RetryPolicyKind string

const (
	RetryExponential RetryPolicyKind = "exponential"
	RetryLinear      RetryPolicyKind = "linear"
	RetryFixed       RetryPolicyKind = "fixed"
)

// EventSubscription is a named consumer binding: which event types it wants,
// how they are filtered, where they are delivered, and how failures are
// retried. Created by configuration and toggled via Paused; never deleted.
type EventSubscription struct {
	Name              string
	EventTypes        []string
	FilterExpression  string
	Queue             string
	Exchange          string
	RoutingKey        string
	Handler           string
	MaxRetries        int
	RetryPolicy       RetryPolicyKind
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DeadLetterQueue   string
	BatchSize         int
	VisibilityTimeout time.Duration
	ConcurrentWorkers int
	Active            bool
	Paused            bool
	LastError         string
	LastErrorAt       *time.Time
}

// Clone copies the subscription with its own EventTypes slice.
func (s *EventSubscription) Clone() *EventSubscription {
	clone := *s
	clone.EventTypes = slices.Clone(s.EventTypes)
	return &clone
}

// WantsEventType reports whether the subscription's event type list covers
// the given type. Patterns use the topic syntax handled by the router; here
// only exact entries and the catch-all "*" are matched, pattern entries are
// resolved by the consumer's router check.
func (s *EventSubscription) WantsEventType(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

// Workers returns the bounded worker pool size, defaulting to one.
func (s *EventSubscription) Workers() int {
	if s.ConcurrentWorkers < 1 {
		return 1
	}
	return s.ConcurrentWorkers
}

// HandlerTimeout returns the visibility timeout bounding one handler call.
func (s *EventSubscription) HandlerTimeout() time.Duration {
	if s.VisibilityTimeout <= 0 {
		return 30 * time.Second
	}
	return s.VisibilityTimeout
}
