package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("flowbus: record not found")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("flowbus: record already exists")
)

// EventStore is the durable outbox. A crash between the row write and the
// broker publish leaves a pending/failed row that RepublishFailed can
// recover, so no event is silently lost.
type EventStore interface {
	CreateEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)

	// GetOrCreateEvent inserts the event unless a row with the same id
	// exists, and reports whether a row was created. Used on the consume
	// path where a message may arrive for an event another service
	// published.
	GetOrCreateEvent(ctx context.Context, event *Event) (*Event, bool, error)

	MarkEventPublished(ctx context.Context, id string, at time.Time) error

	// MarkEventFailed atomically increments the publish attempt counter and
	// records the error.
	MarkEventFailed(ctx context.Context, id string, cause string) error

	// FailedEvents lists failed events that occurred at or after since and
	// have fewer publish attempts than maxAttempts.
	FailedEvents(ctx context.Context, since time.Time, maxAttempts int) ([]*Event, error)
}

// ProcessorStore guards idempotent processing. The (event, subscription)
// uniqueness plus the conditional pending->processing transition is what
// stops two workers racing on a redelivery from both running the handler.
type ProcessorStore interface {
	// GetOrCreateProcessor returns the row for (eventID, subscription),
	// creating a pending one when absent, and reports whether it was
	// created.
	GetOrCreateProcessor(ctx context.Context, eventID, subscription string) (*EventProcessor, bool, error)

	GetProcessor(ctx context.Context, eventID, subscription string) (*EventProcessor, error)

	// BeginProcessing transitions pending->processing, increments the
	// attempt counter and stamps started_at. Returns false without error
	// when the row is not pending; the caller must then back off.
	BeginProcessing(ctx context.Context, id string) (bool, error)

	MarkProcessorCompleted(ctx context.Context, id string, result map[string]any) error
	MarkProcessorSkipped(ctx context.Context, id string) error
	MarkProcessorFailed(ctx context.Context, id string, cause string) error
	MarkProcessorDeadLettered(ctx context.Context, id string, cause string) error

	// ScheduleProcessorRetry moves the row back to pending with
	// next_retry_at set.
	ScheduleProcessorRetry(ctx context.Context, id string, at time.Time, cause string) error

	// ProcessorsDueForRetry lists pending rows whose next_retry_at has
	// passed, oldest first, capped at limit.
	ProcessorsDueForRetry(ctx context.Context, now time.Time, limit int) ([]*EventProcessor, error)
}

// SubscriptionStore holds consumer bindings.
type SubscriptionStore interface {
	SaveSubscription(ctx context.Context, sub *EventSubscription) error
	GetSubscription(ctx context.Context, name string) (*EventSubscription, error)
	ListSubscriptions(ctx context.Context) ([]*EventSubscription, error)

	// ListActiveSubscriptions lists active, non-paused subscriptions.
	ListActiveSubscriptions(ctx context.Context) ([]*EventSubscription, error)

	SetSubscriptionPaused(ctx context.Context, name string, paused bool) error
	RecordSubscriptionError(ctx context.Context, name string, cause string) error
}
