// Package errors holds the error taxonomy of the flowbus messaging engine.
//
// Publisher-side errors are returned to callers synchronously; consumer-side
// errors never cross the broker boundary and are instead absorbed into the
// processor state machine.
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrServiceRequired      = sterrors.New("flowbus: event service is required")
	ErrHandlerRequired      = sterrors.New("flowbus: handler function is required")
	ErrHandlerNameRequired  = sterrors.New("flowbus: handler name is required")
	ErrBrokerRequired       = sterrors.New("flowbus: broker is required")
	ErrQueueRequired        = sterrors.New("flowbus: queue is required")
	ErrEventTypeRequired    = sterrors.New("flowbus: event type is required")
	ErrEventPayloadRequired = sterrors.New("flowbus: event payload is required")
	ErrConfigRequired       = sterrors.New("flowbus: config is required")
	ErrLoggerRequired       = sterrors.New("flowbus: logger is required")

	// ErrSkip signals that a delivery should be acknowledged without a
	// processing attempt. The consumer records it as processor status
	// "skipped" rather than treating it as a failure.
	ErrSkip = sterrors.New("flowbus: skip message")
)

// SchemaNotFoundError is returned by Publish when schema enforcement is on and
// no active schema is registered for the event type and version.
type SchemaNotFoundError struct {
	EventType string
	Version   string
}

func (e *SchemaNotFoundError) Error() string {
	return fmt.Sprintf("flowbus: no active schema for %s v%s", e.EventType, e.Version)
}

// ValidationError wraps payloads that failed validation against an event schema.
type ValidationError struct {
	EventType string
	Cause     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("flowbus: payload for %s failed schema validation: %v", e.EventType, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// PublishError is returned when the broker publish failed. The durable event
// row is left behind in status "failed" so a later republish sweep can retry.
type PublishError struct {
	EventID string
	Cause   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("flowbus: publish of event %s failed: %v", e.EventID, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// ProcessingError wraps a handler failure so the consumer can distinguish it
// from infrastructure errors when recording processor state.
type ProcessingError struct {
	Handler string
	Cause   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("flowbus: handler %s failed: %v", e.Handler, e.Cause)
}

func (e *ProcessingError) Unwrap() error { return e.Cause }

// TimeoutError marks a handler invocation that exceeded the subscription's
// visibility timeout. It is subject to the retry policy like any other
// processing error, but carries a distinct type so operators can tell slow
// handlers apart from logic errors.
type TimeoutError struct {
	Handler string
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("flowbus: handler %s exceeded visibility timeout of %s", e.Handler, e.Limit)
}

// RetryExhaustedError signals that the retry policy gave up on a processor
// row, triggering the dead-letter hand-off when one is configured.
type RetryExhaustedError struct {
	EventID      string
	Subscription string
	Attempts     int
	Cause        error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("flowbus: event %s exhausted %d attempts on subscription %s: %v",
		e.EventID, e.Attempts, e.Subscription, e.Cause)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Cause }

// RouterError reports malformed routing configuration. It is raised at rule
// construction time, never while routing a message.
type RouterError struct {
	Rule  string
	Cause error
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("flowbus: invalid routing rule %q: %v", e.Rule, e.Cause)
}

func (e *RouterError) Unwrap() error { return e.Cause }

// SagaCompensationError reports a failure while running a saga's compensation
// path. The instance stays in status "compensating" for manual resolution.
type SagaCompensationError struct {
	SagaID string
	Step   string
	Cause  error
}

func (e *SagaCompensationError) Error() string {
	return fmt.Sprintf("flowbus: compensation of step %s in saga %s failed: %v", e.Step, e.SagaID, e.Cause)
}

func (e *SagaCompensationError) Unwrap() error { return e.Cause }

// SagaTimeoutError reports a saga instance that passed its expiry before
// reaching a terminal status.
type SagaTimeoutError struct {
	SagaID    string
	ExpiredAt time.Time
}

func (e *SagaTimeoutError) Error() string {
	return fmt.Sprintf("flowbus: saga %s expired at %s", e.SagaID, e.ExpiredAt.Format(time.RFC3339))
}
