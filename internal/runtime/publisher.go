package runtime

import (
	"context"
	"fmt"
	"time"

	configpkg "github.com/flowbus/flowbus/internal/runtime/config"
	"github.com/flowbus/flowbus/internal/runtime/envelope"
	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	idspkg "github.com/flowbus/flowbus/internal/runtime/ids"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	metadatapkg "github.com/flowbus/flowbus/internal/runtime/metadata"
	schemapkg "github.com/flowbus/flowbus/internal/runtime/schema"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
	transportpkg "github.com/flowbus/flowbus/transport"
)

// PublishOptions carries the optional context of a publish call. The zero
// value is valid: ids are generated, the version defaults, and routing falls
// back to the schema's exchange and routing key.
type PublishOptions struct {
	User          string
	CorrelationID string
	CausationID   string
	Metadata      metadatapkg.Metadata
	Version       string
	Source        string
	Exchange      string
	RoutingKey    string
	// ExpiresAt marks the event stale after this instant. Consumers skip
	// expired events instead of processing them.
	ExpiresAt *time.Time
}

// BatchEvent is one entry of a PublishBatch call. Entries carry their own
// event type and options, so a single batch can mix types.
type BatchEvent struct {
	EventType string
	Data      map[string]any
	Opts      PublishOptions
}

// BatchResult reports the outcome of a PublishBatch call. Failed is keyed by
// the entry's position in the batch, since a validation failure happens
// before an event id exists.
type BatchResult struct {
	Published []string
	Failed    map[int]error
}

// Publisher writes events durably and hands them to the broker. The event row
// is created before the broker sees the message, so a broker outage leaves a
// failed row behind for RepublishFailed rather than losing the event.
type Publisher struct {
	conf    *configpkg.Config
	logger  loggingpkg.ServiceLogger
	broker  transportpkg.Broker
	events  storepkg.EventStore
	schemas *schemapkg.Registry
	router  EventRouter
	metrics *BusMetrics
}

// EventRouter resolves delivery targets for an envelope. Implemented by the
// router package's rule, content, topic, and composite routers.
type EventRouter interface {
	Route(msg envelope.Message) []string
}

// NewPublisher wires a Publisher from its collaborators. The router and
// metrics are optional.
func NewPublisher(conf *configpkg.Config, log loggingpkg.ServiceLogger, broker transportpkg.Broker, events storepkg.EventStore, schemas *schemapkg.Registry, router EventRouter, metrics *BusMetrics) (*Publisher, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if broker == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	if schemas == nil {
		schemas = schemapkg.NewRegistry()
	}
	return &Publisher{
		conf:    conf,
		logger:  log,
		broker:  broker,
		events:  events,
		schemas: schemas,
		router:  router,
		metrics: metrics,
	}, nil
}

// Publish validates, persists, and sends one event. It returns the stored
// event so callers can correlate follow-ups. On broker failure the event row
// stays behind in status "failed" and a *PublishError is returned.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	if eventType == "" {
		return nil, errspkg.ErrEventTypeRequired
	}
	if data == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}

	version := opts.Version
	if version == "" {
		version = schemapkg.DefaultVersion
	}

	if err := p.schemas.Validate(eventType, version, data, p.conf.EnforceSchemas); err != nil {
		p.observePublish(eventType, "rejected")
		return nil, err
	}

	event := p.newEvent(eventType, version, data, opts)
	if p.events != nil {
		if err := p.events.CreateEvent(ctx, event); err != nil {
			return nil, fmt.Errorf("flowbus: failed to store event: %w", err)
		}
	}

	if err := p.send(ctx, event, opts.Exchange, opts.RoutingKey); err != nil {
		p.observePublish(eventType, "failed")
		return event, err
	}

	p.observePublish(eventType, "published")
	return event, nil
}

// PublishBatch publishes events in order. With failFast set, the first
// failure aborts the remainder; otherwise every entry is attempted and the
// failures are collected by batch position.
func (p *Publisher) PublishBatch(ctx context.Context, events []BatchEvent, failFast bool) (BatchResult, error) {
	result := BatchResult{Failed: map[int]error{}}
	for i, entry := range events {
		event, err := p.Publish(ctx, entry.EventType, entry.Data, entry.Opts)
		if err != nil {
			result.Failed[i] = err
			if failFast {
				return result, err
			}
			continue
		}
		result.Published = append(result.Published, event.ID)
	}
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("flowbus: %d of %d events failed to publish", len(result.Failed), len(events))
	}
	return result, nil
}

// RepublishFailed retries broker delivery for failed events that occurred at
// or after since. Events keep their original id, so downstream idempotency
// holds across republish. Returns the number of recovered and still-failing
// events.
func (p *Publisher) RepublishFailed(ctx context.Context, since time.Time) (recovered, failing int, err error) {
	if p.events == nil {
		return 0, 0, nil
	}

	maxAttempts := p.conf.RepublishMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	events, err := p.events.FailedEvents(ctx, since, maxAttempts)
	if err != nil {
		return 0, 0, fmt.Errorf("flowbus: failed to list failed events: %w", err)
	}

	for _, event := range events {
		if sendErr := p.send(ctx, event, "", ""); sendErr != nil {
			failing++
			p.logger.Error("republish failed", sendErr, loggingpkg.LogFields{
				"event_id":   event.ID,
				"event_type": event.EventType,
				"attempts":   event.PublishAttempts,
			})
			continue
		}
		recovered++
	}

	if recovered > 0 || failing > 0 {
		p.logger.Info("republish sweep finished", loggingpkg.LogFields{
			"recovered": recovered,
			"failing":   failing,
		})
	}
	return recovered, failing, nil
}

// Created publishes a "{domain}.created" event for the given entity.
func (p *Publisher) Created(ctx context.Context, domain, id string, fields map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	return p.publishAction(ctx, domain, "created", id, fields, opts)
}

// Updated publishes a "{domain}.updated" event for the given entity.
func (p *Publisher) Updated(ctx context.Context, domain, id string, fields map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	return p.publishAction(ctx, domain, "updated", id, fields, opts)
}

// Deleted publishes a "{domain}.deleted" event for the given entity.
func (p *Publisher) Deleted(ctx context.Context, domain, id string, fields map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	return p.publishAction(ctx, domain, "deleted", id, fields, opts)
}

// StateChanged publishes a "{domain}.state_changed" event carrying the
// previous and new state.
func (p *Publisher) StateChanged(ctx context.Context, domain, id, fromState, toState string, opts PublishOptions) (*storepkg.Event, error) {
	return p.publishAction(ctx, domain, "state_changed", id, map[string]any{
		"from_state": fromState,
		"to_state":   toState,
	}, opts)
}

// ActionPerformed publishes a "{domain}.{action}" event for a domain-specific
// verb that the generic wrappers do not cover.
func (p *Publisher) ActionPerformed(ctx context.Context, domain, action, id string, fields map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	return p.publishAction(ctx, domain, action, id, fields, opts)
}

func (p *Publisher) publishAction(ctx context.Context, domain, action, id string, fields map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	if domain == "" || action == "" {
		return nil, errspkg.ErrEventTypeRequired
	}
	data := map[string]any{"id": id}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		data[k] = v
	}
	return p.Publish(ctx, domain+"."+action, data, opts)
}

func (p *Publisher) newEvent(eventType, version string, data map[string]any, opts PublishOptions) *storepkg.Event {
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = idspkg.NewID()
	}
	return &storepkg.Event{
		ID:            idspkg.NewID(),
		EventType:     eventType,
		Version:       version,
		Payload:       data,
		Metadata:      opts.Metadata.Clone(),
		Source:        opts.Source,
		CorrelationID: correlationID,
		CausationID:   opts.CausationID,
		UserID:        opts.User,
		Status:        storepkg.EventPending,
		OccurredAt:    time.Now().UTC(),
		ExpiresAt:     opts.ExpiresAt,
	}
}

// send converts the stored event to a transport envelope and delivers it. The
// event row is marked published or failed according to the outcome.
func (p *Publisher) send(ctx context.Context, event *storepkg.Event, exchange, routingKey string) error {
	env := envelope.Message{
		ID:            event.ID,
		EventType:     event.EventType,
		Data:          event.Payload,
		Metadata:      event.Metadata.WithAll(metadatapkg.New(envelope.KeyVersion, event.Version)),
		CorrelationID: event.CorrelationID,
		Timestamp:     event.OccurredAt,
	}

	msg, err := env.ToTransport()
	if err != nil {
		p.markFailed(ctx, event, err)
		return err
	}

	if exchange == "" && routingKey == "" && p.router != nil {
		if targets := p.router.Route(env); len(targets) > 0 {
			for _, target := range targets {
				out := msg
				if len(targets) > 1 {
					out = msg.Copy()
				}
				if err := p.broker.Publish(ctx, "", target, out); err != nil {
					p.markFailed(ctx, event, err)
					return &errspkg.PublishError{EventID: event.ID, Cause: err}
				}
			}
			return p.markPublished(ctx, event)
		}
	}

	exchange, routingKey = p.resolveRoute(event, exchange, routingKey)

	if err := p.broker.Publish(ctx, exchange, routingKey, msg); err != nil {
		p.markFailed(ctx, event, err)
		return &errspkg.PublishError{EventID: event.ID, Cause: err}
	}

	return p.markPublished(ctx, event)
}

func (p *Publisher) markPublished(ctx context.Context, event *storepkg.Event) error {
	now := time.Now().UTC()
	event.Status = storepkg.EventPublished
	event.PublishedAt = &now
	if p.events != nil {
		if err := p.events.MarkEventPublished(ctx, event.ID, now); err != nil {
			p.logger.Error("failed to mark event published", err, loggingpkg.LogFields{"event_id": event.ID})
		}
	}
	return nil
}

// resolveRoute picks the exchange and routing key: explicit options win, then
// the schema's configured route, then the event type as a flat topic.
func (p *Publisher) resolveRoute(event *storepkg.Event, exchange, routingKey string) (string, string) {
	if exchange != "" || routingKey != "" {
		return exchange, routingKey
	}
	if s, ok := p.schemas.Lookup(event.EventType, event.Version); ok && (s.Exchange != "" || s.RoutingKey != "") {
		rk := s.RoutingKey
		if rk == "" {
			rk = event.EventType
		}
		return s.Exchange, rk
	}
	return "", event.EventType
}

func (p *Publisher) markFailed(ctx context.Context, event *storepkg.Event, cause error) {
	event.Status = storepkg.EventFailed
	event.PublishAttempts++
	event.LastError = cause.Error()
	if p.events == nil {
		return
	}
	if err := p.events.MarkEventFailed(ctx, event.ID, cause.Error()); err != nil {
		p.logger.Error("failed to mark event failed", err, loggingpkg.LogFields{"event_id": event.ID})
	}
}

func (p *Publisher) observePublish(eventType, status string) {
	p.metrics.RecordPublish(eventType, status)
}
