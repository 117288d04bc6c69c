package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/flowbus/flowbus/internal/runtime/config"
	"github.com/flowbus/flowbus/internal/runtime/dedup"
	"github.com/flowbus/flowbus/internal/runtime/envelope"
	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	"github.com/flowbus/flowbus/internal/runtime/filter"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	"github.com/flowbus/flowbus/internal/runtime/retry"
	"github.com/flowbus/flowbus/internal/runtime/router"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
	transportpkg "github.com/flowbus/flowbus/transport"
)

const (
	defaultRetryPollInterval = 10 * time.Second
	defaultMaxRetries        = 3
	defaultRetrySweepLimit   = 50
	dedupTTL                 = 24 * time.Hour
)

// Consumer drives one subscription: it declares the queue, receives
// deliveries, guards idempotency through the processor store, and runs the
// handler under the subscription's retry policy.
type Consumer struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger
	broker transportpkg.Broker

	sub     *storepkg.EventSubscription
	handler Handler
	policy  retry.Policy
	flt     *filter.Filter

	events        storepkg.EventStore
	processors    storepkg.ProcessorStore
	subscriptions storepkg.SubscriptionStore

	seen    dedup.Cache
	metrics *BusMetrics
	stats   *SubscriptionStats

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
}

// NewConsumer builds a consumer for one subscription. A filter expression
// that does not compile is logged and disabled, never a reason to drop
// deliveries.
func NewConsumer(conf *configpkg.Config, log loggingpkg.ServiceLogger, broker transportpkg.Broker, events storepkg.EventStore, processors storepkg.ProcessorStore, subscriptions storepkg.SubscriptionStore, sub *storepkg.EventSubscription, handler Handler, seen dedup.Cache, metrics *BusMetrics) (*Consumer, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if broker == nil {
		return nil, errspkg.ErrBrokerRequired
	}
	if sub == nil || sub.Name == "" {
		return nil, fmt.Errorf("flowbus: subscription is required")
	}
	if sub.Queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if log == nil {
		log = loggingpkg.Nop()
	}
	if seen == nil {
		seen = dedup.Nop{}
	}

	log = log.With(loggingpkg.LogFields{"subscription": sub.Name, "queue": sub.Queue})

	policy := retry.FromSubscription(sub)
	if sub.MaxRetries <= 0 {
		policy.MaxRetries = conf.RetryMaxAttempts
		if policy.MaxRetries <= 0 {
			policy.MaxRetries = defaultMaxRetries
		}
	}
	if sub.RetryBaseDelay <= 0 && conf.RetryBaseDelay > 0 {
		policy.BaseDelay = conf.RetryBaseDelay
	}
	if sub.RetryMaxDelay <= 0 && conf.RetryMaxDelay > 0 {
		policy.MaxDelay = conf.RetryMaxDelay
	}

	flt, err := filter.Compile(sub.FilterExpression)
	if err != nil {
		log.Error("invalid filter expression, delivering unfiltered", err, nil)
		flt = nil
	}

	return &Consumer{
		conf:          conf,
		logger:        log,
		broker:        broker,
		sub:           sub,
		handler:       handler,
		policy:        policy,
		flt:           flt,
		events:        events,
		processors:    processors,
		subscriptions: subscriptions,
		seen:          seen,
		metrics:       metrics,
		stats:         NewSubscriptionStats(sub.Name),
	}, nil
}

// Stats exposes the consumer's running counters.
func (c *Consumer) Stats() *SubscriptionStats {
	return c.stats
}

// Subscription returns the subscription this consumer serves.
func (c *Consumer) Subscription() *storepkg.EventSubscription {
	return c.sub
}

// Start declares the queues, opens the subscription, and launches the worker
// pool and the retry sweeper. It returns once consumption is running.
func (c *Consumer) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}

	if err := c.broker.DeclareQueue(ctx, transportpkg.QueueConfig{Name: c.sub.Queue, Durable: true}); err != nil {
		return fmt.Errorf("flowbus: failed to declare queue %s: %w", c.sub.Queue, err)
	}
	if c.sub.DeadLetterQueue != "" {
		if err := c.broker.DeclareQueue(ctx, transportpkg.QueueConfig{Name: c.sub.DeadLetterQueue, Durable: true}); err != nil {
			return fmt.Errorf("flowbus: failed to declare dead-letter queue %s: %w", c.sub.DeadLetterQueue, err)
		}
	}
	if c.sub.Exchange != "" {
		if err := c.broker.DeclareExchange(ctx, transportpkg.ExchangeConfig{Name: c.sub.Exchange, Kind: "topic", Durable: true}); err != nil {
			return fmt.Errorf("flowbus: failed to declare exchange %s: %w", c.sub.Exchange, err)
		}
		routingKey := c.sub.RoutingKey
		if routingKey == "" {
			routingKey = "#"
		}
		if err := c.broker.BindQueue(ctx, c.sub.Queue, c.sub.Exchange, routingKey); err != nil {
			return fmt.Errorf("flowbus: failed to bind queue %s: %w", c.sub.Queue, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	deliveries, err := c.broker.Subscribe(runCtx, c.sub.Queue)
	if err != nil {
		cancel()
		return fmt.Errorf("flowbus: failed to subscribe to %s: %w", c.sub.Queue, err)
	}

	c.cancel = cancel
	c.started = true

	c.wg.Add(1)
	go c.dispatch(runCtx, deliveries)

	if c.processors != nil {
		c.wg.Add(1)
		go c.retrySweep(runCtx)
	}

	c.logger.Info("consumer started", loggingpkg.LogFields{
		"event_types": c.sub.EventTypes,
		"workers":     c.sub.Workers(),
	})
	return nil
}

// Stop cancels consumption and waits for in-flight handlers to finish.
func (c *Consumer) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.started {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	c.logger.Info("consumer stopped", nil)
}

// dispatch feeds deliveries into the worker pool. The semaphore bounds
// concurrent handlers at the subscription's worker count.
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan *message.Message) {
	defer c.wg.Done()

	sem := make(chan struct{}, c.sub.Workers())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				c.settle(msg, false)
				return
			}
			c.wg.Add(1)
			go func(msg *message.Message) {
				defer c.wg.Done()
				defer func() { <-sem }()
				c.handleDelivery(ctx, msg)
			}(msg)
		}
	}
}

// handleDelivery runs the full receive pipeline for one broker delivery and
// settles the message. A delivery is only requeued when recording its state
// failed; every decided outcome acks, because the processor row carries the
// truth.
func (c *Consumer) handleDelivery(ctx context.Context, msg *message.Message) {
	env, err := envelope.FromTransport(msg)
	if err != nil {
		c.logger.Error("dropping undecodable delivery", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		c.settle(msg, true)
		return
	}

	if !c.wantsEvent(env.EventType) {
		c.settle(msg, true)
		return
	}

	event := c.eventFromEnvelope(env)
	if c.events != nil {
		stored, _, err := c.events.GetOrCreateEvent(ctx, event)
		if err != nil {
			c.logger.Error("failed to record event, requeueing", err, loggingpkg.LogFields{"event_id": event.ID})
			c.settle(msg, false)
			return
		}
		event = stored
	}

	ok, requeue := c.process(ctx, env, event)
	if ok {
		c.settle(msg, true)
		return
	}
	c.settle(msg, requeue)
}

// process takes a decoded event through filtering, idempotency claim, and the
// handler. It reports whether the delivery is settled (first return) and, if
// not, whether it should be requeued.
func (c *Consumer) process(ctx context.Context, env envelope.Message, event *storepkg.Event) (done, requeue bool) {
	if c.processors == nil {
		c.runHandler(ctx, env, event, nil, 1)
		return true, false
	}

	if first, err := c.seen.FirstSeen(ctx, event.ID+":"+c.sub.Name, dedupTTL); err == nil && !first {
		c.logger.Trace("duplicate delivery", loggingpkg.LogFields{"event_id": event.ID})
	}

	proc, _, err := c.processors.GetOrCreateProcessor(ctx, event.ID, c.sub.Name)
	if err != nil {
		c.logger.Error("failed to claim processor row, requeueing", err, loggingpkg.LogFields{"event_id": event.ID})
		return false, true
	}
	if proc.Status.Terminal() {
		return true, false
	}
	if proc.NextRetryAt != nil && proc.NextRetryAt.After(time.Now()) {
		// A scheduled retry owns this row until the sweeper picks it up.
		return true, false
	}

	if event.ExpiresAt != nil && time.Now().After(*event.ExpiresAt) {
		if err := c.processors.MarkProcessorSkipped(ctx, proc.ID); err != nil {
			return false, true
		}
		c.metrics.RecordProcessed(c.sub.Name, "expired")
		return true, false
	}

	if pass, err := c.evalFilter(env); err == nil && !pass {
		if err := c.processors.MarkProcessorSkipped(ctx, proc.ID); err != nil {
			return false, true
		}
		c.metrics.RecordProcessed(c.sub.Name, "skipped")
		return true, false
	}

	claimed, err := c.processors.BeginProcessing(ctx, proc.ID)
	if err != nil {
		return false, true
	}
	if !claimed {
		// Lost the race, or a retry is already scheduled.
		return true, false
	}

	return c.runHandler(ctx, env, event, proc, proc.Attempts+1), false
}

// runHandler executes the handler for one attempt and records the outcome.
// It returns false only when the outcome could not be persisted.
func (c *Consumer) runHandler(ctx context.Context, env envelope.Message, event *storepkg.Event, proc *storepkg.EventProcessor, attempt int) bool {
	delivery := Delivery{
		Event:        event,
		Message:      env,
		Subscription: c.sub,
		Attempt:      attempt,
	}

	c.metrics.HandlerStarted(c.sub.Name)
	start := time.Now()
	result, err := c.invoke(ctx, delivery)
	elapsed := time.Since(start)
	c.metrics.HandlerFinished(c.sub.Name)
	c.metrics.ObserveHandler(c.sub.Name, elapsed)

	if err == nil || errors.Is(err, errspkg.ErrSkip) {
		if proc != nil {
			var markErr error
			if err != nil {
				markErr = c.processors.MarkProcessorSkipped(ctx, proc.ID)
			} else {
				markErr = c.processors.MarkProcessorCompleted(ctx, proc.ID, result)
			}
			if markErr != nil {
				c.logger.Error("failed to record handler outcome", markErr, loggingpkg.LogFields{"event_id": event.ID})
				return false
			}
		}
		c.stats.RecordSuccess(elapsed)
		c.metrics.RecordProcessed(c.sub.Name, "completed")
		return true
	}

	c.stats.RecordFailure(elapsed)
	c.logger.Error("handler failed", err, loggingpkg.LogFields{
		"event_id":   event.ID,
		"event_type": event.EventType,
		"attempt":    attempt,
	})
	if c.subscriptions != nil {
		if recErr := c.subscriptions.RecordSubscriptionError(ctx, c.sub.Name, err.Error()); recErr != nil {
			c.logger.Error("failed to record subscription error", recErr, nil)
		}
	}

	if proc == nil {
		return true
	}
	return c.recordFailure(ctx, env, event, proc, attempt, err)
}

// invoke runs the handler with the visibility timeout and panic recovery,
// wrapped in a tracing span.
func (c *Consumer) invoke(ctx context.Context, delivery Delivery) (result map[string]any, err error) {
	tracer := otel.Tracer("flowbus-consumer")
	ctx, span := tracer.Start(ctx, "ProcessEvent",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", delivery.Event.ID),
			attribute.String("event.type", delivery.Event.EventType),
			attribute.String("subscription", c.sub.Name),
			attribute.Int("attempt", delivery.Attempt),
		))
	defer span.End()

	timeout := c.sub.HandlerTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				err = &errspkg.ProcessingError{Handler: c.sub.Handler, Cause: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err = c.handler(ctx, delivery)
	}()

	select {
	case <-done:
		return result, err
	case <-ctx.Done():
		return nil, &errspkg.TimeoutError{Handler: c.sub.Handler, Limit: timeout}
	}
}

// recordFailure schedules a retry or hands the event to the dead-letter
// queue once the policy is exhausted.
func (c *Consumer) recordFailure(ctx context.Context, env envelope.Message, event *storepkg.Event, proc *storepkg.EventProcessor, attempt int, cause error) bool {
	if c.policy.ShouldRetry(attempt) {
		at := c.policy.NextRetryAt(time.Now().UTC(), attempt)
		if err := c.processors.ScheduleProcessorRetry(ctx, proc.ID, at, cause.Error()); err != nil {
			c.logger.Error("failed to schedule retry", err, loggingpkg.LogFields{"event_id": event.ID})
			return false
		}
		c.metrics.RecordRetryScheduled(c.sub.Name)
		c.logger.Info("retry scheduled", loggingpkg.LogFields{
			"event_id": event.ID,
			"attempt":  attempt,
			"at":       at,
		})
		return true
	}

	exhausted := &errspkg.RetryExhaustedError{
		EventID:      event.ID,
		Subscription: c.sub.Name,
		Attempts:     attempt,
		Cause:        cause,
	}

	if c.sub.DeadLetterQueue == "" {
		if err := c.processors.MarkProcessorFailed(ctx, proc.ID, exhausted.Error()); err != nil {
			return false
		}
		c.metrics.RecordProcessed(c.sub.Name, "failed")
		return true
	}

	dl := env.WithFailureContext(cause.Error(), c.sub.Name, c.sub.Queue, attempt)
	if msg, err := dl.ToTransport(); err == nil {
		if err := c.broker.Publish(ctx, "", c.sub.DeadLetterQueue, msg); err != nil {
			// Dead-lettering is best effort: the processor row keeps the
			// failure context even when the copy never reaches the queue.
			c.logger.Error("failed to deliver dead-letter copy", err, loggingpkg.LogFields{"event_id": event.ID})
		}
	}

	if err := c.processors.MarkProcessorDeadLettered(ctx, proc.ID, exhausted.Error()); err != nil {
		return false
	}
	c.metrics.RecordDeadLettered(c.sub.Name)
	c.metrics.RecordProcessed(c.sub.Name, "dead_lettered")
	c.logger.Info("event dead-lettered", loggingpkg.LogFields{
		"event_id":          event.ID,
		"dead_letter_queue": c.sub.DeadLetterQueue,
		"attempts":          attempt,
	})
	return true
}

// retrySweep periodically re-runs processor rows whose next_retry_at has
// come due. Retries are driven from the store, not broker redelivery, so
// backoff works the same on every backend.
func (c *Consumer) retrySweep(ctx context.Context) {
	defer c.wg.Done()

	interval := c.conf.RetryPollInterval
	if interval <= 0 {
		interval = defaultRetryPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *Consumer) sweepOnce(ctx context.Context) {
	limit := c.sub.BatchSize
	if limit <= 0 {
		limit = defaultRetrySweepLimit
	}

	due, err := c.processors.ProcessorsDueForRetry(ctx, time.Now().UTC(), limit)
	if err != nil {
		c.logger.Error("retry sweep failed", err, nil)
		return
	}

	for _, proc := range due {
		if proc.Subscription != c.sub.Name {
			continue
		}
		c.retryProcessor(ctx, proc)
	}
}

func (c *Consumer) retryProcessor(ctx context.Context, proc *storepkg.EventProcessor) {
	if c.events == nil {
		return
	}
	event, err := c.events.GetEvent(ctx, proc.EventID)
	if err != nil {
		c.logger.Error("retry sweep cannot load event", err, loggingpkg.LogFields{"event_id": proc.EventID})
		return
	}

	claimed, err := c.processors.BeginProcessing(ctx, proc.ID)
	if err != nil || !claimed {
		return
	}

	env := envelope.Message{
		ID:            event.ID,
		EventType:     event.EventType,
		Data:          event.Payload,
		Metadata:      event.Metadata,
		CorrelationID: event.CorrelationID,
		Timestamp:     event.OccurredAt,
	}
	c.runHandler(ctx, env, event, proc, proc.Attempts+1)
}

// wantsEvent checks the subscription's event type list, resolving wildcard
// patterns with the topic matcher.
func (c *Consumer) wantsEvent(eventType string) bool {
	if len(c.sub.EventTypes) == 0 {
		return true
	}
	if c.sub.WantsEventType(eventType) {
		return true
	}
	for _, pattern := range c.sub.EventTypes {
		if router.MatchTopic(pattern, eventType) {
			return true
		}
	}
	return false
}

// evalFilter applies the subscription filter. Evaluation errors fail open:
// an event a broken filter cannot judge is delivered, not dropped.
func (c *Consumer) evalFilter(env envelope.Message) (bool, error) {
	if c.flt == nil {
		return true, nil
	}
	pass, err := c.flt.Eval(filter.Env{
		Data:          env.Data,
		Metadata:      env.Metadata,
		EventType:     env.EventType,
		CorrelationID: env.CorrelationID,
	})
	if err != nil {
		c.logger.Error("filter evaluation failed, delivering anyway", err, loggingpkg.LogFields{"event_id": env.ID})
		return true, nil
	}
	return pass, nil
}

func (c *Consumer) eventFromEnvelope(env envelope.Message) *storepkg.Event {
	version := env.Metadata.Get(envelope.KeyVersion)
	if version == "" {
		version = "1"
	}
	return &storepkg.Event{
		ID:            env.ID,
		EventType:     env.EventType,
		Version:       version,
		Payload:       env.Data,
		Metadata:      env.Metadata,
		CorrelationID: env.CorrelationID,
		Status:        storepkg.EventPublished,
		OccurredAt:    env.Timestamp,
	}
}

// settle acks or requeues one delivery via the broker.
func (c *Consumer) settle(msg *message.Message, ack bool) {
	var err error
	if ack {
		err = c.broker.Ack(msg.UUID)
	} else {
		err = c.broker.Reject(msg.UUID, true)
	}
	if err != nil {
		c.logger.Error("failed to settle delivery", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
	}
}
