// Package flowbus is a durable event bus on top of Watermill: a
// publish/process pipeline through which independent application components
// communicate with typed events, at-least-once delivery, schema validation,
// configurable retry with backoff, dead-lettering, content-aware routing, and
// saga-style long-running processes with compensation.
//
// Publishing writes the event to a durable store before the broker sees it,
// so a failed broker publish leaves a recoverable row behind for
// Service.RepublishFailed. Consuming records a per-(event, subscription)
// processor row whose uniqueness makes redelivery idempotent: no matter how
// many times a backend redelivers, the handler's effect is recorded once.
//
// # Transports
//
// The broker abstraction supports six backends out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: High-throughput streaming with consumer groups
//   - rabbitmq: AMQP durable queues with exchange routing
//   - redis: Lightweight list-backed queues with replay
//   - nats: High-performance messaging
//   - aws: AWS SNS/SQS with LocalStack support
//
// Backends register themselves in the transport registry. Import the ones
// you use:
//
//	import _ "github.com/flowbus/flowbus/transport/rabbitmq"
//
// # Quick start
//
// Fill a Config, create a Service, register handlers and subscriptions, and
// call Start:
//
//	svc, err := flowbus.NewService(ctx, cfg, logger, flowbus.ServiceDependencies{})
//	svc.MustRegisterHandler("send-welcome", sendWelcome)
//	svc.Subscribe(ctx, &flowbus.EventSubscription{
//		Name:       "welcome-mail",
//		EventTypes: []string{"user.created"},
//		Queue:      "mail.welcome",
//		Handler:    "send-welcome",
//		Active:     true,
//	})
//	svc.Start(ctx)
//	svc.Publish(ctx, "user.created", map[string]any{"user_id": id}, flowbus.PublishOptions{})
//
// # Routing
//
// Routing rules decide which queues receive an event: exact, prefix,
// AMQP-style topic patterns ("order.*.shipped", "#.error"), regular
// expressions, and content-based predicates over the payload, composable
// through CompositeRouter. Subscriptions additionally filter with a JSON
// predicate DSL evaluated against payload and metadata.
//
// # Sagas
//
// SagaCoordinator persists saga instances and publishes their step events
// through the same durable pipeline. Compensation walks completed steps in
// reverse, emitting the compensating event for each.
package flowbus
