// Package transport defines the broker contract of the flowbus event bus and
// the registry through which backend implementations plug in. Each backend
// (rabbitmq, kafka, redis, nats, aws, channel) lives in its own sub-package
// and registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Broker is the uniform interface over all message transports. Deliveries are
// Watermill messages; Ack and Reject address them by message UUID so callers
// never hold transport-specific delivery handles.
//
// Connect is idempotent: every operation calls it internally, so a broker
// lazily (re)connects before first use.
type Broker interface {
	Connect(ctx context.Context) error
	Close() error

	// Publish sends a message towards an exchange/routing-key pair. Backends
	// without exchange semantics derive a flat topic from the pair. A failed
	// publish returns an error; it never panics across the API boundary.
	Publish(ctx context.Context, exchange, routingKey string, msg *message.Message) error

	// Subscribe opens a receive channel for a queue. The channel stays open
	// until ctx is cancelled or the broker is closed. Each delivered message
	// must be settled with Ack or Reject.
	Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error)

	DeclareQueue(ctx context.Context, cfg QueueConfig) error
	DeclareExchange(ctx context.Context, cfg ExchangeConfig) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	Ack(messageID string) error
	Reject(messageID string, requeue bool) error

	Capabilities() Capabilities
}

// QueueConfig describes a queue to provision.
type QueueConfig struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// ExchangeConfig describes an exchange to provision.
type ExchangeConfig struct {
	Name    string
	Kind    string // "direct", "topic", or "fanout"
	Durable bool
}

// Builder is the function signature for creating a broker from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Broker, error)

// Config provides the configuration values needed by transports. The
// interface lets each backend read only the keys it needs without depending
// on the full config package.
type Config interface {
	GetBackend() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// Redis
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Topic derives the flat topic name for backends without broker-side
// exchange routing. Both parts set joins them with a dot so AMQP-style
// exchange/key pairs stay distinguishable.
func Topic(exchange, routingKey string) string {
	switch {
	case exchange == "":
		return routingKey
	case routingKey == "":
		return exchange
	default:
		return exchange + "." + routingKey
	}
}
