// Package rabbitmq provides a RabbitMQ/AMQP broker for flowbus.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowbus/flowbus/transport"
)

// BackendName is the name used to register this broker.
const BackendName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(BackendName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ broker. The AMQP connection is established
// lazily on first use.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	url := cfg.GetRabbitMQURL()

	core := transport.NewCore(transport.RabbitMQCapabilities, func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		amqpConfig := amqp.NewDurablePubSubConfig(
			url,
			amqp.GenerateQueueNameTopicName,
		)

		conn, err := ConnectionFactory(amqp.ConnectionConfig{
			AmqpURI:   url,
			TLSConfig: nil,
			Reconnect: amqp.DefaultReconnectConfig(),
		}, logger)
		if err != nil {
			return nil, nil, err
		}

		publisher, err := PublisherFactory(amqpConfig, logger, conn)
		if err != nil {
			return nil, nil, err
		}

		subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
		if err != nil {
			return nil, nil, err
		}

		return publisher, subscriber, nil
	}, logger)
	return core, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
