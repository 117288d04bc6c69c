// Package kafka provides a Kafka broker for flowbus.
package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowbus/flowbus/transport"
)

// BackendName is the name used to register this broker.
const BackendName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(BackendName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka broker. Cluster connections are established
// lazily on first use.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	brokers := cfg.GetKafkaBrokers()
	consumerGroup := cfg.GetKafkaConsumerGroup()

	core := transport.NewCore(transport.KafkaCapabilities, func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		publisher, err := PublisherFactory(
			kafka.PublisherConfig{
				Brokers:   brokers,
				Marshaler: kafka.DefaultMarshaler{},
			},
			logger,
		)
		if err != nil {
			return nil, nil, err
		}

		subscriber, err := SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:       brokers,
				Unmarshaler:   kafka.DefaultMarshaler{},
				ConsumerGroup: consumerGroup,
			},
			logger,
		)
		if err != nil {
			return nil, nil, err
		}

		return publisher, subscriber, nil
	}, logger)
	return core, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
